package stratumjson

import "encoding/json"

// Stratum error codes, spec.md §6.
const (
	ErrUnknown          = 20
	ErrJobNotFound      = 21
	ErrDuplicateShare   = 22
	ErrLowDifficulty    = 23
	ErrUnauthorized     = 24
	ErrNotSubscribed    = 25
	ErrIllegalMethod    = 26
	ErrIllegalParams    = 27
	ErrIPBanned         = 28
	ErrInvalidUsername  = 29
	ErrInternalError    = 30
	ErrTimeTooOld       = 31
	ErrTimeTooNew       = 32
)

var errMessages = map[int]string{
	ErrUnknown:         "unknown",
	ErrJobNotFound:     "job not found",
	ErrDuplicateShare:  "duplicate share",
	ErrLowDifficulty:   "low difficulty share",
	ErrUnauthorized:    "unauthorized worker",
	ErrNotSubscribed:   "not subscribed",
	ErrIllegalMethod:   "illegal method",
	ErrIllegalParams:   "illegal params",
	ErrIPBanned:        "ip banned",
	ErrInvalidUsername: "invalid username",
	ErrInternalError:   "internal error",
	ErrTimeTooOld:      "time too old",
	ErrTimeTooNew:      "time too new",
}

// rpcResult is {"id":…, "result":…, "error":null}.
type rpcResult struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result"`
	Error  interface{}     `json:"error"`
}

// rpcError is {"id":…, "result":null, "error":[code,"message",null]}.
type rpcError struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result"`
	Error  [3]interface{}  `json:"error"`
}

// rpcNotification is a method call with no response expected (id is
// null), e.g. mining.notify / mining.set_difficulty pushed to a miner.
type rpcNotification struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every value built by this package is a plain struct of
		// marshalable fields; a failure here means a caller passed an
		// unmarshalable type, which is a programming error.
		panic("stratumjson: " + err.Error())
	}
	return b
}

// EncodeResult builds a successful JSON-RPC result line.
func EncodeResult(id json.RawMessage, result interface{}) []byte {
	return mustMarshal(rpcResult{ID: id, Result: result, Error: nil})
}

// EncodeError builds a Stratum error reply with code and an optional
// message override; when message is "", the standard table text is used.
func EncodeError(id json.RawMessage, code int, message string) []byte {
	if message == "" {
		message = errMessages[code]
	}
	return mustMarshal(rpcError{ID: id, Result: nil, Error: [3]interface{}{code, message, nil}})
}

// EncodeNotification builds a fire-and-forget method push to a miner.
func EncodeNotification(method string, params []interface{}) []byte {
	return mustMarshal(rpcNotification{ID: nil, Method: method, Params: params})
}

// EncodeSetDifficulty builds mining.set_difficulty[diff].
func EncodeSetDifficulty(diff float64) []byte {
	return EncodeNotification(MethodSetDifficulty, []interface{}{diff})
}

// EncodeClientReconnect builds client.reconnect[] forcing the miner to
// restart its handshake.
func EncodeClientReconnect() []byte {
	return EncodeNotification(MethodClientReconnect, []interface{}{})
}

// EncodeSetVersionMask builds mining.set_version_mask[hex].
func EncodeSetVersionMask(maskHex string) []byte {
	return EncodeNotification(MethodSetVersionMask, []interface{}{maskHex})
}

// EncodeNotify re-serializes a notify's 9-tuple verbatim except for
// Coinbase1, which callers rewrite to splice in an ExtraNonce1 before
// calling this, and always emits CleanJobs as a JSON boolean.
// internal/upstream's template rewrite instead operates directly on the
// raw line per spec.md §4.4, and the dialects' fake jobs are built with
// EncodeNotification; no code path in this module calls EncodeNotify.
func EncodeNotify(p NotifyParams) []byte {
	branch := make([]interface{}, len(p.MerkleBranch))
	for i, m := range p.MerkleBranch {
		branch[i] = m
	}
	params := []interface{}{
		p.JobID, p.PrevHash, p.Coinbase1, p.Coinbase2, branch,
		p.Version, p.NBits, p.NTime, p.CleanJobs,
	}
	return EncodeNotification(MethodNotify, params)
}
