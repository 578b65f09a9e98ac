// Package stratumjson parses Stratum JSON-RPC lines into a typed,
// best-effort decoded form. Decoding never panics and malformed method
// parameters degrade to zero-value fields rather than aborting — callers
// (DownstreamSession, UpstreamClient) decide whether to reply with a
// Stratum error or simply drop the line.
package stratumjson

import "encoding/json"

// Known Stratum / Ethereum-JSON-RPC method names.
const (
	MethodSubscribe       = "mining.subscribe"
	MethodAuthorize       = "mining.authorize"
	MethodSubmit          = "mining.submit"
	MethodNotify          = "mining.notify"
	MethodSetDifficulty   = "mining.set_difficulty"
	MethodConfigure       = "mining.configure"
	MethodSetVersionMask  = "mining.set_version_mask"
	MethodSetExtranonce   = "mining.extranonce.subscribe"
	MethodClientReconnect = "client.reconnect"
	MethodGetVersion      = "client.get_version"

	MethodEthSubmitLogin        = "eth_submitLogin"
	MethodEthGetWork            = "eth_getWork"
	MethodEthSubmitWork         = "eth_submitWork"
	MethodEthSubmitHashrate     = "eth_submitHashrate"
	MethodNiceHashSubscribe     = "mining.subscribe" // same name, dialect picked by params[1]
	MethodNiceHashAuthorize     = "mining.authorize"
	MethodNiceHashExtranonceSub = "mining.extranonce.subscribe"

	maxAgentLen = 30
)

// SubscribeParams is mining.subscribe(agent[, sessionHint]).
type SubscribeParams struct {
	Agent       string
	SessionHint string
}

// AuthorizeParams is mining.authorize(user[.worker], password).
type AuthorizeParams struct {
	User     string
	Worker   string
	Password string
}

// SubmitParams is mining.submit(worker, jobId, xn2Hex, nTimeHex, nonceHex[, versionMaskHex]).
type SubmitParams struct {
	Worker         string
	JobID          string
	ExtraNonce2Hex string
	NTimeHex       string
	NonceHex       string
	VersionMaskHex string
	HasVersionMask bool
}

// NotifyParams is mining.notify's 9-tuple. Fields beyond the ones
// spec.md names are kept in RawParams so a forwarding path can re-encode
// them verbatim.
type NotifyParams struct {
	JobID        string
	PrevHash     string
	Coinbase1    string
	Coinbase2    string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
	RawParams    []json.RawMessage
}

// SetDifficultyParams is mining.set_difficulty([diff]).
type SetDifficultyParams struct {
	Difficulty float64
}

// ConfigureParams is mining.configure([["version-rolling"], {...}]).
type ConfigureParams struct {
	Extensions        []string
	HasVersionRolling bool
	WantedMask        uint32
}

// SetVersionMaskParams is mining.set_version_mask([hex]).
type SetVersionMaskParams struct {
	Mask uint32
}

// EthSubmitLoginParams is eth_submitLogin(["0xaddress.worker", ...], worker).
type EthSubmitLoginParams struct {
	Login string
}

// EthSubmitWorkParams is eth_submitWork(nonceHex, headerHex, mixDigestHex).
type EthSubmitWorkParams struct {
	NonceHex     string
	HeaderHex    string
	MixDigestHex string
}

// Decoded is the total result of parsing one JSON-RPC line. Exactly one
// of the typed *Params fields is non-nil for a recognized request
// method; IsResponse is set for pool replies ({id, result, error}
// shaped, no method).
type Decoded struct {
	ID     json.RawMessage
	Method string

	IsResponse bool
	Result     json.RawMessage
	Error      json.RawMessage

	Subscribe      *SubscribeParams
	Authorize      *AuthorizeParams
	Submit         *SubmitParams
	Notify         *NotifyParams
	SetDifficulty  *SetDifficultyParams
	Configure      *ConfigureParams
	SetVersionMask *SetVersionMaskParams
	EthSubmitLogin *EthSubmitLoginParams
	EthSubmitWork  *EthSubmitWorkParams
	EthGetWork     bool
	EthSubmitRate  bool

	// UnknownMethod is true when Method is non-empty but not one this
	// decoder recognizes; the caller typically replies ILLEGAL_METHOD.
	UnknownMethod bool
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
