package stratumjson

import (
	"encoding/json"
	"strconv"
	"strings"
)

// envelope is the superset JSON-RPC shape used by both requests (method +
// params) and responses (result + error) on Stratum connections.
type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// Decode parses one JSON-RPC line (without its trailing newline). It
// returns an error only when the bytes are not a valid JSON object; every
// other form of malformed input (wrong arity, wrong type) yields a
// Decoded with zero-value params rather than an error, per spec.md §4.3's
// "decoder is total" requirement.
func Decode(line []byte) (Decoded, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Decoded{}, err
	}

	d := Decoded{ID: env.ID, Method: env.Method}

	if env.Method == "" {
		d.IsResponse = true
		d.Result = env.Result
		d.Error = env.Error
		return d, nil
	}

	switch env.Method {
	case MethodSubscribe:
		d.Subscribe = parseSubscribe(env.Params)
	case MethodAuthorize:
		d.Authorize = parseAuthorize(env.Params)
	case MethodSubmit:
		d.Submit = parseSubmit(env.Params)
	case MethodNotify:
		d.Notify = parseNotify(env.Params)
	case MethodSetDifficulty:
		d.SetDifficulty = parseSetDifficulty(env.Params)
	case MethodConfigure:
		d.Configure = parseConfigure(env.Params)
	case MethodSetVersionMask:
		d.SetVersionMask = parseSetVersionMask(env.Params)
	case MethodEthSubmitLogin:
		d.EthSubmitLogin = parseEthSubmitLogin(env.Params)
	case MethodEthGetWork:
		d.EthGetWork = true
	case MethodEthSubmitWork:
		d.EthSubmitWork = parseEthSubmitWork(env.Params)
	case MethodEthSubmitHashrate:
		d.EthSubmitRate = true
	default:
		d.UnknownMethod = true
	}
	return d, nil
}

func rawArray(params json.RawMessage) []json.RawMessage {
	var arr []json.RawMessage
	_ = json.Unmarshal(params, &arr)
	return arr
}

func rawString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	// Some dialects send numbers/bools where a string is expected;
	// fall back to the literal JSON text rather than erroring out.
	return strings.Trim(string(raw), `"`)
}

func parseSubscribe(params json.RawMessage) *SubscribeParams {
	arr := rawArray(params)
	p := &SubscribeParams{Agent: "unknown"}
	if len(arr) > 0 {
		if a := rawString(arr[0]); a != "" {
			p.Agent = truncate(a, maxAgentLen)
		}
	}
	if len(arr) > 1 {
		p.SessionHint = rawString(arr[1])
	}
	return p
}

func parseAuthorize(params json.RawMessage) *AuthorizeParams {
	arr := rawArray(params)
	p := &AuthorizeParams{}
	if len(arr) > 0 {
		full := rawString(arr[0])
		if idx := strings.IndexByte(full, '.'); idx >= 0 {
			p.User = full[:idx]
			p.Worker = full[idx+1:]
		} else {
			p.User = full
		}
	}
	if len(arr) > 1 {
		p.Password = rawString(arr[1])
	}
	return p
}

func parseSubmit(params json.RawMessage) *SubmitParams {
	arr := rawArray(params)
	p := &SubmitParams{}
	if len(arr) > 0 {
		p.Worker = rawString(arr[0])
	}
	if len(arr) > 1 {
		p.JobID = rawString(arr[1])
	}
	if len(arr) > 2 {
		p.ExtraNonce2Hex = rawString(arr[2])
	}
	if len(arr) > 3 {
		p.NTimeHex = rawString(arr[3])
	}
	if len(arr) > 4 {
		p.NonceHex = rawString(arr[4])
	}
	if len(arr) > 5 {
		p.VersionMaskHex = rawString(arr[5])
		p.HasVersionMask = true
	}
	return p
}

func parseNotify(params json.RawMessage) *NotifyParams {
	arr := rawArray(params)
	p := &NotifyParams{RawParams: arr}
	if len(arr) > 0 {
		p.JobID = rawString(arr[0])
	}
	if len(arr) > 1 {
		p.PrevHash = rawString(arr[1])
	}
	if len(arr) > 2 {
		p.Coinbase1 = rawString(arr[2])
	}
	if len(arr) > 3 {
		p.Coinbase2 = rawString(arr[3])
	}
	if len(arr) > 4 {
		_ = json.Unmarshal(arr[4], &p.MerkleBranch)
	}
	if len(arr) > 5 {
		p.Version = rawString(arr[5])
	}
	if len(arr) > 6 {
		p.NBits = rawString(arr[6])
	}
	if len(arr) > 7 {
		p.NTime = rawString(arr[7])
	}
	if len(arr) > 8 {
		p.CleanJobs = parseCleanJobs(arr[8])
	}
	return p
}

// parseCleanJobs accepts both a JSON boolean and a "true"/"false" string,
// per spec.md §9's Open Question resolution.
func parseCleanJobs(raw json.RawMessage) bool {
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s == "true"
	}
	return false
}

func parseSetDifficulty(params json.RawMessage) *SetDifficultyParams {
	arr := rawArray(params)
	p := &SetDifficultyParams{}
	if len(arr) > 0 {
		_ = json.Unmarshal(arr[0], &p.Difficulty)
	}
	return p
}

func parseConfigure(params json.RawMessage) *ConfigureParams {
	arr := rawArray(params)
	p := &ConfigureParams{}
	if len(arr) > 0 {
		_ = json.Unmarshal(arr[0], &p.Extensions)
		for _, ext := range p.Extensions {
			if ext == "version-rolling" {
				p.HasVersionRolling = true
			}
		}
	}
	if len(arr) > 1 {
		var opts map[string]json.RawMessage
		if json.Unmarshal(arr[1], &opts) == nil {
			if raw, ok := opts["version-rolling.mask"]; ok {
				if mask, err := parseHexMask(rawString(raw)); err == nil {
					p.WantedMask = mask
				}
			}
		}
	}
	return p
}

func parseSetVersionMask(params json.RawMessage) *SetVersionMaskParams {
	arr := rawArray(params)
	p := &SetVersionMaskParams{}
	if len(arr) > 0 {
		if mask, err := parseHexMask(rawString(arr[0])); err == nil {
			p.Mask = mask
		}
	}
	return p
}

func parseHexMask(s string) (uint32, error) {
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	return uint32(v), err
}

func parseEthSubmitLogin(params json.RawMessage) *EthSubmitLoginParams {
	arr := rawArray(params)
	p := &EthSubmitLoginParams{}
	if len(arr) > 0 {
		p.Login = rawString(arr[0])
	}
	return p
}

func parseEthSubmitWork(params json.RawMessage) *EthSubmitWorkParams {
	arr := rawArray(params)
	p := &EthSubmitWorkParams{}
	if len(arr) > 0 {
		p.NonceHex = rawString(arr[0])
	}
	if len(arr) > 1 {
		p.HeaderHex = rawString(arr[1])
	}
	if len(arr) > 2 {
		p.MixDigestHex = rawString(arr[2])
	}
	return p
}
