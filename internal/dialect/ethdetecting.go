package dialect

import "github.com/btccom/btcagent/internal/stratumjson"

// EthDetecting is the dialect every downstream session starts on when the
// proxy is configured with agent_type=eth (spec.md §9 leaves the exact
// sub-protocol an Open Question; ServerEth.cc resolves it by inspecting
// the first handshake message, which is what this does). Once the first
// message arrives it swaps the session onto EthProxy or EthNiceHash and
// replays that same message through the real dialect. There is no
// separate standard Ethereum stratum dialect; a mining.subscribe without
// a NiceHash hint lands on EthProxy, which does not handle
// mining.subscribe.
type EthDetecting struct{}

func (e *EthDetecting) Name() string { return "eth-detecting" }

func (e *EthDetecting) OnLine(h Host, msg stratumjson.Decoded, raw []byte) error {
	next := detectEthDialect(msg)
	h.SwitchDialect(next)
	return next.OnLine(h, msg, raw)
}

// detectEthDialect picks the sub-dialect from the shape of the first
// request a miner sends:
//   - mining.subscribe whose params[1] (the session-hint field) names
//     "EthereumStratum" is NiceHash's EthereumStratum/1.0.0 (nonce-prefix
//     variant), per the teacher's params[1] != "EthereumStratum/1.0.0"
//     check in proxy/stratum.go.
//   - eth_submitLogin with no prior subscribe is Claymore-style ETHProxy.
//   - anything else defaults to EthProxy, the most common miner behavior.
func detectEthDialect(msg stratumjson.Decoded) Dialect {
	if msg.Subscribe != nil && isNiceHashAgent(msg.Subscribe.SessionHint) {
		return &EthNiceHash{}
	}
	if msg.EthSubmitLogin != nil {
		return &EthProxy{}
	}
	return &EthProxy{}
}

func isNiceHashAgent(agent string) bool {
	for _, want := range []string{"EthereumStratum", "NiceHash"} {
		if contains(agent, want) {
			return true
		}
	}
	return false
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// SendNotify/SendFakeNotify/SendSetDiff are never called while a session
// is still on EthDetecting (no upstream binding exists until after the
// first swap), but the Dialect interface requires them.
func (e *EthDetecting) SendNotify(h Host, upstreamTemplate []byte) error { return nil }
func (e *EthDetecting) SendFakeNotify(h Host, fakeJobID string) error    { return nil }
func (e *EthDetecting) SendSetDiff(h Host, diff float64) error           { return nil }
