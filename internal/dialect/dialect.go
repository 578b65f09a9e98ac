// Package dialect implements the per-coin differences on the downstream
// side of the proxy: Bitcoin (with AsicBoost version rolling), ETHProxy
// (Claymore-style eth_submitLogin/eth_getWork/eth_submitWork), and
// NiceHash EthereumStratum/1.0.0. There is no separate "standard"
// Ethereum stratum dialect. Each is a Dialect implementation operating
// against a Host — the abstract view of a DownstreamSession a dialect
// needs — so this package has no import-time dependency on
// internal/downstream, avoiding a cycle (downstream imports dialect to
// pick and drive an implementation).
package dialect

import (
	"github.com/sirupsen/logrus"

	"github.com/btccom/btcagent/internal/session"
	"github.com/btccom/btcagent/internal/stratumjson"
)

// HostConfig carries the small set of per-downstream behavioral knobs
// the config file (spec.md §6) exposes.
type HostConfig struct {
	FixedWorkerName           string
	UseIPAsWorkerName         bool
	IPWorkerNameFormat        string
	SubmitResponseFromServer  bool
	DisconnectWhenLostAsicBoost bool
}

// Host is the subset of DownstreamSession a Dialect drives. Defined here
// (not in internal/downstream) so dialect implementations can be
// type-checked against it without importing the session package that
// implements it.
type Host interface {
	SessionID() uint16
	ExtraNonce1Hex() string
	WriteLine(line []byte) error
	WriteResult(id []byte, result interface{}) error
	WriteError(id []byte, code int, message string) error

	Upstream() session.UpstreamBinding
	IsBound() bool
	// Authorize selects a least-loaded available upstream for user and
	// binds this session to it. It is the one piece of binding policy
	// shared by every dialect (spec.md §4.5); it does not send
	// REGISTER_WORKER, which each dialect does itself after a successful
	// Authorize. On failure (no upstream available) the session stays
	// unbound and the caller replies UNAUTHORIZED / closes per its own
	// dialect rules.
	Authorize(user, worker string) error

	SetMinerAgent(agent string)
	MinerAgent() string
	UserWorker() (user, worker string)
	EffectiveWorkerName() string
	SourceIPv4() [4]byte

	MarkSubscribed()
	IsSubscribed() bool
	IsAuthorized() bool

	// NoncePrefix returns the pool-assigned NiceHash nonce prefix once
	// UpstreamBinding.RequestNoncePrefix's answer has arrived (ok=false
	// until then); EthNiceHash submits are rejected until it is set.
	NoncePrefix() (prefix uint32, ok bool)

	SwitchDialect(d Dialect)

	Config() HostConfig
	Logger() *logrus.Entry

	// AsicBoost loss-guard bookkeeping (Bitcoin only).
	NoteVersionRolledShare()
	NoteNonVersionRolledShare()
	TotalVersionRolledShares() int
	NonVersionRolledStreak() int

	ForceReconnect()
}

// Dialect is the four-operation trait spec.md §9 calls for.
type Dialect interface {
	Name() string
	// OnLine dispatches one decoded JSON-RPC line. raw is the original
	// bytes (without trailing \n), needed for methods the dialect
	// forwards verbatim.
	OnLine(h Host, msg stratumjson.Decoded, raw []byte) error
	// SendNotify rewrites upstreamTemplate's ExtraNonce1 span to h's own
	// and pushes the result (or the dialect's own job encoding, for ETH
	// variants that don't share Bitcoin's notify wire shape).
	SendNotify(h Host, upstreamTemplate []byte) error
	// SendFakeNotify pushes a synthetic job while the bound upstream is
	// unavailable; fakeJobID always starts with 'f' per spec.md §4.6.
	SendFakeNotify(h Host, fakeJobID string) error
	SendSetDiff(h Host, diff float64) error
}

// ForName returns the Bitcoin dialect or the Ethereum detecting dialect.
// ETH sub-dialect selection happens per-connection (driven by the content
// of mining.subscribe / eth_submitLogin — see detectEthDialect), so
// proxies running agent_type=eth start every connection on EthDetecting
// and swap in EthProxy or EthNiceHash once the first message arrives.
func ForName(agentType string) Dialect {
	switch agentType {
	case "eth":
		return &EthDetecting{}
	default:
		return &Bitcoin{}
	}
}
