// Package session declares the narrow interfaces UpstreamClient and
// DownstreamSession use to reach each other without the two packages
// importing one another. ProxyServer wires concrete *upstream.Client and
// *downstream.Session values together as these interfaces.
package session

import "github.com/btccom/btcagent/internal/wireproto"

// DownstreamTarget is the view of a downstream session an UpstreamClient
// needs: enough to fan a notify/diff update out to it, and to hand it a
// pool-assigned nonce prefix once requested.
type DownstreamTarget interface {
	SessionID() uint16
	// PushLine writes one Stratum JSON-RPC line, given without its
	// trailing newline (the implementation appends it), to the miner.
	// Errors are the caller's cue to tear the session down.
	PushLine(line []byte) error
	// SetNoncePrefix delivers a pool-assigned NiceHash nonce prefix
	// requested earlier via UpstreamBinding.RequestNoncePrefix.
	SetNoncePrefix(prefix uint32)
	// MinerAgent and EffectiveWorkerName let an UpstreamClient replay
	// REGISTER_WORKER for an already-bound target after a reconnect,
	// without reaching back into the dialect/downstream packages.
	MinerAgent() string
	EffectiveWorkerName() string
}

// UpstreamBinding is the view of an upstream client a DownstreamSession
// needs once mining.authorize has bound it.
type UpstreamBinding interface {
	IsAvailable() bool
	PoolDefaultDiff() float64
	// Bind registers target as fan-out destination sessionID on this
	// upstream; called once by DownstreamSession.Authorize right after
	// selection succeeds.
	Bind(sessionID uint16, target DownstreamTarget)
	// NotifyTemplate returns the most recent mining.notify line with the
	// upstream's own ExtraNonce1 already spliced in; callers splice in
	// their own session id in its place before forwarding.
	NotifyTemplate() []byte
	RegisterWorker(sessionID uint16, minerAgent, workerName string)
	UnregisterWorker(sessionID uint16)
	SubmitBitcoinShare(share wireproto.BitcoinShare)
	SubmitEthShare(share wireproto.EthShare)
	RequestNoncePrefix(sessionID uint16)
	BoundDownstreamCount() int
}
