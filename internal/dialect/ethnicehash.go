package dialect

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/btccom/btcagent/internal/stratumjson"
	"github.com/btccom/btcagent/internal/wireproto"
)

// ethDiffUnit is diff-per-share-at-shareDifficulty-1 used by
// ServerEth.cc's diffToTarget to translate a pool's raw ETH difficulty
// into the power-of-two diff2exp scale the rest of this codebase (and
// the downstream mining.set_difficulty push) uses.
const ethDiffUnit = 4295032833.0

// EthNiceHash implements the NiceHash EthereumStratum/1.0.0 dialect:
// mining.subscribe negotiates a session id the way Bitcoin does, but
// submitted nonces are only 4 bytes wide and are combined with a
// pool-assigned prefix that each session requests for its own session id
// via the GET_NONCE_PREFIX/SET_NONCE_PREFIX ex-messages (spec.md §4.3).
type EthNiceHash struct {
	jobSeedHex   string
	jobHeaderHex string
}

func (e *EthNiceHash) Name() string { return "eth-nicehash" }

func (e *EthNiceHash) OnLine(h Host, msg stratumjson.Decoded, raw []byte) error {
	switch {
	case msg.Subscribe != nil:
		return e.onSubscribe(h, msg)
	case msg.Authorize != nil:
		return e.onAuthorize(h, msg)
	case msg.Submit != nil:
		return e.onSubmit(h, msg)
	case msg.EthSubmitRate:
		return h.WriteResult(msg.ID, true)
	case msg.IsResponse:
		return nil
	default:
		h.Logger().WithField("method", msg.Method).Debug("illegal method for eth-nicehash dialect")
		return h.WriteError(msg.ID, stratumjson.ErrIllegalMethod, "")
	}
}

func (e *EthNiceHash) onSubscribe(h Host, msg stratumjson.Decoded) error {
	h.SetMinerAgent(msg.Subscribe.Agent)
	result := []interface{}{
		[]interface{}{"mining.notify", fmt.Sprintf("%04x", h.SessionID())},
		"", // extranonce left empty; no mining.set_extranonce is sent to the miner later
	}
	h.MarkSubscribed()
	return h.WriteResult(msg.ID, result)
}

func (e *EthNiceHash) onAuthorize(h Host, msg stratumjson.Decoded) error {
	if !h.IsSubscribed() {
		h.WriteError(msg.ID, stratumjson.ErrNotSubscribed, "")
		return nil
	}
	user, worker := msg.Authorize.User, msg.Authorize.Worker
	if err := h.Authorize(user, worker); err != nil {
		h.WriteError(msg.ID, stratumjson.ErrUnauthorized, err.Error())
		h.ForceReconnect()
		return nil
	}
	if err := h.WriteResult(msg.ID, true); err != nil {
		return err
	}
	up := h.Upstream()
	up.RegisterWorker(h.SessionID(), h.MinerAgent(), h.EffectiveWorkerName())
	up.RequestNoncePrefix(h.SessionID())
	return h.WriteLine(stratumjson.EncodeSetDifficulty(up.PoolDefaultDiff()))
}

func (e *EthNiceHash) onSubmit(h Host, msg stratumjson.Decoded) error {
	if !h.IsAuthorized() {
		return h.WriteError(msg.ID, stratumjson.ErrUnauthorized, "")
	}
	prefix, ok := h.NoncePrefix()
	if !ok {
		return h.WriteError(msg.ID, stratumjson.ErrUnauthorized, "nonce prefix not yet assigned")
	}
	nonceB, err := hexutil.Decode(pad0x(msg.Submit.NonceHex))
	if err != nil || len(nonceB) > 4 {
		return h.WriteError(msg.ID, stratumjson.ErrIllegalParams, "bad nonce")
	}

	var share wireproto.EthShare
	share.SessionID = h.SessionID()
	binary.BigEndian.PutUint32(share.Nonce[0:4], prefix)
	copy(share.Nonce[8-len(nonceB):], nonceB)

	if e.jobHeaderHex != "" {
		if headerB, err := hexutil.Decode(pad0x(e.jobHeaderHex)); err == nil {
			copy(share.Header[32-len(headerB):], headerB)
		}
	}

	up := h.Upstream()
	up.SubmitEthShare(share)
	return h.WriteResult(msg.ID, true)
}

// SendNotify decodes the cached [headerHex, seedHex, targetHex] template
// and pushes it as a NiceHash-shaped mining.notify (jobId, seedHash,
// headerHash, cleanJobs) rather than Claymore's eth_getWork reply shape.
func (e *EthNiceHash) SendNotify(h Host, upstreamTemplate []byte) error {
	work, err := decodeEthWork(upstreamTemplate)
	if err != nil || len(work) < 2 {
		return nil
	}
	headerHex, _ := work[0].(string)
	seedHex, _ := work[1].(string)
	e.jobHeaderHex, e.jobSeedHex = headerHex, seedHex

	jobID := fmt.Sprintf("%04x", h.SessionID())
	params := []interface{}{jobID, seedHex, headerHex, true}
	return h.WriteLine(stratumjson.EncodeNotification(stratumjson.MethodNotify, params))
}

func (e *EthNiceHash) SendFakeNotify(h Host, fakeJobID string) error {
	params := []interface{}{fakeJobID, "0x" + strings.Repeat("0", 64), "0x" + strings.Repeat("0", 64), true}
	return h.WriteLine(stratumjson.EncodeNotification(stratumjson.MethodNotify, params))
}

// SendSetDiff rescales the pool's raw ETH difficulty into the
// power-of-two form NiceHash miners expect, per ServerEth.cc's
// diffToTarget (SPEC_FULL.md §C).
func (e *EthNiceHash) SendSetDiff(h Host, diff float64) error {
	rescaled := rescaleEthDiff(diff)
	return h.WriteLine(stratumjson.EncodeSetDifficulty(rescaled))
}

func rescaleEthDiff(poolDiff float64) float64 {
	if poolDiff <= 0 {
		return 1
	}
	n := poolDiff / ethDiffUnit
	pow := math.Round(math.Log2(n))
	if pow < 0 {
		pow = 0
	}
	return math.Pow(2, pow)
}
