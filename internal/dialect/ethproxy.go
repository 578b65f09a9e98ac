package dialect

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/btccom/btcagent/internal/stratumjson"
	"github.com/btccom/btcagent/internal/wireproto"
)

// EthProxy implements the Claymore-style ETHProxy dialect:
// eth_submitLogin / eth_getWork / eth_submitWork / eth_submitHashrate,
// all JSON-RPC 2.0 requests with no separate mining.subscribe step.
// Grounded on ServerEth.cc's handling of the same method set.
type EthProxy struct {
	lastWork []interface{}
}

func (e *EthProxy) Name() string { return "eth-proxy" }

func (e *EthProxy) OnLine(h Host, msg stratumjson.Decoded, raw []byte) error {
	switch {
	case msg.EthSubmitLogin != nil:
		return e.onSubmitLogin(h, msg)
	case msg.EthGetWork:
		return e.onGetWork(h, msg)
	case msg.EthSubmitWork != nil:
		return e.onSubmitWork(h, msg)
	case msg.EthSubmitRate:
		return h.WriteResult(msg.ID, true)
	case msg.Method == stratumjson.MethodGetVersion:
		return h.WriteResult(msg.ID, "btcagent/1.0.0")
	case msg.IsResponse:
		return nil
	default:
		h.Logger().WithField("method", msg.Method).Debug("illegal method for eth-proxy dialect")
		return h.WriteError(msg.ID, stratumjson.ErrIllegalMethod, "")
	}
}

func (e *EthProxy) onSubmitLogin(h Host, msg stratumjson.Decoded) error {
	user, worker := splitEthLogin(msg.EthSubmitLogin.Login)
	h.SetMinerAgent("ethproxy")
	if err := h.Authorize(user, worker); err != nil {
		h.WriteError(msg.ID, stratumjson.ErrUnauthorized, err.Error())
		h.ForceReconnect()
		return nil
	}
	h.MarkSubscribed()
	up := h.Upstream()
	up.RegisterWorker(h.SessionID(), h.MinerAgent(), h.EffectiveWorkerName())
	return h.WriteResult(msg.ID, true)
}

// splitEthLogin splits "0xaddress.worker" into (user, worker) the way
// Server.cc splits Bitcoin's user.worker, since Claymore miners encode
// the worker name into the login string rather than sending it
// separately.
func splitEthLogin(login string) (user, worker string) {
	if i := strings.IndexByte(login, '.'); i >= 0 {
		return login[:i], login[i+1:]
	}
	return login, ""
}

func (e *EthProxy) onGetWork(h Host, msg stratumjson.Decoded) error {
	if !h.IsAuthorized() {
		return h.WriteError(msg.ID, stratumjson.ErrUnauthorized, "")
	}
	if e.lastWork == nil {
		return h.WriteError(msg.ID, stratumjson.ErrJobNotFound, "no work yet")
	}
	return h.WriteResult(msg.ID, e.lastWork)
}

func (e *EthProxy) onSubmitWork(h Host, msg stratumjson.Decoded) error {
	if !h.IsAuthorized() {
		return h.WriteError(msg.ID, stratumjson.ErrUnauthorized, "")
	}
	share, err := parseEthShare(h, msg.EthSubmitWork)
	if err != nil {
		return h.WriteError(msg.ID, stratumjson.ErrIllegalParams, err.Error())
	}
	up := h.Upstream()
	up.SubmitEthShare(share)
	return h.WriteResult(msg.ID, true)
}

func parseEthShare(h Host, p *stratumjson.EthSubmitWorkParams) (wireproto.EthShare, error) {
	nonceB, err := hexutil.Decode(pad0x(p.NonceHex))
	if err != nil {
		return wireproto.EthShare{}, fmt.Errorf("bad nonce: %w", err)
	}
	headerB, err := hexutil.Decode(pad0x(p.HeaderHex))
	if err != nil {
		return wireproto.EthShare{}, fmt.Errorf("bad header: %w", err)
	}
	var share wireproto.EthShare
	share.SessionID = h.SessionID()
	copy(share.Nonce[8-len(nonceB):], nonceB)
	copy(share.Header[32-len(headerB):], headerB)
	return share, nil
}

func pad0x(s string) string {
	if strings.HasPrefix(s, "0x") {
		return s
	}
	return "0x" + s
}

// SendNotify caches a work payload in the EncodeEthWork array shape so
// the next eth_getWork poll can answer it directly; a template in any
// other shape is logged and dropped. Unlike Bitcoin's notify there is no
// per-session ExtraNonce1 splice, Claymore miners don't take one.
func (e *EthProxy) SendNotify(h Host, upstreamTemplate []byte) error {
	work, err := decodeEthWork(upstreamTemplate)
	if err != nil {
		h.Logger().WithError(err).Warn("failed to decode eth work template")
		return nil
	}
	e.lastWork = work
	return nil
}

func (e *EthProxy) SendFakeNotify(h Host, fakeJobID string) error {
	e.lastWork = []interface{}{
		"0x" + hex.EncodeToString([]byte(fakeJobID)) + strings.Repeat("0", 64-2*len(fakeJobID)),
		"0x" + strings.Repeat("0", 64),
		"0x" + strings.Repeat("0", 64),
	}
	return nil
}

func (e *EthProxy) SendSetDiff(h Host, diff float64) error {
	// ETHProxy has no wire-level set_difficulty push; Claymore miners
	// infer difficulty from the target in the work's 3rd field. This
	// method ignores diff.
	return nil
}
