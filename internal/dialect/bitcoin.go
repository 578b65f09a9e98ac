package dialect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btccom/btcagent/internal/stratumjson"
	"github.com/btccom/btcagent/internal/wireproto"
)

// allowedVersionMask is the widest version-rolling mask this proxy ever
// grants a miner. It is narrower than the "ffffffff" mask the upstream
// requests from the pool in Client.negotiateBitcoinExtras.
const allowedVersionMask uint32 = 0x1fffe000

// asicBoostLossThreshold: once a session has seen at least this many
// version-rolled shares, a run of subsequent shares that stop rolling
// the version trips the reconnect guard (spec.md §4.5).
const asicBoostLossThreshold = 100

// Bitcoin is the ProtocolDialect for standard + AsicBoost Bitcoin
// Stratum, grounded on ServerBitcoin.cc's mining.configure negotiation
// and Server.cc's subscribe/authorize/submit handling.
type Bitcoin struct {
	wantedMask uint32
	grantedMask uint32
	hasVersionRolling bool
}

func (b *Bitcoin) Name() string { return "bitcoin" }

func (b *Bitcoin) OnLine(h Host, msg stratumjson.Decoded, raw []byte) error {
	switch {
	case msg.Subscribe != nil:
		return b.onSubscribe(h, msg)
	case msg.Authorize != nil:
		return b.onAuthorize(h, msg)
	case msg.Configure != nil:
		return b.onConfigure(h, msg)
	case msg.Submit != nil:
		return b.onSubmit(h, msg)
	case msg.Method == stratumjson.MethodGetVersion:
		return h.WriteResult(msg.ID, "btcagent/1.0.0")
	case msg.IsResponse:
		// A bare response arriving on the downstream side is unexpected
		// and ignored.
		return nil
	default:
		h.Logger().WithField("method", msg.Method).Debug("illegal method for bitcoin dialect")
		return h.WriteError(msg.ID, stratumjson.ErrIllegalMethod, "")
	}
}

func (b *Bitcoin) onSubscribe(h Host, msg stratumjson.Decoded) error {
	h.SetMinerAgent(msg.Subscribe.Agent)
	e1 := h.ExtraNonce1Hex()

	result := []interface{}{
		[]interface{}{
			[]interface{}{"mining.set_difficulty", e1},
			[]interface{}{"mining.notify", e1},
		},
		e1,
		4,
	}
	h.MarkSubscribed()
	return h.WriteResult(msg.ID, result)
}

func (b *Bitcoin) onConfigure(h Host, msg stratumjson.Decoded) error {
	b.wantedMask = msg.Configure.WantedMask
	b.hasVersionRolling = msg.Configure.HasVersionRolling
	if !b.hasVersionRolling {
		return h.WriteResult(msg.ID, map[string]interface{}{})
	}

	b.grantedMask = b.wantedMask & allowedVersionMask
	result := map[string]interface{}{
		"version-rolling":      true,
		"version-rolling.mask": fmt.Sprintf("%08x", b.grantedMask),
	}
	if err := h.WriteResult(msg.ID, result); err != nil {
		return err
	}
	return h.WriteLine(stratumjson.EncodeSetVersionMask(fmt.Sprintf("%08x", b.grantedMask)))
}

func (b *Bitcoin) onAuthorize(h Host, msg stratumjson.Decoded) error {
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
	if err := h.WriteLine(stratumjson.EncodeSetDifficulty(up.PoolDefaultDiff())); err != nil {
		return err
	}
	if tmpl := up.NotifyTemplate(); len(tmpl) > 0 {
		return b.SendNotify(h, tmpl)
	}
	return nil
}

func (b *Bitcoin) onSubmit(h Host, msg stratumjson.Decoded) error {
	if !h.IsAuthorized() {
		h.WriteError(msg.ID, stratumjson.ErrUnauthorized, "")
		return h.WriteLine(stratumjson.EncodeClientReconnect())
	}

	share, err := parseBitcoinShare(h, msg.Submit)
	if err != nil {
		return h.WriteError(msg.ID, stratumjson.ErrIllegalParams, err.Error())
	}

	if share.IsFakeJob {
		// The jobId names a keep-alive job this proxy injected while its
		// upstream was down (spec.md §4.6); the share never reaches the
		// pool, but the miner still sees an accepted share so it keeps
		// hashing instead of backing off.
		return h.WriteResult(msg.ID, true)
	}

	if share.HasVersionMask {
		h.NoteVersionRolledShare()
	} else {
		h.NoteNonVersionRolledShare()
		cfg := h.Config()
		// Fire once, on the first non-rolled share after version
		// rolling had been established for >=100 shares.
		if cfg.DisconnectWhenLostAsicBoost &&
			h.TotalVersionRolledShares() >= asicBoostLossThreshold &&
			h.NonVersionRolledStreak() == 1 {
			h.ForceReconnect()
		}
	}

	up := h.Upstream()
	if up != nil {
		up.SubmitBitcoinShare(share)
	}

	cfg := h.Config()
	if !cfg.SubmitResponseFromServer {
		return h.WriteResult(msg.ID, true)
	}
	// Pool-driven response mode: no reply is written here. UpstreamClient
	// does not handle a pool submit response, so in this mode the miner
	// receives no reply to mining.submit.
	return nil
}

func parseBitcoinShare(h Host, p *stratumjson.SubmitParams) (wireproto.BitcoinShare, error) {
	if strings.HasPrefix(p.JobID, "f") {
		return wireproto.BitcoinShare{SessionID: h.SessionID(), IsFakeJob: true}, nil
	}

	jobID, err := strconv.ParseUint(p.JobID, 10, 8)
	if err != nil {
		return wireproto.BitcoinShare{}, fmt.Errorf("bad jobId: %w", err)
	}
	xn2, err := parseHex32(p.ExtraNonce2Hex)
	if err != nil {
		return wireproto.BitcoinShare{}, fmt.Errorf("bad extraNonce2: %w", err)
	}
	nTime, err := parseHex32(p.NTimeHex)
	if err != nil {
		return wireproto.BitcoinShare{}, fmt.Errorf("bad nTime: %w", err)
	}
	// The miner's submitted nonce is carried in the JSON as a hex string
	// too, per spec.md §8 scenario 2; parseSubmit stores it in NonceHex.
	nonce, err := parseHex32(p.NonceHex)
	if err != nil {
		return wireproto.BitcoinShare{}, fmt.Errorf("bad nonce: %w", err)
	}

	share := wireproto.BitcoinShare{
		JobID:       uint8(jobID),
		SessionID:   h.SessionID(),
		ExtraNonce2: xn2,
		Nonce:       nonce,
		NTime:       nTime,
		HasTime:     true,
	}
	if p.HasVersionMask {
		mask, err := parseHex32(p.VersionMaskHex)
		if err != nil {
			return wireproto.BitcoinShare{}, fmt.Errorf("bad versionMask: %w", err)
		}
		share.VersionMask = mask
		share.HasVersionMask = true
	}
	return share, nil
}

func parseHex32(s string) (uint32, error) {
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	return uint32(v), err
}

func (b *Bitcoin) SendNotify(h Host, upstreamTemplate []byte) error {
	line, err := stratumjson.RewriteExtraNonce1(upstreamTemplate, uint32(h.SessionID()))
	if err != nil {
		h.Logger().WithError(err).Warn("failed to rewrite notify template")
		return nil
	}
	return h.WriteLine(line)
}

func (b *Bitcoin) SendFakeNotify(h Host, fakeJobID string) error {
	params := []interface{}{
		fakeJobID, strings.Repeat("0", 64), "", "", []interface{}{},
		"20000000", "1d00ffff", fmt.Sprintf("%08x", 0), true,
	}
	return h.WriteLine(stratumjson.EncodeNotification(stratumjson.MethodNotify, params))
}

func (b *Bitcoin) SendSetDiff(h Host, diff float64) error {
	return h.WriteLine(stratumjson.EncodeSetDifficulty(diff))
}
