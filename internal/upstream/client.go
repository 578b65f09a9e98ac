// Package upstream implements UpstreamClient, the proxy's side of one TCP
// connection to a mining pool. Grounded on the teacher's upstream
// dial/reconnect handling in proxy/stratum.go, generalized to the
// subscribe/authorize/ex-message handshake spec.md §4.4 describes.
package upstream

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/btccom/btcagent/internal/session"
	"github.com/btccom/btcagent/internal/stratumjson"
	"github.com/btccom/btcagent/internal/wireproto"
)

// State is UpstreamClient's connection lifecycle, spec.md §4.4.
type State int

const (
	StateInit State = iota
	StateConnected
	StateSubscribed
	StateAuthenticated
	StateClosed
)

// clientAgent is how this proxy identifies itself to the pool, spec.md §6.
const clientAgent = "btccom-agent/1.0.0-su"

// availabilityWindow is how stale last_job_received_time may get before
// isAvailable() goes false, spec.md §4.4.
const availabilityWindow = 300 * time.Second

// jobRingSize is the 3-slot (jobId, nTime) ring spec.md §4.4/§9 describes.
const jobRingSize = 3

// Pool is one configured upstream endpoint (spec.md §6's pools entries).
type Pool struct {
	Host string
	Port int
	User string
}

// Config is the subset of the config file a Client needs.
type Config struct {
	Pools      []Pool
	UseTLS     bool
	Dialect    string // "btc" or "eth"
	SubmitResponseFromServer bool
}

type jobSlot struct {
	jobID uint8
	nTime uint32
}

// Client is one upstream connection. Bound DownstreamSessions are held
// as session.DownstreamTarget so this package never imports downstream.
type Client struct {
	cfg Config
	log *logrus.Entry

	mu          sync.Mutex
	state       State
	conn        net.Conn
	w           *bufio.Writer
	extraNonce1 uint32
	poolDiff    float64
	notifyTmpl  []byte
	jobRing     [jobRingSize]jobSlot
	lastJobAt   time.Time
	lastConnect time.Time

	downstreams map[uint16]session.DownstreamTarget
	pendingNoncePrefix map[uint16]bool

	limiter *rate.Limiter
}

// New builds a Client in StateInit; call Connect to dial.
func New(cfg Config, log *logrus.Entry) *Client {
	return &Client{
		cfg:                cfg,
		log:                log,
		downstreams:        make(map[uint16]session.DownstreamTarget),
		pendingNoncePrefix: make(map[uint16]bool),
		limiter:            rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Connect dials the first reachable pool in cfg.Pools, in order
// (spec.md's "tried in order for each upstream"), and runs the
// handshake. It blocks until a pool has answered mining.subscribe and
// mining.authorize has been sent, or every pool has failed; the pool's
// authorize reply is handled later by the read loop.
func (c *Client) Connect() error {
	if !c.limiter.Allow() {
		return fmt.Errorf("upstream: reconnect rate-limited, retry next watchdog tick")
	}

	var lastErr error
	for _, p := range c.cfg.Pools {
		addr := net.JoinHostPort(p.Host, fmt.Sprintf("%d", p.Port))
		conn, err := c.dial(addr)
		if err != nil {
			lastErr = err
			c.log.WithError(err).WithField("pool", addr).Warn("dial failed, trying next pool")
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.w = bufio.NewWriter(conn)
		c.state = StateConnected
		c.lastConnect = time.Now()
		c.mu.Unlock()

		if err := c.handshake(p.User); err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		c.log.WithField("pool", addr).Info("upstream subscribed, authorize sent")
		return nil
	}
	return fmt.Errorf("upstream: all pools failed: %w", lastErr)
}

func (c *Client) dial(addr string) (net.Conn, error) {
	if c.cfg.UseTLS {
		return tls.Dial("tcp", addr, &tls.Config{})
	}
	return net.Dial("tcp", addr)
}

// handshake drives CONNECTED -> SUBSCRIBED and sends mining.authorize,
// then starts the read loop in its own goroutine; the read loop moves
// the client to AUTHENTICATED when the pool accepts the authorize (the
// single-reactor model of
// spec.md §5 is approximated here with one goroutine per connection,
// matching the teacher's one-goroutine-per-Session approach).
func (c *Client) handshake(user string) error {
	if err := c.writeLine(stratumjson.EncodeNotification(stratumjson.MethodSubscribe, []interface{}{clientAgent})); err != nil {
		return err
	}

	r := bufio.NewReader(c.conn)
	line, err := r.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("upstream: subscribe reply: %w", err)
	}
	if err := c.handleSubscribeReply(line); err != nil {
		return err
	}

	if err := c.writeLine(stratumjson.EncodeNotification(stratumjson.MethodAuthorize, []interface{}{user, ""})); err != nil {
		return err
	}
	if c.cfg.Dialect != "eth" {
		if err := c.negotiateBitcoinExtras(); err != nil {
			return err
		}
	}

	go c.readLoop(r)
	return nil
}

// negotiateBitcoinExtras sends the wide version-rolling mining.configure
// and the agent.get_capabilities probe spec.md §4.4 / SPEC_FULL.md §C
// describe; their replies are consumed by the normal read loop.
func (c *Client) negotiateBitcoinExtras() error {
	configureParams := []interface{}{
		[]interface{}{"version-rolling"},
		map[string]interface{}{"version-rolling.mask": "ffffffff"},
	}
	if err := c.writeLine(stratumjson.EncodeNotification(stratumjson.MethodConfigure, configureParams)); err != nil {
		return err
	}

	caps := []interface{}{"verrol"}
	if c.cfg.SubmitResponseFromServer {
		caps = []interface{}{"verrol", "subres"}
	}
	return c.writeLine(stratumjson.EncodeNotification("agent.get_capabilities", []interface{}{caps}))
}

func (c *Client) handleSubscribeReply(line []byte) error {
	msg, err := stratumjson.Decode(trimNL(line))
	if err != nil {
		return fmt.Errorf("upstream: malformed subscribe reply: %w", err)
	}
	e1, xn2size, err := parseSubscribeResult(msg.Result)
	if err != nil {
		return err
	}
	if xn2size != 8 {
		return fmt.Errorf("upstream: extraNonce2_size %d != 8", xn2size)
	}

	c.mu.Lock()
	c.extraNonce1 = e1
	c.state = StateSubscribed
	c.mu.Unlock()
	return nil
}

// parseSubscribeResult extracts [[...], extraNonce1Hex, extraNonce2Size]
// from a mining.subscribe JSON-RPC result.
func parseSubscribeResult(result json.RawMessage) (e1 uint32, xn2size int, err error) {
	var tuple []json.RawMessage
	if err = json.Unmarshal(result, &tuple); err != nil || len(tuple) < 3 {
		return 0, 0, fmt.Errorf("upstream: malformed subscribe result")
	}
	var e1hex string
	if err = json.Unmarshal(tuple[1], &e1hex); err != nil {
		return 0, 0, fmt.Errorf("upstream: malformed extraNonce1: %w", err)
	}
	var n uint32
	if _, err = fmt.Sscanf(strings.TrimPrefix(e1hex, "0x"), "%x", &n); err != nil {
		return 0, 0, fmt.Errorf("upstream: bad extraNonce1 hex: %w", err)
	}
	if err = json.Unmarshal(tuple[2], &xn2size); err != nil {
		return 0, 0, fmt.Errorf("upstream: malformed extraNonce2Size: %w", err)
	}
	return n, xn2size, nil
}

func trimNL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func (c *Client) writeLine(line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(append(line, '\n'))
}

func (c *Client) writeLocked(b []byte) error {
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	return c.w.Flush()
}

// readLoop consumes the mixed line/ex-message stream from the pool until
// it errors out, at which point the client moves to StateClosed; the
// watchdog is responsible for reconnecting.
func (c *Client) readLoop(r *bufio.Reader) {
	dec := wireproto.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			c.drain(dec)
		}
		if err != nil {
			c.log.WithError(err).Debug("upstream read error")
			c.setClosed()
			return
		}
	}
}

func (c *Client) drain(dec *wireproto.Decoder) {
	for {
		frame, ok, err := dec.Next()
		if err != nil {
			c.log.WithError(err).Warn("malformed frame from pool")
			return
		}
		if !ok {
			return
		}
		if frame.Kind == wireproto.KindLine {
			if len(frame.Line) > 0 {
				c.handleLine(frame.Line)
			}
			continue
		}
		c.handleExMessage(frame.Cmd, frame.Payload)
	}
}

func (c *Client) handleLine(line []byte) {
	msg, err := stratumjson.Decode(line)
	if err != nil {
		c.log.WithError(err).Debug("malformed json from pool")
		return
	}
	switch {
	case msg.Method == stratumjson.MethodNotify:
		c.onNotify(msg, line)
	case msg.Method == stratumjson.MethodSetDifficulty:
		c.onSetDifficulty(msg)
	case msg.IsResponse && c.stateIs(StateSubscribed):
		c.onAuthorizeResponse(msg)
	}
}

func (c *Client) stateIs(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == s
}

func (c *Client) onAuthorizeResponse(msg stratumjson.Decoded) {
	var ok bool
	_ = json.Unmarshal(msg.Result, &ok)
	if !ok {
		c.log.Warn("pool rejected authorize")
		return
	}
	c.mu.Lock()
	c.state = StateAuthenticated
	targets := c.snapshotDownstreams()
	tmpl := c.notifyTmpl
	diff := c.poolDiff
	c.mu.Unlock()
	c.log.Info("upstream reached AUTHENTICATED")

	// A reconnect reuses this Client and, under always_keep_downconn,
	// leaves already-bound downstreams in c.downstreams; the new socket
	// has never heard of them, so REGISTER_WORKER has to be replayed for
	// each one before their shares or nonce-prefix requests can be routed,
	// and they need the current diff/job pushed since they won't see
	// another organic mining.notify until the pool's next one (spec.md
	// §4.4).
	for _, d := range targets {
		c.RegisterWorker(d.SessionID(), d.MinerAgent(), d.EffectiveWorkerName())
		if diff > 0 {
			d.PushLine(stratumjson.EncodeSetDifficulty(diff))
		}
		if len(tmpl) == 0 {
			continue
		}
		rewritten, err := stratumjson.RewriteExtraNonce1(tmpl, uint32(d.SessionID()))
		if err != nil {
			continue
		}
		d.PushLine(rewritten)
	}
}

// shiftRing shifts the (jobId, nTime) ring ascending (§9's Open
// Question resolution: "forget oldest, add newest") and must run before
// the notify is dispatched so shares arriving right after a notify can
// still pick the compact encoding.
func (c *Client) shiftRing(jobID uint8, nTime uint32) {
	c.jobRing[0] = c.jobRing[1]
	c.jobRing[1] = c.jobRing[2]
	c.jobRing[2] = jobSlot{jobID: jobID, nTime: nTime}
}

func (c *Client) onNotify(msg stratumjson.Decoded, raw []byte) {
	var jobID uint64
	fmt.Sscanf(msg.Notify.JobID, "%d", &jobID)
	var nTime uint32
	fmt.Sscanf(strings.TrimPrefix(msg.Notify.NTime, "0x"), "%x", &nTime)

	c.mu.Lock()
	c.shiftRing(uint8(jobID), nTime)
	c.lastJobAt = time.Now()
	e1 := c.extraNonce1
	c.mu.Unlock()

	tmpl, err := stratumjson.BuildNotifyTemplate(raw, e1)
	if err != nil {
		c.log.WithError(err).Warn("failed to build notify template")
		return
	}
	c.mu.Lock()
	c.notifyTmpl = tmpl
	targets := c.snapshotDownstreams()
	c.mu.Unlock()

	for _, d := range targets {
		rewritten, err := stratumjson.RewriteExtraNonce1(tmpl, uint32(d.SessionID()))
		if err != nil {
			continue
		}
		d.PushLine(rewritten)
	}
}

func (c *Client) onSetDifficulty(msg stratumjson.Decoded) {
	c.mu.Lock()
	if c.poolDiff != 0 {
		// Only the first non-zero value is recorded; later pushes
		// before a MINING_SET_DIFF ex-message are ignored (spec.md
		// §4.4).
		c.mu.Unlock()
		return
	}
	c.poolDiff = msg.SetDifficulty.Difficulty
	targets := c.snapshotDownstreams()
	diff := c.poolDiff
	c.mu.Unlock()

	for _, d := range targets {
		d.PushLine(stratumjson.EncodeSetDifficulty(diff))
	}
}

// snapshotDownstreams must be called with c.mu held.
func (c *Client) snapshotDownstreams() []session.DownstreamTarget {
	out := make([]session.DownstreamTarget, 0, len(c.downstreams))
	for _, d := range c.downstreams {
		out = append(out, d)
	}
	return out
}

func (c *Client) handleExMessage(cmd byte, payload []byte) {
	switch cmd {
	case wireproto.CmdMiningSetDiff:
		diff2exp, sessionIDs, err := wireproto.DecodeMiningSetDiff(payload)
		if err != nil {
			c.log.WithError(err).Warn("malformed MINING_SET_DIFF")
			return
		}
		diff := float64(uint64(1) << diff2exp)
		c.mu.Lock()
		var targets []session.DownstreamTarget
		for _, sid := range sessionIDs {
			if d, ok := c.downstreams[sid]; ok {
				targets = append(targets, d)
			} else {
				c.log.WithField("sessionId", sid).Warn("MINING_SET_DIFF for unknown session")
			}
		}
		c.mu.Unlock()
		for _, d := range targets {
			d.PushLine(stratumjson.EncodeSetDifficulty(diff))
		}

	case wireproto.CmdSetNoncePrefix:
		sid, prefix, err := wireproto.DecodeSetNoncePrefix(payload)
		if err != nil {
			c.log.WithError(err).Warn("malformed SET_NONCE_PREFIX")
			return
		}
		c.mu.Lock()
		d, ok := c.downstreams[sid]
		c.mu.Unlock()
		if ok {
			d.SetNoncePrefix(prefix)
		}

	default:
		c.log.WithField("cmd", cmd).Debug("unhandled ex-message command")
	}
}

func (c *Client) setClosed() {
	c.mu.Lock()
	c.state = StateClosed
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

// IsAvailable implements session.UpstreamBinding.
func (c *Client) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticated || c.poolDiff == 0 {
		return false
	}
	if time.Since(c.lastJobAt) >= availabilityWindow {
		return false
	}
	if c.cfg.Dialect != "eth" && len(c.notifyTmpl) == 0 {
		return false
	}
	return true
}

func (c *Client) PoolDefaultDiff() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poolDiff
}

func (c *Client) NotifyTemplate() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifyTmpl
}

func (c *Client) RegisterWorker(sessionID uint16, minerAgent, workerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeLocked(wireproto.EncodeRegisterWorker(sessionID, minerAgent, workerName)); err != nil {
		c.log.WithError(err).Warn("failed to send REGISTER_WORKER")
	}
}

// Bind records that target is now bound to this upstream, called by
// downstream.Session.Authorize right after Selector.SelectUpstream
// succeeds.
func (c *Client) Bind(sessionID uint16, target session.DownstreamTarget) {
	c.mu.Lock()
	c.downstreams[sessionID] = target
	c.mu.Unlock()
}

func (c *Client) UnregisterWorker(sessionID uint16) {
	c.mu.Lock()
	delete(c.downstreams, sessionID)
	err := c.writeLocked(wireproto.EncodeUnregisterWorker(sessionID))
	c.mu.Unlock()
	if err != nil {
		c.log.WithError(err).Warn("failed to send UNREGISTER_WORKER")
	}
}

// isTimeChanged implements spec.md §4.4/§8's predicate: false iff
// (jobID, nTime) matches one of the ring's three slots.
func (c *Client) isTimeChanged(jobID uint8, nTime uint32) bool {
	for _, slot := range c.jobRing {
		if slot.jobID == jobID && slot.nTime == nTime {
			return false
		}
	}
	return true
}

func (c *Client) SubmitBitcoinShare(share wireproto.BitcoinShare) {
	c.mu.Lock()
	defer c.mu.Unlock()
	share.HasTime = c.isTimeChanged(share.JobID, share.NTime)
	if err := c.writeLocked(wireproto.EncodeBitcoinShare(share)); err != nil {
		c.log.WithError(err).Warn("failed to submit bitcoin share")
	}
}

func (c *Client) SubmitEthShare(share wireproto.EthShare) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeLocked(wireproto.EncodeEthShare(share)); err != nil {
		c.log.WithError(err).Warn("failed to submit eth share")
	}
}

func (c *Client) RequestNoncePrefix(sessionID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingNoncePrefix[sessionID] = true
	if err := c.writeLocked(wireproto.EncodeGetNoncePrefix(sessionID)); err != nil {
		c.log.WithError(err).Warn("failed to request nonce prefix")
	}
}

func (c *Client) BoundDownstreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.downstreams)
}
