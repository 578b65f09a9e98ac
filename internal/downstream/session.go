// Package downstream implements DownstreamSession, the per-miner side of
// the proxy: one TCP connection from a miner, framed as LF-terminated
// Stratum JSON-RPC lines, with behavior delegated to a pluggable
// dialect.Dialect. Grounded on the teacher's Session/handleTCPClient
// (proxy/stratum.go), generalized from a single ETC dialect to the
// pluggable dialect.Dialect abstraction spec.md §9 calls for.
package downstream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/btccom/btcagent/internal/dialect"
	"github.com/btccom/btcagent/internal/session"
	"github.com/btccom/btcagent/internal/stratumjson"
)

// MaxLineSize bounds one incoming Stratum line, matching the teacher's
// MaxReqSize flood guard.
const MaxLineSize = 4096

// ErrNoUpstreamAvailable is returned by Authorize when the Selector has
// nothing to bind this session to.
var ErrNoUpstreamAvailable = errors.New("downstream: no upstream available")

// Selector is how a Session finds an upstream to bind to on
// mining.authorize, implemented by proxyserver.Server with the
// fewest-bound-downstreams policy spec.md §4.5 describes.
type Selector interface {
	SelectUpstream(user string) (session.UpstreamBinding, error)
}

// Session is one miner connection. It implements both dialect.Host (so
// its active Dialect can drive it) and session.DownstreamTarget (so its
// bound UpstreamClient can push to it), deliberately through two
// separate interfaces owned by two separate packages to avoid either of
// those packages importing this one.
type Session struct {
	conn     net.Conn
	id       uint16
	extranonce1 uint32
	ip       [4]byte
	selector Selector
	cfg      dialect.HostConfig
	log      *logrus.Entry
	timeout  time.Duration

	writeMu sync.Mutex
	w       *bufio.Writer

	mu          sync.Mutex
	activeDialect dialect.Dialect
	upstream    session.UpstreamBinding
	subscribed  bool
	authorized  bool
	minerAgent  string
	user, worker string

	versionRolledTotal int
	nonVersionRolledStreak int

	noncePrefix   uint32
	noncePrefixOK bool

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps an accepted connection. sessionID and extranonce1 come from
// proxyserver's sessionid.Pool allocation; d is the initial dialect
// (Bitcoin, or dialect.EthDetecting for agent_type=eth proxies).
func New(conn net.Conn, sessionID uint16, extranonce1 uint32, ipv4 [4]byte, selector Selector, cfg dialect.HostConfig, timeout time.Duration, d dialect.Dialect, log *logrus.Entry) *Session {
	return &Session{
		conn:        conn,
		id:          sessionID,
		extranonce1: extranonce1,
		ip:          ipv4,
		selector:    selector,
		cfg:         cfg,
		log:         log.WithField("sessionId", sessionID),
		timeout:     timeout,
		w:           bufio.NewWriter(conn),
		activeDialect: d,
		closed:      make(chan struct{}),
	}
}

// Serve reads lines until the connection errs out or closes, dispatching
// each decoded message to the active dialect. It returns when the
// connection is gone, after Close has unregistered the session from its
// bound upstream; the caller (proxyserver) is responsible for freeing
// the session id.
func (s *Session) Serve() {
	defer s.Close()

	r := bufio.NewReaderSize(s.conn, MaxLineSize)
	for {
		if s.timeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		}

		line, isPrefix, err := r.ReadLine()
		if isPrefix {
			s.log.Warn("line too long, dropping connection")
			return
		}
		if err == io.EOF {
			s.log.Debug("miner disconnected")
			return
		}
		if err != nil {
			s.log.WithError(err).Debug("read error")
			return
		}
		if len(line) == 0 {
			continue
		}

		msg, err := stratumjson.Decode(line)
		if err != nil {
			s.log.WithError(err).Debug("malformed json line")
			continue
		}

		d := s.dialect()
		if err := d.OnLine(s, msg, line); err != nil {
			s.log.WithError(err).Debug("dialect error, closing")
			return
		}
	}
}

func (s *Session) dialect() dialect.Dialect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeDialect
}

// Close tears the connection down exactly once, unregistering from any
// bound upstream.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		up := s.upstream
		s.mu.Unlock()
		if up != nil {
			up.UnregisterWorker(s.id)
		}
		s.conn.Close()
	})
}

// --- dialect.Host ---

func (s *Session) SessionID() uint16 { return s.id }

func (s *Session) ExtraNonce1Hex() string {
	return fmt.Sprintf("%08x", s.extranonce1)
}

func (s *Session) WriteLine(line []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.timeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	}
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *Session) WriteResult(id []byte, result interface{}) error {
	return s.WriteLine(stratumjson.EncodeResult(id, result))
}

func (s *Session) WriteError(id []byte, code int, message string) error {
	return s.WriteLine(stratumjson.EncodeError(id, code, message))
}

func (s *Session) Upstream() session.UpstreamBinding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

func (s *Session) IsBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream != nil
}

// Authorize implements the shared binding policy every dialect needs:
// pick an available upstream for user, bind it, mark authorized. See
// spec.md §4.5; the actual selection policy lives behind s.selector so
// static fan-out and per-user variants are both just a Selector
// implementation choice in proxyserver.
func (s *Session) Authorize(user, worker string) error {
	up, err := s.selector.SelectUpstream(user)
	if err != nil {
		return ErrNoUpstreamAvailable
	}
	up.Bind(s.id, s)
	s.mu.Lock()
	s.upstream = up
	s.authorized = true
	s.user, s.worker = user, worker
	s.mu.Unlock()
	return nil
}

func (s *Session) SetMinerAgent(agent string) {
	s.mu.Lock()
	s.minerAgent = agent
	s.mu.Unlock()
}

func (s *Session) MinerAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minerAgent
}

func (s *Session) UserWorker() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.worker
}

// EffectiveWorkerName applies the config-driven worker-name fallbacks
// (spec.md §4.2): an explicit fixed name wins, then the source IP
// formatted per IPWorkerNameFormat, then the miner-supplied name, then
// "__default__".
func (s *Session) EffectiveWorkerName() string {
	if s.cfg.FixedWorkerName != "" {
		return s.cfg.FixedWorkerName
	}
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	if s.cfg.UseIPAsWorkerName {
		ip := s.SourceIPv4()
		format := s.cfg.IPWorkerNameFormat
		if format == "" {
			format = "%d.%d.%d.%d"
		}
		return fmt.Sprintf(format, ip[0], ip[1], ip[2], ip[3])
	}
	if w == "" {
		return "__default__"
	}
	return w
}

func (s *Session) SourceIPv4() [4]byte { return s.ip }

func (s *Session) MarkSubscribed() {
	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()
}

func (s *Session) IsSubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

func (s *Session) IsAuthorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized
}

func (s *Session) NoncePrefix() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noncePrefix, s.noncePrefixOK
}

func (s *Session) SwitchDialect(d dialect.Dialect) {
	s.mu.Lock()
	s.activeDialect = d
	s.mu.Unlock()
}

func (s *Session) Config() dialect.HostConfig { return s.cfg }

func (s *Session) Logger() *logrus.Entry { return s.log }

func (s *Session) NoteVersionRolledShare() {
	s.mu.Lock()
	s.versionRolledTotal++
	s.nonVersionRolledStreak = 0
	s.mu.Unlock()
}

func (s *Session) NoteNonVersionRolledShare() {
	s.mu.Lock()
	s.nonVersionRolledStreak++
	s.mu.Unlock()
}

func (s *Session) TotalVersionRolledShares() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionRolledTotal
}

func (s *Session) NonVersionRolledStreak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonVersionRolledStreak
}

func (s *Session) ForceReconnect() {
	s.WriteLine(stratumjson.EncodeClientReconnect())
	s.Close()
}

// --- session.DownstreamTarget ---

func (s *Session) PushLine(line []byte) error {
	return s.WriteLine(line)
}

func (s *Session) SetNoncePrefix(prefix uint32) {
	s.mu.Lock()
	s.noncePrefix = prefix
	s.noncePrefixOK = true
	s.mu.Unlock()
}

// Dialect exposes the currently active dialect so proxyserver can ask it
// to push a notify/fake-notify/set-diff without knowing its concrete
// type.
func (s *Session) Dialect() dialect.Dialect {
	return s.dialect()
}
