// Package proxyserver owns the accept loop, the session registry, the
// upstream pool and the watchdog: the glue spec.md §4.6 describes as
// ProxyServer. Grounded on the teacher's ListenTCP/handleTCPClient
// structure (proxy/stratum.go), generalized from a single embedded pool
// connection to N_UP multiplexed upstreams.
package proxyserver

import (
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/robfig/cron"
	"github.com/sirupsen/logrus"

	"github.com/btccom/btcagent/internal/adminapi"
	"github.com/btccom/btcagent/internal/config"
	"github.com/btccom/btcagent/internal/dialect"
	"github.com/btccom/btcagent/internal/downstream"
	"github.com/btccom/btcagent/internal/session"
	"github.com/btccom/btcagent/internal/sessionid"
	"github.com/btccom/btcagent/internal/upstream"
)

const (
	watchdogInterval = "@every 15s"
	availabilityPoll = 1 * time.Second
	availabilityWait = 30 * time.Second
)

// Server is the top-level ProxyServer: it owns the listener, the
// session-id pool, the full downstream registry and every upstream
// Client.
type Server struct {
	cfg config.Config
	log *logrus.Entry

	ids      *sessionid.Pool
	listener net.Listener

	mu         sync.Mutex
	sessions   map[uint16]*downstream.Session
	upstreams  []*upstream.Client
	shares     int64

	cron *cron.Cron

	shutdownOnce sync.Once
	closing      chan struct{}
}

// New builds a Server in its pre-Start state.
func New(cfg config.Config, log *logrus.Entry) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		ids:      sessionid.New(),
		sessions: make(map[uint16]*downstream.Session),
		cron:     cron.New(),
		closing:  make(chan struct{}),
	}
}

// Start dials N_UP upstreams, waits up to availabilityWait for all of
// them to become available, binds the listener, and installs the
// watchdog, per spec.md §4.6's startup sequence.
func (s *Server) Start() error {
	pools := make([]upstream.Pool, 0, len(s.cfg.Pools))
	for _, p := range s.cfg.Pools {
		pools = append(pools, upstream.Pool{Host: p.Host, Port: p.Port, User: p.User})
	}

	ucfg := upstream.Config{
		Pools:                    pools,
		UseTLS:                   s.cfg.PoolUseTLS,
		Dialect:                  s.cfg.AgentType,
		SubmitResponseFromServer: s.cfg.SubmitResponseFromServer,
	}

	for i := 0; i < s.cfg.NUp; i++ {
		c := upstream.New(ucfg, s.log.WithField("upstream", i))
		if err := c.Connect(); err != nil {
			s.log.WithError(err).WithField("upstream", i).Warn("initial connect failed")
		}
		s.upstreams = append(s.upstreams, c)
	}

	if !s.waitForAvailability() {
		return fmt.Errorf("proxyserver: not all upstreams became available within %s", availabilityWait)
	}

	addr := net.JoinHostPort(s.cfg.AgentListenIP, fmt.Sprintf("%d", s.cfg.AgentListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxyserver: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.log.WithField("addr", addr).Info("listening")

	s.cron.AddFunc(watchdogInterval, s.watchdogTick)
	s.cron.Start()

	go s.acceptLoop()
	return nil
}

func (s *Server) waitForAvailability() bool {
	deadline := time.Now().Add(availabilityWait)
	for time.Now().Before(deadline) {
		allAvailable := true
		for _, u := range s.upstreams {
			if !u.IsAvailable() {
				allAvailable = false
				break
			}
		}
		if allAvailable {
			return true
		}
		time.Sleep(availabilityPoll)
	}
	return false
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
				s.log.WithError(err).Warn("accept error")
				continue
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	id, ok := s.ids.Alloc()
	if !ok {
		s.log.Warn("session id pool full, closing connection")
		conn.Close()
		return
	}

	ipv4 := sourceIPv4(conn)
	cfg := dialect.HostConfig{
		FixedWorkerName:             s.cfg.FixedWorkerName,
		UseIPAsWorkerName:           s.cfg.UseIPAsWorkerName,
		IPWorkerNameFormat:          s.cfg.IPWorkerNameFormat,
		SubmitResponseFromServer:    s.cfg.SubmitResponseFromServer,
		DisconnectWhenLostAsicBoost: s.cfg.DisconnectWhenLostAsicBoost,
	}

	d := dialect.ForName(s.cfg.AgentType)
	sess := downstream.New(conn, id, uint32(id), ipv4, s, cfg, 30*time.Minute, d, s.log)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	sess.Serve()

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.ids.Free(id)
}

func sourceIPv4(conn net.Conn) [4]byte {
	var out [4]byte
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return out
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return out
	}
	copy(out[:], ip)
	return out
}

// SelectUpstream implements downstream.Selector: the static fan-out
// policy of spec.md §4.5, choosing the available upstream with the
// fewest currently-bound downstreams.
func (s *Server) SelectUpstream(user string) (session.UpstreamBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *upstream.Client
	bestCount := -1
	for _, u := range s.upstreams {
		if !u.IsAvailable() {
			continue
		}
		n := u.BoundDownstreamCount()
		if bestCount == -1 || n < bestCount {
			best, bestCount = u, n
		}
	}
	if best == nil {
		return nil, fmt.Errorf("proxyserver: no upstream available")
	}
	return best, nil
}

// watchdogTick is the 15 s tick spec.md §4.6 describes: for each
// unavailable upstream it either keeps the bound downstreams alive with
// injected fake jobs (always_keep_downconn) or closes them, and in both
// cases starts a reconnect of that upstream.
func (s *Server) watchdogTick() {
	s.mu.Lock()
	upstreams := append([]*upstream.Client(nil), s.upstreams...)
	s.mu.Unlock()

	for _, u := range upstreams {
		if u.IsAvailable() {
			continue
		}
		if s.cfg.AlwaysKeepDownconn {
			s.injectFakeJobs(u)
		} else {
			s.closeBoundSessions(u)
		}
		go u.Connect()
	}
}

// closeBoundSessions tears down every downstream currently bound to u,
// the "close it, which cascades to closing its bound downstreams" branch
// of spec.md §4.6's watchdog when always_keep_downconn is off.
func (s *Server) closeBoundSessions(u *upstream.Client) {
	s.mu.Lock()
	var bound []*downstream.Session
	for _, sess := range s.sessions {
		if sess.Upstream() == session.UpstreamBinding(u) {
			bound = append(bound, sess)
		}
	}
	s.mu.Unlock()
	for _, sess := range bound {
		sess.Close()
	}
}

// injectFakeJobs pushes a synthetic job (jobId starting with 'f', per
// spec.md §4.6) to every downstream bound to a currently-unavailable
// upstream, so miners stay connected through an outage instead of
// dropping.
func (s *Server) injectFakeJobs(u *upstream.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.Upstream() != session.UpstreamBinding(u) {
			continue
		}
		id := fakeJobID()
		if err := sess.Dialect().SendFakeNotify(sess, id); err != nil {
			s.log.WithError(err).Debug("failed to push fake notify")
		}
	}
}

// fakeJobID builds a jobId starting with 'f' followed by a short hash
// suffix, using btcsuite/btcd's chainhash.HashB the way the rest of this
// module reaches for the ecosystem's own hashing primitive rather than a
// hand-rolled counter (SPEC_FULL.md §B).
func fakeJobID() string {
	var seed [8]byte
	rand.Read(seed[:])
	sum := chainhash.HashB(seed[:])
	return "f" + fmt.Sprintf("%x", sum[:4])
}

// SessionCount implements adminapi.StatsSource / metrics.Source.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) AvailableUpstreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.upstreams {
		if u.IsAvailable() {
			n++
		}
	}
	return n
}

func (s *Server) SharesSubmittedTotal() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shares
}

func (s *Server) UpstreamStatuses() []adminapi.UpstreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]adminapi.UpstreamStatus, len(s.upstreams))
	for i, u := range s.upstreams {
		out[i] = adminapi.UpstreamStatus{Index: i, Available: u.IsAvailable(), BoundCount: u.BoundDownstreamCount()}
	}
	return out
}

// Shutdown stops accepting, stops the watchdog, and closes every
// downstream session (spec.md §4.6). Upstream connections are not closed
// here.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.closing)
		s.cron.Stop()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		sessions := make([]*downstream.Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()
		for _, sess := range sessions {
			sess.Close()
		}
	})
}
