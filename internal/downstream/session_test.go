package downstream

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btccom/btcagent/internal/dialect"
	"github.com/btccom/btcagent/internal/session"
	"github.com/btccom/btcagent/internal/wireproto"
)

// fakeUpstream is the same minimal session.UpstreamBinding double the
// dialect package tests use, duplicated here to keep this package's
// tests independent (it must not import dialect's _test.go).
type fakeUpstream struct {
	diff  float64
	bound session.DownstreamTarget
}

func (f *fakeUpstream) IsAvailable() bool        { return true }
func (f *fakeUpstream) PoolDefaultDiff() float64 { return f.diff }
func (f *fakeUpstream) Bind(id uint16, t session.DownstreamTarget) { f.bound = t }
func (f *fakeUpstream) NotifyTemplate() []byte   { return nil }
func (f *fakeUpstream) RegisterWorker(id uint16, agent, worker string) {}
func (f *fakeUpstream) UnregisterWorker(id uint16) {}
func (f *fakeUpstream) SubmitBitcoinShare(s wireproto.BitcoinShare) {}
func (f *fakeUpstream) SubmitEthShare(s wireproto.EthShare)         {}
func (f *fakeUpstream) RequestNoncePrefix(id uint16)                {}
func (f *fakeUpstream) BoundDownstreamCount() int                   { return 0 }

type fakeSelector struct {
	up  session.UpstreamBinding
	err error
}

func (s *fakeSelector) SelectUpstream(user string) (session.UpstreamBinding, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.up, nil
}

func newTestSession(t *testing.T, selector Selector) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	log := logrus.NewEntry(logrus.New())
	sess := New(server, 5, 5, [4]byte{127, 0, 0, 1}, selector, dialect.HostConfig{}, time.Second, &dialect.Bitcoin{}, log)
	return sess, client
}

func TestSession_SubscribeThenAuthorizeHappyPath(t *testing.T) {
	up := &fakeUpstream{diff: 4}
	sess, client := newTestSession(t, &fakeSelector{up: up})
	go sess.Serve()
	defer client.Close()

	r := bufio.NewReader(client)

	_, err := client.Write([]byte(`{"id":1,"method":"mining.subscribe","params":["miner/1.0"]}` + "\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"00000005"`)

	_, err = client.Write([]byte(`{"id":2,"method":"mining.authorize","params":["alice.w1",""]}` + "\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"result":true`)
	assert.Same(t, up, sess.Upstream())
}

func TestSession_AuthorizeWithNoUpstreamClosesConnection(t *testing.T) {
	sess, client := newTestSession(t, &fakeSelector{err: ErrNoUpstreamAvailable})
	go sess.Serve()
	defer client.Close()

	r := bufio.NewReader(client)
	client.Write([]byte(`{"id":1,"method":"mining.subscribe","params":["miner/1.0"]}` + "\n"))
	r.ReadString('\n')

	client.Write([]byte(`{"id":2,"method":"mining.authorize","params":["alice.w1",""]}` + "\n"))
	line, _ := r.ReadString('\n')
	assert.Contains(t, line, "no upstream available")
	assert.False(t, sess.IsAuthorized())
}

func TestSession_EffectiveWorkerNameDefaultsWhenEmpty(t *testing.T) {
	sess, client := newTestSession(t, &fakeSelector{up: &fakeUpstream{diff: 1}})
	defer client.Close()
	require.NoError(t, sess.Authorize("alice", ""))
	assert.Equal(t, "__default__", sess.EffectiveWorkerName())
}
