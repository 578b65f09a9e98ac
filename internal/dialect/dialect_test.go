package dialect

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btccom/btcagent/internal/session"
	"github.com/btccom/btcagent/internal/stratumjson"
	"github.com/btccom/btcagent/internal/wireproto"
)

// fakeUpstream is a minimal session.UpstreamBinding double for dialect
// tests, standing in for a real upstream.Client.
type fakeUpstream struct {
	diff           float64
	tmpl           []byte
	registered     bool
	submittedShare *wireproto.BitcoinShare
	boundCount     int
	noncePrefixReq bool
}

func (f *fakeUpstream) IsAvailable() bool                    { return true }
func (f *fakeUpstream) PoolDefaultDiff() float64             { return f.diff }
func (f *fakeUpstream) Bind(id uint16, t session.DownstreamTarget) {}
func (f *fakeUpstream) NotifyTemplate() []byte               { return f.tmpl }
func (f *fakeUpstream) RegisterWorker(id uint16, agent, worker string) { f.registered = true }
func (f *fakeUpstream) UnregisterWorker(id uint16)           {}
func (f *fakeUpstream) SubmitBitcoinShare(s wireproto.BitcoinShare) { f.submittedShare = &s }
func (f *fakeUpstream) SubmitEthShare(s wireproto.EthShare)  {}
func (f *fakeUpstream) RequestNoncePrefix(id uint16)         { f.noncePrefixReq = true }
func (f *fakeUpstream) BoundDownstreamCount() int            { return f.boundCount }

// fakeHost is a minimal Host double driven directly by tests, standing
// in for downstream.Session.
type fakeHost struct {
	id         uint16
	up         session.UpstreamBinding
	authorizeErr error
	subscribed bool
	authorized bool
	agent      string
	user, worker string
	versionRolledTotal int
	nonRolledStreak    int
	reconnected bool
	lastLine   []byte
	lastResult interface{}
	lastErrCode int
	prefix     uint32
	prefixOK   bool
	dialect    Dialect
}

func (h *fakeHost) SessionID() uint16         { return h.id }
func (h *fakeHost) ExtraNonce1Hex() string    { return "00000005" }
func (h *fakeHost) WriteLine(line []byte) error { h.lastLine = line; return nil }
func (h *fakeHost) WriteResult(id []byte, result interface{}) error {
	h.lastResult = result
	return nil
}
func (h *fakeHost) WriteError(id []byte, code int, message string) error {
	h.lastErrCode = code
	return nil
}
func (h *fakeHost) Upstream() session.UpstreamBinding { return h.up }
func (h *fakeHost) IsBound() bool                     { return h.up != nil }
func (h *fakeHost) Authorize(user, worker string) error {
	if h.authorizeErr != nil {
		return h.authorizeErr
	}
	h.user, h.worker = user, worker
	h.authorized = true
	return nil
}
func (h *fakeHost) SetMinerAgent(agent string)        { h.agent = agent }
func (h *fakeHost) MinerAgent() string                { return h.agent }
func (h *fakeHost) UserWorker() (string, string)      { return h.user, h.worker }
func (h *fakeHost) EffectiveWorkerName() string       { return h.worker }
func (h *fakeHost) SourceIPv4() [4]byte               { return [4]byte{127, 0, 0, 1} }
func (h *fakeHost) MarkSubscribed()                   { h.subscribed = true }
func (h *fakeHost) IsSubscribed() bool                { return h.subscribed }
func (h *fakeHost) IsAuthorized() bool                { return h.authorized }
func (h *fakeHost) NoncePrefix() (uint32, bool)       { return h.prefix, h.prefixOK }
func (h *fakeHost) SwitchDialect(d Dialect)           { h.dialect = d }
func (h *fakeHost) Config() HostConfig                { return HostConfig{DisconnectWhenLostAsicBoost: true} }
func (h *fakeHost) Logger() *logrus.Entry             { return logrus.NewEntry(logrus.New()) }
func (h *fakeHost) NoteVersionRolledShare()            { h.versionRolledTotal++; h.nonRolledStreak = 0 }
func (h *fakeHost) NoteNonVersionRolledShare()         { h.nonRolledStreak++ }
func (h *fakeHost) TotalVersionRolledShares() int      { return h.versionRolledTotal }
func (h *fakeHost) NonVersionRolledStreak() int        { return h.nonRolledStreak }
func (h *fakeHost) ForceReconnect()                    { h.reconnected = true }

func decode(t *testing.T, line string) stratumjson.Decoded {
	t.Helper()
	d, err := stratumjson.Decode([]byte(line))
	require.NoError(t, err)
	return d
}

func TestBitcoin_SubscribeThenAuthorize(t *testing.T) {
	b := &Bitcoin{}
	h := &fakeHost{id: 5, up: &fakeUpstream{diff: 2}}

	err := b.OnLine(h, decode(t, `{"id":1,"method":"mining.subscribe","params":["miner/1.0"]}`), nil)
	require.NoError(t, err)
	assert.True(t, h.subscribed)

	err = b.OnLine(h, decode(t, `{"id":2,"method":"mining.authorize","params":["alice.w1",""]}`), nil)
	require.NoError(t, err)
	assert.Equal(t, true, h.lastResult)
	assert.True(t, h.authorized)
}

func TestBitcoin_AuthorizeBeforeSubscribeFails(t *testing.T) {
	b := &Bitcoin{}
	h := &fakeHost{id: 5}
	err := b.OnLine(h, decode(t, `{"id":2,"method":"mining.authorize","params":["alice.w1",""]}`), nil)
	require.NoError(t, err)
	assert.Equal(t, stratumjson.ErrNotSubscribed, h.lastErrCode)
}

func TestBitcoin_SubmitBeforeAuthorizeSendsReconnect(t *testing.T) {
	b := &Bitcoin{}
	h := &fakeHost{id: 5}
	err := b.OnLine(h, decode(t, `{"id":3,"method":"mining.submit","params":["alice.w1","7","00000001","504e86ed","b2957c02"]}`), nil)
	require.NoError(t, err)
	assert.Equal(t, stratumjson.ErrUnauthorized, h.lastErrCode)
	assert.Contains(t, string(h.lastLine), "client.reconnect")
}

func TestBitcoin_SubmitForwardsShareToUpstream(t *testing.T) {
	b := &Bitcoin{}
	up := &fakeUpstream{diff: 2}
	h := &fakeHost{id: 5, up: up, authorized: true, subscribed: true}
	err := b.OnLine(h, decode(t, `{"id":3,"method":"mining.submit","params":["alice.w1","7","00000001","504e86ed","b2957c02"]}`), nil)
	require.NoError(t, err)
	require.NotNil(t, up.submittedShare)
	assert.Equal(t, uint8(7), up.submittedShare.JobID)
	assert.Equal(t, true, h.lastResult)
}

func TestBitcoin_FakeJobShareDroppedSilently(t *testing.T) {
	b := &Bitcoin{}
	up := &fakeUpstream{diff: 2}
	h := &fakeHost{id: 5, up: up, authorized: true, subscribed: true}

	line := `{"id":3,"method":"mining.submit","params":["alice.w1","f1a2b3c4","00000001","504e86ed","b2957c02"]}`
	require.NoError(t, b.OnLine(h, decode(t, line), nil))

	assert.Nil(t, up.submittedShare, "fake-job shares must never reach the upstream")
	assert.Equal(t, 0, h.lastErrCode, "fake-job shares must not surface a Stratum error to the miner")
	assert.Equal(t, true, h.lastResult)
}

func TestBitcoin_AsicBoostLossGuardFiresOnce(t *testing.T) {
	b := &Bitcoin{}
	up := &fakeUpstream{diff: 2}
	h := &fakeHost{id: 5, up: up, authorized: true, subscribed: true, versionRolledTotal: 100}

	line := `{"id":3,"method":"mining.submit","params":["alice.w1","7","00000001","504e86ed","b2957c02"]}`
	require.NoError(t, b.OnLine(h, decode(t, line), nil))
	assert.True(t, h.reconnected)

	h.reconnected = false
	require.NoError(t, b.OnLine(h, decode(t, line), nil))
	assert.False(t, h.reconnected, "guard must fire once, not on every subsequent non-rolled share")
}

func TestBitcoin_Configure_GrantsMaskedSubset(t *testing.T) {
	b := &Bitcoin{}
	h := &fakeHost{id: 5}
	params := []byte(`{"id":4,"method":"mining.configure","params":[["version-rolling"],{"version-rolling.mask":"ffffffff"}]}`)
	d, err := stratumjson.Decode(params)
	require.NoError(t, err)
	require.NoError(t, b.OnLine(h, d, nil))

	result, ok := h.lastResult.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, result["version-rolling"])
	assert.Equal(t, "1fffe000", result["version-rolling.mask"])
}

func TestEthProxy_LoginThenGetWorkThenSubmit(t *testing.T) {
	e := &EthProxy{}
	up := &fakeUpstream{}
	h := &fakeHost{id: 7, up: up}

	require.NoError(t, e.OnLine(h, decode(t, `{"id":1,"method":"eth_submitLogin","params":["0xabc.rig1"]}`), nil))
	assert.Equal(t, "0xabc", h.user)
	assert.Equal(t, "rig1", h.worker)
	assert.True(t, up.registered)

	require.NoError(t, e.SendNotify(h, EncodeEthWork("0x"+"11"+"00", "0x22", "0x33")))
	require.NoError(t, e.OnLine(h, decode(t, `{"id":2,"method":"eth_getWork","params":[]}`), nil))
	require.NotNil(t, h.lastResult)

	submit := `{"id":3,"method":"eth_submitWork","params":["0x0102030405060708","0x` + expand32() + `","0x00"]}`
	require.NoError(t, e.OnLine(h, decode(t, submit), nil))
	require.NotNil(t, up)
}

func expand32() string {
	s := ""
	for i := 0; i < 64; i++ {
		s += "a"
	}
	return s
}

func TestEthDetecting_NiceHashAgentSwitchesDialect(t *testing.T) {
	h := &fakeHost{id: 9}
	ed := &EthDetecting{}
	msg := decode(t, `{"id":1,"method":"mining.subscribe","params":["miner/1.0","EthereumStratum/1.0.0"]}`)
	require.NoError(t, ed.OnLine(h, msg, nil))
	_, ok := h.dialect.(*EthNiceHash)
	assert.True(t, ok)
}
