package stratumjson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Subscribe(t *testing.T) {
	d, err := Decode([]byte(`{"id":1,"method":"mining.subscribe","params":["miner/1.0"]}`))
	require.NoError(t, err)
	require.NotNil(t, d.Subscribe)
	assert.Equal(t, "miner/1.0", d.Subscribe.Agent)
}

func TestDecode_SubscribeTruncatesAgent(t *testing.T) {
	long := `this-is-a-very-long-miner-agent-string-well-past-the-limit`
	d, err := Decode([]byte(`{"id":1,"method":"mining.subscribe","params":["` + long + `"]}`))
	require.NoError(t, err)
	assert.Len(t, d.Subscribe.Agent, maxAgentLen)
}

func TestDecode_AuthorizeSplitsUserWorker(t *testing.T) {
	d, err := Decode([]byte(`{"id":2,"method":"mining.authorize","params":["alice.w1",""]}`))
	require.NoError(t, err)
	assert.Equal(t, "alice", d.Authorize.User)
	assert.Equal(t, "w1", d.Authorize.Worker)
}

func TestDecode_AuthorizeNoDotMeansEmptyWorker(t *testing.T) {
	d, err := Decode([]byte(`{"id":2,"method":"mining.authorize","params":["alice",""]}`))
	require.NoError(t, err)
	assert.Equal(t, "alice", d.Authorize.User)
	assert.Equal(t, "", d.Authorize.Worker)
}

func TestDecode_Submit(t *testing.T) {
	d, err := Decode([]byte(`{"id":3,"method":"mining.submit","params":["alice.w1","7","00000001","504e86ed","b2957c02"]}`))
	require.NoError(t, err)
	require.NotNil(t, d.Submit)
	assert.Equal(t, "7", d.Submit.JobID)
	assert.Equal(t, "504e86ed", d.Submit.NTimeHex)
	assert.False(t, d.Submit.HasVersionMask)
}

func TestDecode_NotifyCleanJobsAcceptsBoolAndString(t *testing.T) {
	boolLine := []byte(`{"id":null,"method":"mining.notify","params":["1","ph","c1","c2",[],"20000000","1a2b3c4d","504e86ed",true]}`)
	d, err := Decode(boolLine)
	require.NoError(t, err)
	assert.True(t, d.Notify.CleanJobs)

	stringLine := []byte(`{"id":null,"method":"mining.notify","params":["1","ph","c1","c2",[],"20000000","1a2b3c4d","504e86ed","true"]}`)
	d2, err := Decode(stringLine)
	require.NoError(t, err)
	assert.True(t, d2.Notify.CleanJobs)
}

func TestDecode_SetDifficulty(t *testing.T) {
	d, err := Decode([]byte(`{"id":null,"method":"mining.set_difficulty","params":[65536]}`))
	require.NoError(t, err)
	assert.Equal(t, float64(65536), d.SetDifficulty.Difficulty)
}

func TestDecode_UnknownMethod(t *testing.T) {
	d, err := Decode([]byte(`{"id":1,"method":"totally.unknown","params":[]}`))
	require.NoError(t, err)
	assert.True(t, d.UnknownMethod)
}

func TestDecode_MalformedJSONErrors(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.Error(t, err)
}

func TestDecode_Response(t *testing.T) {
	d, err := Decode([]byte(`{"id":2,"result":true,"error":null}`))
	require.NoError(t, err)
	assert.True(t, d.IsResponse)
}

func TestRewriteExtraNonce1_BuildThenReplace(t *testing.T) {
	original := []byte(`{"id":null,"method":"mining.notify","params":["1","ph","c1start","c2",[],"20000000","1a2b3c4d","504e86ed",false]}`)
	template, err := BuildNotifyTemplate(original, 0xdeadbeef)
	require.NoError(t, err)
	assert.Contains(t, string(template), "deadbeef")

	rewritten, err := RewriteExtraNonce1(template, 0x00000005)
	require.NoError(t, err)
	assert.Len(t, rewritten, len(template))
	assert.Contains(t, string(rewritten), "00000005")
	assert.NotContains(t, string(rewritten), "deadbeef")
}

func TestRewriteExtraNonce1_TooShortErrors(t *testing.T) {
	_, err := BuildNotifyTemplate([]byte(`{"a":"b"}`), 5)
	assert.ErrorIs(t, err, ErrShortNotifyLine)
}

func TestEncodeResultAndError(t *testing.T) {
	out := EncodeResult([]byte("1"), true)
	assert.Contains(t, string(out), `"result":true`)

	out2 := EncodeError([]byte("1"), ErrUnauthorized, "")
	assert.Contains(t, string(out2), "unauthorized")
}
