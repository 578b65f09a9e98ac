package upstream

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	return New(Config{Dialect: "btc"}, logrus.NewEntry(logrus.New()))
}

func TestParseSubscribeResult(t *testing.T) {
	e1, xn2, err := parseSubscribeResult([]byte(`[[["mining.set_difficulty","x"],["mining.notify","x"]],"deadbeef",8]`))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), e1)
	assert.Equal(t, 8, xn2)
}

func TestParseSubscribeResult_BadExtraNonce2Size(t *testing.T) {
	_, xn2, err := parseSubscribeResult([]byte(`[[],"deadbeef",4]`))
	require.NoError(t, err)
	assert.NotEqual(t, 8, xn2)
}

func TestShiftRing_ForgetsOldestKeepsNewest(t *testing.T) {
	c := newTestClient()
	c.shiftRing(1, 100)
	c.shiftRing(2, 200)
	c.shiftRing(3, 300)
	c.shiftRing(4, 400)

	assert.True(t, c.isTimeChanged(1, 100), "slot 1 should have been pushed out by the fourth shift")
	assert.False(t, c.isTimeChanged(2, 200))
	assert.False(t, c.isTimeChanged(3, 300))
	assert.False(t, c.isTimeChanged(4, 400))
}

func TestIsTimeChanged_UnknownPairIsChanged(t *testing.T) {
	c := newTestClient()
	c.shiftRing(7, 0x504e86ed)
	assert.True(t, c.isTimeChanged(7, 0x504e86ff))
	assert.False(t, c.isTimeChanged(7, 0x504e86ed))
}

func TestIsAvailable_FalseBeforeAuthenticated(t *testing.T) {
	c := newTestClient()
	assert.False(t, c.IsAvailable())
}
