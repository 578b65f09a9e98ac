package wireproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoder_LineRoundTrip(t *testing.T) {
	d := NewDecoder()
	d.Feed(EncodeLine([]byte(`{"id":1}`)))

	frame, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindLine, frame.Kind)
	assert.Equal(t, `{"id":1}`, string(frame.Line))

	_, ok, err = d.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecoder_WaitsForMoreBytes(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte(`{"id":1}`)) // no trailing newline yet

	_, ok, err := d.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	d.Feed([]byte("\n"))
	frame, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"id":1}`, string(frame.Line))
}

func TestDecoder_ExMessageRoundTrip(t *testing.T) {
	d := NewDecoder()
	d.Feed(EncodeRegisterWorker(5, "agent/1.0", "alice.w1"))

	frame, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindExMessage, frame.Kind)
	assert.Equal(t, CmdRegisterWorker, frame.Cmd)
}

func TestDecoder_ExMessageWaitsForFullFrame(t *testing.T) {
	full := EncodeUnregisterWorker(9)
	d := NewDecoder()
	d.Feed(full[:len(full)-1])

	_, ok, err := d.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	d.Feed(full[len(full)-1:])
	frame, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, CmdUnregisterWorker, frame.Cmd)
}

func TestDecoder_MalformedFrameNoInfiniteLoop(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{0x7F, 0xFF, 0x00, 0x00})

	_, ok, err := d.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	// Buffer is untouched: calling again reports the same error, not a
	// different one and not a panic/hang.
	_, ok, err = d.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecoder_FallsBackToLineFramingWhenNotMagic(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte("plain line\n"))

	frame, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindLine, frame.Kind)
}

func TestBitcoinShareCodec_PicksSmallestEncoding(t *testing.T) {
	cases := []struct {
		name    string
		share   BitcoinShare
		wantCmd byte
		wantLen int
	}{
		{"bare", BitcoinShare{JobID: 7, SessionID: 1, ExtraNonce2: 1, Nonce: 2}, CmdSubmitShare, 15},
		{"with time", BitcoinShare{JobID: 7, HasTime: true, NTime: 0x504e86ff}, CmdSubmitShareWithTime, 19},
		{"with ver", BitcoinShare{JobID: 7, HasVersionMask: true, VersionMask: 0x1fffe000}, CmdSubmitShareWithVer, 19},
		{"with time+ver", BitcoinShare{JobID: 7, HasTime: true, HasVersionMask: true}, CmdSubmitShareWithTimeVer, 23},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := EncodeBitcoinShare(tc.share)
			assert.Len(t, encoded, tc.wantLen)
			assert.Equal(t, tc.wantCmd, encoded[1])

			decoded, err := DecodeBitcoinShare(encoded[1], encoded[4:])
			require.NoError(t, err)
			assert.Equal(t, tc.share.JobID, decoded.JobID)
		})
	}
}

func TestBitcoinShareCodec_Scenario2UnchangedTime(t *testing.T) {
	// Scenario from spec.md §8: jobId=7, sessionId=5, xn2=1, nonce=0xb2957c02.
	encoded := EncodeBitcoinShare(BitcoinShare{
		JobID:       7,
		SessionID:   5,
		ExtraNonce2: 1,
		Nonce:       0xb2957c02,
	})
	want := []byte{0x7F, 0x02, 0x0F, 0x00, 0x07, 0x05, 0x00, 0x01, 0x00, 0x00, 0x00, 0x02, 0x7C, 0x95, 0xB2}
	assert.Equal(t, want, encoded)
}

func TestMiningSetDiffCodec_RoundTrip(t *testing.T) {
	encoded := EncodeMiningSetDiff(16, []uint16{5, 9})
	want := []byte{0x7F, 0x05, 0x0B, 0x00, 0x10, 0x02, 0x00, 0x05, 0x00, 0x09, 0x00}
	assert.Equal(t, want, encoded)

	diff2exp, ids, err := DecodeMiningSetDiff(encoded[4:])
	require.NoError(t, err)
	assert.Equal(t, uint8(16), diff2exp)
	assert.Equal(t, []uint16{5, 9}, ids)
}

func TestEthShareCodec_RoundTrip(t *testing.T) {
	share := EthShare{SessionID: 42}
	copy(share.Nonce[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	for i := range share.Header {
		share.Header[i] = byte(i)
	}

	encoded := EncodeEthShare(share)
	assert.Len(t, encoded, headerSize+44)

	decoded, err := DecodeEthShare(encoded[4:])
	require.NoError(t, err)
	assert.Equal(t, share, decoded)
}
