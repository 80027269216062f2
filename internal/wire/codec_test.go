package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	packet, err := Encode(CompressionADPCM, payload)
	require.NoError(t, err)

	kind, got, err := Decode(packet)
	require.NoError(t, err)
	assert.Equal(t, CompressionADPCM, kind)
	assert.True(t, bytes.Equal(payload, got))
}

func TestEncodeEmptyPayload(t *testing.T) {
	packet, err := Encode(ControlHello, nil)
	require.NoError(t, err)
	assert.Len(t, packet, HeaderBytes)

	kind, got, err := Decode(packet)
	require.NoError(t, err)
	assert.Equal(t, ControlHello, kind)
	assert.Empty(t, got)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(CompressionTTSMP3Fragment, make([]byte, MaxDatagramBytes))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestDecodeRejectsShortPacket(t *testing.T) {
	_, _, err := Decode([]byte{0, 0, 0})
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	packet, err := Encode(CompressionADPCM, []byte{9, 9})
	require.NoError(t, err)
	packet = append(packet, 0xFF) // trailing garbage byte, declared length now wrong
	_, _, err = Decode(packet)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestDecodeNeverPanicsOnMalformedFlood(t *testing.T) {
	malformed := [][]byte{
		nil,
		{},
		{0},
		{0, 0, 0, 0},
		{1, 0xFF, 0xFF, 0xFF, 0xFF},
		{4, 0, 0, 0, 1},
	}
	for _, b := range malformed {
		assert.NotPanics(t, func() {
			_, _, _ = Decode(b)
		})
	}
}

func TestFragmentHeaderRoundTrip(t *testing.T) {
	var sessionID [16]byte
	copy(sessionID[:], "0123456789abcdef")
	h := FragmentHeader{
		SessionID:     sessionID,
		ChunkIndex:    7,
		FragmentIndex: 2,
		FragmentCount: 3,
	}
	raw, err := h.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, raw, FragmentHeaderBytes)

	var got FragmentHeader
	require.NoError(t, got.UnmarshalBinary(raw))
	assert.Equal(t, h, got)
}

func TestFragmentHeaderUnmarshalRejectsShort(t *testing.T) {
	var h FragmentHeader
	err := h.UnmarshalBinary(make([]byte, FragmentHeaderBytes-1))
	assert.ErrorIs(t, err, ErrShortFragmentHeader)
}

func TestFragmentPayloadBudgetMatchesSpec(t *testing.T) {
	assert.Equal(t, 1371, FragmentPayloadBudget)
}
