package fragment

import (
	"bytes"
	"testing"

	"github.com/duplexgw/gatewayd/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionID(b byte) [16]byte {
	var id [16]byte
	for i := range id {
		id[i] = b
	}
	return id
}

func unwrapFragmentPayload(t *testing.T, packet []byte) []byte {
	t.Helper()
	kind, payload, err := wire.Decode(packet)
	require.NoError(t, err)
	require.Equal(t, wire.CompressionTTSMP3Fragment, kind)
	return payload
}

func TestSplitCountMatchesBudget(t *testing.T) {
	data := make([]byte, 4100)
	fragments, err := Split(sessionID(1), 0, data)
	require.NoError(t, err)
	assert.Len(t, fragments, 3) // ceil(4100/1371) = 3
}

func TestSplitAndReassembleRoundTrip(t *testing.T) {
	data := make([]byte, 4100)
	for i := range data {
		data[i] = byte(i)
	}
	sid := sessionID(7)
	fragments, err := Split(sid, 5, data)
	require.NoError(t, err)

	r := NewReassembler()
	var full []byte
	for i, f := range fragments {
		payload := unwrapFragmentPayload(t, f)
		chunk, err := r.Ingest(payload)
		require.NoError(t, err)
		if i < len(fragments)-1 {
			assert.Nil(t, chunk)
		} else {
			require.NotNil(t, chunk)
			full = chunk
		}
	}
	assert.True(t, bytes.Equal(data, full))
}

func TestNewerChunkSupersedesOlder(t *testing.T) {
	sid := sessionID(2)
	oldFrags, err := Split(sid, 0, bytes.Repeat([]byte{0xAA}, 2000))
	require.NoError(t, err)
	newFrags, err := Split(sid, 1, bytes.Repeat([]byte{0xBB}, 100))
	require.NoError(t, err)

	r := NewReassembler()
	// feed only fragment 0 of the old chunk, leaving it incomplete
	_, err = r.Ingest(unwrapFragmentPayload(t, oldFrags[0]))
	require.NoError(t, err)

	// a newer chunk arrives and completes
	var full []byte
	for _, f := range newFrags {
		chunk, err := r.Ingest(unwrapFragmentPayload(t, f))
		require.NoError(t, err)
		if chunk != nil {
			full = chunk
		}
	}
	assert.True(t, bytes.Equal(bytes.Repeat([]byte{0xBB}, 100), full))

	// late fragment 1 of the old (superseded) chunk must be dropped, not
	// accidentally reconstructed into a corrupted chunk
	chunk, err := r.Ingest(unwrapFragmentPayload(t, oldFrags[1]))
	require.NoError(t, err)
	assert.Nil(t, chunk)
	assert.Positive(t, r.Dropped)
}

func TestDuplicateFragmentIgnored(t *testing.T) {
	sid := sessionID(3)
	frags, err := Split(sid, 0, bytes.Repeat([]byte{0x11}, 100))
	require.NoError(t, err)
	require.Len(t, frags, 1)

	r := NewReassembler()
	payload := unwrapFragmentPayload(t, frags[0])
	chunk1, err := r.Ingest(payload)
	require.NoError(t, err)
	require.NotNil(t, chunk1)

	// re-ingesting the same completed fragment must not panic or corrupt
	chunk2, err := r.Ingest(payload)
	require.NoError(t, err)
	assert.Nil(t, chunk2)
}
