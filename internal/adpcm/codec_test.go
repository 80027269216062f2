package adpcm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// synthesize10SecondsOfTone builds ~10s of 16kHz mono sine samples, enough
// to exercise sustained codec state across many encode/decode calls.
func synthesize10SecondsOfTone() []float32 {
	const sampleRate = 16000
	const seconds = 10
	n := sampleRate * seconds
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/sampleRate))
	}
	return out
}

func TestEncodeDecodeRoundTripBoundedError(t *testing.T) {
	samples := synthesize10SecondsOfTone()

	enc := NewEncoder()
	dec := NewDecoder()

	const chunkSize = 512 // even, mirrors a VAD block
	var sumSquaredErr float64
	var count int

	for i := 0; i < len(samples); i += chunkSize {
		end := i + chunkSize
		if end > len(samples) {
			end = len(samples)
			// keep the tail even
			if (end-i)%2 != 0 {
				end--
			}
		}
		block := samples[i:end]
		if len(block) == 0 {
			continue
		}
		packed, err := enc.Encode(block)
		require.NoError(t, err)

		decoded, err := dec.Decode(packed)
		require.NoError(t, err)
		require.Len(t, decoded, len(block))

		for j, want := range block {
			got := decoded[j]
			diff := float64(got - want)
			sumSquaredErr += diff * diff
			count++
		}
	}

	mse := sumSquaredErr / float64(count)
	assert.Less(t, mse, 0.01, "mean squared error across persistent codec state must stay bounded")
}

func TestEncodeRejectsOddLengthWithoutMutatingState(t *testing.T) {
	enc := NewEncoder()
	_, err := enc.Encode([]float32{0.1, 0.2, 0.3})
	assert.ErrorIs(t, err, ErrOddLength)
	assert.Equal(t, int16(0), enc.predicted)
	assert.Equal(t, 0, enc.stepIndex)

	// exercise the encoder so state is non-zero, then confirm a further
	// odd-length call still leaves state untouched.
	_, err = enc.Encode([]float32{0.2, 0.4, 0.6, 0.8})
	require.NoError(t, err)
	before := enc.state

	_, err = enc.Encode([]float32{0.5, 0.5, 0.5})
	assert.ErrorIs(t, err, ErrOddLength)
	assert.Equal(t, before, enc.state)
}

func TestDecodeRejectsOddLengthWithoutMutatingState(t *testing.T) {
	dec := NewDecoder()

	enc := NewEncoder()
	packed, err := enc.Encode([]float32{0.2, 0.4, 0.6, 0.8})
	require.NoError(t, err)

	_, err = dec.Decode(packed)
	require.NoError(t, err)
	before := dec.state

	_, err = dec.Decode(packed[:1])
	assert.ErrorIs(t, err, ErrOddLength)
	assert.Equal(t, before, dec.state)
}

func TestResetReturnsToSilence(t *testing.T) {
	enc := NewEncoder()
	_, err := enc.Encode([]float32{0.9, -0.9, 0.9, -0.9})
	require.NoError(t, err)
	assert.NotEqual(t, int16(0), enc.predicted)

	enc.Reset()
	assert.Equal(t, int16(0), enc.predicted)
	assert.Equal(t, 0, enc.stepIndex)
}
