// Package adpcm implements a streaming IMA-ADPCM codec over 16-bit mono PCM
// normalized to float32 samples in [-1, 1]. Each codec instance keeps a
// persistent predictor and step-size index per direction per client; state
// survives across calls and is only ever reset explicitly by the caller.
package adpcm

import "errors"

// ErrOddLength is returned when Decode is given an odd number of input
// bytes (one byte always encodes exactly two samples) or when Encode is
// given an odd number of samples for the bitpacking step. Decoder/Encoder
// state is left untouched when this error is returned.
var ErrOddLength = errors.New("adpcm: input length must encode whole sample pairs")

var indexTable = [16]int{
	-1, -1, -1, -1, 2, 4, 6, 8,
	-1, -1, -1, -1, 2, 4, 6, 8,
}

var stepTable = [89]int{
	7, 8, 9, 10, 11, 12, 13, 14, 16, 17,
	19, 21, 23, 25, 28, 31, 34, 37, 41, 45,
	50, 55, 60, 66, 73, 80, 88, 97, 107, 118,
	130, 143, 157, 173, 190, 209, 230, 253, 279, 307,
	337, 371, 408, 449, 494, 544, 598, 658, 724, 796,
	876, 963, 1060, 1166, 1282, 1411, 1552, 1707, 1878, 2066,
	2272, 2499, 2749, 3024, 3327, 3660, 4026, 4428, 4871, 5358,
	5894, 6484, 7132, 7845, 8630, 9493, 10442, 11487, 12635, 13899,
	15289, 16818, 18500, 20350, 22385, 24623, 27086, 29794, 32767,
}

const (
	minStepIndex = 0
	maxStepIndex = 88
)

// state holds the two-field predictor shared by Encoder and Decoder.
type state struct {
	predicted int16
	stepIndex int
}

// Reset returns the codec to its initial silence state. Only call this on
// an explicit session reset or client reap: resetting mid-stream produces
// an audible click for several frames.
func (s *state) Reset() {
	s.predicted = 0
	s.stepIndex = 0
}

// Encoder compresses normalized float32 PCM samples into 4-bit IMA-ADPCM
// nibbles, two samples per output byte.
type Encoder struct {
	state
}

// NewEncoder returns an Encoder with fresh (silent) predictor state.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Encode compresses in (float32 samples in [-1,1]) into packed nibbles. An
// odd sample count is rejected without mutating state, since the last
// sample would have no partner to share a byte with.
func (e *Encoder) Encode(in []float32) ([]byte, error) {
	if len(in)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]byte, len(in)/2)
	for i := 0; i < len(in); i += 2 {
		hi := e.encodeSample(floatToPCM16(in[i]))
		lo := e.encodeSample(floatToPCM16(in[i+1]))
		out[i/2] = (hi << 4) | lo
	}
	return out, nil
}

func (e *Encoder) encodeSample(sample int16) byte {
	step := stepTable[e.stepIndex]
	diff := int(sample) - int(e.predicted)

	nibble := 0
	if diff < 0 {
		nibble = 8
		diff = -diff
	}

	vpdiff := step >> 3
	mask := 4
	for mask > 0 {
		if diff >= step {
			nibble |= mask
			diff -= step
			vpdiff += step
		}
		step >>= 1
		mask >>= 1
	}

	if nibble&8 != 0 {
		e.predicted = clampInt16(int(e.predicted) - vpdiff)
	} else {
		e.predicted = clampInt16(int(e.predicted) + vpdiff)
	}

	e.stepIndex = clampStepIndex(e.stepIndex + indexTable[nibble])

	return byte(nibble)
}

// Decoder expands packed IMA-ADPCM nibbles back into normalized float32
// samples, maintaining the same persistent predictor state as Encoder.
type Decoder struct {
	state
}

// NewDecoder returns a Decoder with fresh (silent) predictor state.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode expands in (packed ADPCM bytes) into float32 samples in [-1,1].
// The input length in bytes must be even; an odd-length input is rejected
// with ErrOddLength. On any error, state is untouched.
func (d *Decoder) Decode(in []byte) ([]float32, error) {
	if len(in)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]float32, len(in)*2)
	for i, b := range in {
		hi := b >> 4
		lo := b & 0x0F
		out[i*2] = pcm16ToFloat(d.decodeNibble(hi))
		out[i*2+1] = pcm16ToFloat(d.decodeNibble(lo))
	}
	return out, nil
}

func (d *Decoder) decodeNibble(nibble byte) int16 {
	step := stepTable[d.stepIndex]

	diff := step >> 3
	if nibble&4 != 0 {
		diff += step
	}
	if nibble&2 != 0 {
		diff += step >> 1
	}
	if nibble&1 != 0 {
		diff += step >> 2
	}

	if nibble&8 != 0 {
		d.predicted = clampInt16(int(d.predicted) - diff)
	} else {
		d.predicted = clampInt16(int(d.predicted) + diff)
	}

	d.stepIndex = clampStepIndex(d.stepIndex + indexTable[nibble])

	return d.predicted
}

func clampInt16(v int) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func clampStepIndex(i int) int {
	if i < minStepIndex {
		return minStepIndex
	}
	if i > maxStepIndex {
		return maxStepIndex
	}
	return i
}

func floatToPCM16(f float32) int16 {
	if f > 1 {
		f = 1
	}
	if f < -1 {
		f = -1
	}
	return int16(f * 32767)
}

func pcm16ToFloat(s int16) float32 {
	return float32(s) / 32768
}
