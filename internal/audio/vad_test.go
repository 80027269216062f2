package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func silentBlock(n int) []float32 {
	return make([]float32, n)
}

func toneBlock(n int, amplitude float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = amplitude * float32(math.Sin(2*math.Pi*200*float64(i)/16000))
	}
	return out
}

func TestDetectVoiceActivitySilenceStaysQuiet(t *testing.T) {
	vad := NewVoiceActivityDetector()
	for i := 0; i < 20; i++ {
		assert.False(t, vad.DetectVoiceActivity(silentBlock(512)))
	}
	assert.False(t, vad.IsSpeaking())
}

func TestDetectVoiceActivityRequiresSustainedSpeechFrames(t *testing.T) {
	vad := NewVoiceActivityDetectorWithConfig(VADConfig{
		EnergyThreshold:       0.01,
		SpeechFramesRequired:  3,
		SilenceFramesRequired: 15,
	})

	loud := toneBlock(512, 0.8)

	assert.False(t, vad.DetectVoiceActivity(loud))
	assert.False(t, vad.DetectVoiceActivity(loud))
	assert.True(t, vad.DetectVoiceActivity(loud))
	assert.True(t, vad.IsSpeaking())
}

func TestDetectVoiceActivityRequiresSustainedSilenceToStop(t *testing.T) {
	vad := NewVoiceActivityDetectorWithConfig(VADConfig{
		EnergyThreshold:       0.01,
		SpeechFramesRequired:  1,
		SilenceFramesRequired: 3,
	})

	loud := toneBlock(512, 0.8)
	quiet := silentBlock(512)

	assert.True(t, vad.DetectVoiceActivity(loud))
	assert.True(t, vad.IsSpeaking())

	assert.True(t, vad.DetectVoiceActivity(quiet)) // hysteresis: still speaking
	assert.True(t, vad.DetectVoiceActivity(quiet))
	assert.False(t, vad.DetectVoiceActivity(quiet)) // third silent frame flips it
	assert.False(t, vad.IsSpeaking())
}

func TestResetReturnsToInitialState(t *testing.T) {
	vad := NewVoiceActivityDetectorWithConfig(VADConfig{
		EnergyThreshold:       0.01,
		SpeechFramesRequired:  1,
		SilenceFramesRequired: 1,
	})
	vad.DetectVoiceActivity(toneBlock(512, 0.8))
	assert.True(t, vad.IsSpeaking())

	vad.Reset()
	assert.False(t, vad.IsSpeaking())
	assert.Equal(t, 0.001, vad.GetNoiseLevel())
}

func TestCalculateRMSAndZCR(t *testing.T) {
	assert.Equal(t, 0.0, calculateRMS(nil))

	samples := []float32{1, -1, 1, -1}
	assert.InDelta(t, 1.0, calculateRMS(samples), 1e-9)
	assert.InDelta(t, 1.0, calculateZeroCrossingRate(samples), 1e-9)

	flat := []float32{1, 1, 1, 1}
	assert.Equal(t, 0.0, calculateZeroCrossingRate(flat))
}

func TestBytesToInt16(t *testing.T) {
	b := []byte{0x01, 0x00, 0xFF, 0xFF}
	samples := bytesToInt16(b)
	assert.Equal(t, []int16{1, -1}, samples)
}
