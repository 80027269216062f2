package audio

import "math"

// VADConfig tunes the energy/zero-crossing-rate voice activity detector.
type VADConfig struct {
	EnergyThreshold      float64
	SpeechFramesRequired int
	SilenceFramesRequired int
}

// DefaultVADConfig returns conservative defaults for 16kHz mono 512-sample
// blocks.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		EnergyThreshold:       0.01,
		SpeechFramesRequired:  3,
		SilenceFramesRequired: 15,
	}
}

// VoiceActivityDetector is a pure-Go, energy + zero-crossing-rate VAD with
// an adaptive noise floor and hysteresis counters, so a single isolated
// loud frame does not flip state and a single quiet frame does not end a
// speech segment. One instance is owned per client; it is not safe for
// concurrent use from more than one goroutine.
type VoiceActivityDetector struct {
	energyThreshold       float64
	speechFramesRequired  int
	silenceFramesRequired int

	isSpeaking           bool
	backgroundNoiseLevel float64
	adaptiveThreshold    float64

	consecutiveSpeechFrames  int
	consecutiveSilenceFrames int
}

// NewVoiceActivityDetector returns a detector using DefaultVADConfig.
func NewVoiceActivityDetector() *VoiceActivityDetector {
	return NewVoiceActivityDetectorWithConfig(DefaultVADConfig())
}

// NewVoiceActivityDetectorWithConfig returns a detector tuned by config.
func NewVoiceActivityDetectorWithConfig(config VADConfig) *VoiceActivityDetector {
	return &VoiceActivityDetector{
		energyThreshold:       config.EnergyThreshold,
		speechFramesRequired:  config.SpeechFramesRequired,
		silenceFramesRequired: config.SilenceFramesRequired,
		backgroundNoiseLevel:  0.001,
	}
}

// IsSpeech classifies one 512-sample float32 block, implementing the
// gateway's VAD collaborator contract. Blocks of any length are accepted;
// the spec's 512-sample block size is a caller convention, not an
// invariant enforced here.
func (v *VoiceActivityDetector) IsSpeech(block []float32) bool {
	return v.DetectVoiceActivity(block)
}

// DetectVoiceActivity classifies one frame of normalized float32 samples
// and updates hysteresis/adaptive-noise-floor state.
func (v *VoiceActivityDetector) DetectVoiceActivity(samples []float32) bool {
	energy := calculateRMS(samples)
	zcr := calculateZeroCrossingRate(samples)

	v.updateAdaptiveThreshold(energy)

	frameIsSpeech := v.classifyFrame(energy, zcr)

	if frameIsSpeech {
		v.consecutiveSpeechFrames++
		v.consecutiveSilenceFrames = 0
	} else {
		v.consecutiveSilenceFrames++
		v.consecutiveSpeechFrames = 0
	}

	if !v.isSpeaking && v.consecutiveSpeechFrames >= v.speechFramesRequired {
		v.isSpeaking = true
	} else if v.isSpeaking && v.consecutiveSilenceFrames >= v.silenceFramesRequired {
		v.isSpeaking = false
	}

	return v.isSpeaking
}

// classifyFrame decides whether one frame's energy/zcr pair looks like
// speech: energy must clear both the static threshold and the adaptive
// noise floor, and the zero-crossing rate must fall in speech's typical
// band (very high ZCR is usually noise or sibilance-only).
func (v *VoiceActivityDetector) classifyFrame(energy, zcr float64) bool {
	if energy < v.energyThreshold {
		return false
	}
	if energy < v.adaptiveThreshold {
		return false
	}
	return zcr < 0.5
}

// updateAdaptiveThreshold slowly tracks the noise floor during apparent
// silence, and sets the adaptive threshold a fixed multiple above it.
func (v *VoiceActivityDetector) updateAdaptiveThreshold(energy float64) {
	if !v.isSpeaking {
		const noiseFloorAlpha = 0.05
		v.backgroundNoiseLevel = (1-noiseFloorAlpha)*v.backgroundNoiseLevel + noiseFloorAlpha*energy
	}
	v.adaptiveThreshold = v.backgroundNoiseLevel * 3
}

// Reset returns the detector to its initial, non-speaking state.
func (v *VoiceActivityDetector) Reset() {
	v.isSpeaking = false
	v.backgroundNoiseLevel = 0.001
	v.adaptiveThreshold = 0
	v.consecutiveSpeechFrames = 0
	v.consecutiveSilenceFrames = 0
}

// IsSpeaking reports the detector's current hysteresis-stabilized state.
func (v *VoiceActivityDetector) IsSpeaking() bool {
	return v.isSpeaking
}

// GetNoiseLevel reports the current tracked background noise level.
func (v *VoiceActivityDetector) GetNoiseLevel() float64 {
	return v.backgroundNoiseLevel
}

// calculateRMS computes the root-mean-square energy of a float32 sample
// block normalized to [-1, 1].
func calculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// calculateZeroCrossingRate computes the fraction of adjacent sample pairs
// that cross zero, a cheap proxy for spectral content.
func calculateZeroCrossingRate(samples []float32) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

// bytesToInt16 reinterprets a little-endian 16-bit PCM byte slice as int16
// samples. Provided for collaborators that hand the VAD raw PCM bytes
// instead of normalized float32 blocks.
func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return out
}
