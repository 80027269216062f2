package audio

import (
	"sync"
	"time"
)

// TriggerState is one of the three states an AudioTriggerBuffer cycles
// through for a single client.
type TriggerState int

const (
	// StateIdle: no speech collected, waiting for the VAD to fire.
	StateIdle TriggerState = iota
	// StateCollecting: actively accumulating a speech segment.
	StateCollecting
	// StateFlushing: the segment is complete and ready to be handed to a
	// pipeline worker; the buffer returns to StateIdle right after.
	StateFlushing
)

const (
	// SustainedSilenceThreshold is how long a run of non-speech blocks
	// inside a collecting segment must last before it is flushed.
	SustainedSilenceThreshold = 900 * time.Millisecond

	// MaxUtteranceDuration forces a flush even if the caller never pauses.
	MaxUtteranceDuration = 15 * time.Second

	// PreRollDuration is how much audio immediately preceding the first
	// detected speech block is retained, so the flushed utterance doesn't
	// clip the first syllable.
	PreRollDuration = 300 * time.Millisecond

	sampleRate = 16000
	blockSize  = 512
)

// AudioTriggerBuffer accumulates VAD-gated float32 PCM for one client,
// transitioning idle -> collecting -> flushing as speech is detected and
// released. It replaces the teacher's dual-buffer (active/processing) swap
// with an explicit state machine driven by VAD verdicts instead of
// Discord-speaker segmentation heuristics.
type AudioTriggerBuffer struct {
	mu sync.Mutex

	vad *VoiceActivityDetector

	state TriggerState

	preRoll      []float32
	preRollCap   int
	segment      []float32
	segmentStart time.Time

	silenceRun time.Duration
}

// NewAudioTriggerBuffer returns an idle buffer wired to its own VAD
// instance (one VAD per client, per the collaborator contract).
func NewAudioTriggerBuffer(vad *VoiceActivityDetector) *AudioTriggerBuffer {
	return &AudioTriggerBuffer{
		vad:        vad,
		preRollCap: int(PreRollDuration.Seconds() * sampleRate),
	}
}

// blockDuration is the wall-clock duration represented by one VAD block.
func blockDuration(n int) time.Duration {
	return time.Duration(float64(n) / float64(sampleRate) * float64(time.Second))
}

// Push feeds one block of decoded float32 PCM through the VAD and advances
// the state machine. It returns the flushed utterance (pre-roll + speech)
// when a trigger fires on this call, or nil otherwise.
func (b *AudioTriggerBuffer) Push(block []float32) []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	isSpeech := b.vad.IsSpeech(block)
	dur := blockDuration(len(block))

	switch b.state {
	case StateIdle:
		if isSpeech {
			b.beginCollecting(block)
		} else {
			b.appendPreRoll(block)
		}
		return nil

	case StateCollecting:
		b.segment = append(b.segment, block...)
		if isSpeech {
			b.silenceRun = 0
		} else {
			b.silenceRun += dur
		}

		if b.silenceRun >= SustainedSilenceThreshold || time.Since(b.segmentStart) >= MaxUtteranceDuration {
			return b.flushLocked()
		}
		return nil

	default: // StateFlushing is momentary; Push never observes it at rest.
		b.state = StateIdle
		if isSpeech {
			b.beginCollecting(block)
		} else {
			b.appendPreRoll(block)
		}
		return nil
	}
}

func (b *AudioTriggerBuffer) beginCollecting(firstBlock []float32) {
	b.state = StateCollecting
	b.segmentStart = time.Now()
	b.silenceRun = 0
	b.segment = append(append([]float32{}, b.preRoll...), firstBlock...)
}

func (b *AudioTriggerBuffer) appendPreRoll(block []float32) {
	b.preRoll = append(b.preRoll, block...)
	if excess := len(b.preRoll) - b.preRollCap; excess > 0 {
		b.preRoll = b.preRoll[excess:]
	}
}

func (b *AudioTriggerBuffer) flushLocked() []float32 {
	out := b.segment
	b.segment = nil
	b.preRoll = nil
	b.silenceRun = 0
	b.state = StateIdle
	return out
}

// State reports the buffer's current state, mainly for tests and metrics.
func (b *AudioTriggerBuffer) State() TriggerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset discards any in-progress segment and pre-roll, returning the
// buffer to StateIdle. Used on CONTROL_RESET and client reap.
func (b *AudioTriggerBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.segment = nil
	b.preRoll = nil
	b.silenceRun = 0
	b.state = StateIdle
	b.vad.Reset()
}
