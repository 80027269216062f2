// Package pipeline runs one dedicated worker goroutine per active client,
// driving ASR -> LLM -> TTS -> fragmented send for each utterance handed
// off by the receive loop. One worker per client (not a shared pool)
// isolates clients from one another: a slow TTS call for one caller must
// never starve another's reply. Modeled on the teacher's
// pipeline.Worker/TranscriptionQueue (internal/pipeline/worker.go,
// queue.go), keeping its retry-with-timeout shape for external calls and
// its OnStart/OnComplete/OnError callback idiom, generalized from a shared
// priority queue serving many speakers to one queue-of-one per client.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/duplexgw/gatewayd/internal/dialogue"
	"github.com/duplexgw/gatewayd/internal/feedback"
	"github.com/duplexgw/gatewayd/internal/registry"
	"github.com/duplexgw/gatewayd/pkg/collab"
	"github.com/sirupsen/logrus"
)

// State is one stage of a single utterance's pass through the worker.
type State int

const (
	StateIdle State = iota
	StateTranscribing
	StateGenerating
	StateSynthesizing
	StateSending
)

func (s State) String() string {
	switch s {
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateSynthesizing:
		return "synthesizing"
	case StateSending:
		return "sending"
	default:
		return "idle"
	}
}

var (
	// ErrStageTimeout is returned when an external collaborator call does
	// not complete within Config.StageTimeout.
	ErrStageTimeout = errors.New("pipeline: stage timed out")
)

// Config tunes retry/timeout behavior and the collaborator-facing
// parameters of a Worker.
type Config struct {
	MaxRetries    int
	RetryDelay    time.Duration
	StageTimeout  time.Duration
	LanguageHint  string
	VoiceID       string
	GreetingText  string
}

// DefaultConfig returns conservative retry/timeout defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		RetryDelay:   200 * time.Millisecond,
		StageTimeout: 8 * time.Second,
		LanguageHint: "auto",
		VoiceID:      "default",
		GreetingText: "Hello, I'm listening.",
	}
}

// Sender delivers one TTS chunk to a client as fragments, respecting the
// client's interruption flag between fragments. Implemented by
// internal/gateway's send loop.
type Sender interface {
	SendChunk(ctx context.Context, client *registry.LogicalClient, chunkIndex uint32, mp3 []byte) error
}

// Notifier mirrors lifecycle events to the observer bridge. A nil Notifier
// is valid; events are simply dropped.
type Notifier interface {
	Notify(ip, event string, payload any)
}

// StageRecorder receives the wall-clock duration of one pipeline stage
// (transcribing, generating, synthesizing, sending), implemented by
// internal/metrics.Metrics. A nil recorder is valid; timings are simply
// not recorded.
type StageRecorder interface {
	ObserveStage(stage string, seconds float64)
}

// Worker drives one client's utterances through ASR -> LLM -> TTS ->
// fragmented send. Exactly one Worker goroutine exists per active client,
// created when the client is first welcomed (so it can speak the greeting)
// and stopped when the client is reaped.
type Worker struct {
	client *registry.LogicalClient

	asr  collab.ASR
	llm  collab.LLM
	tts  collab.TTS
	send Sender

	canned   *CannedCache
	notifier Notifier
	stages   StageRecorder

	bus *feedback.Bus

	config Config
	logger *logrus.Entry

	state State

	// greet is a single-slot trigger: the receive loop sends on it once,
	// non-blocking, the first time an unwelcomed client is observed. It is
	// buffered so the signal is never lost to a worker that hasn't started
	// its select loop yet.
	greet chan struct{}
}

// NewWorker constructs a Worker for client. asr/llm/tts/send are injected
// collaborators; notifier and canned may be nil.
func NewWorker(client *registry.LogicalClient, asr collab.ASR, llm collab.LLM, tts collab.TTS, send Sender, canned *CannedCache, notifier Notifier, config Config) *Worker {
	return &Worker{
		client:   client,
		asr:      asr,
		llm:      llm,
		tts:      tts,
		send:     send,
		canned:   canned,
		notifier: notifier,
		config:   config,
		logger:   logrus.WithField("client_ip", client.IP()),
		greet:    make(chan struct{}, 1),
	}
}

// SetStageRecorder attaches a metrics sink for per-stage timing. Optional;
// a Worker with no recorder simply skips the observation.
func (w *Worker) SetStageRecorder(r StageRecorder) {
	w.stages = r
}

// SetEventBus attaches a feedback.Bus that receives this worker's stage
// transitions, interruptions, and absorbed collaborator errors. Optional;
// a Worker with no bus simply skips publishing.
func (w *Worker) SetEventBus(bus *feedback.Bus) {
	w.bus = bus
}

func (w *Worker) timeStage(name string, fn func()) {
	start := time.Now()
	fn()
	if w.stages != nil {
		w.stages.ObserveStage(name, time.Since(start).Seconds())
	}
}

// RequestGreeting asks this worker to speak its one-time greeting. Safe to
// call from the receive loop for every datagram that observes
// !client.Welcomed(); the buffered, non-blocking send means repeated calls
// before the worker consumes the first are no-ops.
func (w *Worker) RequestGreeting() {
	select {
	case w.greet <- struct{}{}:
	default:
	}
}

// Run blocks, pulling utterances off the client's single-slot channel and
// driving them through the pipeline, until ctx is cancelled (on client
// reap).
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("pipeline worker started")
	defer w.logger.Info("pipeline worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case pcm := <-w.client.Utterance:
			w.processUtterance(ctx, pcm)
		case <-w.greet:
			w.speakGreeting(ctx)
		}
	}
}

// speakGreeting sends the one-time welcome utterance: it bypasses ASR and
// the LLM entirely (there is no user speech or question to answer yet) and
// goes straight to TTS -> fragmented send, exactly like the tail of
// processUtterance. Interruption is still honored, since fresh user audio
// arriving mid-greeting should cut it off rather than talk over the caller.
func (w *Worker) speakGreeting(ctx context.Context) {
	w.setState(StateSynthesizing)
	if w.client.Interrupted.Load() {
		w.resetToIdle()
		return
	}

	text := w.config.GreetingText
	w.client.Dialogue.Append(dialogue.RoleAssistant, text)
	w.notify("reply_text", text)
	if w.bus != nil {
		w.bus.PublishReplyGenerated(w.client.IP(), feedback.ReplyTextData{Text: text})
	}

	mp3 := w.synthesizeWithFallback(ctx, text)

	w.setState(StateSending)
	if w.client.Interrupted.Load() {
		w.resetToIdle()
		return
	}

	chunkIndex := w.client.NextChunkIndex()
	if err := w.send.SendChunk(ctx, w.client, chunkIndex, mp3); err != nil {
		w.logger.WithError(err).Warn("greeting send aborted")
	}

	w.resetToIdle()
}

// processUtterance runs one full idle -> transcribing -> generating ->
// synthesizing -> sending -> idle pass, checking the interruption flag at
// every transition.
func (w *Worker) processUtterance(ctx context.Context, pcm []float32) {
	w.setState(StateTranscribing)
	if w.client.Interrupted.Load() {
		w.resetToIdle()
		return
	}

	var text string
	var err error
	w.timeStage(w.state.String(), func() { text, err = w.transcribeWithRetry(ctx, pcm) })
	if err != nil {
		w.logger.WithError(err).Warn("transcription failed after retries")
		w.publishCollaboratorError("transcribing", err)
		w.resetToIdle()
		return
	}
	if strings.TrimSpace(text) == "" {
		w.resetToIdle()
		return
	}
	w.client.Dialogue.Append(dialogue.RoleUser, text)
	w.notify("utterance", text)
	if w.bus != nil {
		w.bus.PublishUtteranceHeard(w.client.IP(), feedback.UtteranceData{Text: text})
	}

	w.setState(StateGenerating)
	if w.client.Interrupted.Load() {
		w.resetToIdle()
		return
	}

	var reply string
	w.timeStage(w.state.String(), func() { reply, err = w.generateReply(ctx, text) })
	if err != nil {
		w.logger.WithError(err).Warn("reply generation failed")
		w.publishCollaboratorError("generating", err)
		w.resetToIdle()
		return
	}
	w.client.Dialogue.Append(dialogue.RoleAssistant, reply)
	w.notify("reply_text", reply)
	if w.bus != nil {
		w.bus.PublishReplyGenerated(w.client.IP(), feedback.ReplyTextData{Text: reply})
	}

	w.setState(StateSynthesizing)
	if w.client.Interrupted.Load() {
		w.resetToIdle()
		return
	}

	var mp3 []byte
	w.timeStage(w.state.String(), func() { mp3 = w.synthesizeWithFallback(ctx, reply) })

	w.setState(StateSending)
	if w.client.Interrupted.Load() {
		w.resetToIdle()
		return
	}

	chunkIndex := w.client.NextChunkIndex()
	w.timeStage(w.state.String(), func() {
		if err := w.send.SendChunk(ctx, w.client, chunkIndex, mp3); err != nil {
			w.logger.WithError(err).Warn("send aborted")
			if w.client.Interrupted.Load() && w.bus != nil {
				w.bus.PublishChunkInterrupted(w.client.IP(), feedback.ChunkInterruptedData{ChunkIndex: chunkIndex})
			}
		}
	})

	w.resetToIdle()
}

func (w *Worker) resetToIdle() {
	w.state = StateIdle
	w.client.Interrupted.Store(false)
}

// setState records the worker's new stage and, if an event bus is
// attached, publishes the transition.
func (w *Worker) setState(s State) {
	w.state = s
	if w.bus != nil {
		w.bus.PublishStageChanged(w.client.IP(), feedback.StageChangedData{Stage: s.String()})
	}
}

// publishCollaboratorError reports an absorbed ASR/LLM/TTS failure on the
// event bus, if one is attached.
func (w *Worker) publishCollaboratorError(stage string, err error) {
	if w.bus == nil {
		return
	}
	w.bus.PublishCollaboratorError(w.client.IP(), feedback.CollaboratorErrorData{Stage: stage, Err: err.Error()})
}

// transcribeWithRetry calls the ASR collaborator with the worker's
// retry/timeout policy, mirroring the teacher's transcribeWithTimeout.
func (w *Worker) transcribeWithRetry(ctx context.Context, pcm []float32) (string, error) {
	var lastErr error
	for attempt := 0; attempt < w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.config.RetryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		stageCtx, cancel := context.WithTimeout(ctx, w.config.StageTimeout)
		text, err := w.callASR(stageCtx, pcm)
		cancel()
		if err == nil {
			return text, nil
		}
		lastErr = err
		w.logger.WithError(err).WithField("attempt", attempt+1).Warn("asr call failed, retrying")
	}
	return "", lastErr
}

func (w *Worker) callASR(ctx context.Context, pcm []float32) (string, error) {
	if w.asr == nil {
		return "", errors.New("pipeline: no asr collaborator configured")
	}
	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		text, err := w.asr.Transcribe(ctx, pcm, w.config.LanguageHint)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- text
	}()
	select {
	case text := <-resultCh:
		return text, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", ErrStageTimeout
	}
}

// generateReply drives the LLM's streaming reply to completion, joining
// tokens into one string. A punctuation-triggered early-TTS dispatch is a
// possible future optimization, left as straightforward aggregation here.
func (w *Worker) generateReply(ctx context.Context, userText string) (string, error) {
	if w.llm == nil {
		return "", errors.New("pipeline: no llm collaborator configured")
	}

	stageCtx, cancel := context.WithTimeout(ctx, w.config.StageTimeout)
	defer cancel()

	tokens, err := w.llm.StreamReply(stageCtx, w.client.Dialogue.History(), userText)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for {
		select {
		case tok, ok := <-tokens:
			if !ok {
				return sb.String(), nil
			}
			sb.WriteString(tok)
		case <-stageCtx.Done():
			return "", ErrStageTimeout
		}
	}
}

// synthesizeWithFallback calls TTS with retry; on persistent failure it
// falls back to a canned error utterance rather than propagating the
// error up to the receive loop (the worker must never crash the gateway
// on a collaborator's hard failure).
func (w *Worker) synthesizeWithFallback(ctx context.Context, text string) []byte {
	if w.tts == nil {
		w.logger.Warn("no tts collaborator configured, using canned error utterance")
		if w.canned == nil {
			return nil
		}
		return w.canned.Get("tts_failure")
	}

	var lastErr error
	for attempt := 0; attempt < w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.config.RetryDelay):
			case <-ctx.Done():
				break
			}
		}
		stageCtx, cancel := context.WithTimeout(ctx, w.config.StageTimeout)
		mp3, err := w.tts.Synthesize(stageCtx, text, w.config.VoiceID)
		cancel()
		if err == nil {
			return mp3
		}
		lastErr = err
	}
	w.logger.WithError(lastErr).Error("tts synthesis failed, using canned error utterance")
	w.publishCollaboratorError("synthesizing", lastErr)
	if w.canned == nil {
		return nil
	}
	return w.canned.Get("tts_failure")
}

func (w *Worker) notify(event string, payload any) {
	if w.notifier == nil {
		return
	}
	w.notifier.Notify(w.client.IP(), event, payload)
}

// State reports the worker's current stage, for tests and metrics.
func (w *Worker) State() State {
	return w.state
}
