package pipeline

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/duplexgw/gatewayd/internal/audio"
	"github.com/duplexgw/gatewayd/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubASR struct {
	text string
	err  error
}

func (s *stubASR) Transcribe(ctx context.Context, pcm []float32, hint string) (string, error) {
	return s.text, s.err
}

type stubTTS struct {
	bytesOut []byte
	err      error
	calls    int
}

func (s *stubTTS) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	s.calls++
	return s.bytesOut, s.err
}

type recordingSender struct {
	mu      sync.Mutex
	sent    [][]byte
	chunkID uint32
}

func (r *recordingSender) SendChunk(ctx context.Context, client *registry.LogicalClient, chunkIndex uint32, mp3 []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, mp3)
	r.chunkID = chunkIndex
	return nil
}

func newTestClient(t *testing.T) *registry.LogicalClient {
	t.Helper()
	reg := registry.NewRegistry(audio.NewVoiceActivityDetector, 50)
	res := reg.Observe(&net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}, time.Now())
	return res.Client
}

func TestSynthesizeWithFallbackUsesCannedOnPersistentFailure(t *testing.T) {
	client := newTestClient(t)
	canned := NewCannedCache()
	canned.Set("tts_failure", []byte{0x01, 0x02, 0x03})

	tts := &stubTTS{err: errors.New("tts down")}
	w := NewWorker(client, nil, nil, tts, nil, canned, nil, Config{
		MaxRetries:   2,
		RetryDelay:   time.Millisecond,
		StageTimeout: 50 * time.Millisecond,
	})

	out := w.synthesizeWithFallback(context.Background(), "hello")
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, out)
	assert.Equal(t, 2, tts.calls)
}

func TestSynthesizeWithFallbackReturnsTTSBytesOnSuccess(t *testing.T) {
	client := newTestClient(t)
	tts := &stubTTS{bytesOut: []byte{0xAA}}
	w := NewWorker(client, nil, nil, tts, nil, NewCannedCache(), nil, DefaultConfig())

	out := w.synthesizeWithFallback(context.Background(), "hello")
	assert.Equal(t, []byte{0xAA}, out)
	assert.Equal(t, 1, tts.calls)
}

func TestTranscribeWithRetryReturnsASRError(t *testing.T) {
	client := newTestClient(t)
	asr := &stubASR{err: errors.New("asr down")}
	w := NewWorker(client, asr, nil, nil, nil, nil, nil, Config{
		MaxRetries:   2,
		RetryDelay:   time.Millisecond,
		StageTimeout: 20 * time.Millisecond,
	})

	_, err := w.transcribeWithRetry(context.Background(), make([]float32, 10))
	assert.Error(t, err)
}

func TestTranscribeWithRetrySucceeds(t *testing.T) {
	client := newTestClient(t)
	asr := &stubASR{text: "hello there"}
	w := NewWorker(client, asr, nil, nil, nil, nil, nil, DefaultConfig())

	text, err := w.transcribeWithRetry(context.Background(), make([]float32, 10))
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
}

func TestRequestGreetingSendsExactlyOneChunk(t *testing.T) {
	client := newTestClient(t)
	tts := &stubTTS{bytesOut: []byte{0x01, 0x02, 0x03, 0x04}}
	sender := &recordingSender{}
	w := NewWorker(client, nil, nil, tts, sender, NewCannedCache(), nil, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.RequestGreeting()
	w.RequestGreeting() // duplicate requests before the worker drains must not double-speak

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.sent) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, 1, len(sender.sent))
	assert.Equal(t, 1, tts.calls)
}
