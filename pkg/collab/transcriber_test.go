package collab

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockASRReturnsConfiguredText(t *testing.T) {
	asr := &MockASR{Text: "hello"}
	text, err := asr.Transcribe(context.Background(), make([]float32, 512), "en")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestMockASRFallsBackWhenUnconfigured(t *testing.T) {
	asr := &MockASR{}
	text, err := asr.Transcribe(context.Background(), make([]float32, 10), "en")
	require.NoError(t, err)
	assert.Contains(t, text, "10 samples")
}

func TestMockLLMStreamsWordsThenCloses(t *testing.T) {
	llm := &MockLLM{Reply: "hi there friend"}
	ch, err := llm.StreamReply(context.Background(), nil, "hello")
	require.NoError(t, err)

	var got []string
	for tok := range ch {
		got = append(got, strings.TrimSpace(tok))
	}
	assert.Equal(t, []string{"hi", "there", "friend"}, got)
}

func TestMockLLMStopsOnContextCancel(t *testing.T) {
	llm := &MockLLM{Reply: strings.Repeat("word ", 1000)}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := llm.StreamReply(ctx, nil, "hello")
	require.NoError(t, err)

	<-ch
	cancel()
	time.Sleep(10 * time.Millisecond)
	// draining must terminate (channel closes) rather than block forever
	for range ch {
	}
}

func TestMockTTSReturnsNonEmptyBytes(t *testing.T) {
	tts := &MockTTS{}
	out, err := tts.Synthesize(context.Background(), "hello world", "voice-1")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}
