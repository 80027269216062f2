// Package collab defines the gateway's external collaborator contracts —
// VAD, ASR, LLM, and TTS — as thin Go interfaces injected into the
// pipeline worker, never discovered or constructed by it. Each contract
// mirrors the teacher's Transcriber interface (pkg/collab/transcriber.go)
// generalized from a single ASR concern to all four collaborators named
// in the gateway's external interfaces.
package collab

import (
	"context"

	"github.com/duplexgw/gatewayd/internal/dialogue"
)

// VAD classifies one block of normalized float32 PCM samples as speech or
// not. Implementations may hold state; one instance is owned per client.
type VAD interface {
	IsSpeech(block []float32) bool
}

// ASR transcribes a complete utterance of float32 PCM into text. An empty
// result (with a nil error) means no usable speech was found; the worker
// returns to idle without speaking. ASR implementations must be safe for
// concurrent use across clients.
type ASR interface {
	Transcribe(ctx context.Context, pcm []float32, languageHint string) (string, error)
}

// LLM streams a reply to userText given the session's prior history. The
// returned channel yields text tokens as they become available and is
// closed when the reply is complete; a non-nil error aborts the stream.
type LLM interface {
	StreamReply(ctx context.Context, history []dialogue.Turn, userText string) (<-chan string, error)
}

// TTS synthesizes text into MP3 bytes for a given voice. Implementations
// must tolerate concurrent calls from distinct clients' pipeline workers.
type TTS interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}
