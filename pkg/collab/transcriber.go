package collab

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/duplexgw/gatewayd/internal/dialogue"
	"github.com/sirupsen/logrus"
)

// WhisperASR shells out to whisper.cpp (via ffmpeg for format conversion),
// the same exec.Command-pipeline idiom as the teacher's WhisperTranscriber,
// re-pointed at the gateway's 16kHz mono float32 PCM instead of Discord's
// 48kHz stereo Opus-decoded PCM.
type WhisperASR struct {
	modelPath   string
	whisperPath string
	ffmpegPath  string
	threads     string
	beamSize    string
}

// NewWhisperASR validates the model file and the whisper/ffmpeg binaries
// are present and runnable, mirroring the teacher's startup validation.
func NewWhisperASR(modelPath string) (*WhisperASR, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper model file not accessible: %w", err)
	}

	whisperPath, err := exec.LookPath("whisper")
	if err != nil {
		return nil, fmt.Errorf("whisper executable not found in PATH: %w", err)
	}
	// #nosec G204 - whisperPath comes from exec.LookPath, not user input
	if err := exec.Command(whisperPath, "--help").Run(); err != nil {
		return nil, fmt.Errorf("whisper executable found but not working: %w", err)
	}

	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg executable not found in PATH: %w", err)
	}
	// #nosec G204 - ffmpegPath comes from exec.LookPath, not user input
	if err := exec.Command(ffmpegPath, "-version").Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg executable found but not working: %w", err)
	}

	threads := os.Getenv("WHISPER_THREADS")
	if threads == "" {
		threads = strconv.Itoa(runtime.NumCPU())
	}
	beamSize := os.Getenv("WHISPER_BEAM_SIZE")
	if beamSize == "" {
		beamSize = "1"
	}

	logrus.WithFields(logrus.Fields{
		"whisper": whisperPath,
		"ffmpeg":  ffmpegPath,
		"model":   modelPath,
	}).Info("whisper ASR collaborator initialized")

	return &WhisperASR{
		modelPath:   modelPath,
		whisperPath: whisperPath,
		ffmpegPath:  ffmpegPath,
		threads:     threads,
		beamSize:    beamSize,
	}, nil
}

// Transcribe implements collab.ASR.
func (w *WhisperASR) Transcribe(ctx context.Context, pcm []float32, languageHint string) (string, error) {
	if languageHint == "" {
		languageHint = "auto"
	}

	raw := floatPCMToS16LE(pcm)

	// #nosec G204 - ffmpegPath validated at construction, arguments are hardcoded
	ffmpegCmd := exec.CommandContext(ctx, w.ffmpegPath,
		"-f", "s16le",
		"-ar", "16000",
		"-ac", "1",
		"-i", "-",
		"-f", "wav",
		"-",
	)
	ffmpegCmd.Stdin = bytes.NewReader(raw)

	var wavBuf, ffmpegErr bytes.Buffer
	ffmpegCmd.Stdout = &wavBuf
	ffmpegCmd.Stderr = &ffmpegErr
	if err := ffmpegCmd.Run(); err != nil {
		return "", fmt.Errorf("asr: audio conversion failed: %w: %s", err, ffmpegErr.String())
	}

	// #nosec G204 - whisperPath/modelPath validated at construction
	whisperCmd := exec.CommandContext(ctx, w.whisperPath,
		"-m", w.modelPath,
		"-l", languageHint,
		"-t", w.threads,
		"-bs", w.beamSize,
		"--no-timestamps",
		"-otxt",
		"-",
	)
	whisperCmd.Stdin = &wavBuf

	var outBuf, errBuf bytes.Buffer
	whisperCmd.Stdout = &outBuf
	whisperCmd.Stderr = &errBuf
	if err := whisperCmd.Run(); err != nil {
		return "", fmt.Errorf("asr: whisper transcription failed: %w: %s", err, errBuf.String())
	}

	text := strings.TrimSpace(outBuf.String())
	return text, nil
}

func floatPCMToS16LE(pcm []float32) []byte {
	out := make([]byte, len(pcm)*2)
	for i, f := range pcm {
		if f > 1 {
			f = 1
		}
		if f < -1 {
			f = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(f*32767)))
	}
	return out
}

// MockASR returns a fixed transcript regardless of input, for tests and
// local development without a whisper binary on PATH.
type MockASR struct {
	Text string
}

func (m *MockASR) Transcribe(ctx context.Context, pcm []float32, languageHint string) (string, error) {
	if m.Text != "" {
		return m.Text, nil
	}
	return fmt.Sprintf("[mock transcript: %d samples]", len(pcm)), nil
}

// MockLLM streams back a fixed reply one word at a time, for tests and
// local development without a real LLM endpoint configured.
type MockLLM struct {
	Reply string
}

func (m *MockLLM) StreamReply(ctx context.Context, history []dialogue.Turn, userText string) (<-chan string, error) {
	reply := m.Reply
	if reply == "" {
		reply = "hi there"
	}
	out := make(chan string)
	go func() {
		defer close(out)
		for _, word := range strings.Fields(reply) {
			select {
			case out <- word + " ":
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// MockTTS returns fixed MP3-shaped bytes sized to the input text, for
// tests and local development without a real TTS endpoint configured.
type MockTTS struct{}

func (m *MockTTS) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	time.Sleep(time.Millisecond) // simulate minimal synthesis latency
	return bytes.Repeat([]byte{0xFF, 0xFB}, (len(text)+1)*4), nil
}
