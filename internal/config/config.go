// Package config loads gateway configuration from command-line flags
// layered over environment variables and an optional .env file, matching
// the teacher's cmd/discord-voice-mcp/main.go layering
// (godotenv.Load then flag.Parse with env-var fallbacks).
package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds every tunable named in SPEC_FULL.md §6.
type Config struct {
	Addr         string
	ObserverAddr string
	MetricsAddr  string
	LogLevel     string
	MaxClients   int
	FragmentRatePPS int

	SampleRate           int
	BlockSamples         int
	SilenceMsForFlush    int
	MaxUtteranceMs       int
	ReapIdleMs           int
	InterruptCooldownMs  int
	FragmentMaxBytes     int
	DialogueHistoryLimit int
	TTSVoiceID           string
	LanguageHint         string
}

// InactivityWindow returns ReapIdleMs as a time.Duration.
func (c Config) InactivityWindow() time.Duration {
	return time.Duration(c.ReapIdleMs) * time.Millisecond
}

// SilenceThreshold returns SilenceMsForFlush as a time.Duration.
func (c Config) SilenceThreshold() time.Duration {
	return time.Duration(c.SilenceMsForFlush) * time.Millisecond
}

// MaxUtteranceDuration returns MaxUtteranceMs as a time.Duration.
func (c Config) MaxUtteranceDuration() time.Duration {
	return time.Duration(c.MaxUtteranceMs) * time.Millisecond
}

// InterruptCooldown returns InterruptCooldownMs as a time.Duration.
func (c Config) InterruptCooldown() time.Duration {
	return time.Duration(c.InterruptCooldownMs) * time.Millisecond
}

// Default returns the configuration defaults named in SPEC_FULL.md §6,
// before any flag/env overrides are applied.
func Default() Config {
	return Config{
		Addr:            ":31000",
		ObserverAddr:    ":31001",
		MetricsAddr:     ":9090",
		LogLevel:        "info",
		MaxClients:      500,
		FragmentRatePPS: 500,

		SampleRate:           16000,
		BlockSamples:         512,
		SilenceMsForFlush:    900,
		MaxUtteranceMs:       15000,
		ReapIdleMs:           120000,
		InterruptCooldownMs:  500,
		FragmentMaxBytes:     1400,
		DialogueHistoryLimit: 50,
		TTSVoiceID:           "default",
		LanguageHint:         "auto",
	}
}

// Load reads an optional .env file (missing is not an error, matching
// godotenv's teacher-idiom usage), then parses flags with env vars as the
// fallback default for each, and returns the final Config. args is the
// argument slice to parse (os.Args[1:] in production, a literal slice in
// tests).
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("failed to load .env file")
	}

	def := Default()
	fs := flag.NewFlagSet("gatewayd", flag.ContinueOnError)

	addr := fs.String("addr", envOrDefault("GATEWAY_ADDR", def.Addr), "UDP listen address")
	observerAddr := fs.String("observer-addr", envOrDefault("GATEWAY_OBSERVER_ADDR", def.ObserverAddr), "observer WebSocket listen address (empty disables)")
	metricsAddr := fs.String("metrics-addr", envOrDefault("GATEWAY_METRICS_ADDR", def.MetricsAddr), "Prometheus /metrics HTTP listen address (empty disables)")
	logLevel := fs.String("log-level", envOrDefault("LOG_LEVEL", def.LogLevel), "log level")
	maxClients := fs.Int("max-clients", envIntOrDefault("GATEWAY_MAX_CLIENTS", def.MaxClients), "soft cap on concurrently tracked clients")
	fragmentRatePPS := fs.Int("fragment-rate-pps", envIntOrDefault("GATEWAY_FRAGMENT_RATE_PPS", def.FragmentRatePPS), "aggregate fragment-send token bucket rate")
	voiceID := fs.String("tts-voice-id", envOrDefault("GATEWAY_TTS_VOICE_ID", def.TTSVoiceID), "TTS voice identifier")
	languageHint := fs.String("language-hint", envOrDefault("GATEWAY_LANGUAGE_HINT", def.LanguageHint), "ASR language hint")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := def
	cfg.Addr = *addr
	cfg.ObserverAddr = *observerAddr
	cfg.MetricsAddr = *metricsAddr
	cfg.LogLevel = *logLevel
	cfg.MaxClients = *maxClients
	cfg.FragmentRatePPS = *fragmentRatePPS
	cfg.TTSVoiceID = *voiceID
	cfg.LanguageHint = *languageHint

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.WithField("key", key).WithError(err).Warn("invalid integer env var, using default")
		return def
	}
	return n
}
