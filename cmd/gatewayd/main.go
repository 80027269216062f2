// Command gatewayd runs the real-time duplex UDP audio gateway: it listens
// for client datagrams, drives VAD -> ASR -> LLM -> TTS per utterance, and
// streams MP3 fragments back. Flag/env/.env layering mirrors the teacher's
// cmd/discord-voice-mcp/main.go.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/duplexgw/gatewayd/internal/config"
	"github.com/duplexgw/gatewayd/internal/gateway"
	"github.com/duplexgw/gatewayd/internal/metrics"
	"github.com/duplexgw/gatewayd/internal/observer"
	"github.com/duplexgw/gatewayd/internal/pipeline"
	"github.com/duplexgw/gatewayd/pkg/collab"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var whisperModelPath string

func init() {
	flag.StringVar(&whisperModelPath, "whisper-model", os.Getenv("GATEWAY_WHISPER_MODEL"), "path to a whisper.cpp model file; empty uses the mock ASR")
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer cancel()

	asr, llm, tts := buildCollaborators()

	reg := prometheus.NewRegistry()
	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.NewMetrics(reg)
		startMetricsServer(ctx, cfg.MetricsAddr, reg)
	}

	var bridge *observer.Bridge
	if cfg.ObserverAddr != "" {
		bridge = observer.NewBridge()
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		logrus.WithError(err).Fatal("invalid listen address")
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		logrus.WithError(err).Fatal("failed to bind UDP socket")
	}
	defer conn.Close()
	logrus.WithField("addr", conn.LocalAddr().String()).Info("gatewayd listening")

	gw := gateway.New(cfg, conn, gateway.Collaborators{
		ASR:    asr,
		LLM:    llm,
		TTS:    tts,
		Canned: pipeline.NewCannedCache(),
	}, bridge, m)

	if cfg.ObserverAddr != "" {
		startObserverServer(ctx, cfg.ObserverAddr, bridge, gw)
	}

	logrus.Info("gateway running, press CTRL-C to exit")
	gw.Run(ctx, conn)

	logrus.Info("shutting down gracefully")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	<-shutdownCtx.Done()
}

// buildCollaborators wires a real Whisper ASR when a model path is
// configured, falling back to the mock collaborators for local
// development; LLM and TTS stay mocked since the spec treats both as an
// opaque, separately-deployed external system (§1 Out of scope).
func buildCollaborators() (collab.ASR, collab.LLM, collab.TTS) {
	var asr collab.ASR = &collab.MockASR{}
	if whisperModelPath != "" {
		w, err := collab.NewWhisperASR(whisperModelPath)
		if err != nil {
			logrus.WithError(err).Warn("whisper ASR unavailable, falling back to mock transcriber")
		} else {
			asr = w
		}
	}
	return asr, &collab.MockLLM{}, &collab.MockTTS{}
}

func startMetricsServer(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logrus.WithField("addr", addr).Info("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// startObserverServer serves the WebSocket observer bridge at /observe and,
// alongside it, a minimal admin endpoint at /admin/reset: an
// operator-initiated full client-record reset (registry.Registry.Reset),
// distinct from the CONTROL_RESET wire packet handled in
// internal/gateway/receiver.go (which only clears dialogue/trigger state
// and keeps the welcome flag). The admin reset destroys the LogicalClient
// entirely, including its welcome flag, per spec.md §4.3.
func startObserverServer(ctx context.Context, addr string, bridge *observer.Bridge, gw *gateway.Gateway) {
	mux := http.NewServeMux()
	mux.Handle("/observe", bridge)
	mux.HandleFunc("/admin/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ip := r.URL.Query().Get("ip")
		if ip == "" {
			http.Error(w, "ip query parameter required", http.StatusBadRequest)
			return
		}
		if !gw.ResetClient(ip) {
			http.Error(w, "unknown client ip", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logrus.WithField("addr", addr).Info("observer server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("observer server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
