package gateway

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/duplexgw/gatewayd/internal/audio"
	"github.com/duplexgw/gatewayd/internal/config"
	"github.com/duplexgw/gatewayd/internal/feedback"
	"github.com/duplexgw/gatewayd/internal/metrics"
	"github.com/duplexgw/gatewayd/internal/observer"
	"github.com/duplexgw/gatewayd/internal/pipeline"
	"github.com/duplexgw/gatewayd/internal/registry"
	"github.com/duplexgw/gatewayd/pkg/collab"
	"github.com/sirupsen/logrus"
)

// eventBusBuffer bounds the feedback bus's internal queue; a burst beyond
// this many unconsumed events is dropped rather than blocking a publisher.
const eventBusBuffer = 256

// reapInterval is how often the reaper sweeps the registry for idle
// clients.
const reapInterval = 10 * time.Second

// Gateway is the top-level server: it owns the UDP socket, the client
// registry, one pipeline worker per active client, the fragment sender,
// and the optional observer/metrics surfaces. Wiring shape modeled on the
// teacher's bot.Bot (internal/bot/bot.go), generalized from a Discord
// voice-channel connection to a raw UDP listener.
type Gateway struct {
	cfg      config.Config
	registry *registry.Registry
	sender   *sender
	metrics  *metrics.Metrics

	observerBridge *observer.Bridge
	bus            *feedback.Bus

	asr    collab.ASR
	llm    collab.LLM
	tts    collab.TTS
	canned *pipeline.CannedCache

	workerMu sync.Mutex
	workers  map[string]*workerHandle
}

// workerHandle pairs a running pipeline.Worker with the cancel func that
// tears it down on reap.
type workerHandle struct {
	worker *pipeline.Worker
	cancel context.CancelFunc
}

// Collaborators bundles the injected ASR/LLM/TTS implementations, the only
// components the gateway never constructs itself.
type Collaborators struct {
	ASR    collab.ASR
	LLM    collab.LLM
	TTS    collab.TTS
	Canned *pipeline.CannedCache
}

// New constructs a Gateway bound to conn. observerBridge and m may be nil
// to disable those surfaces.
func New(cfg config.Config, conn *net.UDPConn, collaborators Collaborators, observerBridge *observer.Bridge, m *metrics.Metrics) *Gateway {
	reg := registry.NewRegistry(audio.NewVoiceActivityDetector, cfg.DialogueHistoryLimit)

	canned := collaborators.Canned
	if canned == nil {
		canned = pipeline.NewCannedCache()
	}

	bus := feedback.NewBus(eventBusBuffer)
	bus.SubscribeAll(func(e feedback.Event) {
		logrus.WithFields(logrus.Fields{
			"event": e.Type,
			"ip":    e.ClientIP,
		}).Debug("gateway event")
	})

	return &Gateway{
		cfg:            cfg,
		registry:       reg,
		sender:         newSender(conn, cfg.FragmentRatePPS, m),
		metrics:        m,
		observerBridge: observerBridge,
		bus:            bus,
		asr:            collaborators.ASR,
		llm:            collaborators.LLM,
		tts:            collaborators.TTS,
		canned:         canned,
		workers:        make(map[string]*workerHandle),
	}
}

// Run blocks, driving the receive loop and the reaper sweep until ctx is
// cancelled.
func (g *Gateway) Run(ctx context.Context, conn *net.UDPConn) {
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		g.receiveLoop(ctx, conn)
	}()
	go func() {
		defer wg.Done()
		g.reapLoop(ctx)
	}()

	wg.Wait()
	g.bus.Stop()
}

// startWorkerIfAbsent spawns a dedicated pipeline.Worker goroutine for
// client, if one is not already running, cancelled automatically when the
// client is reaped. Returns the worker so the caller can request a
// greeting or hand off an utterance through it.
func (g *Gateway) startWorkerIfAbsent(ctx context.Context, client *registry.LogicalClient) *pipeline.Worker {
	g.workerMu.Lock()
	defer g.workerMu.Unlock()

	if h, exists := g.workers[client.IP()]; exists {
		return h.worker
	}

	workerCtx, cancel := context.WithCancel(ctx)

	worker := pipeline.NewWorker(client, g.asr, g.llm, g.tts, g.sender, g.canned, g.observerNotifier(), pipeline.Config{
		MaxRetries:   3,
		RetryDelay:   200 * time.Millisecond,
		StageTimeout: 8 * time.Second,
		LanguageHint: g.cfg.LanguageHint,
		VoiceID:      g.cfg.TTSVoiceID,
		GreetingText: pipeline.DefaultConfig().GreetingText,
	})

	if g.metrics != nil {
		worker.SetStageRecorder(g.metrics)
	}
	worker.SetEventBus(g.bus)

	g.workers[client.IP()] = &workerHandle{worker: worker, cancel: cancel}

	go worker.Run(workerCtx)
	return worker
}

func (g *Gateway) stopWorker(ip string) {
	g.workerMu.Lock()
	defer g.workerMu.Unlock()
	if h, ok := g.workers[ip]; ok {
		h.cancel()
		delete(g.workers, ip)
	}
}

// observerNotifier adapts the Bridge to pipeline.Notifier, or returns nil
// if no observer bridge is configured (pipeline.Worker tolerates a nil
// Notifier).
func (g *Gateway) observerNotifier() pipeline.Notifier {
	if g.observerBridge == nil {
		return nil
	}
	return g.observerBridge
}

// ResetClient destroys the LogicalClient record for ip entirely, including
// its welcome flag (registry.Registry.Reset), distinct from the lighter
// CONTROL_RESET wire handling in receiver.go's handleReset, which preserves
// decoder state and the welcome flag and only clears dialogue/trigger
// state. This is the operator-initiated counterpart, driven by the
// /admin/reset HTTP endpoint rather than a client datagram. Returns false
// if ip was not a tracked client.
func (g *Gateway) ResetClient(ip string) bool {
	if !g.registry.Reset(ip) {
		return false
	}
	g.stopWorker(ip)
	g.notify(ip, observer.EventReset, nil)
	g.bus.PublishClientReset(ip)
	logrus.WithField("ip", ip).Info("client record reset by admin request")
	return true
}

// reapLoop periodically removes idle clients from the registry, cancels
// their pipeline worker, and reports the removal to the observer bridge
// and metrics.
func (g *Gateway) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped := g.registry.Reap(time.Now(), g.cfg.InactivityWindow())
			for _, ip := range reaped {
				g.stopWorker(ip)
				g.notify(ip, observer.EventReaped, nil)
				g.bus.PublishClientReaped(ip)
				if g.metrics != nil {
					g.metrics.ReapedClients.Inc()
				}
				logrus.WithField("ip", ip).Info("client reaped for inactivity")
			}
			if g.metrics != nil {
				g.metrics.RegistrySize.Set(float64(g.registry.Len()))
			}
		}
	}
}
