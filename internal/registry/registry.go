// Package registry maps a UDP remote address to a durable LogicalClient,
// keyed by IP only so NAT-driven source-port churn never produces a
// spurious new client. It is modeled on the teacher's deterministic
// SimpleSSRCManager (internal/bot/simple_ssrc_manager.go): every identity
// transition is an exact, observable update, never a probabilistic guess.
package registry

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duplexgw/gatewayd/internal/adpcm"
	"github.com/duplexgw/gatewayd/internal/audio"
	"github.com/duplexgw/gatewayd/internal/dialogue"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultInactivityWindow is how long a client may go without activity
// before the reaper removes it.
const DefaultInactivityWindow = 120 * time.Second

// DefaultInterruptCooldown debounces chatter right after an interruption.
const DefaultInterruptCooldown = 500 * time.Millisecond

// LogicalClient is the server's durable notion of one caller. It is keyed
// by IP only; the current source port is a mutable attribute, not part of
// its identity. The receive goroutine and the client's own pipeline
// worker are the only mutators of its fields; each instance carries its
// own lock so the registry's coarse map lock is never held across work,
// mirroring the teacher's per-Client fine-grained locking
// (rustyguts-bken/server/client.go's dgramMu/ctrlMu) generalized to one
// lock guarding this client's address/welcome/cooldown state.
type LogicalClient struct {
	mu sync.Mutex

	ip         string
	currentAddr *net.UDPAddr

	SessionID string

	Decoder *adpcm.Decoder
	Encoder *adpcm.Encoder

	Dialogue *dialogue.Session
	Trigger  *audio.AudioTriggerBuffer

	welcomed bool

	lastActivity time.Time

	chunkCounter uint32 // atomic: incremented to invalidate in-flight fragments

	interruptCooldownUntil time.Time

	// Interrupted is polled by the client's pipeline worker at every state
	// transition and between fragment sends.
	Interrupted atomic.Bool

	// Utterance is the single-slot handoff channel from the receive loop
	// to the dedicated pipeline worker for this client: capacity 1,
	// overwrite semantics (a fresh utterance supersedes a queued one).
	Utterance chan []float32
}

// IP returns the client's identity.
func (c *LogicalClient) IP() string {
	return c.ip
}

// CurrentAddr returns the most recently observed (ip, port) pair.
func (c *LogicalClient) CurrentAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentAddr
}

// Welcomed reports whether a greeting has already been sent.
func (c *LogicalClient) Welcomed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcomed
}

// MarkWelcomed sets the welcome flag, returning true the first time it is
// set (false if it was already set, a no-op call).
func (c *LogicalClient) MarkWelcomed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.welcomed {
		return false
	}
	c.welcomed = true
	return true
}

// LastActivity returns the last time this client was observed.
func (c *LogicalClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// NextChunkIndex atomically increments and returns the chunk counter, used
// to tag a new outbound chunk.
func (c *LogicalClient) NextChunkIndex() uint32 {
	return atomic.AddUint32(&c.chunkCounter, 1)
}

// CurrentChunkIndex returns the chunk counter without incrementing it.
func (c *LogicalClient) CurrentChunkIndex() uint32 {
	return atomic.LoadUint32(&c.chunkCounter)
}

// BumpChunkIndexForInterruption increments the chunk counter on
// interruption so a conforming client drops any late fragment of the
// aborted chunk, and sets the interrupt cooldown.
func (c *LogicalClient) BumpChunkIndexForInterruption(now time.Time) {
	atomic.AddUint32(&c.chunkCounter, 1)
	c.mu.Lock()
	c.interruptCooldownUntil = now.Add(DefaultInterruptCooldown)
	c.mu.Unlock()
}

// InCooldown reports whether now is still within the post-interruption
// debounce window.
func (c *LogicalClient) InCooldown(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Before(c.interruptCooldownUntil)
}

// ResetSession drops dialogue and trigger-buffer state while preserving
// decoder state and the welcome flag, per CONTROL_RESET semantics.
func (c *LogicalClient) ResetSession() {
	c.Dialogue.Clear()
	c.Trigger.Reset()
}

// Registry owns the ip -> *LogicalClient map. It is the sole authority on
// client identity; every LogicalClient is created, migrated, and reaped
// through it.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*LogicalClient

	newVAD     func() *audio.VoiceActivityDetector
	historyCap int
}

// NewRegistry returns an empty Registry. newVAD constructs a fresh VAD
// instance for each new client (one VAD per client per the collaborator
// contract); historyCap bounds each client's dialogue history.
func NewRegistry(newVAD func() *audio.VoiceActivityDetector, historyCap int) *Registry {
	return &Registry{
		clients:    make(map[string]*LogicalClient),
		newVAD:     newVAD,
		historyCap: historyCap,
	}
}

// ObserveResult reports what Observe did, so callers can react to first
// contact or address migration (e.g. enqueue a greeting, log migration).
type ObserveResult struct {
	Client    *LogicalClient
	IsNew     bool
	Migrated  bool
}

// Observe looks up (or creates) the LogicalClient for addr.IP, performing
// address migration when the observed port differs from the client's
// current port. It never guesses: a new client is created only when no
// record exists for this IP.
func (r *Registry) Observe(addr *net.UDPAddr, now time.Time) ObserveResult {
	ip := addr.IP.String()

	r.mu.Lock()
	client, exists := r.clients[ip]
	if !exists {
		client = &LogicalClient{
			ip:          ip,
			currentAddr: addr,
			SessionID:   uuid.NewString(),
			Decoder:     adpcm.NewDecoder(),
			Encoder:     adpcm.NewEncoder(),
			Dialogue:    dialogue.NewSession(r.historyCap),
			Utterance:   make(chan []float32, 1),
		}
		client.Trigger = audio.NewAudioTriggerBuffer(r.newVAD())
		r.clients[ip] = client
	}
	r.mu.Unlock()

	client.mu.Lock()
	client.lastActivity = now
	migrated := false
	if client.currentAddr == nil || client.currentAddr.Port != addr.Port {
		migrated = exists // only meaningful as "migration" for a pre-existing client
		client.currentAddr = addr
	}
	client.mu.Unlock()

	if exists && migrated {
		logrus.WithFields(logrus.Fields{
			"ip":   ip,
			"port": addr.Port,
		}).Info("client address migrated")
	}

	return ObserveResult{Client: client, IsNew: !exists, Migrated: exists && migrated}
}

// Get returns the LogicalClient for ip, if any, without creating one.
func (r *Registry) Get(ip string) (*LogicalClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[ip]
	return c, ok
}

// Len reports the number of tracked clients, for the soft registry cap.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Reap removes every client whose last activity is older than
// now.Add(-window), returning the IPs removed so callers can cancel their
// pipeline workers and release observer bindings.
func (r *Registry) Reap(now time.Time, window time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []string
	for ip, c := range r.clients {
		c.mu.Lock()
		idle := now.Sub(c.lastActivity)
		c.mu.Unlock()
		if idle > window {
			delete(r.clients, ip)
			reaped = append(reaped, ip)
		}
	}
	return reaped
}

// Reset destroys the client record for ip entirely, including its welcome
// flag. Returns false if no such client existed.
func (r *Registry) Reset(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[ip]; !ok {
		return false
	}
	delete(r.clients, ip)
	return true
}
