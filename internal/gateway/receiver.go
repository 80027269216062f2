// Package gateway wires the registry, pipeline workers, fragmenter, and
// observer bridge to a live UDP socket: one receive goroutine, a fragment
// send loop per outbound chunk, and a reaper sweep. Grounded on the
// teacher's single-reader ProcessVoiceReceive (internal/audio/processor.go)
// generalized from a Discord voice channel to a raw UDP socket.
package gateway

import (
	"context"
	"net"
	"time"

	"github.com/duplexgw/gatewayd/internal/feedback"
	"github.com/duplexgw/gatewayd/internal/observer"
	"github.com/duplexgw/gatewayd/internal/registry"
	"github.com/duplexgw/gatewayd/internal/wire"
	"github.com/sirupsen/logrus"
)

// maxReadBuf is sized 64 bytes above MaxDatagramBytes so a short read never
// truncates a well-formed packet.
const maxReadBuf = wire.MaxDatagramBytes + 64

// receiveLoop owns the single ReadFromUDP call for conn. It never blocks on
// anything but the socket read itself and per-packet handling is kept
// short, matching the teacher's single-reader discipline.
func (g *Gateway) receiveLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, maxReadBuf)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logrus.WithError(err).Warn("udp read error")
			continue
		}

		g.handleDatagram(ctx, conn, addr, append([]byte(nil), buf[:n]...))
	}
}

func (g *Gateway) handleDatagram(ctx context.Context, conn *net.UDPConn, addr *net.UDPAddr, raw []byte) {
	kind, payload, err := wire.Decode(raw)
	if err != nil {
		if g.metrics != nil {
			g.metrics.MalformedPackets.Inc()
		}
		logrus.WithError(err).WithField("remote", addr.String()).Debug("dropping malformed datagram")
		return
	}

	now := time.Now()

	if g.registry.Len() >= g.cfg.MaxClients {
		if _, known := g.registry.Get(addr.IP.String()); !known {
			logrus.WithField("remote", addr.String()).Warn("rejecting new client, registry at capacity")
			return
		}
	}

	res := g.registry.Observe(addr, now)
	client := res.Client

	if res.IsNew {
		g.notify(client.IP(), observer.EventConnected, nil)
		g.bus.PublishClientConnected(client.IP(), feedback.ClientConnectedData{SessionID: client.SessionID})
	}
	if res.Migrated {
		g.notify(client.IP(), observer.EventMigrated, addr.Port)
		g.bus.PublishClientMigrated(client.IP(), feedback.ClientMigratedData{NewPort: addr.Port})
	}

	switch kind {
	case wire.ControlHello:
		g.handleHello(ctx, client)
	case wire.CompressionADPCM:
		g.handleAudio(ctx, client, payload)
	case wire.ControlReset:
		g.handleReset(client)
	default:
		logrus.WithField("type", kind.String()).Debug("ignoring unsupported packet type")
	}
}

func (g *Gateway) handleHello(ctx context.Context, client *registry.LogicalClient) {
	g.greetIfNeeded(ctx, client)
}

func (g *Gateway) handleAudio(ctx context.Context, client *registry.LogicalClient, payload []byte) {
	g.greetIfNeeded(ctx, client)

	samples, err := client.Decoder.Decode(payload)
	if err != nil {
		logrus.WithError(err).WithField("ip", client.IP()).Debug("dropping malformed adpcm frame")
		return
	}

	utterance := client.Trigger.Push(samples)
	if utterance == nil {
		return
	}

	select {
	case client.Utterance <- utterance:
	default:
		// single-slot overwrite: a prior utterance is still queued or being
		// worked, so this fresh one supersedes it. Raise the interruption
		// flag so a worker mid-sending aborts the superseded chunk
		// (internal/gateway/sender.go polls it between fragments) and bump
		// the chunk counter so any late fragment of that chunk is ignored
		// by a conforming client. The worker clears the flag again in
		// resetToIdle once it picks this utterance up (worker.go).
		client.Interrupted.Store(true)
		client.BumpChunkIndexForInterruption(time.Now())

		select {
		case <-client.Utterance:
		default:
		}
		client.Utterance <- utterance
	}
}

// greetIfNeeded marks the client welcomed on first contact (by either
// CONTROL_HELLO or COMPRESSION_ADPCM, per spec.md §4.4) and requests its
// worker speak exactly one greeting. MarkWelcomed is the sole gate: it
// flips false->true exactly once, so concurrent datagrams from the same
// client never queue more than one greeting.
func (g *Gateway) greetIfNeeded(ctx context.Context, client *registry.LogicalClient) {
	if !client.MarkWelcomed() {
		return
	}
	worker := g.startWorkerIfAbsent(ctx, client)
	worker.RequestGreeting()
	logrus.WithField("ip", client.IP()).Info("client welcomed")
}

func (g *Gateway) handleReset(client *registry.LogicalClient) {
	client.Interrupted.Store(true)
	client.BumpChunkIndexForInterruption(time.Now())
	client.ResetSession()
	g.notify(client.IP(), observer.EventReset, nil)
	g.bus.PublishClientReset(client.IP())
	logrus.WithField("ip", client.IP()).Info("client session reset")
}

func (g *Gateway) notify(ip, event string, payload any) {
	if g.observerBridge == nil {
		return
	}
	g.observerBridge.Notify(ip, event, payload)
}
