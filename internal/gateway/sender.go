package gateway

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/duplexgw/gatewayd/internal/fragment"
	"github.com/duplexgw/gatewayd/internal/metrics"
	"github.com/duplexgw/gatewayd/internal/registry"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrInterrupted is returned by SendChunk when the client's interruption
// flag fires mid-stream; the remaining fragments of this chunk are never
// sent.
var ErrInterrupted = errors.New("gateway: send interrupted")

// interFragmentGap is the small pacing sleep the teacher's send path uses
// between packets, independent of the aggregate rate limiter.
const interFragmentGap = 2 * time.Millisecond

// sender implements pipeline.Sender against a live UDP socket, pacing
// fragments with a shared aggregate token bucket
// (golang.org/x/time/rate, a domain-stack addition beyond the teacher) so
// no single client's reply can burst the kernel socket buffer, and
// checking the client's interruption flag between every fragment.
type sender struct {
	conn    *net.UDPConn
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

func newSender(conn *net.UDPConn, fragmentRatePPS int, m *metrics.Metrics) *sender {
	return &sender{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(fragmentRatePPS), fragmentRatePPS),
		metrics: m,
	}
}

// SendChunk splits mp3 into wire fragments and writes them in order to the
// client's current address, aborting (without sending the remainder) the
// moment the client is interrupted.
func (s *sender) SendChunk(ctx context.Context, client *registry.LogicalClient, chunkIndex uint32, mp3 []byte) error {
	if len(mp3) == 0 {
		return nil
	}

	sessionID, err := sessionIDBytes(client.SessionID)
	if err != nil {
		return err
	}

	fragments, err := fragment.Split(sessionID, chunkIndex, mp3)
	if err != nil {
		return err
	}

	for i, pkt := range fragments {
		if client.Interrupted.Load() {
			logrus.WithFields(logrus.Fields{
				"ip":    client.IP(),
				"chunk": chunkIndex,
				"sent":  i,
				"total": len(fragments),
			}).Debug("chunk send interrupted")
			if s.metrics != nil {
				s.metrics.InterruptedChunks.Inc()
			}
			return ErrInterrupted
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		addr := client.CurrentAddr()
		if addr == nil {
			return nil
		}
		if _, err := s.conn.WriteToUDP(pkt, addr); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.FragmentsSent.Inc()
		}

		if i < len(fragments)-1 {
			select {
			case <-time.After(interFragmentGap):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// sessionIDBytes parses a session's UUID string into its raw 16 bytes for
// the fragment header.
func sessionIDBytes(sessionID string) ([16]byte, error) {
	var out [16]byte
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return out, err
	}
	copy(out[:], id[:])
	return out, nil
}
