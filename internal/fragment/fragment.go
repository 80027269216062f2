// Package fragment splits outbound TTS chunks into sub-MTU fragments and
// reassembles them on ingest, modeled on the pending/completed chunk map
// idiom of a DNS-tunnel fragment reassembler but re-keyed to this gateway's
// (session_id, chunk_index) identity and supersession policy.
package fragment

import (
	"errors"
	"sync"
	"time"

	"github.com/duplexgw/gatewayd/internal/wire"
)

// ReassembleTimeout is how long an incomplete chunk is held before it is
// dropped, matching the client-side reassembler timeout in spec.
const ReassembleTimeout = 5 * time.Second

// Split divides data into ceil(len(data)/wire.FragmentPayloadBudget)
// fragments, each a complete wire datagram (header + fragment header + MP3
// slice) ready to send in order.
func Split(sessionID [16]byte, chunkIndex uint32, data []byte) ([][]byte, error) {
	budget := wire.FragmentPayloadBudget
	count := (len(data) + budget - 1) / budget
	if count == 0 {
		count = 1 // an empty chunk still produces one (empty) fragment
	}
	if count > 0xFFFF {
		return nil, errors.New("fragment: chunk needs more than 65535 fragments")
	}

	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * budget
		end := start + budget
		if end > len(data) {
			end = len(data)
		}

		hdr := wire.FragmentHeader{
			SessionID:     sessionID,
			ChunkIndex:    chunkIndex,
			FragmentIndex: uint16(i),
			FragmentCount: uint16(count),
		}
		hdrBytes, err := hdr.MarshalBinary()
		if err != nil {
			return nil, err
		}

		payload := make([]byte, 0, len(hdrBytes)+(end-start))
		payload = append(payload, hdrBytes...)
		payload = append(payload, data[start:end]...)

		packet, err := wire.Encode(wire.CompressionTTSMP3Fragment, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, packet)
	}
	return out, nil
}

// chunkKey identifies one in-flight chunk on the client side.
type chunkKey struct {
	sessionID [16]byte
	chunkIndex uint32
}

type pendingChunk struct {
	parts      [][]byte
	received   int
	count      int
	lastSeenAt time.Time
}

// Reassembler is the client-side counterpart to Split: it collects
// fragments for a session and emits the reconstructed chunk once complete.
// A newer chunk_index for the same session supersedes (and discards) any
// older in-flight chunk for that session, per the gateway's "open question"
// resolution.
type Reassembler struct {
	mu        sync.Mutex
	pending   map[chunkKey]*pendingChunk
	completed map[chunkKey]time.Time // recently completed chunks, to ignore late duplicates
	highest   map[[16]byte]uint32    // highest chunk_index seen per session
	Dropped   int                    // +1 per late fragment of a superseded or completed chunk, +1 per incomplete chunk evicted by supersession or timeout
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		pending:   make(map[chunkKey]*pendingChunk),
		completed: make(map[chunkKey]time.Time),
		highest:   make(map[[16]byte]uint32),
	}
}

// completedTTL bounds how long a completed chunk's key is remembered
// purely to reject trailing duplicate fragments.
const completedTTL = ReassembleTimeout * 6

// Ingest consumes one COMPRESSION_TTS_MP3_FRAGMENT payload (the bytes after
// the wire header) and returns the fully reassembled chunk, if this
// fragment completed it.
func (r *Reassembler) Ingest(payload []byte) ([]byte, error) {
	var hdr wire.FragmentHeader
	if err := hdr.UnmarshalBinary(payload); err != nil {
		return nil, err
	}
	body := payload[wire.FragmentHeaderBytes:]

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(time.Now())

	key := chunkKey{sessionID: hdr.SessionID, chunkIndex: hdr.ChunkIndex}
	if _, done := r.completed[key]; done {
		r.Dropped++
		return nil, nil
	}

	if highest, ok := r.highest[hdr.SessionID]; ok && hdr.ChunkIndex < highest {
		// a newer chunk has already superseded this one
		r.Dropped++
		return nil, nil
	}
	if highest, ok := r.highest[hdr.SessionID]; !ok || hdr.ChunkIndex > highest {
		r.highest[hdr.SessionID] = hdr.ChunkIndex
		r.evictOlderLocked(hdr.SessionID, hdr.ChunkIndex)
	}

	pc, ok := r.pending[key]
	if !ok {
		pc = &pendingChunk{
			parts: make([][]byte, hdr.FragmentCount),
			count: int(hdr.FragmentCount),
		}
		r.pending[key] = pc
	}
	pc.lastSeenAt = time.Now()

	if int(hdr.FragmentIndex) >= pc.count || pc.parts[hdr.FragmentIndex] != nil {
		return nil, nil // duplicate or out-of-range fragment, ignored
	}
	pc.parts[hdr.FragmentIndex] = body
	pc.received++

	if pc.received < pc.count {
		return nil, nil
	}

	delete(r.pending, key)
	r.completed[key] = time.Now()
	var full []byte
	for _, part := range pc.parts {
		full = append(full, part...)
	}
	return full, nil
}

// evictOlderLocked drops any pending chunk for sessionID whose chunk_index
// is older than newIndex; those fragments would otherwise linger forever.
func (r *Reassembler) evictOlderLocked(sessionID [16]byte, newIndex uint32) {
	for key := range r.pending {
		if key.sessionID == sessionID && key.chunkIndex < newIndex {
			delete(r.pending, key)
			r.Dropped++
		}
	}
}

// pruneLocked drops chunks that have been incomplete for longer than
// ReassembleTimeout.
func (r *Reassembler) pruneLocked(now time.Time) {
	for key, pc := range r.pending {
		if now.Sub(pc.lastSeenAt) > ReassembleTimeout {
			delete(r.pending, key)
			r.Dropped++
		}
	}
	for key, completedAt := range r.completed {
		if now.Sub(completedAt) > completedTTL {
			delete(r.completed, key)
		}
	}
}
