// Package dialogue holds the per-client conversation history: an ordered,
// bounded ring of (role, text) turns owned by exactly one LogicalClient and
// discarded whole on reset or reap.
package dialogue

import (
	"sync"
	"time"
)

// DefaultHistoryLimit is the turn capacity past which the oldest turn is
// evicted, matching the gateway's dialogue_history_limit configuration.
const DefaultHistoryLimit = 50

// Role identifies which party spoke a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one exchange in the dialogue.
type Turn struct {
	Role      Role
	Text      string
	Timestamp time.Time
}

// Session is a bounded, ordered history of turns for a single client. It is
// safe for concurrent use: the owning LogicalClient's receive path and its
// pipeline worker may both append turns.
type Session struct {
	mu    sync.Mutex
	limit int
	turns []Turn
}

// NewSession returns an empty Session capped at limit turns. A limit <= 0
// falls back to DefaultHistoryLimit.
func NewSession(limit int) *Session {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Session{limit: limit}
}

// Append adds a turn, evicting the oldest turn if the session is at
// capacity.
func (s *Session) Append(role Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = append(s.turns, Turn{Role: role, Text: text, Timestamp: time.Now()})
	if len(s.turns) > s.limit {
		s.turns = s.turns[len(s.turns)-s.limit:]
	}
}

// History returns a copy of the current turns, oldest first.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len reports the number of turns currently held.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Clear empties the history in place, used by CONTROL_RESET: the dialogue
// is dropped but the Session value itself (and its capacity) survives.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}
