// Package session keeps bounded, in-memory conversation context per session id.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned by Get for ids never seen or already pruned.
var ErrSessionNotFound = errors.New("session not found")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a snapshot of one conversation.
type Session struct {
	ID           string    `json:"id"`
	Turns        []Turn    `json:"turns"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

type state struct {
	mu           sync.Mutex
	turns        []Turn
	createdAt    time.Time
	lastActiveAt time.Time
}

// Manager stores sessions. The map has its own lock; each session has another.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*state
	maxTurns int
	now      func() time.Time
}

// NewManager creates a manager keeping at most maxTurns turns per session.
func NewManager(maxTurns int) *Manager {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &Manager{
		sessions: make(map[string]*state),
		maxTurns: maxTurns,
		now:      time.Now,
	}
}

// MaxTurns returns the per-session turn bound
func (m *Manager) MaxTurns() int {
	return m.maxTurns
}

// CreateSession registers a new empty session and returns its id.
func (m *Manager) CreateSession() string {
	id := uuid.New().String()
	m.getOrCreate(id)
	return id
}

func (m *Manager) lookup(id string) (*state, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// getOrCreate lazily registers unknown ids.
func (m *Manager) getOrCreate(id string) *state {
	if s, ok := m.lookup(id); ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	now := m.now()
	s := &state{createdAt: now, lastActiveAt: now}
	m.sessions[id] = s
	return s
}

// GetContext returns up to MaxTurns turns in chronological order. The slice
// is a copy. Unknown or empty ids have no context.
func (m *Manager) GetContext(id string) []Turn {
	if id == "" {
		return nil
	}
	s, ok := m.lookup(id)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// AppendTurn appends one turn, evicting the oldest when the bound is exceeded.
func (m *Manager) AppendTurn(id, role, content string) {
	m.AppendTurns(id, Turn{Role: role, Content: content})
}

// AppendTurns appends turns as one unit so concurrent requests on the same
// session never interleave a user turn with another request's answer.
func (m *Manager) AppendTurns(id string, turns ...Turn) {
	if id == "" || len(turns) == 0 {
		return
	}
	s := m.getOrCreate(id)
	now := m.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		s.turns = append(s.turns, t)
	}
	if over := len(s.turns) - m.maxTurns; over > 0 {
		kept := make([]Turn, m.maxTurns)
		copy(kept, s.turns[over:])
		s.turns = kept
	}
	s.lastActiveAt = now
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (*Session, error) {
	s, ok := m.lookup(id)
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	return &Session{
		ID:           id,
		Turns:        turns,
		CreatedAt:    s.createdAt,
		LastActiveAt: s.lastActiveAt,
	}, nil
}

// Delete drops a session. Deleting an unknown id is a no-op.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Prune removes sessions idle for longer than idle and returns how many were removed.
func (m *Manager) Prune(idle time.Duration) int {
	cutoff := m.now().Add(-idle)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		s.mu.Lock()
		stale := s.lastActiveAt.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// StartJanitor prunes idle sessions every interval until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 || idle <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Prune(idle)
			}
		}
	}()
}
