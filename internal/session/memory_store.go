package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory session store for demo/development mode.
type MemoryStore struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return ErrSessionExists
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateIf(ctx context.Context, s *Session, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.sessions[s.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if stored.Status != expected {
		return ErrStaleStatus
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByParticipant(ctx context.Context, addr string, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.PayerAddr == addr || s.CounterpartyAddr == addr {
			cp := *s
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListStuck(ctx context.Context, now time.Time, timeouts Timeouts, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if !isStuck(s, now, timeouts) {
			continue
		}
		cp := *s
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExhausted(ctx context.Context, maxAttempts int, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.IsTerminal() || s.RecoveryAttempts < maxAttempts {
			continue
		}
		cp := *s
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// isStuck mirrors the monitor's per-status timers plus full consumption of
// the planned duration, which makes a healthy session eligible for
// auto-completion.
func isStuck(s *Session, now time.Time, timeouts Timeouts) bool {
	switch s.Status {
	case StatusCreated:
		return now.Sub(s.CreatedAt) > timeouts.StartTimeout
	case StatusActive:
		last := s.CreatedAt
		if s.LastHeartbeatAt != nil {
			last = *s.LastHeartbeatAt
		}
		if now.Sub(last) > timeouts.HeartbeatTimeout {
			return true
		}
		if bps, err := CompletionBps(s, now); err == nil && bps >= 10000 {
			return true
		}
	case StatusPaused:
		return accumulatedPause(s, now) > timeouts.MaxPauseDuration
	case StatusDisputed:
		return s.DisputeOpenedAt != nil && now.Sub(*s.DisputeOpenedAt) > timeouts.DisputeTimeout
	}
	return false
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
