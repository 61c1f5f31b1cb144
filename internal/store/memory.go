package store

import (
	"context"
	"sync"

	"marketpulse/internal/domain"
)

// MemorySessionStore is a test double for SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[domain.SessionId]domain.UserId
}

// NewMemorySessionStore builds an empty MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[domain.SessionId]domain.UserId)}
}

// Put registers a valid session for user, for use by tests.
func (s *MemorySessionStore) Put(sessionID domain.SessionId, user domain.UserId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = user
}

// Validate implements SessionStore.
func (s *MemorySessionStore) Validate(_ context.Context, sessionID domain.SessionId) (domain.UserId, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.sessions[sessionID]
	return user, ok, nil
}

// MemoryPositionStore is a test double for PositionStore.
type MemoryPositionStore struct {
	mu        sync.RWMutex
	positions map[domain.UserId][]domain.Position
}

// NewMemoryPositionStore builds an empty MemoryPositionStore.
func NewMemoryPositionStore() *MemoryPositionStore {
	return &MemoryPositionStore{positions: make(map[domain.UserId][]domain.Position)}
}

// SetPositions replaces the full position set for user, for use by tests.
func (s *MemoryPositionStore) SetPositions(user domain.UserId, positions []domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[user] = positions
}

// OpenPositionsOf implements PositionStore.
func (s *MemoryPositionStore) OpenPositionsOf(_ context.Context, user domain.UserId) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []domain.Position
	for _, p := range s.positions[user] {
		if p.Status == domain.StatusOpen {
			open = append(open, p)
		}
	}
	return open, nil
}

// OpenSymbolsOf implements PositionStore.
func (s *MemoryPositionStore) OpenSymbolsOf(ctx context.Context, user domain.UserId) ([]domain.Symbol, error) {
	positions, err := s.OpenPositionsOf(ctx, user)
	if err != nil {
		return nil, err
	}

	seen := make(map[domain.Symbol]struct{}, len(positions))
	var symbols []domain.Symbol
	for _, p := range positions {
		if _, ok := seen[p.Symbol]; ok {
			continue
		}
		seen[p.Symbol] = struct{}{}
		symbols = append(symbols, p.Symbol)
	}
	return symbols, nil
}
