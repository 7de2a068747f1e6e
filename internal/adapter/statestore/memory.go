package statestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"parley/internal/domain"
)

// MemoryStore implements domain.StateStore entirely in memory. State is
// cloned on the way in and out so callers can never alias stored
// snapshots. Used by tests and the "memory" store driver.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]domain.Checkpoint
}

var _ domain.StateStore = (*MemoryStore)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]domain.Checkpoint)}
}

// Load implements domain.StateStore.
func (s *MemoryStore) Load(_ context.Context, threadID string) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.threads[threadID]
	if !ok || len(history) == 0 {
		return nil, domain.NewDomainError("StateStore.Load", domain.ErrThreadNotFound, threadID)
	}
	return cloneCheckpoint(history[len(history)-1]), nil
}

// LoadVersion implements domain.StateStore.
func (s *MemoryStore) LoadVersion(_ context.Context, threadID string, version uint64) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cp := range s.threads[threadID] {
		if cp.Version == version {
			return cloneCheckpoint(cp), nil
		}
	}
	return nil, domain.NewDomainError("StateStore.LoadVersion", domain.ErrThreadNotFound,
		fmt.Sprintf("%s@v%d", threadID, version))
}

// Append implements domain.StateStore.
func (s *MemoryStore) Append(_ context.Context, threadID string, state *domain.ConversationState, expectedVersion uint64) (*domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.threads[threadID]
	var current uint64
	if len(history) > 0 {
		current = history[len(history)-1].Version
	}

	if current != expectedVersion {
		return nil, domain.NewDomainError("StateStore.Append", domain.ErrVersionConflict,
			fmt.Sprintf("thread %s: expected v%d, stored v%d", threadID, expectedVersion, current))
	}

	cp := domain.Checkpoint{
		ThreadID:  threadID,
		Version:   expectedVersion + 1,
		State:     *state.Clone(),
		CreatedAt: time.Now().UTC(),
	}
	s.threads[threadID] = append(history, cp)
	return cloneCheckpoint(cp), nil
}

// History implements domain.StateStore.
func (s *MemoryStore) History(_ context.Context, threadID string) ([]domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.threads[threadID]
	out := make([]domain.Checkpoint, 0, len(history))
	for _, cp := range history {
		out = append(out, *cloneCheckpoint(cp))
	}
	return out, nil
}

// Prune implements domain.StateStore.
func (s *MemoryStore) Prune(_ context.Context, keepLatest int) (int64, error) {
	if keepLatest <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, history := range s.threads {
		if len(history) > keepLatest {
			cut := len(history) - keepLatest
			removed += int64(cut)
			s.threads[id] = append([]domain.Checkpoint(nil), history[cut:]...)
		}
	}
	return removed, nil
}

func cloneCheckpoint(cp domain.Checkpoint) *domain.Checkpoint {
	return &domain.Checkpoint{
		ThreadID:  cp.ThreadID,
		Version:   cp.Version,
		State:     *cp.State.Clone(),
		CreatedAt: cp.CreatedAt,
	}
}
