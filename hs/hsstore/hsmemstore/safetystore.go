package hsmemstore

import (
	"context"
	"sync"
)

// SafetyStore is an in-memory implementation of [hsstore.SafetyStore].
//
// It does not survive process restart,
// so it is only appropriate for tests and simulations.
type SafetyStore struct {
	mu sync.Mutex

	highestVotedView uint64
	lockedView       uint64
}

func NewSafetyStore() *SafetyStore {
	return new(SafetyStore)
}

func (s *SafetyStore) SaveSafetyState(_ context.Context, highestVotedView, lockedView uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.highestVotedView = highestVotedView
	s.lockedView = lockedView
	return nil
}

func (s *SafetyStore) LoadSafetyState(_ context.Context) (highestVotedView, lockedView uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.highestVotedView, s.lockedView, nil
}
