package hsmemstore

import (
	"context"
	"sync"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// PacemakerStore is an in-memory implementation of [hsstore.PacemakerStore].
type PacemakerStore struct {
	mu sync.Mutex

	currentView uint64
	entryTC     *hsconsensus.SparseTimeoutCertificate
}

func NewPacemakerStore() *PacemakerStore {
	return new(PacemakerStore)
}

func (s *PacemakerStore) SavePacemakerState(_ context.Context, currentView uint64, entryTC *hsconsensus.SparseTimeoutCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentView = currentView
	s.entryTC = entryTC.Clone()
	return nil
}

func (s *PacemakerStore) LoadPacemakerState(_ context.Context) (currentView uint64, entryTC *hsconsensus.SparseTimeoutCertificate, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.currentView, s.entryTC.Clone(), nil
}
