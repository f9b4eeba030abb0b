package hsmemstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsstore"
)

// FinalizationStore is an in-memory implementation of [hsstore.FinalizationStore].
type FinalizationStore struct {
	mu sync.Mutex

	byHeight map[uint64]finalization
}

type finalization struct {
	View      uint64
	BlockHash string
	ValSet    hsconsensus.ValidatorSet
	StateRoot string
}

func NewFinalizationStore() *FinalizationStore {
	return &FinalizationStore{
		byHeight: make(map[uint64]finalization),
	}
}

func (s *FinalizationStore) SaveFinalization(
	_ context.Context,
	height, view uint64,
	blockHash string,
	valSet hsconsensus.ValidatorSet,
	stateRoot string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fin := finalization{
		View:      view,
		BlockHash: blockHash,
		ValSet:    valSet,
		StateRoot: stateRoot,
	}

	if have, ok := s.byHeight[height]; ok {
		if have.View == fin.View &&
			have.BlockHash == fin.BlockHash &&
			have.StateRoot == fin.StateRoot &&
			have.ValSet.Equal(fin.ValSet) {
			return nil
		}
		return hsstore.FinalizationOverwriteError{Height: height}
	}

	s.byHeight[height] = fin
	return nil
}

func (s *FinalizationStore) LoadFinalizationByHeight(_ context.Context, height uint64) (
	view uint64,
	blockHash string,
	valSet hsconsensus.ValidatorSet,
	stateRoot string,
	err error,
) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fin, ok := s.byHeight[height]
	if !ok {
		return 0, "", hsconsensus.ValidatorSet{}, "",
			fmt.Errorf("%w: %d", hsstore.ErrFinalizationNotFound, height)
	}

	return fin.View, fin.BlockHash, fin.ValSet, fin.StateRoot, nil
}
