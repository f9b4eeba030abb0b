package hsmemstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsstore"
)

// BlockStore is an in-memory implementation of [hsstore.BlockStore].
type BlockStore struct {
	mu sync.Mutex

	byHash map[string]hsconsensus.ProposedBlock

	// View index; values are keys into byHash.
	byView map[uint64][]string
}

func NewBlockStore() *BlockStore {
	return &BlockStore{
		byHash: make(map[string]hsconsensus.ProposedBlock),
		byView: make(map[uint64][]string),
	}
}

func (s *BlockStore) SaveProposedBlock(_ context.Context, pb hsconsensus.ProposedBlock) error {
	hash := string(pb.Block.Hash)
	if hash == "" {
		return fmt.Errorf("refusing to save proposed block with empty hash")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHash[hash]; ok {
		return nil
	}

	s.byHash[hash] = pb.Clone()
	s.byView[pb.Block.View] = append(s.byView[pb.Block.View], hash)
	return nil
}

func (s *BlockStore) LoadProposedBlock(_ context.Context, blockHash string) (hsconsensus.ProposedBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pb, ok := s.byHash[blockHash]
	if !ok {
		return hsconsensus.ProposedBlock{}, fmt.Errorf("%w: %x", hsstore.ErrBlockNotFound, blockHash)
	}
	return pb.Clone(), nil
}

func (s *BlockStore) LoadProposedBlocksForView(_ context.Context, view uint64) ([]hsconsensus.ProposedBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hashes := s.byView[view]
	out := make([]hsconsensus.ProposedBlock, len(hashes))
	for i, h := range hashes {
		out[i] = s.byHash[h].Clone()
	}
	return out, nil
}
