package hsstore

import (
	"context"
	"errors"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// ErrBlockNotFound is returned by [BlockStore.LoadProposedBlock]
// when no proposed block has been saved under the requested hash.
var ErrBlockNotFound = errors.New("proposed block not found")

// BlockStore stores and retrieves the proposed blocks
// that have passed handler validation.
//
// Blocks are keyed by their hash;
// the per-view listing exists so the engine can rebuild
// the pending block tree after a restart.
// Saving the same block twice is a no-op.
type BlockStore interface {
	SaveProposedBlock(ctx context.Context, pb hsconsensus.ProposedBlock) error

	LoadProposedBlock(ctx context.Context, blockHash string) (hsconsensus.ProposedBlock, error)

	// LoadProposedBlocksForView returns every saved block proposed in the given view,
	// which may legitimately be more than one under a faulty proposer.
	// An unknown view returns an empty slice, not an error.
	LoadProposedBlocksForView(ctx context.Context, view uint64) ([]hsconsensus.ProposedBlock, error)
}
