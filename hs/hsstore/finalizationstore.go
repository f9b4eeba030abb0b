package hsstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// ErrFinalizationNotFound is returned by [FinalizationStore.LoadFinalizationByHeight]
// when the requested height has not been finalized.
var ErrFinalizationNotFound = errors.New("no finalization found for height")

// FinalizationOverwriteError is returned by [FinalizationStore.SaveFinalization]
// on an attempt to save a finalization for an already finalized height
// with different content.
// Re-saving identical content is a no-op,
// so that a crash between the store write and the driver response
// can be replayed safely.
type FinalizationOverwriteError struct {
	Height uint64
}

func (e FinalizationOverwriteError) Error() string {
	return fmt.Sprintf("finalization for height %d already saved with different content", e.Height)
}

// FinalizationStore stores and retrieves the block finalizations
// that the local validator has computed.
//
// The stored validator set is the set in effect after the block executes,
// so a restarting engine resumes with the correct set
// even when the block's execution reconfigured the validators.
type FinalizationStore interface {
	SaveFinalization(
		ctx context.Context,
		height, view uint64,
		blockHash string,
		valSet hsconsensus.ValidatorSet,
		stateRoot string,
	) error

	LoadFinalizationByHeight(ctx context.Context, height uint64) (
		view uint64,
		blockHash string,
		valSet hsconsensus.ValidatorSet,
		stateRoot string,
		err error,
	)
}
