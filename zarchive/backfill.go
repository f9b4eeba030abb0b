package zarchive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/PythonRysh/espresso/hs/hsstore"
)

// Backfill copies finalized block headers missing from the archive
// out of the node's finalization store, for heights in [1, through].
//
// Only headers: the transactions of a block the archiver never saw
// are not retained by the node, so backfilled rows carry a zero
// transaction count.
//
// progress, when not nil, is called once per recovered height.
// Returns the number of headers written.
func Backfill(
	ctx context.Context,
	log *slog.Logger,
	db *DB,
	fin hsstore.FinalizationStore,
	through uint64,
	progress func(height uint64),
) (int, error) {
	missing, err := db.MissingHeights(ctx, through)
	if err != nil {
		return 0, err
	}
	if len(missing) == 0 {
		return 0, nil
	}

	log.Info("Backfilling archive", "heights", len(missing), "through", through)

	saved := 0
	for _, height := range missing {
		view, blockHash, _, stateRoot, err := fin.LoadFinalizationByHeight(ctx, height)
		if err != nil {
			if errors.Is(err, hsstore.ErrFinalizationNotFound) {
				// The store can have gaps below its retention horizon.
				log.Debug("No finalization retained for height", "height", height)
				continue
			}
			return saved, fmt.Errorf("loading finalization for height %d: %w", height, err)
		}

		if err := db.SaveHeader(ctx, BlockHeader{
			Height: height,
			View:   view,

			BlockHash: []byte(blockHash),
			StateRoot: []byte(stateRoot),
		}); err != nil {
			return saved, err
		}
		saved++

		if progress != nil {
			progress(height)
		}
	}

	return saved, nil
}
