package zarchive

import (
	"context"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"github.com/PythonRysh/espresso/capeapp"
)

// Archiver consumes the node's applied block feed
// and writes each block to the archive database,
// retrying with backoff when the database is unreachable.
type Archiver struct {
	log *slog.Logger
	db  *DB

	blocks <-chan capeapp.AppliedBlock

	done chan struct{}
}

// NewArchiver starts archiving blocks until ctx is canceled.
func NewArchiver(
	ctx context.Context,
	log *slog.Logger,
	db *DB,
	blocks <-chan capeapp.AppliedBlock,
) *Archiver {
	a := &Archiver{
		log: log,
		db:  db,

		blocks: blocks,

		done: make(chan struct{}),
	}
	go a.run(ctx)
	return a
}

// Wait blocks until the archiver has stopped.
func (a *Archiver) Wait() {
	<-a.done
}

func (a *Archiver) run(ctx context.Context) {
	defer close(a.done)

	for {
		select {
		case <-ctx.Done():
			return
		case b := <-a.blocks:
			if !a.saveWithRetry(ctx, b) {
				return
			}
		}
	}
}

// saveWithRetry returns false only when ctx ended before the write
// could succeed.
func (a *Archiver) saveWithRetry(ctx context.Context, b capeapp.AppliedBlock) bool {
	bo := &backoff.Backoff{
		Min: 250 * time.Millisecond,
		Max: 30 * time.Second,
	}

	for {
		err := a.db.SaveBlock(ctx, b)
		if err == nil {
			a.log.Debug("Archived block", "height", b.Height, "txs", len(b.Transactions))
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		d := bo.Duration()
		a.log.Warn("Archive write failed; retrying", "height", b.Height, "wait", d, "err", err)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
		}
	}
}
