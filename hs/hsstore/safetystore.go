package hsstore

import "context"

// SafetyStore persists the values backing the engine's voting rules.
//
// The engine writes this state before releasing any vote or timeout signature,
// so a validator that crashes and restarts cannot be tricked
// into signing twice for one view or abandoning its lock.
// Implementations must not acknowledge a save
// until the state is durable.
//
// The store does not interpret the values;
// enforcing that they only move forward is the engine's job.
type SafetyStore interface {
	SaveSafetyState(ctx context.Context, highestVotedView, lockedView uint64) error

	// LoadSafetyState returns zero values, not an error,
	// when nothing has been saved yet.
	// View numbering starts at 1, so zero is below any real view.
	LoadSafetyState(ctx context.Context) (highestVotedView, lockedView uint64, err error)
}
