package hsi

import (
	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// safetyRules holds the two values a validator must never regress:
// the highest view it voted in, and its lock on the freshest
// observed two-chain.
//
// Both are persisted through [hsstore.SafetyStore] before any
// signature depending on them leaves the process.
type safetyRules struct {
	highestVotedView uint64

	lockedView uint64

	// Hash of the locked block.
	// Empty before the first lock, and after a restart:
	// only the view survives on disk,
	// in which case the branch extension rule cannot be evaluated
	// and voting relies on the certificate view rule alone.
	lockedHash string
}

// CanVoteFor reports whether voting for b is safe.
//
// A vote is safe when the view was never voted in before, and either
// the justifying certificate is fresher than the lock,
// or the block extends the locked branch.
func (s safetyRules) CanVoteFor(t *blockTree, b hsconsensus.Block) bool {
	if b.View <= s.highestVotedView {
		return false
	}
	if b.Justify == nil {
		return false
	}

	if s.lockedView == 0 && s.lockedHash == "" {
		return true
	}

	if b.Justify.View > s.lockedView {
		return true
	}

	if s.lockedHash == "" {
		return false
	}
	return t.ExtendsBranch(string(b.ParentHash), s.lockedHash)
}
