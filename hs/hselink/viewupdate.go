package hselink

import (
	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// ViewUpdate is the engine's outgoing snapshot of its current view,
// consumed by the gossip strategy
// (see [github.com/PythonRysh/espresso/hs/hsgossip.Strategy]).
//
// The kernel emits a new update whenever any constituent changes;
// Version increases with every emission so strategies can
// distinguish fresh content from replays after a slow receive.
type ViewUpdate struct {
	// The view this update describes.
	View uint64

	// Monotonic update counter, reset only on process restart.
	Version uint64

	// The proposal for this view, nil until one is accepted.
	ProposedBlock *hsconsensus.ProposedBlock

	// Votes accumulated for this view so far.
	// May be empty, never carries invalid signatures.
	VoteProofs hsconsensus.VoteSparseProof

	// Timeout declarations accumulated for this view so far.
	TimeoutProofs hsconsensus.TimeoutSparseProof

	// The freshest quorum certificate known to the engine.
	// Lagging peers use it to catch up to the current view.
	HighQC *hsconsensus.SparseQuorumCertificate

	// The timeout certificate that justified entering this view,
	// nil when the previous view produced a QC.
	EntryTC *hsconsensus.SparseTimeoutCertificate
}
