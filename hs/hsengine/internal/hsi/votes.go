package hsi

import "github.com/PythonRysh/espresso/ecrypto"

type AddVoteRequest struct {
	View uint64

	// Key is block hash.
	VoteUpdates map[string]VoteUpdate

	Response chan AddVoteResult
}

type AddTimeoutRequest struct {
	View uint64

	// Key is the high QC view the timing-out validators reported.
	TimeoutUpdates map[uint64]VoteUpdate

	Response chan AddVoteResult
}

// VoteUpdate is part of [AddVoteRequest] and [AddTimeoutRequest],
// indicating the new proof content and the previous version.
// The kernel uses the previous version to decide if the update
// can be applied or if the update is stale.
type VoteUpdate struct {
	Proof       ecrypto.CommonMessageSignatureProof
	PrevVersion uint32
}

// AddVoteResult is the result when applying an
// [AddVoteRequest] or [AddTimeoutRequest].
type AddVoteResult uint8

const (
	_ AddVoteResult = iota // Invalid.

	AddVoteAccepted  // Proofs successfully applied.
	AddVoteConflict  // Version conflict when applying proofs; do a retry.
	AddVoteOutOfDate // View too old; message should be ignored.
)
