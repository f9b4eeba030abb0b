package hsi

import (
	"fmt"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// ViewLookupRequest asks the kernel how a view relates to the
// current one, and for a snapshot of the current view's proofs
// when the view is current.
type ViewLookupRequest struct {
	View uint64

	// Brief human-readable indication of why the lookup happened,
	// for the kernel's logs.
	Reason string

	Resp chan ViewLookupResponse
}

type ViewLookupResponse struct {
	Status ViewStatus

	// Set when Status is [ViewCurrent].
	VoteState *ViewVoteSnapshot

	// The validator set in effect, set for both [ViewCurrent]
	// and [ViewFuture] so callers can verify future-view signatures
	// before asking the kernel to buffer them.
	ValSet hsconsensus.ValidatorSet
}

// ViewVoteSnapshot is a copy of the current view's accumulated proofs.
// The proofs are clones; the caller may merge new signatures into them
// and offer the result back through an [AddVoteRequest] or
// [AddTimeoutRequest], where the versions decide
// whether the kernel's state moved on in the meantime.
type ViewVoteSnapshot struct {
	View uint64

	ValSet hsconsensus.ValidatorSet

	// Keyed by block hash.
	VoteProofs   map[string]ecrypto.CommonMessageSignatureProof
	VoteVersions map[string]uint32

	// Keyed by reported high QC view.
	TimeoutProofs   map[uint64]ecrypto.CommonMessageSignatureProof
	TimeoutVersions map[uint64]uint32
}

// ViewStatus locates a view relative to the kernel's current view.
type ViewStatus uint8

const (
	_ ViewStatus = iota // Invalid.

	// The view is the kernel's current view.
	ViewCurrent

	// The view is in the past and its messages are no longer useful.
	ViewPast

	// The view is ahead of the current one, within the buffering horizon.
	ViewFuture

	// The view is too far ahead to be worth buffering.
	ViewFarFuture
)

func (s ViewStatus) String() string {
	switch s {
	case ViewCurrent:
		return "Current"
	case ViewPast:
		return "Past"
	case ViewFuture:
		return "Future"
	case ViewFarFuture:
		return "FarFuture"
	default:
		return fmt.Sprintf("UNKNOWN:%d", uint8(s))
	}
}
