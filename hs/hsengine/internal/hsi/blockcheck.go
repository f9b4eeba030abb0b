package hsi

import (
	"fmt"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// BlockCheckRequest asks the kernel to run the checks on a proposed block
// that require kernel state but no cryptography:
// view bounds, duplicate detection, validator hash comparison,
// and leader identification.
//
// The signature and certificate verification stays on the calling
// goroutine, using the key material in the response,
// so that expensive work never serializes behind the kernel.
type BlockCheckRequest struct {
	PB hsconsensus.ProposedBlock

	Resp chan BlockCheckResponse
}

type BlockCheckResponse struct {
	Status BlockCheckStatus

	// The key the block's proposer signature must verify against.
	// Set when Status is [BlockCheckAcceptable].
	ProposerPubKey ecrypto.PubKey

	// Whether the block's parent is already in the local block tree.
	// When false, the justifying certificate cannot be verified yet;
	// the kernel holds the block and fetches the parent.
	ParentKnown bool

	// The validator set that voted on the parent,
	// for verifying the justifying certificate.
	// Set when ParentKnown is true and GenesisJustify is false.
	ParentValSet hsconsensus.ValidatorSet

	// True when the block extends the genesis block,
	// whose justifying certificate is valid with zero signatures.
	GenesisJustify bool

	// The genesis block's view, set when GenesisJustify is true.
	GenesisView uint64
}

// BlockCheckStatus is the verdict of the kernel's
// lightweight proposed block checks.
type BlockCheckStatus uint8

const (
	_ BlockCheckStatus = iota // Invalid.

	// Nothing wrong so far; the caller must verify
	// hash, signature, and certificate before adding the block.
	BlockCheckAcceptable

	// An identical block is already tracked.
	BlockCheckAlreadyHaveBlock

	// The proposer is not the leader of the block's view,
	// or the block names another chain entirely.
	BlockCheckSignerUnrecognized

	// The block's validator hashes do not name the set in effect.
	BlockCheckBadValidatorHashes

	// The block's view is in the past.
	BlockCheckViewTooOld

	// The block's view is beyond the buffering horizon.
	BlockCheckViewTooFarInFuture
)

func (s BlockCheckStatus) String() string {
	switch s {
	case BlockCheckAcceptable:
		return "Acceptable"
	case BlockCheckAlreadyHaveBlock:
		return "AlreadyHaveBlock"
	case BlockCheckSignerUnrecognized:
		return "SignerUnrecognized"
	case BlockCheckBadValidatorHashes:
		return "BadValidatorHashes"
	case BlockCheckViewTooOld:
		return "ViewTooOld"
	case BlockCheckViewTooFarInFuture:
		return "ViewTooFarInFuture"
	default:
		return fmt.Sprintf("UNKNOWN:%d", uint8(s))
	}
}

// AddBlockRequest carries a fully verified proposed block
// from the handler goroutine into the kernel.
//
// There is no response channel;
// the caller already returned its verdict to the network,
// and the kernel absorbs the block asynchronously.
type AddBlockRequest struct {
	PB hsconsensus.ProposedBlock

	// False when the block's parent was unknown at check time,
	// leaving the justifying certificate unverified.
	// The kernel re-verifies such certificates itself
	// once the parent is available.
	JustifyVerified bool
}
