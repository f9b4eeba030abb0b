package hsconsensus

import (
	"context"
	"fmt"
)

// ConsensusHandler is the interface for accepting messages
// arriving from the network.
// The network layer calls these methods as messages arrive;
// the returned results feed peer scoring and gossip decisions.
//
// All methods must tolerate duplicate and out-of-order delivery.
type ConsensusHandler interface {
	HandleProposedBlock(ctx context.Context, pb ProposedBlock) HandleProposedBlockResult

	HandleVoteProofs(ctx context.Context, p VoteSparseProof) HandleVoteProofsResult

	HandleTimeoutProofs(ctx context.Context, p TimeoutSparseProof) HandleVoteProofsResult
}

// HandleProposedBlockResult is a set of constants
// indicating the engine's evaluation of a proposed block.
type HandleProposedBlockResult uint8

const (
	// The block was unknown, and everything checked out.
	HandleProposedBlockAccepted HandleProposedBlockResult = iota + 1

	// We already stored an identical proposed block.
	HandleProposedBlockAlreadyStored

	// The proposer's public key was not part of the validator set
	// for the block's view.
	HandleProposedBlockSignerUnrecognized

	// The block's reported hash does not match its content.
	HandleProposedBlockBadBlockHash

	// The proposer's signature did not verify.
	HandleProposedBlockBadSignature

	// The block's validator hashes do not name the set in effect
	// for its height.
	HandleProposedBlockBadValidatorHashes

	// The justifying certificate does not certify the block's parent.
	HandleProposedBlockBadJustifyTarget

	// The justifying certificate names a different validator set
	// than the one that voted on the parent.
	HandleProposedBlockBadJustifyPubKeyHash

	// A validator signed more than one message
	// inside the justifying certificate.
	HandleProposedBlockBadJustifyDoubleSigned

	// A signature inside the justifying certificate did not verify.
	HandleProposedBlockBadJustifySignature

	// The justifying certificate's vote power
	// does not reach the quorum threshold.
	HandleProposedBlockBadJustifyVoteCount

	// The proposed block's view is in the past,
	// so the block is no longer useful.
	HandleProposedBlockViewTooOld

	// The proposed block's view is too far in the future
	// to buffer locally.
	HandleProposedBlockViewTooFarInFuture

	// The proposed block omitted the proposer's public key.
	HandleProposedBlockMissingProposerPubKey

	// Some unspecified internal error occurred while handling the block.
	HandleProposedBlockInternalError
)

func (r HandleProposedBlockResult) String() string {
	switch r {
	case HandleProposedBlockAccepted:
		return "Accepted"
	case HandleProposedBlockAlreadyStored:
		return "AlreadyStored"
	case HandleProposedBlockSignerUnrecognized:
		return "SignerUnrecognized"
	case HandleProposedBlockBadBlockHash:
		return "BadBlockHash"
	case HandleProposedBlockBadSignature:
		return "BadSignature"
	case HandleProposedBlockBadValidatorHashes:
		return "BadValidatorHashes"
	case HandleProposedBlockBadJustifyTarget:
		return "BadJustifyTarget"
	case HandleProposedBlockBadJustifyPubKeyHash:
		return "BadJustifyPubKeyHash"
	case HandleProposedBlockBadJustifyDoubleSigned:
		return "BadJustifyDoubleSigned"
	case HandleProposedBlockBadJustifySignature:
		return "BadJustifySignature"
	case HandleProposedBlockBadJustifyVoteCount:
		return "BadJustifyVoteCount"
	case HandleProposedBlockViewTooOld:
		return "ViewTooOld"
	case HandleProposedBlockViewTooFarInFuture:
		return "ViewTooFarInFuture"
	case HandleProposedBlockMissingProposerPubKey:
		return "MissingProposerPubKey"
	case HandleProposedBlockInternalError:
		return "InternalError"
	default:
		return fmt.Sprintf("UNKNOWN:%d", uint8(r))
	}
}

// HandleVoteProofsResult is a set of constants indicating the engine's
// evaluation of incoming vote or timeout proofs.
type HandleVoteProofsResult uint8

const (
	// The proofs contained at least one new, valid signature.
	HandleVoteProofsAccepted HandleVoteProofsResult = iota + 1

	// The message contained no signatures at all.
	// Technically malformed, probably malicious.
	HandleVoteProofsEmpty

	// The vote's view is in the past, so the vote is no longer useful.
	HandleVoteProofsViewTooOld

	// The vote's view is too far in the future to buffer locally.
	HandleVoteProofsViewTooFarInFuture

	// The proof's public key hash does not match
	// the validator set in effect.
	HandleVoteProofsBadPubKeyHash

	// At least one offered signature failed verification.
	HandleVoteProofsBadSignature

	// Every offered signature was already known.
	HandleVoteProofsNoNewSignatures

	// The vote targets a future view,
	// and its public key hash names a validator set
	// not yet known locally, so the signatures could not be verified.
	HandleVoteProofsFutureUnverified

	// Some unspecified internal error occurred while handling the proofs.
	HandleVoteProofsInternalError
)

func (r HandleVoteProofsResult) String() string {
	switch r {
	case HandleVoteProofsAccepted:
		return "Accepted"
	case HandleVoteProofsEmpty:
		return "Empty"
	case HandleVoteProofsViewTooOld:
		return "ViewTooOld"
	case HandleVoteProofsViewTooFarInFuture:
		return "ViewTooFarInFuture"
	case HandleVoteProofsBadPubKeyHash:
		return "BadPubKeyHash"
	case HandleVoteProofsBadSignature:
		return "BadSignature"
	case HandleVoteProofsNoNewSignatures:
		return "NoNewSignatures"
	case HandleVoteProofsFutureUnverified:
		return "FutureUnverified"
	case HandleVoteProofsInternalError:
		return "InternalError"
	default:
		return fmt.Sprintf("UNKNOWN:%d", uint8(r))
	}
}
