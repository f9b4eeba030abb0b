package ecrypto

import (
	"github.com/bits-and-blooms/bitset"
)

// CommonMessageSignatureProof tracks which of a fixed, ordered set of
// candidate public keys have produced a valid signature
// over one particular message.
//
// Certificates in consensus are built from these proofs:
// every voting validator signs the same canonical bytes,
// and the proof accumulates those signatures as they arrive from the network.
type CommonMessageSignatureProof interface {
	// Message is the exact byte content that every signature
	// in this proof attests to.
	Message() []byte

	// PubKeyHash identifies the candidate key set,
	// so two proofs can cheaply agree they describe the same validators.
	// The hash algorithm belongs to the consensus layer, not this package.
	PubKeyHash() []byte

	// AddSignature verifies sig against key and records it.
	// It is intended for the local signer's own signature;
	// signatures arriving from peers go through MergeSparse.
	//
	// Returns [ErrUnknownKey] if key is not a candidate,
	// or [ErrInvalidSignature] if verification fails.
	AddSignature(sig []byte, key PubKey) error

	// Matches reports whether other refers to the same message
	// and the same candidate keys.
	// Signature content in either proof is not considered.
	Matches(other CommonMessageSignatureProof) bool

	// Merge incorporates the signatures in other, leaving other unmodified.
	// Other is untrusted; every signature it carries is re-verified.
	//
	// Merge panics if other is a different concrete type.
	Merge(other CommonMessageSignatureProof) SignatureProofMergeResult

	// MergeSparse incorporates a sparse proof received from a peer.
	MergeSparse(SparseSignatureProof) SignatureProofMergeResult

	// HasSparseKeyID reports whether the proof already holds a signature
	// for the given sparse key ID.
	// valid is false if the key ID does not map into the candidate set.
	HasSparseKeyID(keyID []byte) (has, valid bool)

	// Clone returns an independent copy,
	// letting a reader hold a snapshot while the owning goroutine
	// continues to mutate the original.
	Clone() CommonMessageSignatureProof

	// Derive returns a copy with the same message and candidate keys
	// but no signatures.
	Derive() CommonMessageSignatureProof

	// SignatureBitSet writes the candidate-key membership of the
	// collected signatures into dst.
	// The caller supplies dst to control allocation.
	SignatureBitSet(dst *bitset.BitSet)

	// AsSparse returns the compact network form of the proof.
	AsSparse() SparseSignatureProof
}

// SignatureProofMergeResult describes the effect of a Merge or MergeSparse.
type SignatureProofMergeResult struct {
	// AllValidSignatures is true when every signature offered by the
	// incoming proof verified correctly.
	AllValidSignatures bool

	// IncreasedSignatures is true when at least one signature was added
	// that the receiving proof did not already hold.
	IncreasedSignatures bool

	// WasStrictSuperset is true when the incoming signatures
	// strictly contained the receiving proof's set.
	// Gossip uses this to decide whether rebroadcasting is worthwhile.
	WasStrictSuperset bool
}

// Combine folds o into r, for accumulating the outcome
// of merges across several proofs.
func (r SignatureProofMergeResult) Combine(o SignatureProofMergeResult) SignatureProofMergeResult {
	return SignatureProofMergeResult{
		AllValidSignatures:  r.AllValidSignatures && o.AllValidSignatures,
		IncreasedSignatures: r.IncreasedSignatures || o.IncreasedSignatures,
		WasStrictSuperset:   r.WasStrictSuperset && o.WasStrictSuperset,
	}
}

// SparseSignatureProof is the minimal network representation of a proof.
// The receiver is expected to already know the candidate keys
// matching PubKeyHash and can rebuild a full proof via MergeSparse.
type SparseSignatureProof struct {
	// PubKeyHash of the full proof this was extracted from.
	PubKeyHash string

	// The collected signatures, with implementation-specific key IDs.
	Signatures []SparseSignature
}

// SparseSignature pairs one signature with the key ID identifying
// which candidate key, or aggregate of keys, produced it.
type SparseSignature struct {
	// Opaque, implementation-specific key identifier.
	KeyID []byte

	// The signature bytes.
	Sig []byte
}

// CommonMessageSignatureProofScheme constructs and finalizes proofs
// of one concrete type, and hosts the operations that are independent
// of any single proof instance.
type CommonMessageSignatureProofScheme interface {
	// New returns an empty proof for msg against the ordered candidate keys.
	New(msg []byte, candidateKeys []PubKey, pubKeyHash string) (CommonMessageSignatureProof, error)

	// KeyIDChecker returns a checker scoped to the given key set.
	KeyIDChecker(keys []PubKey) KeyIDChecker

	// CanMergeFinalizedProofs reports whether signatures recovered from a
	// finalized proof may be merged back into live proofs.
	// Aggregating schemes return false: individual signatures are
	// no longer recoverable once combined.
	CanMergeFinalizedProofs() bool

	// Finalize combines the primary proof (the certificate's target)
	// with any proofs for other messages at the same decision point.
	// All proofs must be this scheme's type over the same candidate keys;
	// implementations panic otherwise.
	Finalize(primary CommonMessageSignatureProof, rest []CommonMessageSignatureProof) FinalizedCommonMessageSignatureProof

	// ValidateFinalizedProof re-verifies every signature in a finalized
	// proof received from an untrusted source.
	//
	// The proof stores signing content, while callers think in terms of
	// block hashes; hashesBySignContent translates between the two.
	// The returned map is keyed by block hash with the signing validators
	// as bit sets.
	//
	// On any verification failure the map is nil.
	// allSignaturesUnique is false only when the signatures themselves
	// validate but some validator signed more than one message,
	// so callers can tell double-signing apart from a garbage proof.
	ValidateFinalizedProof(proof FinalizedCommonMessageSignatureProof, hashesBySignContent map[string]string) (
		signBitsByHash map[string]*bitset.BitSet, allSignaturesUnique bool,
	)
}

// KeyIDChecker reports whether a sparse signature's key ID is
// plausibly valid for a known key set.
// It inspects only the ID structure; a well-formed ID may still
// accompany an invalid signature.
type KeyIDChecker interface {
	IsValid(keyID []byte) bool
}

// FinalizedCommonMessageSignatureProof is the immutable form of a proof
// set, produced once a decision is certified and never modified after.
//
// For aggregating schemes the main signatures may be a single combined
// value; the key ID format is allowed to differ from unfinalized proofs.
type FinalizedCommonMessageSignatureProof struct {
	Keys       []PubKey
	PubKeyHash string

	// The signing content the certifying majority agreed on.
	// This is sign bytes, not a bare block hash.
	MainMessage []byte

	// Signatures covering MainMessage.
	MainSignatures []SparseSignature

	// Signatures from validators who signed something other than
	// MainMessage at the same decision point, keyed by their sign bytes.
	// Nil when the decision was unanimous.
	Rest map[string][]SparseSignature
}
