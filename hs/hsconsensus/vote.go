package hsconsensus

import (
	"fmt"
	"slices"

	"github.com/PythonRysh/espresso/ecrypto"
)

// VoteTarget is the value a vote signature covers:
// one block hash in one view of one chain.
//
// BlockHash is raw hash bytes stored in a string,
// so the target can key maps directly.
type VoteTarget struct {
	ChainID string

	View uint64

	BlockHash string
}

// VoteProof collects the vote signatures a validator has observed
// for a single view, keyed by block hash.
// Under an honest proposer there is exactly one entry;
// conflicting proposals or equivocating voters produce more.
type VoteProof struct {
	View uint64

	Proofs map[string]ecrypto.CommonMessageSignatureProof
}

// AsSparse converts p to its network form.
// It fails if the underlying proofs disagree on the public key hash,
// which would indicate corrupted local state.
func (p VoteProof) AsSparse() (VoteSparseProof, error) {
	out := VoteSparseProof{
		View: p.View,

		Proofs: make(map[string][]ecrypto.SparseSignature, len(p.Proofs)),
	}

	// Use an arbitrary entry to set the pub key hash.
	for _, proof := range p.Proofs {
		out.PubKeyHash = string(proof.PubKeyHash())
		break
	}

	for blockHash, proof := range p.Proofs {
		if pubKeyHash := string(proof.PubKeyHash()); pubKeyHash != out.PubKeyHash {
			return out, fmt.Errorf(
				"public key hash mismatch when converting vote proof to sparse: expected %x, got %x",
				out.PubKeyHash, pubKeyHash,
			)
		}
		out.Proofs[blockHash] = proof.AsSparse().Signatures
	}

	return out, nil
}

// VoteSparseProof is the representation of vote proofs
// arriving across the network.
type VoteSparseProof struct {
	View uint64

	PubKeyHash string

	Proofs map[string][]ecrypto.SparseSignature
}

// VoteSparseProofFromFullProof converts a map of full signature proofs,
// keyed by block hash, into a single sparse proof for the view.
func VoteSparseProofFromFullProof(
	view uint64,
	fullProof map[string]ecrypto.CommonMessageSignatureProof,
) (VoteSparseProof, error) {
	p := VoteSparseProof{
		View: view,

		Proofs: make(map[string][]ecrypto.SparseSignature, len(fullProof)),
	}

	// Pick an arbitrary public key hash to put on the sparse proof.
	for _, proof := range fullProof {
		p.PubKeyHash = string(proof.PubKeyHash())
		break
	}

	for blockHash, proof := range fullProof {
		s := proof.AsSparse()
		if s.PubKeyHash != p.PubKeyHash {
			return VoteSparseProof{}, fmt.Errorf("public key hash mismatch: expected %x, got %x", p.PubKeyHash, s.PubKeyHash)
		}

		p.Proofs[blockHash] = s.Signatures
	}

	return p, nil
}

func (p VoteSparseProof) Clone() VoteSparseProof {
	m := make(map[string][]ecrypto.SparseSignature, len(p.Proofs))
	for k, v := range p.Proofs {
		m[k] = slices.Clone(v)
	}
	return VoteSparseProof{
		View: p.View,

		PubKeyHash: p.PubKeyHash,

		Proofs: m,
	}
}

// ToFull returns a newly allocated full VoteProof
// based on the sparse proof and the provided arguments.
//
// This is mostly intended for tests that intercept a sparse proof,
// but it may be useful in limited edge cases in production.
func (p VoteSparseProof) ToFull(
	chainID string,
	cmsps ecrypto.CommonMessageSignatureProofScheme,
	sigScheme SignatureScheme,
	pubKeys []ecrypto.PubKey,
	pubKeyHash string,
) (VoteProof, error) {
	out := VoteProof{
		View:   p.View,
		Proofs: make(map[string]ecrypto.CommonMessageSignatureProof, len(p.Proofs)),
	}

	for h, sigs := range p.Proofs {
		vt := VoteTarget{
			ChainID:   chainID,
			View:      p.View,
			BlockHash: h,
		}
		msg, err := VoteSignBytes(vt, sigScheme)
		if err != nil {
			return out, fmt.Errorf("failed to build vote sign bytes: %w", err)
		}

		out.Proofs[h], err = cmsps.New(msg, pubKeys, pubKeyHash)
		if err != nil {
			return out, fmt.Errorf("failed to build vote signature proof: %w", err)
		}

		sparseProof := ecrypto.SparseSignatureProof{
			PubKeyHash: p.PubKeyHash,
			Signatures: sigs,
		}
		_ = out.Proofs[h].MergeSparse(sparseProof)
	}

	return out, nil
}
