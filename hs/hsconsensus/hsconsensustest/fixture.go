package hsconsensustest

import (
	"context"
	"fmt"
	"slices"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/ecrypto/ebls"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// Fixture is a set of values used for testing the consensus engine
// and its numerous subsystems: deterministic validators with their signers,
// and production hash and signing schemes wired together consistently.
//
// Fixture methods panic on error rather than returning one,
// since any failure indicates a misuse of the fixture itself.
type Fixture struct {
	PrivVals PrivVals

	SignatureScheme hsconsensus.SignatureScheme

	HashScheme hsconsensus.HashScheme

	CommonMessageSignatureProofScheme ecrypto.CommonMessageSignatureProofScheme

	Registry ecrypto.Registry

	// Used in every generated block and signing content.
	ChainID string
}

// NewEd25519Fixture returns an initialized Fixture
// with the given number of deterministic ed25519 validators.
func NewEd25519Fixture(numVals int) *Fixture {
	privVals := DeterministicValidatorsEd25519(numVals)

	var reg ecrypto.Registry
	ecrypto.RegisterEd25519(&reg)

	return &Fixture{
		PrivVals: privVals,

		SignatureScheme: hsconsensus.StandardSignatureScheme{},

		HashScheme: hsconsensus.Blake2bHashScheme{},

		CommonMessageSignatureProofScheme: ecrypto.SimpleCommonMessageSignatureProofScheme{},

		Registry: reg,

		ChainID: "espresso-fixture",
	}
}

// NewBLSFixture is [NewEd25519Fixture] with BLS validators
// and the aggregating signature proof scheme,
// for tests that need to exercise finalized-certificate aggregation.
func NewBLSFixture(numVals int) *Fixture {
	privVals := DeterministicValidatorsBLS(numVals)

	var reg ecrypto.Registry
	ebls.Register(&reg)

	return &Fixture{
		PrivVals: privVals,

		SignatureScheme: hsconsensus.StandardSignatureScheme{},

		HashScheme: hsconsensus.Blake2bHashScheme{},

		CommonMessageSignatureProofScheme: ebls.SignatureProofScheme{},

		Registry: reg,

		ChainID: "espresso-fixture",
	}
}

// ValSet returns the set built from the fixture's validators,
// in their fixture order.
func (f *Fixture) ValSet() hsconsensus.ValidatorSet {
	vs, err := hsconsensus.NewValidatorSet(f.PrivVals.Vals(), f.HashScheme)
	if err != nil {
		panic(fmt.Errorf("failed to build validator set: %w", err))
	}
	return vs
}

// Genesis returns the genesis document all fixture-generated chains share:
// live consensus beginning at height 1 and view 1.
func (f *Fixture) Genesis() hsconsensus.Genesis {
	return hsconsensus.Genesis{
		ChainID: f.ChainID,

		InitialHeight: 1,
		InitialView:   1,

		ValidatorSet: f.ValSet(),

		CurrentStateRoot: []byte("uninitialized"),
	}
}

// GenesisBlock returns the hashed genesis block for [Fixture.Genesis].
func (f *Fixture) GenesisBlock() hsconsensus.Block {
	b, err := f.Genesis().Block(f.HashScheme)
	if err != nil {
		panic(fmt.Errorf("failed to build genesis block: %w", err))
	}
	return b
}

// GenesisQC returns the zero-signature certificate
// the first live proposal uses to justify extending the genesis block.
func (f *Fixture) GenesisQC(genesisBlock hsconsensus.Block) *hsconsensus.SparseQuorumCertificate {
	return &hsconsensus.SparseQuorumCertificate{
		View:       genesisBlock.View,
		BlockHash:  slices.Clone(genesisBlock.Hash),
		PubKeyHash: string(f.ValSet().PubKeyHash),
	}
}

// NextBlock returns the hashed block proposed at the given view, extending parent.
//
// The justifying certificate carries every validator's finalized vote
// for the parent, or the zero-signature genesis certificate
// when the parent is the genesis block (recognized by its nil proposer).
// The proposer is the fixture leader for the view.
func (f *Fixture) NextBlock(
	ctx context.Context,
	parent hsconsensus.Block,
	view uint64,
	dataID, stateRoot []byte,
) hsconsensus.Block {
	var justify *hsconsensus.SparseQuorumCertificate
	if parent.Proposer == nil {
		justify = f.GenesisQC(parent)
	} else {
		justify = f.SparseQC(ctx, parent.View, parent.Hash, f.AllValidatorIndices()...)
	}

	vs := f.ValSet()
	b := hsconsensus.Block{
		ChainID: f.ChainID,

		View:   view,
		Height: parent.Height + 1,

		ParentHash: slices.Clone(parent.Hash),

		Proposer: vs.Leader(view).PubKey,

		Justify: justify,

		DataID:    dataID,
		StateRoot: stateRoot,

		ValidatorPubKeyHash:    vs.PubKeyHash,
		ValidatorVotePowerHash: vs.VotePowerHash,
	}

	var err error
	b.Hash, err = f.HashScheme.Block(b)
	if err != nil {
		panic(fmt.Errorf("failed to hash block: %w", err))
	}

	return b
}

// SignedProposal wraps b in a ProposedBlock
// signed by the validator at valIdx.
//
// The signer is not required to match the block's proposer,
// so tests can produce deliberately mismatched signatures.
func (f *Fixture) SignedProposal(ctx context.Context, b hsconsensus.Block, valIdx int) hsconsensus.ProposedBlock {
	content, err := hsconsensus.ProposalSignBytes(b, f.SignatureScheme)
	if err != nil {
		panic(fmt.Errorf("failed to build proposal sign bytes: %w", err))
	}

	sig, err := f.PrivVals[valIdx].Signer.Sign(ctx, content)
	if err != nil {
		panic(fmt.Errorf("failed to sign proposal: %w", err))
	}

	return hsconsensus.ProposedBlock{Block: b, Signature: sig}
}

// AllValidatorIndices returns 0..len(PrivVals)-1,
// for passing to the vote and certificate helpers.
func (f *Fixture) AllValidatorIndices() []int {
	out := make([]int, len(f.PrivVals))
	for i := range out {
		out[i] = i
	}
	return out
}

// SparseVoteProofMap returns sparse vote signatures
// suitable for the Proofs field of [hsconsensus.VoteSparseProof].
// voteMap maps block hashes to the indices of the validators voting for them,
// so tests can stage votes split across conflicting blocks.
func (f *Fixture) SparseVoteProofMap(
	ctx context.Context,
	view uint64,
	voteMap map[string][]int,
) map[string][]ecrypto.SparseSignature {
	out := make(map[string][]ecrypto.SparseSignature, len(voteMap))
	for blockHash, valIdxs := range voteMap {
		proof := f.voteProof(ctx, view, []byte(blockHash), valIdxs)
		out[blockHash] = proof.AsSparse().Signatures
	}
	return out
}

// VoteSparseProof returns a sparse vote proof for the given target,
// carrying unfinalized signatures from the validators at valIdxs.
func (f *Fixture) VoteSparseProof(
	ctx context.Context,
	view uint64,
	blockHash []byte,
	valIdxs ...int,
) hsconsensus.VoteSparseProof {
	proof := f.voteProof(ctx, view, blockHash, valIdxs)
	sparse := proof.AsSparse()

	return hsconsensus.VoteSparseProof{
		View: view,

		PubKeyHash: sparse.PubKeyHash,

		Proofs: map[string][]ecrypto.SparseSignature{
			string(blockHash): sparse.Signatures,
		},
	}
}

// SparseQC returns a quorum certificate for the given target,
// with finalized signatures from the validators at valIdxs.
// Passing [Fixture.AllValidatorIndices] produces a certificate
// any verifier accepts.
func (f *Fixture) SparseQC(
	ctx context.Context,
	view uint64,
	blockHash []byte,
	valIdxs ...int,
) *hsconsensus.SparseQuorumCertificate {
	proof := f.voteProof(ctx, view, blockHash, valIdxs)
	fin := f.CommonMessageSignatureProofScheme.Finalize(proof, nil)

	return &hsconsensus.SparseQuorumCertificate{
		View:       view,
		BlockHash:  slices.Clone(blockHash),
		PubKeyHash: fin.PubKeyHash,
		Signatures: fin.MainSignatures,
	}
}

func (f *Fixture) voteProof(
	ctx context.Context,
	view uint64,
	blockHash []byte,
	valIdxs []int,
) ecrypto.CommonMessageSignatureProof {
	msg, err := hsconsensus.VoteSignBytes(hsconsensus.VoteTarget{
		ChainID:   f.ChainID,
		View:      view,
		BlockHash: string(blockHash),
	}, f.SignatureScheme)
	if err != nil {
		panic(fmt.Errorf("failed to build vote sign bytes: %w", err))
	}

	vs := f.ValSet()
	proof, err := f.CommonMessageSignatureProofScheme.New(msg, vs.PubKeys, string(vs.PubKeyHash))
	if err != nil {
		panic(fmt.Errorf("failed to build vote signature proof: %w", err))
	}

	for _, i := range valIdxs {
		sig, err := f.PrivVals[i].Signer.Sign(ctx, msg)
		if err != nil {
			panic(fmt.Errorf("failed to sign vote: %w", err))
		}
		if err := proof.AddSignature(sig, f.PrivVals[i].Signer.PubKey()); err != nil {
			panic(fmt.Errorf("failed to add vote signature: %w", err))
		}
	}

	return proof
}

// TimeoutSparseProof returns a sparse timeout proof for the given view.
// highQCViews maps validator index to that validator's attested high-QC view.
func (f *Fixture) TimeoutSparseProof(
	ctx context.Context,
	view uint64,
	highQCViews map[int]uint64,
) hsconsensus.TimeoutSparseProof {
	proofs, _ := f.timeoutProofs(ctx, view, highQCViews)

	full := hsconsensus.TimeoutProof{View: view, Proofs: proofs}
	sparse, err := full.AsSparse()
	if err != nil {
		panic(fmt.Errorf("failed to convert timeout proof to sparse: %w", err))
	}
	return sparse
}

// SparseTC returns a timeout certificate for the given view,
// with finalized signatures grouped by attested high-QC view.
// highQCViews maps validator index to that validator's attested high-QC view.
func (f *Fixture) SparseTC(
	ctx context.Context,
	view uint64,
	highQCViews map[int]uint64,
) *hsconsensus.SparseTimeoutCertificate {
	if len(highQCViews) == 0 {
		panic(fmt.Errorf("SparseTC requires at least one signer"))
	}

	proofs, viewsByContent := f.timeoutProofs(ctx, view, highQCViews)

	var mainView uint64
	for hv := range proofs {
		if hv > mainView {
			mainView = hv
		}
	}

	rest := make([]ecrypto.CommonMessageSignatureProof, 0, len(proofs)-1)
	for hv, p := range proofs {
		if hv == mainView {
			continue
		}
		rest = append(rest, p)
	}

	fin := f.CommonMessageSignatureProofScheme.Finalize(proofs[mainView], rest)

	out := &hsconsensus.SparseTimeoutCertificate{
		View:       view,
		PubKeyHash: fin.PubKeyHash,
		Signatures: make(map[uint64][]ecrypto.SparseSignature, len(proofs)),
	}
	out.Signatures[mainView] = fin.MainSignatures
	for content, sigs := range fin.Rest {
		out.Signatures[viewsByContent[content]] = sigs
	}

	return out
}

func (f *Fixture) timeoutProofs(
	ctx context.Context,
	view uint64,
	highQCViews map[int]uint64,
) (map[uint64]ecrypto.CommonMessageSignatureProof, map[string]uint64) {
	vs := f.ValSet()

	proofs := make(map[uint64]ecrypto.CommonMessageSignatureProof, len(highQCViews))
	viewsByContent := make(map[string]uint64, len(highQCViews))

	// Group signer indices by attested view,
	// sorted for deterministic signature order.
	groups := make(map[uint64][]int)
	for idx, hv := range highQCViews {
		groups[hv] = append(groups[hv], idx)
	}

	for hv, idxs := range groups {
		slices.Sort(idxs)

		msg, err := hsconsensus.TimeoutSignBytes(hsconsensus.TimeoutRecord{
			ChainID:    f.ChainID,
			View:       view,
			HighQCView: hv,
		}, f.SignatureScheme)
		if err != nil {
			panic(fmt.Errorf("failed to build timeout sign bytes: %w", err))
		}

		proof, err := f.CommonMessageSignatureProofScheme.New(msg, vs.PubKeys, string(vs.PubKeyHash))
		if err != nil {
			panic(fmt.Errorf("failed to build timeout signature proof: %w", err))
		}

		for _, i := range idxs {
			sig, err := f.PrivVals[i].Signer.Sign(ctx, msg)
			if err != nil {
				panic(fmt.Errorf("failed to sign timeout: %w", err))
			}
			if err := proof.AddSignature(sig, f.PrivVals[i].Signer.PubKey()); err != nil {
				panic(fmt.Errorf("failed to add timeout signature: %w", err))
			}
		}

		proofs[hv] = proof
		viewsByContent[string(msg)] = hv
	}

	return proofs, viewsByContent
}
