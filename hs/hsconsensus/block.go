package hsconsensus

import (
	"bytes"
	"slices"

	"github.com/PythonRysh/espresso/ecrypto"
)

// Block is the unit the validators agree on.
//
// A block carries a reference to its payload, not the payload itself;
// the execution layer resolves DataID to transactions out of band.
// Once the Hash field is populated the block must be treated as immutable.
type Block struct {
	// Hash of this block, populated through a [HashScheme].
	// Everything below is an input to that hash.
	Hash []byte

	ChainID string

	// View in which this block was proposed, and the height it occupies
	// in the committed chain. Views may outpace heights when proposals
	// fail to gather a quorum.
	View   uint64
	Height uint64

	// Hash of the parent block this one extends.
	ParentHash []byte

	// Public key of the proposing validator.
	Proposer ecrypto.PubKey

	// Certificate justifying the parent block.
	// Nil only on the genesis block itself.
	Justify *SparseQuorumCertificate

	// Identifier of the block payload; opaque to consensus.
	DataID []byte

	// Root of the newest application state the proposer had applied.
	// Execution happens at finalization, so in steady state this
	// trails Height by the commit depth; opaque to consensus.
	StateRoot []byte

	// Hashes of the validator set voting on this block.
	ValidatorPubKeyHash    []byte
	ValidatorVotePowerHash []byte
}

// Clone returns a deep copy of b,
// except the Proposer public key which is shared.
func (b Block) Clone() Block {
	return Block{
		Hash: slices.Clone(b.Hash),

		ChainID: b.ChainID,

		View:   b.View,
		Height: b.Height,

		ParentHash: slices.Clone(b.ParentHash),

		Proposer: b.Proposer,

		Justify: b.Justify.Clone(),

		DataID: slices.Clone(b.DataID),

		StateRoot: slices.Clone(b.StateRoot),

		ValidatorPubKeyHash:    slices.Clone(b.ValidatorPubKeyHash),
		ValidatorVotePowerHash: slices.Clone(b.ValidatorVotePowerHash),
	}
}

// ProposedBlock is the network message a proposer sends
// to announce a block for its view.
type ProposedBlock struct {
	Block Block

	// Proposer's signature over [ProposalSignBytes].
	Signature []byte
}

// Clone returns a deep copy of pb.
func (pb ProposedBlock) Clone() ProposedBlock {
	return ProposedBlock{
		Block:     pb.Block.Clone(),
		Signature: slices.Clone(pb.Signature),
	}
}

// BlocksEqual reports whether two blocks have identical content,
// comparing proposer keys with Equal rather than identity.
func BlocksEqual(a, b Block) bool {
	if a.ChainID != b.ChainID ||
		a.View != b.View ||
		a.Height != b.Height ||
		!bytes.Equal(a.Hash, b.Hash) ||
		!bytes.Equal(a.ParentHash, b.ParentHash) ||
		!bytes.Equal(a.DataID, b.DataID) ||
		!bytes.Equal(a.StateRoot, b.StateRoot) ||
		!bytes.Equal(a.ValidatorPubKeyHash, b.ValidatorPubKeyHash) ||
		!bytes.Equal(a.ValidatorVotePowerHash, b.ValidatorVotePowerHash) {
		return false
	}

	if (a.Proposer == nil) != (b.Proposer == nil) {
		return false
	}
	if a.Proposer != nil && !a.Proposer.Equal(b.Proposer) {
		return false
	}

	if (a.Justify == nil) != (b.Justify == nil) {
		return false
	}
	if a.Justify != nil && !a.Justify.Equal(*b.Justify) {
		return false
	}

	return true
}
