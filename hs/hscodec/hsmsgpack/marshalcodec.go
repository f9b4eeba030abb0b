package hsmsgpack

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/hs/hscodec"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// MarshalCodec is a MessagePack implementation of [hscodec.MarshalCodec].
type MarshalCodec struct {
	// CryptoRegistry translates public keys
	// between interface values and their byte representation.
	CryptoRegistry *ecrypto.Registry
}

var _ hscodec.MarshalCodec = MarshalCodec{}

// Sparse proofs and certificates are concrete throughout,
// so they encode without intermediate records.
// Blocks hold the proposer key as an interface value,
// which crosses the codec as registry-marshaled bytes.

type blockRecord struct {
	Hash    []byte
	ChainID string
	View    uint64
	Height  uint64

	ParentHash []byte `msgpack:",omitempty"`

	Proposer []byte `msgpack:",omitempty"`

	Justify *hsconsensus.SparseQuorumCertificate `msgpack:",omitempty"`

	DataID    []byte `msgpack:",omitempty"`
	StateRoot []byte `msgpack:",omitempty"`

	ValidatorPubKeyHash    []byte
	ValidatorVotePowerHash []byte
}

type proposedBlockRecord struct {
	Block     blockRecord
	Signature []byte
}

func (c MarshalCodec) toBlockRecord(b hsconsensus.Block) blockRecord {
	rec := blockRecord{
		Hash:    b.Hash,
		ChainID: b.ChainID,
		View:    b.View,
		Height:  b.Height,

		ParentHash: b.ParentHash,

		Justify: b.Justify,

		DataID:    b.DataID,
		StateRoot: b.StateRoot,

		ValidatorPubKeyHash:    b.ValidatorPubKeyHash,
		ValidatorVotePowerHash: b.ValidatorVotePowerHash,
	}
	if b.Proposer != nil {
		rec.Proposer = c.CryptoRegistry.Marshal(b.Proposer)
	}
	return rec
}

func (c MarshalCodec) fromBlockRecord(rec blockRecord) (hsconsensus.Block, error) {
	b := hsconsensus.Block{
		Hash:    rec.Hash,
		ChainID: rec.ChainID,
		View:    rec.View,
		Height:  rec.Height,

		ParentHash: rec.ParentHash,

		Justify: rec.Justify,

		DataID:    rec.DataID,
		StateRoot: rec.StateRoot,

		ValidatorPubKeyHash:    rec.ValidatorPubKeyHash,
		ValidatorVotePowerHash: rec.ValidatorVotePowerHash,
	}
	if len(rec.Proposer) > 0 {
		k, err := c.CryptoRegistry.Unmarshal(rec.Proposer)
		if err != nil {
			return hsconsensus.Block{}, fmt.Errorf("failed to unmarshal proposer key: %w", err)
		}
		b.Proposer = k
	}
	return b, nil
}

func (c MarshalCodec) MarshalProposedBlock(pb hsconsensus.ProposedBlock) ([]byte, error) {
	return msgpack.Marshal(proposedBlockRecord{
		Block:     c.toBlockRecord(pb.Block),
		Signature: pb.Signature,
	})
}

func (c MarshalCodec) UnmarshalProposedBlock(b []byte) (hsconsensus.ProposedBlock, error) {
	var rec proposedBlockRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return hsconsensus.ProposedBlock{}, err
	}

	blk, err := c.fromBlockRecord(rec.Block)
	if err != nil {
		return hsconsensus.ProposedBlock{}, err
	}
	return hsconsensus.ProposedBlock{Block: blk, Signature: rec.Signature}, nil
}

func (c MarshalCodec) MarshalVoteProof(p hsconsensus.VoteSparseProof) ([]byte, error) {
	return msgpack.Marshal(p)
}

func (c MarshalCodec) UnmarshalVoteProof(b []byte) (hsconsensus.VoteSparseProof, error) {
	var p hsconsensus.VoteSparseProof
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return hsconsensus.VoteSparseProof{}, err
	}
	return p, nil
}

func (c MarshalCodec) MarshalTimeoutProof(p hsconsensus.TimeoutSparseProof) ([]byte, error) {
	return msgpack.Marshal(p)
}

func (c MarshalCodec) UnmarshalTimeoutProof(b []byte) (hsconsensus.TimeoutSparseProof, error) {
	var p hsconsensus.TimeoutSparseProof
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return hsconsensus.TimeoutSparseProof{}, err
	}
	return p, nil
}

func (c MarshalCodec) MarshalQuorumCertificate(qc hsconsensus.SparseQuorumCertificate) ([]byte, error) {
	return msgpack.Marshal(qc)
}

func (c MarshalCodec) UnmarshalQuorumCertificate(b []byte) (hsconsensus.SparseQuorumCertificate, error) {
	var qc hsconsensus.SparseQuorumCertificate
	if err := msgpack.Unmarshal(b, &qc); err != nil {
		return hsconsensus.SparseQuorumCertificate{}, err
	}
	return qc, nil
}

func (c MarshalCodec) MarshalTimeoutCertificate(tc hsconsensus.SparseTimeoutCertificate) ([]byte, error) {
	return msgpack.Marshal(tc)
}

func (c MarshalCodec) UnmarshalTimeoutCertificate(b []byte) (hsconsensus.SparseTimeoutCertificate, error) {
	var tc hsconsensus.SparseTimeoutCertificate
	if err := msgpack.Unmarshal(b, &tc); err != nil {
		return hsconsensus.SparseTimeoutCertificate{}, err
	}
	return tc, nil
}

type consensusMessageRecord struct {
	ProposedBlock *proposedBlockRecord `msgpack:",omitempty"`

	VoteProof    *hsconsensus.VoteSparseProof    `msgpack:",omitempty"`
	TimeoutProof *hsconsensus.TimeoutSparseProof `msgpack:",omitempty"`
}

func (c MarshalCodec) MarshalConsensusMessage(m hscodec.ConsensusMessage) ([]byte, error) {
	var rec consensusMessageRecord
	nSet := 0

	if m.ProposedBlock != nil {
		rec.ProposedBlock = &proposedBlockRecord{
			Block:     c.toBlockRecord(m.ProposedBlock.Block),
			Signature: m.ProposedBlock.Signature,
		}
		nSet++
	}
	if m.VoteProof != nil {
		rec.VoteProof = m.VoteProof
		nSet++
	}
	if m.TimeoutProof != nil {
		rec.TimeoutProof = m.TimeoutProof
		nSet++
	}

	if nSet != 1 {
		return nil, fmt.Errorf("consensus message must have exactly 1 field set, got %d", nSet)
	}

	return msgpack.Marshal(rec)
}

func (c MarshalCodec) UnmarshalConsensusMessage(b []byte) (hscodec.ConsensusMessage, error) {
	var rec consensusMessageRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return hscodec.ConsensusMessage{}, err
	}

	var m hscodec.ConsensusMessage
	nSet := 0

	if rec.ProposedBlock != nil {
		blk, err := c.fromBlockRecord(rec.ProposedBlock.Block)
		if err != nil {
			return hscodec.ConsensusMessage{}, err
		}
		m.ProposedBlock = &hsconsensus.ProposedBlock{
			Block:     blk,
			Signature: rec.ProposedBlock.Signature,
		}
		nSet++
	}
	if rec.VoteProof != nil {
		m.VoteProof = rec.VoteProof
		nSet++
	}
	if rec.TimeoutProof != nil {
		m.TimeoutProof = rec.TimeoutProof
		nSet++
	}

	if nSet != 1 {
		return hscodec.ConsensusMessage{}, fmt.Errorf("consensus message must have exactly 1 field set, got %d", nSet)
	}

	return m, nil
}
