package hsjson

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// The domain types hold hashes in plain Go strings,
// which JSON would mangle as invalid UTF-8.
// Every hash therefore crosses through these types as a byte slice,
// so encoding/json applies its base64 treatment.
// Map-typed proofs become sorted entry lists for the same reason.

type jsonSparseSignature struct {
	KeyID []byte
	Sig   []byte
}

func toJSONSignatures(sigs []ecrypto.SparseSignature) []jsonSparseSignature {
	out := make([]jsonSparseSignature, len(sigs))
	for i, s := range sigs {
		out[i] = jsonSparseSignature{KeyID: s.KeyID, Sig: s.Sig}
	}
	return out
}

func fromJSONSignatures(sigs []jsonSparseSignature) []ecrypto.SparseSignature {
	out := make([]ecrypto.SparseSignature, len(sigs))
	for i, s := range sigs {
		out[i] = ecrypto.SparseSignature{KeyID: s.KeyID, Sig: s.Sig}
	}
	return out
}

type jsonQuorumCertificate struct {
	View       uint64
	BlockHash  []byte
	PubKeyHash []byte
	Signatures []jsonSparseSignature
}

func toJSONQuorumCertificate(qc hsconsensus.SparseQuorumCertificate) jsonQuorumCertificate {
	return jsonQuorumCertificate{
		View:       qc.View,
		BlockHash:  qc.BlockHash,
		PubKeyHash: []byte(qc.PubKeyHash),
		Signatures: toJSONSignatures(qc.Signatures),
	}
}

func (jqc jsonQuorumCertificate) toQuorumCertificate() hsconsensus.SparseQuorumCertificate {
	return hsconsensus.SparseQuorumCertificate{
		View:       jqc.View,
		BlockHash:  jqc.BlockHash,
		PubKeyHash: string(jqc.PubKeyHash),
		Signatures: fromJSONSignatures(jqc.Signatures),
	}
}

type jsonTimeoutEntry struct {
	HighQCView uint64
	Signatures []jsonSparseSignature
}

func toJSONTimeoutEntries(m map[uint64][]ecrypto.SparseSignature) []jsonTimeoutEntry {
	out := make([]jsonTimeoutEntry, 0, len(m))
	for hv, sigs := range m {
		out = append(out, jsonTimeoutEntry{
			HighQCView: hv,
			Signatures: toJSONSignatures(sigs),
		})
	}
	slices.SortFunc(out, func(a, b jsonTimeoutEntry) int {
		return cmp.Compare(a.HighQCView, b.HighQCView)
	})
	return out
}

func fromJSONTimeoutEntries(entries []jsonTimeoutEntry) (map[uint64][]ecrypto.SparseSignature, error) {
	out := make(map[uint64][]ecrypto.SparseSignature, len(entries))
	for _, e := range entries {
		if _, ok := out[e.HighQCView]; ok {
			return nil, fmt.Errorf("duplicate timeout entry for high QC view %d", e.HighQCView)
		}
		out[e.HighQCView] = fromJSONSignatures(e.Signatures)
	}
	return out, nil
}

type jsonTimeoutCertificate struct {
	View       uint64
	PubKeyHash []byte
	Signatures []jsonTimeoutEntry
}

func toJSONTimeoutCertificate(tc hsconsensus.SparseTimeoutCertificate) jsonTimeoutCertificate {
	return jsonTimeoutCertificate{
		View:       tc.View,
		PubKeyHash: []byte(tc.PubKeyHash),
		Signatures: toJSONTimeoutEntries(tc.Signatures),
	}
}

func (jtc jsonTimeoutCertificate) toTimeoutCertificate() (hsconsensus.SparseTimeoutCertificate, error) {
	sigs, err := fromJSONTimeoutEntries(jtc.Signatures)
	if err != nil {
		return hsconsensus.SparseTimeoutCertificate{}, err
	}
	return hsconsensus.SparseTimeoutCertificate{
		View:       jtc.View,
		PubKeyHash: string(jtc.PubKeyHash),
		Signatures: sigs,
	}, nil
}

type jsonVoteEntry struct {
	BlockHash  []byte
	Signatures []jsonSparseSignature
}

type jsonVoteProof struct {
	View       uint64
	PubKeyHash []byte
	Proofs     []jsonVoteEntry
}

func toJSONVoteProof(p hsconsensus.VoteSparseProof) jsonVoteProof {
	entries := make([]jsonVoteEntry, 0, len(p.Proofs))
	for h, sigs := range p.Proofs {
		entries = append(entries, jsonVoteEntry{
			BlockHash:  []byte(h),
			Signatures: toJSONSignatures(sigs),
		})
	}
	slices.SortFunc(entries, func(a, b jsonVoteEntry) int {
		return bytes.Compare(a.BlockHash, b.BlockHash)
	})

	return jsonVoteProof{
		View:       p.View,
		PubKeyHash: []byte(p.PubKeyHash),
		Proofs:     entries,
	}
}

func (jp jsonVoteProof) toVoteProof() (hsconsensus.VoteSparseProof, error) {
	proofs := make(map[string][]ecrypto.SparseSignature, len(jp.Proofs))
	for _, e := range jp.Proofs {
		h := string(e.BlockHash)
		if _, ok := proofs[h]; ok {
			return hsconsensus.VoteSparseProof{}, fmt.Errorf("duplicate vote entry for block hash %x", e.BlockHash)
		}
		proofs[h] = fromJSONSignatures(e.Signatures)
	}

	return hsconsensus.VoteSparseProof{
		View:       jp.View,
		PubKeyHash: string(jp.PubKeyHash),
		Proofs:     proofs,
	}, nil
}

type jsonTimeoutProof struct {
	View       uint64
	PubKeyHash []byte
	Proofs     []jsonTimeoutEntry
}

func toJSONTimeoutProof(p hsconsensus.TimeoutSparseProof) jsonTimeoutProof {
	return jsonTimeoutProof{
		View:       p.View,
		PubKeyHash: []byte(p.PubKeyHash),
		Proofs:     toJSONTimeoutEntries(p.Proofs),
	}
}

func (jp jsonTimeoutProof) toTimeoutProof() (hsconsensus.TimeoutSparseProof, error) {
	proofs, err := fromJSONTimeoutEntries(jp.Proofs)
	if err != nil {
		return hsconsensus.TimeoutSparseProof{}, err
	}
	return hsconsensus.TimeoutSparseProof{
		View:       jp.View,
		PubKeyHash: string(jp.PubKeyHash),
		Proofs:     proofs,
	}, nil
}

type jsonBlock struct {
	Hash    []byte
	ChainID string
	View    uint64
	Height  uint64

	ParentHash []byte `json:",omitempty"`

	// Registry-marshaled proposer key; absent on the genesis block.
	Proposer []byte `json:",omitempty"`

	Justify *jsonQuorumCertificate `json:",omitempty"`

	DataID    []byte `json:",omitempty"`
	StateRoot []byte `json:",omitempty"`

	ValidatorPubKeyHash    []byte
	ValidatorVotePowerHash []byte
}

func toJSONBlock(reg *ecrypto.Registry, b hsconsensus.Block) jsonBlock {
	jb := jsonBlock{
		Hash:    b.Hash,
		ChainID: b.ChainID,
		View:    b.View,
		Height:  b.Height,

		ParentHash: b.ParentHash,

		DataID:    b.DataID,
		StateRoot: b.StateRoot,

		ValidatorPubKeyHash:    b.ValidatorPubKeyHash,
		ValidatorVotePowerHash: b.ValidatorVotePowerHash,
	}
	if b.Proposer != nil {
		jb.Proposer = reg.Marshal(b.Proposer)
	}
	if b.Justify != nil {
		jqc := toJSONQuorumCertificate(*b.Justify)
		jb.Justify = &jqc
	}
	return jb
}

func (jb jsonBlock) toBlock(reg *ecrypto.Registry) (hsconsensus.Block, error) {
	b := hsconsensus.Block{
		Hash:    jb.Hash,
		ChainID: jb.ChainID,
		View:    jb.View,
		Height:  jb.Height,

		ParentHash: jb.ParentHash,

		DataID:    jb.DataID,
		StateRoot: jb.StateRoot,

		ValidatorPubKeyHash:    jb.ValidatorPubKeyHash,
		ValidatorVotePowerHash: jb.ValidatorVotePowerHash,
	}
	if len(jb.Proposer) > 0 {
		k, err := reg.Unmarshal(jb.Proposer)
		if err != nil {
			return hsconsensus.Block{}, fmt.Errorf("failed to unmarshal proposer key: %w", err)
		}
		b.Proposer = k
	}
	if jb.Justify != nil {
		qc := jb.Justify.toQuorumCertificate()
		b.Justify = &qc
	}
	return b, nil
}

type jsonProposedBlock struct {
	Block     jsonBlock
	Signature []byte
}

func toJSONProposedBlock(reg *ecrypto.Registry, pb hsconsensus.ProposedBlock) jsonProposedBlock {
	return jsonProposedBlock{
		Block:     toJSONBlock(reg, pb.Block),
		Signature: pb.Signature,
	}
}

func (jpb jsonProposedBlock) toProposedBlock(reg *ecrypto.Registry) (hsconsensus.ProposedBlock, error) {
	b, err := jpb.Block.toBlock(reg)
	if err != nil {
		return hsconsensus.ProposedBlock{}, err
	}
	return hsconsensus.ProposedBlock{Block: b, Signature: jpb.Signature}, nil
}
