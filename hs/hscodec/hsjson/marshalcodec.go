package hsjson

import (
	"encoding/json"
	"fmt"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/hs/hscodec"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// MarshalCodec is a JSON implementation of [hscodec.MarshalCodec].
type MarshalCodec struct {
	// CryptoRegistry translates public keys
	// between interface values and their byte representation.
	CryptoRegistry *ecrypto.Registry
}

var _ hscodec.MarshalCodec = MarshalCodec{}

func (c MarshalCodec) MarshalProposedBlock(pb hsconsensus.ProposedBlock) ([]byte, error) {
	return json.Marshal(toJSONProposedBlock(c.CryptoRegistry, pb))
}

func (c MarshalCodec) UnmarshalProposedBlock(b []byte) (hsconsensus.ProposedBlock, error) {
	var jpb jsonProposedBlock
	if err := json.Unmarshal(b, &jpb); err != nil {
		return hsconsensus.ProposedBlock{}, err
	}
	return jpb.toProposedBlock(c.CryptoRegistry)
}

func (c MarshalCodec) MarshalVoteProof(p hsconsensus.VoteSparseProof) ([]byte, error) {
	return json.Marshal(toJSONVoteProof(p))
}

func (c MarshalCodec) UnmarshalVoteProof(b []byte) (hsconsensus.VoteSparseProof, error) {
	var jp jsonVoteProof
	if err := json.Unmarshal(b, &jp); err != nil {
		return hsconsensus.VoteSparseProof{}, err
	}
	return jp.toVoteProof()
}

func (c MarshalCodec) MarshalTimeoutProof(p hsconsensus.TimeoutSparseProof) ([]byte, error) {
	return json.Marshal(toJSONTimeoutProof(p))
}

func (c MarshalCodec) UnmarshalTimeoutProof(b []byte) (hsconsensus.TimeoutSparseProof, error) {
	var jp jsonTimeoutProof
	if err := json.Unmarshal(b, &jp); err != nil {
		return hsconsensus.TimeoutSparseProof{}, err
	}
	return jp.toTimeoutProof()
}

func (c MarshalCodec) MarshalQuorumCertificate(qc hsconsensus.SparseQuorumCertificate) ([]byte, error) {
	return json.Marshal(toJSONQuorumCertificate(qc))
}

func (c MarshalCodec) UnmarshalQuorumCertificate(b []byte) (hsconsensus.SparseQuorumCertificate, error) {
	var jqc jsonQuorumCertificate
	if err := json.Unmarshal(b, &jqc); err != nil {
		return hsconsensus.SparseQuorumCertificate{}, err
	}
	return jqc.toQuorumCertificate(), nil
}

func (c MarshalCodec) MarshalTimeoutCertificate(tc hsconsensus.SparseTimeoutCertificate) ([]byte, error) {
	return json.Marshal(toJSONTimeoutCertificate(tc))
}

func (c MarshalCodec) UnmarshalTimeoutCertificate(b []byte) (hsconsensus.SparseTimeoutCertificate, error) {
	var jtc jsonTimeoutCertificate
	if err := json.Unmarshal(b, &jtc); err != nil {
		return hsconsensus.SparseTimeoutCertificate{}, err
	}
	return jtc.toTimeoutCertificate()
}

type jsonConsensusMessage struct {
	ProposedBlock *jsonProposedBlock `json:",omitempty"`

	VoteProof    *jsonVoteProof    `json:",omitempty"`
	TimeoutProof *jsonTimeoutProof `json:",omitempty"`
}

func (c MarshalCodec) MarshalConsensusMessage(m hscodec.ConsensusMessage) ([]byte, error) {
	var jm jsonConsensusMessage
	nSet := 0

	if m.ProposedBlock != nil {
		jpb := toJSONProposedBlock(c.CryptoRegistry, *m.ProposedBlock)
		jm.ProposedBlock = &jpb
		nSet++
	}
	if m.VoteProof != nil {
		jp := toJSONVoteProof(*m.VoteProof)
		jm.VoteProof = &jp
		nSet++
	}
	if m.TimeoutProof != nil {
		jp := toJSONTimeoutProof(*m.TimeoutProof)
		jm.TimeoutProof = &jp
		nSet++
	}

	if nSet != 1 {
		return nil, fmt.Errorf("consensus message must have exactly 1 field set, got %d", nSet)
	}

	return json.Marshal(jm)
}

func (c MarshalCodec) UnmarshalConsensusMessage(b []byte) (hscodec.ConsensusMessage, error) {
	var jm jsonConsensusMessage
	if err := json.Unmarshal(b, &jm); err != nil {
		return hscodec.ConsensusMessage{}, err
	}

	var m hscodec.ConsensusMessage
	nSet := 0

	if jm.ProposedBlock != nil {
		pb, err := jm.ProposedBlock.toProposedBlock(c.CryptoRegistry)
		if err != nil {
			return hscodec.ConsensusMessage{}, err
		}
		m.ProposedBlock = &pb
		nSet++
	}
	if jm.VoteProof != nil {
		p, err := jm.VoteProof.toVoteProof()
		if err != nil {
			return hscodec.ConsensusMessage{}, err
		}
		m.VoteProof = &p
		nSet++
	}
	if jm.TimeoutProof != nil {
		p, err := jm.TimeoutProof.toTimeoutProof()
		if err != nil {
			return hscodec.ConsensusMessage{}, err
		}
		m.TimeoutProof = &p
		nSet++
	}

	if nSet != 1 {
		return hscodec.ConsensusMessage{}, fmt.Errorf("consensus message must have exactly 1 field set, got %d", nSet)
	}

	return m, nil
}
