// Package hscodec defines the interfaces for translating consensus values
// to and from raw bytes, for network transmission and storage.
package hscodec

import (
	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// Marshaler converts consensus values into byte slices.
type Marshaler interface {
	MarshalProposedBlock(pb hsconsensus.ProposedBlock) ([]byte, error)
	MarshalVoteProof(p hsconsensus.VoteSparseProof) ([]byte, error)
	MarshalTimeoutProof(p hsconsensus.TimeoutSparseProof) ([]byte, error)

	MarshalQuorumCertificate(qc hsconsensus.SparseQuorumCertificate) ([]byte, error)
	MarshalTimeoutCertificate(tc hsconsensus.SparseTimeoutCertificate) ([]byte, error)
}

// Unmarshaler parses byte slices produced by the matching [Marshaler].
type Unmarshaler interface {
	UnmarshalProposedBlock([]byte) (hsconsensus.ProposedBlock, error)
	UnmarshalVoteProof([]byte) (hsconsensus.VoteSparseProof, error)
	UnmarshalTimeoutProof([]byte) (hsconsensus.TimeoutSparseProof, error)

	UnmarshalQuorumCertificate([]byte) (hsconsensus.SparseQuorumCertificate, error)
	UnmarshalTimeoutCertificate([]byte) (hsconsensus.SparseTimeoutCertificate, error)
}

// MarshalCodec marshals and unmarshals consensus values
// and the consensus message envelope.
type MarshalCodec interface {
	Marshaler
	Unmarshaler

	MarshalConsensusMessage(m ConsensusMessage) ([]byte, error)
	UnmarshalConsensusMessage([]byte) (ConsensusMessage, error)
}
