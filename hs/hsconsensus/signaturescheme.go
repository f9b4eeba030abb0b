package hsconsensus

import (
	"bytes"
	"fmt"
	"io"
)

// SignatureScheme defines the signing content for the three message types
// a validator signs: proposals, votes, and timeouts.
//
// Changing any of these formats breaks signature compatibility
// across the network, so implementations are expected to embed
// a version marker in the content they produce.
type SignatureScheme interface {
	// WriteProposalSigningContent writes the proposer's signing content
	// for the given block to w.
	WriteProposalSigningContent(w io.Writer, b Block) (int, error)

	// WriteVoteSigningContent writes the signing content
	// for a vote on the given target to w.
	WriteVoteSigningContent(w io.Writer, vt VoteTarget) (int, error)

	// WriteTimeoutSigningContent writes the signing content
	// for a timeout declaration to w.
	WriteTimeoutSigningContent(w io.Writer, tr TimeoutRecord) (int, error)
}

// ProposalSignBytes returns the bytes a proposer signs
// when broadcasting the given block.
func ProposalSignBytes(b Block, s SignatureScheme) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.WriteProposalSigningContent(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// VoteSignBytes returns the bytes a validator signs
// when voting for the given target.
func VoteSignBytes(vt VoteTarget, s SignatureScheme) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.WriteVoteSigningContent(&buf, vt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TimeoutSignBytes returns the bytes a validator signs
// when declaring the given view timed out.
func TimeoutSignBytes(tr TimeoutRecord, s SignatureScheme) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.WriteTimeoutSigningContent(&buf, tr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// StandardSignatureScheme is the production signing content format:
// newline-separated text with a versioned domain prefix per message type,
// and block hashes rendered as lowercase hex.
//
// Plain text keeps signing content reproducible from external tooling
// without a codec dependency.
type StandardSignatureScheme struct{}

// Interface assertion.
var _ SignatureScheme = StandardSignatureScheme{}

func (StandardSignatureScheme) WriteProposalSigningContent(w io.Writer, b Block) (int, error) {
	return fmt.Fprintf(
		w,
		"espresso-proposal/v1\n%s\n%d\n%x",
		b.ChainID, b.View, b.Hash,
	)
}

func (StandardSignatureScheme) WriteVoteSigningContent(w io.Writer, vt VoteTarget) (int, error) {
	return fmt.Fprintf(
		w,
		"espresso-vote/v1\n%s\n%d\n%x",
		vt.ChainID, vt.View, vt.BlockHash,
	)
}

func (StandardSignatureScheme) WriteTimeoutSigningContent(w io.Writer, tr TimeoutRecord) (int, error) {
	return fmt.Fprintf(
		w,
		"espresso-timeout/v1\n%s\n%d\n%d",
		tr.ChainID, tr.View, tr.HighQCView,
	)
}
