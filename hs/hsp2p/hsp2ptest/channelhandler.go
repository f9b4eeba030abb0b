package hsp2ptest

import (
	"context"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// ChannelConsensusHandler is a [hsconsensus.ConsensusHandler]
// that forwards every message to a channel,
// so tests can observe exactly what a connection delivered.
//
// Every method reports acceptance, keeping the message
// eligible for further propagation on networks that score peers.
type ChannelConsensusHandler struct {
	incomingProposedBlocks chan hsconsensus.ProposedBlock
	incomingVoteProofs     chan hsconsensus.VoteSparseProof
	incomingTimeoutProofs  chan hsconsensus.TimeoutSparseProof
}

// NewChannelConsensusHandler returns a handler
// whose channels are buffered to bufSize.
func NewChannelConsensusHandler(bufSize int) *ChannelConsensusHandler {
	return &ChannelConsensusHandler{
		incomingProposedBlocks: make(chan hsconsensus.ProposedBlock, bufSize),
		incomingVoteProofs:     make(chan hsconsensus.VoteSparseProof, bufSize),
		incomingTimeoutProofs:  make(chan hsconsensus.TimeoutSparseProof, bufSize),
	}
}

func (h *ChannelConsensusHandler) HandleProposedBlock(
	ctx context.Context, pb hsconsensus.ProposedBlock,
) hsconsensus.HandleProposedBlockResult {
	select {
	case <-ctx.Done():
		return hsconsensus.HandleProposedBlockInternalError
	case h.incomingProposedBlocks <- pb:
		return hsconsensus.HandleProposedBlockAccepted
	}
}

func (h *ChannelConsensusHandler) HandleVoteProofs(
	ctx context.Context, p hsconsensus.VoteSparseProof,
) hsconsensus.HandleVoteProofsResult {
	select {
	case <-ctx.Done():
		return hsconsensus.HandleVoteProofsInternalError
	case h.incomingVoteProofs <- p:
		return hsconsensus.HandleVoteProofsAccepted
	}
}

func (h *ChannelConsensusHandler) HandleTimeoutProofs(
	ctx context.Context, p hsconsensus.TimeoutSparseProof,
) hsconsensus.HandleVoteProofsResult {
	select {
	case <-ctx.Done():
		return hsconsensus.HandleVoteProofsInternalError
	case h.incomingTimeoutProofs <- p:
		return hsconsensus.HandleVoteProofsAccepted
	}
}

func (h *ChannelConsensusHandler) IncomingProposedBlocks() <-chan hsconsensus.ProposedBlock {
	return h.incomingProposedBlocks
}

func (h *ChannelConsensusHandler) IncomingVoteProofs() <-chan hsconsensus.VoteSparseProof {
	return h.incomingVoteProofs
}

func (h *ChannelConsensusHandler) IncomingTimeoutProofs() <-chan hsconsensus.TimeoutSparseProof {
	return h.incomingTimeoutProofs
}
