package hsgossip

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/PythonRysh/espresso/hs/hselink"
	"github.com/PythonRysh/espresso/hs/hsp2p"
	"github.com/PythonRysh/espresso/internal/echan"
)

// ChattyStrategy rebroadcasts the engine's entire current view content
// on every update: the proposed block once, and the accumulated vote
// and timeout proofs every time they change.
//
// This is deliberately wasteful of bandwidth.
// The redundant signature transmissions are what let validators
// stuck in a timed-out view assemble a timeout certificate
// from each other, since nodes that already advanced
// stop transmitting the old view entirely.
type ChattyStrategy struct {
	log *slog.Logger

	cb hsp2p.ConsensusBroadcaster

	startCh chan (<-chan hselink.ViewUpdate)

	done chan struct{}
}

// NewChattyStrategy returns a ChattyStrategy
// broadcasting through cb until ctx is canceled.
func NewChattyStrategy(ctx context.Context, log *slog.Logger, cb hsp2p.ConsensusBroadcaster) *ChattyStrategy {
	s := &ChattyStrategy{
		log: log,

		cb: cb,

		startCh: make(chan (<-chan hselink.ViewUpdate), 1),

		done: make(chan struct{}),
	}

	go s.mainLoop(ctx)
	return s
}

// Start implements [Strategy].
func (s *ChattyStrategy) Start(updates <-chan hselink.ViewUpdate) {
	s.startCh <- updates
}

// Wait implements [Strategy].
func (s *ChattyStrategy) Wait() {
	<-s.done
}

func (s *ChattyStrategy) mainLoop(ctx context.Context) {
	defer close(s.done)

	var updateCh <-chan hselink.ViewUpdate

	select {
	case <-ctx.Done():
		return
	case updateCh = <-s.startCh:
		// Will never use the field again, so just clear it.
		s.startCh = nil
	}

	// The hash of the most recently broadcast proposed block.
	// Vote arrivals cause updates too,
	// and the unchanged proposal does not need to go out again with each one.
	var sentProposal []byte

	for {
		select {
		case <-ctx.Done():
			return

		case u := <-updateCh:
			if u.ProposedBlock != nil && !bytes.Equal(u.ProposedBlock.Block.Hash, sentProposal) {
				if !echan.SendC(
					ctx, s.log,
					s.cb.OutgoingProposedBlocks(), *u.ProposedBlock,
					"sending proposed block to network",
				) {
					return
				}
				sentProposal = u.ProposedBlock.Block.Hash
			}

			if len(u.VoteProofs.Proofs) > 0 {
				if !echan.SendC(
					ctx, s.log,
					s.cb.OutgoingVoteProofs(), u.VoteProofs,
					"sending vote proofs to network",
				) {
					return
				}
			}

			if len(u.TimeoutProofs.Proofs) > 0 {
				if !echan.SendC(
					ctx, s.log,
					s.cb.OutgoingTimeoutProofs(), u.TimeoutProofs,
					"sending timeout proofs to network",
				) {
					return
				}
			}
		}
	}
}
