package hslibp2p

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hscodec"
	"github.com/PythonRysh/espresso/hs/hsp2p"
)

// ConsensusTopicName is the single gossipsub topic
// carrying the consensus message envelope.
const ConsensusTopicName = "espresso/consensus/v1"

// Connection is the libp2p-backed implementation of [hsp2p.Connection].
//
// All consensus traffic flows through one gossipsub topic.
// Incoming messages are evaluated inside a topic validator,
// so the consensus handler's verdict decides whether a message
// propagates further and how gossipsub scores the sending peer.
type Connection struct {
	log *slog.Logger

	host  *Host
	codec hscodec.MarshalCodec

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	handler atomic.Pointer[hsconsensus.ConsensusHandler]

	outgoingProposedBlocks chan hsconsensus.ProposedBlock
	outgoingVoteProofs     chan hsconsensus.VoteSparseProof
	outgoingTimeoutProofs  chan hsconsensus.TimeoutSparseProof

	cancel context.CancelFunc

	disconnectOnce sync.Once

	publishDone  chan struct{}
	drainDone    chan struct{}
	disconnected chan struct{}
}

// NewConnection joins the consensus topic on h and begins relaying.
//
// The connection starts in a receive-only state:
// until [Connection.SetConsensusHandler] is called,
// incoming messages are neither applied nor propagated.
//
// The connection assumes sole ownership of the topic on h;
// one Host cannot back two Connections.
func NewConnection(
	ctx context.Context,
	log *slog.Logger,
	h *Host,
	codec hscodec.MarshalCodec,
) (*Connection, error) {
	ctx, cancel := context.WithCancel(ctx)

	c := &Connection{
		log: log,

		host:  h,
		codec: codec,

		outgoingProposedBlocks: make(chan hsconsensus.ProposedBlock),
		outgoingVoteProofs:     make(chan hsconsensus.VoteSparseProof),
		outgoingTimeoutProofs:  make(chan hsconsensus.TimeoutSparseProof),

		cancel: cancel,

		publishDone:  make(chan struct{}),
		drainDone:    make(chan struct{}),
		disconnected: make(chan struct{}),
	}

	// The validator must be registered before the subscription exists,
	// otherwise early messages bypass evaluation.
	if err := h.PubSub().RegisterTopicValidator(ConsensusTopicName, c.validateMessage); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register consensus topic validator: %w", err)
	}

	topic, err := h.PubSub().Join(ConsensusTopicName)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to join consensus topic: %w", err)
	}
	c.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to consensus topic: %w", err)
	}
	c.sub = sub

	go c.publishLoop(ctx)
	go c.drainLoop(ctx)
	go c.background(ctx)

	return c, nil
}

// ConsensusBroadcaster implements [hsp2p.Connection].
func (c *Connection) ConsensusBroadcaster() hsp2p.ConsensusBroadcaster {
	return broadcaster{c: c}
}

// SetConsensusHandler implements [hsp2p.Connection].
// The handler is invoked from gossipsub's validation goroutines,
// so calls arrive concurrently.
func (c *Connection) SetConsensusHandler(ctx context.Context, h hsconsensus.ConsensusHandler) {
	c.handler.Store(&h)
}

// Disconnect implements [hsp2p.Connection].
func (c *Connection) Disconnect() {
	c.disconnectOnce.Do(c.cancel)
}

// Disconnected implements [hsp2p.Connection].
func (c *Connection) Disconnected() <-chan struct{} {
	return c.disconnected
}

type broadcaster struct {
	c *Connection
}

func (b broadcaster) OutgoingProposedBlocks() chan<- hsconsensus.ProposedBlock {
	return b.c.outgoingProposedBlocks
}

func (b broadcaster) OutgoingVoteProofs() chan<- hsconsensus.VoteSparseProof {
	return b.c.outgoingVoteProofs
}

func (b broadcaster) OutgoingTimeoutProofs() chan<- hsconsensus.TimeoutSparseProof {
	return b.c.outgoingTimeoutProofs
}

func (c *Connection) publishLoop(ctx context.Context) {
	defer close(c.publishDone)

	for {
		var m hscodec.ConsensusMessage

		select {
		case <-ctx.Done():
			return
		case pb := <-c.outgoingProposedBlocks:
			m.ProposedBlock = &pb
		case p := <-c.outgoingVoteProofs:
			m.VoteProof = &p
		case p := <-c.outgoingTimeoutProofs:
			m.TimeoutProof = &p
		}

		data, err := c.codec.MarshalConsensusMessage(m)
		if err != nil {
			c.log.Error("Failed to marshal outgoing consensus message", "err", err)
			continue
		}

		if err := c.topic.Publish(ctx, data); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("Failed to publish consensus message", "err", err)
		}
	}
}

// drainLoop consumes the subscription.
// Evaluation already happened inside the topic validator,
// so the delivered messages themselves are discarded.
func (c *Connection) drainLoop(ctx context.Context) {
	defer close(c.drainDone)

	for {
		if _, err := c.sub.Next(ctx); err != nil {
			return
		}
	}
}

func (c *Connection) background(ctx context.Context) {
	<-ctx.Done()

	c.sub.Cancel()
	<-c.publishDone
	<-c.drainDone

	if err := c.host.PubSub().UnregisterTopicValidator(ConsensusTopicName); err != nil {
		c.log.Info("Failed to unregister consensus topic validator", "err", err)
	}
	if err := c.topic.Close(); err != nil {
		c.log.Info("Failed to close consensus topic", "err", err)
	}

	close(c.disconnected)
}

func (c *Connection) validateMessage(
	ctx context.Context, _ peer.ID, msg *pubsub.Message,
) pubsub.ValidationResult {
	if msg.GetFrom() == c.host.Libp2pHost().ID() {
		// Our own messages were applied before they were published.
		return pubsub.ValidationAccept
	}

	m, err := c.codec.UnmarshalConsensusMessage(msg.Data)
	if err != nil {
		return pubsub.ValidationReject
	}

	hp := c.handler.Load()
	if hp == nil {
		// Receive-only state; nobody can evaluate the message yet.
		return pubsub.ValidationIgnore
	}
	h := *hp

	switch {
	case m.ProposedBlock != nil:
		return blockValidation(h.HandleProposedBlock(ctx, *m.ProposedBlock))
	case m.VoteProof != nil:
		return proofValidation(h.HandleVoteProofs(ctx, *m.VoteProof))
	case m.TimeoutProof != nil:
		return proofValidation(h.HandleTimeoutProofs(ctx, *m.TimeoutProof))
	default:
		return pubsub.ValidationReject
	}
}

// blockValidation maps the engine's verdict on a proposed block
// to a gossipsub validation result.
// Provable misbehavior rejects, so the sending peer is penalized;
// merely unhelpful messages are ignored, stopping propagation quietly.
func blockValidation(r hsconsensus.HandleProposedBlockResult) pubsub.ValidationResult {
	switch r {
	case hsconsensus.HandleProposedBlockAccepted,
		hsconsensus.HandleProposedBlockAlreadyStored:
		// Duplicates stay eligible for relay:
		// the chatty gossip strategy counts on redundant delivery
		// reaching validators stuck behind the current view.
		return pubsub.ValidationAccept

	case hsconsensus.HandleProposedBlockViewTooOld,
		hsconsensus.HandleProposedBlockViewTooFarInFuture,
		hsconsensus.HandleProposedBlockInternalError:
		return pubsub.ValidationIgnore

	case hsconsensus.HandleProposedBlockSignerUnrecognized,
		hsconsensus.HandleProposedBlockBadBlockHash,
		hsconsensus.HandleProposedBlockBadSignature,
		hsconsensus.HandleProposedBlockBadValidatorHashes,
		hsconsensus.HandleProposedBlockBadJustifyTarget,
		hsconsensus.HandleProposedBlockBadJustifyPubKeyHash,
		hsconsensus.HandleProposedBlockBadJustifyDoubleSigned,
		hsconsensus.HandleProposedBlockBadJustifySignature,
		hsconsensus.HandleProposedBlockBadJustifyVoteCount,
		hsconsensus.HandleProposedBlockMissingProposerPubKey:
		return pubsub.ValidationReject

	default:
		panic(fmt.Errorf("BUG: unhandled proposed block result %s", r))
	}
}

func proofValidation(r hsconsensus.HandleVoteProofsResult) pubsub.ValidationResult {
	switch r {
	case hsconsensus.HandleVoteProofsAccepted,
		hsconsensus.HandleVoteProofsNoNewSignatures:
		return pubsub.ValidationAccept

	case hsconsensus.HandleVoteProofsViewTooOld,
		hsconsensus.HandleVoteProofsViewTooFarInFuture,
		hsconsensus.HandleVoteProofsFutureUnverified,
		hsconsensus.HandleVoteProofsInternalError:
		return pubsub.ValidationIgnore

	case hsconsensus.HandleVoteProofsEmpty,
		hsconsensus.HandleVoteProofsBadPubKeyHash,
		hsconsensus.HandleVoteProofsBadSignature:
		return pubsub.ValidationReject

	default:
		panic(fmt.Errorf("BUG: unhandled vote proofs result %s", r))
	}
}
