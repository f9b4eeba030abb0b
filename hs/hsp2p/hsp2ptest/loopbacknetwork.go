package hsp2ptest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsp2p"
)

// LoopbackNetwork is a fully meshed in-process network:
// every message broadcast by one connection is delivered
// directly to every other connection's handler,
// without serialization.
type LoopbackNetwork struct {
	log *slog.Logger

	connectRequests chan loopbackConnectRequest
	outgoing        chan loopbackEnvelope

	done chan struct{}
}

type loopbackConnectRequest struct {
	resp chan *LoopbackConnection
}

type loopbackMessage struct {
	pb *hsconsensus.ProposedBlock
	vp *hsconsensus.VoteSparseProof
	tp *hsconsensus.TimeoutSparseProof
}

type loopbackEnvelope struct {
	origin *LoopbackConnection
	msg    loopbackMessage
}

// NewLoopbackNetwork returns a running network
// that shuts down when ctx is canceled.
func NewLoopbackNetwork(ctx context.Context, log *slog.Logger) *LoopbackNetwork {
	n := &LoopbackNetwork{
		log: log,

		connectRequests: make(chan loopbackConnectRequest),
		outgoing:        make(chan loopbackEnvelope),

		done: make(chan struct{}),
	}

	go n.hub(ctx)
	return n
}

// Connect implements [TypedNetwork].
func (n *LoopbackNetwork) Connect(ctx context.Context) (*LoopbackConnection, error) {
	req := loopbackConnectRequest{resp: make(chan *LoopbackConnection, 1)}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case n.connectRequests <- req:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-req.resp:
		return c, nil
	}
}

// Stabilize implements [TypedNetwork].
// The mesh is coherent from construction, so this is a no-op.
func (n *LoopbackNetwork) Stabilize(context.Context) error {
	return nil
}

// Wait implements [TypedNetwork].
func (n *LoopbackNetwork) Wait() {
	<-n.done
}

// hub owns the member list, fanning every envelope out
// to all members except its origin.
func (n *LoopbackNetwork) hub(ctx context.Context) {
	defer close(n.done)

	var conns []*LoopbackConnection
	defer func() {
		for _, c := range conns {
			<-c.disconnected
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-n.connectRequests:
			c := newLoopbackConnection(ctx, n)
			conns = append(conns, c)
			n.log.Debug("Member joined loopback network", "members", len(conns))
			req.resp <- c

		case env := <-n.outgoing:
			for _, dst := range conns {
				if dst == env.origin {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-dst.ctx.Done():
					// Disconnected member; skip.
				case dst.incoming <- env.msg:
				}
			}
		}
	}
}

// LoopbackConnection is one member of a [LoopbackNetwork].
type LoopbackConnection struct {
	n *LoopbackNetwork

	ctx    context.Context
	cancel context.CancelFunc

	handler atomic.Pointer[hsconsensus.ConsensusHandler]

	outgoingProposedBlocks chan hsconsensus.ProposedBlock
	outgoingVoteProofs     chan hsconsensus.VoteSparseProof
	outgoingTimeoutProofs  chan hsconsensus.TimeoutSparseProof

	incoming chan loopbackMessage

	disconnectOnce sync.Once

	pumpDone     chan struct{}
	deliverDone  chan struct{}
	disconnected chan struct{}
}

func newLoopbackConnection(ctx context.Context, n *LoopbackNetwork) *LoopbackConnection {
	ctx, cancel := context.WithCancel(ctx)

	c := &LoopbackConnection{
		n: n,

		ctx:    ctx,
		cancel: cancel,

		outgoingProposedBlocks: make(chan hsconsensus.ProposedBlock),
		outgoingVoteProofs:     make(chan hsconsensus.VoteSparseProof),
		outgoingTimeoutProofs:  make(chan hsconsensus.TimeoutSparseProof),

		incoming: make(chan loopbackMessage, 64),

		pumpDone:     make(chan struct{}),
		deliverDone:  make(chan struct{}),
		disconnected: make(chan struct{}),
	}

	go c.pump()
	go c.deliver()
	go c.background()

	return c
}

// ConsensusBroadcaster implements [hsp2p.Connection].
func (c *LoopbackConnection) ConsensusBroadcaster() hsp2p.ConsensusBroadcaster {
	return loopbackBroadcaster{c: c}
}

// SetConsensusHandler implements [hsp2p.Connection].
func (c *LoopbackConnection) SetConsensusHandler(ctx context.Context, h hsconsensus.ConsensusHandler) {
	c.handler.Store(&h)
}

// Disconnect implements [hsp2p.Connection].
func (c *LoopbackConnection) Disconnect() {
	c.disconnectOnce.Do(c.cancel)
}

// Disconnected implements [hsp2p.Connection].
func (c *LoopbackConnection) Disconnected() <-chan struct{} {
	return c.disconnected
}

type loopbackBroadcaster struct {
	c *LoopbackConnection
}

func (b loopbackBroadcaster) OutgoingProposedBlocks() chan<- hsconsensus.ProposedBlock {
	return b.c.outgoingProposedBlocks
}

func (b loopbackBroadcaster) OutgoingVoteProofs() chan<- hsconsensus.VoteSparseProof {
	return b.c.outgoingVoteProofs
}

func (b loopbackBroadcaster) OutgoingTimeoutProofs() chan<- hsconsensus.TimeoutSparseProof {
	return b.c.outgoingTimeoutProofs
}

// pump forwards this member's outgoing messages to the hub.
func (c *LoopbackConnection) pump() {
	defer close(c.pumpDone)

	for {
		var msg loopbackMessage

		select {
		case <-c.ctx.Done():
			return
		case pb := <-c.outgoingProposedBlocks:
			msg.pb = &pb
		case p := <-c.outgoingVoteProofs:
			msg.vp = &p
		case p := <-c.outgoingTimeoutProofs:
			msg.tp = &p
		}

		select {
		case <-c.ctx.Done():
			return
		case c.n.outgoing <- loopbackEnvelope{origin: c, msg: msg}:
		}
	}
}

// deliver applies incoming messages to the handler.
// Messages arriving before a handler is set are dropped.
func (c *LoopbackConnection) deliver() {
	defer close(c.deliverDone)

	for {
		var msg loopbackMessage
		select {
		case <-c.ctx.Done():
			return
		case msg = <-c.incoming:
		}

		hp := c.handler.Load()
		if hp == nil {
			continue
		}
		h := *hp

		switch {
		case msg.pb != nil:
			h.HandleProposedBlock(c.ctx, *msg.pb)
		case msg.vp != nil:
			h.HandleVoteProofs(c.ctx, *msg.vp)
		case msg.tp != nil:
			h.HandleTimeoutProofs(c.ctx, *msg.tp)
		}
	}
}

func (c *LoopbackConnection) background() {
	<-c.ctx.Done()
	<-c.pumpDone
	<-c.deliverDone
	close(c.disconnected)
}
