package hsp2p

import (
	"context"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// Connection is a liveness-scoped handle to the peer-to-peer network.
//
// A connection begins in a receive-only state;
// incoming messages are dropped until a consensus handler is set.
type Connection interface {
	// ConsensusBroadcaster returns the broadcaster
	// for sending consensus messages to the network.
	ConsensusBroadcaster() ConsensusBroadcaster

	// SetConsensusHandler sets the handler invoked
	// as consensus messages arrive from peers.
	// The handler's results feed back into peer scoring
	// where the underlying network supports it.
	SetConsensusHandler(ctx context.Context, h hsconsensus.ConsensusHandler)

	// Disconnect tears down the connection.
	// It is safe to call more than once.
	Disconnect()

	// Disconnected is closed once the connection has been torn down,
	// whether by a local Disconnect call or a network failure.
	Disconnected() <-chan struct{}
}

// ConsensusBroadcaster is the set of channels for sending
// consensus messages to the network.
//
// Sends block until the network layer accepts the message;
// callers select against their context.
type ConsensusBroadcaster interface {
	OutgoingProposedBlocks() chan<- hsconsensus.ProposedBlock

	OutgoingVoteProofs() chan<- hsconsensus.VoteSparseProof

	OutgoingTimeoutProofs() chan<- hsconsensus.TimeoutSparseProof
}
