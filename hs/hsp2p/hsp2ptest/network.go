// Package hsp2ptest provides an in-process loopback network,
// a channel-backed consensus handler,
// and a compliance suite for [hsp2p.Connection] implementations.
package hsp2ptest

import (
	"context"

	"github.com/PythonRysh/espresso/hs/hsp2p"
)

// Network is the view of a test network that the compliance suite
// and integration harnesses operate against.
type Network interface {
	// Connect adds one participant to the network
	// and returns its connection.
	Connect(ctx context.Context) (hsp2p.Connection, error)

	// Stabilize blocks until every participant can reach every other,
	// or ctx is canceled.
	// A no-op for networks that are coherent from construction.
	Stabilize(ctx context.Context) error

	// Wait blocks until all background work has finished,
	// after the network's context has been canceled.
	Wait()
}

// TypedNetwork is a network whose Connect returns the concrete
// connection type, so implementation tests keep full access.
type TypedNetwork[C hsp2p.Connection] interface {
	Connect(ctx context.Context) (C, error)

	Stabilize(ctx context.Context) error

	Wait()
}

// GenericNetwork adapts a [TypedNetwork] to the plain [Network] interface.
type GenericNetwork[C hsp2p.Connection] struct {
	Network TypedNetwork[C]
}

func (n *GenericNetwork[C]) Connect(ctx context.Context) (hsp2p.Connection, error) {
	return n.Network.Connect(ctx)
}

func (n *GenericNetwork[C]) Stabilize(ctx context.Context) error {
	return n.Network.Stabilize(ctx)
}

func (n *GenericNetwork[C]) Wait() {
	n.Network.Wait()
}
