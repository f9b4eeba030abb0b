// Package hslibp2ptest provides an in-process network of real libp2p
// hosts, for exercising [hslibp2p.Connection] without OS-level networking
// beyond loopback sockets.
package hslibp2ptest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/PythonRysh/espresso/hs/hscodec"
	"github.com/PythonRysh/espresso/hs/hsp2p/hslibp2p"
	"github.com/PythonRysh/espresso/internal/etest"
)

// Network connects every new host to all existing ones,
// forming a full mesh over loopback TCP.
type Network struct {
	log *slog.Logger

	codec hscodec.MarshalCodec

	ctx context.Context

	mu    sync.Mutex
	hosts []*hslibp2p.Host
	conns []*hslibp2p.Connection

	done chan struct{}
}

// NewNetwork returns a Network that tears down all of its hosts
// and connections when ctx is canceled.
func NewNetwork(ctx context.Context, log *slog.Logger, codec hscodec.MarshalCodec) (*Network, error) {
	n := &Network{
		log: log,

		codec: codec,

		ctx: ctx,

		done: make(chan struct{}),
	}

	go n.background(ctx)
	return n, nil
}

// Connect implements [hsp2ptest.TypedNetwork].
func (n *Network) Connect(ctx context.Context) (*hslibp2p.Connection, error) {
	h, err := hslibp2p.NewHost(n.ctx, n.log, hslibp2p.HostConfig{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build host: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, prior := range n.hosts {
		ai := peer.AddrInfo{
			ID:    prior.Libp2pHost().ID(),
			Addrs: prior.Libp2pHost().Addrs(),
		}
		if err := h.Libp2pHost().Connect(ctx, ai); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("failed to dial existing host %s: %w", ai.ID, err)
		}
	}

	conn, err := hslibp2p.NewConnection(
		n.ctx,
		n.log.With("conn_idx", len(n.conns)),
		h,
		n.codec,
	)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("failed to build connection: %w", err)
	}

	n.hosts = append(n.hosts, h)
	n.conns = append(n.conns, conn)

	return conn, nil
}

// Stabilize implements [hsp2ptest.TypedNetwork]:
// it blocks until every host's router sees every other host
// subscribed to the consensus topic.
func (n *Network) Stabilize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, etest.ScaleMs(5000))
	defer cancel()

	for {
		if n.meshed() {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("network failed to stabilize: %w", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (n *Network) meshed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, h := range n.hosts {
		if len(h.PubSub().ListPeers(hslibp2p.ConsensusTopicName)) < len(n.hosts)-1 {
			return false
		}
	}
	return true
}

// Wait implements [hsp2ptest.TypedNetwork].
func (n *Network) Wait() {
	<-n.done
}

func (n *Network) background(ctx context.Context) {
	defer close(n.done)

	<-ctx.Done()

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, c := range n.conns {
		c.Disconnect()
	}
	for _, c := range n.conns {
		<-c.Disconnected()
	}
	for _, h := range n.hosts {
		if err := h.Close(); err != nil {
			n.log.Info("Failed to close host during teardown", "err", err)
		}
	}
}
