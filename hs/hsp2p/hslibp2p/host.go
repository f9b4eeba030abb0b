package hslibp2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	routingdisc "github.com/libp2p/go-libp2p/p2p/discovery/routing"
)

// HostConfig describes how to stand up the libp2p side of a [Host].
// The zero value is usable: libp2p's default listen addresses,
// no initial peers, no DHT.
type HostConfig struct {
	// Multiaddr strings to listen on.
	// Empty leaves libp2p's defaults in place.
	ListenAddrs []string

	// Multiaddrs of peers to dial during construction.
	// Failing to reach a seed is logged, not fatal,
	// as long as discovery can still find peers later.
	SeedAddrs []string

	// Run a kad-dht alongside the host
	// and feed its routing discovery into gossipsub,
	// so topic peers are found beyond the seed set.
	EnableDHT bool
}

// Host couples a libp2p host with the gossipsub router
// and, optionally, a kad-dht for peer discovery.
// One Host backs at most one [Connection].
type Host struct {
	log *slog.Logger

	h  libp2phost.Host
	ps *pubsub.PubSub

	dht *dht.IpfsDHT
}

// NewHost builds the libp2p host, the optional DHT, and the gossipsub
// router according to cfg.
// The returned Host must be closed with [Host.Close].
func NewHost(ctx context.Context, log *slog.Logger, cfg HostConfig) (*Host, error) {
	var hostOpts []libp2p.Option
	if len(cfg.ListenAddrs) > 0 {
		hostOpts = append(hostOpts, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build libp2p host: %w", err)
	}

	e := &Host{
		log: log,

		h: h,
	}

	var psOpts []pubsub.Option
	if cfg.EnableDHT {
		d, err := dht.New(ctx, h)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("failed to build DHT: %w", err)
		}
		if err := d.Bootstrap(ctx); err != nil {
			_ = d.Close()
			_ = h.Close()
			return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
		}
		e.dht = d

		psOpts = append(psOpts, pubsub.WithDiscovery(routingdisc.NewRoutingDiscovery(d)))
	}

	ps, err := pubsub.NewGossipSub(ctx, h, psOpts...)
	if err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("failed to build gossipsub router: %w", err)
	}
	e.ps = ps

	for _, addr := range cfg.SeedAddrs {
		ai, err := peer.AddrInfoFromString(addr)
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("unusable seed address %q: %w", addr, err)
		}
		if err := h.Connect(ctx, *ai); err != nil {
			log.Warn("Failed to reach seed peer", "addr", addr, "err", err)
		}
	}

	return e, nil
}

// Libp2pHost returns the underlying libp2p host,
// for callers that need addresses or direct connections.
func (e *Host) Libp2pHost() libp2phost.Host {
	return e.h
}

// PubSub returns the gossipsub router.
func (e *Host) PubSub() *pubsub.PubSub {
	return e.ps
}

// Close tears down the DHT, if any, and the libp2p host.
func (e *Host) Close() error {
	var errs []error
	if e.dht != nil {
		if err := e.dht.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close DHT: %w", err))
		}
	}
	if err := e.h.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close libp2p host: %w", err))
	}
	return errors.Join(errs...)
}
