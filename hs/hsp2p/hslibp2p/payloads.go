package hslibp2p

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"

	"github.com/PythonRysh/espresso/edissem"
)

// PayloadTopicName is the gossipsub topic carrying
// erasure-coded payload shreds.
const PayloadTopicName = "espresso/payloads/v1"

// PayloadConnection relays payload shreds over their own gossipsub
// topic, keeping bulk block data off the consensus topic.
//
// Incoming shreds are checked and fed to the shred processor inside
// the topic validator, so only shreds worth relaying propagate.
// One Host can back a Connection and a PayloadConnection at the same
// time; the two own different topics.
type PayloadConnection struct {
	log *slog.Logger

	host *Host
	proc *edissem.ShredProcessor

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	cancel context.CancelFunc

	disconnectOnce sync.Once

	drainDone    chan struct{}
	disconnected chan struct{}
}

// NewPayloadConnection joins the payload topic on h and begins
// feeding incoming shreds to proc.
// The connection assumes sole ownership of the payload topic on h.
func NewPayloadConnection(
	ctx context.Context,
	log *slog.Logger,
	h *Host,
	proc *edissem.ShredProcessor,
) (*PayloadConnection, error) {
	ctx, cancel := context.WithCancel(ctx)

	c := &PayloadConnection{
		log: log,

		host: h,
		proc: proc,

		cancel: cancel,

		drainDone:    make(chan struct{}),
		disconnected: make(chan struct{}),
	}

	// Same ordering requirement as the consensus topic:
	// the validator must exist before the subscription does.
	if err := h.PubSub().RegisterTopicValidator(PayloadTopicName, c.validateShred); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register payload topic validator: %w", err)
	}

	topic, err := h.PubSub().Join(PayloadTopicName)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to join payload topic: %w", err)
	}
	c.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to payload topic: %w", err)
	}
	c.sub = sub

	go c.drainLoop(ctx)
	go c.background(ctx)

	return c, nil
}

// Broadcast publishes each shred as its own message,
// so peers can begin reassembly before the full set is sent
// and lost messages cost one shred, not the payload.
func (c *PayloadConnection) Broadcast(ctx context.Context, shreds []edissem.Shred) error {
	for _, s := range shreds {
		data, err := msgpack.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal shred %d: %w", s.Index, err)
		}

		if err := c.topic.Publish(ctx, data); err != nil {
			return fmt.Errorf("failed to publish shred %d: %w", s.Index, err)
		}
	}

	return nil
}

// Disconnect stops relaying and leaves the topic.
func (c *PayloadConnection) Disconnect() {
	c.disconnectOnce.Do(c.cancel)
}

// Disconnected is closed once the connection has fully stopped.
func (c *PayloadConnection) Disconnected() <-chan struct{} {
	return c.disconnected
}

// drainLoop consumes the subscription.
// Shred handling already happened inside the topic validator,
// so the delivered messages themselves are discarded.
func (c *PayloadConnection) drainLoop(ctx context.Context) {
	defer close(c.drainDone)

	for {
		if _, err := c.sub.Next(ctx); err != nil {
			return
		}
	}
}

func (c *PayloadConnection) background(ctx context.Context) {
	<-ctx.Done()

	c.sub.Cancel()
	<-c.drainDone

	if err := c.host.PubSub().UnregisterTopicValidator(PayloadTopicName); err != nil {
		c.log.Info("Failed to unregister payload topic validator", "err", err)
	}
	if err := c.topic.Close(); err != nil {
		c.log.Info("Failed to close payload topic", "err", err)
	}

	close(c.disconnected)
}

func (c *PayloadConnection) validateShred(
	ctx context.Context, _ peer.ID, msg *pubsub.Message,
) pubsub.ValidationResult {
	var shred edissem.Shred
	if err := msgpack.Unmarshal(msg.Data, &shred); err != nil {
		return pubsub.ValidationReject
	}

	// Corruption is attributable: the message carries both the
	// data and its claimed digest.
	h := blake2b.Sum256(shred.Data)
	if !bytes.Equal(h[:], shred.Hash) {
		return pubsub.ValidationReject
	}

	if msg.GetFrom() == c.host.Libp2pHost().ID() {
		// Our own shreds come from a payload we already hold.
		return pubsub.ValidationAccept
	}

	if err := c.proc.CollectShred(ctx, shred); err != nil {
		// A conflict can be seeded by an earlier lying shred in the
		// same group, so the sender is not provably at fault.
		c.log.Debug("Dropping shred", "height", shred.Height, "err", err)
		return pubsub.ValidationIgnore
	}

	return pubsub.ValidationAccept
}
