package hslibp2p_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/PythonRysh/espresso/edissem"
	"github.com/PythonRysh/espresso/hs/hsp2p/hslibp2p"
	"github.com/PythonRysh/espresso/internal/etest"
)

type payloadDelivery struct {
	Height  uint64
	ID      []byte
	Payload []byte
}

// chanSink funnels reassembled payloads into a channel.
type chanSink struct {
	ch chan payloadDelivery
}

func (s chanSink) AcceptPayload(_ context.Context, height uint64, payloadID, payload []byte) error {
	s.ch <- payloadDelivery{Height: height, ID: payloadID, Payload: payload}
	return nil
}

// payloadNet is a full mesh of hosts over loopback TCP,
// each with a payload connection feeding a test sink.
type payloadNet struct {
	hosts []*hslibp2p.Host
	conns []*hslibp2p.PayloadConnection
	sinks []chan payloadDelivery
}

func newPayloadNet(t *testing.T, ctx context.Context, size int) *payloadNet {
	t.Helper()

	n := new(payloadNet)
	for i := range size {
		h := newMeshedHost(t, ctx, n.hosts)

		sink := make(chan payloadDelivery, 4)
		proc, err := edissem.NewShredProcessor(
			etest.NewLogger(t), chanSink{ch: sink}, 8, time.Minute,
		)
		require.NoError(t, err)

		conn, err := hslibp2p.NewPayloadConnection(
			ctx, etest.NewLogger(t).With("conn_idx", i), h, proc,
		)
		require.NoError(t, err)

		n.hosts = append(n.hosts, h)
		n.conns = append(n.conns, conn)
		n.sinks = append(n.sinks, sink)
	}

	t.Cleanup(func() {
		for _, c := range n.conns {
			c.Disconnect()
		}
		for _, c := range n.conns {
			<-c.Disconnected()
		}
		for _, h := range n.hosts {
			_ = h.Close()
		}
	})

	return n
}

// newMeshedHost builds a loopback host dialed into every prior host.
func newMeshedHost(t *testing.T, ctx context.Context, priors []*hslibp2p.Host) *hslibp2p.Host {
	t.Helper()

	h, err := hslibp2p.NewHost(ctx, etest.NewLogger(t), hslibp2p.HostConfig{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
	})
	require.NoError(t, err)

	for _, prior := range priors {
		ai := peer.AddrInfo{
			ID:    prior.Libp2pHost().ID(),
			Addrs: prior.Libp2pHost().Addrs(),
		}
		require.NoError(t, h.Libp2pHost().Connect(ctx, ai))
	}

	return h
}

// stabilize blocks until every host's router sees how many peers
// it expects on the payload topic.
func stabilize(t *testing.T, hosts []*hslibp2p.Host, wantPeers int) {
	t.Helper()

	deadline := time.Now().Add(etest.ScaleMs(5000))
	for {
		meshed := true
		for _, h := range hosts {
			if len(h.PubSub().ListPeers(hslibp2p.PayloadTopicName)) < wantPeers {
				meshed = false
				break
			}
		}
		if meshed {
			return
		}

		if time.Now().After(deadline) {
			t.Fatal("payload topic mesh failed to form")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testPayload(size int) []byte {
	p := make([]byte, size)
	for i := range p {
		p[i] = byte(i * 7)
	}
	return p
}

func TestPayloadConnection_BroadcastReassembles(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newPayloadNet(t, ctx, 3)
	stabilize(t, n.hosts, 2)

	payload := testPayload(10_000)
	shreds, err := edissem.ShredPayload(ctx, payload, 4, 4, 2)
	require.NoError(t, err)
	require.Len(t, shreds, 6)

	// Drop two shreds; the remaining four cover the four data shards.
	sent := slices.Delete(slices.Clone(shreds), 1, 2)
	sent = slices.Delete(sent, 4, 5)
	require.NoError(t, n.conns[0].Broadcast(ctx, sent))

	for i := 1; i < 3; i++ {
		d := etest.ReceiveSoon(t, n.sinks[i])
		require.Equal(t, uint64(4), d.Height)
		require.Equal(t, edissem.PayloadID(payload), d.ID)
		require.Equal(t, payload, d.Payload)
	}

	// The broadcaster already holds the payload,
	// so its own shreds are never collected.
	etest.NotSending(t, n.sinks[0])
}

func TestPayloadConnection_DropsTamperedShreds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newPayloadNet(t, ctx, 2)

	// A bare host on the same topic, with no validator of its own,
	// free to publish whatever it likes.
	rogue := newMeshedHost(t, ctx, n.hosts)
	t.Cleanup(func() { _ = rogue.Close() })
	rogueTopic, err := rogue.PubSub().Join(hslibp2p.PayloadTopicName)
	require.NoError(t, err)

	stabilize(t, append(slices.Clone(n.hosts), rogue), 2)

	payload := testPayload(10_000)
	shreds, err := edissem.ShredPayload(ctx, payload, 6, 4, 2)
	require.NoError(t, err)

	// Undecodable bytes.
	require.NoError(t, rogueTopic.Publish(ctx, []byte("not a shred")))

	// A shred whose data no longer matches its digest.
	tampered := shreds[0]
	tampered.Data = slices.Clone(tampered.Data)
	tampered.Data[0] ^= 0xff
	raw, err := msgpack.Marshal(tampered)
	require.NoError(t, err)
	require.NoError(t, rogueTopic.Publish(ctx, raw))

	// The honest broadcast omits shred 0 entirely, so reassembly
	// succeeds only if the rogue's version of it was dropped
	// rather than admitted in its place.
	require.NoError(t, n.conns[0].Broadcast(ctx, shreds[1:5]))

	d := etest.ReceiveSoon(t, n.sinks[1])
	require.Equal(t, payload, d.Payload)

	etest.NotSending(t, n.sinks[1])
}
