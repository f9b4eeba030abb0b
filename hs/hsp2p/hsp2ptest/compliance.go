package hsp2ptest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/hs/hsconsensus/hsconsensustest"
	"github.com/PythonRysh/espresso/internal/etest"
)

// TestNetworkCompliance runs the [hsp2p.Connection] behavior suite
// against the network produced by newNetwork.
//
// Implementations that serialize messages must build their codec
// with an ed25519-aware registry,
// since the suite's fixture signs with ed25519 keys.
func TestNetworkCompliance(
	t *testing.T,
	newNetwork func(t *testing.T, ctx context.Context) (Network, error),
) {
	t.Run("proposed blocks reach peers", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		n, err := newNetwork(t, ctx)
		require.NoError(t, err)
		defer n.Wait()
		defer cancel()

		c1, err := n.Connect(ctx)
		require.NoError(t, err)
		c2, err := n.Connect(ctx)
		require.NoError(t, err)

		h2 := NewChannelConsensusHandler(1)
		c2.SetConsensusHandler(ctx, h2)

		require.NoError(t, n.Stabilize(ctx))

		fx := hsconsensustest.NewEd25519Fixture(2)
		b := fx.NextBlock(ctx, fx.GenesisBlock(), 1, []byte("app data 1"), []byte("state 1"))
		pb := fx.SignedProposal(ctx, b, 1)

		etest.SendSoon(t, c1.ConsensusBroadcaster().OutgoingProposedBlocks(), pb)

		got := etest.ReceiveSoon(t, h2.IncomingProposedBlocks())
		require.Equal(t, pb, got)
	})

	t.Run("vote proofs reach peers", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		n, err := newNetwork(t, ctx)
		require.NoError(t, err)
		defer n.Wait()
		defer cancel()

		c1, err := n.Connect(ctx)
		require.NoError(t, err)
		c2, err := n.Connect(ctx)
		require.NoError(t, err)

		h2 := NewChannelConsensusHandler(1)
		c2.SetConsensusHandler(ctx, h2)

		require.NoError(t, n.Stabilize(ctx))

		fx := hsconsensustest.NewEd25519Fixture(2)
		b := fx.NextBlock(ctx, fx.GenesisBlock(), 1, []byte("app data 1"), []byte("state 1"))
		p := fx.VoteSparseProof(ctx, 1, b.Hash, 0, 1)

		etest.SendSoon(t, c1.ConsensusBroadcaster().OutgoingVoteProofs(), p)

		got := etest.ReceiveSoon(t, h2.IncomingVoteProofs())
		require.Equal(t, p, got)
	})

	t.Run("timeout proofs reach peers", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		n, err := newNetwork(t, ctx)
		require.NoError(t, err)
		defer n.Wait()
		defer cancel()

		c1, err := n.Connect(ctx)
		require.NoError(t, err)
		c2, err := n.Connect(ctx)
		require.NoError(t, err)

		h2 := NewChannelConsensusHandler(1)
		c2.SetConsensusHandler(ctx, h2)

		require.NoError(t, n.Stabilize(ctx))

		fx := hsconsensustest.NewEd25519Fixture(2)
		p := fx.TimeoutSparseProof(ctx, 3, map[int]uint64{0: 0, 1: 0})

		etest.SendSoon(t, c1.ConsensusBroadcaster().OutgoingTimeoutProofs(), p)

		got := etest.ReceiveSoon(t, h2.IncomingTimeoutProofs())
		require.Equal(t, p, got)
	})

	t.Run("own messages do not loop back", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		n, err := newNetwork(t, ctx)
		require.NoError(t, err)
		defer n.Wait()
		defer cancel()

		c1, err := n.Connect(ctx)
		require.NoError(t, err)

		h1 := NewChannelConsensusHandler(1)
		c1.SetConsensusHandler(ctx, h1)

		require.NoError(t, n.Stabilize(ctx))

		fx := hsconsensustest.NewEd25519Fixture(2)
		b := fx.NextBlock(ctx, fx.GenesisBlock(), 1, []byte("app data 1"), []byte("state 1"))
		pb := fx.SignedProposal(ctx, b, 1)

		etest.SendSoon(t, c1.ConsensusBroadcaster().OutgoingProposedBlocks(), pb)

		etest.NotSending(t, h1.IncomingProposedBlocks())
	})

	t.Run("disconnect closes Disconnected", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		n, err := newNetwork(t, ctx)
		require.NoError(t, err)
		defer n.Wait()
		defer cancel()

		c1, err := n.Connect(ctx)
		require.NoError(t, err)

		c1.Disconnect()
		etest.ReceiveSoon(t, c1.Disconnected())

		// Safe to call again.
		c1.Disconnect()
	})
}
