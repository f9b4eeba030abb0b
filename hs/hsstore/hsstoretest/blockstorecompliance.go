package hsstoretest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsstore"
)

// BlockStoreFactory returns an initialized block store.
// The cleanup argument works like (*testing.T).Cleanup,
// letting implementations close databases or remove temporary files.
type BlockStoreFactory func(cleanup func(func())) (hsstore.BlockStore, error)

// TestBlockStoreCompliance is the compliance test
// every [hsstore.BlockStore] implementation must pass.
func TestBlockStoreCompliance(t *testing.T, f BlockStoreFactory, ff FixtureFactory) {
	t.Helper()

	t.Run("unknown hash", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		_, err = s.LoadProposedBlock(ctx, "nonexistent_hash")
		require.ErrorIs(t, err, hsstore.ErrBlockNotFound)
	})

	t.Run("round trip by hash", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := ff(4)
		g := fx.GenesisBlock()

		b1 := fx.NextBlock(ctx, g, 1, []byte("data_1"), []byte("state_1"))
		pb1 := fx.SignedProposal(ctx, b1, 1)
		require.NoError(t, s.SaveProposedBlock(ctx, pb1))

		b2 := fx.NextBlock(ctx, b1, 2, []byte("data_2"), []byte("state_2"))
		pb2 := fx.SignedProposal(ctx, b2, 2)
		require.NoError(t, s.SaveProposedBlock(ctx, pb2))

		got1, err := s.LoadProposedBlock(ctx, string(b1.Hash))
		require.NoError(t, err)
		require.True(t, hsconsensus.BlocksEqual(b1, got1.Block))
		require.Equal(t, pb1.Signature, got1.Signature)

		got2, err := s.LoadProposedBlock(ctx, string(b2.Hash))
		require.NoError(t, err)
		require.True(t, hsconsensus.BlocksEqual(b2, got2.Block))
		require.Equal(t, pb2.Signature, got2.Signature)

		// The parent reference on the loaded child
		// must still resolve to the stored parent.
		parent, err := s.LoadProposedBlock(ctx, string(got2.Block.ParentHash))
		require.NoError(t, err)
		require.True(t, hsconsensus.BlocksEqual(b1, parent.Block))
	})

	t.Run("blocks listed by view", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := ff(4)
		g := fx.GenesisBlock()

		// Two conflicting proposals in view 1,
		// as a faulty proposer would produce.
		b1a := fx.NextBlock(ctx, g, 1, []byte("data_a"), []byte("state_1"))
		b1b := fx.NextBlock(ctx, g, 1, []byte("data_b"), []byte("state_1"))
		require.NoError(t, s.SaveProposedBlock(ctx, fx.SignedProposal(ctx, b1a, 1)))
		require.NoError(t, s.SaveProposedBlock(ctx, fx.SignedProposal(ctx, b1b, 1)))

		b2 := fx.NextBlock(ctx, b1a, 2, []byte("data_2"), []byte("state_2"))
		require.NoError(t, s.SaveProposedBlock(ctx, fx.SignedProposal(ctx, b2, 2)))

		got, err := s.LoadProposedBlocksForView(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 2)

		hashes := make(map[string]bool, len(got))
		for _, pb := range got {
			hashes[string(pb.Block.Hash)] = true
		}
		require.True(t, hashes[string(b1a.Hash)])
		require.True(t, hashes[string(b1b.Hash)])

		got, err = s.LoadProposedBlocksForView(ctx, 2)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.True(t, hsconsensus.BlocksEqual(b2, got[0].Block))

		got, err = s.LoadProposedBlocksForView(ctx, 3)
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("duplicate save is a no-op", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := ff(4)
		g := fx.GenesisBlock()

		b1 := fx.NextBlock(ctx, g, 1, []byte("data_1"), []byte("state_1"))
		pb1 := fx.SignedProposal(ctx, b1, 1)
		require.NoError(t, s.SaveProposedBlock(ctx, pb1))
		require.NoError(t, s.SaveProposedBlock(ctx, pb1))

		got, err := s.LoadProposedBlocksForView(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
	})
}
