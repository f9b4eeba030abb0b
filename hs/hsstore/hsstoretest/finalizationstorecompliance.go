package hsstoretest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/hs/hsstore"
)

// FinalizationStoreFactory returns an initialized finalization store.
// The cleanup argument works like (*testing.T).Cleanup,
// letting implementations close databases or remove temporary files.
type FinalizationStoreFactory func(cleanup func(func())) (hsstore.FinalizationStore, error)

// TestFinalizationStoreCompliance is the compliance test
// every [hsstore.FinalizationStore] implementation must pass.
func TestFinalizationStoreCompliance(t *testing.T, f FinalizationStoreFactory, ff FixtureFactory) {
	t.Helper()

	t.Run("unknown height", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		_, _, _, _, err = s.LoadFinalizationByHeight(ctx, 3)
		require.ErrorIs(t, err, hsstore.ErrFinalizationNotFound)
	})

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := ff(4)
		vs := fx.ValSet()

		require.NoError(t, s.SaveFinalization(ctx, 3, 7, "block_hash_3", vs, "state_root_3"))

		view, blockHash, gotVS, stateRoot, err := s.LoadFinalizationByHeight(ctx, 3)
		require.NoError(t, err)
		require.Equal(t, uint64(7), view)
		require.Equal(t, "block_hash_3", blockHash)
		require.True(t, vs.Equal(gotVS))
		require.Equal(t, "state_root_3", stateRoot)

		// Other heights stay unknown.
		_, _, _, _, err = s.LoadFinalizationByHeight(ctx, 4)
		require.ErrorIs(t, err, hsstore.ErrFinalizationNotFound)
	})

	t.Run("identical re-save is a no-op", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := ff(4)
		vs := fx.ValSet()

		require.NoError(t, s.SaveFinalization(ctx, 3, 7, "block_hash_3", vs, "state_root_3"))
		require.NoError(t, s.SaveFinalization(ctx, 3, 7, "block_hash_3", vs, "state_root_3"))

		view, blockHash, _, stateRoot, err := s.LoadFinalizationByHeight(ctx, 3)
		require.NoError(t, err)
		require.Equal(t, uint64(7), view)
		require.Equal(t, "block_hash_3", blockHash)
		require.Equal(t, "state_root_3", stateRoot)
	})

	t.Run("conflicting re-save is rejected", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := ff(4)
		vs := fx.ValSet()

		require.NoError(t, s.SaveFinalization(ctx, 3, 7, "block_hash_3", vs, "state_root_3"))

		err = s.SaveFinalization(ctx, 3, 7, "different_hash", vs, "state_root_3")
		var overwriteErr hsstore.FinalizationOverwriteError
		require.ErrorAs(t, err, &overwriteErr)
		require.Equal(t, uint64(3), overwriteErr.Height)

		// The original record is untouched.
		_, blockHash, _, _, err := s.LoadFinalizationByHeight(ctx, 3)
		require.NoError(t, err)
		require.Equal(t, "block_hash_3", blockHash)
	})
}
