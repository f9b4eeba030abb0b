package hsstoretest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/hs/hsstore"
)

// PacemakerStoreFactory returns an initialized pacemaker store.
// The cleanup argument works like (*testing.T).Cleanup,
// letting implementations close databases or remove temporary files.
type PacemakerStoreFactory func(cleanup func(func())) (hsstore.PacemakerStore, error)

// TestPacemakerStoreCompliance is the compliance test
// every [hsstore.PacemakerStore] implementation must pass.
func TestPacemakerStoreCompliance(t *testing.T, f PacemakerStoreFactory, ff FixtureFactory) {
	t.Helper()

	t.Run("zero values before any save", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		view, tc, err := s.LoadPacemakerState(ctx)
		require.NoError(t, err)
		require.Zero(t, view)
		require.Nil(t, tc)
	})

	t.Run("view entered through a quorum certificate", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		require.NoError(t, s.SavePacemakerState(ctx, 5, nil))

		view, tc, err := s.LoadPacemakerState(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(5), view)
		require.Nil(t, tc)
	})

	t.Run("view entered through a timeout certificate", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := ff(4)
		entryTC := fx.SparseTC(ctx, 8, map[int]uint64{0: 5, 1: 5, 2: 7, 3: 7})

		require.NoError(t, s.SavePacemakerState(ctx, 9, entryTC))

		view, tc, err := s.LoadPacemakerState(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(9), view)
		require.Equal(t, entryTC, tc)
	})

	t.Run("certificate cleared on later save", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := ff(4)
		entryTC := fx.SparseTC(ctx, 8, map[int]uint64{0: 7, 1: 7, 2: 7, 3: 7})

		require.NoError(t, s.SavePacemakerState(ctx, 9, entryTC))
		require.NoError(t, s.SavePacemakerState(ctx, 10, nil))

		view, tc, err := s.LoadPacemakerState(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(10), view)
		require.Nil(t, tc)
	})
}
