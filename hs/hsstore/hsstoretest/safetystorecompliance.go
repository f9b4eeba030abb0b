package hsstoretest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/hs/hsstore"
)

// SafetyStoreFactory returns an initialized safety store.
// The cleanup argument works like (*testing.T).Cleanup,
// letting implementations close databases or remove temporary files.
type SafetyStoreFactory func(cleanup func(func())) (hsstore.SafetyStore, error)

// TestSafetyStoreCompliance is the compliance test
// every [hsstore.SafetyStore] implementation must pass.
func TestSafetyStoreCompliance(t *testing.T, f SafetyStoreFactory) {
	t.Helper()

	t.Run("zero values before any save", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		votedView, lockedView, err := s.LoadSafetyState(ctx)
		require.NoError(t, err)
		require.Zero(t, votedView)
		require.Zero(t, lockedView)
	})

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		require.NoError(t, s.SaveSafetyState(ctx, 5, 3))

		votedView, lockedView, err := s.LoadSafetyState(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(5), votedView)
		require.Equal(t, uint64(3), lockedView)
	})

	t.Run("latest save wins", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		require.NoError(t, s.SaveSafetyState(ctx, 5, 3))
		require.NoError(t, s.SaveSafetyState(ctx, 8, 6))

		votedView, lockedView, err := s.LoadSafetyState(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(8), votedView)
		require.Equal(t, uint64(6), lockedView)
	})
}
