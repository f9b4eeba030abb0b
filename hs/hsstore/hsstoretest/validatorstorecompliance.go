package hsstoretest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/hs/hsstore"
)

// ValidatorStoreFactory returns an initialized validator store.
// The cleanup argument works like (*testing.T).Cleanup,
// letting implementations close databases or remove temporary files.
type ValidatorStoreFactory func(cleanup func(func())) (hsstore.ValidatorStore, error)

// TestValidatorStoreCompliance is the compliance test
// every [hsstore.ValidatorStore] implementation must pass.
func TestValidatorStoreCompliance(t *testing.T, f ValidatorStoreFactory, ff FixtureFactory) {
	t.Helper()

	t.Run("unknown hashes", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		_, err = s.LoadPubKeys(ctx, "nonexistent_hash")
		var noKeyErr hsstore.NoPubKeyHashError
		require.ErrorAs(t, err, &noKeyErr)
		require.Equal(t, "nonexistent_hash", noKeyErr.Want)

		_, err = s.LoadVotePowers(ctx, "nonexistent_hash")
		var noPowerErr hsstore.NoVotePowerHashError
		require.ErrorAs(t, err, &noPowerErr)
		require.Equal(t, "nonexistent_hash", noPowerErr.Want)
	})

	t.Run("pub keys round trip", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := ff(4)
		keys := fx.PrivVals.PubKeys()

		wantHash, err := fx.HashScheme.PubKeys(keys)
		require.NoError(t, err)

		hash, err := s.SavePubKeys(ctx, keys)
		require.NoError(t, err)
		require.Equal(t, string(wantHash), hash)

		got, err := s.LoadPubKeys(ctx, hash)
		require.NoError(t, err)
		require.Len(t, got, len(keys))
		for i, k := range keys {
			require.True(t, k.Equal(got[i]))
		}
	})

	t.Run("vote powers round trip", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := ff(4)
		vals := fx.PrivVals.Vals()
		powers := make([]uint64, len(vals))
		for i, v := range vals {
			powers[i] = v.Power
		}

		wantHash, err := fx.HashScheme.VotePowers(powers)
		require.NoError(t, err)

		hash, err := s.SaveVotePowers(ctx, powers)
		require.NoError(t, err)
		require.Equal(t, string(wantHash), hash)

		got, err := s.LoadVotePowers(ctx, hash)
		require.NoError(t, err)
		require.Equal(t, powers, got)
	})

	t.Run("idempotent saves", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := ff(4)
		keys := fx.PrivVals.PubKeys()

		hash1, err := s.SavePubKeys(ctx, keys)
		require.NoError(t, err)
		hash2, err := s.SavePubKeys(ctx, keys)
		require.NoError(t, err)
		require.Equal(t, hash1, hash2)

		got, err := s.LoadPubKeys(ctx, hash1)
		require.NoError(t, err)
		require.Len(t, got, len(keys))
	})
}
