package hsconsensus_test

import (
	"testing"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsconsensus/hsconsensustest"
	"github.com/stretchr/testify/require"
)

func TestQuorumThreshold(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		total uint64
		want  uint64
	}{
		{total: 0, want: 1},
		{total: 1, want: 1},
		{total: 2, want: 2},
		{total: 3, want: 3},
		{total: 4, want: 3},
		{total: 5, want: 4},
		{total: 6, want: 5},
		{total: 7, want: 5},
		{total: 100, want: 67},
		{total: 399_994, want: 266_663},

		// Values near the uint64 limit must not overflow.
		{total: 1<<64 - 1, want: 12297829382473034411},
	} {
		require.Equal(t, tc.want, hsconsensus.QuorumThreshold(tc.total),
			"QuorumThreshold(%d)", tc.total)
	}
}

func TestMaxFaultyPower(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		total uint64
		want  uint64
	}{
		{total: 0, want: 0},
		{total: 1, want: 0},
		{total: 3, want: 0},
		{total: 4, want: 1},
		{total: 7, want: 2},
		{total: 100, want: 33},
	} {
		require.Equal(t, tc.want, hsconsensus.MaxFaultyPower(tc.total),
			"MaxFaultyPower(%d)", tc.total)
	}
}

func TestNewValidatorSet(t *testing.T) {
	t.Parallel()

	fx := hsconsensustest.NewEd25519Fixture(4)

	vs, err := hsconsensus.NewValidatorSet(fx.PrivVals.Vals(), fx.HashScheme)
	require.NoError(t, err)

	require.Len(t, vs.PubKeys, 4)
	for i, v := range vs.Validators {
		require.True(t, v.PubKey.Equal(vs.PubKeys[i]))
	}

	require.NotEmpty(t, vs.PubKeyHash)
	require.NotEmpty(t, vs.VotePowerHash)

	// Order is part of identity: reversing the validators
	// must change both hashes.
	vals := fx.PrivVals.Vals()
	for i, j := 0, len(vals)-1; i < j; i, j = i+1, j-1 {
		vals[i], vals[j] = vals[j], vals[i]
	}
	reversed, err := hsconsensus.NewValidatorSet(vals, fx.HashScheme)
	require.NoError(t, err)

	require.NotEqual(t, vs.PubKeyHash, reversed.PubKeyHash)
	require.NotEqual(t, vs.VotePowerHash, reversed.VotePowerHash)

	// Same keys with different powers: only the power hash changes.
	repowered := fx.PrivVals.Vals()
	repowered[0].Power += 17
	vs2, err := hsconsensus.NewValidatorSet(repowered, fx.HashScheme)
	require.NoError(t, err)

	require.Equal(t, vs.PubKeyHash, vs2.PubKeyHash)
	require.NotEqual(t, vs.VotePowerHash, vs2.VotePowerHash)
}

func TestValidatorSet_TotalPower(t *testing.T) {
	t.Parallel()

	fx := hsconsensustest.NewEd25519Fixture(4)
	vs := fx.ValSet()

	// Fixture powers are 100_000 descending.
	require.Equal(t, uint64(100_000+99_999+99_998+99_997), vs.TotalPower())
}

func TestValidatorSet_Leader(t *testing.T) {
	t.Parallel()

	fx := hsconsensustest.NewEd25519Fixture(4)
	vs := fx.ValSet()

	for view := uint64(0); view < 12; view++ {
		leader := vs.Leader(view)
		want := vs.Validators[view%4]
		require.True(t, leader.PubKey.Equal(want.PubKey),
			"wrong leader for view %d", view)
	}
}

func TestValidatorSet_Equal(t *testing.T) {
	t.Parallel()

	fx := hsconsensustest.NewEd25519Fixture(4)

	a := fx.ValSet()
	b := fx.ValSet()
	require.True(t, a.Equal(b))

	b.Validators[2].Power++
	require.False(t, a.Equal(b))

	c := fx.ValSet()
	c.Validators = c.Validators[:3]
	require.False(t, a.Equal(c))
}
