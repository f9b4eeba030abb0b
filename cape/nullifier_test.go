package cape_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/cape"
)

func TestRecordNullifier_OwnerKeyed(t *testing.T) {
	t.Parallel()

	alice := cape.NewUserKeyPairFromSeed([32]byte{1})
	bob := cape.NewUserKeyPairFromSeed([32]byte{2})

	ro := cape.RecordOpening{
		Amount: 10,
		Asset:  cape.NativeAssetDefinition(),
		Owner:  alice.Address(),
		Blind:  cape.Blind{1},
	}

	n := alice.RecordNullifier(ro)
	require.Equal(t, n, alice.RecordNullifier(ro), "nullifier must be deterministic")

	// A different key or a different record gives a different nullifier.
	require.NotEqual(t, n, bob.RecordNullifier(ro))

	other := ro
	other.Blind = cape.Blind{2}
	require.NotEqual(t, n, alice.RecordNullifier(other))
}

func TestFreezableRecordNullifier_SharedDerivation(t *testing.T) {
	t.Parallel()

	owner := cape.NewUserKeyPairFromSeed([32]byte{1})

	def, err := cape.NewAssetDefinition(
		cape.ForeignAssetCode([]byte("freezable")),
		cape.AssetPolicy{Freezer: cape.UserAddress{7}},
	)
	require.NoError(t, err)

	ro := cape.RecordOpening{
		Amount: 10,
		Asset:  def,
		Owner:  owner.Address(),
		Blind:  cape.Blind{1},
	}

	// The owner and the freezer must mark the same nullifier,
	// so the owner's derivation collapses to the policy-scoped one.
	require.Equal(t, cape.FreezableRecordNullifier(ro), owner.RecordNullifier(ro))

	// Scoped per asset: the same commitment content under another
	// freezable asset nullifies differently.
	otherDef, err := cape.NewAssetDefinition(
		cape.ForeignAssetCode([]byte("freezable 2")),
		cape.AssetPolicy{Freezer: cape.UserAddress{7}},
	)
	require.NoError(t, err)

	otherRo := ro
	otherRo.Asset = otherDef
	require.NotEqual(t, cape.FreezableRecordNullifier(ro), cape.FreezableRecordNullifier(otherRo))
}

func TestFreezerNullifierKey_Deterministic(t *testing.T) {
	t.Parallel()

	code := cape.ForeignAssetCode([]byte("freezable"))
	require.Equal(t, cape.FreezerNullifierKey(code), cape.FreezerNullifierKey(code))
	require.False(t, cape.FreezerNullifierKey(code).IsZero())

	other := cape.ForeignAssetCode([]byte("other"))
	require.NotEqual(t, cape.FreezerNullifierKey(code), cape.FreezerNullifierKey(other))
}
