package cape_test

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/cape"
)

func TestAssetCode_Derivations(t *testing.T) {
	t.Parallel()

	native := cape.NativeAssetCode()
	require.True(t, native.IsNative())

	desc := []byte("test asset")
	foreign := cape.ForeignAssetCode(desc)
	derived := cape.DerivedAssetCode(cape.AssetCodeSeed{1}, desc)

	// The same description through different derivations
	// must not collide with each other or with the native code.
	require.NotEqual(t, native, foreign)
	require.NotEqual(t, native, derived)
	require.NotEqual(t, foreign, derived)

	require.False(t, foreign.IsNative())
	require.False(t, derived.IsNative())

	// Derivations are deterministic.
	require.Equal(t, foreign, cape.ForeignAssetCode(desc))
	require.Equal(t, derived, cape.DerivedAssetCode(cape.AssetCodeSeed{1}, desc))

	// And sensitive to each of their inputs.
	require.NotEqual(t, foreign, cape.ForeignAssetCode([]byte("other asset")))
	require.NotEqual(t, derived, cape.DerivedAssetCode(cape.AssetCodeSeed{2}, desc))
	require.NotEqual(t, derived, cape.DerivedAssetCode(cape.AssetCodeSeed{1}, []byte("other asset")))
}

func TestNewAssetCodeSeed(t *testing.T) {
	t.Parallel()

	seed, err := cape.NewAssetCodeSeed(bytes.NewReader(bytes.Repeat([]byte{7}, 32)))
	require.NoError(t, err)
	require.Equal(t, cape.AssetCodeSeed(bytes.Repeat([]byte{7}, 32)), seed)

	_, err = cape.NewAssetCodeSeed(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)
}

func TestErc20AssetDescription_SponsorBound(t *testing.T) {
	t.Parallel()

	erc20 := common.BytesToAddress([]byte{0xaa})
	s1 := common.BytesToAddress([]byte{0x01})
	s2 := common.BytesToAddress([]byte{0x02})

	d1 := cape.Erc20AssetDescription(erc20, s1)
	d2 := cape.Erc20AssetDescription(erc20, s2)
	require.NotEqual(t, d1, d2)

	// Distinct descriptions yield distinct asset codes,
	// so two sponsors cannot claim each other's definition.
	require.NotEqual(t, cape.ForeignAssetCode(d1), cape.ForeignAssetCode(d2))
}

func TestNewAssetDefinition(t *testing.T) {
	t.Parallel()

	code := cape.ForeignAssetCode([]byte("policy test"))
	viewer := cape.UserAddress{1}
	freezer := cape.UserAddress{2}

	t.Run("valid freezable definition", func(t *testing.T) {
		t.Parallel()

		def, err := cape.NewAssetDefinition(code, cape.AssetPolicy{
			Viewer:  viewer,
			Freezer: freezer,
			Reveal:  cape.RevealAmount | cape.RevealAddress,
		})
		require.NoError(t, err)
		require.True(t, def.Policy.IsFreezable())
		require.True(t, def.Policy.Reveal.Has(cape.RevealAmount))
		require.False(t, def.Policy.Reveal.Has(cape.RevealBlind))
	})

	t.Run("reveal requires a viewer", func(t *testing.T) {
		t.Parallel()

		_, err := cape.NewAssetDefinition(code, cape.AssetPolicy{
			Reveal: cape.RevealAmount,
		})
		require.Error(t, err)
	})

	t.Run("native asset cannot carry a policy", func(t *testing.T) {
		t.Parallel()

		_, err := cape.NewAssetDefinition(cape.NativeAssetCode(), cape.AssetPolicy{
			Freezer: freezer,
		})
		require.Error(t, err)

		// The bare native definition is fine.
		def := cape.NativeAssetDefinition()
		require.True(t, def.Code.IsNative())
		require.True(t, def.Policy.IsEmpty())
	})
}
