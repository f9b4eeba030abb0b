package hsconsensus_test

import (
	"context"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsconsensus/hsconsensustest"
	"github.com/stretchr/testify/require"
)

func TestTimeoutSparseProof_ToFull(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := hsconsensustest.NewEd25519Fixture(4)
	valSet := fx.ValSet()

	// Validators 1 and 2 saw a QC for view 5; validators 0 and 3 are behind.
	sparse := fx.TimeoutSparseProof(ctx, 6, map[int]uint64{
		0: 4,
		1: 5,
		2: 5,
		3: 4,
	})

	full, err := sparse.ToFull(
		fx.ChainID,
		fx.CommonMessageSignatureProofScheme,
		fx.SignatureScheme,
		valSet.PubKeys,
		string(valSet.PubKeyHash),
	)
	require.NoError(t, err)

	require.Equal(t, uint64(6), full.View)

	require.Len(t, full.Proofs, 2)
	require.Contains(t, full.Proofs, uint64(4))
	require.Contains(t, full.Proofs, uint64(5))

	var bs bitset.BitSet
	full.Proofs[5].SignatureBitSet(&bs)
	require.Equal(t, uint(2), bs.Count())
	require.True(t, bs.Test(1))
	require.True(t, bs.Test(2))

	full.Proofs[4].SignatureBitSet(&bs)
	require.Equal(t, uint(2), bs.Count())
	require.True(t, bs.Test(0))
	require.True(t, bs.Test(3))
}

func TestSparseTimeoutCertificate_HighQCView(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := hsconsensustest.NewEd25519Fixture(4)

	tc := fx.SparseTC(ctx, 10, map[int]uint64{
		0: 3,
		1: 9,
		2: 9,
		3: 7,
	})

	require.Equal(t, uint64(9), tc.HighQCView())
	require.Len(t, tc.Signatures, 3)
}

func TestVerifyTimeoutCertificate(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := hsconsensustest.NewEd25519Fixture(4)
	valSet := fx.ValSet()

	// All four time out of view 8, split across three high-QC views.
	fullTC := fx.SparseTC(ctx, 8, map[int]uint64{
		0: 7,
		1: 7,
		2: 6,
		3: 2,
	})

	// Only two validators: below the threshold.
	smallTC := fx.SparseTC(ctx, 8, map[int]uint64{
		0: 7,
		1: 6,
	})

	verify := func(tc hsconsensus.SparseTimeoutCertificate, chainID string) error {
		return hsconsensus.VerifyTimeoutCertificate(
			tc, chainID, valSet, fx.SignatureScheme, fx.CommonMessageSignatureProofScheme,
		)
	}

	require.NoError(t, verify(*fullTC, fx.ChainID))

	err := verify(*smallTC, fx.ChainID)
	require.Error(t, err)
	require.ErrorContains(t, err, "vote power")

	// No signatures at all.
	require.Error(t, verify(hsconsensus.SparseTimeoutCertificate{
		View:       8,
		PubKeyHash: string(valSet.PubKeyHash),
	}, fx.ChainID))

	// Mismatched public key hash.
	bad := fullTC.Clone()
	bad.PubKeyHash = "not the real hash"
	require.Error(t, verify(*bad, fx.ChainID))

	// Repointed at a different view: signatures no longer match.
	bad = fullTC.Clone()
	bad.View = 9
	require.Error(t, verify(*bad, fx.ChainID))

	// Signatures shifted to a different high-QC view group.
	bad = fullTC.Clone()
	bad.Signatures[3] = bad.Signatures[2]
	delete(bad.Signatures, 2)
	require.Error(t, verify(*bad, fx.ChainID))

	// Replayed on a different chain.
	require.Error(t, verify(*fullTC, "some-other-chain"))
}

func TestVerifyTimeoutCertificate_BLSAggregated(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := hsconsensustest.NewBLSFixture(4)
	valSet := fx.ValSet()

	tc := fx.SparseTC(ctx, 12, map[int]uint64{
		0: 11,
		1: 11,
		2: 11,
		3: 10,
	})

	// Each high-QC view group aggregates separately.
	require.Len(t, tc.Signatures, 2)
	require.Len(t, tc.Signatures[11], 1)
	require.Len(t, tc.Signatures[10], 1)

	require.NoError(t, hsconsensus.VerifyTimeoutCertificate(
		*tc, fx.ChainID, valSet, fx.SignatureScheme, fx.CommonMessageSignatureProofScheme,
	))
}

func TestSparseTimeoutCertificate_Clone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := hsconsensustest.NewEd25519Fixture(4)

	var nilTC *hsconsensus.SparseTimeoutCertificate
	require.Nil(t, nilTC.Clone())

	tc := fx.SparseTC(ctx, 5, map[int]uint64{0: 4, 1: 4, 2: 3, 3: 4})
	clone := tc.Clone()
	require.True(t, tc.Equal(*clone))

	clone.Signatures[4][0].Sig[0]++
	require.False(t, tc.Equal(*clone))
}
