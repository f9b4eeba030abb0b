package hsconsensus_test

import (
	"context"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsconsensus/hsconsensustest"
	"github.com/stretchr/testify/require"
)

func TestVoteSparseProof_ToFull(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := hsconsensustest.NewEd25519Fixture(4)
	valSet := fx.ValSet()

	// Votes split across two conflicting blocks.
	voteMap := map[string][]int{
		"block_hash_a": {1, 2},
		"block_hash_b": {0},
	}

	sparseProofs := fx.SparseVoteProofMap(ctx, 4, voteMap)
	sparseVoteProof := hsconsensus.VoteSparseProof{
		View:       4,
		PubKeyHash: string(valSet.PubKeyHash),
		Proofs:     sparseProofs,
	}

	fullProof, err := sparseVoteProof.ToFull(
		fx.ChainID,
		fx.CommonMessageSignatureProofScheme,
		fx.SignatureScheme,
		valSet.PubKeys,
		string(valSet.PubKeyHash),
	)
	require.NoError(t, err)

	require.Equal(t, uint64(4), fullProof.View)

	// Proofs for both hashes.
	require.Len(t, fullProof.Proofs, 2)
	require.Contains(t, fullProof.Proofs, "block_hash_a")
	require.Contains(t, fullProof.Proofs, "block_hash_b")

	// Assert correct validators for each proof.
	var bs bitset.BitSet
	fullProof.Proofs["block_hash_a"].SignatureBitSet(&bs)
	require.Equal(t, uint(2), bs.Count())
	require.True(t, bs.Test(1))
	require.True(t, bs.Test(2))

	fullProof.Proofs["block_hash_b"].SignatureBitSet(&bs)
	require.Equal(t, uint(1), bs.Count())
	require.True(t, bs.Test(0))
}

func TestVoteProof_AsSparse_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := hsconsensustest.NewEd25519Fixture(4)
	valSet := fx.ValSet()

	sparse := fx.VoteSparseProof(ctx, 6, []byte("block_hash_6"), 0, 2, 3)

	full, err := sparse.ToFull(
		fx.ChainID,
		fx.CommonMessageSignatureProofScheme,
		fx.SignatureScheme,
		valSet.PubKeys,
		string(valSet.PubKeyHash),
	)
	require.NoError(t, err)

	back, err := full.AsSparse()
	require.NoError(t, err)

	require.Equal(t, sparse.View, back.View)
	require.Equal(t, sparse.PubKeyHash, back.PubKeyHash)
	require.Len(t, back.Proofs, 1)
	require.Len(t, back.Proofs["block_hash_6"], 3)
}

func TestVoteSparseProof_Clone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := hsconsensustest.NewEd25519Fixture(4)

	orig := fx.VoteSparseProof(ctx, 3, []byte("block_hash_3"), 0, 1)
	clone := orig.Clone()

	require.Equal(t, orig.View, clone.View)
	require.Equal(t, orig.PubKeyHash, clone.PubKeyHash)
	require.Equal(t, orig.Proofs, clone.Proofs)

	// Dropping an entry from the clone leaves the original intact.
	delete(clone.Proofs, "block_hash_3")
	require.Contains(t, orig.Proofs, "block_hash_3")
}
