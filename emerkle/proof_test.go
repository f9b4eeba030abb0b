package emerkle_test

import (
	"context"
	"testing"

	"github.com/PythonRysh/espresso/emerkle"
	"github.com/stretchr/testify/require"
)

func TestProof_RejectsTamperedLevels(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := newTestTree()

	k := mkKey(0x12, 0x3a, 0x01)
	root, err := tree.Apply(ctx, 1, []emerkle.Update{
		{Key: k, Value: []byte("target")},
		{Key: mkKey(0x12, 0x3a, 0x02), Value: []byte("sibling")},
		{Key: mkKey(0x99), Value: []byte("far")},
	})
	require.NoError(t, err)

	v, good, err := tree.GetWithProof(ctx, 1, k)
	require.NoError(t, err)
	require.NoError(t, emerkle.VerifyInclusion(root, k, v, good))
	require.Greater(t, len(good.Levels), 1)

	t.Run("flipped sibling hash", func(t *testing.T) {
		p := cloneProof(good)
		p.Levels[0].Hashes[0][0] ^= 0x01
		require.ErrorIs(t, emerkle.VerifyInclusion(root, k, v, p), emerkle.ErrProofMismatch)
	})

	t.Run("widened bitmap", func(t *testing.T) {
		p := cloneProof(good)
		// Claim an extra occupied slot without providing its hash.
		p.Levels[0].Bitmap |= 1 << 15
		require.ErrorIs(t, emerkle.VerifyInclusion(root, k, v, p), emerkle.ErrProofMismatch)
	})

	t.Run("dropped level", func(t *testing.T) {
		p := cloneProof(good)
		p.Levels = p.Levels[:len(p.Levels)-1]
		require.ErrorIs(t, emerkle.VerifyInclusion(root, k, v, p), emerkle.ErrProofMismatch)
	})

	t.Run("extra divergent leaf", func(t *testing.T) {
		p := cloneProof(good)
		p.Divergent = &emerkle.LeafSummary{Key: mkKey(0x01), ValueHash: emerkle.HashValue(nil)}
		require.ErrorIs(t, emerkle.VerifyInclusion(root, k, v, p), emerkle.ErrProofMismatch)
	})

	t.Run("absurd depth", func(t *testing.T) {
		p := cloneProof(good)
		for len(p.Levels) <= emerkle.MaxPathNibbles {
			p.Levels = append(p.Levels, p.Levels[0])
		}
		require.ErrorIs(t, emerkle.VerifyInclusion(root, k, v, p), emerkle.ErrProofMismatch)
	})
}

func TestProof_ExclusionCannotClaimStoredKey(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := newTestTree()

	stored := mkKey(0x12, 0x3a, 0x01)
	root, err := tree.Apply(ctx, 1, []emerkle.Update{
		{Key: stored, Value: []byte("present")},
		{Key: mkKey(0x12, 0x3a, 0x02), Value: []byte("sibling")},
	})
	require.NoError(t, err)

	// Take a genuine exclusion proof for a nearby absent key,
	// then try to point it at the stored key.
	absent := mkKey(0x12, 0x3a, 0x01, 0xff)
	_, proof, err := tree.GetWithProof(ctx, 1, absent)
	require.NoError(t, err)
	require.NoError(t, emerkle.VerifyExclusion(root, absent, proof))

	require.ErrorIs(t, emerkle.VerifyExclusion(root, stored, proof), emerkle.ErrProofMismatch)

	// The divergent summary's key cannot be swapped for another.
	p := cloneProof(proof)
	require.NotNil(t, p.Divergent)
	p.Divergent.Key = mkKey(0x12, 0x3a, 0x03)
	require.ErrorIs(t, emerkle.VerifyExclusion(root, absent, p), emerkle.ErrProofMismatch)
}

func cloneProof(p emerkle.Proof) emerkle.Proof {
	out := emerkle.Proof{}
	for _, lvl := range p.Levels {
		cl := emerkle.ProofLevel{Bitmap: lvl.Bitmap}
		cl.Hashes = append(cl.Hashes, lvl.Hashes...)
		out.Levels = append(out.Levels, cl)
	}
	if p.Divergent != nil {
		d := *p.Divergent
		out.Divergent = &d
	}
	return out
}
