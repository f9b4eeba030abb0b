package emerkle_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/PythonRysh/espresso/emerkle"
	"github.com/stretchr/testify/require"
)

// mkKey builds a key hash with a controlled prefix,
// so tests can force shared paths and divergence depths.
func mkKey(prefix ...byte) emerkle.KeyHash {
	var k emerkle.KeyHash
	copy(k[:], prefix)
	for i := len(prefix); i < len(k); i++ {
		k[i] = byte(i) * 7
	}
	return k
}

func newTestTree() *emerkle.Tree {
	return emerkle.NewTree(emerkle.NewMemNodeStore())
}

func TestTree_ApplyAndGet(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := newTestTree()

	kA := mkKey(0x11)
	kB := mkKey(0x22)
	kC := mkKey(0x33)

	_, err := tree.Apply(ctx, 1, []emerkle.Update{
		{Key: kA, Value: []byte("a1")},
		{Key: kB, Value: []byte("b1")},
	})
	require.NoError(t, err)

	_, err = tree.Apply(ctx, 2, []emerkle.Update{
		{Key: kA, Value: []byte("a2")},
		{Key: kC, Value: []byte("c2")},
	})
	require.NoError(t, err)

	// Version 1 reads are unaffected by version 2.
	v, err := tree.Get(ctx, 1, kA)
	require.NoError(t, err)
	require.Equal(t, []byte("a1"), v)

	v, err = tree.Get(ctx, 1, kB)
	require.NoError(t, err)
	require.Equal(t, []byte("b1"), v)

	_, err = tree.Get(ctx, 1, kC)
	require.ErrorIs(t, err, emerkle.ErrKeyNotFound)

	// Version 2 sees the overwrite, the carryover, and the insert.
	v, err = tree.Get(ctx, 2, kA)
	require.NoError(t, err)
	require.Equal(t, []byte("a2"), v)

	v, err = tree.Get(ctx, 2, kB)
	require.NoError(t, err)
	require.Equal(t, []byte("b1"), v)

	v, err = tree.Get(ctx, 2, kC)
	require.NoError(t, err)
	require.Equal(t, []byte("c2"), v)

	_, err = tree.Get(ctx, 3, kA)
	require.ErrorIs(t, err, emerkle.ErrVersionNotFound)
}

func TestTree_RootIndependentOfUpdateOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ups := []emerkle.Update{
		{Key: mkKey(0x10), Value: []byte("x")},
		{Key: mkKey(0x1f), Value: []byte("y")},
		{Key: mkKey(0xf1), Value: []byte("z")},
		{Key: mkKey(0x10, 0xaa), Value: []byte("w")},
	}

	t1 := newTestTree()
	r1, err := t1.Apply(ctx, 1, ups)
	require.NoError(t, err)

	rev := make([]emerkle.Update, len(ups))
	for i, u := range ups {
		rev[len(ups)-1-i] = u
	}

	t2 := newTestTree()
	r2, err := t2.Apply(ctx, 1, rev)
	require.NoError(t, err)

	require.Equal(t, r1, r2)
}

func TestTree_DuplicateKeyRejected(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := newTestTree()

	k := mkKey(0x44)
	_, err := tree.Apply(ctx, 1, []emerkle.Update{
		{Key: k, Value: []byte("one")},
		{Key: k, Value: []byte("two")},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate")
}

func TestTree_VersionMonotonicity(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := newTestTree()

	_, err := tree.Apply(ctx, 2, []emerkle.Update{{Key: mkKey(1), Value: []byte("v")}})
	require.NoError(t, err)

	_, err = tree.Apply(ctx, 2, []emerkle.Update{{Key: mkKey(2), Value: []byte("v")}})
	require.ErrorIs(t, err, emerkle.ErrStaleVersion)

	_, err = tree.Apply(ctx, 1, []emerkle.Update{{Key: mkKey(2), Value: []byte("v")}})
	require.ErrorIs(t, err, emerkle.ErrStaleVersion)

	// Gaps are allowed, so block heights can be used directly.
	_, err = tree.Apply(ctx, 10, []emerkle.Update{{Key: mkKey(2), Value: []byte("v")}})
	require.NoError(t, err)

	version, _, err := tree.LatestVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10), version)
}

func TestTree_EmptyVersionAdvancesWithSameRoot(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := newTestTree()

	r1, err := tree.Apply(ctx, 1, []emerkle.Update{{Key: mkKey(7), Value: []byte("v")}})
	require.NoError(t, err)

	r2, err := tree.Apply(ctx, 2, nil)
	require.NoError(t, err)
	require.Equal(t, r1, r2)

	// The value is still reachable at the empty version.
	v, err := tree.Get(ctx, 2, mkKey(7))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	// Deleting an absent key is also a no-op version.
	r3, err := tree.Apply(ctx, 3, []emerkle.Update{{Key: mkKey(8), Value: nil}})
	require.NoError(t, err)
	require.Equal(t, r1, r3)
}

func TestTree_DeleteCollapsesToLeaf(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Two keys sharing a one-nibble prefix,
	// so their leaves sit under a chain of internal nodes.
	kA := mkKey(0x11, 0x01)
	kB := mkKey(0x12, 0x02)

	tree := newTestTree()
	_, err := tree.Apply(ctx, 1, []emerkle.Update{
		{Key: kA, Value: []byte("a")},
		{Key: kB, Value: []byte("b")},
	})
	require.NoError(t, err)

	gotRoot, err := tree.Apply(ctx, 2, []emerkle.Update{{Key: kB, Value: nil}})
	require.NoError(t, err)

	// The survivor must collapse all the way to the root,
	// making the tree indistinguishable from one that only ever held kA.
	fresh := newTestTree()
	wantRoot, err := fresh.Apply(ctx, 1, []emerkle.Update{{Key: kA, Value: []byte("a")}})
	require.NoError(t, err)
	require.Equal(t, wantRoot, gotRoot)

	v, err := tree.Get(ctx, 2, kA)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), v)

	_, err = tree.Get(ctx, 2, kB)
	require.ErrorIs(t, err, emerkle.ErrKeyNotFound)

	// Version 1 still shows both.
	v, err = tree.Get(ctx, 1, kB)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), v)
}

func TestTree_DeleteToEmpty(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := newTestTree()

	kA := mkKey(0x51)
	kB := mkKey(0x62)

	_, err := tree.Apply(ctx, 1, []emerkle.Update{
		{Key: kA, Value: []byte("a")},
		{Key: kB, Value: []byte("b")},
	})
	require.NoError(t, err)

	root, err := tree.Apply(ctx, 2, []emerkle.Update{
		{Key: kA, Value: nil},
		{Key: kB, Value: nil},
	})
	require.NoError(t, err)
	require.Equal(t, emerkle.EmptyRootHash(), root)

	_, err = tree.Get(ctx, 2, kA)
	require.ErrorIs(t, err, emerkle.ErrKeyNotFound)

	// Inserting again after emptying works.
	_, err = tree.Apply(ctx, 3, []emerkle.Update{{Key: kA, Value: []byte("back")}})
	require.NoError(t, err)

	v, err := tree.Get(ctx, 3, kA)
	require.NoError(t, err)
	require.Equal(t, []byte("back"), v)
}

func TestTree_InclusionProofs(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := newTestTree()

	// Keys at a mix of divergence depths,
	// including a pair sharing four nibbles.
	keys := []emerkle.KeyHash{
		mkKey(0x11),
		mkKey(0x29),
		mkKey(0x12, 0x3a, 0x01),
		mkKey(0x12, 0x3a, 0x02),
		emerkle.HashKey([]byte("hashed key")),
	}

	ups := make([]emerkle.Update, len(keys))
	for i, k := range keys {
		ups[i] = emerkle.Update{Key: k, Value: []byte(fmt.Sprintf("value-%d", i))}
	}

	root, err := tree.Apply(ctx, 1, ups)
	require.NoError(t, err)

	for i, k := range keys {
		v, proof, err := tree.GetWithProof(ctx, 1, k)
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("value-%d", i)), v)
		require.Nil(t, proof.Divergent)

		require.NoError(t, emerkle.VerifyInclusion(root, k, v, proof))

		// The same proof must not verify a different value or root.
		require.ErrorIs(t,
			emerkle.VerifyInclusion(root, k, []byte("forged"), proof),
			emerkle.ErrProofMismatch,
		)
		badRoot := root
		badRoot[0] ^= 0x01
		require.ErrorIs(t,
			emerkle.VerifyInclusion(badRoot, k, v, proof),
			emerkle.ErrProofMismatch,
		)
	}
}

func TestTree_ExclusionProofs(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.Run("empty tree", func(t *testing.T) {
		tree := newTestTree()
		root, err := tree.Apply(ctx, 1, nil)
		require.NoError(t, err)
		require.Equal(t, emerkle.EmptyRootHash(), root)

		v, proof, err := tree.GetWithProof(ctx, 1, mkKey(0x01))
		require.NoError(t, err)
		require.Nil(t, v)
		require.Empty(t, proof.Levels)
		require.Nil(t, proof.Divergent)

		require.NoError(t, emerkle.VerifyExclusion(root, mkKey(0x01), proof))

		// An empty-tree claim must not verify against a non-empty root.
		require.ErrorIs(t,
			emerkle.VerifyExclusion(mkKey(0x01), mkKey(0x01), proof),
			emerkle.ErrProofMismatch,
		)
	})

	t.Run("single leaf root, divergent key", func(t *testing.T) {
		tree := newTestTree()
		stored := mkKey(0x42)
		root, err := tree.Apply(ctx, 1, []emerkle.Update{{Key: stored, Value: []byte("v")}})
		require.NoError(t, err)

		absent := mkKey(0x43)
		v, proof, err := tree.GetWithProof(ctx, 1, absent)
		require.NoError(t, err)
		require.Nil(t, v)
		require.Empty(t, proof.Levels)
		require.NotNil(t, proof.Divergent)
		require.Equal(t, stored, proof.Divergent.Key)

		require.NoError(t, emerkle.VerifyExclusion(root, absent, proof))

		// The same proof cannot exclude the stored key itself.
		require.ErrorIs(t,
			emerkle.VerifyExclusion(root, stored, proof),
			emerkle.ErrProofMismatch,
		)
	})

	t.Run("empty slot", func(t *testing.T) {
		tree := newTestTree()
		root, err := tree.Apply(ctx, 1, []emerkle.Update{
			{Key: mkKey(0x11), Value: []byte("a")},
			{Key: mkKey(0x22), Value: []byte("b")},
		})
		require.NoError(t, err)

		absent := mkKey(0x55)
		v, proof, err := tree.GetWithProof(ctx, 1, absent)
		require.NoError(t, err)
		require.Nil(t, v)
		require.Len(t, proof.Levels, 1)
		require.Nil(t, proof.Divergent)

		require.NoError(t, emerkle.VerifyExclusion(root, absent, proof))

		// The stored keys cannot be excluded by this proof.
		require.ErrorIs(t,
			emerkle.VerifyExclusion(root, mkKey(0x11), proof),
			emerkle.ErrProofMismatch,
		)
	})

	t.Run("divergent leaf deep on shared path", func(t *testing.T) {
		tree := newTestTree()
		stored := mkKey(0x12, 0x3a, 0x01)
		other := mkKey(0x19)
		root, err := tree.Apply(ctx, 1, []emerkle.Update{
			{Key: stored, Value: []byte("deep")},
			{Key: other, Value: []byte("shallow")},
		})
		require.NoError(t, err)

		// Shares nibbles 1,2,3,a with the stored key, then diverges.
		absent := mkKey(0x12, 0x3a, 0xff)
		v, proof, err := tree.GetWithProof(ctx, 1, absent)
		require.NoError(t, err)
		require.Nil(t, v)
		require.NotNil(t, proof.Divergent)
		require.Equal(t, stored, proof.Divergent.Key)

		require.NoError(t, emerkle.VerifyExclusion(root, absent, proof))

		// A key off the divergent leaf's path cannot reuse the proof.
		require.ErrorIs(t,
			emerkle.VerifyExclusion(root, mkKey(0x13), proof),
			emerkle.ErrProofMismatch,
		)
	})
}

func TestTree_ProofsAcrossVersions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := newTestTree()

	k := mkKey(0x77)

	r1, err := tree.Apply(ctx, 1, []emerkle.Update{{Key: k, Value: []byte("one")}})
	require.NoError(t, err)

	r2, err := tree.Apply(ctx, 2, []emerkle.Update{{Key: k, Value: []byte("two")}})
	require.NoError(t, err)
	require.NotEqual(t, r1, r2)

	v1, p1, err := tree.GetWithProof(ctx, 1, k)
	require.NoError(t, err)
	require.NoError(t, emerkle.VerifyInclusion(r1, k, v1, p1))

	v2, p2, err := tree.GetWithProof(ctx, 2, k)
	require.NoError(t, err)
	require.NoError(t, emerkle.VerifyInclusion(r2, k, v2, p2))

	// Old proofs do not verify against the new root.
	require.ErrorIs(t, emerkle.VerifyInclusion(r2, k, v1, p1), emerkle.ErrProofMismatch)
}

func TestTree_PruneKeepsBoundaryVersion(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := newTestTree()

	kA := mkKey(0x81)
	kB := mkKey(0x92)

	_, err := tree.Apply(ctx, 1, []emerkle.Update{
		{Key: kA, Value: []byte("a1")},
		{Key: kB, Value: []byte("b1")},
	})
	require.NoError(t, err)

	_, err = tree.Apply(ctx, 2, []emerkle.Update{{Key: kA, Value: []byte("a2")}})
	require.NoError(t, err)

	r3, err := tree.Apply(ctx, 3, []emerkle.Update{{Key: kB, Value: nil}})
	require.NoError(t, err)

	n, err := tree.Prune(ctx, 2)
	require.NoError(t, err)
	require.NotZero(t, n)

	// Version 1 is gone.
	_, err = tree.Get(ctx, 1, kA)
	require.ErrorIs(t, err, emerkle.ErrVersionNotFound)

	// Version 2 remains fully readable, including the untouched key.
	v, err := tree.Get(ctx, 2, kA)
	require.NoError(t, err)
	require.Equal(t, []byte("a2"), v)

	v, err = tree.Get(ctx, 2, kB)
	require.NoError(t, err)
	require.Equal(t, []byte("b1"), v)

	// Version 3 as well, with a verifying proof.
	v, proof, err := tree.GetWithProof(ctx, 3, kA)
	require.NoError(t, err)
	require.NoError(t, emerkle.VerifyInclusion(r3, kA, v, proof))
}

func TestTree_RandomizedAgainstModel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Half hashed keys, half handcrafted collision-prone keys,
	// so deep shared paths get exercised.
	var pool []emerkle.KeyHash
	for i := range 12 {
		pool = append(pool, emerkle.HashKey([]byte{byte(i)}))
	}
	for i := range 12 {
		pool = append(pool, mkKey(0xab, 0xcd, byte(i)))
	}

	rng := rand.New(rand.NewChaCha8([32]byte{0xe5, 0x9e}))

	tree := newTestTree()
	model := make(map[emerkle.KeyHash][]byte)

	var lastRoot [32]byte
	for version := uint64(1); version <= 8; version++ {
		picked := make(map[emerkle.KeyHash]struct{})
		var ups []emerkle.Update
		for range 10 {
			k := pool[rng.IntN(len(pool))]
			if _, dup := picked[k]; dup {
				continue
			}
			picked[k] = struct{}{}

			if rng.IntN(3) == 0 {
				ups = append(ups, emerkle.Update{Key: k, Value: nil})
				delete(model, k)
			} else {
				v := []byte(fmt.Sprintf("v%d-%x", version, k[:3]))
				ups = append(ups, emerkle.Update{Key: k, Value: v})
				model[k] = v
			}
		}

		root, err := tree.Apply(ctx, version, ups)
		require.NoError(t, err)
		lastRoot = root

		for _, k := range pool {
			want, present := model[k]

			v, proof, err := tree.GetWithProof(ctx, version, k)
			require.NoError(t, err)

			if present {
				require.Equal(t, want, v)
				require.NoError(t, emerkle.VerifyInclusion(root, k, v, proof))
			} else {
				require.Nil(t, v)
				require.NoError(t, emerkle.VerifyExclusion(root, k, proof))
			}
		}
	}

	// The root depends only on the surviving key-value set,
	// not on the mutation history that produced it.
	var finalUps []emerkle.Update
	for k, v := range model {
		finalUps = append(finalUps, emerkle.Update{Key: k, Value: v})
	}
	fresh := newTestTree()
	freshRoot, err := fresh.Apply(ctx, 1, finalUps)
	require.NoError(t, err)
	require.Equal(t, lastRoot, freshRoot)
}
