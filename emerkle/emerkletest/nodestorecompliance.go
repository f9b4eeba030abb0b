package emerkletest

import (
	"context"
	"testing"

	"github.com/PythonRysh/espresso/emerkle"
	"github.com/stretchr/testify/require"
)

// NodeStoreFactory is the factory function used for [TestNodeStoreCompliance].
// The cleanup argument works like (*testing.T).Cleanup,
// letting implementations close databases or remove temporary files.
type NodeStoreFactory func(cleanup func(func())) (emerkle.NodeStore, error)

// TestNodeStoreCompliance is the compliance test
// every [emerkle.NodeStore] implementation must pass.
func TestNodeStoreCompliance(t *testing.T, f NodeStoreFactory) {
	t.Helper()

	t.Run("empty store", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		_, err = s.LatestRoot(ctx)
		require.ErrorIs(t, err, emerkle.ErrEmptyStore)

		_, err = s.Root(ctx, 1)
		require.ErrorIs(t, err, emerkle.ErrVersionNotFound)

		_, err = s.Node(ctx, emerkle.NodeKey{Version: 1})
		require.ErrorIs(t, err, emerkle.ErrNodeNotFound)
	})

	t.Run("batch round trip", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		leafA := &emerkle.LeafNode{Key: testKey(0x1a), Value: []byte("alpha")}
		leafB := &emerkle.LeafNode{Key: testKey(0x2b), Value: []byte("bravo")}
		root := &emerkle.InternalNode{}
		root.Children[1] = &emerkle.Child{Version: 1, Hash: leafA.Hash(), IsLeaf: true}
		root.Children[2] = &emerkle.Child{Version: 1, Hash: leafB.Hash(), IsLeaf: true}

		rootKey := emerkle.NodeKey{Version: 1}
		keyA := emerkle.NodeKey{Version: 1, Path: emerkle.PathFromKey(leafA.Key, 1)}
		keyB := emerkle.NodeKey{Version: 1, Path: emerkle.PathFromKey(leafB.Key, 1)}

		require.NoError(t, s.WriteBatch(ctx, emerkle.Batch{
			Root: emerkle.RootRecord{Version: 1, Hash: root.Hash(), NodeKey: &rootKey},
			Nodes: map[emerkle.NodeKey]emerkle.Node{
				rootKey: root,
				keyA:    leafA,
				keyB:    leafB,
			},
		}))

		rec, err := s.Root(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, uint64(1), rec.Version)
		require.Equal(t, root.Hash(), rec.Hash)
		require.NotNil(t, rec.NodeKey)
		require.Equal(t, rootKey, *rec.NodeKey)

		latest, err := s.LatestRoot(ctx)
		require.NoError(t, err)
		require.Equal(t, rec, latest)

		got, err := s.Node(ctx, keyA)
		require.NoError(t, err)
		gotLeaf, ok := got.(*emerkle.LeafNode)
		require.True(t, ok)
		require.Equal(t, leafA.Key, gotLeaf.Key)
		require.Equal(t, leafA.Value, gotLeaf.Value)
		require.Equal(t, leafA.Hash(), gotLeaf.Hash())
	})

	t.Run("internal node child flags survive storage", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		leaf := &emerkle.LeafNode{Key: testKey(0x3c), Value: []byte("charlie")}
		inner := &emerkle.InternalNode{}

		n := &emerkle.InternalNode{}
		n.Children[3] = &emerkle.Child{Version: 1, Hash: leaf.Hash(), IsLeaf: true}
		n.Children[7] = &emerkle.Child{Version: 1, Hash: inner.Hash(), IsLeaf: false}

		rootKey := emerkle.NodeKey{Version: 1}
		require.NoError(t, s.WriteBatch(ctx, emerkle.Batch{
			Root:  emerkle.RootRecord{Version: 1, Hash: n.Hash(), NodeKey: &rootKey},
			Nodes: map[emerkle.NodeKey]emerkle.Node{rootKey: n},
		}))

		got, err := s.Node(ctx, rootKey)
		require.NoError(t, err)
		gotInternal, ok := got.(*emerkle.InternalNode)
		require.True(t, ok)

		require.NotNil(t, gotInternal.Children[3])
		require.True(t, gotInternal.Children[3].IsLeaf)
		require.Equal(t, uint64(1), gotInternal.Children[3].Version)
		require.Equal(t, leaf.Hash(), gotInternal.Children[3].Hash)

		require.NotNil(t, gotInternal.Children[7])
		require.False(t, gotInternal.Children[7].IsLeaf)

		for i, c := range gotInternal.Children {
			if i == 3 || i == 7 {
				continue
			}
			require.Nil(t, c)
		}
	})

	t.Run("empty-tree root record", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		require.NoError(t, s.WriteBatch(ctx, emerkle.Batch{
			Root: emerkle.RootRecord{Version: 3, Hash: emerkle.EmptyRootHash()},
		}))

		rec, err := s.Root(ctx, 3)
		require.NoError(t, err)
		require.Nil(t, rec.NodeKey)
		require.Equal(t, emerkle.EmptyRootHash(), rec.Hash)
	})

	t.Run("stale or duplicate version rejected", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		require.NoError(t, s.WriteBatch(ctx, emerkle.Batch{
			Root: emerkle.RootRecord{Version: 5, Hash: emerkle.EmptyRootHash()},
		}))

		err = s.WriteBatch(ctx, emerkle.Batch{
			Root: emerkle.RootRecord{Version: 5, Hash: emerkle.EmptyRootHash()},
		})
		require.ErrorIs(t, err, emerkle.ErrStaleVersion)

		err = s.WriteBatch(ctx, emerkle.Batch{
			Root: emerkle.RootRecord{Version: 4, Hash: emerkle.EmptyRootHash()},
		})
		require.ErrorIs(t, err, emerkle.ErrStaleVersion)

		// Gaps are fine.
		require.NoError(t, s.WriteBatch(ctx, emerkle.Batch{
			Root: emerkle.RootRecord{Version: 9, Hash: emerkle.EmptyRootHash()},
		}))

		latest, err := s.LatestRoot(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(9), latest.Version)
	})

	t.Run("pruning stale nodes", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		oldLeaf := &emerkle.LeafNode{Key: testKey(0x4d), Value: []byte("old")}
		oldKey := emerkle.NodeKey{Version: 1}
		require.NoError(t, s.WriteBatch(ctx, emerkle.Batch{
			Root:  emerkle.RootRecord{Version: 1, Hash: oldLeaf.Hash(), NodeKey: &oldKey},
			Nodes: map[emerkle.NodeKey]emerkle.Node{oldKey: oldLeaf},
		}))

		newLeaf := &emerkle.LeafNode{Key: testKey(0x4d), Value: []byte("new")}
		newKey := emerkle.NodeKey{Version: 2}
		require.NoError(t, s.WriteBatch(ctx, emerkle.Batch{
			Root:  emerkle.RootRecord{Version: 2, Hash: newLeaf.Hash(), NodeKey: &newKey},
			Nodes: map[emerkle.NodeKey]emerkle.Node{newKey: newLeaf},
			Stale: []emerkle.StaleNodeRef{{StaleSince: 2, Key: oldKey}},
		}))

		// Pruning up to 1 keeps the node staled at 2.
		n, err := s.PruneStale(ctx, 1)
		require.NoError(t, err)
		require.Zero(t, n)

		_, err = s.Node(ctx, oldKey)
		require.NoError(t, err)

		// Pruning up to 2 drops it, and version 2 stays readable.
		n, err = s.PruneStale(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		_, err = s.Node(ctx, oldKey)
		require.ErrorIs(t, err, emerkle.ErrNodeNotFound)

		_, err = s.Root(ctx, 1)
		require.ErrorIs(t, err, emerkle.ErrVersionNotFound)

		rec, err := s.Root(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, newLeaf.Hash(), rec.Hash)

		got, err := s.Node(ctx, newKey)
		require.NoError(t, err)
		require.Equal(t, []byte("new"), got.(*emerkle.LeafNode).Value)

		// Pruning again is a no-op.
		n, err = s.PruneStale(ctx, 2)
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

// testKey returns a key hash whose first byte is b,
// with the remainder filled deterministically.
func testKey(b byte) emerkle.KeyHash {
	var k emerkle.KeyHash
	k[0] = b
	for i := 1; i < len(k); i++ {
		k[i] = b ^ byte(i)
	}
	return k
}
