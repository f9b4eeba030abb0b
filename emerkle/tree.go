package emerkle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrKeyNotFound indicates a Get against a key with no value
// at the requested version.
var ErrKeyNotFound = errors.New("key not found")

// ErrStaleVersion indicates a write at or below the latest stored version.
var ErrStaleVersion = errors.New("version not greater than latest")

// Update is one key mutation within a version.
// A nil Value deletes the key; deleting an absent key is a no-op.
type Update struct {
	Key   KeyHash
	Value []byte
}

// Tree reads and writes versioned state through a [NodeStore].
//
// Tree itself holds no mutable state, so one writer may Apply
// while any number of readers serve committed versions.
type Tree struct {
	store NodeStore
}

func NewTree(store NodeStore) *Tree {
	return &Tree{store: store}
}

// Apply writes one version's updates and returns the new root digest.
//
// The version must be strictly greater than the latest stored version;
// gaps are allowed so callers may use block heights directly.
// The result is deterministic given the prior root and the update set,
// independent of the order of updates.
func (t *Tree) Apply(ctx context.Context, version uint64, updates []Update) ([32]byte, error) {
	seen := make(map[KeyHash]struct{}, len(updates))
	for _, u := range updates {
		if _, dup := seen[u.Key]; dup {
			return [32]byte{}, fmt.Errorf("duplicate update for key %x", u.Key)
		}
		seen[u.Key] = struct{}{}
	}

	// Deterministic recursion independent of caller ordering.
	ups := slices.Clone(updates)
	slices.SortFunc(ups, func(a, b Update) int {
		return bytes.Compare(a.Key[:], b.Key[:])
	})

	var baseRoot *Child
	prevHash := EmptyRootHash()

	latest, err := t.store.LatestRoot(ctx)
	switch {
	case err == nil:
		if version <= latest.Version {
			return [32]byte{}, fmt.Errorf(
				"%w: writing %d, latest is %d", ErrStaleVersion, version, latest.Version,
			)
		}
		prevHash = latest.Hash
		if latest.NodeKey != nil {
			baseRoot = &Child{Version: latest.NodeKey.Version, Hash: latest.Hash}
		}
	case errors.Is(err, ErrEmptyStore):
		// First version; baseRoot stays nil.
	default:
		return [32]byte{}, fmt.Errorf("loading latest root: %w", err)
	}

	batch := Batch{
		Nodes: make(map[NodeKey]Node),
	}

	ac := &applyCtx{
		ctx:     ctx,
		store:   t.store,
		version: version,
		batch:   &batch,
	}

	newRoot, changed, err := ac.applyAt(baseRoot, NibblePath{}, ups)
	if err != nil {
		return [32]byte{}, err
	}

	rec := RootRecord{Version: version}
	switch {
	case !changed:
		// Every version gets a root record even when nothing moved,
		// so empty blocks still advance the version line.
		rec.Hash = prevHash
		if baseRoot != nil {
			rec.NodeKey = &NodeKey{Version: baseRoot.Version, Path: NibblePath{}}
		}
	case newRoot == nil:
		rec.Hash = EmptyRootHash()
	default:
		rec.Hash = newRoot.Hash
		rec.NodeKey = &NodeKey{Version: version, Path: NibblePath{}}
	}
	batch.Root = rec

	if err := t.store.WriteBatch(ctx, batch); err != nil {
		return [32]byte{}, fmt.Errorf("writing version %d: %w", version, err)
	}

	return rec.Hash, nil
}

// RootHash returns the root digest at a version.
func (t *Tree) RootHash(ctx context.Context, version uint64) ([32]byte, error) {
	rec, err := t.store.Root(ctx, version)
	if err != nil {
		return [32]byte{}, err
	}
	return rec.Hash, nil
}

// LatestVersion returns the newest stored version and its root digest.
func (t *Tree) LatestVersion(ctx context.Context) (uint64, [32]byte, error) {
	rec, err := t.store.LatestRoot(ctx)
	if err != nil {
		return 0, [32]byte{}, err
	}
	return rec.Version, rec.Hash, nil
}

// Prune drops all nodes that were superseded at or before upTo.
// Versions at or above upTo remain fully readable;
// older versions must no longer be requested.
func (t *Tree) Prune(ctx context.Context, upTo uint64) (int, error) {
	return t.store.PruneStale(ctx, upTo)
}

type applyCtx struct {
	ctx     context.Context
	store   NodeStore
	version uint64
	batch   *Batch
}

func (ac *applyCtx) stale(nk NodeKey) {
	ac.batch.Stale = append(ac.batch.Stale, StaleNodeRef{
		StaleSince: ac.version,
		Key:        nk,
	})
}

func (ac *applyCtx) write(path NibblePath, n Node, isLeaf bool) *Child {
	ac.batch.Nodes[NodeKey{Version: ac.version, Path: path}] = n
	return &Child{Version: ac.version, Hash: n.Hash(), IsLeaf: isLeaf}
}

// loadNode reads a node, preferring the in-progress batch
// so collapse logic can see nodes written earlier in the same version.
func (ac *applyCtx) loadNode(nk NodeKey) (Node, error) {
	if n, ok := ac.batch.Nodes[nk]; ok {
		return n, nil
	}
	return ac.store.Node(ac.ctx, nk)
}

// applyAt rewrites the subtree rooted at path with the given updates.
// cur is the existing subtree reference, nil for an empty slot.
// The returned child is the subtree's replacement (nil if it emptied);
// changed is false when every update was a no-op
// and cur may continue to be referenced as is.
func (ac *applyCtx) applyAt(cur *Child, path NibblePath, updates []Update) (*Child, bool, error) {
	if len(updates) == 0 {
		return cur, false, nil
	}

	if cur == nil {
		return ac.buildFresh(path, liveInserts(updates))
	}

	nk := NodeKey{Version: cur.Version, Path: path}
	node, err := ac.loadNode(nk)
	if err != nil {
		return nil, false, fmt.Errorf("loading %v: %w", nk, err)
	}

	switch n := node.(type) {
	case *LeafNode:
		return ac.applyAtLeaf(nk, n, path, updates)
	case *InternalNode:
		return ac.applyAtInternal(nk, n, path, updates)
	default:
		panic(fmt.Errorf("BUG: unknown node type %T", node))
	}
}

// liveInserts filters out deletes, which are no-ops against empty subtrees.
func liveInserts(updates []Update) []Update {
	out := updates[:0:0]
	for _, u := range updates {
		if u.Value != nil {
			out = append(out, u)
		}
	}
	return out
}

// buildFresh constructs a subtree from scratch out of inserts.
func (ac *applyCtx) buildFresh(path NibblePath, inserts []Update) (*Child, bool, error) {
	switch len(inserts) {
	case 0:
		return nil, false, nil
	case 1:
		leaf := &LeafNode{Key: inserts[0].Key, Value: bytes.Clone(inserts[0].Value)}
		return ac.write(path, leaf, true), true, nil
	}

	depth := path.Len()
	if depth >= MaxPathNibbles {
		// Two distinct keys cannot share all nibbles.
		panic(fmt.Errorf("BUG: %d conflicting inserts at max depth", len(inserts)))
	}

	internal := new(InternalNode)
	for nib, group := range groupByNibble(inserts, depth) {
		if len(group) == 0 {
			continue
		}
		c, _, err := ac.buildFresh(path.Child(byte(nib)), group)
		if err != nil {
			return nil, false, err
		}
		internal.Children[nib] = c
	}

	return ac.write(path, internal, false), true, nil
}

func (ac *applyCtx) applyAtLeaf(nk NodeKey, leaf *LeafNode, path NibblePath, updates []Update) (*Child, bool, error) {
	// Partition: the update addressed to this exact key, if any,
	// and inserts for other keys that must push the leaf down.
	var own *Update
	var foreign []Update
	for i, u := range updates {
		if u.Key == leaf.Key {
			own = &updates[i]
			continue
		}
		if u.Value != nil {
			foreign = append(foreign, u)
		}
	}

	if own == nil && len(foreign) == 0 {
		// Only deletes of absent keys landed here.
		return &Child{Version: nk.Version, Hash: leaf.Hash(), IsLeaf: true}, false, nil
	}

	// Any real mutation supersedes the stored leaf.
	ac.stale(nk)

	// The survivor set rebuilds this position from empty.
	items := foreign
	if own == nil {
		items = append(items, Update{Key: leaf.Key, Value: leaf.Value})
	} else if own.Value != nil {
		items = append(items, Update{Key: leaf.Key, Value: own.Value})
	}

	c, _, err := ac.buildFresh(path, items)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (ac *applyCtx) applyAtInternal(nk NodeKey, internal *InternalNode, path NibblePath, updates []Update) (*Child, bool, error) {
	depth := path.Len()

	next := &InternalNode{Children: internal.Children}
	anyChanged := false

	for nib, group := range groupByNibble(updates, depth) {
		if len(group) == 0 {
			continue
		}

		c, changed, err := ac.applyAt(internal.Children[nib], path.Child(byte(nib)), group)
		if err != nil {
			return nil, false, err
		}
		if changed {
			next.Children[nib] = c
			anyChanged = true
		}
	}

	if !anyChanged {
		return &Child{Version: nk.Version, Hash: internal.Hash()}, false, nil
	}

	ac.stale(nk)

	switch next.ChildCount() {
	case 0:
		return nil, true, nil
	case 1:
		if nib, sole, _ := next.SoleChild(); sole.IsLeaf {
			// A lone leaf collapses upward so no internal node
			// ever covers a single leaf.
			return ac.liftLeaf(sole, path.Child(nib), path)
		}
	}

	return ac.write(path, next, false), true, nil
}

// liftLeaf moves a leaf from childPath up to path.
func (ac *applyCtx) liftLeaf(c *Child, childPath, path NibblePath) (*Child, bool, error) {
	nk := NodeKey{Version: c.Version, Path: childPath}
	node, err := ac.loadNode(nk)
	if err != nil {
		return nil, false, fmt.Errorf("loading leaf to lift at %v: %w", nk, err)
	}

	leaf, ok := node.(*LeafNode)
	if !ok {
		panic(fmt.Errorf("BUG: lifting non-leaf node at %v", nk))
	}

	if c.Version == ac.version {
		// Written earlier in this same batch; relocate rather than stale.
		delete(ac.batch.Nodes, nk)
	} else {
		ac.stale(nk)
	}

	return ac.write(path, &LeafNode{Key: leaf.Key, Value: leaf.Value}, true), true, nil
}

// groupByNibble splits updates by their nibble at the given depth.
// Updates arrive key-sorted, so each group preserves sorted order.
func groupByNibble(updates []Update, depth int) [16][]Update {
	var groups [16][]Update
	for _, u := range updates {
		nib := u.Key.Nibble(depth)
		groups[nib] = append(groups[nib], u)
	}
	return groups
}
