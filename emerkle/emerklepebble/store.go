// Package emerklepebble stores merkle tree nodes in a pebble database.
//
// Keys are grouped by a single type byte so that each record family
// occupies one contiguous, independently iterable keyspace:
// node records under 'n', per-version roots under 'r',
// and the stale-node index under 's'.
package emerklepebble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/PythonRysh/espresso/emerkle"
)

const cacheSize = 1 << 20 * 64

const (
	nodePrefix  byte = 'n'
	rootPrefix  byte = 'r'
	stalePrefix byte = 's'
)

var _ emerkle.NodeStore = (*Store)(nil)

// Store is a pebble-backed [emerkle.NodeStore].
type Store struct {
	db *pebble.DB

	// Serializes the read-check-write in WriteBatch,
	// and prune passes. Readers go straight to pebble.
	mu sync.Mutex
}

// Open opens or creates a store in the given directory.
func Open(dir string) (*Store, error) {
	c := pebble.NewCache(cacheSize)
	defer c.Unref()

	db, err := pebble.Open(dir, &pebble.Options{Cache: c})
	if err != nil {
		return nil, fmt.Errorf("opening pebble database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Node(_ context.Context, key emerkle.NodeKey) (emerkle.Node, error) {
	v, closer, err := s.db.Get(nodeDBKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", emerkle.ErrNodeNotFound, key)
		}
		return nil, fmt.Errorf("reading node %v: %w", key, err)
	}
	defer closer.Close()

	n, err := decodeNode(v)
	if err != nil {
		return nil, fmt.Errorf("decoding node %v: %w", key, err)
	}
	return n, nil
}

func (s *Store) Root(_ context.Context, version uint64) (emerkle.RootRecord, error) {
	v, closer, err := s.db.Get(rootDBKey(version))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return emerkle.RootRecord{}, fmt.Errorf("%w: %d", emerkle.ErrVersionNotFound, version)
		}
		return emerkle.RootRecord{}, fmt.Errorf("reading root %d: %w", version, err)
	}
	defer closer.Close()

	return decodeRoot(version, v)
}

func (s *Store) LatestRoot(_ context.Context) (emerkle.RootRecord, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{rootPrefix},
		UpperBound: []byte{rootPrefix + 1},
	})
	if err != nil {
		return emerkle.RootRecord{}, fmt.Errorf("iterating roots: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return emerkle.RootRecord{}, emerkle.ErrEmptyStore
	}

	version, err := rootVersionFromDBKey(iter.Key())
	if err != nil {
		return emerkle.RootRecord{}, err
	}
	return decodeRoot(version, iter.Value())
}

func (s *Store) WriteBatch(ctx context.Context, b emerkle.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.LatestRoot(ctx)
	switch {
	case err == nil:
		if b.Root.Version <= latest.Version {
			return fmt.Errorf(
				"%w: writing %d, latest is %d",
				emerkle.ErrStaleVersion, b.Root.Version, latest.Version,
			)
		}
	case errors.Is(err, emerkle.ErrEmptyStore):
		// First write.
	default:
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	rootVal, err := encodeRoot(b.Root)
	if err != nil {
		return err
	}
	if err := batch.Set(rootDBKey(b.Root.Version), rootVal, nil); err != nil {
		return fmt.Errorf("staging root %d: %w", b.Root.Version, err)
	}

	for key, node := range b.Nodes {
		val, err := encodeNode(node)
		if err != nil {
			return fmt.Errorf("encoding node %v: %w", key, err)
		}
		if err := batch.Set(nodeDBKey(key), val, nil); err != nil {
			return fmt.Errorf("staging node %v: %w", key, err)
		}
	}

	for _, ref := range b.Stale {
		if err := batch.Set(staleDBKey(ref), nil, nil); err != nil {
			return fmt.Errorf("staging stale ref %v: %w", ref.Key, err)
		}
	}

	if err := batch.Commit(&pebble.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("committing version %d: %w", b.Root.Version, err)
	}
	return nil
}

func (s *Store) PruneStale(_ context.Context, upTo uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	deleted := 0

	// Stale keys order by stale-since version first,
	// so the prunable range is a single prefix scan.
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{stalePrefix},
		UpperBound: []byte{stalePrefix + 1},
	})
	if err != nil {
		return 0, fmt.Errorf("iterating stale index: %w", err)
	}

	for iter.First(); iter.Valid(); iter.Next() {
		ref, err := staleRefFromDBKey(iter.Key())
		if err != nil {
			iter.Close()
			return 0, err
		}
		if ref.StaleSince > upTo {
			break
		}

		if err := batch.Delete(nodeDBKey(ref.Key), nil); err != nil {
			iter.Close()
			return 0, fmt.Errorf("staging node delete: %w", err)
		}
		if err := batch.Delete(iter.Key(), nil); err != nil {
			iter.Close()
			return 0, fmt.Errorf("staging stale ref delete: %w", err)
		}
		deleted++
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("closing stale iterator: %w", err)
	}

	// Root records strictly below upTo are no longer servable.
	if upTo > 0 {
		rootIter, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: []byte{rootPrefix},
			UpperBound: rootDBKey(upTo),
		})
		if err != nil {
			return 0, fmt.Errorf("iterating roots: %w", err)
		}
		for rootIter.First(); rootIter.Valid(); rootIter.Next() {
			if err := batch.Delete(rootIter.Key(), nil); err != nil {
				rootIter.Close()
				return 0, fmt.Errorf("staging root delete: %w", err)
			}
		}
		if err := rootIter.Close(); err != nil {
			return 0, fmt.Errorf("closing root iterator: %w", err)
		}
	}

	if err := batch.Commit(&pebble.WriteOptions{Sync: true}); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}
	return deleted, nil
}

func nodeDBKey(k emerkle.NodeKey) []byte {
	packed := k.Path.Pack()
	out := make([]byte, 0, 1+8+len(packed))
	out = append(out, nodePrefix)
	out = binary.BigEndian.AppendUint64(out, k.Version)
	return append(out, packed...)
}

func rootDBKey(version uint64) []byte {
	out := make([]byte, 0, 1+8)
	out = append(out, rootPrefix)
	return binary.BigEndian.AppendUint64(out, version)
}

func rootVersionFromDBKey(k []byte) (uint64, error) {
	if len(k) != 1+8 || k[0] != rootPrefix {
		return 0, fmt.Errorf("malformed root key %x", k)
	}
	return binary.BigEndian.Uint64(k[1:]), nil
}

func staleDBKey(ref emerkle.StaleNodeRef) []byte {
	packed := ref.Key.Path.Pack()
	out := make([]byte, 0, 1+8+8+len(packed))
	out = append(out, stalePrefix)
	out = binary.BigEndian.AppendUint64(out, ref.StaleSince)
	out = binary.BigEndian.AppendUint64(out, ref.Key.Version)
	return append(out, packed...)
}

func staleRefFromDBKey(k []byte) (emerkle.StaleNodeRef, error) {
	if len(k) < 1+8+8+1 || k[0] != stalePrefix {
		return emerkle.StaleNodeRef{}, fmt.Errorf("malformed stale key %x", k)
	}

	path, err := emerkle.UnpackPath(k[17:])
	if err != nil {
		return emerkle.StaleNodeRef{}, fmt.Errorf("malformed stale key %x: %w", k, err)
	}

	return emerkle.StaleNodeRef{
		StaleSince: binary.BigEndian.Uint64(k[1:9]),
		Key: emerkle.NodeKey{
			Version: binary.BigEndian.Uint64(k[9:17]),
			Path:    path,
		},
	}, nil
}

const (
	kindLeaf     = 1
	kindInternal = 2
)

type nodeRecord struct {
	Kind     uint8
	Key      []byte        `msgpack:",omitempty"`
	Value    []byte        `msgpack:",omitempty"`
	Children []childRecord `msgpack:",omitempty"`
}

type childRecord struct {
	Nibble  uint8
	Version uint64
	Hash    []byte
	IsLeaf  bool
}

func encodeNode(n emerkle.Node) ([]byte, error) {
	switch n := n.(type) {
	case *emerkle.LeafNode:
		return msgpack.Marshal(nodeRecord{
			Kind:  kindLeaf,
			Key:   n.Key[:],
			Value: n.Value,
		})

	case *emerkle.InternalNode:
		rec := nodeRecord{Kind: kindInternal}
		for i, c := range n.Children {
			if c == nil {
				continue
			}
			rec.Children = append(rec.Children, childRecord{
				Nibble:  uint8(i),
				Version: c.Version,
				Hash:    c.Hash[:],
				IsLeaf:  c.IsLeaf,
			})
		}
		return msgpack.Marshal(rec)

	default:
		panic(fmt.Errorf("BUG: unknown node type %T", n))
	}
}

func decodeNode(v []byte) (emerkle.Node, error) {
	var rec nodeRecord
	if err := msgpack.Unmarshal(v, &rec); err != nil {
		return nil, err
	}

	switch rec.Kind {
	case kindLeaf:
		if len(rec.Key) != emerkle.KeyHashSize {
			return nil, fmt.Errorf("leaf key has %d bytes, want %d", len(rec.Key), emerkle.KeyHashSize)
		}
		leaf := &emerkle.LeafNode{Value: rec.Value}
		copy(leaf.Key[:], rec.Key)
		return leaf, nil

	case kindInternal:
		n := new(emerkle.InternalNode)
		for _, c := range rec.Children {
			if c.Nibble > 0x0f {
				return nil, fmt.Errorf("child nibble %#x out of range", c.Nibble)
			}
			if len(c.Hash) != 32 {
				return nil, fmt.Errorf("child hash has %d bytes, want 32", len(c.Hash))
			}
			if n.Children[c.Nibble] != nil {
				return nil, fmt.Errorf("duplicate child nibble %#x", c.Nibble)
			}
			child := &emerkle.Child{Version: c.Version, IsLeaf: c.IsLeaf}
			copy(child.Hash[:], c.Hash)
			n.Children[c.Nibble] = child
		}
		return n, nil

	default:
		return nil, fmt.Errorf("unknown node kind %d", rec.Kind)
	}
}

type rootValue struct {
	Hash        []byte
	HasNode     bool
	NodeVersion uint64 `msgpack:",omitempty"`
	NodePath    []byte `msgpack:",omitempty"`
}

func encodeRoot(r emerkle.RootRecord) ([]byte, error) {
	val := rootValue{Hash: r.Hash[:]}
	if r.NodeKey != nil {
		val.HasNode = true
		val.NodeVersion = r.NodeKey.Version
		val.NodePath = r.NodeKey.Path.Pack()
	}

	out, err := msgpack.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("encoding root %d: %w", r.Version, err)
	}
	return out, nil
}

func decodeRoot(version uint64, v []byte) (emerkle.RootRecord, error) {
	var val rootValue
	if err := msgpack.Unmarshal(v, &val); err != nil {
		return emerkle.RootRecord{}, fmt.Errorf("decoding root %d: %w", version, err)
	}
	if len(val.Hash) != 32 {
		return emerkle.RootRecord{}, fmt.Errorf("root %d hash has %d bytes, want 32", version, len(val.Hash))
	}

	rec := emerkle.RootRecord{Version: version}
	copy(rec.Hash[:], val.Hash)

	if val.HasNode {
		path, err := emerkle.UnpackPath(val.NodePath)
		if err != nil {
			return emerkle.RootRecord{}, fmt.Errorf("decoding root %d node path: %w", version, err)
		}
		rec.NodeKey = &emerkle.NodeKey{Version: val.NodeVersion, Path: path}
	}
	return rec, nil
}
