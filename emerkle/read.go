package emerkle

import (
	"context"
	"fmt"
)

// Get returns the value stored for key at the given version,
// or [ErrKeyNotFound].
func (t *Tree) Get(ctx context.Context, version uint64, key KeyHash) ([]byte, error) {
	rec, err := t.store.Root(ctx, version)
	if err != nil {
		return nil, err
	}
	if rec.NodeKey == nil {
		return nil, ErrKeyNotFound
	}

	nk := *rec.NodeKey
	for depth := 0; ; depth++ {
		node, err := t.store.Node(ctx, nk)
		if err != nil {
			return nil, fmt.Errorf("loading %v: %w", nk, err)
		}

		switch n := node.(type) {
		case *LeafNode:
			if n.Key != key {
				return nil, ErrKeyNotFound
			}
			return n.Value, nil

		case *InternalNode:
			nib := key.Nibble(depth)
			c := n.Children[nib]
			if c == nil {
				return nil, ErrKeyNotFound
			}
			nk = NodeKey{Version: c.Version, Path: nk.Path.Child(nib)}

		default:
			panic(fmt.Errorf("BUG: unknown node type %T", node))
		}
	}
}

// GetWithProof returns the value for key at the given version
// together with an authentication proof.
// For an absent key the value is nil and the proof is an exclusion proof;
// both kinds verify against the version's root digest.
func (t *Tree) GetWithProof(ctx context.Context, version uint64, key KeyHash) ([]byte, Proof, error) {
	rec, err := t.store.Root(ctx, version)
	if err != nil {
		return nil, Proof{}, err
	}
	if rec.NodeKey == nil {
		// Empty tree: the bare root digest proves exclusion.
		return nil, Proof{}, nil
	}

	var proof Proof

	nk := *rec.NodeKey
	for depth := 0; ; depth++ {
		node, err := t.store.Node(ctx, nk)
		if err != nil {
			return nil, Proof{}, fmt.Errorf("loading %v: %w", nk, err)
		}

		switch n := node.(type) {
		case *LeafNode:
			if n.Key != key {
				proof.Divergent = &LeafSummary{
					Key:       n.Key,
					ValueHash: HashValue(n.Value),
				}
				return nil, proof, nil
			}
			return n.Value, proof, nil

		case *InternalNode:
			proof.Levels = append(proof.Levels, levelFromNode(n))

			nib := key.Nibble(depth)
			c := n.Children[nib]
			if c == nil {
				// The key's slot is empty at this depth.
				return nil, proof, nil
			}
			nk = NodeKey{Version: c.Version, Path: nk.Path.Child(nib)}

		default:
			panic(fmt.Errorf("BUG: unknown node type %T", node))
		}
	}
}

func levelFromNode(n *InternalNode) ProofLevel {
	var lvl ProofLevel
	for i, c := range n.Children {
		if c == nil {
			continue
		}
		lvl.Bitmap |= 1 << uint(i)
		lvl.Hashes = append(lvl.Hashes, c.Hash)
	}
	return lvl
}
