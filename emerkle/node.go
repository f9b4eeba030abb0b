package emerkle

import (
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Domain tags keep leaf and internal hashes from colliding,
// and keep tree hashes from colliding with raw value hashes.
var (
	leafHashTag     = []byte("emerkle.leaf")
	internalHashTag = []byte("emerkle.internal")
)

// HashKey maps an arbitrary raw key onto the fixed-size [KeyHash]
// the tree indexes by.
func HashKey(raw []byte) KeyHash {
	return KeyHash(blake2b.Sum256(raw))
}

// HashValue returns the digest of a value as committed inside leaf hashes.
func HashValue(value []byte) [32]byte {
	return blake2b.Sum256(value)
}

// NodeKey identifies one stored node:
// the version that wrote it plus its position in the tree.
type NodeKey struct {
	Version uint64
	Path    NibblePath
}

func (k NodeKey) String() string {
	return fmt.Sprintf("v%d:%s", k.Version, k.Path)
}

// Node is either an [*InternalNode] or a [*LeafNode].
type Node interface {
	// Hash returns the authenticated digest of the node.
	Hash() [32]byte

	isNode()
}

// Child is an internal node's reference to one subtree.
// The Version tells readers which stored node to load;
// unchanged subtrees keep their original version across writes.
type Child struct {
	Version uint64
	Hash    [32]byte
	IsLeaf  bool
}

// InternalNode has up to 16 children, indexed by nibble.
// An internal node always has at least two descendant leaves;
// single-leaf subtrees collapse into the leaf itself.
type InternalNode struct {
	Children [16]*Child
}

func (n *InternalNode) isNode() {}

// Hash commits to all 16 child slots,
// with absent children contributing a fixed empty digest.
func (n *InternalNode) Hash() [32]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(fmt.Errorf("BUG: keyless blake2b cannot fail: %w", err))
	}

	h.Write(internalHashTag)
	for _, c := range n.Children {
		if c == nil {
			h.Write(emptyChildHash[:])
		} else {
			h.Write(c.Hash[:])
		}
	}

	var out [32]byte
	h.Sum(out[:0])
	return out
}

// ChildCount returns the number of occupied child slots.
func (n *InternalNode) ChildCount() int {
	count := 0
	for _, c := range n.Children {
		if c != nil {
			count++
		}
	}
	return count
}

// SoleChild returns the single occupied slot's nibble and child,
// or ok=false if the node does not have exactly one child.
func (n *InternalNode) SoleChild() (nibble byte, c *Child, ok bool) {
	for i, cand := range n.Children {
		if cand == nil {
			continue
		}
		if c != nil {
			return 0, nil, false
		}
		nibble, c = byte(i), cand
	}
	return nibble, c, c != nil
}

// LeafNode stores one key's value.
type LeafNode struct {
	Key   KeyHash
	Value []byte
}

func (n *LeafNode) isNode() {}

// Hash commits to the full key hash and the value digest.
// Committing the key hash, not just the path consumed so far,
// is what makes exclusion-by-divergent-leaf proofs sound.
func (n *LeafNode) Hash() [32]byte {
	return leafHash(n.Key, HashValue(n.Value))
}

func leafHash(key KeyHash, valueHash [32]byte) [32]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(fmt.Errorf("BUG: keyless blake2b cannot fail: %w", err))
	}

	h.Write(leafHashTag)
	h.Write(key[:])
	h.Write(valueHash[:])

	var out [32]byte
	h.Sum(out[:0])
	return out
}

// emptyChildHash is the digest contributed by absent children.
var emptyChildHash = blake2b.Sum256([]byte("emerkle.empty"))

// EmptyRootHash is the root digest of a tree with no entries.
func EmptyRootHash() [32]byte {
	return emptyChildHash
}
