package hsi

import (
	"fmt"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// blockNode is one proposed block in the tree,
// linked to its parent and any children extending it.
type blockNode struct {
	pb hsconsensus.ProposedBlock

	parent   *blockNode
	children []*blockNode
}

func (n *blockNode) Hash() string {
	return string(n.pb.Block.Hash)
}

// blockTree tracks every proposed block above the last committed block.
//
// The root is the last committed block and is the only committed
// node in the tree; commits advance the root and drop
// everything that does not descend from the new root.
type blockTree struct {
	root *blockNode

	byHash map[string]*blockNode
}

func newBlockTree(root hsconsensus.ProposedBlock) *blockTree {
	n := &blockNode{pb: root}
	return &blockTree{
		root: n,
		byHash: map[string]*blockNode{
			n.Hash(): n,
		},
	}
}

func (t *blockTree) Root() *blockNode {
	return t.root
}

func (t *blockTree) Node(hash string) (*blockNode, bool) {
	n, ok := t.byHash[hash]
	return n, ok
}

func (t *blockTree) Contains(hash string) bool {
	_, ok := t.byHash[hash]
	return ok
}

// Add links pb under its parent.
// Adding a block already in the tree is a no-op.
func (t *blockTree) Add(pb hsconsensus.ProposedBlock) error {
	hash := string(pb.Block.Hash)
	if _, ok := t.byHash[hash]; ok {
		return nil
	}

	parent, ok := t.byHash[string(pb.Block.ParentHash)]
	if !ok {
		return fmt.Errorf("parent %x not in tree", pb.Block.ParentHash)
	}

	if pb.Block.Height != parent.pb.Block.Height+1 {
		return fmt.Errorf(
			"block at height %d cannot extend parent at height %d",
			pb.Block.Height, parent.pb.Block.Height,
		)
	}
	if pb.Block.View <= parent.pb.Block.View {
		return fmt.Errorf(
			"block at view %d cannot extend parent at view %d",
			pb.Block.View, parent.pb.Block.View,
		)
	}

	n := &blockNode{pb: pb, parent: parent}
	parent.children = append(parent.children, n)
	t.byHash[hash] = n
	return nil
}

// ExtendsBranch reports whether the block whose parent hash is given
// descends from the block with hash branch.
//
// The committed root counts as part of every branch through it,
// so a lock on an already-committed block never blocks voting.
func (t *blockTree) ExtendsBranch(parentHash, branch string) bool {
	for n := t.byHash[parentHash]; n != nil; n = n.parent {
		if n.Hash() == branch {
			return true
		}
	}
	return false
}

// UncommittedAncestry returns the chain of blocks from just above
// the root down to n inclusive, oldest first.
// It returns nil when n is the root.
func (t *blockTree) UncommittedAncestry(n *blockNode) []*blockNode {
	var chain []*blockNode
	for ; n != nil && n != t.root; n = n.parent {
		chain = append(chain, n)
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// SetRoot commits n: n becomes the new root and every block
// not descending from it is dropped.
// The dropped blocks are returned so the caller can release
// any resources tied to them.
func (t *blockTree) SetRoot(n *blockNode) []hsconsensus.ProposedBlock {
	keep := make(map[string]*blockNode)
	var walk func(m *blockNode)
	walk = func(m *blockNode) {
		keep[m.Hash()] = m
		for _, c := range m.children {
			walk(c)
		}
	}
	walk(n)

	var dropped []hsconsensus.ProposedBlock
	for h, m := range t.byHash {
		if _, ok := keep[h]; !ok {
			dropped = append(dropped, m.pb)
		}
	}

	n.parent = nil
	t.root = n
	t.byHash = keep
	return dropped
}
