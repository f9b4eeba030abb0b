package emerkle

import (
	"context"
	"errors"
)

var (
	// ErrNodeNotFound indicates a node key with no stored node,
	// either never written or already pruned.
	ErrNodeNotFound = errors.New("node not found")

	// ErrVersionNotFound indicates a version with no stored root record.
	ErrVersionNotFound = errors.New("version not found")

	// ErrEmptyStore indicates no version has been written yet.
	ErrEmptyStore = errors.New("no versions stored")
)

// RootRecord ties a version to its root.
// NodeKey is nil when the tree was empty at that version.
type RootRecord struct {
	Version uint64
	Hash    [32]byte
	NodeKey *NodeKey
}

// StaleNodeRef marks a node as superseded:
// Key identifies the node, and StaleSince is the version whose write
// replaced or removed it.
// The node still belongs to every tree version before StaleSince.
type StaleNodeRef struct {
	StaleSince uint64
	Key        NodeKey
}

// Batch is one version's atomic write set.
type Batch struct {
	Root RootRecord

	// Nodes created by this version.
	Nodes map[NodeKey]Node

	// Nodes this version superseded.
	Stale []StaleNodeRef
}

// NodeStore persists tree nodes, per-version root records,
// and the stale-node index that drives pruning.
//
// Implementations must apply a Batch atomically,
// must reject a batch whose root version is at or below
// the latest stored version (see [ErrStaleVersion]),
// and must be safe for concurrent readers while a writer
// applies batches or prunes.
type NodeStore interface {
	// Node loads a stored node, or returns [ErrNodeNotFound].
	Node(ctx context.Context, key NodeKey) (Node, error)

	// Root loads the root record for a version,
	// or returns [ErrVersionNotFound].
	Root(ctx context.Context, version uint64) (RootRecord, error)

	// LatestRoot loads the highest-version root record,
	// or returns [ErrEmptyStore].
	LatestRoot(ctx context.Context) (RootRecord, error)

	// WriteBatch atomically applies one version's write set.
	WriteBatch(ctx context.Context, b Batch) error

	// PruneStale deletes every node whose stale-since version
	// is at or below upTo, along with root records below upTo,
	// and returns the number of nodes deleted.
	// Versions at or above upTo remain fully readable.
	PruneStale(ctx context.Context, upTo uint64) (int, error)
}
