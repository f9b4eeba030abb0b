package emerkle

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemNodeStore is an in-memory [NodeStore],
// suitable for tests and for ephemeral nodes.
type MemNodeStore struct {
	mu sync.RWMutex

	nodes map[NodeKey]Node

	stale []StaleNodeRef

	// Root records ordered by ascending version.
	roots []RootRecord
}

func NewMemNodeStore() *MemNodeStore {
	return &MemNodeStore{
		nodes: make(map[NodeKey]Node),
	}
}

func (s *MemNodeStore) Node(_ context.Context, key NodeKey) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[key]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNodeNotFound, key)
	}
	return n, nil
}

func (s *MemNodeStore) Root(_ context.Context, version uint64) (RootRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.findRoot(version)
	if !ok {
		return RootRecord{}, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	return s.roots[i], nil
}

func (s *MemNodeStore) LatestRoot(_ context.Context) (RootRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.roots) == 0 {
		return RootRecord{}, ErrEmptyStore
	}
	return s.roots[len(s.roots)-1], nil
}

func (s *MemNodeStore) WriteBatch(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.roots) > 0 && b.Root.Version <= s.roots[len(s.roots)-1].Version {
		return fmt.Errorf(
			"%w: writing %d, latest is %d",
			ErrStaleVersion, b.Root.Version, s.roots[len(s.roots)-1].Version,
		)
	}

	for k, n := range b.Nodes {
		s.nodes[k] = n
	}
	s.stale = append(s.stale, b.Stale...)
	s.roots = append(s.roots, b.Root)

	return nil
}

func (s *MemNodeStore) PruneStale(_ context.Context, upTo uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	kept := s.stale[:0]
	for _, ref := range s.stale {
		if ref.StaleSince > upTo {
			kept = append(kept, ref)
			continue
		}
		if _, ok := s.nodes[ref.Key]; ok {
			delete(s.nodes, ref.Key)
			deleted++
		}
	}
	s.stale = kept

	// Root records strictly below upTo are no longer servable.
	cut := sort.Search(len(s.roots), func(i int) bool {
		return s.roots[i].Version >= upTo
	})
	s.roots = s.roots[cut:]

	return deleted, nil
}

// findRoot locates the root record for an exact version.
// Callers must hold at least the read lock.
func (s *MemNodeStore) findRoot(version uint64) (int, bool) {
	i := sort.Search(len(s.roots), func(i int) bool {
		return s.roots[i].Version >= version
	})
	if i == len(s.roots) || s.roots[i].Version != version {
		return 0, false
	}
	return i, true
}
