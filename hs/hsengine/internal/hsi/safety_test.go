package hsi

import (
	"context"
	"testing"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/stretchr/testify/require"
)

func TestSafetyRules_viewRegression(t *testing.T) {
	t.Parallel()

	_, g, blocks := chainFixture(t, 2)

	tree := newBlockTree(hsconsensus.ProposedBlock{Block: g})
	require.NoError(t, tree.Add(hsconsensus.ProposedBlock{Block: blocks[0]}))

	var s safetyRules
	require.True(t, s.CanVoteFor(tree, blocks[1]))

	// Voting twice in a view, or for an earlier view, is never safe.
	s.highestVotedView = blocks[1].View
	require.False(t, s.CanVoteFor(tree, blocks[1]))
	require.False(t, s.CanVoteFor(tree, blocks[0]))
}

func TestSafetyRules_requiresJustify(t *testing.T) {
	t.Parallel()

	_, g, blocks := chainFixture(t, 1)

	tree := newBlockTree(hsconsensus.ProposedBlock{Block: g})

	b := blocks[0]
	b.Justify = nil

	var s safetyRules
	require.False(t, s.CanVoteFor(tree, b))
}

func TestSafetyRules_lockedBranch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	fx, g, blocks := chainFixture(t, 3)

	tree := newBlockTree(hsconsensus.ProposedBlock{Block: g})
	for _, b := range blocks {
		require.NoError(t, tree.Add(hsconsensus.ProposedBlock{Block: b}))
	}

	// Locked on blocks[1]; the lock view is the locked block's own view.
	s := safetyRules{
		lockedView: blocks[1].View,
		lockedHash: string(blocks[1].Hash),
	}

	// A certificate fresher than the lock is always safe to extend.
	fresh := fx.NextBlock(ctx, blocks[2], blocks[2].View+1, []byte("fresh"), []byte("state"))
	require.True(t, s.CanVoteFor(tree, fresh))

	// A proposal reusing the certificate on the locked block itself
	// is on the locked branch, so it is safe
	// even though the certificate is not fresher than the lock.
	onBranch := fx.NextBlock(ctx, blocks[1], blocks[2].View+2, []byte("on"), []byte("state"))
	require.Equal(t, s.lockedView, onBranch.Justify.View)
	require.True(t, s.CanVoteFor(tree, onBranch))

	// A stale certificate off the locked branch is not safe.
	offBranch := fx.NextBlock(ctx, blocks[0], blocks[2].View+3, []byte("off"), []byte("state"))
	require.False(t, s.CanVoteFor(tree, offBranch))
}

func TestSafetyRules_lockWithoutHash(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	fx, g, blocks := chainFixture(t, 3)

	tree := newBlockTree(hsconsensus.ProposedBlock{Block: g})
	for _, b := range blocks {
		require.NoError(t, tree.Add(hsconsensus.ProposedBlock{Block: b}))
	}

	// After a restart only the locked view is known,
	// so the branch rule cannot rescue a stale certificate.
	s := safetyRules{lockedView: blocks[1].View}

	fresh := fx.NextBlock(ctx, blocks[2], blocks[2].View+1, []byte("fresh"), []byte("state"))
	require.True(t, s.CanVoteFor(tree, fresh))

	// Extending the locked block itself would be safe with the hash,
	// but without it the stale certificate view is disqualifying.
	stale := fx.NextBlock(ctx, blocks[1], blocks[2].View+2, []byte("stale"), []byte("state"))
	require.False(t, s.CanVoteFor(tree, stale))
}
