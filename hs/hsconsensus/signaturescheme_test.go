package hsconsensus_test

import (
	"context"
	"testing"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsconsensus/hsconsensustest"
	"github.com/stretchr/testify/require"
)

func TestStandardSignatureScheme_DomainSeparation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := hsconsensustest.NewEd25519Fixture(4)
	var s hsconsensus.StandardSignatureScheme

	gb := fx.GenesisBlock()
	b := fx.NextBlock(ctx, gb, 3, []byte("data"), []byte("root"))

	proposal, err := hsconsensus.ProposalSignBytes(b, s)
	require.NoError(t, err)

	vote, err := hsconsensus.VoteSignBytes(hsconsensus.VoteTarget{
		ChainID:   b.ChainID,
		View:      b.View,
		BlockHash: string(b.Hash),
	}, s)
	require.NoError(t, err)

	timeout, err := hsconsensus.TimeoutSignBytes(hsconsensus.TimeoutRecord{
		ChainID:    b.ChainID,
		View:       b.View,
		HighQCView: 2,
	}, s)
	require.NoError(t, err)

	// Signing content for the same block in the same view
	// must never coincide across message types.
	require.NotEqual(t, proposal, vote)
	require.NotEqual(t, proposal, timeout)
	require.NotEqual(t, vote, timeout)
}

func TestStandardSignatureScheme_VoteBinding(t *testing.T) {
	t.Parallel()

	var s hsconsensus.StandardSignatureScheme

	base := hsconsensus.VoteTarget{
		ChainID:   "chain-a",
		View:      5,
		BlockHash: "some_block_hash",
	}

	baseBytes, err := hsconsensus.VoteSignBytes(base, s)
	require.NoError(t, err)

	otherChain := base
	otherChain.ChainID = "chain-b"
	b, err := hsconsensus.VoteSignBytes(otherChain, s)
	require.NoError(t, err)
	require.NotEqual(t, baseBytes, b)

	otherView := base
	otherView.View = 6
	b, err = hsconsensus.VoteSignBytes(otherView, s)
	require.NoError(t, err)
	require.NotEqual(t, baseBytes, b)

	otherBlock := base
	otherBlock.BlockHash = "another_block_hash"
	b, err = hsconsensus.VoteSignBytes(otherBlock, s)
	require.NoError(t, err)
	require.NotEqual(t, baseBytes, b)
}

func TestStandardSignatureScheme_TimeoutBinding(t *testing.T) {
	t.Parallel()

	var s hsconsensus.StandardSignatureScheme

	base := hsconsensus.TimeoutRecord{
		ChainID:    "chain-a",
		View:       9,
		HighQCView: 7,
	}

	baseBytes, err := hsconsensus.TimeoutSignBytes(base, s)
	require.NoError(t, err)

	otherHigh := base
	otherHigh.HighQCView = 6
	b, err := hsconsensus.TimeoutSignBytes(otherHigh, s)
	require.NoError(t, err)
	require.NotEqual(t, baseBytes, b)
}
