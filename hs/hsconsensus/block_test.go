package hsconsensus_test

import (
	"context"
	"testing"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsconsensus/hsconsensustest"
	"github.com/stretchr/testify/require"
)

func TestBlock_Clone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := hsconsensustest.NewEd25519Fixture(4)

	gb := fx.GenesisBlock()
	b1 := fx.NextBlock(ctx, gb, 1, []byte("data_1"), []byte("root_0"))
	b2 := fx.NextBlock(ctx, b1, 2, []byte("data_2"), []byte("root_1"))

	clone := b2.Clone()
	require.True(t, hsconsensus.BlocksEqual(b2, clone))

	// The clone shares no mutable state with the original.
	clone.ParentHash[0]++
	require.False(t, hsconsensus.BlocksEqual(b2, clone))
	clone.ParentHash[0]--

	clone.Justify.Signatures[0].Sig[0]++
	require.False(t, hsconsensus.BlocksEqual(b2, clone))
	clone.Justify.Signatures[0].Sig[0]--

	require.True(t, hsconsensus.BlocksEqual(b2, clone))

	// Cloning the genesis block tolerates the nil proposer and justify.
	gClone := gb.Clone()
	require.True(t, hsconsensus.BlocksEqual(gb, gClone))
	require.Nil(t, gClone.Proposer)
	require.Nil(t, gClone.Justify)
}

func TestBlocksEqual(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := hsconsensustest.NewEd25519Fixture(4)

	gb := fx.GenesisBlock()
	b := fx.NextBlock(ctx, gb, 1, []byte("data_1"), []byte("root_0"))

	require.True(t, hsconsensus.BlocksEqual(b, b.Clone()))
	require.False(t, hsconsensus.BlocksEqual(b, gb))

	// Proposer presence must match.
	noProposer := b.Clone()
	noProposer.Proposer = nil
	require.False(t, hsconsensus.BlocksEqual(b, noProposer))

	// Justify presence must match.
	noJustify := b.Clone()
	noJustify.Justify = nil
	require.False(t, hsconsensus.BlocksEqual(b, noJustify))

	// Differing justify content must be detected.
	other := b.Clone()
	other.Justify.View++
	require.False(t, hsconsensus.BlocksEqual(b, other))
}

func TestFixtureChain_LinksAndLeaders(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := hsconsensustest.NewEd25519Fixture(4)
	vs := fx.ValSet()

	gb := fx.GenesisBlock()
	b1 := fx.NextBlock(ctx, gb, 1, []byte("data_1"), []byte("root_0"))
	b2 := fx.NextBlock(ctx, b1, 2, []byte("data_2"), []byte("root_1"))

	require.Equal(t, gb.Hash, b1.ParentHash)
	require.Equal(t, b1.Hash, b2.ParentHash)

	require.Equal(t, gb.Height+1, b1.Height)
	require.Equal(t, b1.Height+1, b2.Height)

	// The first proposal justifies with the zero-signature genesis certificate.
	require.NotNil(t, b1.Justify)
	require.Equal(t, gb.View, b1.Justify.View)
	require.Equal(t, gb.Hash, b1.Justify.BlockHash)
	require.Empty(t, b1.Justify.Signatures)

	// Later proposals carry verifiable certificates for their parents.
	require.NotNil(t, b2.Justify)
	require.Equal(t, b1.View, b2.Justify.View)
	require.Equal(t, b1.Hash, b2.Justify.BlockHash)
	require.NoError(t, hsconsensus.VerifyQuorumCertificate(
		*b2.Justify, fx.ChainID, vs, fx.SignatureScheme, fx.CommonMessageSignatureProofScheme,
	))

	// Proposers follow round-robin leader rotation.
	require.True(t, b1.Proposer.Equal(vs.Leader(1).PubKey))
	require.True(t, b2.Proposer.Equal(vs.Leader(2).PubKey))
}
