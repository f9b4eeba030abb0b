package hsconsensus_test

import (
	"testing"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsconsensus/hsconsensustest"
	"github.com/stretchr/testify/require"
)

func TestGenesis_Block(t *testing.T) {
	t.Parallel()

	fx := hsconsensustest.NewEd25519Fixture(4)
	g := fx.Genesis()

	b, err := g.Block(fx.HashScheme)
	require.NoError(t, err)

	// The genesis block sits one below the initial height and view.
	require.Equal(t, g.InitialView-1, b.View)
	require.Equal(t, g.InitialHeight-1, b.Height)

	require.Equal(t, g.ChainID, b.ChainID)
	require.Equal(t, g.CurrentStateRoot, b.StateRoot)
	require.Equal(t, g.ValidatorSet.PubKeyHash, b.ValidatorPubKeyHash)
	require.Equal(t, g.ValidatorSet.VotePowerHash, b.ValidatorVotePowerHash)

	require.Nil(t, b.Proposer)
	require.Nil(t, b.Justify)
	require.NotEmpty(t, b.Hash)

	// Every validator derives the same block.
	again, err := g.Block(fx.HashScheme)
	require.NoError(t, err)
	require.True(t, hsconsensus.BlocksEqual(b, again))
}

func TestGenesis_Block_RejectsZeroStart(t *testing.T) {
	t.Parallel()

	fx := hsconsensustest.NewEd25519Fixture(4)

	g := fx.Genesis()
	g.InitialHeight = 0
	_, err := g.Block(fx.HashScheme)
	require.Error(t, err)

	g = fx.Genesis()
	g.InitialView = 0
	_, err = g.Block(fx.HashScheme)
	require.Error(t, err)
}
