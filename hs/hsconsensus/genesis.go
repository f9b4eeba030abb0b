package hsconsensus

import (
	"fmt"
)

// Genesis is the agreed starting point of a chain.
//
// InitialHeight and InitialView are where live consensus begins;
// the genesis block produced by [Genesis.Block] sits one below both,
// so the first proposed block can reference a parent like any other.
type Genesis struct {
	ChainID string

	InitialHeight uint64
	InitialView   uint64

	// The validator set in effect at the initial height.
	ValidatorSet ValidatorSet

	// State root the execution layer reports before any block executes.
	CurrentStateRoot []byte
}

// Block returns the synthetic genesis block.
//
// The genesis block has no proposer and no justifying certificate;
// every validator derives the identical block from the genesis document,
// so no signatures over it exist or are needed.
func (g Genesis) Block(hs HashScheme) (Block, error) {
	if g.InitialHeight == 0 || g.InitialView == 0 {
		return Block{}, fmt.Errorf(
			"genesis initial height and view must be positive (got height=%d, view=%d)",
			g.InitialHeight, g.InitialView,
		)
	}

	b := Block{
		ChainID: g.ChainID,

		View:   g.InitialView - 1,
		Height: g.InitialHeight - 1,

		StateRoot: g.CurrentStateRoot,

		ValidatorPubKeyHash:    g.ValidatorSet.PubKeyHash,
		ValidatorVotePowerHash: g.ValidatorSet.VotePowerHash,
	}

	var err error
	b.Hash, err = hs.Block(b)
	if err != nil {
		return Block{}, fmt.Errorf("failed to hash genesis block: %w", err)
	}

	return b, nil
}
