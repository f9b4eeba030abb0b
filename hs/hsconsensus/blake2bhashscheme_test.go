package hsconsensus_test

import (
	"context"
	"testing"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsconsensus/hsconsensustest"
	"github.com/stretchr/testify/require"
)

func TestBlake2bHashScheme_Block(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := hsconsensustest.NewEd25519Fixture(4)
	var hs hsconsensus.Blake2bHashScheme

	gb := fx.GenesisBlock()
	base := fx.NextBlock(ctx, gb, 1, []byte("data_1"), []byte("root_0"))

	origHash, err := hs.Block(base)
	require.NoError(t, err)
	require.Len(t, origHash, 32)

	// Hashing is deterministic over identical content.
	again, err := hs.Block(base.Clone())
	require.NoError(t, err)
	require.Equal(t, origHash, again)

	// Every consensus-relevant field must influence the hash.
	mutations := map[string]func(b *hsconsensus.Block){
		"chain id":    func(b *hsconsensus.Block) { b.ChainID += "x" },
		"view":        func(b *hsconsensus.Block) { b.View++ },
		"height":      func(b *hsconsensus.Block) { b.Height++ },
		"parent hash": func(b *hsconsensus.Block) { b.ParentHash[0]++ },
		"proposer":    func(b *hsconsensus.Block) { b.Proposer = fx.PrivVals[3].Signer.PubKey() },
		"justify view": func(b *hsconsensus.Block) {
			b.Justify.View++
		},
		"justify block hash": func(b *hsconsensus.Block) {
			b.Justify.BlockHash[0]++
		},
		"justify dropped": func(b *hsconsensus.Block) {
			b.Justify = nil
		},
		"data id":         func(b *hsconsensus.Block) { b.DataID[0]++ },
		"state root":      func(b *hsconsensus.Block) { b.StateRoot[0]++ },
		"validator keys":  func(b *hsconsensus.Block) { b.ValidatorPubKeyHash[0]++ },
		"validator power": func(b *hsconsensus.Block) { b.ValidatorVotePowerHash[0]++ },
	}

	for name, mutate := range mutations {
		mutated := base.Clone()
		mutate(&mutated)

		h, err := hs.Block(mutated)
		require.NoError(t, err)
		require.NotEqual(t, origHash, h, "mutating %s must change the block hash", name)
	}

	// The base block's proposer differs from validator 3,
	// otherwise the proposer mutation above would be a no-op.
	require.False(t, base.Proposer.Equal(fx.PrivVals[3].Signer.PubKey()))
}

func TestBlake2bHashScheme_PubKeysAndPowers(t *testing.T) {
	t.Parallel()

	fx := hsconsensustest.NewEd25519Fixture(4)
	var hs hsconsensus.Blake2bHashScheme

	keys := fx.PrivVals.PubKeys()

	kh1, err := hs.PubKeys(keys)
	require.NoError(t, err)

	// Reordering keys changes the hash.
	keys[0], keys[1] = keys[1], keys[0]
	kh2, err := hs.PubKeys(keys)
	require.NoError(t, err)
	require.NotEqual(t, kh1, kh2)

	p1, err := hs.VotePowers([]uint64{5, 10, 15})
	require.NoError(t, err)
	p2, err := hs.VotePowers([]uint64{5, 15, 10})
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)

	// Power hashes and key hashes live in separate domains,
	// so even contrived inputs cannot collide across kinds.
	require.NotEqual(t, kh1, p1)
}
