// Package hscodectest contains the compliance test
// that every [hscodec.MarshalCodec] implementation must pass.
package hscodectest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/hs/hscodec"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsconsensus/hsconsensustest"
)

// CodecFactory builds the codec under test
// against the fixture's crypto registry.
type CodecFactory func(fx *hsconsensustest.Fixture) hscodec.MarshalCodec

// TestMarshalCodecCompliance runs every codec round trip
// a consensus participant depends on.
//
// The block hashes involved are raw hash output, not printable text,
// so any codec that mishandles binary map keys or binary strings
// fails here rather than in production.
func TestMarshalCodecCompliance(
	t *testing.T,
	ff func(nVals int) *hsconsensustest.Fixture,
	cf CodecFactory,
) {
	t.Helper()

	t.Run("proposed block", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		fx := ff(4)
		c := cf(fx)

		g := fx.GenesisBlock()
		b1 := fx.NextBlock(ctx, g, 1, []byte("data_1"), []byte("state_1"))
		b2 := fx.NextBlock(ctx, b1, 2, []byte("data_2"), []byte("state_2"))

		// b1 justifies through the empty genesis certificate,
		// b2 through a fully signed one.
		for _, pb := range []hsconsensus.ProposedBlock{
			fx.SignedProposal(ctx, b1, 1),
			fx.SignedProposal(ctx, b2, 2),
		} {
			raw, err := c.MarshalProposedBlock(pb)
			require.NoError(t, err)

			got, err := c.UnmarshalProposedBlock(raw)
			require.NoError(t, err)
			require.True(t, hsconsensus.BlocksEqual(pb.Block, got.Block))
			require.Equal(t, pb.Signature, got.Signature)
		}
	})

	t.Run("genesis block without proposer or justification", func(t *testing.T) {
		t.Parallel()

		fx := ff(4)
		c := cf(fx)

		pb := hsconsensus.ProposedBlock{Block: fx.GenesisBlock()}

		raw, err := c.MarshalProposedBlock(pb)
		require.NoError(t, err)

		got, err := c.UnmarshalProposedBlock(raw)
		require.NoError(t, err)
		require.True(t, hsconsensus.BlocksEqual(pb.Block, got.Block))
		require.Nil(t, got.Block.Proposer)
		require.Nil(t, got.Block.Justify)
	})

	t.Run("vote proof split across conflicting blocks", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		fx := ff(4)
		c := cf(fx)

		g := fx.GenesisBlock()
		b1a := fx.NextBlock(ctx, g, 1, []byte("data_a"), []byte("state_1"))
		b1b := fx.NextBlock(ctx, g, 1, []byte("data_b"), []byte("state_1"))

		p := hsconsensus.VoteSparseProof{
			View:       1,
			PubKeyHash: string(fx.ValSet().PubKeyHash),
			Proofs: fx.SparseVoteProofMap(ctx, 1, map[string][]int{
				string(b1a.Hash): {0, 1, 2},
				string(b1b.Hash): {3},
			}),
		}

		raw, err := c.MarshalVoteProof(p)
		require.NoError(t, err)

		got, err := c.UnmarshalVoteProof(raw)
		require.NoError(t, err)
		require.Equal(t, p, got)
	})

	t.Run("timeout proof", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		fx := ff(4)
		c := cf(fx)

		p := fx.TimeoutSparseProof(ctx, 5, map[int]uint64{0: 3, 1: 3, 2: 4, 3: 4})

		raw, err := c.MarshalTimeoutProof(p)
		require.NoError(t, err)

		got, err := c.UnmarshalTimeoutProof(raw)
		require.NoError(t, err)
		require.Equal(t, p, got)
	})

	t.Run("quorum certificate", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		fx := ff(4)
		c := cf(fx)

		g := fx.GenesisBlock()
		b1 := fx.NextBlock(ctx, g, 1, []byte("data_1"), []byte("state_1"))
		qc := fx.SparseQC(ctx, 1, b1.Hash, fx.AllValidatorIndices()...)

		raw, err := c.MarshalQuorumCertificate(*qc)
		require.NoError(t, err)

		got, err := c.UnmarshalQuorumCertificate(raw)
		require.NoError(t, err)
		require.True(t, qc.Equal(got))
	})

	t.Run("timeout certificate", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		fx := ff(4)
		c := cf(fx)

		tc := fx.SparseTC(ctx, 5, map[int]uint64{0: 3, 1: 3, 2: 4, 3: 4})

		raw, err := c.MarshalTimeoutCertificate(*tc)
		require.NoError(t, err)

		got, err := c.UnmarshalTimeoutCertificate(raw)
		require.NoError(t, err)
		require.True(t, tc.Equal(got))
	})

	t.Run("consensus message variants", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		fx := ff(4)
		c := cf(fx)

		g := fx.GenesisBlock()
		b1 := fx.NextBlock(ctx, g, 1, []byte("data_1"), []byte("state_1"))
		pb := fx.SignedProposal(ctx, b1, 1)
		vp := fx.VoteSparseProof(ctx, 1, b1.Hash, 0, 1, 2)
		tp := fx.TimeoutSparseProof(ctx, 2, map[int]uint64{0: 1, 3: 1})

		msgs := []hscodec.ConsensusMessage{
			{ProposedBlock: &pb},
			{VoteProof: &vp},
			{TimeoutProof: &tp},
		}
		for _, m := range msgs {
			raw, err := c.MarshalConsensusMessage(m)
			require.NoError(t, err)

			got, err := c.UnmarshalConsensusMessage(raw)
			require.NoError(t, err)

			switch {
			case m.ProposedBlock != nil:
				require.NotNil(t, got.ProposedBlock)
				require.True(t, hsconsensus.BlocksEqual(m.ProposedBlock.Block, got.ProposedBlock.Block))
				require.Equal(t, m.ProposedBlock.Signature, got.ProposedBlock.Signature)
				require.Nil(t, got.VoteProof)
				require.Nil(t, got.TimeoutProof)
			case m.VoteProof != nil:
				require.Equal(t, m.VoteProof, got.VoteProof)
				require.Nil(t, got.ProposedBlock)
				require.Nil(t, got.TimeoutProof)
			default:
				require.Equal(t, m.TimeoutProof, got.TimeoutProof)
				require.Nil(t, got.ProposedBlock)
				require.Nil(t, got.VoteProof)
			}
		}
	})

	t.Run("consensus message field count enforced", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		fx := ff(4)
		c := cf(fx)

		_, err := c.MarshalConsensusMessage(hscodec.ConsensusMessage{})
		require.Error(t, err)

		g := fx.GenesisBlock()
		b1 := fx.NextBlock(ctx, g, 1, []byte("data_1"), []byte("state_1"))
		pb := fx.SignedProposal(ctx, b1, 1)
		vp := fx.VoteSparseProof(ctx, 1, b1.Hash, 0)

		_, err = c.MarshalConsensusMessage(hscodec.ConsensusMessage{
			ProposedBlock: &pb,
			VoteProof:     &vp,
		})
		require.Error(t, err)
	})
}
