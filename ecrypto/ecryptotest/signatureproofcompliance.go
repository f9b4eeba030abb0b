package ecryptotest

import (
	"context"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/ecrypto"
)

// ProofSchemeFactory builds a scheme plus a matching signer set,
// letting one compliance suite cover schemes with different key types.
type ProofSchemeFactory struct {
	Scheme func() ecrypto.CommonMessageSignatureProofScheme

	// Signers returns n signers whose keys the scheme accepts.
	Signers func(n int) []ecrypto.Signer
}

// TestCommonMessageSignatureProofCompliance runs the behavior every
// proof scheme must satisfy.
// Implementation packages call this from their own tests.
func TestCommonMessageSignatureProofCompliance(t *testing.T, f ProofSchemeFactory) {
	t.Parallel()

	ctx := context.Background()

	signers := f.Signers(4)
	keys := PubKeys(signers)

	msg := []byte("certify me")

	sigs := make([][]byte, len(signers))
	for i, s := range signers {
		sig, err := s.Sign(ctx, msg)
		require.NoError(t, err)
		sigs[i] = sig
	}

	newProof := func(t *testing.T, nKeys int) ecrypto.CommonMessageSignatureProof {
		t.Helper()

		p, err := f.Scheme().New(msg, keys[:nKeys], "keyhash")
		require.NoError(t, err)
		return p
	}

	t.Run("Message", func(t *testing.T) {
		t.Parallel()

		p := newProof(t, 2)
		require.Equal(t, msg, p.Message())
	})

	t.Run("AddSignature", func(t *testing.T) {
		t.Run("accepts a valid signature", func(t *testing.T) {
			t.Parallel()

			p := newProof(t, 2)
			require.NoError(t, p.AddSignature(sigs[0], keys[0]))

			var bs bitset.BitSet
			p.SignatureBitSet(&bs)
			require.True(t, bs.Test(0))
			require.False(t, bs.Test(1))
		})

		t.Run("rejects a wrong-message signature from a candidate key", func(t *testing.T) {
			t.Parallel()

			otherSig, err := signers[0].Sign(ctx, []byte("something else"))
			require.NoError(t, err)

			p := newProof(t, 2)
			require.Error(t, p.AddSignature(otherSig, keys[0]))
		})

		t.Run("rejects a key outside the candidate set", func(t *testing.T) {
			t.Parallel()

			p := newProof(t, 2)
			require.Error(t, p.AddSignature(sigs[3], keys[3]))
		})
	})

	t.Run("MergeSparse round trip", func(t *testing.T) {
		t.Parallel()

		src := newProof(t, 4)
		require.NoError(t, src.AddSignature(sigs[0], keys[0]))
		require.NoError(t, src.AddSignature(sigs[2], keys[2]))

		dst := newProof(t, 4)
		res := dst.MergeSparse(src.AsSparse())
		require.True(t, res.AllValidSignatures)
		require.True(t, res.IncreasedSignatures)
		require.True(t, res.WasStrictSuperset)

		var bs bitset.BitSet
		dst.SignatureBitSet(&bs)
		require.True(t, bs.Test(0))
		require.False(t, bs.Test(1))
		require.True(t, bs.Test(2))
		require.False(t, bs.Test(3))
	})

	t.Run("MergeSparse is idempotent", func(t *testing.T) {
		t.Parallel()

		src := newProof(t, 4)
		require.NoError(t, src.AddSignature(sigs[1], keys[1]))

		dst := newProof(t, 4)
		_ = dst.MergeSparse(src.AsSparse())

		res := dst.MergeSparse(src.AsSparse())
		require.True(t, res.AllValidSignatures)
		require.False(t, res.IncreasedSignatures)
	})

	t.Run("MergeSparse rejects mismatched key hash", func(t *testing.T) {
		t.Parallel()

		src := newProof(t, 4)
		require.NoError(t, src.AddSignature(sigs[0], keys[0]))

		sparse := src.AsSparse()
		sparse.PubKeyHash = "different"

		dst := newProof(t, 4)
		res := dst.MergeSparse(sparse)
		require.False(t, res.AllValidSignatures)
		require.False(t, res.IncreasedSignatures)
	})

	t.Run("Clone isolates signature state", func(t *testing.T) {
		t.Parallel()

		p := newProof(t, 2)
		require.NoError(t, p.AddSignature(sigs[0], keys[0]))

		c := p.Clone()
		require.NoError(t, p.AddSignature(sigs[1], keys[1]))

		var pb, cb bitset.BitSet
		p.SignatureBitSet(&pb)
		c.SignatureBitSet(&cb)
		require.Equal(t, uint(2), pb.Count())
		require.Equal(t, uint(1), cb.Count())
	})

	t.Run("Derive clears signatures", func(t *testing.T) {
		t.Parallel()

		p := newProof(t, 2)
		require.NoError(t, p.AddSignature(sigs[0], keys[0]))

		d := p.Derive()
		require.Equal(t, p.Message(), d.Message())

		var bs bitset.BitSet
		d.SignatureBitSet(&bs)
		require.True(t, bs.None())
	})

	t.Run("finalize and validate", func(t *testing.T) {
		t.Parallel()

		scheme := f.Scheme()

		p, err := scheme.New(msg, keys, "keyhash")
		require.NoError(t, err)
		for i := range 3 {
			require.NoError(t, p.AddSignature(sigs[i], keys[i]))
		}

		fin := scheme.Finalize(p, nil)
		require.Equal(t, msg, fin.MainMessage)

		bits, unique := scheme.ValidateFinalizedProof(fin, map[string]string{
			string(msg): "blockhash",
		})
		require.True(t, unique)
		require.Len(t, bits, 1)
		require.Equal(t, uint(3), bits["blockhash"].Count())
		require.False(t, bits["blockhash"].Test(3))
	})

	t.Run("validate rejects a tampered finalized proof", func(t *testing.T) {
		t.Parallel()

		scheme := f.Scheme()

		p, err := scheme.New(msg, keys, "keyhash")
		require.NoError(t, err)
		for i := range 3 {
			require.NoError(t, p.AddSignature(sigs[i], keys[i]))
		}

		fin := scheme.Finalize(p, nil)
		fin = CloneFinalizedCommonMessageSignatureProof(fin)
		require.NotEmpty(t, fin.MainSignatures)
		fin.MainSignatures[0].Sig[0] ^= 0x80

		bits, _ := scheme.ValidateFinalizedProof(fin, map[string]string{
			string(msg): "blockhash",
		})
		require.Nil(t, bits)
	})
}
