package ecrypto_test

import (
	"context"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/ecrypto/ecryptotest"
)

func TestSimpleCommonMessageSignatureProofCompliance(t *testing.T) {
	ecryptotest.TestCommonMessageSignatureProofCompliance(t, ecryptotest.ProofSchemeFactory{
		Scheme: func() ecrypto.CommonMessageSignatureProofScheme {
			return ecrypto.SimpleCommonMessageSignatureProofScheme{}
		},
		Signers: func(n int) []ecrypto.Signer {
			eds := ecryptotest.DeterministicEd25519Signers(n)
			out := make([]ecrypto.Signer, n)
			for i, s := range eds {
				out[i] = s
			}
			return out
		},
	})
}

func TestSimpleProof_ValidateFinalized_DoubleSign(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	signers := ecryptotest.DeterministicEd25519Signers(4)
	keys := ecryptotest.PubKeys(signers)

	mainMsg := []byte("vote for A")
	otherMsg := []byte("vote for B")

	scheme := ecrypto.SimpleCommonMessageSignatureProofScheme{}

	main, err := ecrypto.NewSimpleCommonMessageSignatureProof(mainMsg, keys, "kh")
	require.NoError(t, err)
	other, err := ecrypto.NewSimpleCommonMessageSignatureProof(otherMsg, keys, "kh")
	require.NoError(t, err)

	for i := range 3 {
		sig, err := signers[i].Sign(ctx, mainMsg)
		require.NoError(t, err)
		require.NoError(t, main.AddSignature(sig, keys[i]))
	}

	// Signer 2 also signs the other message: a double sign.
	sig, err := signers[2].Sign(ctx, otherMsg)
	require.NoError(t, err)
	require.NoError(t, other.AddSignature(sig, keys[2]))

	fin := scheme.Finalize(main, []ecrypto.CommonMessageSignatureProof{other})

	bits, unique := scheme.ValidateFinalizedProof(fin, map[string]string{
		string(mainMsg):  "hashA",
		string(otherMsg): "hashB",
	})
	require.NotNil(t, bits)
	require.False(t, unique)

	require.Equal(t, uint(3), bits["hashA"].Count())
	require.Equal(t, uint(1), bits["hashB"].Count())
}

func TestSimpleProof_HasSparseKeyID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	signers := ecryptotest.DeterministicEd25519Signers(2)
	keys := ecryptotest.PubKeys(signers)

	p, err := ecrypto.NewSimpleCommonMessageSignatureProof([]byte("m"), keys, "kh")
	require.NoError(t, err)

	sig, err := signers[0].Sign(ctx, []byte("m"))
	require.NoError(t, err)
	require.NoError(t, p.AddSignature(sig, keys[0]))

	has, valid := p.HasSparseKeyID([]byte{0, 0})
	require.True(t, valid)
	require.True(t, has)

	has, valid = p.HasSparseKeyID([]byte{0, 1})
	require.True(t, valid)
	require.False(t, has)

	_, valid = p.HasSparseKeyID([]byte{0, 9})
	require.False(t, valid)

	_, valid = p.HasSparseKeyID([]byte{1})
	require.False(t, valid)
}

func TestSimpleProof_MergeConflictingSignature(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	signers := ecryptotest.DeterministicEd25519Signers(2)
	keys := ecryptotest.PubKeys(signers)

	msg := []byte("m")

	a, err := ecrypto.NewSimpleCommonMessageSignatureProof(msg, keys, "kh")
	require.NoError(t, err)
	b, err := ecrypto.NewSimpleCommonMessageSignatureProof(msg, keys, "kh")
	require.NoError(t, err)

	sig0, err := signers[0].Sign(ctx, msg)
	require.NoError(t, err)
	sig1, err := signers[1].Sign(ctx, msg)
	require.NoError(t, err)

	require.NoError(t, a.AddSignature(sig0, keys[0]))
	require.NoError(t, b.AddSignature(sig0, keys[0]))
	require.NoError(t, b.AddSignature(sig1, keys[1]))

	res := a.Merge(b)
	require.True(t, res.AllValidSignatures)
	require.True(t, res.IncreasedSignatures)
	require.True(t, res.WasStrictSuperset)

	var bs bitset.BitSet
	a.SignatureBitSet(&bs)
	require.Equal(t, uint(2), bs.Count())
}
