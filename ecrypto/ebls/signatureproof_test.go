package ebls_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/ecrypto/ebls"
	"github.com/PythonRysh/espresso/ecrypto/ebls/eblstest"
	"github.com/PythonRysh/espresso/ecrypto/ecryptotest"
)

func TestSignatureProofCompliance(t *testing.T) {
	ecryptotest.TestCommonMessageSignatureProofCompliance(t, ecryptotest.ProofSchemeFactory{
		Scheme: func() ecrypto.CommonMessageSignatureProofScheme {
			return ebls.SignatureProofScheme{}
		},
		Signers: func(n int) []ecrypto.Signer {
			bls := eblstest.DeterministicSigners(n)
			out := make([]ecrypto.Signer, n)
			for i, s := range bls {
				out[i] = s
			}
			return out
		},
	})
}

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()

	keys := eblstest.DeterministicPubKeys(3)

	for _, k := range keys {
		back, err := ebls.NewPubKey(k.PubKeyBytes())
		require.NoError(t, err)
		require.True(t, k.Equal(back))
	}

	require.False(t, keys[0].Equal(keys[1]))
}

func TestFinalize_SingleAggregateSignature(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	signers := eblstest.DeterministicSigners(8)
	keys := make([]ecrypto.PubKey, len(signers))
	for i, s := range signers {
		keys[i] = s.PubKey()
	}

	msg := []byte("aggregate target")

	scheme := ebls.SignatureProofScheme{}
	p, err := scheme.New(msg, keys, "kh")
	require.NoError(t, err)

	// Indices 0, 2, 5, 7 sign.
	for _, i := range []int{0, 2, 5, 7} {
		sig, err := signers[i].Sign(ctx, msg)
		require.NoError(t, err)
		require.NoError(t, p.AddSignature(sig, keys[i]))
	}

	fin := scheme.Finalize(p, nil)

	// However many validators signed, the finalized proof
	// carries exactly one signature for the main message.
	require.Len(t, fin.MainSignatures, 1)

	bits, unique := scheme.ValidateFinalizedProof(fin, map[string]string{
		string(msg): "h",
	})
	require.True(t, unique)
	require.NotNil(t, bits["h"])
	require.Equal(t, uint(4), bits["h"].Count())
	for _, i := range []uint{0, 2, 5, 7} {
		require.True(t, bits["h"].Test(i))
	}
}

func TestValidateFinalized_RejectsForgedBitset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	signers := eblstest.DeterministicSigners(4)
	keys := make([]ecrypto.PubKey, len(signers))
	for i, s := range signers {
		keys[i] = s.PubKey()
	}

	msg := []byte("m")

	scheme := ebls.SignatureProofScheme{}
	p, err := scheme.New(msg, keys, "kh")
	require.NoError(t, err)

	for i := range 2 {
		sig, err := signers[i].Sign(ctx, msg)
		require.NoError(t, err)
		require.NoError(t, p.AddSignature(sig, keys[i]))
	}

	fin := scheme.Finalize(p, nil)
	fin = ecryptotest.CloneFinalizedCommonMessageSignatureProof(fin)

	// Claim a third signer contributed without its signature present.
	honest := fin.MainSignatures[0].KeyID
	forged := eblstest.BitsetKeyID(t, []uint{0, 1, 2}, 4)
	require.NotEqual(t, honest, forged)
	fin.MainSignatures[0].KeyID = forged

	bits, _ := scheme.ValidateFinalizedProof(fin, map[string]string{string(msg): "h"})
	require.Nil(t, bits)
}
