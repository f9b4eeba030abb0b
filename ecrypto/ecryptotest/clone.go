package ecryptotest

import (
	"bytes"
	"slices"

	"github.com/PythonRysh/espresso/ecrypto"
)

// CloneFinalizedCommonMessageSignatureProof deep-copies in,
// so tests can corrupt one copy and assert validation fails
// without aliasing surprise.
// Production code has no need to copy a finalized proof,
// which is why this lives here.
func CloneFinalizedCommonMessageSignatureProof(
	in ecrypto.FinalizedCommonMessageSignatureProof,
) ecrypto.FinalizedCommonMessageSignatureProof {
	out := ecrypto.FinalizedCommonMessageSignatureProof{
		Keys:       slices.Clone(in.Keys),
		PubKeyHash: in.PubKeyHash,

		MainMessage:    bytes.Clone(in.MainMessage),
		MainSignatures: cloneSparseSignatures(in.MainSignatures),
	}

	if in.Rest != nil {
		out.Rest = make(map[string][]ecrypto.SparseSignature, len(in.Rest))
		for k, sigs := range in.Rest {
			out.Rest[k] = cloneSparseSignatures(sigs)
		}
	}

	return out
}

func cloneSparseSignatures(in []ecrypto.SparseSignature) []ecrypto.SparseSignature {
	out := make([]ecrypto.SparseSignature, len(in))
	for i, ss := range in {
		out[i] = ecrypto.SparseSignature{
			KeyID: bytes.Clone(ss.KeyID),
			Sig:   bytes.Clone(ss.Sig),
		}
	}
	return out
}
