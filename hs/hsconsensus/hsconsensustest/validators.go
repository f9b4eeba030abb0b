package hsconsensustest

import (
	"github.com/PythonRysh/espresso/ecrypto/ecryptotest"
	"github.com/PythonRysh/espresso/ecrypto/ebls/eblstest"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// DeterministicValidatorsEd25519 returns a deterministic set
// of validators with ed25519 keys.
//
// There are two advantages to using deterministic keys.
// First, subsequent runs of the same test will use the same keys,
// so logs involving keys or IDs will not change across runs,
// simplifying the debugging process.
// Second, the generated keys are cached,
// so there is effectively zero CPU time cost for additional tests
// calling this function, beyond the first call.
func DeterministicValidatorsEd25519(n int) PrivVals {
	res := make(PrivVals, n)
	signers := ecryptotest.DeterministicEd25519Signers(n)

	for i := range res {
		res[i] = PrivVal{
			Val: hsconsensus.Validator{
				PubKey: signers[i].PubKey(),

				// Order by power descending,
				// with the power difference being negligible,
				// so that the validator order matches the default deterministic key order.
				Power: uint64(100_000 - i),
			},
			Signer: signers[i],
		}
	}

	return res
}

// DeterministicValidatorsBLS is [DeterministicValidatorsEd25519]
// with BLS keys, for tests exercising signature aggregation.
func DeterministicValidatorsBLS(n int) PrivVals {
	res := make(PrivVals, n)
	signers := eblstest.DeterministicSigners(n)

	for i := range res {
		res[i] = PrivVal{
			Val: hsconsensus.Validator{
				PubKey: signers[i].PubKey(),

				Power: uint64(100_000 - i),
			},
			Signer: signers[i],
		}
	}

	return res
}
