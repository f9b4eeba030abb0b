package hsconsensustest

import (
	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// PrivVal is the "private" view of the validators for use in the [Fixture] type,
// so that tests have access to the Signers backing the validators too.
type PrivVal struct {
	// The plain consensus validator.
	Val hsconsensus.Validator

	Signer ecrypto.Signer
}

type PrivVals []PrivVal

func (vs PrivVals) Vals() []hsconsensus.Validator {
	out := make([]hsconsensus.Validator, len(vs))
	for i, v := range vs {
		out[i] = v.Val
	}
	return out
}

func (vs PrivVals) PubKeys() []ecrypto.PubKey {
	out := make([]ecrypto.PubKey, len(vs))
	for i, v := range vs {
		out[i] = v.Signer.PubKey()
	}
	return out
}
