// Package eblstest provides deterministic BLS key fixtures.
package eblstest

import (
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/PythonRysh/espresso/ecrypto/ebls"
)

// DeterministicSigners returns n BLS signers with stable keys.
// Do not use these keys outside tests.
func DeterministicSigners(n int) []ebls.Signer {
	signers := make([]ebls.Signer, n)
	for i := range signers {
		ikm := blake2b.Sum256([]byte(fmt.Sprintf("espresso:bls:%d", i)))
		s, err := ebls.NewSigner(ikm[:])
		if err != nil {
			panic(fmt.Errorf("BUG: deterministic signer %d: %w", i, err))
		}
		signers[i] = s
	}
	return signers
}

// DeterministicPubKeys returns the public keys of [DeterministicSigners].
func DeterministicPubKeys(n int) []ebls.PubKey {
	signers := DeterministicSigners(n)
	keys := make([]ebls.PubKey, n)
	for i, s := range signers {
		keys[i] = s.PubKey().(ebls.PubKey)
	}
	return keys
}
