// Package ecryptotest provides deterministic key fixtures and a
// compliance suite for signature proof scheme implementations.
package ecryptotest

import (
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/PythonRysh/espresso/ecrypto"
)

// DeterministicEd25519Signers returns n signers with stable keys.
//
// Tests rely on run-to-run stability so that stored fixtures,
// addresses, and ordering assertions do not drift.
// Do not use these keys outside tests.
func DeterministicEd25519Signers(n int) []ecrypto.Ed25519Signer {
	signers := make([]ecrypto.Ed25519Signer, n)
	for i := range signers {
		seed := blake2b.Sum256([]byte(fmt.Sprintf("espresso:ed25519:%d", i)))
		signers[i] = ecrypto.NewEd25519Signer(ed25519.NewKeyFromSeed(seed[:]))
	}
	return signers
}

// PubKeys extracts the public keys from a set of signers,
// in the same order.
func PubKeys[S ecrypto.Signer](signers []S) []ecrypto.PubKey {
	keys := make([]ecrypto.PubKey, len(signers))
	for i, s := range signers {
		keys[i] = s.PubKey()
	}
	return keys
}
