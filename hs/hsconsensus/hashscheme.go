package hsconsensus

import (
	"github.com/PythonRysh/espresso/ecrypto"
)

// HashScheme defines ways to determine hashes from certain types of inputs.
type HashScheme interface {
	// Block calculates and returns the hash of a block,
	// ignoring any existing value in the Hash field.
	Block(b Block) ([]byte, error)

	// PubKeys calculates and returns the hash of the ordered set
	// of public keys.
	PubKeys(keys []ecrypto.PubKey) ([]byte, error)

	// VotePowers calculates and returns the hash of the ordered set
	// of validator vote powers.
	VotePowers(powers []uint64) ([]byte, error)
}
