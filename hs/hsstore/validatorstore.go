package hsstore

import (
	"context"
	"fmt"

	"github.com/PythonRysh/espresso/ecrypto"
)

// NoPubKeyHashError is returned by [ValidatorStore.LoadPubKeys]
// when the store has no public keys recorded under the requested hash.
type NoPubKeyHashError struct {
	Want string
}

func (e NoPubKeyHashError) Error() string {
	return fmt.Sprintf("no public keys found for hash %x", e.Want)
}

// NoVotePowerHashError is returned by [ValidatorStore.LoadVotePowers]
// when the store has no vote powers recorded under the requested hash.
type NoVotePowerHashError struct {
	Want string
}

func (e NoVotePowerHashError) Error() string {
	return fmt.Sprintf("no vote powers found for hash %x", e.Want)
}

// ValidatorStore stores and retrieves collections of validator public keys
// and of validator vote powers, keyed by their hashes
// as computed through a [hsconsensus.HashScheme].
//
// Consensus messages reference validator sets by hash alone,
// so this store is how the engine resolves a hash it has seen before.
// Saves are idempotent and return the computed hash.
type ValidatorStore interface {
	SavePubKeys(ctx context.Context, keys []ecrypto.PubKey) (string, error)
	SaveVotePowers(ctx context.Context, powers []uint64) (string, error)

	LoadPubKeys(ctx context.Context, keyHash string) ([]ecrypto.PubKey, error)
	LoadVotePowers(ctx context.Context, powerHash string) ([]uint64, error)
}
