package hsmemstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsstore"
)

// ValidatorStore is an in-memory implementation of [hsstore.ValidatorStore].
type ValidatorStore struct {
	hs hsconsensus.HashScheme

	mu sync.Mutex

	pubKeys    map[string][]ecrypto.PubKey
	votePowers map[string][]uint64
}

// NewValidatorStore returns a ValidatorStore
// that uses hs to derive the hashes of saved collections.
func NewValidatorStore(hs hsconsensus.HashScheme) *ValidatorStore {
	return &ValidatorStore{
		hs: hs,

		pubKeys:    make(map[string][]ecrypto.PubKey),
		votePowers: make(map[string][]uint64),
	}
}

func (s *ValidatorStore) SavePubKeys(_ context.Context, keys []ecrypto.PubKey) (string, error) {
	hash, err := s.hs.PubKeys(keys)
	if err != nil {
		return "", fmt.Errorf("failed to hash public keys: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pubKeys[string(hash)]; !ok {
		s.pubKeys[string(hash)] = slices.Clone(keys)
	}
	return string(hash), nil
}

func (s *ValidatorStore) SaveVotePowers(_ context.Context, powers []uint64) (string, error) {
	hash, err := s.hs.VotePowers(powers)
	if err != nil {
		return "", fmt.Errorf("failed to hash vote powers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.votePowers[string(hash)]; !ok {
		s.votePowers[string(hash)] = slices.Clone(powers)
	}
	return string(hash), nil
}

func (s *ValidatorStore) LoadPubKeys(_ context.Context, keyHash string) ([]ecrypto.PubKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, ok := s.pubKeys[keyHash]
	if !ok {
		return nil, hsstore.NoPubKeyHashError{Want: keyHash}
	}
	return slices.Clone(keys), nil
}

func (s *ValidatorStore) LoadVotePowers(_ context.Context, powerHash string) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	powers, ok := s.votePowers[powerHash]
	if !ok {
		return nil, hsstore.NoVotePowerHashError{Want: powerHash}
	}
	return slices.Clone(powers), nil
}
