package hsconsensus

import (
	"fmt"

	"github.com/PythonRysh/espresso/ecrypto"
)

// Validator is a single entry in a validator set:
// a public key and its voting power.
type Validator struct {
	PubKey ecrypto.PubKey

	Power uint64
}

// ValidatorSet is an ordered collection of validators
// together with the hashes identifying it.
//
// Order is part of the set's identity:
// leader rotation indexes into it, and the signature proof schemes
// assign key IDs by position.
// Build instances through [NewValidatorSet] so the derived fields
// stay consistent with the validators.
type ValidatorSet struct {
	Validators []Validator

	// The validators' public keys, in the same order.
	// Derived from Validators, cached because the signature proof
	// schemes want a bare key slice.
	PubKeys []ecrypto.PubKey

	// Hashes of the ordered public keys and of the ordered vote powers,
	// computed through a [HashScheme].
	PubKeyHash    []byte
	VotePowerHash []byte
}

// NewValidatorSet builds a ValidatorSet from the given validators,
// preserving their order, populating the derived fields through hs.
func NewValidatorSet(vals []Validator, hs HashScheme) (ValidatorSet, error) {
	vs := ValidatorSet{
		Validators: vals,

		PubKeys: make([]ecrypto.PubKey, len(vals)),
	}

	powers := make([]uint64, len(vals))
	for i, v := range vals {
		vs.PubKeys[i] = v.PubKey
		powers[i] = v.Power
	}

	var err error
	vs.PubKeyHash, err = hs.PubKeys(vs.PubKeys)
	if err != nil {
		return ValidatorSet{}, fmt.Errorf("failed to hash validator public keys: %w", err)
	}

	vs.VotePowerHash, err = hs.VotePowers(powers)
	if err != nil {
		return ValidatorSet{}, fmt.Errorf("failed to hash validator vote powers: %w", err)
	}

	return vs, nil
}

// TotalPower sums the voting power of every validator in the set.
func (vs ValidatorSet) TotalPower() uint64 {
	var total uint64
	for _, v := range vs.Validators {
		total += v.Power
	}
	return total
}

// Leader returns the validator responsible for proposing in the given view,
// rotating round-robin through the set by view number.
//
// Panics if the set is empty.
func (vs ValidatorSet) Leader(view uint64) Validator {
	return vs.Validators[view%uint64(len(vs.Validators))]
}

// Equal reports whether vs and o contain the same validators
// in the same order with the same powers.
// The derived hash fields are not consulted.
func (vs ValidatorSet) Equal(o ValidatorSet) bool {
	if len(vs.Validators) != len(o.Validators) {
		return false
	}
	for i, v := range vs.Validators {
		if v.Power != o.Validators[i].Power ||
			!v.PubKey.Equal(o.Validators[i].PubKey) {
			return false
		}
	}
	return true
}

// QuorumThreshold returns the minimum vote power that constitutes
// a quorum out of totalPower, strictly exceeding two thirds.
//
// The calculation avoids overflow on large totals
// and avoids floating point.
func QuorumThreshold(totalPower uint64) uint64 {
	return 2*(totalPower/3) + (2*(totalPower%3))/3 + 1
}

// MaxFaultyPower returns the maximum total vote power of Byzantine
// validators the protocol tolerates out of totalPower.
func MaxFaultyPower(totalPower uint64) uint64 {
	if totalPower == 0 {
		return 0
	}
	return (totalPower - 1) / 3
}
