package cape

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	userAddressTag  = "espresso:cape/address/v1\n"
	nullifierKeyTag = "espresso:cape/nullkey/v1\n"
)

// UserAddress is the short identifier records are owned by.
// It binds the owner's verify key and a commitment
// to their nullifier key, both revealed at spend time.
type UserAddress [32]byte

func (a UserAddress) IsZero() bool {
	return a == UserAddress{}
}

func (a UserAddress) String() string {
	return base58.Encode(a[:])
}

// UserPublicKey is the public half of a user key pair,
// revealed when a record owned by it is consumed.
type UserPublicKey struct {
	VerifyKey ed25519.PublicKey

	// Blake2b digest of the owner's nullifier key.
	NullifierCommit [32]byte
}

// Address derives the owning address for this key.
func (k UserPublicKey) Address() UserAddress {
	h := newBlake2b()
	h.Write([]byte(userAddressTag))
	hashLengthPrefixed(h, k.VerifyKey)
	h.Write(k.NullifierCommit[:])
	return UserAddress(digest32(h))
}

// UserKeyPair holds the secrets to receive and spend records.
type UserKeyPair struct {
	sign    ed25519.PrivateKey
	nullKey NullifierKey
}

// NewUserKeyPairFromSeed derives a key pair deterministically,
// so a stored seed recovers the same address.
func NewUserKeyPairFromSeed(seed [32]byte) *UserKeyPair {
	h := newBlake2b()
	h.Write([]byte(nullifierKeyTag))
	h.Write(seed[:])

	return &UserKeyPair{
		sign:    ed25519.NewKeyFromSeed(seed[:]),
		nullKey: NullifierKey(digest32(h)),
	}
}

// GenerateUserKeyPair creates a key pair from r,
// or crypto/rand when r is nil.
func GenerateUserKeyPair(r io.Reader) (*UserKeyPair, error) {
	if r == nil {
		r = rand.Reader
	}

	var seed [32]byte
	if _, err := io.ReadFull(r, seed[:]); err != nil {
		return nil, fmt.Errorf("reading key seed: %w", err)
	}
	return NewUserKeyPairFromSeed(seed), nil
}

func (kp *UserKeyPair) PublicKey() UserPublicKey {
	return UserPublicKey{
		VerifyKey:       kp.sign.Public().(ed25519.PublicKey),
		NullifierCommit: blake2b.Sum256(kp.nullKey[:]),
	}
}

func (kp *UserKeyPair) Address() UserAddress {
	return kp.PublicKey().Address()
}

// Sign signs msg, typically a transaction digest.
func (kp *UserKeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.sign, msg)
}

// RecordNullifier derives the nullifier for a record owned by this
// pair. Records of freezable assets use the policy-scoped key
// instead of the owner's secret, so the freezer derives the same
// nullifier.
func (kp *UserKeyPair) RecordNullifier(ro RecordOpening) Nullifier {
	if ro.Asset.Policy.IsFreezable() {
		return FreezableRecordNullifier(ro)
	}
	return deriveNullifier(kp.nullKey, ro.Commitment())
}

// SpendInput assembles the unsigned consumption of a record owned by
// this pair. The witness signature is attached once the surrounding
// transaction digest is known.
func (kp *UserKeyPair) SpendInput(ro RecordOpening) TransferInput {
	w := SpendWitness{PublicKey: kp.PublicKey()}
	if !ro.Asset.Policy.IsFreezable() {
		w.NullifierKey = kp.nullKey
	}

	return TransferInput{
		Opening:   ro,
		Nullifier: kp.RecordNullifier(ro),
		Witness:   w,
	}
}
