package cape

import (
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	nullifierTag      = "espresso:cape/nullifier/v1\n"
	freezerNullKeyTag = "espresso:cape/freezer-nullkey/v1\n"
)

// NullifierKey keys the nullifier PRF.
// For most assets it is an owner secret; records of freezable assets
// use the policy-scoped key from [FreezerNullifierKey] so that owner
// and freezer mark the same nullifier.
type NullifierKey [32]byte

func (k NullifierKey) IsZero() bool {
	return k == NullifierKey{}
}

// Nullifier is the spend marker of one record.
// Marking it twice is a double spend.
type Nullifier [32]byte

func (n Nullifier) String() string {
	return base58.Encode(n[:])
}

// deriveNullifier is a keyed blake2b PRF over the record commitment.
func deriveNullifier(key NullifierKey, c RecordCommitment) Nullifier {
	h, err := blake2b.New256(key[:])
	if err != nil {
		panic(fmt.Errorf("BUG: keyed blake2b cannot fail: %w", err))
	}
	h.Write([]byte(nullifierTag))
	h.Write(c[:])
	return Nullifier(digest32(h))
}

// FreezerNullifierKey is the shared PRF key for records of a
// freezable asset. It is public: consuming a record still requires
// the owner's or freezer's signature, the nullifier only enforces
// at-most-once consumption.
func FreezerNullifierKey(code AssetCode) NullifierKey {
	h := newBlake2b()
	h.Write([]byte(freezerNullKeyTag))
	h.Write(code[:])
	return NullifierKey(digest32(h))
}

// FreezableRecordNullifier derives the nullifier of a freezable
// asset's record from public data alone.
func FreezableRecordNullifier(ro RecordOpening) Nullifier {
	return deriveNullifier(FreezerNullifierKey(ro.Asset.Code), ro.Commitment())
}
