package cape

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
)

// FreezeFlag marks whether a record is spendable by its owner
// or held by the asset's freezer.
type FreezeFlag uint8

const (
	Unfrozen FreezeFlag = iota
	Frozen
)

// Flipped returns the opposite flag.
func (f FreezeFlag) Flipped() FreezeFlag {
	if f == Unfrozen {
		return Frozen
	}
	return Unfrozen
}

func (f FreezeFlag) String() string {
	switch f {
	case Unfrozen:
		return "unfrozen"
	case Frozen:
		return "frozen"
	default:
		return fmt.Sprintf("FreezeFlag(%d)", uint8(f))
	}
}

// Blind is per-record randomness, making commitments unique
// across otherwise identical openings.
type Blind [32]byte

// NewBlind draws randomness from r, or crypto/rand when r is nil.
func NewBlind(r io.Reader) (Blind, error) {
	if r == nil {
		r = rand.Reader
	}

	var b Blind
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Blind{}, fmt.Errorf("reading blinding factor: %w", err)
	}
	return b, nil
}

// RecordOpening is the full plaintext of one asset record.
type RecordOpening struct {
	Amount uint64
	Asset  AssetDefinition
	Owner  UserAddress
	Freeze FreezeFlag
	Blind  Blind
}

const recordCommitmentTag = "espresso:cape/record/v1\n"

// Commitment returns the digest a record is stored and referenced by.
// Every field is bound, fixed width or length prefixed.
func (ro RecordOpening) Commitment() RecordCommitment {
	h := newBlake2b()
	h.Write([]byte(recordCommitmentTag))
	hashUint64(h, ro.Amount)
	h.Write(ro.Asset.Code[:])
	h.Write(ro.Asset.Policy.Viewer[:])
	h.Write(ro.Asset.Policy.Freezer[:])
	h.Write([]byte{byte(ro.Asset.Policy.Reveal)})
	h.Write(ro.Owner[:])
	h.Write([]byte{byte(ro.Freeze)})
	h.Write(ro.Blind[:])
	return RecordCommitment(digest32(h))
}

// RecordCommitment identifies a record in the state tree.
type RecordCommitment [32]byte

func (c RecordCommitment) String() string {
	return base58.Encode(c[:])
}

// ParseRecordCommitment reverses [RecordCommitment.String].
func ParseRecordCommitment(s string) (RecordCommitment, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return RecordCommitment{}, fmt.Errorf("decoding record commitment: %w", err)
	}
	if len(b) != len(RecordCommitment{}) {
		return RecordCommitment{}, fmt.Errorf(
			"expected %d commitment bytes, got %d", len(RecordCommitment{}), len(b),
		)
	}
	return RecordCommitment(b), nil
}
