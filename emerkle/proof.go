package emerkle

import (
	"errors"
	"fmt"
	"math/bits"

	"golang.org/x/crypto/blake2b"
)

// Proof authenticates the presence or absence of one key
// against a version's root digest.
//
// Levels run from the root downward, one per internal node on the
// key's path. An inclusion proof ends at the key's own leaf,
// which the verifier reconstructs from the key and value.
// An exclusion proof ends either at an empty child slot
// or at a Divergent leaf occupying the key's path.
type Proof struct {
	Levels []ProofLevel

	Divergent *LeafSummary
}

// ProofLevel is the child summary of one internal node:
// a 16-bit occupancy map and the occupied children's hashes
// in ascending nibble order.
type ProofLevel struct {
	Bitmap uint16
	Hashes [][32]byte
}

// LeafSummary is the commitment content of a leaf other than the
// target key, used in exclusion proofs.
type LeafSummary struct {
	Key       KeyHash
	ValueHash [32]byte
}

// HashAt returns the hash of the child at the given nibble,
// and whether that slot is occupied.
func (l ProofLevel) HashAt(nibble byte) ([32]byte, bool) {
	if l.Bitmap&(1<<uint(nibble)) == 0 {
		return [32]byte{}, false
	}

	// Occupied slots below nibble index into Hashes.
	idx := bits.OnesCount16(l.Bitmap & (1<<uint(nibble) - 1))
	if idx >= len(l.Hashes) {
		return [32]byte{}, false
	}
	return l.Hashes[idx], true
}

// Hash recomputes the internal node digest this level summarizes.
func (l ProofLevel) Hash() [32]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(fmt.Errorf("BUG: keyless blake2b cannot fail: %w", err))
	}

	h.Write(internalHashTag)
	next := 0
	for i := range 16 {
		if l.Bitmap&(1<<uint(i)) == 0 {
			h.Write(emptyChildHash[:])
			continue
		}
		h.Write(l.Hashes[next][:])
		next++
	}

	var out [32]byte
	h.Sum(out[:0])
	return out
}

func (l ProofLevel) wellFormed() bool {
	return bits.OnesCount16(l.Bitmap) == len(l.Hashes)
}

// ErrProofMismatch is the base error for any proof that fails to verify.
var ErrProofMismatch = errors.New("proof does not verify")

// VerifyInclusion checks that proof demonstrates key=value
// under the given root digest.
func VerifyInclusion(root [32]byte, key KeyHash, value []byte, proof Proof) error {
	if proof.Divergent != nil {
		return fmt.Errorf("%w: inclusion proof carries a divergent leaf", ErrProofMismatch)
	}
	if len(proof.Levels) > MaxPathNibbles {
		return fmt.Errorf("%w: %d levels exceeds key depth", ErrProofMismatch, len(proof.Levels))
	}

	return climb(root, key, leafHash(key, HashValue(value)), proof.Levels, len(proof.Levels))
}

// VerifyExclusion checks that proof demonstrates key has no value
// under the given root digest.
func VerifyExclusion(root [32]byte, key KeyHash, proof Proof) error {
	if len(proof.Levels) > MaxPathNibbles {
		return fmt.Errorf("%w: %d levels exceeds key depth", ErrProofMismatch, len(proof.Levels))
	}

	div := proof.Divergent

	if len(proof.Levels) == 0 {
		if div == nil {
			// Empty tree.
			if root != EmptyRootHash() {
				return fmt.Errorf("%w: empty-tree proof against non-empty root", ErrProofMismatch)
			}
			return nil
		}

		// Single-leaf tree holding a different key.
		if div.Key == key {
			return fmt.Errorf("%w: divergent leaf matches the target key", ErrProofMismatch)
		}
		if leafHash(div.Key, div.ValueHash) != root {
			return fmt.Errorf("%w: divergent leaf does not hash to root", ErrProofMismatch)
		}
		return nil
	}

	bottom := proof.Levels[len(proof.Levels)-1]
	if !bottom.wellFormed() {
		return fmt.Errorf("%w: malformed level", ErrProofMismatch)
	}
	nib := key.Nibble(len(proof.Levels) - 1)

	if div == nil {
		// The key's slot must be empty at the bottom level.
		if _, occupied := bottom.HashAt(nib); occupied {
			return fmt.Errorf("%w: key slot is occupied", ErrProofMismatch)
		}
		return climb(root, key, bottom.Hash(), proof.Levels, len(proof.Levels)-1)
	}

	// A leaf for a different key occupies the slot.
	// It can only sit on the key's path if its own nibbles agree
	// with the key's for every level above.
	if div.Key == key {
		return fmt.Errorf("%w: divergent leaf matches the target key", ErrProofMismatch)
	}
	for i := range len(proof.Levels) {
		if div.Key.Nibble(i) != key.Nibble(i) {
			return fmt.Errorf("%w: divergent leaf is not on the key's path", ErrProofMismatch)
		}
	}

	return climb(root, key, leafHash(div.Key, div.ValueHash), proof.Levels, len(proof.Levels))
}

// climb verifies the hash chain from a known child digest up to root.
// nLevels tells how many of levels anchor the child:
// when it equals len(levels), the child hangs off the bottom level's
// key slot; when one less, the bottom level itself is the child.
func climb(root [32]byte, key KeyHash, cur [32]byte, levels []ProofLevel, nLevels int) error {
	for i := nLevels - 1; i >= 0; i-- {
		lvl := levels[i]
		if !lvl.wellFormed() {
			return fmt.Errorf("%w: malformed level", ErrProofMismatch)
		}

		got, occupied := lvl.HashAt(key.Nibble(i))
		if !occupied {
			return fmt.Errorf("%w: level %d missing the key's slot", ErrProofMismatch, i)
		}
		if got != cur {
			return fmt.Errorf("%w: level %d does not link", ErrProofMismatch, i)
		}

		cur = lvl.Hash()
	}

	if cur != root {
		return fmt.Errorf("%w: computed root differs", ErrProofMismatch)
	}
	return nil
}
