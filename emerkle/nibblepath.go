package emerkle

import (
	"fmt"
)

// KeyHashSize is the byte width of tree keys.
// Callers hash arbitrary keys down to this size; see [HashKey].
const KeyHashSize = 32

// MaxPathNibbles is the deepest possible tree position:
// one nibble per half-byte of a key hash.
const MaxPathNibbles = 2 * KeyHashSize

// KeyHash is the fixed-size hashed key the tree is organized around.
type KeyHash [KeyHashSize]byte

// Nibble returns the i'th half-byte of the key,
// high half first within each byte.
func (k KeyHash) Nibble(i int) byte {
	b := k[i/2]
	if i%2 == 0 {
		return b >> 4
	}
	return b & 0x0f
}

// NibblePath is a sequence of nibbles addressing a position in the tree.
// The empty path addresses the root.
//
// The nibbles are backed by a string, one nibble per byte,
// so paths are immutable and comparable with ==
// and a [NodeKey] can serve as a map key.
// [NibblePath.Pack] produces the compact storage form.
type NibblePath struct {
	nibbles string
}

// PathFromKey returns the path of the first n nibbles of k.
func PathFromKey(k KeyHash, n int) NibblePath {
	if n < 0 || n > MaxPathNibbles {
		panic(fmt.Errorf("BUG: path length %d out of range", n))
	}

	buf := make([]byte, n)
	for i := range buf {
		buf[i] = k.Nibble(i)
	}
	return NibblePath{nibbles: string(buf)}
}

// Len returns the number of nibbles in the path.
func (p NibblePath) Len() int {
	return len(p.nibbles)
}

// At returns the i'th nibble.
func (p NibblePath) At(i int) byte {
	return p.nibbles[i]
}

// Child returns a new path one nibble deeper.
// The receiver is not modified.
func (p NibblePath) Child(nibble byte) NibblePath {
	if nibble > 0x0f {
		panic(fmt.Errorf("BUG: nibble value %#x out of range", nibble))
	}

	buf := make([]byte, len(p.nibbles)+1)
	copy(buf, p.nibbles)
	buf[len(p.nibbles)] = nibble
	return NibblePath{nibbles: string(buf)}
}

// Pack returns the path as length-prefixed packed nibbles:
// one length byte, then two nibbles per byte, high half first,
// with a trailing zero nibble if the length is odd.
// The packed form sorts identically to a nibble-by-nibble comparison
// within a fixed length, and is the form used in store keys.
func (p NibblePath) Pack() []byte {
	out := make([]byte, 1+(len(p.nibbles)+1)/2)
	out[0] = byte(len(p.nibbles))
	for i := 0; i < len(p.nibbles); i++ {
		if i%2 == 0 {
			out[1+i/2] |= p.nibbles[i] << 4
		} else {
			out[1+i/2] |= p.nibbles[i]
		}
	}
	return out
}

// UnpackPath reverses [NibblePath.Pack].
func UnpackPath(b []byte) (NibblePath, error) {
	if len(b) == 0 {
		return NibblePath{}, fmt.Errorf("packed path must have a length byte")
	}

	n := int(b[0])
	if n > MaxPathNibbles {
		return NibblePath{}, fmt.Errorf("packed path length %d exceeds maximum %d", n, MaxPathNibbles)
	}
	if len(b)-1 != (n+1)/2 {
		return NibblePath{}, fmt.Errorf("packed path has %d data bytes, want %d", len(b)-1, (n+1)/2)
	}

	if n%2 == 1 && b[len(b)-1]&0x0f != 0 {
		return NibblePath{}, fmt.Errorf("packed path has nonzero padding nibble")
	}

	nibbles := make([]byte, n)
	for i := range nibbles {
		if i%2 == 0 {
			nibbles[i] = b[1+i/2] >> 4
		} else {
			nibbles[i] = b[1+i/2] & 0x0f
		}
	}
	return NibblePath{nibbles: string(nibbles)}, nil
}

func (p NibblePath) String() string {
	const hexDigits = "0123456789abcdef"

	out := make([]byte, len(p.nibbles))
	for i := 0; i < len(p.nibbles); i++ {
		out[i] = hexDigits[p.nibbles[i]]
	}
	return string(out)
}
