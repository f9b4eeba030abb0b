package cape

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Domain tags for the asset code derivations.
// Codes from different derivations can never collide.
const (
	assetNativeTag  = "espresso:cape/asset/native/v1\n"
	assetForeignTag = "espresso:cape/asset/foreign/v1\n"
	assetDerivedTag = "espresso:cape/asset/derived/v1\n"

	erc20DescriptionTag = "espresso:cape/erc20/v1\n"
)

// AssetCode identifies an asset type.
type AssetCode [32]byte

func (c AssetCode) String() string {
	return base58.Encode(c[:])
}

// IsNative reports whether c is the fee asset's code.
func (c AssetCode) IsNative() bool {
	return c == NativeAssetCode()
}

// NativeAssetCode returns the code of the built-in fee asset.
func NativeAssetCode() AssetCode {
	h := newBlake2b()
	h.Write([]byte(assetNativeTag))
	return AssetCode(digest32(h))
}

// ForeignAssetCode derives the code of an asset whose definition
// authority lives outside the ledger, such as a sponsored ERC20
// wrapper.
func ForeignAssetCode(description []byte) AssetCode {
	h := newBlake2b()
	h.Write([]byte(assetForeignTag))
	hashLengthPrefixed(h, description)
	return AssetCode(digest32(h))
}

// AssetCodeSeed is the secret behind a user-defined asset code.
// Minting reveals it to prove definition rights.
type AssetCodeSeed [32]byte

// NewAssetCodeSeed draws a seed from r, or crypto/rand when r is nil.
func NewAssetCodeSeed(r io.Reader) (AssetCodeSeed, error) {
	if r == nil {
		r = rand.Reader
	}

	var seed AssetCodeSeed
	if _, err := io.ReadFull(r, seed[:]); err != nil {
		return AssetCodeSeed{}, fmt.Errorf("reading asset code seed: %w", err)
	}
	return seed, nil
}

// DerivedAssetCode derives a user-defined asset code
// from a seed and a free-form description.
func DerivedAssetCode(seed AssetCodeSeed, description []byte) AssetCode {
	h := newBlake2b()
	h.Write([]byte(assetDerivedTag))
	h.Write(seed[:])
	hashLengthPrefixed(h, description)
	return AssetCode(digest32(h))
}

// Erc20AssetDescription is the canonical description bound into the
// code of a sponsored ERC20 wrapper. Both addresses are fixed width,
// so the encoding is unambiguous, and including the sponsor means
// different sponsors of the same token derive different codes.
func Erc20AssetDescription(erc20, sponsor common.Address) []byte {
	out := make([]byte, 0, len(erc20DescriptionTag)+2*common.AddressLength)
	out = append(out, erc20DescriptionTag...)
	out = append(out, erc20.Bytes()...)
	out = append(out, sponsor.Bytes()...)
	return out
}

// RevealMap selects which record fields transactions disclose
// to the asset's viewer.
type RevealMap uint8

const (
	RevealAmount RevealMap = 1 << iota
	RevealAddress
	RevealBlind
)

// Has reports whether every bit in bits is set.
func (m RevealMap) Has(bits RevealMap) bool {
	return m&bits == bits
}

// AssetPolicy attaches optional viewing and freezing authorities
// to an asset. The zero value is the empty policy:
// no viewer, no freezer, nothing revealed.
type AssetPolicy struct {
	Viewer  UserAddress
	Freezer UserAddress
	Reveal  RevealMap
}

func (p AssetPolicy) IsEmpty() bool {
	return p == AssetPolicy{}
}

// IsFreezable reports whether records of this asset
// can be frozen by a freezer authority.
func (p AssetPolicy) IsFreezable() bool {
	return !p.Freezer.IsZero()
}

// AssetDefinition pairs an asset code with its policy.
type AssetDefinition struct {
	Code   AssetCode
	Policy AssetPolicy
}

// NewAssetDefinition validates the code/policy pairing.
// A reveal map requires a viewer to reveal to,
// and the native asset carries no policy.
func NewAssetDefinition(code AssetCode, policy AssetPolicy) (AssetDefinition, error) {
	if policy.Reveal != 0 && policy.Viewer.IsZero() {
		return AssetDefinition{}, errors.New("reveal map set without a viewer")
	}
	if code.IsNative() && !policy.IsEmpty() {
		return AssetDefinition{}, errors.New("the native asset cannot carry a policy")
	}

	return AssetDefinition{Code: code, Policy: policy}, nil
}

// NativeAssetDefinition returns the built-in fee asset.
func NativeAssetDefinition() AssetDefinition {
	return AssetDefinition{Code: NativeAssetCode()}
}

func checkAssetDefinition(def AssetDefinition) error {
	_, err := NewAssetDefinition(def.Code, def.Policy)
	return err
}

func newBlake2b() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(fmt.Errorf("BUG: keyless blake2b cannot fail: %w", err))
	}
	return h
}

func digest32(h hash.Hash) [32]byte {
	var d [32]byte
	copy(d[:], h.Sum(nil))
	return d
}

func hashUint64(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

func hashLengthPrefixed(h hash.Hash, b []byte) {
	hashUint64(h, uint64(len(b)))
	h.Write(b)
}
