package ecrypto

import (
	"context"

	"github.com/mr-tron/base58"
)

// PubKey is the minimal interface for a validator public key.
type PubKey interface {
	// Address returns a short, collision-resistant identifier
	// derived from the public key.
	Address() []byte

	// PubKeyBytes returns the full serialized public key.
	PubKeyBytes() []byte

	// Equal reports whether other is the same key as this one.
	Equal(other PubKey) bool

	// Verify reports whether sig is a valid signature
	// by this key over msg.
	Verify(msg, sig []byte) bool
}

// Signer produces signatures for one public key.
//
// Implementations may hold the private key in process,
// or proxy to an external holder (see the zsigner package),
// which is why Sign takes a context.
type Signer interface {
	PubKey() PubKey

	Sign(ctx context.Context, input []byte) ([]byte, error)
}

// AddressText returns the canonical human-readable form
// of a public key's address.
func AddressText(k PubKey) string {
	return base58.Encode(k.Address())
}

// DecodeAddressText reverses [AddressText].
func DecodeAddressText(s string) ([]byte, error) {
	return base58.Decode(s)
}
