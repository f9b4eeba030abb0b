package ecrypto

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// RegisterEd25519 registers the ed25519 key type with the given Registry.
// There is no global registry; hosts register the key types they accept.
func RegisterEd25519(reg *Registry) {
	reg.Register("ed25519", Ed25519PubKey{}, NewEd25519PubKey)
}

// Ed25519PubKey wraps a standard library ed25519 public key
// to satisfy [PubKey].
type Ed25519PubKey ed25519.PublicKey

func NewEd25519PubKey(b []byte) (PubKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("expected %d key bytes, got %d", ed25519.PublicKeySize, len(b))
	}

	return Ed25519PubKey(b), nil
}

// Address returns the first 20 bytes of the blake2b-256 digest
// of the serialized key.
func (k Ed25519PubKey) Address() []byte {
	sum := blake2b.Sum256(k)
	return sum[:20]
}

func (k Ed25519PubKey) PubKeyBytes() []byte {
	return []byte(k)
}

func (k Ed25519PubKey) Equal(other PubKey) bool {
	o, ok := other.(Ed25519PubKey)
	if !ok {
		return false
	}

	return bytes.Equal(k, o)
}

func (k Ed25519PubKey) Verify(msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(k), msg, sig)
}

// Ed25519Signer satisfies [Signer] with an in-process ed25519 private key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  Ed25519PubKey
}

func NewEd25519Signer(priv ed25519.PrivateKey) Ed25519Signer {
	return Ed25519Signer{
		priv: priv,
		pub:  Ed25519PubKey(priv.Public().(ed25519.PublicKey)),
	}
}

func (s Ed25519Signer) PubKey() PubKey {
	return s.pub
}

func (s Ed25519Signer) Sign(_ context.Context, input []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, input), nil
}
