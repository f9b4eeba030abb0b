package ecrypto

import (
	"bytes"
	"context"
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/crypto"
)

// RegisterSecp256k1 registers the secp256k1 key type with the given Registry.
//
// Hosts bridging to an EVM chain use these keys so that
// validator addresses line up with their on-chain accounts.
func RegisterSecp256k1(reg *Registry) {
	reg.Register("secp256k1", Secp256k1PubKey{}, NewSecp256k1PubKey)
}

// Secp256k1PubKey wraps an ECDSA public key on the secp256k1 curve.
type Secp256k1PubKey ecdsa.PublicKey

func NewSecp256k1PubKey(b []byte) (PubKey, error) {
	pubKey, err := crypto.UnmarshalPubkey(b)
	if err != nil {
		return nil, err
	}
	return Secp256k1PubKey(*pubKey), nil
}

// Address returns the standard Ethereum address for the key,
// the last 20 bytes of the keccak256 digest of the uncompressed point.
func (k Secp256k1PubKey) Address() []byte {
	addr := crypto.PubkeyToAddress(ecdsa.PublicKey(k))
	return addr.Bytes()
}

func (k Secp256k1PubKey) PubKeyBytes() []byte {
	return crypto.FromECDSAPub((*ecdsa.PublicKey)(&k))
}

func (k Secp256k1PubKey) Equal(other PubKey) bool {
	o, ok := other.(Secp256k1PubKey)
	if !ok {
		return false
	}

	return bytes.Equal(k.PubKeyBytes(), o.PubKeyBytes())
}

func (k Secp256k1PubKey) Verify(msg, sig []byte) bool {
	if len(sig) < 1 {
		return false
	}

	// Strip the recovery byte; VerifySignature wants the 64-byte form.
	return crypto.VerifySignature(k.PubKeyBytes(), crypto.Keccak256(msg), sig[:len(sig)-1])
}

// Secp256k1Signer satisfies [Signer] with an in-process secp256k1 private key.
type Secp256k1Signer struct {
	priv *ecdsa.PrivateKey
	pub  Secp256k1PubKey
}

func NewSecp256k1Signer(priv *ecdsa.PrivateKey) Secp256k1Signer {
	return Secp256k1Signer{
		priv: priv,
		pub:  Secp256k1PubKey(priv.PublicKey),
	}
}

func (s Secp256k1Signer) PubKey() PubKey {
	return s.pub
}

func (s Secp256k1Signer) Sign(_ context.Context, input []byte) ([]byte, error) {
	return crypto.Sign(crypto.Keccak256(input), s.priv)
}
