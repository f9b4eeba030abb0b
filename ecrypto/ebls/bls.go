// Package ebls provides BLS12-381 keys in the minimized-signature
// configuration (public keys on G2, signatures on G1), plus an
// aggregating [ecrypto.CommonMessageSignatureProofScheme].
//
// Aggregation collapses a certificate's signatures into a single
// 48-byte point regardless of validator count, at the cost of
// slower per-signature verification than ed25519.
package ebls

import (
	"context"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"golang.org/x/crypto/blake2b"

	"github.com/PythonRysh/espresso/ecrypto"
)

const keyTypeName = "bls12381"

// DomainSeparationTag per RFC 9380 and draft-irtf-cfrg-bls-signature,
// basic scheme, G1 signatures.
// Signing and verification must agree on this value.
var DomainSeparationTag = []byte("BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_")

var keyGenSalt = []byte("espresso-bls-keygen")

// Register registers the BLS key type with the given Registry.
func Register(reg *ecrypto.Registry) {
	reg.Register(keyTypeName, PubKey{}, NewPubKey)
}

// PubKey wraps a blst P2 affine point to satisfy [ecrypto.PubKey].
type PubKey blst.P2Affine

// NewPubKey decompresses and validates a serialized public key point.
func NewPubKey(b []byte) (ecrypto.PubKey, error) {
	if len(b) != blst.BLST_P2_COMPRESS_BYTES {
		return nil, fmt.Errorf(
			"expected %d compressed key bytes, got %d",
			blst.BLST_P2_COMPRESS_BYTES, len(b),
		)
	}

	p2a := new(blst.P2Affine).Uncompress(b)
	if p2a == nil {
		return nil, errors.New("failed to decompress public key point")
	}
	if !p2a.KeyValidate() {
		return nil, errors.New("public key point failed subgroup validation")
	}

	return PubKey(*p2a), nil
}

func (k PubKey) Address() []byte {
	sum := blake2b.Sum256(k.PubKeyBytes())
	return sum[:20]
}

func (k PubKey) PubKeyBytes() []byte {
	p2a := blst.P2Affine(k)
	return p2a.Compress()
}

func (k PubKey) Equal(other ecrypto.PubKey) bool {
	o, ok := other.(PubKey)
	if !ok {
		return false
	}

	p2k := blst.P2Affine(k)
	p2o := blst.P2Affine(o)
	return p2k.Equals(&p2o)
}

func (k PubKey) Verify(msg, sig []byte) bool {
	p1a := new(blst.P1Affine).Uncompress(sig)
	if p1a == nil {
		return false
	}
	if !p1a.SigValidate(false) {
		return false
	}

	p2a := blst.P2Affine(k)
	return p1a.Verify(false, &p2a, false, blst.Message(msg), DomainSeparationTag)
}

// Signer satisfies [ecrypto.Signer] for BLS keys.
type Signer struct {
	secret blst.SecretKey

	// The public point, derivable from the secret but cached here.
	point blst.P2Affine
}

// NewSigner derives a signer from initial key material,
// which must be at least 32 bytes of cryptographically random data.
func NewSigner(ikm []byte) (Signer, error) {
	if len(ikm) < blst.BLST_SCALAR_BYTES {
		return Signer{}, fmt.Errorf(
			"key material too short: got %d bytes, need at least %d",
			len(ikm), blst.BLST_SCALAR_BYTES,
		)
	}

	secret := blst.KeyGenV5(ikm, keyGenSalt)
	point := new(blst.P2Affine).From(secret)

	return Signer{
		secret: *secret,
		point:  *point,
	}, nil
}

func (s Signer) PubKey() ecrypto.PubKey {
	return PubKey(s.point)
}

func (s Signer) Sign(_ context.Context, input []byte) ([]byte, error) {
	sig := new(blst.P1Affine).Sign(&s.secret, input, DomainSeparationTag, true)
	if sig == nil {
		return nil, errors.New("bls signing failed")
	}

	return sig.Compress(), nil
}
