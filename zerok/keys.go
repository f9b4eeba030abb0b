package zerok

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/PythonRysh/espresso/ecrypto"
)

// GenerateSigningKey creates a fresh ed25519 consensus key
// and writes its hex seed to path, readable only by the owner.
func GenerateSigningKey(path string) (ecrypto.Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return ecrypto.Ed25519Signer{}, fmt.Errorf("generating key: %w", err)
	}

	seed := hex.EncodeToString(priv.Seed()) + "\n"
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		return ecrypto.Ed25519Signer{}, fmt.Errorf("writing signing key file: %w", err)
	}

	return ecrypto.NewEd25519Signer(priv), nil
}

// LoadSigningKey reads a hex seed written by [GenerateSigningKey].
func LoadSigningKey(path string) (ecrypto.Ed25519Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ecrypto.Ed25519Signer{}, fmt.Errorf("reading signing key file: %w", err)
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		return ecrypto.Ed25519Signer{}, fmt.Errorf("decoding signing key file %s: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return ecrypto.Ed25519Signer{}, fmt.Errorf(
			"signing key file %s holds %d byte seed, want %d", path, len(seed), ed25519.SeedSize,
		)
	}

	return ecrypto.NewEd25519Signer(ed25519.NewKeyFromSeed(seed)), nil
}
