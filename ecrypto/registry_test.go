package ecrypto_test

import (
	"crypto/ed25519"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/ecrypto"
)

func TestRegistry_RoundTrip(t *testing.T) {
	t.Parallel()

	edPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	edKey := ecrypto.Ed25519PubKey(edPub)

	secpPriv, err := crypto.GenerateKey()
	require.NoError(t, err)
	secpKey := ecrypto.Secp256k1PubKey(secpPriv.PublicKey)

	reg := new(ecrypto.Registry)
	ecrypto.RegisterEd25519(reg)
	ecrypto.RegisterSecp256k1(reg)

	edBack, err := reg.Unmarshal(reg.Marshal(edKey))
	require.NoError(t, err)
	secpBack, err := reg.Unmarshal(reg.Marshal(secpKey))
	require.NoError(t, err)

	require.True(t, edKey.Equal(edBack))
	require.True(t, secpKey.Equal(secpBack))

	require.IsType(t, ecrypto.Ed25519PubKey{}, edBack)
	require.IsType(t, ecrypto.Secp256k1PubKey{}, secpBack)

	require.Equal(t, edKey.PubKeyBytes(), edBack.PubKeyBytes())
	require.Equal(t, secpKey.PubKeyBytes(), secpBack.PubKeyBytes())
}

func TestRegistry_Unmarshal_UnknownPrefix(t *testing.T) {
	t.Parallel()

	reg := new(ecrypto.Registry)
	ecrypto.RegisterEd25519(reg)

	_, err := reg.Unmarshal([]byte("abcd\x00\x00\x00\x00111222333"))
	require.ErrorContains(t, err, "no registered public key type for prefix \"abcd\"")
}

func TestRegistry_Unmarshal_ShortInput(t *testing.T) {
	t.Parallel()

	reg := new(ecrypto.Registry)
	ecrypto.RegisterEd25519(reg)

	_, err := reg.Unmarshal([]byte("ed"))
	require.Error(t, err)
}
