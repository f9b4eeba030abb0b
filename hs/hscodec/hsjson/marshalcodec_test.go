package hsjson_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/hs/hscodec"
	"github.com/PythonRysh/espresso/hs/hscodec/hscodectest"
	"github.com/PythonRysh/espresso/hs/hscodec/hsjson"
	"github.com/PythonRysh/espresso/hs/hsconsensus/hsconsensustest"
)

func TestMarshalCodecCompliance_Ed25519(t *testing.T) {
	t.Parallel()

	hscodectest.TestMarshalCodecCompliance(
		t,
		hsconsensustest.NewEd25519Fixture,
		func(fx *hsconsensustest.Fixture) hscodec.MarshalCodec {
			return hsjson.MarshalCodec{CryptoRegistry: &fx.Registry}
		},
	)
}

func TestMarshalCodecCompliance_BLS(t *testing.T) {
	t.Parallel()

	hscodectest.TestMarshalCodecCompliance(
		t,
		hsconsensustest.NewBLSFixture,
		func(fx *hsconsensustest.Fixture) hscodec.MarshalCodec {
			return hsjson.MarshalCodec{CryptoRegistry: &fx.Registry}
		},
	)
}

// The JSON output is meant for human consumption through debug endpoints,
// so the top-level structure has to stay inspectable
// with nothing but encoding/json.
func TestMarshalQuorumCertificate_Inspectable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := hsconsensustest.NewEd25519Fixture(4)
	c := hsjson.MarshalCodec{CryptoRegistry: &fx.Registry}

	g := fx.GenesisBlock()
	b1 := fx.NextBlock(ctx, g, 1, []byte("data_1"), []byte("state_1"))
	qc := fx.SparseQC(ctx, 1, b1.Hash, fx.AllValidatorIndices()...)

	raw, err := c.MarshalQuorumCertificate(*qc)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Contains(t, m, "View")
	require.Contains(t, m, "BlockHash")
	require.Contains(t, m, "PubKeyHash")
	require.Contains(t, m, "Signatures")
}
