package hsmsgpack_test

import (
	"testing"

	"github.com/PythonRysh/espresso/hs/hscodec"
	"github.com/PythonRysh/espresso/hs/hscodec/hscodectest"
	"github.com/PythonRysh/espresso/hs/hscodec/hsmsgpack"
	"github.com/PythonRysh/espresso/hs/hsconsensus/hsconsensustest"
)

func TestMarshalCodecCompliance_Ed25519(t *testing.T) {
	t.Parallel()

	hscodectest.TestMarshalCodecCompliance(
		t,
		hsconsensustest.NewEd25519Fixture,
		func(fx *hsconsensustest.Fixture) hscodec.MarshalCodec {
			return hsmsgpack.MarshalCodec{CryptoRegistry: &fx.Registry}
		},
	)
}

func TestMarshalCodecCompliance_BLS(t *testing.T) {
	t.Parallel()

	hscodectest.TestMarshalCodecCompliance(
		t,
		hsconsensustest.NewBLSFixture,
		func(fx *hsconsensustest.Fixture) hscodec.MarshalCodec {
			return hsmsgpack.MarshalCodec{CryptoRegistry: &fx.Registry}
		},
	)
}
