package hsmemstore_test

import (
	"testing"

	"github.com/PythonRysh/espresso/hs/hsconsensus/hsconsensustest"
	"github.com/PythonRysh/espresso/hs/hsstore"
	"github.com/PythonRysh/espresso/hs/hsstore/hsmemstore"
	"github.com/PythonRysh/espresso/hs/hsstore/hsstoretest"
)

func TestBlockStoreCompliance(t *testing.T) {
	t.Parallel()

	hsstoretest.TestBlockStoreCompliance(
		t,
		func(func(func())) (hsstore.BlockStore, error) {
			return hsmemstore.NewBlockStore(), nil
		},
		hsconsensustest.NewEd25519Fixture,
	)
}

func TestSafetyStoreCompliance(t *testing.T) {
	t.Parallel()

	hsstoretest.TestSafetyStoreCompliance(
		t,
		func(func(func())) (hsstore.SafetyStore, error) {
			return hsmemstore.NewSafetyStore(), nil
		},
	)
}

func TestPacemakerStoreCompliance(t *testing.T) {
	t.Parallel()

	hsstoretest.TestPacemakerStoreCompliance(
		t,
		func(func(func())) (hsstore.PacemakerStore, error) {
			return hsmemstore.NewPacemakerStore(), nil
		},
		hsconsensustest.NewEd25519Fixture,
	)
}

func TestFinalizationStoreCompliance(t *testing.T) {
	t.Parallel()

	hsstoretest.TestFinalizationStoreCompliance(
		t,
		func(func(func())) (hsstore.FinalizationStore, error) {
			return hsmemstore.NewFinalizationStore(), nil
		},
		hsconsensustest.NewEd25519Fixture,
	)
}

func TestValidatorStoreCompliance(t *testing.T) {
	t.Parallel()

	hsstoretest.TestValidatorStoreCompliance(
		t,
		func(func(func())) (hsstore.ValidatorStore, error) {
			hs := hsconsensustest.NewEd25519Fixture(0).HashScheme
			return hsmemstore.NewValidatorStore(hs), nil
		},
		hsconsensustest.NewEd25519Fixture,
	)
}
