package hsstoretest

import "github.com/PythonRysh/espresso/hs/hsconsensus/hsconsensustest"

// FixtureFactory is used in every store compliance test,
// to produce validators and signatures.
//
// [hsconsensustest.NewEd25519Fixture] should be used by default,
// but having this as part of compliance test signatures
// makes it possible to assert that various store types
// are compatible with other key schemes.
type FixtureFactory func(nVals int) *hsconsensustest.Fixture
