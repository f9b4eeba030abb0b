package hselink

// BlockFinalization is emitted by the engine once a block commits,
// in strict height order.
//
// It is a notification for observers such as metrics and archival;
// the authoritative handoff to the execution layer goes through
// [github.com/PythonRysh/espresso/hs/hsdriver.FinalizeBlockRequest].
type BlockFinalization struct {
	Height uint64

	// The view the committed block was proposed in;
	// may exceed Height when earlier views timed out.
	View uint64

	BlockHash []byte

	// Root of the application state after executing this block,
	// as reported by the driver during finalization.
	StateRoot []byte
}
