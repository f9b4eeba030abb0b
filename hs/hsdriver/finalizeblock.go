package hsdriver

import (
	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// FinalizeBlockRequest is sent from the engine to the driver
// when a block commits.
// Requests arrive in strict height order, exactly once per height,
// including replays after a crash-restart for heights
// whose finalization never recorded.
type FinalizeBlockRequest struct {
	Block hsconsensus.Block

	// Resp must be 1-buffered so the driver's send does not block.
	Resp chan FinalizeBlockResponse
}

// FinalizeBlockResponse is the driver's response to a [FinalizeBlockRequest],
// reporting the effects of executing the block.
type FinalizeBlockResponse struct {
	Height uint64
	View   uint64

	BlockHash []byte

	// The validator set in effect for the next height.
	// Reconfiguration lands here, two heights before taking effect
	// in a proposed block's validator hashes.
	Validators []hsconsensus.Validator

	// Root of the application state after executing this block.
	StateRoot []byte
}
