package hsdriver

import (
	"github.com/PythonRysh/espresso/hs/hsconsensus"
)

// InitChainRequest is sent from the engine to the driver,
// exactly once per chain lifetime,
// when consensus starts against an uninitialized store.
type InitChainRequest struct {
	Genesis hsconsensus.Genesis

	// Resp must be 1-buffered so the driver's send does not block.
	Resp chan InitChainResponse
}

// InitChainResponse is the driver's response to an [InitChainRequest].
type InitChainResponse struct {
	// Root of the application state before any block executes.
	// Becomes the genesis block's state root.
	StateRoot []byte

	// If non-nil, overrides the genesis validator set.
	// Leave nil to accept the set from the genesis document.
	Validators []hsconsensus.Validator
}
