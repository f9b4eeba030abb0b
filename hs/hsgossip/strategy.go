// Package hsgossip defines the strategy interface for translating
// the consensus engine's view updates into outgoing network messages,
// along with the default strategy implementation.
package hsgossip

import (
	"github.com/PythonRysh/espresso/hs/hselink"
)

// Strategy decides which parts of the engine's current view
// are worth transmitting to the network, and when.
//
// Implementations receive their other dependencies,
// including the context governing their lifecycle,
// at construction; Start only delivers the update channel,
// which the engine does not create until the strategy exists.
type Strategy interface {
	// Start begins consuming view updates.
	// The engine sends a new update whenever its view content changes,
	// and skips sends the strategy is too slow to receive,
	// so a received update always reflects the freshest known state.
	Start(updates <-chan hselink.ViewUpdate)

	// Wait blocks until the strategy's background work has finished,
	// which only happens after its context is canceled.
	Wait()
}
