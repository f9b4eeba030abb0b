// Package hsengine provides the engine that runs chained HotStuff
// consensus for a single chain.
//
// The engine is assembled from options; see the various With functions
// in this package.
// Consensus messages arrive through the [hsconsensus.ConsensusHandler]
// methods on [Engine], which verify signatures on the calling goroutine
// and forward the validated content to a single internal kernel
// goroutine that owns all consensus state.
// The application side of the engine is driven through the channels
// configured with the hsdriver request types.
package hsengine
