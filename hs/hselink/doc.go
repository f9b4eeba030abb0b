// Package hselink contains the channel payload types linking the
// consensus engine to the systems surrounding it:
// the gossip strategy, the payload dissemination layer,
// and observers of finalized blocks.
//
// The types live here, outside the engine,
// so that network and application code can depend on them
// without importing engine internals.
package hselink
