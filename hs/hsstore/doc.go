// Package hsstore contains the store interfaces
// a consensus engine uses to persist its state,
// along with the error values the implementations must return.
//
// See the hsmemstore package for in-memory implementations
// suited to tests and simulations,
// and the hspebble package for a persistent implementation.
package hsstore
