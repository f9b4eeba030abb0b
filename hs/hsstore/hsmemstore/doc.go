// Package hsmemstore contains in-memory implementations
// of the store interfaces in the hsstore package.
//
// None of them survive a process restart,
// so they are intended for tests and simulations,
// not for a production validator.
package hsmemstore
