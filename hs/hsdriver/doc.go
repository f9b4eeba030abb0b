// Package hsdriver contains the request types the consensus engine
// uses to drive the application (the "driver" being the application-side
// code that consumes these requests).
//
// All requests are delivered over channels owned by the driver,
// and every request carries a 1-buffered response channel
// so the driver can respond without blocking on the engine.
package hsdriver
