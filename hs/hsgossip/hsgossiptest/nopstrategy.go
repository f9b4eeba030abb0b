package hsgossiptest

import "github.com/PythonRysh/espresso/hs/hselink"

// NopStrategy is a no-op [github.com/PythonRysh/espresso/hs/hsgossip.Strategy]
// for use in tests where a placeholder strategy is needed.
type NopStrategy struct{}

func (NopStrategy) Start(<-chan hselink.ViewUpdate) {}
func (NopStrategy) Wait()                           {}
