package hsgossiptest

import (
	"testing"

	"github.com/PythonRysh/espresso/hs/hselink"
	"github.com/PythonRysh/espresso/internal/etest"
)

// ChannelStrategy hands the engine's raw update channel to a test,
// so the test can observe exactly what the engine would have gossiped.
type ChannelStrategy struct {
	startCh chan (<-chan hselink.ViewUpdate)
}

func NewChannelStrategy() *ChannelStrategy {
	return &ChannelStrategy{
		startCh: make(chan (<-chan hselink.ViewUpdate), 1),
	}
}

func (s *ChannelStrategy) Start(updates <-chan hselink.ViewUpdate) {
	s.startCh <- updates
}

func (s *ChannelStrategy) Wait() {}

// Updates returns the channel passed to Start,
// failing the test if the engine has not started the strategy in time.
func (s *ChannelStrategy) Updates(t testing.TB) <-chan hselink.ViewUpdate {
	t.Helper()
	return etest.ReceiveSoon(t, s.startCh)
}
