package zerok

import (
	"context"

	"github.com/PythonRysh/espresso/hs/hselink"
	"github.com/PythonRysh/espresso/hs/hsgossip"
)

// observedStrategy forwards view updates to an inner strategy
// while reporting each one to an observe callback.
// The engine drops sends to a slow strategy, so forwarding
// keeps only the latest pending update rather than blocking.
type observedStrategy struct {
	ctx     context.Context
	inner   hsgossip.Strategy
	observe func(hselink.ViewUpdate)

	forward chan hselink.ViewUpdate
	done    chan struct{}
}

func newObservedStrategy(
	ctx context.Context, inner hsgossip.Strategy, observe func(hselink.ViewUpdate),
) *observedStrategy {
	return &observedStrategy{
		ctx:     ctx,
		inner:   inner,
		observe: observe,

		forward: make(chan hselink.ViewUpdate),
		done:    make(chan struct{}),
	}
}

func (s *observedStrategy) Start(updates <-chan hselink.ViewUpdate) {
	s.inner.Start(s.forward)
	go s.pump(updates)
}

func (s *observedStrategy) pump(updates <-chan hselink.ViewUpdate) {
	defer close(s.done)

	var pending hselink.ViewUpdate
	have := false

	for {
		// Offer the forward send only while an update is pending,
		// otherwise the zero value would be delivered.
		var out chan<- hselink.ViewUpdate
		if have {
			out = s.forward
		}

		select {
		case <-s.ctx.Done():
			return
		case u := <-updates:
			s.observe(u)
			pending, have = u, true
		case out <- pending:
			have = false
		}
	}
}

func (s *observedStrategy) Wait() {
	<-s.done
	s.inner.Wait()
}
