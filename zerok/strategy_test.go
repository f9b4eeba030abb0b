package zerok

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/hs/hselink"
	"github.com/PythonRysh/espresso/internal/etest"
)

// captureStrategy records the channel the decorator hands it.
type captureStrategy struct {
	updates <-chan hselink.ViewUpdate
}

func (s *captureStrategy) Start(updates <-chan hselink.ViewUpdate) {
	s.updates = updates
}

func (s *captureStrategy) Wait() {}

func TestObservedStrategy_ObservesAllForwardsLatest(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := new(captureStrategy)
	seen := make(chan uint64, 16)

	s := newObservedStrategy(ctx, inner, func(u hselink.ViewUpdate) {
		seen <- u.View
	})

	updates := make(chan hselink.ViewUpdate)
	s.Start(updates)
	require.NotNil(t, inner.updates)

	// Three updates land before the inner strategy reads any.
	etest.SendSoon(t, updates, hselink.ViewUpdate{View: 1})
	etest.SendSoon(t, updates, hselink.ViewUpdate{View: 2})
	etest.SendSoon(t, updates, hselink.ViewUpdate{View: 3})

	require.Equal(t, uint64(1), etest.ReceiveSoon(t, seen))
	require.Equal(t, uint64(2), etest.ReceiveSoon(t, seen))
	require.Equal(t, uint64(3), etest.ReceiveSoon(t, seen))

	// Only the freshest one reaches the inner strategy.
	u := etest.ReceiveSoon(t, inner.updates)
	require.Equal(t, uint64(3), u.View)

	// Nothing stale is replayed afterwards.
	etest.NotSending(t, inner.updates)

	cancel()
	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()
	etest.ReceiveSoon(t, waited)
}

func TestObservedStrategy_KeepsForwardingWhileInnerConsumes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := new(captureStrategy)
	s := newObservedStrategy(ctx, inner, func(hselink.ViewUpdate) {})

	updates := make(chan hselink.ViewUpdate)
	s.Start(updates)

	for view := uint64(1); view <= 5; view++ {
		etest.SendSoon(t, updates, hselink.ViewUpdate{View: view})
		got := etest.ReceiveSoon(t, inner.updates)
		require.Equal(t, view, got.View)
	}
}
