package hsengine

import (
	"context"
	"time"
)

// TimeoutStrategy determines how long the engine waits in a view
// before declaring a local timeout.
type TimeoutStrategy interface {
	// ViewTimeout returns the time allowed in the given view.
	//
	// highQCView is the newest certified view the engine knows of;
	// the gap between the two counts the consecutive views that have
	// failed to certify a block, letting strategies back off
	// while a run of failures grows.
	ViewTimeout(view, highQCView uint64) time.Duration
}

// LinearTimeoutStrategy lengthens the view timeout linearly
// with the number of consecutive uncertified views.
//
// The zero value is usable and takes all default durations.
type LinearTimeoutStrategy struct {
	// Time allowed in a view immediately following a certified one.
	// Defaults to 1 second.
	ViewBase time.Duration

	// Added once per consecutive uncertified view.
	// Defaults to 500 milliseconds.
	ViewIncrement time.Duration
}

func (s LinearTimeoutStrategy) ViewTimeout(view, highQCView uint64) time.Duration {
	base := s.ViewBase
	if base <= 0 {
		base = time.Second
	}
	inc := s.ViewIncrement
	if inc <= 0 {
		inc = 500 * time.Millisecond
	}

	var failed uint64
	if view > highQCView+1 {
		failed = view - highQCView - 1
	}
	return base + time.Duration(failed)*inc
}

// strategyViewTimer adapts a TimeoutStrategy to the kernel's
// channel-close timer shape, with timers derived from the context
// given to [WithTimeoutStrategy].
type strategyViewTimer struct {
	ctx context.Context
	s   TimeoutStrategy
}

func (t strategyViewTimer) ViewTimer(view, highQCView uint64) (<-chan struct{}, func()) {
	ch := make(chan struct{})

	tCtx, cancel := context.WithTimeout(t.ctx, t.s.ViewTimeout(view, highQCView))
	go func() {
		defer cancel()
		<-tCtx.Done()
		if tCtx.Err() == context.DeadlineExceeded {
			close(ch)
		}
	}()

	return ch, cancel
}
