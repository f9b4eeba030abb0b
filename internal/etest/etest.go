// Package etest provides shared test helpers:
// a standard test logger and channel operations that fail tests
// instead of deadlocking them.
package etest

import (
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// NewLogger returns a logger suitable for tests,
// routing records through t.Log so output interleaves
// with the rest of the test's logging.
func NewLogger(t testing.TB) *slog.Logger {
	return slogt.New(t)
}

var timeScale = func() time.Duration {
	s := os.Getenv("ESPRESSO_TEST_TIME_FACTOR")
	if s == "" {
		return time.Millisecond
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		panic("invalid ESPRESSO_TEST_TIME_FACTOR: " + err.Error())
	}
	return time.Duration(float64(time.Millisecond) * f)
}()

// ScaleMs returns a duration of n milliseconds,
// scaled by the ESPRESSO_TEST_TIME_FACTOR environment variable if set.
// Slow or heavily loaded machines can raise the factor
// rather than editing individual test timeouts.
func ScaleMs(n int64) time.Duration {
	return time.Duration(n) * timeScale
}

// ReceiveSoon returns the next value received from ch,
// failing the test if nothing arrives within a short scaled window.
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	return ReceiveOrTimeout(t, ch, ScaleMs(100))
}

// ReceiveOrTimeout returns the next value received from ch,
// failing the test if nothing arrives within d.
func ReceiveOrTimeout[T any](t testing.TB, ch <-chan T, d time.Duration) T {
	t.Helper()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("expected to receive on %T within %s", ch, d)
		panic("unreachable")
	}
}

// SendSoon sends v to ch,
// failing the test if the send does not complete within a short scaled window.
func SendSoon[T any](t testing.TB, ch chan<- T, v T) {
	t.Helper()

	timer := time.NewTimer(ScaleMs(100))
	defer timer.Stop()

	select {
	case ch <- v:
	case <-timer.C:
		t.Fatalf("expected send on %T to complete within %s", ch, ScaleMs(100))
	}
}

// NotSending asserts that ch has no value ready.
// It only polls once; it cannot prove a value will never be sent.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case v := <-ch:
		t.Fatalf("expected no send on %T but received %v", ch, v)
	default:
	}
}

// IsSending asserts that ch has a value immediately available,
// and returns it.
func IsSending[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	default:
		t.Fatalf("expected value ready on %T but channel was empty", ch)
		panic("unreachable")
	}
}
