// Package echan provides helpers for common patterns of
// sending and receiving on channels under a context.
//
// Every long-lived goroutine in this module selects against its context,
// so plain channel operations are almost always wrong outside tests.
// These helpers keep the select boilerplate, and the debug logging
// explaining what was being attempted when a context was canceled,
// in one place.
package echan

import (
	"context"
	"log/slog"
	"time"
)

// SendC selects between sending v to ch and ctx being canceled.
// It reports whether the send completed.
// On cancellation, the reason is logged at debug level
// with the given short description of the send that was abandoned.
func SendC[T any](ctx context.Context, log *slog.Logger, ch chan<- T, v T, desc string) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		log.Debug(
			"Context canceled while "+desc,
			"cause", context.Cause(ctx),
		)
		return false
	}
}

// RecvC selects between receiving from ch and ctx being canceled.
// It returns the received value and whether the receive completed.
// On cancellation, the reason is logged at debug level
// with the given short description of the receive that was abandoned.
func RecvC[T any](ctx context.Context, log *slog.Logger, ch <-chan T, desc string) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-ctx.Done():
		log.Debug(
			"Context canceled while "+desc,
			"cause", context.Cause(ctx),
		)
		var zero T
		return zero, false
	}
}

// ReqResp performs a blocking send of req to reqCh,
// then a blocking receive from respCh,
// abandoning either operation if ctx is canceled first.
// It returns the response and whether the full round trip completed.
//
// The typical usage pairs a request value carrying its own
// 1-buffered response channel with a kernel goroutine
// that consumes reqCh and sends exactly one response.
func ReqResp[TReq, TResp any](
	ctx context.Context,
	log *slog.Logger,
	reqCh chan<- TReq,
	req TReq,
	respCh <-chan TResp,
	desc string,
) (TResp, bool) {
	if !SendC(ctx, log, reqCh, req, "making "+desc+" request") {
		var zero TResp
		return zero, false
	}

	return RecvC(ctx, log, respCh, "receiving "+desc+" response")
}

// ReqRespTimeout behaves like [ReqResp] but also abandons the round trip
// if it does not complete within d.
// The returned cancel func must be called to release the timer
// when the caller is finished inspecting the result.
func ReqRespTimeout[TReq, TResp any](
	ctx context.Context,
	log *slog.Logger,
	reqCh chan<- TReq,
	req TReq,
	respCh <-chan TResp,
	d time.Duration,
	desc string,
) (TResp, bool, context.CancelFunc) {
	tCtx, cancel := context.WithTimeout(ctx, d)
	resp, ok := ReqResp(tCtx, log, reqCh, req, respCh, desc)
	return resp, ok, cancel
}
