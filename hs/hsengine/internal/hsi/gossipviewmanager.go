package hsi

import (
	"github.com/PythonRysh/espresso/hs/hselink"
)

// The gossipViewManager holds the [hselink.ViewUpdate] describing
// the kernel's current view.
// The [Kernel] reassigns the value as view content changes,
// then calls [*gossipViewManager.Output] from its main loop
// to get a (possibly nil) channel and the value to send on it.
//
// Ultimately, the channel receiver is the
// [github.com/PythonRysh/espresso/hs/hsgossip.Strategy]
// as wired up in hsengine.
type gossipViewManager struct {
	out chan<- hselink.ViewUpdate

	val hselink.ViewUpdate

	lastSentVersion uint64
}

func newGossipViewManager(out chan<- hselink.ViewUpdate) gossipViewManager {
	return gossipViewManager{out: out}
}

func (m *gossipViewManager) Set(u hselink.ViewUpdate) {
	m.val = u
}

func (m *gossipViewManager) Output() gossipStrategyOutput {
	o := gossipStrategyOutput{m: m}

	// The channel stays nil when there is nothing unsent,
	// so the kernel's select skips the send case entirely.
	if m.val.Version > m.lastSentVersion {
		o.Ch = m.out
		o.Val = m.val
	}

	return o
}

type gossipStrategyOutput struct {
	m *gossipViewManager

	Ch  chan<- hselink.ViewUpdate
	Val hselink.ViewUpdate
}

// MarkSent updates o's gossipViewManager to indicate the value in o
// has successfully been sent.
func (o gossipStrategyOutput) MarkSent() {
	o.m.lastSentVersion = o.m.val.Version
}
