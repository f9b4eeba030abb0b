package hsi

import (
	"github.com/PythonRysh/espresso/hs/hselink"
)

// finalizationNotifier queues [hselink.BlockFinalization] values
// for an optional observer channel, using the same
// conditional-send shape as the gossipViewManager
// so a slow or absent observer never blocks the kernel.
type finalizationNotifier struct {
	out chan<- hselink.BlockFinalization

	pending []hselink.BlockFinalization
}

func (n *finalizationNotifier) Append(f hselink.BlockFinalization) {
	if n.out == nil {
		return
	}
	n.pending = append(n.pending, f)
}

func (n *finalizationNotifier) Output() finalizationOutput {
	o := finalizationOutput{n: n}
	if n.out != nil && len(n.pending) > 0 {
		o.Ch = n.out
		o.Val = n.pending[0]
	}
	return o
}

type finalizationOutput struct {
	n *finalizationNotifier

	Ch  chan<- hselink.BlockFinalization
	Val hselink.BlockFinalization
}

func (o finalizationOutput) MarkSent() {
	o.n.pending = o.n.pending[1:]
}

// fetchRequester queues [hselink.BlockFetchRequest] values
// for the fetch layer, deduplicating by block hash
// so a re-orphaned block is only requested once.
type fetchRequester struct {
	out chan<- hselink.BlockFetchRequest

	pending   []hselink.BlockFetchRequest
	requested map[string]struct{}
}

func newFetchRequester(out chan<- hselink.BlockFetchRequest) fetchRequester {
	return fetchRequester{
		out: out,

		requested: make(map[string]struct{}),
	}
}

func (r *fetchRequester) Request(view uint64, blockHash string) {
	if r.out == nil {
		return
	}
	if _, ok := r.requested[blockHash]; ok {
		return
	}
	r.requested[blockHash] = struct{}{}
	r.pending = append(r.pending, hselink.BlockFetchRequest{
		View:      view,
		BlockHash: blockHash,
	})
}

// Forget drops the dedup marker for blockHash,
// once the block has arrived or is no longer wanted.
func (r *fetchRequester) Forget(blockHash string) {
	delete(r.requested, blockHash)
}

func (r *fetchRequester) Output() fetchOutput {
	o := fetchOutput{r: r}
	if r.out != nil && len(r.pending) > 0 {
		o.Ch = r.out
		o.Val = r.pending[0]
	}
	return o
}

type fetchOutput struct {
	r *fetchRequester

	Ch  chan<- hselink.BlockFetchRequest
	Val hselink.BlockFetchRequest
}

func (o fetchOutput) MarkSent() {
	o.r.pending = o.r.pending[1:]
}
