package zerok

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PythonRysh/espresso/capeapp"
	"github.com/PythonRysh/espresso/hs/hselink"
)

// Metrics collects the node's prometheus collectors
// on a private registry, so embedding applications
// never collide with it.
type Metrics struct {
	reg *prometheus.Registry

	committedHeight prometheus.Gauge
	currentView     prometheus.Gauge

	appliedTxs       prometheus.Counter
	votesObserved    prometheus.Counter
	timeoutsObserved prometheus.Counter

	// Per-view baselines for delta counting,
	// touched only from the gossip observation goroutine.
	lastView     uint64
	lastVotes    int
	lastTimeouts int
}

// NewMetrics registers the node's collectors.
// mempoolSize is sampled at scrape time.
func NewMetrics(mempoolSize func() int) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		committedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zerok_committed_height",
			Help: "Height of the last finalized block applied to the ledger.",
		}),
		currentView: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zerok_current_view",
			Help: "Consensus view the engine is currently in.",
		}),
		appliedTxs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zerok_applied_transactions_total",
			Help: "Transactions executed in finalized blocks.",
		}),
		votesObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zerok_votes_observed_total",
			Help: "Vote signatures observed across consensus views.",
		}),
		timeoutsObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zerok_timeouts_observed_total",
			Help: "Timeout signatures observed across consensus views.",
		}),
	}

	reg.MustRegister(
		m.committedHeight,
		m.currentView,
		m.appliedTxs,
		m.votesObserved,
		m.timeoutsObserved,
	)

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "zerok_mempool_size",
		Help: "Transactions currently pending in the mempool.",
	}, func() float64 {
		return float64(mempoolSize())
	}))

	return m
}

// ObserveViewUpdate records one gossip snapshot.
// Updates within a view are cumulative, so signature counters
// advance by the delta against the last snapshot of the same view.
func (m *Metrics) ObserveViewUpdate(u hselink.ViewUpdate) {
	m.currentView.Set(float64(u.View))

	votes := 0
	for _, sigs := range u.VoteProofs.Proofs {
		votes += len(sigs)
	}
	timeouts := 0
	for _, sigs := range u.TimeoutProofs.Proofs {
		timeouts += len(sigs)
	}

	if u.View != m.lastView {
		m.lastView = u.View
		m.lastVotes, m.lastTimeouts = 0, 0
	}
	if d := votes - m.lastVotes; d > 0 {
		m.votesObserved.Add(float64(d))
		m.lastVotes = votes
	}
	if d := timeouts - m.lastTimeouts; d > 0 {
		m.timeoutsObserved.Add(float64(d))
		m.lastTimeouts = timeouts
	}
}

// ObserveAppliedBlock records one executed block.
func (m *Metrics) ObserveAppliedBlock(b capeapp.AppliedBlock) {
	m.committedHeight.Set(float64(b.Height))
	m.appliedTxs.Add(float64(len(b.Transactions)))
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
