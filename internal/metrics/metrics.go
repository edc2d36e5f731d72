// Package metrics records lifecycle outcomes as prometheus series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for transitions.
const (
	OutcomeOK       = "ok"
	OutcomeGuard    = "guard"
	OutcomeIdentity = "identity"
	OutcomeRejected = "rejected"
	OutcomeTimeout  = "timeout"
	OutcomeDrift    = "drift"
	OutcomeError    = "error"
)

type Recorder struct {
	transitions *prometheus.CounterVec
	drift       *prometheus.CounterVec
	confirm     *prometheus.HistogramVec
}

// New registers the escrowline collectors on reg. A nil reg leaves them
// unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrowline",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions attempted, by operation and outcome.",
		}, []string{"op", "outcome"}),
		drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrowline",
			Name:      "drift_total",
			Help:      "Ledger-confirmed operations whose record write failed.",
		}, []string{"op"}),
		confirm: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "escrowline",
			Name:      "ledger_confirm_seconds",
			Help:      "Time from ledger submission to confirmation.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(r.transitions, r.drift, r.confirm)
	}
	return r
}

func (r *Recorder) Transition(op, outcome string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(op, outcome).Inc()
}

func (r *Recorder) Drift(op string) {
	if r == nil {
		return
	}
	r.drift.WithLabelValues(op).Inc()
}

func (r *Recorder) Confirmed(op string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.confirm.WithLabelValues(op).Observe(elapsed.Seconds())
}
