// Package metrics exposes prometheus counters for the commission dispatcher.
//
// All methods are safe on a nil *Metrics so components can run without a
// registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "commission"

type Metrics struct {
	transitions *prometheus.CounterVec
	noops       *prometheus.CounterVec
	clamps      *prometheus.CounterVec
	failures    prometheus.Counter
	retries     prometheus.Counter
	escrows     prometheus.Counter
}

// New registers the collectors on reg. Passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Referral transitions applied to the ledger.",
		}, []string{"from", "to"}),
		noops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "noop_events_total",
			Help:      "Lead status events that did not change any referral.",
		}, []string{"reason"}),
		clamps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_clamps_total",
			Help:      "Gamification counters floored at zero.",
		}, []string{"counter"}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Dispatches that ended in an error.",
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_retries_total",
			Help:      "Dispatch attempts retried after a concurrency conflict.",
		}),
		escrows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrows_total",
			Help:      "Referrals created with an escrowed response commission.",
		}),
	}
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) NoOp(reason string) {
	if m == nil {
		return
	}
	m.noops.WithLabelValues(reason).Inc()
}

func (m *Metrics) Clamp(counter string) {
	if m == nil {
		return
	}
	m.clamps.WithLabelValues(counter).Inc()
}

func (m *Metrics) Failure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) Escrow() {
	if m == nil {
		return
	}
	m.escrows.Inc()
}

// HubStats is what the balance event hub reports about its subscribers.
type HubStats interface {
	Subscribers() int
	Dropped() int64
}

// RegisterHub exposes the live SSE subscriber count and the events dropped on
// full subscriber buffers. Both are read from hub at scrape time.
func RegisterHub(reg prometheus.Registerer, hub HubStats) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "balance_stream_subscribers",
		Help:      "Live subscribers to referrerBalanceChanged events.",
	}, func() float64 { return float64(hub.Subscribers()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "balance_events_dropped_total",
		Help:      "Balance events dropped because a subscriber buffer was full.",
	}, func() float64 { return float64(hub.Dropped()) })
}
