// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine emits. A nil *Metrics is
// valid everywhere and records nothing, which keeps tests quiet.
type Metrics struct {
	tradesApplied    *prometheus.CounterVec
	tradeFailures    *prometheus.CounterVec
	hotpathLatency   prometheus.Histogram
	versionConflicts prometheus.Counter
	coldpathReplays  prometheus.Counter
	coldpathLatency  prometheus.Histogram
	deadLetters      *prometheus.CounterVec
	provisionalOpen  prometheus.Gauge
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tradesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posengine_trades_applied_total",
			Help: "Trades applied, by path and event type.",
		}, []string{"path", "event_type"}),
		tradeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posengine_trade_failures_total",
			Help: "Trade failures, by error kind.",
		}, []string{"kind"}),
		hotpathLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "posengine_hotpath_apply_seconds",
			Help:    "Hotpath apply latency.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}),
		versionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "posengine_version_conflicts_total",
			Help: "Optimistic-lock and event-version conflicts observed.",
		}),
		coldpathReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "posengine_coldpath_replays_total",
			Help: "Backdated reconciliations completed.",
		}),
		coldpathLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "posengine_coldpath_replay_seconds",
			Help:    "Coldpath replay duration per position.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posengine_dead_letters_total",
			Help: "Trades routed to the dead-letter topic, by error kind.",
		}, []string{"kind"}),
		provisionalOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "posengine_provisional_snapshots",
			Help: "Snapshots currently awaiting coldpath reconciliation.",
		}),
	}
	reg.MustRegister(
		m.tradesApplied, m.tradeFailures, m.hotpathLatency, m.versionConflicts,
		m.coldpathReplays, m.coldpathLatency, m.deadLetters, m.provisionalOpen,
	)
	return m
}

func (m *Metrics) TradeApplied(path, eventType string) {
	if m == nil {
		return
	}
	m.tradesApplied.WithLabelValues(path, eventType).Inc()
}

func (m *Metrics) TradeFailed(kind string) {
	if m == nil {
		return
	}
	m.tradeFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveHotpath(d time.Duration) {
	if m == nil {
		return
	}
	m.hotpathLatency.Observe(d.Seconds())
}

func (m *Metrics) VersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

func (m *Metrics) ColdpathReplay(d time.Duration) {
	if m == nil {
		return
	}
	m.coldpathReplays.Inc()
	m.coldpathLatency.Observe(d.Seconds())
}

func (m *Metrics) DeadLetter(kind string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(kind).Inc()
}

func (m *Metrics) ProvisionalOpened() {
	if m == nil {
		return
	}
	m.provisionalOpen.Inc()
}

func (m *Metrics) ProvisionalResolved() {
	if m == nil {
		return
	}
	m.provisionalOpen.Dec()
}
