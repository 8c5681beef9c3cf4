package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics of one or more bridges, labelled by bridge name. All methods are
// safe on a nil *Metrics.
type Metrics struct {
	Transactions   *prometheus.CounterVec
	Records        *prometheus.CounterVec
	CommitDuration *prometheus.HistogramVec
	CycleDuration  *prometheus.HistogramVec
	BufferFull     *prometheus.CounterVec
	Fatal          *prometheus.CounterVec
	State          *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "txbridge_transactions_total",
			Help: "Finished transactions by outcome.",
		}, []string{"bridge", "outcome"}),

		Records: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "txbridge_records_total",
			Help: "Source records by result (written, skipped, dropped).",
		}, []string{"bridge", "result"}),

		CommitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "txbridge_commit_duration_seconds",
			Help:    "Time spent binding offsets and committing.",
			Buckets: prometheus.DefBuckets,
		}, []string{"bridge"}),

		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "txbridge_cycle_duration_seconds",
			Help:    "Time from begin to commit or abort.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"bridge"}),

		BufferFull: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "txbridge_buffer_full_total",
			Help: "Enqueue attempts rejected for lack of producer buffer.",
		}, []string{"bridge"}),

		Fatal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "txbridge_fatal_errors_total",
			Help: "Errors that halted a bridge.",
		}, []string{"bridge"}),

		State: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "txbridge_state",
			Help: "1 for the current state of the bridge, 0 otherwise.",
		}, []string{"bridge", "state"}),
	}
}

func (m *Metrics) TransactionDone(bridge, outcome string, cycle time.Duration) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(bridge, outcome).Inc()
	m.CycleDuration.WithLabelValues(bridge).Observe(cycle.Seconds())
}

func (m *Metrics) RecordsDone(bridge, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Records.WithLabelValues(bridge, result).Add(float64(n))
}

func (m *Metrics) CommitTook(bridge string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommitDuration.WithLabelValues(bridge).Observe(d.Seconds())
}

func (m *Metrics) BufferFullHit(bridge string) {
	if m == nil {
		return
	}
	m.BufferFull.WithLabelValues(bridge).Inc()
}

func (m *Metrics) Halted(bridge string) {
	if m == nil {
		return
	}
	m.Fatal.WithLabelValues(bridge).Inc()
}

// SetState moves the state gauge of bridge from prev to next.
func (m *Metrics) SetState(bridge, prev, next string) {
	if m == nil {
		return
	}
	if prev != "" {
		m.State.WithLabelValues(bridge, prev).Set(0)
	}
	m.State.WithLabelValues(bridge, next).Set(1)
}
