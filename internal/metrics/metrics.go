package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the ledger's Prometheus instruments. A nil *Metrics is
// valid and turns every helper into a no-op, so library code can record
// unconditionally.
type Metrics struct {
	cessions      *prometheus.CounterVec
	acquisitions  *prometheus.CounterVec
	retries       prometheus.Counter
	cessionTime   prometheus.Histogram
	sweepTime     *prometheus.HistogramVec
	sansActe      prometheus.Counter
	anomaliesSeen prometheus.Gauge
}

// New registers the ledger instruments on the given registerer. Pass
// prometheus.DefaultRegisterer outside tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		cessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sctl",
			Subsystem: "ledger",
			Name:      "cessions_total",
			Help:      "Share transfer attempts by outcome.",
		}, []string{"outcome"}),
		acquisitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sctl",
			Subsystem: "ledger",
			Name:      "acquisitions_total",
			Help:      "Share acquisition attempts by outcome.",
		}, []string{"outcome"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sctl",
			Subsystem: "ledger",
			Name:      "serialization_retries_total",
			Help:      "Transfer retries caused by serialization conflicts.",
		}),
		cessionTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sctl",
			Subsystem: "ledger",
			Name:      "cession_duration_seconds",
			Help:      "Wall time of transfer transactions, retries included.",
			Buckets:   prometheus.DefBuckets,
		}),
		sweepTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sctl",
			Subsystem: "anomalies",
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of anomaly sweeps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"}),
		sansActe: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sctl",
			Subsystem: "ledger",
			Name:      "cessions_sans_acte_total",
			Help:      "Committed transfers carrying no legal act.",
		}),
		anomaliesSeen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sctl",
			Subsystem: "anomalies",
			Name:      "last_sweep_findings",
			Help:      "Total findings of the most recent anomaly summary.",
		}),
	}
}

// CessionOutcome records one transfer attempt's terminal outcome
// ("committed", "aborted", "conflict").
func (m *Metrics) CessionOutcome(outcome string) {
	if m == nil {
		return
	}
	m.cessions.WithLabelValues(outcome).Inc()
}

// AcquisitionOutcome records one acquisition attempt's outcome.
func (m *Metrics) AcquisitionOutcome(outcome string) {
	if m == nil {
		return
	}
	m.acquisitions.WithLabelValues(outcome).Inc()
}

// Retry records one serialization-conflict retry.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// ObserveCession records the total duration of one transfer call.
func (m *Metrics) ObserveCession(d time.Duration) {
	if m == nil {
		return
	}
	m.cessionTime.Observe(d.Seconds())
}

// ObserveSweep records the duration of one anomaly sweep.
func (m *Metrics) ObserveSweep(sweep string, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepTime.With(prometheus.Labels{"sweep": sweep}).Observe(d.Seconds())
}

// SansActe records a committed transfer that carries no legal act.
func (m *Metrics) SansActe() {
	if m == nil {
		return
	}
	m.sansActe.Inc()
}

// SetAnomalyTotal publishes the finding count of the latest summary.
func (m *Metrics) SetAnomalyTotal(total int) {
	if m == nil {
		return
	}
	m.anomaliesSeen.Set(float64(total))
}
