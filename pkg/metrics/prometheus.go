package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	classified    *prometheus.CounterVec
	writes        *prometheus.CounterVec
	sourceErrors  *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	activeGauge   *prometheus.GaugeVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		classified: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockmaster_symbols_classified_total",
				Help: "Symbols classified per reconciliation run",
			},
			[]string{"market", "classification"},
		),
		writes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockmaster_registry_writes_total",
				Help: "Rows written to the registry store",
			},
			[]string{"table"},
		),
		sourceErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockmaster_source_errors_total",
				Help: "Transient source-adapter failures after retries",
			},
			[]string{"source"},
		),
		phaseDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stockmaster_phase_duration_seconds",
				Help:    "Duration of batch phases",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"phase"},
		),
		activeGauge: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stockmaster_active_instruments",
				Help: "Active instruments per market after the last run",
			},
			[]string{"market"},
		),
	}
}

// RecordClassification counts one classified symbol.
func (r *Recorder) RecordClassification(market, classification string) {
	r.classified.WithLabelValues(market, classification).Inc()
}

// RecordWrite counts one registry write.
func (r *Recorder) RecordWrite(table string) {
	r.writes.WithLabelValues(table).Inc()
}

// RecordSourceError counts one exhausted source failure.
func (r *Recorder) RecordSourceError(source string) {
	r.sourceErrors.WithLabelValues(source).Inc()
}

// RecordPhaseDuration records one phase duration in seconds.
func (r *Recorder) RecordPhaseDuration(phase string, seconds float64) {
	r.phaseDuration.WithLabelValues(phase).Observe(seconds)
}

// RecordActiveInstruments sets the per-market active gauge.
func (r *Recorder) RecordActiveInstruments(market string, count int) {
	r.activeGauge.WithLabelValues(market).Set(float64(count))
}
