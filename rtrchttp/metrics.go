package rtrchttp

import (
	"github.com/peterbourgon/rtrc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "rtrc"
	metricsSubsystem = "route_trace"
)

// Metrics is an [rtrc.Observer] which records Prometheus metrics for finished
// traces.
type Metrics struct {
	TracesTotal     *prometheus.CounterVec
	FilesLoaded     *prometheus.HistogramVec
	DurationSeconds *prometheus.HistogramVec
	MemoryBytes     *prometheus.HistogramVec
	SaveErrorsTotal prometheus.Counter
}

var _ rtrc.Observer = (*Metrics)(nil)

// NewMetrics registers trace metrics with reg. A nil reg uses the default
// Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		// Labels: route, outcome (success, failure)
		TracesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "traces_total",
			Help:      "Total traced requests by route and outcome",
		}, []string{"route", "outcome"}),

		FilesLoaded: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "files_loaded",
			Help:      "Files loaded per traced request",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"route"}),

		DurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "duration_seconds",
			Help:      "Execution time of traced requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		// Negative samples are possible, when memory was released during the
		// request.
		MemoryBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "memory_bytes",
			Help:      "Memory use delta of traced requests in bytes",
			Buckets:   []float64{-1 << 20, 0, 64 << 10, 256 << 10, 1 << 20, 4 << 20, 16 << 20, 64 << 20},
		}, []string{"route"}),

		SaveErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "save_errors_total",
			Help:      "Total traces which could not be persisted",
		}),
	}
}

// ObserveRecord implements [rtrc.Observer].
func (m *Metrics) ObserveRecord(rec *rtrc.Record, saveErr error) {
	outcome := "success"
	if rec.Errored() {
		outcome = "failure"
	}

	m.TracesTotal.WithLabelValues(rec.Route, outcome).Inc()
	m.FilesLoaded.WithLabelValues(rec.Route).Observe(float64(rec.FilesLoadedCount))
	m.DurationSeconds.WithLabelValues(rec.Route).Observe(rec.ExecutionTimeMS / 1000)
	m.MemoryBytes.WithLabelValues(rec.Route).Observe(rec.MemoryUsedMB * 1024 * 1024)

	if saveErr != nil {
		m.SaveErrorsTotal.Inc()
	}
}
