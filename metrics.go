package unthin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	dependencies *prometheus.CounterVec
	runs         *prometheus.CounterVec
	duration     prometheus.Histogram
}

func newMetrics() *metrics {
	return &metrics{
		dependencies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unthin_dependencies_total",
			Help: "Dependencies handled by unthin runs, by outcome.",
		}, []string{"outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unthin_runs_total",
			Help: "Unthin runs, by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "unthin_run_duration_seconds",
			Help:    "Wall time of unthin runs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{m.dependencies, m.runs, m.duration} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *metrics) dependency(outcome string) {
	m.dependencies.WithLabelValues(outcome).Inc()
}

func (m *metrics) observeRun(out *Outcome, err error, elapsed time.Duration) {
	result := "ok"
	switch {
	case err != nil:
		result = "failed"
	case out != nil && out.Rejected:
		result = "rejected"
	}
	m.runs.WithLabelValues(result).Inc()
	m.duration.Observe(elapsed.Seconds())
}
