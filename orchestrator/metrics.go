package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records execution outcomes.
type Metrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics registers the execution metrics with reg. A nil reg gives
// unregistered collectors, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geoauth",
			Name:      "executions_total",
			Help:      "Intent executions by auth mode and outcome kind.",
		}, []string{"mode", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "geoauth",
			Name:      "execution_duration_seconds",
			Help:      "Time from validation to submission per auth mode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
	}
	if reg != nil {
		reg.MustRegister(m.executions, m.duration)
	}
	return m
}

func (m *Metrics) observe(mode string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = Kind(err)
	}
	m.executions.WithLabelValues(mode, outcome).Inc()
	m.duration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}
