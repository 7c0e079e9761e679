package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator's Prometheus instruments. A nil *Metrics is
// valid and records nothing, so one-shot CLI invocations can skip the
// registry entirely while the monitor daemon exports everything.
type Metrics struct {
	probesTotal      *prometheus.CounterVec
	attemptsTotal    *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	passesTotal      prometheus.Counter
	unhealthyCurrent prometheus.Gauge
}

// New registers the orchestrator metrics on the given registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackmedic",
			Name:      "probes_total",
			Help:      "Health probes performed, by result status.",
		}, []string{"status"}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackmedic",
			Name:      "recovery_attempts_total",
			Help:      "Finalized recovery attempts, by unit and outcome.",
		}, []string{"unit", "outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stackmedic",
			Name:      "recovery_attempt_duration_seconds",
			Help:      "Wall time of finalized recovery attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"unit"}),
		passesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stackmedic",
			Name:      "reconcile_passes_total",
			Help:      "Completed reconciliation passes.",
		}),
		unhealthyCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stackmedic",
			Name:      "unhealthy_units",
			Help:      "Unhealthy units observed by the most recent pass.",
		}),
	}

	registerer.MustRegister(
		m.probesTotal,
		m.attemptsTotal,
		m.attemptDuration,
		m.passesTotal,
		m.unhealthyCurrent,
	)
	return m
}

func (m *Metrics) ObserveProbe(status string) {
	if m == nil {
		return
	}
	m.probesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveAttempt(unit, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(unit, outcome).Inc()
	m.attemptDuration.WithLabelValues(unit).Observe(duration.Seconds())
}

func (m *Metrics) ObservePass(unhealthy int) {
	if m == nil {
		return
	}
	m.passesTotal.Inc()
	m.unhealthyCurrent.Set(float64(unhealthy))
}
