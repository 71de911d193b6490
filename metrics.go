package waitdie

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes recorded by Metrics.
const (
	OutcomeGranted = "granted"
	OutcomeWaited  = "waited"
	OutcomeDied    = "died"
)

// Metrics meters WaitDieLock activity with Prometheus.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	waiters  *prometheus.GaugeVec
	waitTime *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with registerer
// (e.g., prometheus.DefaultRegisterer). It panics if registration fails,
// like prometheus.MustRegister.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "waitdie",
			Name:      "requests_total",
			Help:      "Lock requests by kind and outcome (granted immediately, waited, died)",
		}, []string{"lock", "request", "outcome"}),
		waiters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "waitdie",
			Name:      "waiters",
			Help:      "Number of callers currently parked on a lock",
		}, []string{"lock"}),
		waitTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "waitdie",
			Name:      "wait_seconds",
			Help:      "Time a waiting request spent parked before it was granted",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"lock", "request"}),
	}
	registerer.MustRegister(m.requests, m.waiters, m.waitTime)
	return m
}

func (m *Metrics) observe(lock string, req Request, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(lock, req.String(), outcome).Inc()
}

func (m *Metrics) parked(lock string) {
	if m == nil {
		return
	}
	m.waiters.WithLabelValues(lock).Inc()
}

func (m *Metrics) unparked(lock string, req Request, waited time.Duration) {
	if m == nil {
		return
	}
	m.waiters.WithLabelValues(lock).Dec()
	m.waitTime.WithLabelValues(lock, req.String()).Observe(waited.Seconds())
}
