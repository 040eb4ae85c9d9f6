// Package metrics exposes the Prometheus collectors for scan admission and
// session lifecycle. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "attendly"

type Metrics struct {
	ScansTotal      *prometheus.CounterVec
	SessionsCreated prometheus.Counter
	SessionsClosed  *prometheus.CounterVec
	QueueDropped    *prometheus.CounterVec
	ArchiveFailures prometheus.Counter
}

// New registers the collectors on reg. activeSessions backs the
// active_sessions gauge and may be nil.
func New(reg prometheus.Registerer, activeSessions func() float64) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ScansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Scan submissions by outcome and reject reason.",
		}, []string{"outcome", "reason"}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Attendance sessions opened.",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Attendance sessions closed by reason.",
		}, []string{"reason"}),
		QueueDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Background jobs dropped because the queue was full.",
		}, []string{"queue"}),
		ArchiveFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_failures_total",
			Help:      "Closed sessions that could not be persisted or published.",
		}),
	}
	if activeSessions != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently accepting scans.",
		}, activeSessions)
	}
	return m
}

func (m *Metrics) ObserveScan(accepted bool, reason string, suspicious bool) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	outcome := "rejected"
	switch {
	case accepted && suspicious:
		outcome = "accepted_suspicious"
	case accepted:
		outcome = "accepted"
	}
	m.ScansTotal.WithLabelValues(outcome, reason).Inc()
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) Dropped(queue string) {
	if m == nil {
		return
	}
	m.QueueDropped.WithLabelValues(queue).Inc()
}

func (m *Metrics) ArchiveFailed() {
	if m == nil {
		return
	}
	m.ArchiveFailures.Inc()
}
