package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsAdmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "evidence_agent",
			Name:      "sessions_admitted_total",
			Help:      "Total reasoning sessions admitted past the concurrency cap",
		},
	)

	admissionTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "evidence_agent",
			Name:      "admission_timeouts_total",
			Help:      "Total requests rejected because the admission semaphore could not be acquired in time",
		},
	)

	sessionsByStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evidence_agent",
			Name:      "sessions_total",
			Help:      "Total sessions by terminal status",
		},
		[]string{"status"},
	)

	activeSessionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "evidence_agent",
			Name:      "active_sessions",
			Help:      "Number of sessions currently occupying an admission slot",
		},
	)

	sessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "evidence_agent",
			Name:      "session_duration_seconds",
			Help:      "Wall-clock duration of a reasoning session from admission to its terminal event",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)
)
