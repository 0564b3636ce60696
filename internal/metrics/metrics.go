// Package metrics holds the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Checkins counts check-in attempts by path (scan, online) and outcome
	// (ok or the rejection code).
	Checkins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrattend",
		Name:      "checkins_total",
		Help:      "Check-in attempts by path and outcome.",
	}, []string{"path", "outcome"})

	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qrattend",
		Name:      "secure_tokens_issued_total",
		Help:      "Rotating secure tokens handed to student displays.",
	})

	// AuditEvents counts audit deliveries by stage (publish, persist) and result.
	AuditEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrattend",
		Name:      "audit_events_total",
		Help:      "Audit event deliveries by stage and result.",
	}, []string{"stage", "result"})

	TrendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "qrattend",
		Name:      "trend_estimate_seconds",
		Help:      "Time spent loading history and estimating a course trend.",
		Buckets:   prometheus.DefBuckets,
	})
)
