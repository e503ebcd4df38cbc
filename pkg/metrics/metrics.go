// Package metrics holds the Prometheus collectors of the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConflictsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Name:      "conflicts_detected_total",
		Help:      "Overlapping appointments reported by conflict checks",
	})

	QueueReorders = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Name:      "queue_reorders_total",
		Help:      "Persisted reorders of collaborator task queues",
	})

	LinkRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Name:      "link_repairs_total",
		Help:      "Task/appointment links repaired, by kind of repair",
	}, []string{"repair"})

	LeadClosureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Name:      "lead_closure_failures_total",
		Help:      "Failed follow-up steps after project creation",
	}, []string{"step"})

	ClientPromotions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Name:      "client_promotions_total",
		Help:      "Leads promoted to prospect",
	})

	CalendarOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Name:      "calendar_operations_total",
		Help:      "Google Calendar mirror operations",
	}, []string{"operation", "result"})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Name:      "job_runs_total",
		Help:      "Background job executions",
	}, []string{"job", "result"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "atelier",
		Name:      "job_duration_seconds",
		Help:      "Background job execution time",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job"})
)
