// Package metrics holds the prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions counts exam sessions currently held in memory.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "examroom",
		Name:      "active_sessions",
		Help:      "Exam sessions currently held in memory.",
	})

	// Submissions counts final submission writes by outcome (ok, failed) and trigger (confirm, timeout).
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "examroom",
		Name:      "submissions_total",
		Help:      "Final submission writes by outcome and trigger.",
	}, []string{"outcome", "trigger"})

	// SubmitConflicts counts optimistic-concurrency conflicts on submission trees.
	SubmitConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "examroom",
		Name:      "submit_conflicts_total",
		Help:      "Version conflicts while merging submissions.",
	})

	// EssayRatings counts essay rating calls by outcome (ok, fallback).
	EssayRatings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "examroom",
		Name:      "essay_ratings_total",
		Help:      "Essay rating calls by outcome.",
	}, []string{"outcome"})

	// EssayRatingSeconds observes essay rating latency.
	EssayRatingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "examroom",
		Name:      "essay_rating_seconds",
		Help:      "Essay rating call latency.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
	})
)
