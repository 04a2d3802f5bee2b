package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	aiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assessment_ai_requests_total",
		Help: "AI provider calls by provider, operation and outcome.",
	}, []string{"provider", "op", "outcome"})

	aiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "assessment_ai_request_duration_seconds",
		Help:    "Latency of AI provider calls including retries.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
	}, []string{"provider", "op"})

	assessmentsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assessment_started_total",
		Help: "Assessments started.",
	})

	assessmentsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assessment_completed_total",
		Help: "Assessments completed by trigger (user or timer).",
	}, []string{"trigger"})

	chatTurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assessment_chat_turns_total",
		Help: "Chat turns by outcome.",
	}, []string{"outcome"})

	sessionCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assessment_session_cache_lookups_total",
		Help: "Session cache lookups by result (hit or miss).",
	}, []string{"result"})
)

func observeAIRequest(provider, op string, err error, elapsed time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	aiRequestsTotal.WithLabelValues(provider, op, outcome).Inc()
	aiRequestDuration.WithLabelValues(provider, op).Observe(elapsed.Seconds())
}
