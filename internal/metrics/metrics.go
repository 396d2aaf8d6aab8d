// Package metrics holds the Prometheus collectors for the API and worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "melovue_jobs_finished_total",
		Help: "Jobs that reached a terminal status, by status and error kind",
	}, []string{"status", "error_kind"})

	JobsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "melovue_jobs_created_total",
		Help: "Jobs accepted by the API",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "melovue_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1200},
	}, []string{"stage"})

	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "melovue_provider_calls_total",
		Help: "Remote provider calls, by provider, operation and outcome",
	}, []string{"provider", "op", "outcome"})

	ClipRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "melovue_clip_retries_total",
		Help: "Clip generation retries, by provider",
	}, []string{"provider"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "melovue_active_jobs",
		Help: "Jobs currently held by this worker",
	})

	TranscriptionDegradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "melovue_transcription_degraded_total",
		Help: "Jobs that continued without a usable transcript, by reason",
	}, []string{"reason"})

	LeasesReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "melovue_leases_reaped_total",
		Help: "Orphaned queue payloads handled by the reaper, by action",
	}, []string{"action"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "melovue_queue_depth",
		Help: "Queue list lengths, by list",
	}, []string{"list"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "melovue_http_requests_total",
		Help: "HTTP requests, by route and status code",
	}, []string{"route", "code"})
)

// Outcome labels a provider call for ProviderCallsTotal.
func Outcome(err error, transient bool) string {
	switch {
	case err == nil:
		return "ok"
	case transient:
		return "transient"
	default:
		return "fatal"
	}
}
