// Package metrics defines the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the scheduler's collectors. Label job_type carries the
// queue name of the stage (scraping, processing, training).
type Metrics struct {
	ScheduledJobs    *prometheus.CounterVec
	FailedJobs       *prometheus.CounterVec
	ActiveJobs       *prometheus.GaugeVec
	TriggerErrors    *prometheus.CounterVec
	SkippedDispatch  *prometheus.CounterVec
	Cycles           *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	RetentionDeleted *prometheus.CounterVec
	PipelineItems    *prometheus.GaugeVec
	TrainingReady    prometheus.Gauge
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ScheduledJobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduled_jobs_total",
			Help: "Total scheduled jobs",
		}, []string{"job_type"}),
		FailedJobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "failed_jobs_total",
			Help: "Total jobs whose submission to the queue failed",
		}, []string{"job_type"}),
		ActiveJobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "active_jobs",
			Help: "Jobs waiting in each queue",
		}, []string{"job_type"}),
		TriggerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trigger_errors_total",
			Help: "Trigger evaluations that failed closed because state could not be read",
		}, []string{"job_type"}),
		SkippedDispatch: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skipped_dispatches_total",
			Help: "Positive triggers not submitted because a job was already in flight",
		}, []string{"job_type", "reason"}),
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_cycles_total",
			Help: "Monitoring cycles by result",
		}, []string{"result"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "monitor_cycle_duration_seconds",
			Help:    "Wall time of a monitoring cycle",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		RetentionDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "retention_deleted_rows_total",
			Help: "Rows removed by the retention sweep",
		}, []string{"table"}),
		PipelineItems: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_items",
			Help: "Items per source and stage at the last monitoring cycle",
		}, []string{"source", "stage"}),
		TrainingReady: f.NewGauge(prometheus.GaugeOpts{
			Name: "training_ready_items",
			Help: "Processed items flagged ready for training",
		}),
	}
}
