// ============================================================================
// Swarm Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collects and exposes coordinator metrics for Prometheus.
//
// Metric families:
//
//   1. Routing:
//      - swarm_dispatch_total{node,outcome}: tool dispatches per node (success|failure)
//      - swarm_worker_call_seconds{method}: latency of every worker RPC
//
//   2. Scheduling:
//      - swarm_jobs_submitted_total, swarm_jobs_completed_total, swarm_jobs_failed_total
//      - swarm_jobs_preempted_total: suspensions for a higher priority job
//      - swarm_job_start_failures_total: StartJob failures (job requeued or failed)
//      - swarm_jobs{status}: current jobs per lifecycle state
//
//   3. Corpus:
//      - swarm_seed_pool_size: unique seeds in the global pool
//      - swarm_seeds_new_total: seeds added to the pool
//      - swarm_sync_errors_total{phase}: per-node fetch/distribute/decode failures
//      - swarm_sync_duration_seconds: duration of a sync cycle
//
//   4. Stagnation:
//      - swarm_breakthroughs_total{outcome}: symbolic execution attempts
//
// Example queries:
//
//   # dispatch failure ratio per node
//   rate(swarm_dispatch_total{outcome="failure"}[5m]) / rate(swarm_dispatch_total[5m])
//
//   # backlog
//   swarm_jobs{status="PENDING"} + swarm_jobs{status="PAUSED"}
//
// A nil *Collector is valid and records nothing.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics of the coordinator.
type Collector struct {
	dispatches *prometheus.CounterVec
	callTime   *prometheus.HistogramVec

	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsPreempted prometheus.Counter
	startFailures prometheus.Counter
	jobs          *prometheus.GaugeVec

	poolSize     prometheus.Gauge
	seedsNew     prometheus.Counter
	syncErrors   *prometheus.CounterVec
	syncDuration prometheus.Histogram

	breakthroughs *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them on reg.
// A nil reg means the Prometheus default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_dispatch_total",
			Help: "Tool dispatches per node and outcome",
		}, []string{"node", "outcome"}),
		callTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swarm_worker_call_seconds",
			Help:    "Latency of worker calls in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_jobs_completed_total",
			Help: "Total number of jobs completed",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_jobs_failed_total",
			Help: "Total number of jobs failed",
		}),
		jobsPreempted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_jobs_preempted_total",
			Help: "Total number of suspensions for a higher priority job",
		}),
		startFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_job_start_failures_total",
			Help: "Total number of failed job starts",
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swarm_jobs",
			Help: "Current number of jobs per status",
		}, []string{"status"}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_seed_pool_size",
			Help: "Unique seeds in the global pool",
		}),
		seedsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarm_seeds_new_total",
			Help: "Total number of seeds added to the global pool",
		}),
		syncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_sync_errors_total",
			Help: "Per-node corpus sync failures by phase",
		}, []string{"phase"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarm_sync_duration_seconds",
			Help:    "Duration of a corpus sync cycle in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		breakthroughs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_breakthroughs_total",
			Help: "Symbolic execution attempts by outcome",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.dispatches, c.callTime,
		c.jobsSubmitted, c.jobsCompleted, c.jobsFailed, c.jobsPreempted, c.startFailures, c.jobs,
		c.poolSize, c.seedsNew, c.syncErrors, c.syncDuration,
		c.breakthroughs,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordDispatch counts one tool dispatch to node.
func (c *Collector) RecordDispatch(node string, ok bool) {
	if c == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	c.dispatches.WithLabelValues(node, outcome).Inc()
}

// ObserveWorkerCall records the latency of a worker call.
func (c *Collector) ObserveWorkerCall(method string, seconds float64) {
	if c == nil {
		return
	}
	c.callTime.WithLabelValues(method).Observe(seconds)
}

// RecordSubmit counts a submitted job.
func (c *Collector) RecordSubmit() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordCompleted counts a completed job.
func (c *Collector) RecordCompleted() {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
}

// RecordFailed counts a failed job.
func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
}

// RecordPreemption counts a suspension.
func (c *Collector) RecordPreemption() {
	if c == nil {
		return
	}
	c.jobsPreempted.Inc()
}

// RecordStartFailure counts a failed StartJob.
func (c *Collector) RecordStartFailure() {
	if c == nil {
		return
	}
	c.startFailures.Inc()
}

// UpdateJobStats sets the per-status job gauges.
func (c *Collector) UpdateJobStats(byStatus map[string]int) {
	if c == nil {
		return
	}
	for status, n := range byStatus {
		c.jobs.WithLabelValues(status).Set(float64(n))
	}
}

// UpdatePoolSize sets the seed pool gauge.
func (c *Collector) UpdatePoolSize(n int) {
	if c == nil {
		return
	}
	c.poolSize.Set(float64(n))
}

// RecordNewSeeds counts seeds added to the pool.
func (c *Collector) RecordNewSeeds(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.seedsNew.Add(float64(n))
}

// RecordSyncError counts a per-node sync failure in phase (fetch|distribute|decode).
func (c *Collector) RecordSyncError(phase string) {
	if c == nil {
		return
	}
	c.syncErrors.WithLabelValues(phase).Inc()
}

// ObserveSync records the duration of a sync cycle.
func (c *Collector) ObserveSync(seconds float64) {
	if c == nil {
		return
	}
	c.syncDuration.Observe(seconds)
}

// RecordBreakthrough counts a breakthrough attempt by outcome
// (success|failure|no_worker|no_seed).
func (c *Collector) RecordBreakthrough(outcome string) {
	if c == nil {
		return
	}
	c.breakthroughs.WithLabelValues(outcome).Inc()
}

// Handler serves the metrics registered by this collector.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer starts a standalone HTTP server exposing /metrics on port.
func (c *Collector) StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
