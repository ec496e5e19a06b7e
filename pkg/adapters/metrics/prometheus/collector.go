package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aescanero/regorch/pkg/ports"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	sessionsCreated   *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	stepAttempts      *prometheus.CounterVec
	commits           *prometheus.CounterVec
	commitDuration    *prometheus.HistogramVec
	compensations     *prometheus.CounterVec
	compensatedItems  *prometheus.CounterVec
	lockContention    *prometheus.CounterVec
	schedulerRuns     *prometheus.CounterVec
	schedulerItems    *prometheus.CounterVec
	schedulerErrors   *prometheus.CounterVec
	schedulerDuration *prometheus.HistogramVec
	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
	queueDepth        prometheus.Gauge
}

// NewCollector creates a new Prometheus metrics collector registered on reg.
// A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		sessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regorch_sessions_created_total",
				Help: "Total number of sessions created",
			},
			[]string{"workflow"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regorch_session_transitions_total",
				Help: "Total number of session state transitions",
			},
			[]string{"workflow", "from", "to"},
		),
		stepAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regorch_commit_step_attempts_total",
				Help: "Total number of registry calls made by commit steps",
			},
			[]string{"entity_type", "outcome"},
		),
		commits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regorch_commits_total",
				Help: "Total number of commits by outcome",
			},
			[]string{"workflow", "outcome"},
		),
		commitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "regorch_commit_duration_seconds",
				Help:    "Commit duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"workflow"},
		),
		compensations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regorch_compensations_total",
				Help: "Total number of compensating rollbacks",
			},
			[]string{"workflow"},
		),
		compensatedItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regorch_compensated_entities_total",
				Help: "Total number of entities deleted by compensation",
			},
			[]string{"workflow"},
		),
		lockContention: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regorch_lock_contention_total",
				Help: "Total number of lock acquisitions refused because the lock was held",
			},
			[]string{"scope"},
		),
		schedulerRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regorch_scheduler_runs_total",
				Help: "Total number of scheduler job runs",
			},
			[]string{"job", "skipped"},
		),
		schedulerItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regorch_scheduler_processed_total",
				Help: "Total number of sessions processed by scheduler jobs",
			},
			[]string{"job"},
		),
		schedulerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regorch_scheduler_errors_total",
				Help: "Total number of per-session scheduler errors",
			},
			[]string{"job"},
		),
		schedulerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "regorch_scheduler_run_duration_seconds",
				Help:    "Scheduler job run duration in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"job"},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "regorch_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "regorch_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "regorch_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "regorch_worker_queue_depth",
				Help: "Number of jobs waiting for a worker",
			},
		),
	}
}

// RecordSessionCreated counts a created session
func (c *Collector) RecordSessionCreated(workflow string) {
	c.sessionsCreated.WithLabelValues(workflow).Inc()
}

// RecordTransition counts a state transition
func (c *Collector) RecordTransition(workflow, from, to string) {
	c.transitions.WithLabelValues(workflow, from, to).Inc()
}

// RecordStepAttempt counts one registry call made by a commit step
func (c *Collector) RecordStepAttempt(entityType, outcome string) {
	c.stepAttempts.WithLabelValues(entityType, outcome).Inc()
}

// RecordCommit records a finished commit
func (c *Collector) RecordCommit(workflow, outcome string, duration time.Duration) {
	c.commits.WithLabelValues(workflow, outcome).Inc()
	c.commitDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// RecordCompensation records a rollback and how many entities it deleted
func (c *Collector) RecordCompensation(workflow string, deleted int) {
	c.compensations.WithLabelValues(workflow).Inc()
	c.compensatedItems.WithLabelValues(workflow).Add(float64(deleted))
}

// RecordLockContention counts a busy lock
func (c *Collector) RecordLockContention(scope string) {
	c.lockContention.WithLabelValues(scope).Inc()
}

// RecordSchedulerRun records one scheduler job run
func (c *Collector) RecordSchedulerRun(job string, processed, errors int, skipped bool, duration time.Duration) {
	c.schedulerRuns.WithLabelValues(job, strconv.FormatBool(skipped)).Inc()
	if skipped {
		return
	}
	c.schedulerItems.WithLabelValues(job).Add(float64(processed))
	c.schedulerErrors.WithLabelValues(job).Add(float64(errors))
	c.schedulerDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped, queued int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
	c.queueDepth.Set(float64(queued))
}

var _ ports.MetricsCollector = (*Collector)(nil)
