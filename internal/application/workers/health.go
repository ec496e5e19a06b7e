package workers

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthStatus is a snapshot of the pool, served by the health endpoint.
type HealthStatus struct {
	TotalWorkers   int       `json:"total_workers"`
	IdleWorkers    int       `json:"idle_workers"`
	BusyWorkers    int       `json:"busy_workers"`
	StoppedWorkers int       `json:"stopped_workers"`
	QueuedJobs     int       `json:"queued_jobs"`
	QueueCapacity  int       `json:"queue_capacity"`
	Saturated      bool      `json:"saturated"`
	Healthy        bool      `json:"healthy"`
	Timestamp      time.Time `json:"timestamp"`
}

// HealthMonitor periodically samples the pool into metrics and logs.
type HealthMonitor struct {
	pool     *Pool
	interval time.Duration
	logger   *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(pool *Pool, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		pool:     pool,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins sampling. Further calls do nothing.
func (h *HealthMonitor) Start() {
	h.startOnce.Do(func() { go h.run() })
}

// Stop ends sampling. It is safe to call more than once.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *HealthMonitor) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.CheckHealth()
		}
	}
}

// CheckHealth samples the pool, records the sample as metrics and warns
// when the pool cannot keep up.
func (h *HealthMonitor) CheckHealth() *HealthStatus {
	status := h.GetStatus()

	h.pool.metrics.RecordWorkerPoolStatus(
		status.IdleWorkers,
		status.BusyWorkers,
		status.StoppedWorkers,
		status.QueuedJobs,
	)

	switch {
	case !status.Healthy:
		h.logger.Warn("worker pool is unhealthy",
			zap.Int("stopped", status.StoppedWorkers),
			zap.Int("total", status.TotalWorkers))
	case status.Saturated:
		h.logger.Warn("commit queue is full, async commits are rejected",
			zap.Int("queued", status.QueuedJobs),
			zap.Int("capacity", status.QueueCapacity))
	default:
		h.logger.Debug("worker pool health check",
			zap.Int("idle", status.IdleWorkers),
			zap.Int("busy", status.BusyWorkers),
			zap.Int("queued", status.QueuedJobs))
	}

	return status
}

// GetStatus counts workers by status.
func (h *HealthMonitor) GetStatus() *HealthStatus {
	status := &HealthStatus{
		QueuedJobs:    h.pool.Queued(),
		QueueCapacity: cap(h.pool.jobs),
		Timestamp:     time.Now().UTC(),
	}

	for _, ws := range h.pool.GetStatus() {
		status.TotalWorkers++
		switch ws {
		case WorkerStatusIdle:
			status.IdleWorkers++
		case WorkerStatusBusy:
			status.BusyWorkers++
		case WorkerStatusStopped:
			status.StoppedWorkers++
		}
	}

	status.Saturated = status.QueueCapacity > 0 && status.QueuedJobs >= status.QueueCapacity
	status.Healthy = status.TotalWorkers > 0 && status.StoppedWorkers == 0
	return status
}
