package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSessionCreated("product")
	c.RecordSessionCreated("product")
	c.RecordCommit("product", "failed", time.Second)
	c.RecordCompensation("product", 3)
	c.RecordSchedulerRun("reminders", 4, 1, false, time.Second)
	c.RecordSchedulerRun("reminders", 0, 0, true, 0)
	c.RecordWorkerPoolStatus(2, 1, 0, 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessionsCreated.WithLabelValues("product")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commits.WithLabelValues("product", "failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.compensatedItems.WithLabelValues("product")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.schedulerItems.WithLabelValues("reminders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.schedulerRuns.WithLabelValues("reminders", "true")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.queueDepth))
}

func TestCollectorsUseSeparateRegistries(t *testing.T) {
	// Registering twice on distinct registries must not panic.
	NewCollector(prometheus.NewRegistry())
	NewCollector(prometheus.NewRegistry())
}
