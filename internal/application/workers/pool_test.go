package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aescanero/regorch/pkg/adapters/metrics/noop"
	"github.com/aescanero/regorch/pkg/domain"
)

func newTestPool(t *testing.T, size, queue int) *Pool {
	t.Helper()
	p := NewPool(size, queue, noop.Collector{}, zap.NewNop(), time.Hour)
	require.NoError(t, p.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestPoolRunsJobs(t *testing.T) {
	p := newTestPool(t, 3, 16)

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(Job{Name: "commit", Run: func(context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		}}))
	}
	wg.Wait()
	assert.Equal(t, int32(10), ran.Load())
}

func TestPoolSurvivesFailingJobs(t *testing.T) {
	p := newTestPool(t, 1, 4)

	done := make(chan struct{})
	require.NoError(t, p.Submit(Job{Name: "boom", Run: func(context.Context) error { panic("boom") }}))
	require.NoError(t, p.Submit(Job{Name: "fail", Run: func(context.Context) error { return errors.New("nope") }}))
	require.NoError(t, p.Submit(Job{Name: "ok", Run: func(context.Context) error {
		close(done)
		return nil
	}}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker stopped after a failing job")
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	p := newTestPool(t, 1, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(Job{Name: "block", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	require.NoError(t, p.Submit(Job{Name: "queued", Run: func(context.Context) error { return nil }}))
	err := p.Submit(Job{Name: "overflow", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, domain.ErrConflict)

	status := p.Health().GetStatus()
	assert.Equal(t, 1, status.BusyWorkers)
	assert.Equal(t, 1, status.QueuedJobs)
	assert.True(t, status.Saturated)
	assert.True(t, status.Healthy)
	assert.True(t, p.Health().CheckHealth().Saturated)

	close(release)
}

func TestShutdownDrainsQueue(t *testing.T) {
	p := NewPool(1, 8, noop.Collector{}, zap.NewNop(), time.Hour)
	require.NoError(t, p.Start())

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(Job{Name: "commit", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, int32(5), ran.Load())

	err := p.Submit(Job{Name: "late", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, domain.ErrInternal)

	status := p.Health().GetStatus()
	assert.Equal(t, 1, status.StoppedWorkers)
	assert.False(t, status.Healthy)
}

func TestSubmitRequiresRun(t *testing.T) {
	p := newTestPool(t, 1, 1)
	assert.ErrorIs(t, p.Submit(Job{Name: "empty"}), domain.ErrValidation)
}
