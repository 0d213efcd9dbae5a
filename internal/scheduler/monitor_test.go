package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunningJob(t *testing.T, registry *Registry) *Job {
	t.Helper()
	job := NewJob(JobTypeForecast, time.Now(), nil)
	require.NoError(t, registry.Register(job))
	require.NoError(t, registry.UpdateStatus(job.ID, StatusRunning, nil))
	return job
}

func TestMonitorTimesOutOverdueJob(t *testing.T) {
	registry := NewRegistry()
	monitor := NewExecutionMonitor(registry)
	monitor.sweepInterval = 10 * time.Millisecond

	job := newRunningJob(t, registry)
	monitor.Watch(job.ID, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		got, _ := registry.Get(job.ID)
		return got.Status == StatusTimeout
	}, time.Second, 5*time.Millisecond)

	got, _ := registry.Get(job.ID)
	assert.NotEmpty(t, got.StatusDetails["elapsed"])
	assert.False(t, monitor.Watching(job.ID), "timed out job must leave the watched set")
}

func TestMonitorUnwatchBeforeDeadline(t *testing.T) {
	registry := NewRegistry()
	monitor := NewExecutionMonitor(registry)
	monitor.sweepInterval = 10 * time.Millisecond

	job := newRunningJob(t, registry)
	monitor.Watch(job.ID, time.Minute)

	assert.True(t, monitor.Watching(job.ID))
	assert.True(t, monitor.Unwatch(job.ID))
	assert.False(t, monitor.Unwatch(job.ID), "second unwatch reports not watched")

	// The job keeps its running status; only completion paths move it on.
	time.Sleep(30 * time.Millisecond)
	got, _ := registry.Get(job.ID)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestMonitorSurvivesOnlyOverdueAmongMany(t *testing.T) {
	registry := NewRegistry()
	monitor := NewExecutionMonitor(registry)
	monitor.sweepInterval = 10 * time.Millisecond

	fast := newRunningJob(t, registry)
	slow := newRunningJob(t, registry)
	monitor.Watch(fast.ID, 20*time.Millisecond)
	monitor.Watch(slow.ID, time.Minute)

	assert.Eventually(t, func() bool {
		got, _ := registry.Get(fast.ID)
		return got.Status == StatusTimeout
	}, time.Second, 5*time.Millisecond)

	assert.True(t, monitor.Watching(slow.ID), "jobs within budget stay watched")
	got, _ := registry.Get(slow.ID)
	assert.Equal(t, StatusRunning, got.Status)
	assert.True(t, monitor.Unwatch(slow.ID))
}

func TestMonitorZeroTimeoutUsesDefault(t *testing.T) {
	registry := NewRegistry()
	monitor := NewExecutionMonitor(registry)

	job := newRunningJob(t, registry)
	monitor.Watch(job.ID, 0)

	monitor.mu.Lock()
	mj := monitor.watched[job.ID]
	monitor.mu.Unlock()
	assert.Equal(t, DefaultJobTimeout, mj.timeout)
	assert.True(t, monitor.Unwatch(job.ID))
}
