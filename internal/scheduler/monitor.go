package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/powercast/pkg/logger"
)

// DefaultJobTimeout bounds a forecast job's total runtime.
const DefaultJobTimeout = time.Hour

// monitoredJob tracks one running job's deadline.
type monitoredJob struct {
	startTime time.Time
	timeout   time.Duration
}

// ExecutionMonitor watches running jobs and marks them timed out. The
// sweep goroutine starts lazily with the first watched job and exits when
// the watched set drains.
type ExecutionMonitor struct {
	mu            sync.Mutex
	registry      *Registry
	watched       map[string]monitoredJob
	sweepInterval time.Duration
	sweeping      bool
	logger        zerolog.Logger
}

// NewExecutionMonitor creates a monitor over the job registry.
func NewExecutionMonitor(registry *Registry) *ExecutionMonitor {
	return &ExecutionMonitor{
		registry:      registry,
		watched:       make(map[string]monitoredJob),
		sweepInterval: 10 * time.Second,
		logger:        logger.Component("execution_monitor"),
	}
}

// Watch starts monitoring a job. A zero timeout uses the default.
func (m *ExecutionMonitor) Watch(jobID string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[jobID] = monitoredJob{startTime: time.Now(), timeout: timeout}
	if !m.sweeping {
		m.sweeping = true
		go m.sweepLoop()
	}
}

// Unwatch stops monitoring a job, reporting whether it was watched. Called
// when a job finishes before its deadline.
func (m *ExecutionMonitor) Unwatch(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watched[jobID]
	delete(m.watched, jobID)
	return ok
}

// Watching reports whether the job is currently monitored.
func (m *ExecutionMonitor) Watching(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watched[jobID]
	return ok
}

func (m *ExecutionMonitor) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for range ticker.C {
		if m.sweep() {
			return
		}
	}
}

// sweep times out overdue jobs, returning true when the watched set is
// empty and the loop should exit.
func (m *ExecutionMonitor) sweep() bool {
	m.mu.Lock()
	now := time.Now()
	var expired []string
	var elapsed []time.Duration
	var timeouts []time.Duration
	for id, mj := range m.watched {
		if now.Sub(mj.startTime) > mj.timeout {
			expired = append(expired, id)
			elapsed = append(elapsed, now.Sub(mj.startTime))
			timeouts = append(timeouts, mj.timeout)
		}
	}
	for _, id := range expired {
		delete(m.watched, id)
	}
	empty := len(m.watched) == 0
	if empty {
		m.sweeping = false
	}
	m.mu.Unlock()

	for i, id := range expired {
		details := map[string]string{
			"elapsed":            elapsed[i].String(),
			"configured_timeout": timeouts[i].String(),
		}
		if err := m.registry.UpdateStatus(id, StatusTimeout, details); err != nil {
			m.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to mark job timed out")
			continue
		}
		m.logger.Error().Str("job_id", id).
			Str("elapsed", elapsed[i].String()).
			Str("timeout", timeouts[i].String()).
			Msg("Job timed out")
	}
	return empty
}
