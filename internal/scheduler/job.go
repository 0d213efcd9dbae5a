// Package scheduler fires the daily forecast job at the configured
// wall-clock hour in the market timezone, tracks job state in a registry
// and monitors running jobs for timeout.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusRunning     JobStatus = "running"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusTimeout     JobStatus = "timeout"
	StatusInterrupted JobStatus = "interrupted"
)

// allowedTransitions validates status updates. Terminal states have no
// outgoing transitions.
var allowedTransitions = map[JobStatus][]JobStatus{
	StatusPending: {StatusRunning, StatusInterrupted},
	StatusRunning: {StatusCompleted, StatusFailed, StatusTimeout, StatusInterrupted},
}

func transitionAllowed(from, to JobStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// JobTypeForecast is the daily forecast cycle job type.
const JobTypeForecast = "forecast"

// Job is one scheduled or running unit of work.
type Job struct {
	ID               string            `json:"job_id"`
	Type             string            `json:"job_type"`
	ScheduleTime     time.Time         `json:"schedule_time"`
	CreationTime     time.Time         `json:"creation_time"`
	Status           JobStatus         `json:"status"`
	StatusUpdateTime time.Time         `json:"status_update_time"`
	Params           map[string]string `json:"job_params,omitempty"`
	StatusDetails    map[string]string `json:"status_details,omitempty"`
}

// NewJob creates a pending job.
func NewJob(jobType string, scheduleTime time.Time, params map[string]string) *Job {
	now := time.Now()
	return &Job{
		ID:               uuid.New().String(),
		Type:             jobType,
		ScheduleTime:     scheduleTime,
		CreationTime:     now,
		Status:           StatusPending,
		StatusUpdateTime: now,
		Params:           params,
	}
}

// Registry is the thread-safe in-memory job map. Jobs do not survive a
// process restart.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Register adds a job. Registering an existing ID is an error.
func (r *Registry) Register(job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already registered", job.ID)
	}
	r.jobs[job.ID] = job
	return nil
}

// Get returns a copy of the job, or false when unknown.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// UpdateStatus transitions a job's status, validating the transition
// against the allowed set.
func (r *Registry) UpdateStatus(id string, status JobStatus, details map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if !transitionAllowed(job.Status, status) {
		return fmt.Errorf("invalid status transition %s -> %s for job %s", job.Status, status, id)
	}
	job.Status = status
	job.StatusUpdateTime = time.Now()
	job.StatusDetails = details
	return nil
}

// ListByStatus returns copies of all jobs in the given status.
func (r *Registry) ListByStatus(status JobStatus) []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Job
	for _, job := range r.jobs {
		if job.Status == status {
			out = append(out, *job)
		}
	}
	return out
}

// ListByType returns copies of all jobs of the given type.
func (r *Registry) ListByType(jobType string) []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Job
	for _, job := range r.jobs {
		if job.Type == jobType {
			out = append(out, *job)
		}
	}
	return out
}

// Remove deletes a job, reporting whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[id]
	delete(r.jobs, id)
	return ok
}

// Clear removes all jobs.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = make(map[string]*Job)
}

// Count returns the number of registered jobs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
