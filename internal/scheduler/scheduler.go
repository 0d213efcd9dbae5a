package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/powercast/internal/market"
	"github.com/aristath/powercast/internal/pipeline"
	"github.com/aristath/powercast/pkg/logger"
)

// DefaultGraceTime is how far past a missed fire instant the job still
// runs. Beyond it the occurrence is skipped until tomorrow.
const DefaultGraceTime = 60 * time.Second

// CycleRunner executes one forecast cycle.
type CycleRunner interface {
	Run(ctx context.Context, targetDate time.Time) (*pipeline.Result, error)
}

// Config parameterizes the scheduler.
type Config struct {
	ScheduleHour int           // local hour of the daily fire
	Timezone     string        // IANA zone the fire instant lives in
	JobTimeout   time.Duration // per-job budget, default 1h
	GraceTime    time.Duration // misfire grace, default 60s
}

// Scheduler fires the daily forecast job. Exactly one next occurrence is
// armed at a time, so stacked missed instants coalesce into a single run.
type Scheduler struct {
	runner   CycleRunner
	registry *Registry
	monitor  *ExecutionMonitor
	history  *RunHistory
	cfg      Config
	loc      *time.Location
	schedule cron.Schedule

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// now is the clock, injectable in tests.
	now func() time.Time

	logger zerolog.Logger
}

// New creates a scheduler. history may be nil when run persistence is not
// wanted.
func New(runner CycleRunner, registry *Registry, monitor *ExecutionMonitor, history *RunHistory, cfg Config) (*Scheduler, error) {
	loc, err := market.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	if cfg.ScheduleHour < 0 || cfg.ScheduleHour > 23 {
		return nil, fmt.Errorf("schedule hour %d out of range [0, 23]", cfg.ScheduleHour)
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.GraceTime <= 0 {
		cfg.GraceTime = DefaultGraceTime
	}

	// Parsing with the zone prefix makes Next do DST-correct wall-clock
	// arithmetic in the market zone.
	spec := fmt.Sprintf("CRON_TZ=%s 0 %d * * *", loc.String(), cfg.ScheduleHour)
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schedule: %w", err)
	}

	return &Scheduler{
		runner:   runner,
		registry: registry,
		monitor:  monitor,
		history:  history,
		cfg:      cfg,
		loc:      loc,
		schedule: schedule,
		now:      time.Now,
		logger:   logger.Component("scheduler"),
	}, nil
}

// NextFire returns the next wall-clock occurrence of the daily fire after
// the given instant.
func (s *Scheduler) NextFire(after time.Time) time.Time {
	return s.schedule.Next(after.In(s.loc))
}

// Start launches the trigger loop. Returns false without error when the
// scheduler is already running.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.stopCh)
	s.logger.Info().Int("hour", s.cfg.ScheduleHour).Str("timezone", s.loc.String()).Msg("Scheduler started")
	return true
}

// Stop shuts the trigger loop down, waiting for a running job to finish.
// Returns false when the scheduler is not running.
func (s *Scheduler) Stop(reason string) bool {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return false
	}
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	s.logger.Info().Str("reason", reason).Msg("Scheduler stopped")
	return true
}

// Running reports whether the trigger loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Scheduler) loop(stopCh chan struct{}) {
	defer s.wg.Done()

	for {
		fireAt := s.NextFire(s.now())
		job := NewJob(JobTypeForecast, fireAt, map[string]string{
			"target_date": fireAt.Format("2006-01-02"),
		})
		if err := s.registry.Register(job); err != nil {
			s.logger.Error().Err(err).Msg("Failed to register scheduled job")
			return
		}
		s.logger.Info().Str("job_id", job.ID).Time("fire_at", fireAt).Msg("Next fire scheduled")

		timer := time.NewTimer(time.Until(fireAt))
		select {
		case <-stopCh:
			timer.Stop()
			_ = s.registry.UpdateStatus(job.ID, StatusInterrupted, map[string]string{"reason": "scheduler stopped"})
			return
		case <-timer.C:
		}

		// Misfire grace: if the process was suspended across the instant
		// and woke up too late, skip to tomorrow.
		if lag := s.now().Sub(fireAt); lag > s.cfg.GraceTime {
			s.logger.Warn().Str("job_id", job.ID).Dur("lag", lag).Msg("Missed fire beyond grace, skipping")
			_ = s.registry.UpdateStatus(job.ID, StatusInterrupted, map[string]string{"reason": "missed beyond grace"})
			continue
		}

		targetDate := time.Date(fireAt.Year(), fireAt.Month(), fireAt.Day(), 0, 0, 0, 0, s.loc)
		s.execute(context.Background(), job, targetDate)
	}
}

// RunNow creates a forecast job and executes it synchronously through the
// same path as scheduled runs.
func (s *Scheduler) RunNow(ctx context.Context, targetDate time.Time) (*pipeline.Result, error) {
	job := NewJob(JobTypeForecast, s.now(), map[string]string{
		"target_date": targetDate.Format("2006-01-02"),
		"trigger":     "manual",
	})
	if err := s.registry.Register(job); err != nil {
		return nil, err
	}
	return s.execute(ctx, job, targetDate)
}

func (s *Scheduler) execute(ctx context.Context, job *Job, targetDate time.Time) (*pipeline.Result, error) {
	if err := s.registry.UpdateStatus(job.ID, StatusRunning, nil); err != nil {
		return nil, err
	}
	s.monitor.Watch(job.ID, s.cfg.JobTimeout)

	result, err := s.runner.Run(ctx, targetDate)

	// If the monitor already marked the job timed out it is terminal and
	// owns the status.
	if stillWatched := s.monitor.Unwatch(job.ID); stillWatched {
		switch {
		case err != nil:
			_ = s.registry.UpdateStatus(job.ID, StatusFailed, map[string]string{"error": err.Error()})
		case result.Status == pipeline.StatusFailed:
			_ = s.registry.UpdateStatus(job.ID, StatusFailed, map[string]string{"reason": result.Reason})
		case result.Status == pipeline.StatusBusy:
			_ = s.registry.UpdateStatus(job.ID, StatusFailed, map[string]string{"reason": "pipeline busy"})
		case result.StageTimedOut:
			// A stage blew its budget and the cycle completed via
			// fallback; the job record carries the timeout.
			_ = s.registry.UpdateStatus(job.ID, StatusTimeout, map[string]string{
				"status":       string(result.Status),
				"failed_stage": result.FailedStage,
				"reason":       result.Reason,
			})
		default:
			details := map[string]string{"status": string(result.Status)}
			if result.FailedStage != "" {
				details["failed_stage"] = result.FailedStage
			}
			_ = s.registry.UpdateStatus(job.ID, StatusCompleted, details)
		}
	}

	if s.history != nil {
		if current, ok := s.registry.Get(job.ID); ok {
			if herr := s.history.Record(current, targetDate, result, err); herr != nil {
				s.logger.Warn().Err(herr).Str("job_id", job.ID).Msg("Failed to persist job run")
			}
		}
	}
	return result, err
}
