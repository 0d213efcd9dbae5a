// Package pipeline orchestrates one forecast cycle: ingest, features,
// forecast, validate, store, with per-stage timeouts and a fallback branch
// taken on any stage failure.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/powercast/internal/fallback"
	"github.com/aristath/powercast/internal/forecast"
	"github.com/aristath/powercast/internal/frame"
	"github.com/aristath/powercast/internal/ingest"
	"github.com/aristath/powercast/internal/market"
	"github.com/aristath/powercast/internal/store"
	"github.com/aristath/powercast/internal/validation"
	"github.com/aristath/powercast/pkg/logger"
)

// Status is the terminal state of one cycle.
type Status string

const (
	StatusCompleted         Status = "completed"
	StatusCompletedFallback Status = "completed_fallback"
	StatusFailed            Status = "failed"
	StatusBusy              Status = "busy"
)

// Stage names as they appear in results and logs.
const (
	StageIngest   = "ingest"
	StageFeatures = "features"
	StageForecast = "forecast"
	StageValidate = "validate"
	StageStore    = "store"
)

// StageTimeouts bounds each stage's wall-clock time.
type StageTimeouts struct {
	Ingest   time.Duration
	Features time.Duration
	Forecast time.Duration
	Validate time.Duration
	Store    time.Duration
}

// DefaultStageTimeouts are the production stage budgets.
var DefaultStageTimeouts = StageTimeouts{
	Ingest:   10 * time.Minute,
	Features: 5 * time.Minute,
	Forecast: 15 * time.Minute,
	Validate: 2 * time.Minute,
	Store:    2 * time.Minute,
}

// DataSource provides the upstream feed triple for a target date.
type DataSource interface {
	Ingest(ctx context.Context, targetDate time.Time) (*ingest.FeedData, error)
}

// Config parameterizes the executor.
type Config struct {
	Timezone        string
	WindowStartHour int
	SampleCount     int
	Envelope        validation.Envelope
	Timeouts        StageTimeouts
}

// Result summarizes one cycle.
type Result struct {
	Status         Status                               `json:"status"`
	TargetDate     time.Time                            `json:"target_date"`
	FailedStage    string                               `json:"failed_stage,omitempty"`
	StageTimedOut  bool                                 `json:"stage_timed_out,omitempty"`
	Reason         string                               `json:"reason,omitempty"`
	Entries        map[market.Product]*store.IndexEntry `json:"entries,omitempty"`
	StageDurations map[string]time.Duration             `json:"stage_durations"`
}

// Executor runs forecast cycles. At most one cycle runs at a time; a
// concurrent invocation returns a busy result immediately.
type Executor struct {
	source   DataSource
	engine   *forecast.Engine
	store    *store.Store
	fallback *fallback.Engine
	cfg      Config
	loc      *time.Location
	running  atomic.Bool
	logger   zerolog.Logger
}

// New creates an executor.
func New(source DataSource, engine *forecast.Engine, st *store.Store, fb *fallback.Engine, cfg Config) (*Executor, error) {
	loc, err := market.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	if cfg.Timeouts == (StageTimeouts{}) {
		cfg.Timeouts = DefaultStageTimeouts
	}
	if cfg.Envelope == (validation.Envelope{}) {
		cfg.Envelope = validation.DefaultEnvelope
	}
	if cfg.SampleCount <= 0 {
		cfg.SampleCount = 100
	}
	return &Executor{
		source:   source,
		engine:   engine,
		store:    st,
		fallback: fb,
		cfg:      cfg,
		loc:      loc,
		logger:   logger.Component("pipeline"),
	}, nil
}

// Run executes one cycle for targetDate. The returned result always has a
// terminal status; an error is returned only alongside StatusFailed.
func (e *Executor) Run(ctx context.Context, targetDate time.Time) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Warn().Str("target_date", targetDate.Format("2006-01-02")).Msg("Cycle already running, returning busy")
		return &Result{Status: StatusBusy, TargetDate: targetDate}, nil
	}
	defer e.running.Store(false)

	result := &Result{
		TargetDate:     targetDate,
		StageDurations: make(map[string]time.Duration),
	}
	windowStart := market.WindowStart(targetDate.In(e.loc), e.cfg.WindowStartHour, e.loc)
	e.logger.Info().Str("target_date", targetDate.Format("2006-01-02")).
		Time("window_start", windowStart).Msg("Cycle started")

	var (
		data      *ingest.FeedData
		features  *frame.Frame
		history   forecast.HistorySet
		ensembles map[market.Product]*forecast.Ensemble
	)

	err := e.runStage(ctx, result, StageIngest, e.cfg.Timeouts.Ingest, func(sctx context.Context) error {
		var err error
		data, err = e.source.Ingest(sctx, targetDate)
		return err
	})
	if err == nil {
		err = e.runStage(ctx, result, StageFeatures, e.cfg.Timeouts.Features, func(sctx context.Context) error {
			var ferr error
			features, ferr = ingest.BuildFeatures(data, windowStart, e.engine.HorizonHours())
			if ferr != nil {
				return ferr
			}
			history = ingest.BuildHistory(data.HistoricalPrices)
			return nil
		})
	}
	if err == nil {
		err = e.runStage(ctx, result, StageForecast, e.cfg.Timeouts.Forecast, func(sctx context.Context) error {
			var ferr error
			ensembles, ferr = e.forecastAll(sctx, windowStart, features, history)
			return ferr
		})
	}
	if err == nil {
		err = e.runStage(ctx, result, StageValidate, e.cfg.Timeouts.Validate, func(sctx context.Context) error {
			vr := validation.ValidateCycle(ensembles, e.cfg.SampleCount, e.cfg.Envelope)
			for cat, msgs := range vr.Warnings {
				for _, msg := range msgs {
					e.logger.Warn().Str("category", string(cat)).Msg(msg)
				}
			}
			if !vr.IsValid {
				return fmt.Errorf("validation failed: %v", vr.Errors)
			}
			return nil
		})
	}
	// The assignment to result happens on this goroutine after the stage
	// succeeds; a timed-out stage left running never touches the Result.
	var stored map[market.Product]*store.IndexEntry
	if err == nil {
		err = e.runStage(ctx, result, StageStore, e.cfg.Timeouts.Store, func(sctx context.Context) error {
			var serr error
			stored, serr = e.storeAll(sctx, ensembles)
			return serr
		})
		if err == nil {
			result.Entries = stored
		}
	}

	if err == nil {
		result.Status = StatusCompleted
		e.logger.Info().Str("target_date", targetDate.Format("2006-01-02")).Msg("Cycle completed")
		return result, nil
	}

	// Fallback branch: a store-stage failure still goes through fallback,
	// whose own store failure ends the cycle as failed.
	result.Reason = err.Error()
	e.logger.Error().Err(err).Str("stage", result.FailedStage).Msg("Stage failed, routing to fallback")

	entries, fbErr := e.fallback.Run(fallback.Context{
		TargetDate:  targetDate,
		FailedStage: result.FailedStage,
		Reason:      err.Error(),
	}, windowStart)
	if fbErr != nil {
		result.Status = StatusFailed
		e.logger.Error().Err(fbErr).Msg("Fallback store failed, cycle failed")
		return result, fmt.Errorf("fallback failed after %s stage: %w", result.FailedStage, fbErr)
	}

	result.Status = StatusCompletedFallback
	result.Entries = entries
	e.logger.Info().Str("target_date", targetDate.Format("2006-01-02")).Msg("Cycle completed via fallback")
	return result, nil
}

// runStage times one stage and enforces its timeout. The timeout is
// cooperative: on expiry the stage goroutine keeps running until its next
// context check, but the cycle moves on.
func (e *Executor) runStage(ctx context.Context, result *Result, name string, timeout time.Duration, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- fn(sctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-sctx.Done():
		err = fmt.Errorf("stage timed out after %s", timeout)
		result.StageTimedOut = true
	}
	result.StageDurations[name] = time.Since(start)

	if err != nil {
		result.FailedStage = name
		return fmt.Errorf("%s: %w", name, err)
	}
	e.logger.Debug().Str("stage", name).Dur("elapsed", result.StageDurations[name]).Msg("Stage completed")
	return nil
}

// forecastAll fans out over the six products. Generation parallelizes;
// writes happen later in canonical order.
func (e *Executor) forecastAll(ctx context.Context, windowStart time.Time, features *frame.Frame, history forecast.HistorySet) (map[market.Product]*forecast.Ensemble, error) {
	var mu sync.Mutex
	ensembles := make(map[market.Product]*forecast.Ensemble, len(market.Products))

	g, gctx := errgroup.WithContext(ctx)
	for _, product := range market.Products {
		product := product
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ensemble, err := e.engine.ForecastEnsemble(product, windowStart, features, history, false)
			if err != nil {
				return fmt.Errorf("%s: %w", product, err)
			}
			mu.Lock()
			ensembles[product] = ensemble
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ensembles, nil
}

// storeAll writes ensembles in the canonical product order so index entries
// for a cycle always appear in the same sequence. The context is checked
// between per-product writes so a timed-out stage stops storing instead of
// racing the fallback branch's writes.
func (e *Executor) storeAll(ctx context.Context, ensembles map[market.Product]*forecast.Ensemble) (map[market.Product]*store.IndexEntry, error) {
	entries := make(map[market.Product]*store.IndexEntry, len(ensembles))
	for _, product := range market.Products {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ensemble, ok := ensembles[product]
		if !ok {
			return nil, fmt.Errorf("no ensemble for %s", product)
		}
		entry, err := e.store.Put(ensemble)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", product, err)
		}
		entries[product] = entry
	}
	return entries, nil
}

// Busy reports whether a cycle is currently running.
func (e *Executor) Busy() bool {
	return e.running.Load()
}
