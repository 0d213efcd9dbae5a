package main

import (
	"github.com/rs/zerolog/log"

	"github.com/aristath/powercast/internal/config"
	"github.com/aristath/powercast/internal/fallback"
	"github.com/aristath/powercast/internal/forecast"
	"github.com/aristath/powercast/internal/ingest"
	"github.com/aristath/powercast/internal/models"
	"github.com/aristath/powercast/internal/pipeline"
	"github.com/aristath/powercast/internal/scheduler"
	"github.com/aristath/powercast/internal/store"
)

// app holds the wired components of a powercast process. Every subcommand
// builds the same graph; serve simply never starts the scheduler.
type app struct {
	cfg       *config.Config
	store     *store.Store
	registry  *models.Registry
	engine    *forecast.Engine
	feeds     *ingest.Client
	pipeline  *pipeline.Executor
	jobs      *scheduler.Registry
	monitor   *scheduler.ExecutionMonitor
	history   *scheduler.RunHistory
	scheduler *scheduler.Scheduler
}

// wire builds the component graph bottom-up: store, model registry,
// forecast engine, feed client, fallback, pipeline, scheduler.
func wire(cfg *config.Config) (*app, error) {
	st, err := store.New(cfg.DataDir, cfg.SampleCount, cfg.Timezone)
	if err != nil {
		return nil, err
	}

	registry := models.NewRegistry(st.ModelsDir())
	if err := registry.LoadAll(); err != nil {
		st.Close()
		return nil, err
	}
	if registry.Count() == 0 {
		log.Warn().Msg("No trained models on disk, cycles will fall back")
	}

	engine, err := forecast.NewEngine(registry, forecast.Config{
		SampleCount:  cfg.SampleCount,
		HorizonHours: cfg.HorizonHours,
		CacheSize:    256,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	feeds, err := ingest.NewClient(ingest.Config{
		LoadForecast:       ingest.FeedConfig{URL: cfg.LoadForecast.URL, APIKey: cfg.LoadForecast.APIKey},
		HistoricalPrices:   ingest.FeedConfig{URL: cfg.HistoricalPrices.URL, APIKey: cfg.HistoricalPrices.APIKey},
		GenerationForecast: ingest.FeedConfig{URL: cfg.GenerationForecast.URL, APIKey: cfg.GenerationForecast.APIKey},
		Timezone:           cfg.Timezone,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	fb := fallback.New(st, cfg.SampleCount, cfg.HorizonHours)

	exec, err := pipeline.New(feeds, engine, st, fb, pipeline.Config{
		Timezone:        cfg.Timezone,
		WindowStartHour: cfg.WindowStartHour,
		SampleCount:     cfg.SampleCount,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	jobs := scheduler.NewRegistry()
	monitor := scheduler.NewExecutionMonitor(jobs)
	history := scheduler.NewRunHistory(st.DB())
	sched, err := scheduler.New(exec, jobs, monitor, history, scheduler.Config{
		ScheduleHour: cfg.ScheduleHour,
		Timezone:     cfg.Timezone,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		store:     st,
		registry:  registry,
		engine:    engine,
		feeds:     feeds,
		pipeline:  exec,
		jobs:      jobs,
		monitor:   monitor,
		history:   history,
		scheduler: sched,
	}, nil
}

// Close releases the store and its index database.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close store")
	}
}
