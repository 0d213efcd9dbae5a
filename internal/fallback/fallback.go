// Package fallback guarantees every cycle ends with a well-formed artifact
// per product: it re-stamps the most recent genuine artifact into today's
// window, or synthesizes constant-value forecasts on a cold start.
package fallback

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/powercast/internal/forecast"
	"github.com/aristath/powercast/internal/market"
	"github.com/aristath/powercast/internal/store"
	"github.com/aristath/powercast/pkg/logger"
)

// Context describes why the fallback branch was taken.
type Context struct {
	TargetDate  time.Time
	FailedStage string
	Reason      string
}

// Engine writes fallback artifacts through the forecast store.
type Engine struct {
	store        *store.Store
	sampleCount  int
	horizonHours int
	logger       zerolog.Logger
}

// New creates a fallback engine over the given store.
func New(st *store.Store, sampleCount, horizonHours int) *Engine {
	return &Engine{
		store:        st,
		sampleCount:  sampleCount,
		horizonHours: horizonHours,
		logger:       logger.Component("fallback_engine"),
	}
}

// Run produces a fallback artifact for every product, starting each
// ensemble at windowStart. A store write failure aborts immediately; there
// is no third level of fallback.
func (e *Engine) Run(fctx Context, windowStart time.Time) (map[market.Product]*store.IndexEntry, error) {
	e.logger.Warn().
		Str("target_date", fctx.TargetDate.Format("2006-01-02")).
		Str("failed_stage", fctx.FailedStage).
		Str("reason", fctx.Reason).
		Msg("Running fallback")

	entries := make(map[market.Product]*store.IndexEntry, len(market.Products))
	for _, product := range market.Products {
		ensemble, err := e.buildFallback(product, windowStart)
		if err != nil {
			return nil, fmt.Errorf("failed to build fallback for %s: %w", product, err)
		}
		entry, err := e.store.Put(ensemble)
		if err != nil {
			return nil, fmt.Errorf("failed to store fallback for %s: %w", product, err)
		}
		entries[product] = entry
	}
	return entries, nil
}

func (e *Engine) buildFallback(product market.Product, windowStart time.Time) (*forecast.Ensemble, error) {
	source, err := e.store.FindLatestNonFallbackBefore(product, windowStart)
	if err != nil {
		return nil, err
	}
	if source == nil {
		e.logger.Warn().Str("product", string(product)).
			Msg("No prior artifact exists, synthesizing constant-value fallback")
		return e.constantEnsemble(product, windowStart)
	}
	return e.restamp(source, windowStart)
}

// restamp shifts the source ensemble's window to start at windowStart,
// marking every forecast a fallback with a fresh generation timestamp.
func (e *Engine) restamp(source *forecast.Ensemble, windowStart time.Time) (*forecast.Ensemble, error) {
	now := time.Now()
	forecasts := make([]*forecast.Forecast, len(source.Forecasts))
	for i, src := range source.Forecasts {
		ts := windowStart.Add(time.Duration(i) * time.Hour)
		fc, err := forecast.NewForecast(ts, src.Product, src.PointForecast, src.Samples, now, true, e.sampleCount)
		if err != nil {
			return nil, err
		}
		forecasts[i] = fc
	}
	return forecast.NewEnsemble(source.Product, windowStart, forecasts, now)
}

// constantEnsemble builds the cold-start fallback: the per-product default
// price with zero-variance samples.
func (e *Engine) constantEnsemble(product market.Product, windowStart time.Time) (*forecast.Ensemble, error) {
	now := time.Now()
	point := product.DefaultPrice()
	samples := make([]float64, e.sampleCount)
	for i := range samples {
		samples[i] = point
	}

	forecasts := make([]*forecast.Forecast, e.horizonHours)
	for i := range forecasts {
		ts := windowStart.Add(time.Duration(i) * time.Hour)
		fc, err := forecast.NewForecast(ts, product, point, samples, now, true, e.sampleCount)
		if err != nil {
			return nil, err
		}
		forecasts[i] = fc
	}
	return forecast.NewEnsemble(product, windowStart, forecasts, now)
}
