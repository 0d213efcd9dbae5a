package forecast

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/aristath/powercast/internal/frame"
	"github.com/aristath/powercast/internal/market"
	"github.com/aristath/powercast/internal/models"
	"github.com/aristath/powercast/pkg/logger"
)

// Config controls engine behavior. Zero values select defaults.
type Config struct {
	SampleCount       int    // samples per forecast hour, default 100
	HorizonHours      int    // ensemble window length, default 72
	UncertaintyMethod string // default historical_residuals
	Distribution      string // default normal
	Seed              uint64 // RNG seed; 0 derives from wall clock
	CacheSize         int    // LRU entries; 0 disables the cache
}

func (c Config) withDefaults() Config {
	if c.SampleCount <= 0 {
		c.SampleCount = 100
	}
	if c.HorizonHours <= 0 {
		c.HorizonHours = 72
	}
	if c.UncertaintyMethod == "" {
		c.UncertaintyMethod = DefaultUncertaintyMethod
	}
	if c.Distribution == "" {
		c.Distribution = DefaultDistribution
	}
	if c.Seed == 0 {
		c.Seed = uint64(time.Now().UnixNano())
	}
	return c
}

// Engine produces probabilistic forecasts by dispatching to the model
// registry, deriving uncertainty and drawing constrained samples.
type Engine struct {
	registry *models.Registry
	cfg      Config
	cache    *lru.Cache[string, *Forecast]
	logger   zerolog.Logger
}

// NewEngine creates an engine over the given model registry.
func NewEngine(registry *models.Registry, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if _, ok := samplers[cfg.Distribution]; !ok {
		return nil, fmt.Errorf("unknown distribution %q: not one of {normal, lognormal, truncated_normal, skewed_normal}", cfg.Distribution)
	}

	e := &Engine{
		registry: registry,
		cfg:      cfg,
		logger:   logger.Component("forecast_engine"),
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, *Forecast](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create forecast cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// SampleCount returns the configured samples per forecast.
func (e *Engine) SampleCount() int {
	return e.cfg.SampleCount
}

// HorizonHours returns the configured ensemble window length.
func (e *Engine) HorizonHours() int {
	return e.cfg.HorizonHours
}

// ClearCache drops all cached forecasts.
func (e *Engine) ClearCache() {
	if e.cache != nil {
		e.cache.Purge()
	}
}

// ForecastHour produces one probabilistic forecast for (product, hour) at
// the given timestamp. The cache is consulted only when useCache is true.
func (e *Engine) ForecastHour(product market.Product, hour int, ts time.Time, features *frame.Frame, history HistorySet, useCache bool) (*Forecast, error) {
	fc, err := e.forecastHour(product, hour, ts, features, history, useCache)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrForecastGeneration, err)
	}
	return fc, nil
}

func (e *Engine) forecastHour(product market.Product, hour int, ts time.Time, features *frame.Frame, history HistorySet, useCache bool) (*Forecast, error) {
	// Input validation.
	if !product.IsValid() {
		return nil, stageErr(product, hour, "validate", ErrInvalidFeature,
			fmt.Errorf("invalid product %q: not one of {DALMP, RTLMP, RegUp, RegDown, RRS, NSRS}", product))
	}
	if err := market.ValidateHour(hour); err != nil {
		return nil, stageErr(product, hour, "validate", ErrInvalidFeature, err)
	}
	if features == nil || features.Len() == 0 {
		return nil, stageErr(product, hour, "validate", ErrInvalidFeature, fmt.Errorf("features table is empty"))
	}
	if history == nil {
		return nil, stageErr(product, hour, "validate", ErrInvalidFeature, fmt.Errorf("historical data is nil"))
	}

	var cacheKey string
	if useCache && e.cache != nil {
		cacheKey = e.cacheKey(product, hour, ts, features)
		if cached, ok := e.cache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	// Model dispatch.
	entry, ok := e.registry.Get(product, hour)
	if !ok {
		return nil, stageErr(product, hour, "dispatch", ErrModelSelection,
			fmt.Errorf("no model registered for %s", market.ModelKey(product, hour)))
	}

	// Feature projection: verify the model's contract, then pick the row
	// for this timestamp.
	projected, err := features.Project(entry.FeatureNames)
	if err != nil {
		return nil, stageErr(product, hour, "features", ErrInvalidFeature, err)
	}
	row := projected.IndexOf(ts)
	if row < 0 {
		return nil, stageErr(product, hour, "features", ErrInvalidFeature,
			fmt.Errorf("no feature row for timestamp %s", ts.Format(time.RFC3339)))
	}
	vec, err := projected.VectorAt(entry.FeatureNames, row)
	if err != nil {
		return nil, stageErr(product, hour, "features", ErrInvalidFeature, err)
	}

	// Point prediction.
	point, err := entry.Model.Predict(vec)
	if err != nil {
		return nil, stageErr(product, hour, "predict", ErrModelExecution, err)
	}

	// Uncertainty derivation.
	mean, stdDev := deriveUncertainty(e.cfg.UncertaintyMethod, point, product, history[market.ModelKey(product, hour)], e.logger)
	if math.IsNaN(mean) || math.IsInf(mean, 0) || math.IsNaN(stdDev) || math.IsInf(stdDev, 0) {
		return nil, stageErr(product, hour, "uncertainty", ErrUncertainty,
			fmt.Errorf("non-finite uncertainty parameters (mean=%f, std=%f)", mean, stdDev))
	}

	// Sample generation.
	samples, err := drawSamples(e.cfg.Distribution, sampleParams{mean: mean, stdDev: stdDev}, e.cfg.SampleCount, e.sourceFor(product, hour, ts))
	if err != nil {
		return nil, stageErr(product, hour, "sample", ErrSampleGeneration, err)
	}

	// Product constraints.
	if product.IsAncillary() {
		zero := 0.0
		applyConstraints(samples, &zero, nil)
	}

	fc, err := NewForecast(ts, product, point, samples, time.Now(), false, e.cfg.SampleCount)
	if err != nil {
		return nil, stageErr(product, hour, "assemble", ErrSampleGeneration, err)
	}

	if useCache && e.cache != nil {
		e.cache.Add(cacheKey, fc)
	}
	return fc, nil
}

// ForecastEnsemble produces the full horizon for one product starting at
// start. Each hourly timestamp must have a matching feature row. A failed
// hour propagates immediately; substitution is the pipeline's concern.
func (e *Engine) ForecastEnsemble(product market.Product, start time.Time, features *frame.Frame, history HistorySet, useCache bool) (*Ensemble, error) {
	forecasts := make([]*Forecast, 0, e.cfg.HorizonHours)
	for i := 0; i < e.cfg.HorizonHours; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		fc, err := e.ForecastHour(product, ts.Hour(), ts, features, history, useCache)
		if err != nil {
			return nil, err
		}
		forecasts = append(forecasts, fc)
	}
	ensemble, err := NewEnsemble(product, start, forecasts, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrForecastGeneration, err)
	}
	e.logger.Debug().Str("product", string(product)).
		Time("start", start).Int("hours", len(forecasts)).
		Msg("Ensemble generated")
	return ensemble, nil
}

// sourceFor derives a deterministic RNG source for one forecast. With a
// fixed configured seed, identical inputs yield identical samples.
func (e *Engine) sourceFor(product market.Product, hour int, ts time.Time) rand.Source {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s_%d_%d", product, hour, ts.Unix())
	return rand.NewPCG(e.cfg.Seed, h.Sum64())
}

func (e *Engine) cacheKey(product market.Product, hour int, ts time.Time, features *frame.Frame) string {
	return fmt.Sprintf("%s_%d_%d_%x", product, hour, ts.Unix(), frameHash(features))
}

// frameHash fingerprints a feature table by its column names and values.
func frameHash(f *frame.Frame) uint64 {
	h := fnv.New64a()
	for _, ts := range f.Timestamps() {
		fmt.Fprintf(h, "%d,", ts.Unix())
	}
	for _, name := range f.Columns() {
		h.Write([]byte(name))
		col, _ := f.Column(name)
		for _, v := range col {
			fmt.Fprintf(h, "%x", math.Float64bits(v))
		}
	}
	return h.Sum64()
}
