package forecast

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/powercast/internal/frame"
	"github.com/aristath/powercast/internal/market"
	"github.com/aristath/powercast/internal/models"
)

var chicago = func() *time.Location {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		panic(err)
	}
	return loc
}()

// fullRegistry registers a model for every (product, hour) pair.
func fullRegistry(t *testing.T) *models.Registry {
	t.Helper()
	r := models.NewRegistry(t.TempDir())
	require.NoError(t, r.Initialize())

	for _, p := range market.Products {
		for hour := 0; hour < 24; hour++ {
			m := &models.LinearModel{
				Coefficients: []float64{0.0005, -0.0002, -0.0001},
				Intercept:    20 + float64(hour)*0.5,
			}
			require.NoError(t, r.Register(p, hour, m, []string{"load_mw", "wind_mw", "solar_mw"}, models.Metrics{}))
		}
	}
	return r
}

// horizonFeatures builds a feature table covering n hours from start.
func horizonFeatures(start time.Time, n int) *frame.Frame {
	ts := make([]time.Time, n)
	load := make([]float64, n)
	wind := make([]float64, n)
	solar := make([]float64, n)
	for i := range ts {
		ts[i] = start.Add(time.Duration(i) * time.Hour)
		load[i] = 50000 + float64(i)*100
		wind[i] = 15000
		solar[i] = 8000
	}
	f := frame.New(ts)
	f.SetColumn("load_mw", load)
	f.SetColumn("wind_mw", wind)
	f.SetColumn("solar_mw", solar)
	return f
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	e, err := NewEngine(fullRegistry(t), cfg)
	require.NoError(t, err)
	return e
}

func TestForecastHour(t *testing.T) {
	e := newTestEngine(t, Config{})
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, chicago)
	features := horizonFeatures(start, 72)

	fc, err := e.ForecastHour(market.DALMP, 0, start, features, HistorySet{}, false)
	require.NoError(t, err)

	assert.Equal(t, market.DALMP, fc.Product)
	assert.Len(t, fc.Samples, 100)
	assert.False(t, fc.IsFallback)
	for _, s := range fc.Samples {
		assert.False(t, math.IsNaN(s) || math.IsInf(s, 0))
	}
}

func TestForecastHourDeterministic(t *testing.T) {
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, chicago)
	features := horizonFeatures(start, 72)

	e1 := newTestEngine(t, Config{Seed: 42})
	e2 := newTestEngine(t, Config{Seed: 42})

	a, err := e1.ForecastHour(market.RTLMP, 5, start.Add(5*time.Hour), features, HistorySet{}, false)
	require.NoError(t, err)
	b, err := e2.ForecastHour(market.RTLMP, 5, start.Add(5*time.Hour), features, HistorySet{}, false)
	require.NoError(t, err)

	assert.Equal(t, a.PointForecast, b.PointForecast)
	assert.Equal(t, a.Samples, b.Samples)

	e3 := newTestEngine(t, Config{Seed: 7})
	c, err := e3.ForecastHour(market.RTLMP, 5, start.Add(5*time.Hour), features, HistorySet{}, false)
	require.NoError(t, err)
	assert.NotEqual(t, a.Samples, c.Samples)
}

func TestAncillarySamplesNonNegative(t *testing.T) {
	e := newTestEngine(t, Config{})
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, chicago)
	features := horizonFeatures(start, 72)

	// Wide residual history forces draws that would go negative unclamped.
	history := HistorySet{
		market.ModelKey(market.RegDown, 0): {Residuals: []float64{-40, 40, -35, 35, -30, 30}},
	}

	fc, err := e.ForecastHour(market.RegDown, 0, start, features, history, false)
	require.NoError(t, err)
	for _, s := range fc.Samples {
		assert.GreaterOrEqual(t, s, 0.0)
	}
}

func TestForecastHourMissingModel(t *testing.T) {
	r := models.NewRegistry(t.TempDir())
	require.NoError(t, r.Initialize())
	e, err := NewEngine(r, Config{Seed: 42})
	require.NoError(t, err)

	start := time.Date(2023, 6, 1, 0, 0, 0, 0, chicago)
	_, err = e.ForecastHour(market.DALMP, 0, start, horizonFeatures(start, 1), HistorySet{}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelSelection))
	assert.True(t, errors.Is(err, ErrForecastGeneration))

	var stage *StageError
	require.True(t, errors.As(err, &stage))
	assert.Equal(t, market.DALMP, stage.Product)
	assert.Equal(t, 0, stage.Hour)
	assert.Equal(t, "dispatch", stage.Stage)
}

func TestForecastHourMissingFeatureColumns(t *testing.T) {
	e := newTestEngine(t, Config{})
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, chicago)

	f := frame.New([]time.Time{start})
	f.SetColumn("load_mw", []float64{50000})

	_, err := e.ForecastHour(market.DALMP, 0, start, f, HistorySet{}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFeature))
	assert.Contains(t, err.Error(), "wind_mw")
	assert.Contains(t, err.Error(), "solar_mw")
}

func TestForecastHourMissingTimestampRow(t *testing.T) {
	e := newTestEngine(t, Config{})
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, chicago)
	features := horizonFeatures(start, 24)

	_, err := e.ForecastHour(market.DALMP, 0, start.Add(100*time.Hour), features, HistorySet{}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFeature))
}

func TestUnknownUncertaintyMethodFallsBack(t *testing.T) {
	e := newTestEngine(t, Config{UncertaintyMethod: "quantum_vibes"})
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, chicago)

	fc, err := e.ForecastHour(market.DALMP, 0, start, horizonFeatures(start, 1), HistorySet{}, false)
	require.NoError(t, err)
	assert.Len(t, fc.Samples, 100)
}

func TestUnknownDistributionRejectedAtConstruction(t *testing.T) {
	_, err := NewEngine(fullRegistry(t), Config{Distribution: "cauchy", Seed: 42})
	assert.Error(t, err)
}

func TestForecastEnsemble(t *testing.T) {
	e := newTestEngine(t, Config{})
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, chicago)
	features := horizonFeatures(start, 72)

	ensemble, err := e.ForecastEnsemble(market.DALMP, start, features, HistorySet{}, false)
	require.NoError(t, err)

	assert.Equal(t, market.DALMP, ensemble.Product)
	require.Len(t, ensemble.Forecasts, 72)
	assert.Equal(t, start, ensemble.StartTime)
	assert.Equal(t, start.Add(72*time.Hour), ensemble.EndTime)
	assert.False(t, ensemble.IsFallback())

	for i, fc := range ensemble.Forecasts {
		assert.True(t, fc.Timestamp.Equal(start.Add(time.Duration(i)*time.Hour)))
		assert.Len(t, fc.Samples, 100)
	}
}

func TestForecastEnsemblePropagatesFailure(t *testing.T) {
	e := newTestEngine(t, Config{})
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, chicago)
	// Only 24 hours of features for a 72-hour horizon.
	features := horizonFeatures(start, 24)

	_, err := e.ForecastEnsemble(market.DALMP, start, features, HistorySet{}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrForecastGeneration))
}

func TestForecastCache(t *testing.T) {
	e := newTestEngine(t, Config{CacheSize: 16})
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, chicago)
	features := horizonFeatures(start, 1)

	a, err := e.ForecastHour(market.DALMP, 0, start, features, HistorySet{}, true)
	require.NoError(t, err)
	b, err := e.ForecastHour(market.DALMP, 0, start, features, HistorySet{}, true)
	require.NoError(t, err)
	assert.Same(t, a, b)

	// Opting out bypasses the cache.
	c, err := e.ForecastHour(market.DALMP, 0, start, features, HistorySet{}, false)
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	e.ClearCache()
	d, err := e.ForecastHour(market.DALMP, 0, start, features, HistorySet{}, true)
	require.NoError(t, err)
	assert.NotSame(t, a, d)
}

func TestForecastStats(t *testing.T) {
	ts := time.Date(2023, 6, 1, 0, 0, 0, 0, chicago)
	samples := make([]float64, 100)
	for i := range samples {
		samples[i] = float64(i)
	}
	fc, err := NewForecast(ts, market.DALMP, 49.5, samples, time.Now(), false, 100)
	require.NoError(t, err)

	stats := fc.Stats()
	assert.InDelta(t, 49.5, stats.Mean, 1e-9)
	assert.Equal(t, 0.0, stats.Min)
	assert.Equal(t, 99.0, stats.Max)
	assert.InDelta(t, 0, stats.Skew, 0.01)
}

func TestNewForecastInvariants(t *testing.T) {
	ts := time.Date(2023, 6, 1, 0, 0, 0, 0, chicago)
	good := make([]float64, 100)

	_, err := NewForecast(ts, market.DALMP, 30, good[:99], time.Now(), false, 100)
	assert.Error(t, err)

	bad := make([]float64, 100)
	bad[50] = math.NaN()
	_, err = NewForecast(ts, market.DALMP, 30, bad, time.Now(), false, 100)
	assert.Error(t, err)

	neg := make([]float64, 100)
	neg[0] = -1
	_, err = NewForecast(ts, market.RRS, 5, neg, time.Now(), false, 100)
	assert.Error(t, err)
	// Negative samples are fine for energy products.
	_, err = NewForecast(ts, market.DALMP, 5, neg, time.Now(), false, 100)
	assert.NoError(t, err)
}
