package fallback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/powercast/internal/forecast"
	"github.com/aristath/powercast/internal/market"
	"github.com/aristath/powercast/internal/store"
)

var chicago = func() *time.Location {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		panic(err)
	}
	return loc
}()

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir(), 100, "America/Chicago")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedEnsemble(t *testing.T, s *store.Store, product market.Product, day int, base float64) {
	t.Helper()
	start := time.Date(2023, time.June, day, 0, 0, 0, 0, chicago)
	generated := start.Add(7 * time.Hour)

	forecasts := make([]*forecast.Forecast, 72)
	for i := range forecasts {
		samples := make([]float64, 100)
		for j := range samples {
			samples[j] = base + float64(j)*0.1
		}
		fc, err := forecast.NewForecast(start.Add(time.Duration(i)*time.Hour), product, base+float64(i), samples, generated, false, 100)
		require.NoError(t, err)
		forecasts[i] = fc
	}
	e, err := forecast.NewEnsemble(product, start, forecasts, generated)
	require.NoError(t, err)
	_, err = s.Put(e)
	require.NoError(t, err)
}

func TestColdStartConstantFallback(t *testing.T) {
	s := newTestStore(t)
	engine := New(s, 100, 72)

	windowStart := time.Date(2023, time.June, 2, 0, 0, 0, 0, chicago)
	entries, err := engine.Run(Context{
		TargetDate:  windowStart,
		FailedStage: "ingest",
		Reason:      "load forecast endpoint unreachable",
	}, windowStart)
	require.NoError(t, err)
	require.Len(t, entries, 6)

	for _, product := range market.Products {
		got, err := s.Get(windowStart, product)
		require.NoError(t, err)
		assert.True(t, got.IsFallback())
		require.Len(t, got.Forecasts, 72)

		want := product.DefaultPrice()
		for _, fc := range got.Forecasts {
			assert.Equal(t, want, fc.PointForecast)
			assert.True(t, fc.IsFallback)
			// Zero-variance: every sample equals the point forecast.
			for _, sample := range fc.Samples {
				assert.Equal(t, want, sample)
			}
		}
	}
}

func TestFallbackRestampsPriorArtifact(t *testing.T) {
	s := newTestStore(t)
	for _, p := range market.Products {
		seedEnsemble(t, s, p, 1, p.DefaultPrice())
	}

	engine := New(s, 100, 72)
	windowStart := time.Date(2023, time.June, 2, 0, 0, 0, 0, chicago)
	entries, err := engine.Run(Context{TargetDate: windowStart, FailedStage: "forecast", Reason: "model miss"}, windowStart)
	require.NoError(t, err)
	require.Len(t, entries, 6)

	got, err := s.Get(windowStart, market.DALMP)
	require.NoError(t, err)
	assert.True(t, got.IsFallback())
	assert.True(t, got.StartTime.Equal(windowStart))

	src, err := s.FindLatestNonFallbackBefore(market.DALMP, windowStart)
	require.NoError(t, err)
	require.NotNil(t, src)

	// Values carry over from the source, timestamps shift to the new window.
	for i, fc := range got.Forecasts {
		assert.Equal(t, src.Forecasts[i].PointForecast, fc.PointForecast)
		assert.Equal(t, src.Forecasts[i].Samples, fc.Samples)
		assert.True(t, fc.Timestamp.Equal(windowStart.Add(time.Duration(i)*time.Hour)))
		assert.True(t, fc.IsFallback)
	}
}

func TestFallbackNeverChainsFromFallback(t *testing.T) {
	s := newTestStore(t)
	for _, p := range market.Products {
		seedEnsemble(t, s, p, 1, p.DefaultPrice())
	}
	engine := New(s, 100, 72)

	// Two consecutive fallback days both restamp the original day-1
	// artifact, not each other.
	day2 := time.Date(2023, time.June, 2, 0, 0, 0, 0, chicago)
	_, err := engine.Run(Context{TargetDate: day2, FailedStage: "ingest"}, day2)
	require.NoError(t, err)

	day3 := time.Date(2023, time.June, 3, 0, 0, 0, 0, chicago)
	_, err = engine.Run(Context{TargetDate: day3, FailedStage: "ingest"}, day3)
	require.NoError(t, err)

	got, err := s.Get(day3.Add(48*time.Hour), market.RTLMP)
	require.NoError(t, err)
	assert.True(t, got.IsFallback())

	day1 := time.Date(2023, time.June, 1, 0, 0, 0, 0, chicago)
	src, err := s.Get(day1, market.RTLMP)
	require.NoError(t, err)
	assert.Equal(t, src.Forecasts[0].PointForecast, got.Forecasts[0].PointForecast)
}

func TestFallbackUpdatesLatestPointer(t *testing.T) {
	s := newTestStore(t)
	engine := New(s, 100, 72)

	windowStart := time.Date(2023, time.June, 2, 0, 0, 0, 0, chicago)
	_, err := engine.Run(Context{TargetDate: windowStart, FailedStage: "features"}, windowStart)
	require.NoError(t, err)

	latest, err := s.GetLatest(market.NSRS)
	require.NoError(t, err)
	assert.True(t, latest.StartTime.Equal(windowStart))
	assert.True(t, latest.IsFallback())
}
