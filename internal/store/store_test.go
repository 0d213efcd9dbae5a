package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/powercast/internal/forecast"
	"github.com/aristath/powercast/internal/market"
)

var chicago = func() *time.Location {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		panic(err)
	}
	return loc
}()

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), 100, "America/Chicago")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// makeEnsemble builds a valid 72-hour ensemble starting at local midnight
// of the given date.
func makeEnsemble(t *testing.T, product market.Product, year int, month time.Month, day int, base float64, isFallback bool) *forecast.Ensemble {
	t.Helper()
	start := time.Date(year, month, day, 0, 0, 0, 0, chicago)
	generated := start.Add(7 * time.Hour)

	forecasts := make([]*forecast.Forecast, 72)
	for i := range forecasts {
		samples := make([]float64, 100)
		for j := range samples {
			samples[j] = base + float64(j)*0.25
		}
		fc, err := forecast.NewForecast(start.Add(time.Duration(i)*time.Hour), product, base+float64(i)*0.1, samples, generated, isFallback, 100)
		require.NoError(t, err)
		forecasts[i] = fc
	}
	e, err := forecast.NewEnsemble(product, start, forecasts, generated)
	require.NoError(t, err)
	return e
}

func TestPutAndGet(t *testing.T) {
	s := newTestStore(t)
	e := makeEnsemble(t, market.DALMP, 2023, time.June, 1, 30, false)

	entry, err := s.Put(e)
	require.NoError(t, err)
	assert.Equal(t, market.DALMP, entry.Product)
	assert.False(t, entry.IsFallback)
	assert.Equal(t, market.SchemaVersion, entry.SchemaVersion)

	// The artifact lands in the year/month shard.
	assert.Equal(t, filepath.Join("2023", "06"), filepath.Dir(entry.FilePath))

	got, err := s.Get(time.Date(2023, time.June, 1, 0, 0, 0, 0, chicago), market.DALMP)
	require.NoError(t, err)
	require.Len(t, got.Forecasts, 72)
	assert.True(t, got.StartTime.Equal(e.StartTime))

	// Round trip preserves every point and sample value exactly.
	for i, fc := range got.Forecasts {
		assert.Equal(t, e.Forecasts[i].PointForecast, fc.PointForecast)
		assert.Equal(t, e.Forecasts[i].Samples, fc.Samples)
		assert.True(t, fc.Timestamp.Equal(e.Forecasts[i].Timestamp))
	}
}

func TestGetByDateInsideWindow(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put(makeEnsemble(t, market.RTLMP, 2023, time.June, 1, 35, false))
	require.NoError(t, err)

	// Day two of the 72-hour window still resolves to the same artifact.
	got, err := s.Get(time.Date(2023, time.June, 2, 0, 0, 0, 0, chicago), market.RTLMP)
	require.NoError(t, err)
	assert.True(t, got.StartTime.Equal(time.Date(2023, time.June, 1, 0, 0, 0, 0, chicago)))
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(time.Date(2023, time.May, 1, 0, 0, 0, 0, chicago), market.DALMP)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGetLatest(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetLatest(market.DALMP)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.Put(makeEnsemble(t, market.DALMP, 2023, time.June, 1, 30, false))
	require.NoError(t, err)
	_, err = s.Put(makeEnsemble(t, market.DALMP, 2023, time.June, 2, 32, false))
	require.NoError(t, err)

	got, err := s.GetLatest(market.DALMP)
	require.NoError(t, err)
	assert.True(t, got.StartTime.Equal(time.Date(2023, time.June, 2, 0, 0, 0, 0, chicago)))

	// Latest pointers are per product.
	_, err = s.GetLatest(market.NSRS)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLatestEntry(t *testing.T) {
	s := newTestStore(t)

	entry, err := s.LatestEntry(market.DALMP)
	require.NoError(t, err)
	assert.Nil(t, entry, "empty store has no latest entry")

	_, err = s.Put(makeEnsemble(t, market.DALMP, 2023, time.June, 1, 30, false))
	require.NoError(t, err)
	_, err = s.Put(makeEnsemble(t, market.DALMP, 2023, time.June, 2, 32, true))
	require.NoError(t, err)

	entry, err = s.LatestEntry(market.DALMP)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.StartTime.Equal(time.Date(2023, time.June, 2, 0, 0, 0, 0, chicago)))
	assert.True(t, entry.IsFallback)

	// Entries are per product.
	entry, err = s.LatestEntry(market.NSRS)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestGetRange(t *testing.T) {
	s := newTestStore(t)
	for day := 1; day <= 3; day++ {
		_, err := s.Put(makeEnsemble(t, market.RegUp, 2023, time.June, day, 10, false))
		require.NoError(t, err)
	}

	ensembles, err := s.GetRange(
		time.Date(2023, time.June, 2, 0, 0, 0, 0, chicago),
		time.Date(2023, time.June, 3, 0, 0, 0, 0, chicago),
		market.RegUp,
	)
	require.NoError(t, err)
	// Day 1's window extends into day 2, so all three intersect.
	require.Len(t, ensembles, 3)
	for i := 1; i < len(ensembles); i++ {
		assert.True(t, ensembles[i-1].StartTime.Before(ensembles[i].StartTime))
	}

	_, err = s.GetRange(
		time.Date(2024, time.January, 1, 0, 0, 0, 0, chicago),
		time.Date(2024, time.January, 2, 0, 0, 0, 0, chicago),
		market.RegUp,
	)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPutRejectsSchemaViolations(t *testing.T) {
	s := newTestStore(t)
	e := makeEnsemble(t, market.DALMP, 2023, time.June, 1, 30, false)
	e.Forecasts[10].Samples = e.Forecasts[10].Samples[:50]

	_, err := s.Put(e)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemaValidation))
}

func TestFindLatestNonFallbackBefore(t *testing.T) {
	s := newTestStore(t)

	// Cold start: no prior artifact.
	got, err := s.FindLatestNonFallbackBefore(market.DALMP, time.Date(2023, time.June, 10, 0, 0, 0, 0, chicago))
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = s.Put(makeEnsemble(t, market.DALMP, 2023, time.June, 1, 30, false))
	require.NoError(t, err)
	_, err = s.Put(makeEnsemble(t, market.DALMP, 2023, time.June, 2, 31, true))
	require.NoError(t, err)

	// Fallback artifacts are never used as fallback sources.
	got, err = s.FindLatestNonFallbackBefore(market.DALMP, time.Date(2023, time.June, 10, 0, 0, 0, 0, chicago))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.StartTime.Equal(time.Date(2023, time.June, 1, 0, 0, 0, 0, chicago)))
	assert.False(t, got.IsFallback())
}

func TestRebuildIndexIdempotent(t *testing.T) {
	s := newTestStore(t)
	for _, p := range []market.Product{market.DALMP, market.RTLMP, market.RRS} {
		_, err := s.Put(makeEnsemble(t, p, 2023, time.June, 1, p.DefaultPrice(), false))
		require.NoError(t, err)
	}

	n, err := s.RebuildIndex()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.RebuildIndex()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Lookups still work after a rebuild.
	got, err := s.Get(time.Date(2023, time.June, 1, 0, 0, 0, 0, chicago), market.RRS)
	require.NoError(t, err)
	assert.Equal(t, market.RRS, got.Product)
}

func TestRebuildIndexRecoversUnindexedArtifact(t *testing.T) {
	s := newTestStore(t)
	e := makeEnsemble(t, market.NSRS, 2023, time.June, 1, 5, false)
	entry, err := s.Put(e)
	require.NoError(t, err)

	// Simulate a crash that left the artifact on disk but lost the index:
	// copy the file to a new name the index does not know about.
	src := filepath.Join(s.Root(), entry.FilePath)
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	dst := filepath.Join(filepath.Dir(src), "NSRS_20230601T999999.csv")
	require.NoError(t, os.WriteFile(dst, data, 0644))

	n, err := s.RebuildIndex()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestInfo(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put(makeEnsemble(t, market.DALMP, 2023, time.June, 1, 30, false))
	require.NoError(t, err)
	_, err = s.Put(makeEnsemble(t, market.DALMP, 2023, time.June, 2, 31, true))
	require.NoError(t, err)

	info, err := s.Info()
	require.NoError(t, err)
	assert.Equal(t, 2, info.TotalArtifacts)
	assert.Greater(t, info.ArtifactBytes, int64(0))

	cov, ok := info.Coverage[market.DALMP]
	require.True(t, ok)
	assert.Equal(t, 2, cov.Count)
	assert.Equal(t, 1, cov.FallbackCount)
	require.NotNil(t, cov.Oldest)
	require.NotNil(t, cov.Newest)
	assert.True(t, cov.Oldest.Before(*cov.Newest))

	latest, ok := info.Latest[market.DALMP]
	require.True(t, ok)
	assert.True(t, latest.StartTime.Equal(time.Date(2023, time.June, 2, 0, 0, 0, 0, chicago)))
	assert.True(t, latest.IsFallback)
}

func TestCodecRoundTrip(t *testing.T) {
	e := makeEnsemble(t, market.RegDown, 2023, time.November, 4, 7, false)

	var buf bytes.Buffer
	require.NoError(t, encodeEnsemble(&buf, e, 100))

	got, meta, err := decodeEnsemble(&buf, chicago)
	require.NoError(t, err)
	assert.Equal(t, market.RegDown, meta.Product)
	assert.Equal(t, 100, meta.SampleCount)
	assert.Equal(t, market.SchemaVersion, meta.SchemaVersion)

	// The window spans the DST fall-back; timestamps survive exactly.
	require.Len(t, got.Forecasts, 72)
	for i, fc := range got.Forecasts {
		assert.True(t, fc.Timestamp.Equal(e.Forecasts[i].Timestamp), "hour %d", i)
		assert.Equal(t, e.Forecasts[i].Samples, fc.Samples)
	}
}

func TestDecodeRejectsMalformedHeader(t *testing.T) {
	_, _, err := decodeEnsemble(bytes.NewBufferString("foo,bar\n1,2\n"), chicago)
	assert.Error(t, err)
}
