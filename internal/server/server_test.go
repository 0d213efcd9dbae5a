package server

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir(), 100, "America/Chicago")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return New(Config{Store: st}), st
}

func makeEnsemble(t *testing.T, product market.Product, year int, month time.Month, day int, base float64) *forecast.Ensemble {
	t.Helper()
	start := time.Date(year, month, day, 0, 0, 0, 0, chicago)
	generated := start.Add(7 * time.Hour)

	forecasts := make([]*forecast.Forecast, 72)
	for i := range forecasts {
		samples := make([]float64, 100)
		for j := range samples {
			samples[j] = base + float64(j)*0.25
		}
		fc, err := forecast.NewForecast(start.Add(time.Duration(i)*time.Hour), product, base+float64(i)*0.1, samples, generated, false, 100)
		require.NoError(t, err)
		forecasts[i] = fc
	}
	e, err := forecast.NewEnsemble(product, start, forecasts, generated)
	require.NoError(t, err)
	return e
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestRootListsEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Service   string   `json:"service"`
		Version   string   `json:"version"`
		Endpoints []string `json:"endpoints"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "powercast", body.Service)
	assert.Contains(t, body.Endpoints, "/forecasts/{date}/{product}")
}

func TestProducts(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/products")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Products []struct {
			Product     string `json:"product"`
			IsAncillary bool   `json:"is_ancillary"`
		} `json:"products"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Products, 6)
	assert.Equal(t, "DALMP", body.Products[0].Product)
	assert.False(t, body.Products[0].IsAncillary)
	assert.Equal(t, "NSRS", body.Products[5].Product)
	assert.True(t, body.Products[5].IsAncillary)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "healthy", body.Status)
	_, err := time.Parse(time.RFC3339, body.Timestamp)
	assert.NoError(t, err)

	// The cached response keeps the original timestamp.
	rec2 := get(t, s, "/health")
	var body2 struct {
		Timestamp string `json:"timestamp"`
	}
	decodeBody(t, rec2, &body2)
	assert.Equal(t, body.Timestamp, body2.Timestamp)
}

func TestDetailedHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/health/detailed")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status     string                            `json:"status"`
		Components map[string]map[string]interface{} `json:"components"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "healthy", body.Status)
	require.Contains(t, body.Components, "storage")
	assert.Equal(t, "healthy", body.Components["storage"]["status"])
	// No feed client is wired in tests.
	assert.Equal(t, "unknown", body.Components["data_sources"]["status"])
}

func TestComponentHealth(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/health/component/storage")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "storage", body["component"])

	rec = get(t, s, "/health/component/flux_capacitor")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStorageStatus(t *testing.T) {
	s, st := newTestServer(t)
	_, err := st.Put(makeEnsemble(t, market.DALMP, 2023, time.June, 1, 30))
	require.NoError(t, err)

	rec := get(t, s, "/storage/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		TotalArtifacts int `json:"total_artifacts"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, 1, body.TotalArtifacts)
}

func TestForecastByDateNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/forecasts/2023-05-01/DALMP")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForecastByDateJSON(t *testing.T) {
	s, st := newTestServer(t)
	_, err := st.Put(makeEnsemble(t, market.DALMP, 2023, time.June, 1, 30))
	require.NoError(t, err)

	rec := get(t, s, "/forecasts/2023-06-01/DALMP?format=json")
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []map[string]interface{}
	decodeBody(t, rec, &rows)
	require.Len(t, rows, 72)
	first := rows[0]
	assert.Equal(t, "DALMP", first["product"])
	assert.Equal(t, false, first["is_fallback"])
	assert.Contains(t, first, "point_forecast")
	assert.Contains(t, first, "sample_001")
	assert.Contains(t, first, "sample_100")
	assert.NotContains(t, first, "sample_101")
}

func TestForecastBadRequests(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		path string
	}{
		{"bad product", "/forecasts/2023-06-01/COFFEE"},
		{"malformed date", "/forecasts/June-first/DALMP"},
		{"unknown format", "/forecasts/2023-06-01/DALMP?format=yaml"},
		{"bad product latest", "/forecasts/latest/COFFEE"},
		{"inverted range", "/forecasts/range/2023-06-05/2023-06-01/DALMP"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, s, tt.path)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestForecastLatest(t *testing.T) {
	s, st := newTestServer(t)
	_, err := st.Put(makeEnsemble(t, market.RTLMP, 2023, time.June, 1, 35))
	require.NoError(t, err)
	_, err = st.Put(makeEnsemble(t, market.RTLMP, 2023, time.June, 2, 40))
	require.NoError(t, err)

	rec := get(t, s, "/forecasts/latest/RTLMP")
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []map[string]interface{}
	decodeBody(t, rec, &rows)
	require.Len(t, rows, 72)
	assert.InDelta(t, 40.0, rows[0]["point_forecast"].(float64), 1e-9)
}

func TestForecastRange(t *testing.T) {
	s, st := newTestServer(t)
	_, err := st.Put(makeEnsemble(t, market.DALMP, 2023, time.June, 1, 30))
	require.NoError(t, err)
	_, err = st.Put(makeEnsemble(t, market.DALMP, 2023, time.June, 2, 31))
	require.NoError(t, err)

	rec := get(t, s, "/forecasts/range/2023-06-01/2023-06-02/DALMP")
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []map[string]interface{}
	decodeBody(t, rec, &rows)
	assert.Len(t, rows, 144)

	rec = get(t, s, "/forecasts/range/2024-01-01/2024-01-05/DALMP")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForecastModel(t *testing.T) {
	s, st := newTestServer(t)
	_, err := st.Put(makeEnsemble(t, market.RegUp, 2023, time.June, 1, 10))
	require.NoError(t, err)

	for _, path := range []string{"/forecasts/model/2023-06-01/RegUp", "/forecasts/model/latest/RegUp"} {
		rec := get(t, s, path)
		require.Equal(t, http.StatusOK, rec.Code, path)

		var body struct {
			Product   string `json:"product"`
			Forecasts []struct {
				Statistics struct {
					Mean   float64 `json:"mean"`
					StdDev float64 `json:"std_dev"`
				} `json:"statistics"`
				Samples []float64 `json:"samples"`
			} `json:"forecasts"`
		}
		decodeBody(t, rec, &body)
		assert.Equal(t, "RegUp", body.Product)
		require.Len(t, body.Forecasts, 72)
		assert.Len(t, body.Forecasts[0].Samples, 100)
		assert.Greater(t, body.Forecasts[0].Statistics.Mean, 0.0)
	}
}

func TestForecastCSVFormat(t *testing.T) {
	s, st := newTestServer(t)
	_, err := st.Put(makeEnsemble(t, market.DALMP, 2023, time.June, 1, 30))
	require.NoError(t, err)

	rec := get(t, s, "/forecasts/2023-06-01/DALMP?format=csv")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	records, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 73)
	assert.Equal(t, market.ArtifactColumns(100), records[0])
	assert.Equal(t, "DALMP", records[1][1])
}

func TestForecastBinaryFormats(t *testing.T) {
	s, st := newTestServer(t)
	_, err := st.Put(makeEnsemble(t, market.DALMP, 2023, time.June, 1, 30))
	require.NoError(t, err)

	tests := []struct {
		format      string
		contentType string
	}{
		{"excel", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
		{"parquet", "application/vnd.apache.parquet"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			rec := get(t, s, "/forecasts/2023-06-01/DALMP?format="+tt.format)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
			assert.NotEmpty(t, rec.Body.Bytes())
		})
	}
}
