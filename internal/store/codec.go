// Package store persists forecast artifacts: columnar files on disk
// sharded by year/month, a SQLite index as the authority for existence,
// and an atomic latest pointer per product.
package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aristath/powercast/internal/forecast"
	"github.com/aristath/powercast/internal/market"
)

const timestampLayout = time.RFC3339Nano

// encodeEnsemble writes an ensemble as a CSV artifact: one row per hour,
// sample columns zero-padded, ensemble metadata repeated on every row.
func encodeEnsemble(w io.Writer, e *forecast.Ensemble, sampleCount int) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(market.ArtifactColumns(sampleCount)); err != nil {
		return fmt.Errorf("failed to write artifact header: %w", err)
	}

	row := make([]string, 5+sampleCount+3)
	for _, fc := range e.Forecasts {
		row[0] = fc.Timestamp.Format(timestampLayout)
		row[1] = string(fc.Product)
		row[2] = formatFloat(fc.PointForecast)
		row[3] = fc.GenerationTimestamp.Format(timestampLayout)
		row[4] = strconv.FormatBool(fc.IsFallback)
		for i, s := range fc.Samples {
			row[5+i] = formatFloat(s)
		}
		row[5+sampleCount] = e.GenerationTimestamp.Format(timestampLayout)
		row[5+sampleCount+1] = strconv.FormatBool(e.IsFallback())
		row[5+sampleCount+2] = market.SchemaVersion

		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write artifact row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// artifactMeta is the per-file metadata recoverable without decoding the
// full sample matrix. RebuildIndex uses it to reconstruct index rows.
type artifactMeta struct {
	Product             market.Product
	StartTime           time.Time
	EndTime             time.Time
	GenerationTimestamp time.Time
	IsFallback          bool
	SchemaVersion       string
	SampleCount         int
}

// decodeEnsemble reads a CSV artifact back into an ensemble. The sample
// column count is validated against the header, not assumed.
func decodeEnsemble(r io.Reader, loc *time.Location) (*forecast.Ensemble, *artifactMeta, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read artifact header: %w", err)
	}
	sampleCount, err := sampleCountFromHeader(header)
	if err != nil {
		return nil, nil, err
	}
	wantCols := 5 + sampleCount + 3

	var (
		forecasts []*forecast.Forecast
		meta      artifactMeta
	)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read artifact row: %w", err)
		}
		if len(row) != wantCols {
			return nil, nil, fmt.Errorf("artifact row has %d columns, header declares %d", len(row), wantCols)
		}

		ts, err := parseTimestamp(row[0], loc)
		if err != nil {
			return nil, nil, err
		}
		product, err := market.ParseProduct(row[1])
		if err != nil {
			return nil, nil, err
		}
		point, err := parseFloat(row[2], market.ColPointForecast)
		if err != nil {
			return nil, nil, err
		}
		genTS, err := parseTimestamp(row[3], loc)
		if err != nil {
			return nil, nil, err
		}
		isFallback, err := strconv.ParseBool(row[4])
		if err != nil {
			return nil, nil, fmt.Errorf("invalid is_fallback value %q: %w", row[4], err)
		}

		samples := make([]float64, sampleCount)
		for i := range samples {
			samples[i], err = parseFloat(row[5+i], market.SampleColumn(i+1))
			if err != nil {
				return nil, nil, err
			}
		}

		fc, err := forecast.NewForecast(ts, product, point, samples, genTS, isFallback, sampleCount)
		if err != nil {
			return nil, nil, fmt.Errorf("artifact row violates forecast invariants: %w", err)
		}
		forecasts = append(forecasts, fc)

		if len(forecasts) == 1 {
			ensembleGen, err := parseTimestamp(row[5+sampleCount], loc)
			if err != nil {
				return nil, nil, err
			}
			ensembleFallback, err := strconv.ParseBool(row[5+sampleCount+1])
			if err != nil {
				return nil, nil, fmt.Errorf("invalid ensemble_is_fallback value %q: %w", row[5+sampleCount+1], err)
			}
			meta = artifactMeta{
				Product:             product,
				StartTime:           ts,
				GenerationTimestamp: ensembleGen,
				IsFallback:          ensembleFallback,
				SchemaVersion:       row[5+sampleCount+2],
				SampleCount:         sampleCount,
			}
		}
	}

	if len(forecasts) == 0 {
		return nil, nil, fmt.Errorf("artifact contains no rows")
	}
	meta.EndTime = forecasts[len(forecasts)-1].Timestamp.Add(time.Hour)

	ensemble, err := forecast.NewEnsemble(meta.Product, meta.StartTime, forecasts, meta.GenerationTimestamp)
	if err != nil {
		return nil, nil, fmt.Errorf("artifact violates ensemble invariants: %w", err)
	}
	return ensemble, &meta, nil
}

// readArtifactMeta decodes only enough of an artifact to index it.
func readArtifactMeta(r io.Reader, loc *time.Location) (*artifactMeta, error) {
	ensemble, meta, err := decodeEnsemble(r, loc)
	if err != nil {
		return nil, err
	}
	meta.EndTime = ensemble.EndTime
	return meta, nil
}

func sampleCountFromHeader(header []string) (int, error) {
	n := 0
	for _, col := range header {
		if len(col) > 7 && col[:7] == "sample_" {
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("artifact header declares no sample columns")
	}
	want := market.ArtifactColumns(n)
	if len(header) != len(want) {
		return 0, fmt.Errorf("artifact header has %d columns, schema requires %d", len(header), len(want))
	}
	for i, col := range header {
		if col != want[i] {
			return 0, fmt.Errorf("artifact header column %d is %q, schema requires %q", i, col, want[i])
		}
	}
	return n, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseFloat(s, col string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", col, s, err)
	}
	return v, nil
}

func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.In(loc), nil
}
