package server

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/xuri/excelize/v2"

	"github.com/aristath/powercast/internal/forecast"
	"github.com/aristath/powercast/internal/market"
)

// Supported response formats for forecast artifact endpoints.
const (
	FormatJSON    = "json"
	FormatCSV     = "csv"
	FormatExcel   = "excel"
	FormatParquet = "parquet"
)

// parseFormat resolves the format query parameter, writing a 400 for
// unknown values. Absent means JSON.
func (s *Server) parseFormat(w http.ResponseWriter, r *http.Request) (string, bool) {
	format := r.URL.Query().Get("format")
	if format == "" {
		return FormatJSON, true
	}
	switch format {
	case FormatJSON, FormatCSV, FormatExcel, FormatParquet:
		return format, true
	}
	s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q: one of {json, csv, excel, parquet}", format))
	return "", false
}

// writeFormatted renders one or more ensembles, concatenated, in the
// requested format. Every ensemble carries the configured sample count so
// the column set is uniform across the response.
func (s *Server) writeFormatted(w http.ResponseWriter, format string, ensembles ...*forecast.Ensemble) {
	var err error
	switch format {
	case FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		err = writeCSV(w, ensembles)
	case FormatExcel:
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		err = writeExcel(w, ensembles)
	case FormatParquet:
		w.Header().Set("Content-Type", "application/vnd.apache.parquet")
		err = writeParquet(w, ensembles)
	default:
		s.writeJSON(w, http.StatusOK, jsonRows(ensembles))
		return
	}
	if err != nil {
		// Headers are out by now; all we can do is log and drop the
		// connection mid-body.
		s.logger.Error().Err(err).Str("format", format).Msg("Failed to encode response")
	}
}

// jsonRows flattens ensembles into one row object per hour with zero-padded
// per-sample fields, mirroring the artifact column set.
func jsonRows(ensembles []*forecast.Ensemble) []map[string]interface{} {
	var rows []map[string]interface{}
	for _, e := range ensembles {
		for _, fc := range e.Forecasts {
			row := map[string]interface{}{
				market.ColTimestamp:            fc.Timestamp,
				market.ColProduct:              fc.Product,
				market.ColPointForecast:        fc.PointForecast,
				market.ColGenerationTimestamp:  fc.GenerationTimestamp,
				market.ColIsFallback:           fc.IsFallback,
				market.ColEnsembleGenTimestamp: e.GenerationTimestamp,
				market.ColEnsembleIsFallback:   e.IsFallback(),
				market.ColSchemaVersion:        market.SchemaVersion,
			}
			for i, sample := range fc.Samples {
				row[market.SampleColumn(i+1)] = sample
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func writeCSV(w http.ResponseWriter, ensembles []*forecast.Ensemble) error {
	n := len(ensembles[0].Forecasts[0].Samples)
	cw := csv.NewWriter(w)
	if err := cw.Write(market.ArtifactColumns(n)); err != nil {
		return err
	}

	row := make([]string, 5+n+3)
	for _, e := range ensembles {
		for _, fc := range e.Forecasts {
			row[0] = fc.Timestamp.Format(time.RFC3339Nano)
			row[1] = string(fc.Product)
			row[2] = strconv.FormatFloat(fc.PointForecast, 'g', -1, 64)
			row[3] = fc.GenerationTimestamp.Format(time.RFC3339Nano)
			row[4] = strconv.FormatBool(fc.IsFallback)
			for i, sample := range fc.Samples {
				row[5+i] = strconv.FormatFloat(sample, 'g', -1, 64)
			}
			row[5+n] = e.GenerationTimestamp.Format(time.RFC3339Nano)
			row[5+n+1] = strconv.FormatBool(e.IsFallback())
			row[5+n+2] = market.SchemaVersion
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeExcel(w http.ResponseWriter, ensembles []*forecast.Ensemble) error {
	n := len(ensembles[0].Forecasts[0].Samples)
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Sheet1"
	header := market.ArtifactColumns(n)
	headerCells := make([]interface{}, len(header))
	for i, h := range header {
		headerCells[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &headerCells); err != nil {
		return err
	}

	rowIdx := 2
	for _, e := range ensembles {
		for _, fc := range e.Forecasts {
			row := make([]interface{}, 0, 5+n+3)
			row = append(row,
				fc.Timestamp.Format(time.RFC3339Nano),
				string(fc.Product),
				fc.PointForecast,
				fc.GenerationTimestamp.Format(time.RFC3339Nano),
				fc.IsFallback,
			)
			for _, sample := range fc.Samples {
				row = append(row, sample)
			}
			row = append(row,
				e.GenerationTimestamp.Format(time.RFC3339Nano),
				e.IsFallback(),
				market.SchemaVersion,
			)

			cell, err := excelize.CoordinatesToCellName(1, rowIdx)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(sheet, cell, &row); err != nil {
				return err
			}
			rowIdx++
		}
	}
	return f.Write(w)
}

// parquetRow is the columnar row schema. The sample matrix is a repeated
// field rather than one hundred named columns; the artifact column names
// remain a CSV concern.
type parquetRow struct {
	Timestamp           time.Time `parquet:"timestamp,timestamp"`
	Product             string    `parquet:"product"`
	PointForecast       float64   `parquet:"point_forecast"`
	GenerationTimestamp time.Time `parquet:"generation_timestamp,timestamp"`
	IsFallback          bool      `parquet:"is_fallback"`
	Samples             []float64 `parquet:"samples,list"`
	EnsembleGenerated   time.Time `parquet:"ensemble_generation_timestamp,timestamp"`
	EnsembleIsFallback  bool      `parquet:"ensemble_is_fallback"`
	SchemaVersion       string    `parquet:"schema_version"`
}

func writeParquet(w http.ResponseWriter, ensembles []*forecast.Ensemble) error {
	var rows []parquetRow
	for _, e := range ensembles {
		for _, fc := range e.Forecasts {
			rows = append(rows, parquetRow{
				Timestamp:           fc.Timestamp,
				Product:             string(fc.Product),
				PointForecast:       fc.PointForecast,
				GenerationTimestamp: fc.GenerationTimestamp,
				IsFallback:          fc.IsFallback,
				Samples:             fc.Samples,
				EnsembleGenerated:   e.GenerationTimestamp,
				EnsembleIsFallback:  e.IsFallback(),
				SchemaVersion:       market.SchemaVersion,
			})
		}
	}

	pw := parquet.NewGenericWriter[parquetRow](w)
	if _, err := pw.Write(rows); err != nil {
		return err
	}
	return pw.Close()
}
