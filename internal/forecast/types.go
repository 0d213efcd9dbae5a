// Package forecast implements the forecasting engine: model dispatch,
// point prediction, uncertainty derivation, sample generation, product
// constraints and ensemble assembly over the forecast horizon.
package forecast

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/powercast/internal/market"
)

// Statistics holds the derived summary statistics of a sample set.
type Statistics struct {
	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
	StdDev   float64 `json:"std_dev"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Skew     float64 `json:"skew"`
	Kurtosis float64 `json:"kurtosis"`
}

// Forecast is a single probabilistic forecast for one (timestamp, product)
// pair. Statistics are computed lazily on first access and cached.
type Forecast struct {
	Timestamp           time.Time      `json:"timestamp"`
	Product             market.Product `json:"product"`
	PointForecast       float64        `json:"point_forecast"`
	Samples             []float64      `json:"samples"`
	GenerationTimestamp time.Time      `json:"generation_timestamp"`
	IsFallback          bool           `json:"is_fallback"`

	statsOnce sync.Once
	stats     Statistics
}

// NewForecast constructs a forecast after checking its invariants: the
// sample count matches n and every sample is finite. Ancillary product
// samples must additionally be non-negative.
func NewForecast(ts time.Time, product market.Product, point float64, samples []float64, generatedAt time.Time, isFallback bool, n int) (*Forecast, error) {
	if !product.IsValid() {
		return nil, fmt.Errorf("invalid product %q: not one of {DALMP, RTLMP, RegUp, RegDown, RRS, NSRS}", product)
	}
	if len(samples) != n {
		return nil, fmt.Errorf("forecast for %s at %s has %d samples, want %d", product, ts.Format(time.RFC3339), len(samples), n)
	}
	if math.IsNaN(point) || math.IsInf(point, 0) {
		return nil, fmt.Errorf("forecast for %s at %s has non-finite point forecast", product, ts.Format(time.RFC3339))
	}
	for i, s := range samples {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("forecast for %s at %s has non-finite sample at index %d", product, ts.Format(time.RFC3339), i)
		}
		if product.IsAncillary() && s < 0 {
			return nil, fmt.Errorf("forecast for ancillary product %s at %s has negative sample %f", product, ts.Format(time.RFC3339), s)
		}
	}
	owned := make([]float64, len(samples))
	copy(owned, samples)
	return &Forecast{
		Timestamp:           ts,
		Product:             product,
		PointForecast:       point,
		Samples:             owned,
		GenerationTimestamp: generatedAt,
		IsFallback:          isFallback,
	}, nil
}

// Stats returns summary statistics over the samples, computed once.
func (f *Forecast) Stats() Statistics {
	f.statsOnce.Do(func() {
		sorted := make([]float64, len(f.Samples))
		copy(sorted, f.Samples)
		sort.Float64s(sorted)

		mean, std := stat.MeanStdDev(f.Samples, nil)
		if math.IsNaN(std) {
			std = 0 // single sample
		}
		f.stats = Statistics{
			Mean:     mean,
			Median:   stat.Quantile(0.5, stat.Empirical, sorted, nil),
			StdDev:   std,
			Min:      sorted[0],
			Max:      sorted[len(sorted)-1],
			Skew:     zeroIfNaN(stat.Skew(f.Samples, nil)),
			Kurtosis: zeroIfNaN(stat.ExKurtosis(f.Samples, nil)),
		}
	})
	return f.stats
}

func zeroIfNaN(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// Ensemble owns the hourly forecasts of one product over a contiguous
// window [StartTime, EndTime).
type Ensemble struct {
	Product             market.Product `json:"product"`
	StartTime           time.Time      `json:"start_time"`
	EndTime             time.Time      `json:"end_time"`
	GenerationTimestamp time.Time      `json:"generation_timestamp"`
	Forecasts           []*Forecast    `json:"forecasts"`
}

// NewEnsemble constructs an ensemble after checking its invariants: every
// child matches the product, and the children are exactly the consecutive
// hours of [start, start+len(forecasts)h).
func NewEnsemble(product market.Product, start time.Time, forecasts []*Forecast, generatedAt time.Time) (*Ensemble, error) {
	if !product.IsValid() {
		return nil, fmt.Errorf("invalid product %q: not one of {DALMP, RTLMP, RegUp, RegDown, RRS, NSRS}", product)
	}
	if len(forecasts) == 0 {
		return nil, fmt.Errorf("ensemble for %s has no forecasts", product)
	}
	for i, fc := range forecasts {
		if fc.Product != product {
			return nil, fmt.Errorf("ensemble for %s contains forecast for %s at index %d", product, fc.Product, i)
		}
		want := start.Add(time.Duration(i) * time.Hour)
		if !fc.Timestamp.Equal(want) {
			return nil, fmt.Errorf("ensemble for %s: forecast %d has timestamp %s, want %s",
				product, i, fc.Timestamp.Format(time.RFC3339), want.Format(time.RFC3339))
		}
	}
	return &Ensemble{
		Product:             product,
		StartTime:           start,
		EndTime:             start.Add(time.Duration(len(forecasts)) * time.Hour),
		GenerationTimestamp: generatedAt,
		Forecasts:           forecasts,
	}, nil
}

// IsFallback reports whether any child forecast is a fallback.
func (e *Ensemble) IsFallback() bool {
	for _, fc := range e.Forecasts {
		if fc.IsFallback {
			return true
		}
	}
	return false
}

// HorizonHours returns the window length in hours.
func (e *Ensemble) HorizonHours() int {
	return len(e.Forecasts)
}
