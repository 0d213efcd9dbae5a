// Package validation checks forecast ensembles before they are persisted:
// completeness, plausibility, cross-product consistency and schema
// conformance. Validators are pure functions returning ValidationResults
// that compose by merge.
package validation

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/powercast/internal/forecast"
	"github.com/aristath/powercast/internal/market"
)

// Envelope bounds the sanity range for energy product prices. Ancillary
// products are bounded below by zero regardless.
type Envelope struct {
	EnergyMin float64
	EnergyMax float64
}

// DefaultEnvelope is the standard price sanity range.
var DefaultEnvelope = Envelope{EnergyMin: -1000, EnergyMax: 10000}

// Completeness verifies every hour in [StartTime, EndTime) is present
// exactly once, in order.
func Completeness(e *forecast.Ensemble) *market.ValidationResult {
	result := market.NewValidationResult()
	if e == nil {
		result.AddError(market.CategoryCompleteness, "ensemble is nil")
		return result
	}

	wantHours := int(e.EndTime.Sub(e.StartTime) / time.Hour)
	if len(e.Forecasts) != wantHours {
		result.AddError(market.CategoryCompleteness,
			fmt.Sprintf("ensemble for %s has %d forecasts, window requires %d", e.Product, len(e.Forecasts), wantHours))
	}

	seen := make(map[int64]int)
	for _, fc := range e.Forecasts {
		seen[fc.Timestamp.Unix()]++
	}
	for i := 0; i < wantHours; i++ {
		ts := e.StartTime.Add(time.Duration(i) * time.Hour)
		switch n := seen[ts.Unix()]; {
		case n == 0:
			result.AddError(market.CategoryCompleteness,
				fmt.Sprintf("missing forecast for %s at %s", e.Product, ts.Format(time.RFC3339)))
		case n > 1:
			result.AddError(market.CategoryCompleteness,
				fmt.Sprintf("duplicate forecast for %s at %s", e.Product, ts.Format(time.RFC3339)))
		}
	}
	return result
}

// Plausibility verifies all values are finite, ancillary prices are
// non-negative and energy prices stay inside the sanity envelope.
func Plausibility(e *forecast.Ensemble, env Envelope) *market.ValidationResult {
	result := market.NewValidationResult()
	if e == nil {
		result.AddError(market.CategoryPlausibility, "ensemble is nil")
		return result
	}

	for _, fc := range e.Forecasts {
		ts := fc.Timestamp.Format(time.RFC3339)
		if !finite(fc.PointForecast) {
			result.AddError(market.CategoryPlausibility,
				fmt.Sprintf("non-finite point forecast for %s at %s", fc.Product, ts))
		}
		for i, s := range fc.Samples {
			if !finite(s) {
				result.AddError(market.CategoryPlausibility,
					fmt.Sprintf("non-finite sample %d for %s at %s", i, fc.Product, ts))
				break
			}
		}

		if fc.Product.IsAncillary() {
			if fc.PointForecast < 0 {
				result.AddError(market.CategoryPlausibility,
					fmt.Sprintf("negative price %.2f for ancillary product %s at %s", fc.PointForecast, fc.Product, ts))
			}
			for _, s := range fc.Samples {
				if s < 0 {
					result.AddError(market.CategoryPlausibility,
						fmt.Sprintf("negative sample for ancillary product %s at %s", fc.Product, ts))
					break
				}
			}
		} else if fc.PointForecast < env.EnergyMin || fc.PointForecast > env.EnergyMax {
			result.AddError(market.CategoryPlausibility,
				fmt.Sprintf("price %.2f for %s at %s outside envelope [%.0f, %.0f]",
					fc.PointForecast, fc.Product, ts, env.EnergyMin, env.EnergyMax))
		}
	}
	return result
}

// Consistency checks cross-product relations over a cycle's ensembles.
// The RTLMP-vs-DALMP volatility relation is a soft warning only.
func Consistency(set map[market.Product]*forecast.Ensemble) *market.ValidationResult {
	result := market.NewValidationResult()

	if da, rt := set[market.DALMP], set[market.RTLMP]; da != nil && rt != nil {
		daVol := pointVolatility(da)
		rtVol := pointVolatility(rt)
		if rtVol < daVol {
			result.AddWarning(market.CategoryConsistency,
				fmt.Sprintf("RTLMP volatility %.3f below DALMP volatility %.3f", rtVol, daVol))
		}
	}

	for _, p := range []market.Product{market.RegUp, market.RegDown} {
		e := set[p]
		if e == nil {
			continue
		}
		for _, fc := range e.Forecasts {
			if fc.PointForecast < 0 {
				result.AddError(market.CategoryConsistency,
					fmt.Sprintf("%s point forecast %.2f is negative at %s", p, fc.PointForecast, fc.Timestamp.Format(time.RFC3339)))
			}
		}
	}

	// Sum of ancillary prices at each hour must not be negative.
	sums := make(map[int64]float64)
	for _, p := range []market.Product{market.RegUp, market.RegDown, market.RRS, market.NSRS} {
		e := set[p]
		if e == nil {
			continue
		}
		for _, fc := range e.Forecasts {
			sums[fc.Timestamp.Unix()] += fc.PointForecast
		}
	}
	for tsUnix, sum := range sums {
		if sum < 0 {
			result.AddError(market.CategoryConsistency,
				fmt.Sprintf("ancillary price sum %.2f is negative at %s", sum, time.Unix(tsUnix, 0).UTC().Format(time.RFC3339)))
		}
	}
	return result
}

// Schema verifies each forecast carries exactly the configured number of
// samples and a valid product tag.
func Schema(e *forecast.Ensemble, sampleCount int) *market.ValidationResult {
	result := market.NewValidationResult()
	if e == nil {
		result.AddError(market.CategorySchema, "ensemble is nil")
		return result
	}
	if !e.Product.IsValid() {
		result.AddError(market.CategorySchema, fmt.Sprintf("invalid ensemble product %q", e.Product))
	}
	for _, fc := range e.Forecasts {
		if fc.Product != e.Product {
			result.AddError(market.CategorySchema,
				fmt.Sprintf("forecast product %s does not match ensemble product %s", fc.Product, e.Product))
		}
		if len(fc.Samples) != sampleCount {
			result.AddError(market.CategorySchema,
				fmt.Sprintf("forecast for %s at %s has %d samples, schema requires %d",
					fc.Product, fc.Timestamp.Format(time.RFC3339), len(fc.Samples), sampleCount))
		}
	}
	return result
}

// ValidateCycle runs all validators over a cycle's ensembles and merges
// the results.
func ValidateCycle(set map[market.Product]*forecast.Ensemble, sampleCount int, env Envelope) *market.ValidationResult {
	result := market.NewValidationResult()
	for _, p := range market.Products {
		e, ok := set[p]
		if !ok {
			result.AddError(market.CategoryCompleteness, fmt.Sprintf("no ensemble produced for %s", p))
			continue
		}
		result.Merge(Completeness(e))
		result.Merge(Plausibility(e, env))
		result.Merge(Schema(e, sampleCount))
	}
	result.Merge(Consistency(set))
	return result
}

func pointVolatility(e *forecast.Ensemble) float64 {
	points := make([]float64, len(e.Forecasts))
	for i, fc := range e.Forecasts {
		points[i] = fc.PointForecast
	}
	std := stat.StdDev(points, nil)
	if math.IsNaN(std) {
		return 0
	}
	return std
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
