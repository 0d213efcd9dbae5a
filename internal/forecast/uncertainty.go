package forecast

import (
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/powercast/internal/market"
)

// Uncertainty method names. Unknown names degrade to the default with a
// warning instead of failing the forecast.
const (
	MethodHistoricalResiduals  = "historical_residuals"
	MethodPercentageOfForecast = "percentage_of_forecast"
	MethodFixedValue           = "fixed_value"
	MethodAdaptive             = "adaptive"

	DefaultUncertaintyMethod = MethodHistoricalResiduals
)

// History holds the per-(product, hour) error track record used to derive
// uncertainty. RecentErrors are signed errors ordered oldest first.
type History struct {
	Residuals    []float64 `json:"residuals"`
	PctErrors    []float64 `json:"pct_errors"`
	RecentErrors []float64 `json:"recent_errors"`
}

// HistorySet maps "<product>_<hour>" keys to their history.
type HistorySet map[string]History

// uncertaintyFunc derives (mean, stdDev) for a point forecast. The product
// adjustment factor is applied by the caller, not here.
type uncertaintyFunc func(point float64, product market.Product, hist History) (mean, stdDev float64)

var uncertaintyMethods = map[string]uncertaintyFunc{
	MethodHistoricalResiduals:  historicalResiduals,
	MethodPercentageOfForecast: percentageOfForecast,
	MethodFixedValue:           fixedValue,
	MethodAdaptive:             adaptive,
}

// deriveUncertainty resolves the named method, falling back to the default
// for unknown names, then applies the product adjustment factor to the
// standard deviation.
func deriveUncertainty(method string, point float64, product market.Product, hist History, logger zerolog.Logger) (float64, float64) {
	fn, ok := uncertaintyMethods[method]
	if !ok {
		logger.Warn().Str("method", method).Str("fallback", DefaultUncertaintyMethod).
			Msg("Unknown uncertainty method, using default")
		fn = uncertaintyMethods[DefaultUncertaintyMethod]
	}
	mean, std := fn(point, product, hist)
	return mean, std * product.AdjustmentFactor()
}

func historicalResiduals(point float64, _ market.Product, hist History) (float64, float64) {
	if len(hist.Residuals) == 0 {
		return point, 0.10 * math.Abs(point)
	}
	mean, std := stat.MeanStdDev(hist.Residuals, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return point + mean, math.Max(std, 0.05*math.Abs(point))
}

func percentageOfForecast(point float64, _ market.Product, hist History) (float64, float64) {
	var meanPct, stdPct float64
	if len(hist.PctErrors) > 0 {
		meanPct, stdPct = stat.MeanStdDev(hist.PctErrors, nil)
		if math.IsNaN(stdPct) {
			stdPct = 0
		}
	}
	return point * (1 + meanPct), math.Abs(point) * math.Max(stdPct, 0.05)
}

func fixedValue(point float64, product market.Product, _ History) (float64, float64) {
	return point, product.FixedStdDev()
}

// adaptive derives uncertainty from recent errors and widens it when the
// error magnitude is trending up. It never shrinks below the recent std.
func adaptive(point float64, product market.Product, hist History) (float64, float64) {
	recent := hist.RecentErrors
	if len(recent) < 6 {
		return historicalResiduals(point, product, hist)
	}
	mean, std := stat.MeanStdDev(recent, nil)
	if math.IsNaN(std) {
		std = 0
	}

	n := len(recent)
	last := meanAbs(recent[n-3:])
	prior := meanAbs(recent[n-6 : n-3])
	if prior > 0 {
		trend := last/prior - 1
		if trend > 0 {
			std *= 1 + trend
		}
	}
	return point + mean, math.Max(std, 0.05*math.Abs(point))
}

func meanAbs(vals []float64) float64 {
	sum := 0.0
	for _, v := range vals {
		sum += math.Abs(v)
	}
	return sum / float64(len(vals))
}
