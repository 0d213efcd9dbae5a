package forecast

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Sample distribution names.
const (
	DistNormal          = "normal"
	DistLogNormal       = "lognormal"
	DistTruncatedNormal = "truncated_normal"
	DistSkewedNormal    = "skewed_normal"

	DefaultDistribution = DistNormal
)

// sampleParams parameterizes one draw of n samples.
type sampleParams struct {
	mean   float64
	stdDev float64
	// skewness applies only to skewed_normal; bounds only to
	// truncated_normal, defaulting to mean +/- 3 stdDev.
	skewness   float64
	lowerBound *float64
	upperBound *float64
}

// minStdDev keeps distributions well formed when derived uncertainty
// collapses to zero (e.g. a zero point forecast with no history).
const minStdDev = 1e-6

type samplerFunc func(p sampleParams, n int, src rand.Source) []float64

var samplers = map[string]samplerFunc{
	DistNormal:          sampleNormal,
	DistLogNormal:       sampleLogNormal,
	DistTruncatedNormal: sampleTruncatedNormal,
	DistSkewedNormal:    sampleSkewedNormal,
}

// drawSamples generates n samples from the named distribution. Unknown
// distribution names are an error; the engine validates the name at
// configuration time rather than degrading silently mid-forecast.
func drawSamples(dist string, p sampleParams, n int, src rand.Source) ([]float64, error) {
	fn, ok := samplers[dist]
	if !ok {
		return nil, fmt.Errorf("unknown distribution %q: not one of {normal, lognormal, truncated_normal, skewed_normal}", dist)
	}
	if p.stdDev < minStdDev {
		p.stdDev = minStdDev
	}
	return fn(p, n, src), nil
}

func sampleNormal(p sampleParams, n int, src rand.Source) []float64 {
	dist := distuv.Normal{Mu: p.mean, Sigma: p.stdDev, Src: src}
	out := make([]float64, n)
	for i := range out {
		out[i] = dist.Rand()
	}
	return out
}

// sampleLogNormal translates (point, CV) to log-space parameters. The point
// is clamped to a small positive value so the log is defined.
func sampleLogNormal(p sampleParams, n int, src rand.Source) []float64 {
	point := math.Max(p.mean, 0.01)
	cv := p.stdDev / point
	sigmaLog := math.Sqrt(math.Log(1 + cv*cv))
	muLog := math.Log(point) - sigmaLog*sigmaLog/2

	dist := distuv.LogNormal{Mu: muLog, Sigma: sigmaLog, Src: src}
	out := make([]float64, n)
	for i := range out {
		out[i] = dist.Rand()
	}
	return out
}

func sampleTruncatedNormal(p sampleParams, n int, src rand.Source) []float64 {
	lower := p.mean - 3*p.stdDev
	upper := p.mean + 3*p.stdDev
	if p.lowerBound != nil {
		lower = *p.lowerBound
	}
	if p.upperBound != nil {
		upper = *p.upperBound
	}

	dist := distuv.Normal{Mu: p.mean, Sigma: p.stdDev, Src: src}
	out := make([]float64, n)
	for i := range out {
		// Rejection sampling; the +/- 3 sigma default accepts ~99.7% of
		// draws so this terminates quickly.
		v := dist.Rand()
		for v < lower || v > upper {
			v = dist.Rand()
		}
		out[i] = v
	}
	return out
}

// sampleSkewedNormal draws from an Azzalini skew-normal located at the mean
// with the configured shape parameter. Zero skewness reduces to normal.
func sampleSkewedNormal(p sampleParams, n int, src rand.Source) []float64 {
	alpha := p.skewness
	delta := alpha / math.Sqrt(1+alpha*alpha)

	std := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	out := make([]float64, n)
	for i := range out {
		u0 := std.Rand()
		u1 := std.Rand()
		z := delta*math.Abs(u0) + math.Sqrt(1-delta*delta)*u1
		out[i] = p.mean + p.stdDev*z
	}
	return out
}

// applyConstraints clamps samples to the configured bounds in place. For
// ancillary products the lower bound is zero.
func applyConstraints(samples []float64, lower, upper *float64) {
	for i, s := range samples {
		if lower != nil && s < *lower {
			samples[i] = *lower
		}
		if upper != nil && s > *upper {
			samples[i] = *upper
		}
	}
}
