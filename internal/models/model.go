// Package models provides the model registry: trained linear models keyed
// by (product, hour), loaded from disk at startup and immutable at runtime.
package models

import (
	"fmt"
	"math"
	"time"
)

// LinearModel is an opaque coefficients-plus-intercept artifact. Training
// happens offline; the runtime only evaluates.
type LinearModel struct {
	Coefficients []float64 `msgpack:"coefficients" json:"coefficients"`
	Intercept    float64   `msgpack:"intercept" json:"intercept"`
}

// Predict computes y = x . w + b. The feature vector length must match the
// coefficient count and the result must be finite.
func (m *LinearModel) Predict(x []float64) (float64, error) {
	if len(x) != len(m.Coefficients) {
		return 0, fmt.Errorf("feature vector has %d values, model expects %d", len(x), len(m.Coefficients))
	}
	y := m.Intercept
	for i, w := range m.Coefficients {
		y += w * x[i]
	}
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return 0, fmt.Errorf("prediction is non-finite")
	}
	return y, nil
}

// Metrics is the offline validation metrics bag attached to a model.
type Metrics struct {
	RMSE      float64   `msgpack:"rmse" json:"rmse"`
	R2        float64   `msgpack:"r2" json:"r2"`
	MAE       float64   `msgpack:"mae" json:"mae"`
	CreatedAt time.Time `msgpack:"created_at" json:"created_at"`
}
