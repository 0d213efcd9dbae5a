package forecast

import (
	"errors"
	"fmt"

	"github.com/aristath/powercast/internal/market"
)

// StageError carries the (product, hour, stage) context of a failure inside
// the single-hour forecast sequence.
type StageError struct {
	Product market.Product
	Hour    int
	Stage   string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed for %s hour %d: %v", e.Stage, e.Product, e.Hour, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Sentinel errors for the forecast stages. Wrap with stageErr to attach
// product and hour context.
var (
	ErrModelSelection     = errors.New("model selection failed")
	ErrInvalidFeature     = errors.New("invalid feature data")
	ErrModelExecution     = errors.New("model execution failed")
	ErrUncertainty        = errors.New("uncertainty derivation failed")
	ErrSampleGeneration   = errors.New("sample generation failed")
	ErrForecastGeneration = errors.New("forecast generation failed")
)

func stageErr(product market.Product, hour int, stage string, sentinel, cause error) error {
	return &StageError{
		Product: product,
		Hour:    hour,
		Stage:   stage,
		Err:     fmt.Errorf("%w: %w", sentinel, cause),
	}
}
