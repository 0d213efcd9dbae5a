package market

import "fmt"

// Fixed columns of a forecast artifact, in on-disk order. Sample columns
// follow immediately after.
const (
	ColTimestamp              = "timestamp"
	ColProduct                = "product"
	ColPointForecast          = "point_forecast"
	ColGenerationTimestamp    = "generation_timestamp"
	ColIsFallback             = "is_fallback"
	ColEnsembleGenTimestamp   = "ensemble_generation_timestamp"
	ColEnsembleIsFallback     = "ensemble_is_fallback"
	ColSchemaVersion          = "schema_version"
)

// SchemaVersion is the current artifact schema version string.
const SchemaVersion = "1.0"

// SampleColumn returns the zero-padded name of the i-th sample column
// (1-based), e.g. SampleColumn(1) == "sample_001".
func SampleColumn(i int) string {
	return fmt.Sprintf("sample_%03d", i)
}

// SampleColumns returns the full ordered list of sample column names for
// n samples.
func SampleColumns(n int) []string {
	cols := make([]string, n)
	for i := 0; i < n; i++ {
		cols[i] = SampleColumn(i + 1)
	}
	return cols
}

// ArtifactColumns returns the complete ordered column list for a forecast
// artifact with n sample columns.
func ArtifactColumns(n int) []string {
	fixed := []string{
		ColTimestamp,
		ColProduct,
		ColPointForecast,
		ColGenerationTimestamp,
		ColIsFallback,
	}
	cols := append(fixed, SampleColumns(n)...)
	return append(cols,
		ColEnsembleGenTimestamp,
		ColEnsembleIsFallback,
		ColSchemaVersion,
	)
}
