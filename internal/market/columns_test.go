package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleColumns(t *testing.T) {
	cols := SampleColumns(100)
	require.Len(t, cols, 100)
	assert.Equal(t, "sample_001", cols[0])
	assert.Equal(t, "sample_042", cols[41])
	assert.Equal(t, "sample_100", cols[99])
}

func TestArtifactColumns(t *testing.T) {
	cols := ArtifactColumns(100)
	require.Len(t, cols, 5+100+3)
	assert.Equal(t, "timestamp", cols[0])
	assert.Equal(t, "is_fallback", cols[4])
	assert.Equal(t, "sample_001", cols[5])
	assert.Equal(t, "sample_100", cols[104])
	assert.Equal(t, "schema_version", cols[len(cols)-1])
}

func TestValidationResultMerge(t *testing.T) {
	a := NewValidationResult()
	a.AddWarning(CategoryConsistency, "RTLMP volatility below DALMP")

	b := NewValidationResult()
	b.AddError(CategoryPlausibility, "sample out of bounds")

	a.Merge(b)
	assert.False(t, a.IsValid)
	assert.Equal(t, 1, a.ErrorCount())
	assert.Len(t, a.Warnings[CategoryConsistency], 1)

	// Merging a passing result does not flip validity back.
	a.Merge(NewValidationResult())
	assert.False(t, a.IsValid)
}
