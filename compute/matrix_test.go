// +build unit

package compute

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamsValidate(t *testing.T) {
	assert.Error(t, (&Params{MatrixSize: 0, Iterations: 1}).Validate())
	assert.Error(t, (&Params{MatrixSize: 4, Iterations: 0}).Validate())
	assert.NoError(t, (&Params{MatrixSize: 4, Seed: 42, Iterations: 1}).Validate())
}

func TestGenerateMatrixIsDeterministic(t *testing.T) {
	a := GenerateMatrix(42, 8)
	b := GenerateMatrix(42, 8)
	assert.Equal(t, a, b)

	c := GenerateMatrix(43, 8)
	assert.NotEqual(t, a, c)
}

func TestGenerateMatrixValuesInUnitInterval(t *testing.T) {
	matrix := GenerateMatrix(1337, 16)
	require.Len(t, matrix, 16)
	for _, row := range matrix {
		require.Len(t, row, 16)
		for _, val := range row {
			assert.GreaterOrEqual(t, val, 0.0)
			assert.Less(t, val, 1.0)
		}
	}
}

func TestRecomputeRowMatchesFullResult(t *testing.T) {
	params := &Params{MatrixSize: 12, Seed: 7, Iterations: 3}

	result, err := Result(params)
	require.NoError(t, err)
	require.Len(t, result, 12)

	for row := uint64(0); row < params.MatrixSize; row++ {
		vector, err := RecomputeRow(params, row)
		require.NoError(t, err)
		assert.Equal(t, result[row], vector, "row %d", row)
	}
}

func TestRecomputeRowOutOfBounds(t *testing.T) {
	params := &Params{MatrixSize: 4, Seed: 1, Iterations: 1}
	_, err := RecomputeRow(params, 4)
	assert.Error(t, err)
}

func TestRowHashIsStableAndSensitive(t *testing.T) {
	row := []float64{0.25, 0.5, 0.75}
	assert.Equal(t, RowHash(row), RowHash([]float64{0.25, 0.5, 0.75}))

	tampered := []float64{0.25, 0.5, 0.7500000001}
	assert.NotEqual(t, RowHash(row), RowHash(tampered))

	// +0 and -0 encode differently and must not collide silently
	assert.NotEqual(t, RowHash([]float64{0.0}), RowHash([]float64{math.Copysign(0, -1)}))
}

func TestRowHashesMatchAcrossResultAndRecompute(t *testing.T) {
	params := &Params{MatrixSize: 6, Seed: 99, Iterations: 2}

	result, err := Result(params)
	require.NoError(t, err)

	vector, err := RecomputeRow(params, 3)
	require.NoError(t, err)

	assert.Equal(t, RowHash(result[3]), RowHash(vector))
}

func TestWithinTolerance(t *testing.T) {
	assert.True(t, WithinTolerance(1.0, 1.0, 0, 0))
	assert.True(t, WithinTolerance(1.0, 1.0+1e-6, 1e-5, 0))
	assert.False(t, WithinTolerance(1.0, 1.0+1e-4, 1e-5, 1e-5))

	// relative tolerance admits proportionally larger drift
	assert.True(t, WithinTolerance(1000.0, 1000.05, 1e-5, 1e-4))
	assert.False(t, WithinTolerance(1000.0, 1001.0, 1e-5, 1e-4))

	assert.False(t, WithinTolerance(1.0, math.NaN(), 1e-5, 1e-4))
	assert.False(t, WithinTolerance(1.0, math.Inf(1), 1e-5, 1e-4))
	assert.False(t, WithinTolerance(1.0, math.Inf(-1), 1e-5, 1e-4))
}
