/*
 * Copyright 2024-2026 Verinet Labs, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package compute

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

// Params describes one deterministic matrix multiplication task: a seeded
// square matrix of the given size, multiplied by itself the given number of
// times
type Params struct {
	MatrixSize uint64 `json:"matrix_size"`
	Seed       uint64 `json:"seed"`
	Iterations uint64 `json:"iterations"`
}

// Validate checks the params for sanity
func (p *Params) Validate() error {
	if p.MatrixSize == 0 {
		return fmt.Errorf("invalid matrix size: %d", p.MatrixSize)
	}
	if p.Iterations == 0 {
		return fmt.Errorf("invalid iteration count: %d", p.Iterations)
	}
	return nil
}

// GenerateMatrix expands the seed into the size x size input matrix using a
// SHA-256 counter keystream; every implementation of the task must produce
// this exact matrix for verification to be meaningful
func GenerateMatrix(seed uint64, size uint64) [][]float64 {
	matrix := make([][]float64, size)
	for i := range matrix {
		matrix[i] = make([]float64, size)
	}

	var block [16]byte
	binary.BigEndian.PutUint64(block[:8], seed)

	total := size * size
	var counter uint64
	var idx uint64
	for idx < total {
		binary.BigEndian.PutUint64(block[8:], counter)
		digest := sha256.Sum256(block[:])
		counter++

		for off := 0; off < sha256.Size && idx < total; off += 8 {
			bits := binary.BigEndian.Uint64(digest[off : off+8])
			matrix[idx/size][idx%size] = float64(bits>>11) / float64(1<<53) // uniform in [0, 1)
			idx++
		}
	}

	return matrix
}

// Result computes the full task result: the seeded matrix multiplied by
// itself Iterations times. Reference implementation; real workers run this
// on their own kernels and the verifier only ever recomputes sampled rows.
func Result(params *Params) ([][]float64, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	base := GenerateMatrix(params.Seed, params.MatrixSize)
	result := base
	for iter := uint64(0); iter < params.Iterations; iter++ {
		result = multiply(result, base)
	}

	return result, nil
}

// RecomputeRow independently recomputes a single result row from the seed;
// cost is iterations * size^2 rather than a full matrix product
func RecomputeRow(params *Params, row uint64) ([]float64, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if row >= params.MatrixSize {
		return nil, fmt.Errorf("row index %d out of bounds for matrix size %d", row, params.MatrixSize)
	}

	base := GenerateMatrix(params.Seed, params.MatrixSize)
	vector := make([]float64, params.MatrixSize)
	copy(vector, base[row])

	for iter := uint64(0); iter < params.Iterations; iter++ {
		vector = multiplyVector(vector, base)
	}

	return vector, nil
}

func multiply(a, b [][]float64) [][]float64 {
	n := len(a)
	out := make([][]float64, n)
	for i := range out {
		out[i] = multiplyVector(a[i], b)
	}
	return out
}

func multiplyVector(vector []float64, matrix [][]float64) []float64 {
	n := len(vector)
	out := make([]float64, n)
	for j := 0; j < n; j++ {
		sum := 0.0
		for k := 0; k < n; k++ {
			product := vector[k] * matrix[k][j]
			sum += product
		}
		out[j] = sum
	}
	return out
}

// RowHash returns the SHA-256 hash of the row's little-endian IEEE-754
// encoding; commitments and proofs are built over these hashes
func RowHash(row []float64) string {
	digest := sha256.New()
	var buf [8]byte
	for _, val := range row {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(val))
		digest.Write(buf[:])
	}
	return hex.EncodeToString(digest.Sum(nil))
}

// WithinTolerance compares a submitted value against the recomputed
// expectation under the configured absolute and relative tolerances
func WithinTolerance(expected, actual, absTolerance, relTolerance float64) bool {
	if math.IsNaN(actual) || math.IsInf(actual, 0) {
		return false
	}

	diff := math.Abs(expected - actual)
	if diff <= absTolerance {
		return true
	}
	return diff <= relTolerance*math.Abs(expected)
}
