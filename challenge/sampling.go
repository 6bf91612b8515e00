package challenge

import (
	"fmt"

	"github.com/verinet/attest/common"
)

// coordinateAttemptFactor bounds collision-avoidance retries when sampling
// distinct coordinates
const coordinateAttemptFactor = 10

// SamplerConfig controls how verification targets are drawn
type SamplerConfig struct {
	RowCount        int
	RowVariance     int
	CoordinateCount int
}

// DefaultSamplerConfig returns the environment-configured sampler
func DefaultSamplerConfig() *SamplerConfig {
	return &SamplerConfig{
		RowCount:        common.DefaultVerificationRowCount,
		RowVariance:     common.DefaultVerificationRowVariance,
		CoordinateCount: common.DefaultVerificationCoordinateCount,
	}
}

// sampleTargets draws the verification target set for a challenge using a
// cryptographically secure generator: a random subset of full row indices
// (base count +/- variance) and, for gpu challenges, an additional random
// subset of (row, col) coordinate pairs. The one sampled set is shared by
// every surviving compute unit.
func (cfg *SamplerConfig) sampleTargets(matrixSize uint64, gpu bool) (*VerificationTargets, error) {
	targets := &VerificationTargets{
		Rows:        make([]uint64, 0),
		Coordinates: make([][2]uint64, 0),
	}

	rowCount := cfg.RowCount
	if cfg.RowVariance > 0 {
		jitter, err := common.RandomInt(2*cfg.RowVariance + 1)
		if err != nil {
			return nil, err
		}
		rowCount += jitter - cfg.RowVariance
	}
	if rowCount < 0 {
		rowCount = 0
	}
	if uint64(rowCount) > matrixSize {
		rowCount = int(matrixSize)
	}

	seen := make(map[uint64]struct{}, rowCount)
	attempts := 0
	maxAttempts := rowCount * coordinateAttemptFactor
	for len(targets.Rows) < rowCount && attempts < maxAttempts {
		attempts++
		row, err := common.RandomInt(int(matrixSize))
		if err != nil {
			return nil, err
		}
		if _, exists := seen[uint64(row)]; exists {
			continue
		}
		seen[uint64(row)] = struct{}{}
		targets.Rows = append(targets.Rows, uint64(row))
	}

	if gpu && cfg.CoordinateCount > 0 {
		seenCoords := make(map[[2]uint64]struct{}, cfg.CoordinateCount)
		attempts = 0
		maxAttempts = cfg.CoordinateCount * coordinateAttemptFactor
		for len(targets.Coordinates) < cfg.CoordinateCount && attempts < maxAttempts {
			attempts++
			row, err := common.RandomInt(int(matrixSize))
			if err != nil {
				return nil, err
			}
			col, err := common.RandomInt(int(matrixSize))
			if err != nil {
				return nil, err
			}
			coord := [2]uint64{uint64(row), uint64(col)}
			if _, exists := seenCoords[coord]; exists {
				continue
			}
			seenCoords[coord] = struct{}{}
			targets.Coordinates = append(targets.Coordinates, coord)
		}
	}

	return targets, nil
}

// proofRequestsFor builds one proof request per surviving commitment, all
// carrying the identical target set
func proofRequestsFor(c *Challenge) ([]*ProofRequest, error) {
	if c.VerificationTargets == nil {
		return nil, fmt.Errorf("challenge %s has no verification targets", c.ID)
	}

	requests := make([]*ProofRequest, 0, len(c.MerkleCommitments))
	for unitID := range c.MerkleCommitments {
		request := &ProofRequest{
			UUID: unitID,
			Rows: c.VerificationTargets.Rows,
		}
		if unitID != CPUUnitID {
			request.Coordinates = c.VerificationTargets.Coordinates
		}
		requests = append(requests, request)
	}

	return requests, nil
}
