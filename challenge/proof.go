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

package challenge

import (
	"fmt"

	"github.com/verinet/attest/merkle"
)

// ProofRequest asks one compute unit to prove a set of sampled targets; at
// least one of rows/coordinates is always non-empty when issued
type ProofRequest struct {
	UUID        string      `json:"uuid"`
	Rows        []uint64    `json:"rows"`
	Coordinates [][2]uint64 `json:"coordinates,omitempty"`
}

// ProofResponse carries one compute unit's proof material: the literal hash
// and inclusion proof for every requested row, and the raw value for every
// requested coordinate
type ProofResponse struct {
	UUID             string          `json:"uuid"`
	RowHashes        []string        `json:"row_hashes"`
	MerkleProofs     []*merkle.Proof `json:"merkle_proofs"`
	CoordinateValues []float64       `json:"coordinate_values,omitempty"`
}

// ProofSubmission is the complete phase-2 payload for a challenge
type ProofSubmission struct {
	ChallengeID string           `json:"challenge_id"`
	WorkerID    string           `json:"worker_id"`
	Proofs      []*ProofResponse `json:"proofs"`
}

// validateProofStructure enforces the exact-set correspondence and the
// per-unit structural rules before any cryptographic verification runs
func validateProofStructure(c *Challenge, submission *ProofSubmission) error {
	if len(submission.Proofs) == 0 {
		return fmt.Errorf("proof submission carried no proofs")
	}

	submitted := make(map[string]*ProofResponse, len(submission.Proofs))
	for _, proof := range submission.Proofs {
		if _, exists := submitted[proof.UUID]; exists {
			return fmt.Errorf("duplicate proof for unit %s", proof.UUID)
		}
		submitted[proof.UUID] = proof
	}

	// both missing and unexpected unit ids are rejected outright
	for unitID := range c.MerkleCommitments {
		if _, exists := submitted[unitID]; !exists {
			return fmt.Errorf("proof submission missing unit %s", unitID)
		}
	}
	for unitID := range submitted {
		if _, exists := c.MerkleCommitments[unitID]; !exists {
			return fmt.Errorf("proof submission carries unexpected unit %s", unitID)
		}
	}

	gpu := c.IsGPU()
	if !gpu && len(submission.Proofs) != 1 {
		return fmt.Errorf("cpu challenge expects exactly one proof; got %d", len(submission.Proofs))
	}

	for _, proof := range submission.Proofs {
		if gpu && proof.UUID == CPUUnitID {
			return fmt.Errorf("gpu proof submission carries cpu sentinel unit")
		}
		if !gpu && proof.UUID != CPUUnitID {
			return fmt.Errorf("cpu proof submission carries non-sentinel unit %s", proof.UUID)
		}
		if len(proof.RowHashes) == 0 || len(proof.MerkleProofs) == 0 {
			return fmt.Errorf("proof for unit %s is missing row hashes or merkle proofs", proof.UUID)
		}
		if len(proof.RowHashes) != len(proof.MerkleProofs) {
			return fmt.Errorf("proof for unit %s has mismatched row hash and merkle proof counts", proof.UUID)
		}
		if gpu && len(proof.CoordinateValues) == 0 {
			return fmt.Errorf("proof for unit %s is missing coordinate values", proof.UUID)
		}
	}

	return nil
}

// processProofs runs phase 2 intake: structural validation, the transition
// to verifying, and the hand-off to the asynchronous verifier via the proof
// cache. The wire handler never blocks on cryptographic verification.
func (p *Pipeline) processProofs(c *Challenge, submission *ProofSubmission) error {
	if c.Status == nil || *c.Status != StatusCommitted {
		return fmt.Errorf("challenge %s is not awaiting proofs", c.ID)
	}

	if c.WorkerID == nil || submission.WorkerID != *c.WorkerID {
		reason := fmt.Sprintf("responding worker %s does not match challenge assignment", submission.WorkerID)
		if err := c.Fail(p.repo, reason); err != nil {
			return err
		}
		return fmt.Errorf("%s", reason)
	}

	if err := validateProofStructure(c, submission); err != nil {
		if failErr := c.Fail(p.repo, err.Error()); failErr != nil {
			return failErr
		}
		return err
	}

	if err := c.updateStatus(p.repo, StatusVerifying, nil); err != nil {
		return err
	}

	p.cache.Put(*c.PeerIdentity, *c.WorkerID, c.ID, submission)
	p.publishVerificationJob(c)

	return nil
}
