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

package worker

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/verinet/attest/challenge"
	"github.com/verinet/attest/compute"
	"github.com/verinet/attest/crypto"
	"github.com/verinet/attest/merkle"
)

// DefaultSigVersion identifies the attestation signature scheme in use
const DefaultSigVersion = "ecdsa-p256-v1"

// Device is a gpu compute unit with its attestation signing key
type Device struct {
	ID         string
	SigningKey *ecdsa.PrivateKey
}

// pendingResult retains a computed challenge result between the commitment
// and proof phases; one slot per validator, mirroring the validator side
type pendingResult struct {
	challengeID string
	gpu         bool
	rows        [][]float64
	rowHashes   []string
	tree        *merkle.Tree
	unitIDs     []string
}

// Worker is the reference prover side of the challenge protocol: it
// computes the deterministic matrix result, commits to it per compute
// unit, and answers proof requests from its retained result. The retained
// result is discarded once its proofs are served.
type Worker struct {
	id         string
	devices    []*Device
	sigVersion string

	mutex   sync.Mutex
	pending map[string]*pendingResult
}

// New constructs a worker with the given gpu devices; a worker without
// devices can still answer cpu challenges
func New(id string, devices []*Device) *Worker {
	return &Worker{
		id:         id,
		devices:    devices,
		sigVersion: DefaultSigVersion,
		pending:    map[string]*pendingResult{},
	}
}

// ID returns the worker id
func (w *Worker) ID() string {
	return w.id
}

// DeviceIDs returns the ids of the worker's gpu devices; this is the
// hardware inventory the worker reports to validators
func (w *Worker) DeviceIDs() []string {
	ids := make([]string, 0, len(w.devices))
	for _, device := range w.devices {
		ids = append(ids, device.ID)
	}
	return ids
}

// Commit computes the challenge result, builds the merkle commitment for
// every compute unit and returns the phase-1 submission. The computed
// result is retained until the validator's proof request arrives; a new
// challenge from the same validator replaces any prior retained result.
func (w *Worker) Commit(validatorIdentity, challengeID, challengeType string, params *compute.Params) (*challenge.CommitSubmission, error) {
	gpu := challengeType == challenge.TypeGPUMatrix
	if gpu && len(w.devices) == 0 {
		return nil, fmt.Errorf("worker %s has no gpu devices to answer a gpu challenge", w.id)
	}

	rows, err := compute.Result(params)
	if err != nil {
		return nil, err
	}

	rowHashes := make([]string, len(rows))
	for i, row := range rows {
		rowHashes[i] = compute.RowHash(row)
	}

	tree, err := merkle.NewTree(rowHashes)
	if err != nil {
		return nil, err
	}
	root := tree.Root()

	var commitments []*challenge.CommitmentSubmission
	var unitIDs []string
	if gpu {
		for _, device := range w.devices {
			message := crypto.AttestationMessage(w.sigVersion, params.Seed, device.ID, root)
			signature, err := crypto.SignAttestation(device.SigningKey, message)
			if err != nil {
				return nil, fmt.Errorf("failed to sign commitment for device %s; %s", device.ID, err.Error())
			}
			commitments = append(commitments, &challenge.CommitmentSubmission{
				UUID:       device.ID,
				MerkleRoot: root,
				SigVersion: w.sigVersion,
				SigValue:   hex.EncodeToString(signature),
			})
			unitIDs = append(unitIDs, device.ID)
		}
	} else {
		commitments = append(commitments, &challenge.CommitmentSubmission{
			UUID:       challenge.CPUUnitID,
			MerkleRoot: root,
			SigVersion: w.sigVersion,
		})
		unitIDs = append(unitIDs, challenge.CPUUnitID)
	}

	w.mutex.Lock()
	w.pending[validatorIdentity] = &pendingResult{
		challengeID: challengeID,
		gpu:         gpu,
		rows:        rows,
		rowHashes:   rowHashes,
		tree:        tree,
		unitIDs:     unitIDs,
	}
	w.mutex.Unlock()

	return &challenge.CommitSubmission{
		ChallengeID: challengeID,
		WorkerID:    w.id,
		Commitments: commitments,
	}, nil
}

// Prove answers the validator's proof requests from the retained result and
// discards it; a second request for the same challenge cannot be served
func (w *Worker) Prove(validatorIdentity, challengeID string, requests []*challenge.ProofRequest) (*challenge.ProofSubmission, error) {
	w.mutex.Lock()
	result, exists := w.pending[validatorIdentity]
	if exists && result.challengeID == challengeID {
		delete(w.pending, validatorIdentity)
	}
	w.mutex.Unlock()

	if !exists || result.challengeID != challengeID {
		return nil, fmt.Errorf("no retained result for challenge %s", challengeID)
	}

	proofs := make([]*challenge.ProofResponse, 0, len(requests))
	for _, request := range requests {
		proof, err := result.prove(request)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, proof)
	}

	return &challenge.ProofSubmission{
		ChallengeID: challengeID,
		WorkerID:    w.id,
		Proofs:      proofs,
	}, nil
}

func (r *pendingResult) prove(request *challenge.ProofRequest) (*challenge.ProofResponse, error) {
	response := &challenge.ProofResponse{UUID: request.UUID}

	for _, row := range request.Rows {
		if row >= uint64(len(r.rowHashes)) {
			return nil, fmt.Errorf("requested row %d exceeds result dimension %d", row, len(r.rowHashes))
		}
		inclusion, err := r.tree.Proof(int(row))
		if err != nil {
			return nil, err
		}
		response.RowHashes = append(response.RowHashes, r.rowHashes[row])
		response.MerkleProofs = append(response.MerkleProofs, inclusion)
	}

	for _, coord := range request.Coordinates {
		if coord[0] >= uint64(len(r.rows)) || coord[1] >= uint64(len(r.rows)) {
			return nil, fmt.Errorf("requested coordinate (%d, %d) exceeds result dimension %d", coord[0], coord[1], len(r.rows))
		}
		response.CoordinateValues = append(response.CoordinateValues, r.rows[coord[0]][coord[1]])
	}

	return response, nil
}
