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
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/verinet/attest/common"
	"github.com/verinet/attest/crypto"
)

// CommitmentSubmission is the wire form of a single compute-unit commitment
type CommitmentSubmission struct {
	UUID       string `json:"uuid"`
	MerkleRoot string `json:"merkle_root"`
	SigVersion string `json:"sig_ver"`
	SigValue   string `json:"sig_val,omitempty"`
}

// CommitSubmission is the complete phase-1 payload for a challenge
type CommitSubmission struct {
	ChallengeID string                  `json:"challenge_id"`
	WorkerID    string                  `json:"worker_id"`
	Commitments []*CommitmentSubmission `json:"commitments"`
}

// Commitment is a parsed, type-checked compute-unit commitment; the cpu and
// gpu variants enforce their own invariants at construction so sentinel and
// signature rules are not re-checked across the validation code
type Commitment interface {
	UnitID() string
	Root() string
}

// CPUCommitment is the single cpu result stream commitment; its unit id is
// always the sentinel and it carries no signature
type CPUCommitment struct {
	MerkleRoot string
}

// UnitID returns the cpu sentinel id
func (c *CPUCommitment) UnitID() string { return CPUUnitID }

// Root returns the committed merkle root
func (c *CPUCommitment) Root() string { return c.MerkleRoot }

// GPUCommitment is a per-device commitment carrying the mandatory device
// attestation signature
type GPUCommitment struct {
	DeviceID   string
	MerkleRoot string
	SigVersion string
	Signature  []byte
}

// UnitID returns the device uuid
func (c *GPUCommitment) UnitID() string { return c.DeviceID }

// Root returns the committed merkle root
func (c *GPUCommitment) Root() string { return c.MerkleRoot }

// parseCommitment type-checks one wire commitment against the challenge
// type. A cpu sentinel arriving under a gpu-typed challenge is rejected
// here, before any inventory or signature work.
func parseCommitment(submission *CommitmentSubmission, gpu bool) (Commitment, error) {
	if submission == nil {
		return nil, fmt.Errorf("nil commitment")
	}

	if _, err := hex.DecodeString(submission.MerkleRoot); err != nil || submission.MerkleRoot == "" {
		return nil, fmt.Errorf("commitment for unit %s has malformed merkle root", submission.UUID)
	}

	if submission.UUID == CPUUnitID {
		if gpu {
			return nil, fmt.Errorf("cpu sentinel commitment submitted under gpu challenge")
		}
		return &CPUCommitment{MerkleRoot: submission.MerkleRoot}, nil
	}

	if !gpu {
		return nil, fmt.Errorf("device commitment %s submitted under cpu challenge", submission.UUID)
	}

	signature, err := crypto.DecodeAttestationSignature(submission.SigValue)
	if err != nil {
		return nil, fmt.Errorf("gpu commitment %s has missing or malformed signature; %s", submission.UUID, err.Error())
	}

	return &GPUCommitment{
		DeviceID:   submission.UUID,
		MerkleRoot: submission.MerkleRoot,
		SigVersion: submission.SigVersion,
		Signature:  signature,
	}, nil
}

// processCommitments applies the ordered phase-1 validation and, on
// success, stores the accepted merkle roots and advances the challenge to
// committed. The returned error carries the failure reason recorded on the
// challenge.
func (p *Pipeline) processCommitments(c *Challenge, submission *CommitSubmission) error {
	if c.Status == nil || *c.Status != StatusSent {
		return fmt.Errorf("challenge %s is not awaiting commitments", c.ID)
	}

	fail := func(reason string) error {
		if err := c.Fail(p.repo, reason); err != nil {
			common.Log.Warningf("failed to fail challenge %s; %s", c.ID, err.Error())
		}
		return errors.New(reason)
	}

	if len(submission.Commitments) == 0 {
		return fail("commitment submission carried no commitments")
	}

	gpu := c.IsGPU()

	parsed := make([]Commitment, 0, len(submission.Commitments))
	for _, wire := range submission.Commitments {
		commitment, err := parseCommitment(wire, gpu)
		if err != nil {
			return fail(err.Error())
		}
		parsed = append(parsed, commitment)
	}

	var knownDevices map[string]struct{}
	if gpu {
		deviceIDs, err := p.inventory.Devices(*c.PeerIdentity, *c.WorkerID)
		if err != nil {
			return fail(fmt.Sprintf("failed to resolve hardware inventory for worker %s; %s", *c.WorkerID, err.Error()))
		}
		knownDevices = make(map[string]struct{}, len(deviceIDs))
		for _, id := range deviceIDs {
			knownDevices[id] = struct{}{}
		}
	}

	accepted := make([]Commitment, 0, len(parsed))
	for _, commitment := range parsed {
		gpuCommitment, isGPU := commitment.(*GPUCommitment)
		if !isGPU {
			accepted = append(accepted, commitment)
			continue
		}

		if _, known := knownDevices[gpuCommitment.DeviceID]; !known {
			common.Log.Warningf("rejected commitment for unknown device %s on challenge %s", gpuCommitment.DeviceID, c.ID)
			continue
		}

		key, err := p.attestationKeys.VerifyingKey(gpuCommitment.DeviceID)
		if err != nil {
			common.Log.Warningf("rejected commitment for device %s on challenge %s; no verifying key; %s", gpuCommitment.DeviceID, c.ID, err.Error())
			continue
		}

		message := crypto.AttestationMessage(gpuCommitment.SigVersion, c.Seed, gpuCommitment.DeviceID, gpuCommitment.MerkleRoot)
		if !crypto.VerifyAttestation(key, message, gpuCommitment.Signature) {
			common.Log.Warningf("rejected commitment for device %s on challenge %s; invalid attestation signature", gpuCommitment.DeviceID, c.ID)
			continue
		}

		accepted = append(accepted, commitment)
	}

	if len(accepted) == 0 {
		return fail("no commitment survived validation")
	}

	if c.WorkerID == nil || submission.WorkerID != *c.WorkerID {
		return fail(fmt.Sprintf("responding worker %s does not match challenge assignment", submission.WorkerID))
	}

	c.MerkleCommitments = make(map[string]string, len(accepted))
	for _, commitment := range accepted {
		c.MerkleCommitments[commitment.UnitID()] = commitment.Root()
	}

	return c.updateStatus(p.repo, StatusCommitted, nil)
}
