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
	"encoding/json"
	"fmt"
	"time"

	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/api"

	"github.com/verinet/attest/common"
	"github.com/verinet/attest/compute"
)

// Challenge types
const (
	TypeCPUMatrix = "cpu_matrix"
	TypeGPUMatrix = "gpu_matrix"
)

// CPUUnitID is the sentinel compute-unit id for the single cpu result stream
const CPUUnitID = "-1"

// Challenge statuses; the state machine is
// created -> sent -> committed -> verifying -> {verified | failed}.
// sent is the only status that can time out (worker non-response) into
// failed, committed may short-circuit directly to verified when sampling
// yields zero targets, and verified/failed are terminal.
const (
	StatusCreated   = "created"
	StatusSent      = "sent"
	StatusCommitted = "committed"
	StatusVerifying = "verifying"
	StatusVerified  = "verified"
	StatusFailed    = "failed"
)

var validTransitions = map[string][]string{
	StatusCreated:   {StatusSent},
	StatusSent:      {StatusCommitted, StatusFailed},
	StatusCommitted: {StatusVerifying, StatusVerified, StatusFailed},
	StatusVerifying: {StatusVerified, StatusFailed},
}

// VerificationTargets is the sampled row/coordinate set a worker must prove;
// the same set is reused across all surviving compute units of a challenge
// so device sampling stays comparable
type VerificationTargets struct {
	Rows        []uint64    `json:"rows"`
	Coordinates [][2]uint64 `json:"coordinates"`
}

// Total returns the combined number of sampled targets
func (t *VerificationTargets) Total() int {
	if t == nil {
		return 0
	}
	return len(t.Rows) + len(t.Coordinates)
}

// Challenge model; mutated only through the status state machine and never
// after reaching a terminal status
type Challenge struct {
	provide.Model

	PeerIdentity  *string `json:"peer_identity"`
	WorkerID      *string `json:"worker_id"`
	ChallengeType *string `json:"challenge_type"`

	MatrixSize uint64 `json:"matrix_size"`
	Seed       uint64 `json:"seed"`
	Iterations uint64 `json:"iterations"`

	Status *string `sql:"not null;default:'created'" json:"status"`
	Reason *string `json:"reason,omitempty"`

	MerkleCommitments   map[string]string    `sql:"-" json:"merkle_commitments,omitempty"`
	VerificationTargets *VerificationTargets `sql:"-" json:"verification_targets,omitempty"`

	CommitmentsRaw []byte `gorm:"column:merkle_commitments" json:"-"`
	TargetsRaw     []byte `gorm:"column:verification_targets" json:"-"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	ComputedAt  *time.Time `json:"computed_at,omitempty"`
	VerifyingAt *time.Time `json:"verifying_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// TableName returns the gorm table name for challenges
func (c *Challenge) TableName() string {
	return "challenges"
}

// New constructs a challenge in the created status for the given worker
func New(peerIdentity, workerID, challengeType string, params *compute.Params) (*Challenge, error) {
	if challengeType != TypeCPUMatrix && challengeType != TypeGPUMatrix {
		return nil, fmt.Errorf("invalid challenge type: %s", challengeType)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	challenge := &Challenge{
		PeerIdentity:  common.StringOrNil(peerIdentity),
		WorkerID:      common.StringOrNil(workerID),
		ChallengeType: common.StringOrNil(challengeType),
		MatrixSize:    params.MatrixSize,
		Seed:          params.Seed,
		Iterations:    params.Iterations,
		Status:        common.StringOrNil(StatusCreated),
	}
	challenge.ID = id

	return challenge, nil
}

// Params returns the challenge's compute task parameters
func (c *Challenge) Params() *compute.Params {
	return &compute.Params{
		MatrixSize: c.MatrixSize,
		Seed:       c.Seed,
		Iterations: c.Iterations,
	}
}

// IsGPU returns true for gpu-typed challenges
func (c *Challenge) IsGPU() bool {
	return c.ChallengeType != nil && *c.ChallengeType == TypeGPUMatrix
}

// Terminal returns true once the challenge has reached verified or failed
func (c *Challenge) Terminal() bool {
	return c.Status != nil && (*c.Status == StatusVerified || *c.Status == StatusFailed)
}

// CanTransition reports whether the state machine permits moving to the
// given status
func (c *Challenge) CanTransition(status string) bool {
	if c.Status == nil {
		return false
	}
	for _, next := range validTransitions[*c.Status] {
		if next == status {
			return true
		}
	}
	return false
}

// updateStatus advances the state machine and persists the record; invalid
// transitions are rejected, never coerced. Terminal transitions dispatch a
// notification so the host system can checkpoint the outcome.
func (c *Challenge) updateStatus(repo Repository, status string, reason *string) error {
	if !c.CanTransition(status) {
		current := "nil"
		if c.Status != nil {
			current = *c.Status
		}
		return fmt.Errorf("invalid challenge status transition: %s -> %s", current, status)
	}

	c.Status = common.StringOrNil(status)
	c.Reason = reason

	now := time.Now()
	switch status {
	case StatusSent:
		c.SentAt = &now
		if c.ExpiresAt == nil {
			expiry := now.Add(common.DefaultChallengeTTL)
			c.ExpiresAt = &expiry
		}
	case StatusCommitted:
		c.ComputedAt = &now
	case StatusVerifying:
		c.VerifyingAt = &now
	}

	if err := repo.Save(c); err != nil {
		return fmt.Errorf("failed to persist challenge %s status %s; %s", c.ID, status, err.Error())
	}

	common.Log.Debugf("challenge %s transitioned to %s", c.ID, status)

	if c.Terminal() && common.ConsumeNATSStreamingSubscriptions {
		if _, err := c.dispatchNotification(status); err != nil {
			common.Log.Warningf("failed to dispatch %s notification for challenge %s; %s", status, c.ID, err.Error())
		}
	}

	return nil
}

// Fail transitions the challenge to failed with the given reason
func (c *Challenge) Fail(repo Repository, reason string) error {
	return c.updateStatus(repo, StatusFailed, common.StringOrNil(reason))
}

// encodeRaw marshals the in-memory maps into their persisted columns
func (c *Challenge) encodeRaw() error {
	if c.MerkleCommitments != nil {
		raw, err := json.Marshal(c.MerkleCommitments)
		if err != nil {
			return err
		}
		c.CommitmentsRaw = raw
	}
	if c.VerificationTargets != nil {
		raw, err := json.Marshal(c.VerificationTargets)
		if err != nil {
			return err
		}
		c.TargetsRaw = raw
	}
	return nil
}

// decodeRaw unmarshals the persisted columns back into the in-memory maps
func (c *Challenge) decodeRaw() error {
	if len(c.CommitmentsRaw) > 0 {
		if err := json.Unmarshal(c.CommitmentsRaw, &c.MerkleCommitments); err != nil {
			return err
		}
	}
	if len(c.TargetsRaw) > 0 {
		if err := json.Unmarshal(c.TargetsRaw, &c.VerificationTargets); err != nil {
			return err
		}
	}
	return nil
}
