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
	"context"
	"encoding/json"
	"fmt"
	"time"

	natsutil "github.com/kthomas/go-natsutil"
	uuid "github.com/kthomas/go.uuid"

	"github.com/verinet/attest/common"
	"github.com/verinet/attest/compute"
	"github.com/verinet/attest/crypto"
	"github.com/verinet/attest/inventory"
	"github.com/verinet/attest/transport"
)

// Encrypted message types exchanged by the protocol; the transport is
// constructed with exactly this table
const (
	MessageTypeChallenge    = "challenge.issue"
	MessageTypeCommit       = "challenge.commit"
	MessageTypeProofRequest = "challenge.proof_request"
	MessageTypeProof        = "challenge.proof"
	MessageTypeAck          = "challenge.ack"
	MessageTypeError        = "error"
)

// MessageTypes returns the explicit message-type table for the transport
func MessageTypes() []string {
	return []string{
		MessageTypeChallenge,
		MessageTypeCommit,
		MessageTypeProofRequest,
		MessageTypeProof,
		MessageTypeAck,
		MessageTypeError,
	}
}

// Tolerances bound the accepted drift between submitted and recomputed
// coordinate values
type Tolerances struct {
	Abs float64
	Rel float64
}

// DefaultTolerances returns the environment-configured tolerances
func DefaultTolerances() *Tolerances {
	return &Tolerances{
		Abs: common.DefaultVerificationAbsTolerance,
		Rel: common.DefaultVerificationRelTolerance,
	}
}

// Pipeline orchestrates the two-phase challenge protocol: scheduling,
// delivery, commitment processing, proof intake and asynchronous
// verification. Request handling is concurrent across independent
// challenges; no global lock serializes processing.
type Pipeline struct {
	repo            Repository
	inventory       inventory.Repository
	attestationKeys crypto.AttestationKeyProvider
	sampler         *SamplerConfig
	tolerances      *Tolerances
	cache           *ProofCache
	transport       *transport.Transport
	publishVerify   bool
}

// NewPipeline constructs a challenge pipeline. The transport may be nil for
// hosts that only process submissions arriving through their own intake.
func NewPipeline(repo Repository, inv inventory.Repository, keys crypto.AttestationKeyProvider, t *transport.Transport) *Pipeline {
	p := &Pipeline{
		repo:            repo,
		inventory:       inv,
		attestationKeys: keys,
		sampler:         DefaultSamplerConfig(),
		tolerances:      DefaultTolerances(),
		transport:       t,
		publishVerify:   true,
	}
	p.cache = NewProofCache(common.DefaultProofCacheCapacity, p.failEvicted)
	return p
}

// SetSampler overrides the sampler configuration
func (p *Pipeline) SetSampler(cfg *SamplerConfig) {
	p.sampler = cfg
}

// SetTolerances overrides the verification tolerances
func (p *Pipeline) SetTolerances(t *Tolerances) {
	p.tolerances = t
}

// DisableAsyncPublish keeps verification jobs out of the message broker;
// callers then drive VerifyPending directly (tests, single-process hosts)
func (p *Pipeline) DisableAsyncPublish() {
	p.publishVerify = false
}

// Cache exposes the proof cache
func (p *Pipeline) Cache() *ProofCache {
	return p.cache
}

// Repository exposes the challenge repository
func (p *Pipeline) Repository() Repository {
	return p.repo
}

// Schedule creates a challenge record for the given worker
func (p *Pipeline) Schedule(peerIdentity, workerID, challengeType string, params *compute.Params) (*Challenge, error) {
	c, err := New(peerIdentity, workerID, challengeType, params)
	if err != nil {
		return nil, err
	}

	if err := p.repo.Create(c); err != nil {
		return nil, err
	}

	common.Log.Debugf("scheduled %s challenge %s for worker %s", challengeType, c.ID, workerID)
	return c, nil
}

// Deliver sends the challenge to its worker over the encrypted transport
// and transitions it created -> sent
func (p *Pipeline) Deliver(ctx context.Context, c *Challenge) error {
	if p.transport == nil {
		return fmt.Errorf("pipeline has no transport configured")
	}

	payload := map[string]interface{}{
		"challenge_id":   c.ID.String(),
		"worker_id":      *c.WorkerID,
		"challenge_type": *c.ChallengeType,
		"challenge_data": c.Params(),
	}

	if _, err := p.transport.Exchange(ctx, *c.PeerIdentity, MessageTypeChallenge, payload); err != nil {
		return err
	}

	return c.updateStatus(p.repo, StatusSent, nil)
}

// MarkSent transitions a challenge created -> sent without a transport
// round-trip; intake paths use it when delivery happens out of band
func (p *Pipeline) MarkSent(c *Challenge) error {
	return c.updateStatus(p.repo, StatusSent, nil)
}

// ProcessCommitments executes phase 1 for a commit submission and, on
// success, samples verification targets and returns one proof request per
// surviving commitment. A sampling configuration yielding zero total
// targets short-circuits the challenge directly to verified; no proof
// request is issued and phase 2 is skipped entirely.
func (p *Pipeline) ProcessCommitments(submission *CommitSubmission) ([]*ProofRequest, error) {
	challengeID, err := uuid.FromString(submission.ChallengeID)
	if err != nil {
		return nil, fmt.Errorf("malformed challenge id; %s", err.Error())
	}

	c, err := p.repo.FindByID(challengeID)
	if err != nil {
		return nil, err
	}

	if err := p.processCommitments(c, submission); err != nil {
		return nil, err
	}

	targets, err := p.sampler.sampleTargets(c.MatrixSize, c.IsGPU())
	if err != nil {
		return nil, err
	}
	c.VerificationTargets = targets

	if targets.Total() == 0 {
		note := "auto-verified; sampling configuration yielded zero verification targets"
		if err := c.updateStatus(p.repo, StatusVerified, common.StringOrNil(note)); err != nil {
			return nil, err
		}
		common.Log.Debugf("challenge %s auto-verified with zero targets", c.ID)
		return []*ProofRequest{}, nil
	}

	if err := p.repo.Save(c); err != nil {
		return nil, err
	}

	return proofRequestsFor(c)
}

// ProcessProofs executes phase-2 intake for a proof submission
func (p *Pipeline) ProcessProofs(submission *ProofSubmission) error {
	challengeID, err := uuid.FromString(submission.ChallengeID)
	if err != nil {
		return fmt.Errorf("malformed challenge id; %s", err.Error())
	}

	c, err := p.repo.FindByID(challengeID)
	if err != nil {
		return err
	}

	return p.processProofs(c, submission)
}

// VerifyPending runs the asynchronous verification for a challenge in the
// verifying status, consuming its cached payload. Any mismatch fails the
// challenge with a recorded reason; success transitions it to verified.
func (p *Pipeline) VerifyPending(challengeID uuid.UUID) error {
	c, err := p.repo.FindByID(challengeID)
	if err != nil {
		return err
	}

	if c.Status == nil || *c.Status != StatusVerifying {
		return fmt.Errorf("challenge %s is not awaiting verification", challengeID)
	}

	submission, exists := p.cache.Take(*c.PeerIdentity, *c.WorkerID)
	if !exists || submission.ChallengeID != c.ID.String() {
		return c.Fail(p.repo, "pending proof payload was not available for verification")
	}

	if reason := p.verifySubmission(c, submission); reason != "" {
		return c.Fail(p.repo, reason)
	}

	return c.updateStatus(p.repo, StatusVerified, nil)
}

// verifySubmission recomputes everything the worker claimed: the merkle
// inclusion of every requested row hash against the stored root, the
// expected row hash from the original seed, and the expected value of
// every requested coordinate within tolerance. Returns the failure reason
// or the empty string on success.
func (p *Pipeline) verifySubmission(c *Challenge, submission *ProofSubmission) string {
	targets := c.VerificationTargets
	if targets == nil {
		return "challenge has no verification targets"
	}

	params := c.Params()

	expectedRows := make(map[uint64][]float64, len(targets.Rows))
	for _, row := range targets.Rows {
		vector, err := compute.RecomputeRow(params, row)
		if err != nil {
			return fmt.Sprintf("failed to recompute row %d; %s", row, err.Error())
		}
		expectedRows[row] = vector
	}

	for _, proof := range submission.Proofs {
		root, exists := c.MerkleCommitments[proof.UUID]
		if !exists {
			return fmt.Sprintf("no commitment stored for unit %s", proof.UUID)
		}

		if len(proof.RowHashes) != len(targets.Rows) {
			return fmt.Sprintf("unit %s returned %d row hashes; expected %d", proof.UUID, len(proof.RowHashes), len(targets.Rows))
		}

		for i, row := range targets.Rows {
			inclusion := proof.MerkleProofs[i]
			if inclusion == nil || uint64(inclusion.LeafIndex) != row {
				return fmt.Sprintf("unit %s returned a proof for the wrong leaf index at position %d", proof.UUID, i)
			}
			if inclusion.LeafHash != proof.RowHashes[i] {
				return fmt.Sprintf("unit %s leaf hash does not match submitted row hash for row %d", proof.UUID, row)
			}
			if expected := compute.RowHash(expectedRows[row]); expected != proof.RowHashes[i] {
				return fmt.Sprintf("unit %s row %d hash does not match recomputed result", proof.UUID, row)
			}
			if !inclusion.Verify(root) {
				return fmt.Sprintf("unit %s merkle proof for row %d failed verification", proof.UUID, row)
			}
		}

		if proof.UUID != CPUUnitID {
			if len(proof.CoordinateValues) != len(targets.Coordinates) {
				return fmt.Sprintf("unit %s returned %d coordinate values; expected %d", proof.UUID, len(proof.CoordinateValues), len(targets.Coordinates))
			}

			rowCache := make(map[uint64][]float64)
			for i, coord := range targets.Coordinates {
				vector, cached := rowCache[coord[0]]
				if !cached {
					var err error
					vector, err = compute.RecomputeRow(params, coord[0])
					if err != nil {
						return fmt.Sprintf("failed to recompute coordinate row %d; %s", coord[0], err.Error())
					}
					rowCache[coord[0]] = vector
				}

				expected := vector[coord[1]]
				if !compute.WithinTolerance(expected, proof.CoordinateValues[i], p.tolerances.Abs, p.tolerances.Rel) {
					return fmt.Sprintf("unit %s coordinate (%d, %d) outside tolerance", proof.UUID, coord[0], coord[1])
				}
			}
		}
	}

	common.Log.Debugf("verified challenge %s; %d proofs against %d sampled rows", c.ID, len(submission.Proofs), len(targets.Rows))

	return ""
}

// SweepExpired fails every challenge still awaiting a commitment past its
// expiry; sent is the only status that can time out
func (p *Pipeline) SweepExpired() error {
	expired, err := p.repo.FindExpiredSent(time.Now())
	if err != nil {
		return err
	}

	for _, c := range expired {
		if err := c.Fail(p.repo, "worker did not respond before challenge expiry"); err != nil {
			common.Log.Warningf("failed to expire challenge %s; %s", c.ID, err.Error())
		}
	}

	if len(expired) > 0 {
		common.Log.Debugf("expired %d unanswered challenges", len(expired))
	}

	return nil
}

// SweepVerifyTimeouts fails challenges whose asynchronous verification did
// not complete within the configured timeout; the verifier is the only
// bound on the verifying status, so a stalled or dead-lettered job must
// not leave a challenge pending indefinitely
func (p *Pipeline) SweepVerifyTimeouts() error {
	cutoff := time.Now().Add(-common.DefaultVerificationTimeout)
	stale, err := p.repo.FindVerifyingBefore(cutoff)
	if err != nil {
		return err
	}

	for _, c := range stale {
		if pending, exists := p.cache.Take(*c.PeerIdentity, *c.WorkerID); exists && pending.ChallengeID != c.ID.String() {
			// the slot already belongs to a newer challenge; restore it
			if id, err := uuid.FromString(pending.ChallengeID); err == nil {
				p.cache.Put(*c.PeerIdentity, *c.WorkerID, id, pending)
			}
		}
		if err := c.Fail(p.repo, "verification did not complete before the verifier timeout"); err != nil {
			common.Log.Warningf("failed to time out challenge %s; %s", c.ID, err.Error())
		}
	}

	if len(stale) > 0 {
		common.Log.Debugf("timed out %d challenges pending verification", len(stale))
	}

	return nil
}

// RecoverStranded fails challenges left in committed or verifying at
// process restart; their in-memory proof payloads did not survive
func (p *Pipeline) RecoverStranded() error {
	stranded, err := p.repo.FindInStatus(StatusCommitted, StatusVerifying)
	if err != nil {
		return err
	}

	for _, c := range stranded {
		if err := c.Fail(p.repo, "stranded by process restart before verification completed"); err != nil {
			common.Log.Warningf("failed to sweep stranded challenge %s; %s", c.ID, err.Error())
		}
	}

	if len(stranded) > 0 {
		common.Log.Debugf("swept %d stranded challenges at startup", len(stranded))
	}

	return nil
}

func (p *Pipeline) failEvicted(challengeID uuid.UUID, reason string) {
	c, err := p.repo.FindByID(challengeID)
	if err != nil {
		common.Log.Warningf("failed to resolve evicted challenge %s; %s", challengeID, err.Error())
		return
	}

	if c.Terminal() {
		return
	}

	if err := c.Fail(p.repo, reason); err != nil {
		common.Log.Warningf("failed to fail evicted challenge %s; %s", challengeID, err.Error())
	}
}

func (p *Pipeline) publishVerificationJob(c *Challenge) {
	if !p.publishVerify || !common.ConsumeNATSStreamingSubscriptions {
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"challenge_id": c.ID.String(),
	})
	if _, err := natsutil.NatsJetstreamPublish(natsChallengeVerifySubject, payload); err != nil {
		common.Log.Warningf("failed to publish verification job for challenge %s; %s", c.ID, err.Error())
	}
}
