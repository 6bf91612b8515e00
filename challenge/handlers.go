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
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/jinzhu/gorm"
	dbconf "github.com/kthomas/go-db-config"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/common"

	"github.com/verinet/attest/common"
	"github.com/verinet/attest/compute"
	"github.com/verinet/attest/session"
	"github.com/verinet/attest/transport"
)

var apiPipeline *Pipeline
var apiSessions *session.Manager

// protocol-level codes carried in encrypted error replies
const errCodeCommitmentRejected = "commitment_rejected"
const errCodeProofRejected = "proof_rejected"

func resolveChallengesQuery(db *gorm.DB, challengeID *uuid.UUID, peerIdentity, workerID, status *string) *gorm.DB {
	query := db.Select("challenges.*")
	if challengeID != nil {
		query = query.Where("challenges.id = ?", challengeID)
	}
	if peerIdentity != nil {
		query = query.Where("challenges.peer_identity = ?", peerIdentity)
	}
	if workerID != nil {
		query = query.Where("challenges.worker_id = ?", workerID)
	}
	if status != nil {
		query = query.Where("challenges.status = ?", status)
	}
	return query
}

// InstallAPI registers the challenge API handlers with gin
func InstallAPI(r *gin.Engine, pipeline *Pipeline, sessions *session.Manager) {
	apiPipeline = pipeline
	apiSessions = sessions

	r.GET("/api/v1/challenges", listChallengesHandler)
	r.POST("/api/v1/challenges", createChallengeHandler)
	r.GET("/api/v1/challenges/:id", challengeDetailsHandler)

	r.POST("/api/v1/challenges/:id/commitments", challengeCommitmentsHandler)
	r.POST("/api/v1/challenges/:id/proofs", challengeProofsHandler)

	r.PUT("/api/v1/workers/:peer/:worker/inventory", upsertInventoryHandler)

	r.POST("/api/v1/handshake", handshakeHandler)
	r.POST("/api/v1/messages", secureMessageHandler)
}

// list/query scheduled challenges
func listChallengesHandler(c *gin.Context) {
	db := dbconf.DatabaseConnection()

	var peerIdentity, workerID, status *string
	if val, ok := c.GetQuery("peer_identity"); ok {
		peerIdentity = common.StringOrNil(val)
	}
	if val, ok := c.GetQuery("worker_id"); ok {
		workerID = common.StringOrNil(val)
	}
	if val, ok := c.GetQuery("status"); ok {
		status = common.StringOrNil(val)
	}

	query := resolveChallengesQuery(db, nil, peerIdentity, workerID, status)

	var challenges []*Challenge
	provide.Paginate(c, query, &Challenge{}).Find(&challenges)
	for _, challenge := range challenges {
		if err := challenge.decodeRaw(); err != nil {
			common.Log.Warningf("failed to decode challenge %s; %s", challenge.ID, err.Error())
		}
	}
	provide.Render(challenges, 200, c)
}

// schedule a challenge; delivery over the secure transport is optional and
// requested with "deliver": true
func createChallengeHandler(c *gin.Context) {
	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	params := &struct {
		PeerIdentity  *string `json:"peer_identity"`
		WorkerID      *string `json:"worker_id"`
		ChallengeType *string `json:"challenge_type"`
		MatrixSize    uint64  `json:"matrix_size"`
		Seed          uint64  `json:"seed"`
		Iterations    uint64  `json:"iterations"`
		Deliver       bool    `json:"deliver"`
	}{}
	err = json.Unmarshal(buf, params)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	if params.PeerIdentity == nil || params.WorkerID == nil || params.ChallengeType == nil {
		provide.RenderError("peer_identity, worker_id and challenge_type are required", 422, c)
		return
	}

	challenge, err := apiPipeline.Schedule(*params.PeerIdentity, *params.WorkerID, *params.ChallengeType, &compute.Params{
		MatrixSize: params.MatrixSize,
		Seed:       params.Seed,
		Iterations: params.Iterations,
	})
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	if params.Deliver {
		if err := apiPipeline.Deliver(c.Request.Context(), challenge); err != nil {
			common.Log.Warningf("failed to deliver challenge %s; %s", challenge.ID, err.Error())
			provide.RenderError(err.Error(), 502, c)
			return
		}
	}

	provide.Render(challenge, 201, c)
}

// fetch challenge details
func challengeDetailsHandler(c *gin.Context) {
	challengeID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	challenge, err := apiPipeline.Repository().FindByID(challengeID)
	if err != nil {
		provide.RenderError("challenge not found", 404, c)
		return
	}

	provide.Render(challenge, 200, c)
}

// phase-1 commitment intake; responds with the proof requests the worker
// must answer, or an empty list when the challenge auto-verified
func challengeCommitmentsHandler(c *gin.Context) {
	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	submission := &CommitSubmission{}
	err = json.Unmarshal(buf, submission)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}
	submission.ChallengeID = c.Param("id")

	requests, err := apiPipeline.ProcessCommitments(submission)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	provide.Render(map[string]interface{}{
		"proof_requests": requests,
	}, 200, c)
}

// phase-2 proof intake; verification completes asynchronously
func challengeProofsHandler(c *gin.Context) {
	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	submission := &ProofSubmission{}
	err = json.Unmarshal(buf, submission)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}
	submission.ChallengeID = c.Param("id")

	if err := apiPipeline.ProcessProofs(submission); err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	provide.Render(map[string]interface{}{
		"status": StatusVerifying,
	}, 202, c)
}

// refresh the hardware inventory snapshot for a worker
func upsertInventoryHandler(c *gin.Context) {
	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	params := &struct {
		DeviceIDs []string `json:"device_ids"`
	}{}
	err = json.Unmarshal(buf, params)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	err = apiPipeline.inventory.SetDevices(c.Param("peer"), c.Param("worker"), params.DeviceIDs)
	if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}

	provide.Render(nil, 204, c)
}

// session establishment; the only endpoint a peer reaches in the clear
func handshakeHandler(c *gin.Context) {
	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	params := &struct {
		PeerIdentity string `json:"peer_identity"`
		session.HandshakeRequest
	}{}
	err = json.Unmarshal(buf, params)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	if params.PeerIdentity == "" {
		provide.RenderError("peer_identity is required", 422, c)
		return
	}

	resp, err := apiSessions.RespondHandshake(params.PeerIdentity, &params.HandshakeRequest)
	if err != nil {
		status := 422
		code := transport.ErrCodeHandshakeFailed
		if errors.Is(err, session.ErrHandshakeRateLimit) {
			status = 429
			code = transport.ErrCodeRateLimited
		}
		provide.Render(&transport.ErrorResponse{
			Code:    code,
			Message: err.Error(),
		}, status, c)
		return
	}

	provide.Render(resp, 201, c)
}

// encrypted envelope intake; decrypts, dispatches on message type and
// returns the encrypted reply
func secureMessageHandler(c *gin.Context) {
	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	pkg := &transport.EncryptedPackage{}
	err = json.Unmarshal(buf, pkg)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	t := apiPipeline.transport
	if t == nil {
		provide.RenderError("secure transport not configured", 503, c)
		return
	}

	peerIdentity, plaintext, err := t.Decrypt(pkg)
	if err != nil {
		renderTransportError(err, c)
		return
	}

	switch pkg.MessageType {
	case MessageTypeCommit:
		submission := &CommitSubmission{}
		if err := json.Unmarshal(plaintext, submission); err != nil {
			renderSecureError(c, t, peerIdentity, transport.ErrCodeMalformedPackage, err.Error(), 422)
			return
		}

		requests, err := apiPipeline.ProcessCommitments(submission)
		if err != nil {
			renderSecureError(c, t, peerIdentity, errCodeCommitmentRejected, err.Error(), 422)
			return
		}

		reply, err := t.Encrypt(c.Request.Context(), peerIdentity, MessageTypeProofRequest, map[string]interface{}{
			"challenge_id":   submission.ChallengeID,
			"proof_requests": requests,
		})
		if err != nil {
			renderTransportError(err, c)
			return
		}
		provide.Render(reply, 200, c)
	case MessageTypeProof:
		submission := &ProofSubmission{}
		if err := json.Unmarshal(plaintext, submission); err != nil {
			renderSecureError(c, t, peerIdentity, transport.ErrCodeMalformedPackage, err.Error(), 422)
			return
		}

		if err := apiPipeline.ProcessProofs(submission); err != nil {
			renderSecureError(c, t, peerIdentity, errCodeProofRejected, err.Error(), 422)
			return
		}

		reply, err := t.Encrypt(c.Request.Context(), peerIdentity, MessageTypeAck, map[string]interface{}{
			"challenge_id": submission.ChallengeID,
			"status":       StatusVerifying,
		})
		if err != nil {
			renderTransportError(err, c)
			return
		}
		provide.Render(reply, 202, c)
	default:
		renderSecureError(c, t, peerIdentity, transport.ErrCodeContextMismatch, "unsupported message type", 422)
	}
}

// renderSecureError encrypts a structured error reply under the session it
// arrived on; errors go to the peer in the clear only when no valid session
// exists to encrypt them, so the fallback fires only if the reply itself
// cannot be sealed
func renderSecureError(c *gin.Context, t *transport.Transport, peerIdentity, code, message string, status int) {
	reply, err := t.Encrypt(c.Request.Context(), peerIdentity, MessageTypeError, &transport.ErrorResponse{
		Code:    code,
		Message: message,
	})
	if err != nil {
		common.Log.Warningf("failed to encrypt error reply for peer %s; %s", peerIdentity, err.Error())
		provide.Render(&transport.ErrorResponse{
			Code:    code,
			Message: message,
		}, status, c)
		return
	}
	provide.Render(reply, status, c)
}

// renderTransportError maps typed transport errors onto the structured
// clear-text error response and an appropriate status code
func renderTransportError(err error, c *gin.Context) {
	code := transport.ErrCodeMalformedPackage
	if terr, ok := err.(*transport.Error); ok {
		code = terr.Code
	}

	status := 400
	switch code {
	case transport.ErrCodeSessionNotFound, transport.ErrCodeSessionExpired:
		status = 404
	case transport.ErrCodeRateLimited:
		status = 429
	case transport.ErrCodeDecryptionFailed, transport.ErrCodeHandshakeFailed:
		status = 403
	}

	provide.Render(&transport.ErrorResponse{
		Code:    code,
		Message: err.Error(),
	}, status, c)
}
