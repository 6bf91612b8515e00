// +build unit

package challenge_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verinet/attest/challenge"
	"github.com/verinet/attest/crypto"
	"github.com/verinet/attest/inventory"
	"github.com/verinet/attest/session"
	"github.com/verinet/attest/transport"
	"github.com/verinet/attest/worker"
)

type apiHarness struct {
	pipeline *challenge.Pipeline
	repo     *challenge.MemoryRepository
	server   *httptest.Server

	peerTransport *transport.Transport
	signer        *ecdsa.PrivateKey
}

// newAPIHarness stands up the validator API behind httptest and a peer-side
// session/transport pair whose handshakes relay straight into the
// validator's session manager
func newAPIHarness(t *testing.T) *apiHarness {
	gin.SetMode(gin.TestMode)

	signer, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	validatorSessions := session.NewManager("validator", nil)
	validatorTransport := transport.NewTransport(validatorSessions, challenge.MessageTypes(), nil)

	repo := challenge.NewMemoryRepository()
	pipeline := challenge.NewPipeline(repo, inventory.NewMemoryRepository(), &crypto.StaticAttestationKeyProvider{Key: &signer.PublicKey}, validatorTransport)
	pipeline.DisableAsyncPublish()
	pipeline.SetSampler(&challenge.SamplerConfig{RowCount: 3, RowVariance: 0, CoordinateCount: 4})

	router := gin.New()
	challenge.InstallAPI(router, pipeline, validatorSessions)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	peerSessions := session.NewManager(testPeer, func(ctx context.Context, peerIdentity string, req *session.HandshakeRequest) (*session.HandshakeResponse, error) {
		return validatorSessions.RespondHandshake(testPeer, req)
	})
	peerTransport := transport.NewTransport(peerSessions, challenge.MessageTypes(), nil)

	return &apiHarness{
		pipeline:      pipeline,
		repo:          repo,
		server:        server,
		peerTransport: peerTransport,
		signer:        signer,
	}
}

// postSecureMessage encrypts a payload for the validator, posts it to the
// intake endpoint and returns the status code and decoded reply package
func (h *apiHarness) postSecureMessage(t *testing.T, messageType string, payload interface{}) (int, *transport.EncryptedPackage) {
	pkg, err := h.peerTransport.Encrypt(context.Background(), "validator", messageType, payload)
	require.NoError(t, err)

	body, err := json.Marshal(pkg)
	require.NoError(t, err)

	resp, err := http.Post(h.server.URL+"/api/v1/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	reply := &transport.EncryptedPackage{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(reply))
	return resp.StatusCode, reply
}

func TestSecureCommitIntakeReturnsEncryptedProofRequests(t *testing.T) {
	h := newAPIHarness(t)

	key := h.signer
	w := worker.New(testWorkerID, []*worker.Device{{ID: "gpu-0", SigningKey: key}})

	c, err := h.pipeline.Schedule(testPeer, testWorkerID, challenge.TypeCPUMatrix, smallParams())
	require.NoError(t, err)
	require.NoError(t, h.pipeline.MarkSent(c))

	commit, err := w.Commit(testPeer, c.ID.String(), challenge.TypeCPUMatrix, c.Params())
	require.NoError(t, err)

	status, reply := h.postSecureMessage(t, challenge.MessageTypeCommit, commit)
	require.Equal(t, 200, status)
	assert.Equal(t, challenge.MessageTypeProofRequest, reply.MessageType)

	sender, plaintext, err := h.peerTransport.Decrypt(reply)
	require.NoError(t, err)
	assert.Equal(t, "validator", sender)

	parsed := &struct {
		ChallengeID   string                    `json:"challenge_id"`
		ProofRequests []*challenge.ProofRequest `json:"proof_requests"`
	}{}
	require.NoError(t, json.Unmarshal(plaintext, parsed))
	assert.Equal(t, c.ID.String(), parsed.ChallengeID)
	require.Len(t, parsed.ProofRequests, 1)
	assert.Len(t, parsed.ProofRequests[0].Rows, 3)
}

func TestSecureIntakeErrorsAreEncrypted(t *testing.T) {
	h := newAPIHarness(t)

	// a commit for a challenge that was never scheduled is rejected, and
	// with a live session in hand the rejection must come back sealed
	status, reply := h.postSecureMessage(t, challenge.MessageTypeCommit, &challenge.CommitSubmission{
		ChallengeID: "b8d4d42f-3a49-45a8-9c09-0c6f2b1e5a00",
		WorkerID:    testWorkerID,
	})
	require.Equal(t, 422, status)
	require.Equal(t, challenge.MessageTypeError, reply.MessageType)

	sender, plaintext, err := h.peerTransport.Decrypt(reply)
	require.NoError(t, err)
	assert.Equal(t, "validator", sender)

	errResp := &transport.ErrorResponse{}
	require.NoError(t, json.Unmarshal(plaintext, errResp))
	assert.Equal(t, "commitment_rejected", errResp.Code)
	assert.NotEmpty(t, errResp.Message)
}

func TestSecureProofIntakeErrorIsEncrypted(t *testing.T) {
	h := newAPIHarness(t)

	w := worker.New(testWorkerID, nil)

	c, err := h.pipeline.Schedule(testPeer, testWorkerID, challenge.TypeCPUMatrix, smallParams())
	require.NoError(t, err)
	require.NoError(t, h.pipeline.MarkSent(c))

	commit, err := w.Commit(testPeer, c.ID.String(), challenge.TypeCPUMatrix, c.Params())
	require.NoError(t, err)
	_, err = h.pipeline.ProcessCommitments(commit)
	require.NoError(t, err)

	// a structurally empty proof submission fails validation
	status, reply := h.postSecureMessage(t, challenge.MessageTypeProof, &challenge.ProofSubmission{
		ChallengeID: c.ID.String(),
		WorkerID:    testWorkerID,
	})
	require.Equal(t, 422, status)
	require.Equal(t, challenge.MessageTypeError, reply.MessageType)

	_, plaintext, err := h.peerTransport.Decrypt(reply)
	require.NoError(t, err)

	errResp := &transport.ErrorResponse{}
	require.NoError(t, json.Unmarshal(plaintext, errResp))
	assert.Equal(t, "proof_rejected", errResp.Code)
}
