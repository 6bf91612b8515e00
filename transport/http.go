package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/verinet/attest/session"
)

const defaultHTTPTimeout = time.Second * 30

// PeerResolver maps a peer identity onto the base URL its API listens on
type PeerResolver func(peerIdentity string) (string, error)

// StaticPeerResolver resolves peers from a fixed identity -> base URL map
func StaticPeerResolver(peers map[string]string) PeerResolver {
	return func(peerIdentity string) (string, error) {
		url, exists := peers[peerIdentity]
		if !exists {
			return "", fmt.Errorf("no known endpoint for peer %s", peerIdentity)
		}
		return url, nil
	}
}

// NewHTTPSender returns a Sender that posts encrypted packages to the
// peer's message endpoint and decodes the encrypted reply. Structured
// clear-text error responses become typed transport errors so the session
// recovery path can branch on them.
func NewHTTPSender(resolve PeerResolver) Sender {
	client := &http.Client{Timeout: defaultHTTPTimeout}

	return func(ctx context.Context, peerIdentity string, pkg *EncryptedPackage) (*EncryptedPackage, error) {
		baseURL, err := resolve(peerIdentity)
		if err != nil {
			return nil, err
		}

		body, err := json.Marshal(pkg)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/api/v1/messages", baseURL), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("content-type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 400 {
			errResp := &ErrorResponse{}
			if err := json.Unmarshal(raw, errResp); err == nil && errResp.Code != "" {
				return nil, NewError(errResp.Code, errResp.Message)
			}
			return nil, fmt.Errorf("peer %s returned status %d", peerIdentity, resp.StatusCode)
		}

		reply := &EncryptedPackage{}
		if err := json.Unmarshal(raw, reply); err != nil {
			return nil, NewError(ErrCodeMalformedPackage, err.Error())
		}
		return reply, nil
	}
}

// NewHTTPInitiator returns a session.Initiator that performs the handshake
// against the peer's handshake endpoint
func NewHTTPInitiator(identity string, resolve PeerResolver) session.Initiator {
	client := &http.Client{Timeout: defaultHTTPTimeout}

	return func(ctx context.Context, peerIdentity string, req *session.HandshakeRequest) (*session.HandshakeResponse, error) {
		baseURL, err := resolve(peerIdentity)
		if err != nil {
			return nil, err
		}

		payload := map[string]interface{}{
			"peer_identity": identity,
			"ephemeral_pub": req.EphemeralPublicKey,
			"client_nonce":  req.ClientNonce,
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/api/v1/handshake", baseURL), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("content-type", "application/json")

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 400 {
			errResp := &ErrorResponse{}
			if err := json.Unmarshal(raw, errResp); err == nil && errResp.Code != "" {
				return nil, NewError(errResp.Code, errResp.Message)
			}
			return nil, fmt.Errorf("handshake with peer %s returned status %d", peerIdentity, resp.StatusCode)
		}

		handshakeResp := &session.HandshakeResponse{}
		if err := json.Unmarshal(raw, handshakeResp); err != nil {
			return nil, err
		}
		return handshakeResp, nil
	}
}
