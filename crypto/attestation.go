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

package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
)

// attestationSignatureSize is the length of a raw (r, s) P-256 signature
const attestationSignatureSize = 64

// AttestationKeyProvider resolves the ECDSA P-256 verifying key for a given
// device; key distribution and rotation are the host system's concern
type AttestationKeyProvider interface {
	VerifyingKey(deviceID string) (*ecdsa.PublicKey, error)
}

// StaticAttestationKeyProvider resolves every device to a single verifying key
type StaticAttestationKeyProvider struct {
	Key *ecdsa.PublicKey
}

// VerifyingKey returns the static verifying key
func (p *StaticAttestationKeyProvider) VerifyingKey(deviceID string) (*ecdsa.PublicKey, error) {
	if p.Key == nil {
		return nil, fmt.Errorf("no attestation verifying key configured")
	}
	return p.Key, nil
}

// AttestationMessage returns the literal composite message a device signs
// over its commitment: sig_ver|seed|device_uuid|merkle_root
func AttestationMessage(sigVersion string, seed uint64, deviceID string, merkleRoot string) []byte {
	return []byte(fmt.Sprintf("%s|%d|%s|%s", sigVersion, seed, deviceID, merkleRoot))
}

// DecodeAttestationSignature decodes a device attestation signature from its
// wire encoding; both hex and base64 encodings of the 64 raw (r, s) bytes
// are accepted
func DecodeAttestationSignature(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("empty attestation signature")
	}

	raw, err := hex.DecodeString(encoded)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode attestation signature as hex or base64; %s", err.Error())
		}
	}

	if len(raw) != attestationSignatureSize {
		return nil, fmt.Errorf("invalid attestation signature length: %d", len(raw))
	}

	return raw, nil
}

// VerifyAttestation verifies a raw 64-byte (r, s) signature over the
// single SHA-256 hash of the given message
func VerifyAttestation(key *ecdsa.PublicKey, message []byte, signature []byte) bool {
	if key == nil || len(signature) != attestationSignatureSize {
		return false
	}

	r := new(big.Int).SetBytes(signature[:attestationSignatureSize/2])
	s := new(big.Int).SetBytes(signature[attestationSignatureSize/2:])

	digest := sha256.Sum256(message)
	return ecdsa.Verify(key, digest[:], r, s)
}

// SignAttestation signs the single SHA-256 hash of the given message and
// returns the 64 raw (r, s) bytes; used by the reference worker and tests
func SignAttestation(key *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("nil attestation signing key")
	}

	digest := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign attestation; %s", err.Error())
	}

	signature := make([]byte, attestationSignatureSize)
	r.FillBytes(signature[:attestationSignatureSize/2])
	s.FillBytes(signature[attestationSignatureSize/2:])
	return signature, nil
}

// ParseVerifyingKey parses a hex-encoded uncompressed or compressed SEC1
// P-256 public key
func ParseVerifyingKey(encoded string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode verifying key hex; %s", err.Error())
	}

	var x, y *big.Int
	switch len(raw) {
	case 65:
		x, y = elliptic.Unmarshal(elliptic.P256(), raw)
	case 33:
		x, y = elliptic.UnmarshalCompressed(elliptic.P256(), raw)
	default:
		return nil, fmt.Errorf("invalid verifying key length: %d", len(raw))
	}

	if x == nil {
		return nil, fmt.Errorf("failed to unmarshal P-256 verifying key")
	}

	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}
