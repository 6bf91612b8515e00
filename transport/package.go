package transport

// ProtocolVersion identifies the wire format of an EncryptedPackage
const ProtocolVersion = "1.0"

// aadPrefix is the fixed prefix bound into every AEAD seal
const aadPrefix = "attest-v1"

// EncryptedPackage is the immutable wire unit; the IV is never transmitted
// since both sides derive it deterministically from session_id and seq
type EncryptedPackage struct {
	Ver         string `json:"ver"`
	SessionID   string `json:"session_id"`
	Seq         uint64 `json:"seq"`
	Ciphertext  string `json:"ciphertext"` // base64, AEAD payload+tag
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	MessageType string `json:"message_type"`
}

// ErrorResponse is the structured error a peer receives when a request
// cannot be processed; sent in the clear only when no valid session exists
// to encrypt it
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
