package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxBodySize caps any JSON request or response body (1 MB).
	MaxBodySize = 1 << 20
	// DefaultRequestTimeout bounds one outbound peer HTTPS call.
	DefaultRequestTimeout = 15 * time.Second
	// DefaultReplayWindow is the accepted clock skew for signed messages.
	DefaultReplayWindow = 5 * time.Minute
	// DefaultMaxConcurrentSends bounds in-flight outbound peer messages.
	DefaultMaxConcurrentSends = 8
)

// HTTP routes served by every device.
const (
	PathPeerMessage   = "/peer_graphql"
	PathPairing       = "/peer_pair"
	PathPairingCancel = "/peer_pair/cancel"
	PathWebConsole    = "/ws"
	PathHealth        = "/health"
)

// Web console frame types.
const (
	TypeAuthRequest  = "auth_request"
	TypeAuthGranted  = "auth_granted"
	TypeSessionEvent = "session_event"
	TypeError        = "error"
)

// Error codes carried in response bodies. They are deliberately coarse so a
// rejected sender learns nothing about which check failed.
const (
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeUnavailable  = "unavailable"
)

var (
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrBodyTooLarge indicates a body exceeded MaxBodySize.
	ErrBodyTooLarge = errors.New("network: body exceeds max size")
	// ErrPeerKeyMismatch indicates a TLS peer presented an unexpected identity key.
	ErrPeerKeyMismatch = errors.New("network: peer key mismatch")
)

// Envelope identifies the message type of a web console frame.
type Envelope struct {
	Type string `json:"type"`
}

// PeerMessageRequest is the body of POST /peer_graphql.
type PeerMessageRequest struct {
	ClientID  string `json:"clientId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// ResponseError is one entry of a response's errors list.
type ResponseError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// PeerMessageResponse is returned by /peer_graphql. Any entry in Errors means
// the message was not accepted.
type PeerMessageResponse struct {
	Data   *PeerMessageResult `json:"data"`
	Errors []ResponseError    `json:"errors,omitempty"`
}

// PeerMessageResult is the success payload of /peer_graphql.
type PeerMessageResult struct {
	Accepted bool `json:"accepted"`
}

// PairingRequestMsg asks a peer's operator to pair. The X25519 key is the
// initiator's ephemeral half of the key agreement.
type PairingRequestMsg struct {
	RequestID        string `json:"requestId"`
	FromDeviceID     string `json:"fromDeviceId"`
	FromName         string `json:"fromName"`
	FromPort         int    `json:"fromPort"`
	Ed25519PublicKey string `json:"ed25519PublicKey"`
	X25519PublicKey  string `json:"x25519PublicKey"`
	ProtocolVersion  int    `json:"protocolVersion"`
	Timestamp        int64  `json:"timestamp"`
}

// PairingResponseMsg carries the responder operator's decision. On accept it
// includes the responder's ephemeral X25519 key.
type PairingResponseMsg struct {
	Accepted        bool   `json:"accepted"`
	DeviceID        string `json:"deviceId,omitempty"`
	DeviceName      string `json:"deviceName,omitempty"`
	X25519PublicKey string `json:"x25519PublicKey,omitempty"`
}

// PairingCancelMsg withdraws a pending pairing request.
type PairingCancelMsg struct {
	RequestID    string `json:"requestId"`
	FromDeviceID string `json:"fromDeviceId"`
}

// AuthRequestFrame is the first frame a web console client must send.
// Every field is client-declared and used for display only.
type AuthRequestFrame struct {
	Type           string `json:"type"`
	OSName         string `json:"osName"`
	OSVersion      string `json:"osVersion"`
	BrowserName    string `json:"browserName"`
	BrowserVersion string `json:"browserVersion"`
}

// AuthGrantedFrame answers an approved AuthRequestFrame.
type AuthGrantedFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Token    string `json:"token"`
}

// SessionEventFrame notifies a console client that something it displays changed.
type SessionEventFrame struct {
	Type      string `json:"type"`
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// DecodeJSON reads at most MaxBodySize bytes from r into v.
func DecodeJSON(r io.Reader, v any) error {
	limited := io.LimitReader(r, MaxBodySize+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(raw) > MaxBodySize {
		return ErrBodyTooLarge
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a PeerMessageResponse-shaped error body.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, PeerMessageResponse{
		Errors: []ResponseError{{Message: message, Code: code}},
	})
}
