package models

import "time"

// PairingStatus is the outcome state of one handshake attempt.
type PairingStatus string

const (
	PairingPending   PairingStatus = "pending"
	PairingAccepted  PairingStatus = "accepted"
	PairingDenied    PairingStatus = "denied"
	PairingCancelled PairingStatus = "cancelled"
	PairingExpired   PairingStatus = "expired"
)

// PairingDirection tells whether the local operator or the remote one started
// a handshake.
type PairingDirection string

const (
	PairingInbound  PairingDirection = "inbound"
	PairingOutbound PairingDirection = "outbound"
)

// PairingRequest is one in-flight handshake attempt. It is discarded once
// resolved; the outcome lives on in PeerDevice.Status.
type PairingRequest struct {
	RequestID    string           `json:"request_id"`
	Direction    PairingDirection `json:"direction"`
	FromDeviceID string           `json:"from_device_id"`
	FromName     string           `json:"from_name"`
	FromIP       string           `json:"from_ip"`
	CreatedAt    time.Time        `json:"created_at"`
	Status       PairingStatus    `json:"status"`
}
