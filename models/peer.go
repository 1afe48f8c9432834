package models

import "time"

// PeerStatus is the pairing state of a remote device.
type PeerStatus string

const (
	PeerDiscovered      PeerStatus = "discovered"
	PeerPairingOutbound PeerStatus = "pairing_outbound"
	PeerPairingInbound  PeerStatus = "pairing_inbound"
	PeerPaired          PeerStatus = "paired"
	PeerRejected        PeerStatus = "rejected"
	PeerUnpaired        PeerStatus = "unpaired"
)

// Pairing reports whether a handshake is in flight.
func (s PeerStatus) Pairing() bool {
	return s == PeerPairingOutbound || s == PeerPairingInbound
}

// PeerDevice is a remote app instance known to this device.
//
// SharedKey is set only while Status is PeerPaired. PublicKey is the peer's
// Ed25519 identity key, pinned for TLS once learned.
type PeerDevice struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	IP             string     `json:"ip"`
	Port           int        `json:"port"`
	Status         PeerStatus `json:"status"`
	KeyFingerprint string     `json:"key_fingerprint,omitempty"`
	PublicKey      []byte     `json:"-"`
	SharedKey      []byte     `json:"-"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	PairedAt       time.Time  `json:"paired_at,omitzero"`
}

// Advertisement is one discovery announcement for a nearby device.
type Advertisement struct {
	DeviceID       string `json:"device_id"`
	Name           string `json:"name"`
	IP             string `json:"ip"`
	Port           int    `json:"port"`
	KeyFingerprint string `json:"key_fingerprint,omitempty"`
}
