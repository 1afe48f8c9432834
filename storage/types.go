package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrPeerPaired indicates a status change that would orphan a stored key.
	ErrPeerPaired = errors.New("storage: peer holds a shared key")
)

// Peer status values. They mirror models.PeerStatus.
const (
	PeerStatusDiscovered      = "discovered"
	PeerStatusPairingOutbound = "pairing_outbound"
	PeerStatusPairingInbound  = "pairing_inbound"
	PeerStatusPaired          = "paired"
	PeerStatusRejected        = "rejected"
	PeerStatusUnpaired        = "unpaired"
)

const (
	PairingDirectionInbound  = "inbound"
	PairingDirectionOutbound = "outbound"
)

const (
	PairingOutcomeAccepted  = "accepted"
	PairingOutcomeDenied    = "denied"
	PairingOutcomeCancelled = "cancelled"
	PairingOutcomeExpired   = "expired"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// Peer is the SQLite representation of a known remote device.
//
// SealedSharedKey is the AES-GCM blob produced by the key store; this package
// never sees the plaintext key.
type Peer struct {
	DeviceID          string
	DeviceName        string
	Status            string
	Ed25519PublicKey  []byte
	KeyFingerprint    string
	SealedSharedKey   []byte
	AddedTimestamp    int64
	StatusTimestamp   int64
	PairedTimestamp   *int64
	LastSeenTimestamp *int64
	LastKnownIP       *string
	LastKnownPort     *int
}

// PairingEvent records how one handshake attempt ended.
type PairingEvent struct {
	ID           int64
	PeerDeviceID string
	RequestID    string
	Direction    string
	Outcome      string
	Timestamp    int64
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID           int64
	EventType    string
	PeerDeviceID *string
	Details      string
	Severity     string
	Timestamp    int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	PeerDeviceID  string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

func validatePeerStatus(status string) error {
	switch status {
	case PeerStatusDiscovered, PeerStatusPairingOutbound, PeerStatusPairingInbound,
		PeerStatusPaired, PeerStatusRejected, PeerStatusUnpaired:
		return nil
	default:
		return fmt.Errorf("invalid peer status %q", status)
	}
}

func validatePairingDirection(direction string) error {
	switch direction {
	case PairingDirectionInbound, PairingDirectionOutbound:
		return nil
	default:
		return fmt.Errorf("invalid pairing direction %q", direction)
	}
}

func validatePairingOutcome(outcome string) error {
	switch outcome {
	case PairingOutcomeAccepted, PairingOutcomeDenied, PairingOutcomeCancelled, PairingOutcomeExpired:
		return nil
	default:
		return fmt.Errorf("invalid pairing outcome %q", outcome)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func nullInt64FromInt(ptr *int) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ptr), Valid: true}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtrFromNullInt64(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

func checkAffected(res sql.Result, op, deviceID string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s %q: %w", op, deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
