package storage

import (
	"errors"
	"fmt"
)

// RecordPairingEvent persists the outcome of one handshake attempt.
func (s *Store) RecordPairingEvent(event PairingEvent) error {
	if event.PeerDeviceID == "" {
		return errors.New("peer_device_id is required")
	}
	if event.RequestID == "" {
		return errors.New("request_id is required")
	}
	if err := validatePairingDirection(event.Direction); err != nil {
		return err
	}
	if err := validatePairingOutcome(event.Outcome); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO pairing_events (
			peer_device_id,
			request_id,
			direction,
			outcome,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.PeerDeviceID,
		event.RequestID,
		event.Direction,
		event.Outcome,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert pairing event for peer %q: %w", event.PeerDeviceID, err)
	}

	return nil
}

// GetRecentPairingEvents returns handshake history for one peer, newest first.
func (s *Store) GetRecentPairingEvents(peerDeviceID string, limit int) ([]PairingEvent, error) {
	if peerDeviceID == "" {
		return nil, errors.New("peer_device_id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT
			id,
			peer_device_id,
			request_id,
			direction,
			outcome,
			timestamp
		FROM pairing_events
		WHERE peer_device_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		peerDeviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get pairing events for peer %q: %w", peerDeviceID, err)
	}
	defer rows.Close()

	events := make([]PairingEvent, 0)
	for rows.Next() {
		var event PairingEvent
		if err := rows.Scan(
			&event.ID,
			&event.PeerDeviceID,
			&event.RequestID,
			&event.Direction,
			&event.Outcome,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan pairing event row: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairing event rows: %w", err)
	}

	return events, nil
}
