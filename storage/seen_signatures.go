package storage

import (
	"errors"
	"fmt"
)

// MarkSignatureSeen records a verified message signature for a peer. It
// reports false when the same signature was already recorded, which means the
// message is a replay inside the freshness window.
func (s *Store) MarkSignatureSeen(peerDeviceID, signature string, timestamp int64) (bool, error) {
	if peerDeviceID == "" {
		return false, errors.New("peer_device_id is required")
	}
	if signature == "" {
		return false, errors.New("signature is required")
	}

	res, err := s.db.Exec(
		`INSERT INTO seen_signatures (peer_device_id, signature, timestamp)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_device_id, signature) DO NOTHING`,
		peerDeviceID,
		signature,
		timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("insert seen signature for %q: %w", peerDeviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for seen signature %q: %w", peerDeviceID, err)
	}

	return rowsAffected == 1, nil
}

// PruneSeenSignatures removes entries whose message timestamp is older than
// cutoffTimestamp. Such messages already fail the freshness check.
func (s *Store) PruneSeenSignatures(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_signatures WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen signatures: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen signature prune: %w", err)
	}

	return rowsAffected, nil
}

// ForgetPeerSignatures drops the replay ledger for one peer, used on unpair.
func (s *Store) ForgetPeerSignatures(peerDeviceID string) error {
	if _, err := s.db.Exec(`DELETE FROM seen_signatures WHERE peer_device_id = ?`, peerDeviceID); err != nil {
		return fmt.Errorf("forget seen signatures for %q: %w", peerDeviceID, err)
	}
	return nil
}
