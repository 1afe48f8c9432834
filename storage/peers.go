package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const peerColumns = `
	device_id,
	device_name,
	status,
	ed25519_public_key,
	key_fingerprint,
	sealed_shared_key,
	added_timestamp,
	status_timestamp,
	paired_timestamp,
	last_seen_timestamp,
	last_known_ip,
	last_known_port`

// ObservePeer records a discovery announcement. Unknown devices are inserted
// as discovered; known ones get their name, endpoint and last-seen refreshed.
// The advertised fingerprint only replaces the stored one while the peer is
// not paired, so a paired peer's pinned identity never drifts.
func (s *Store) ObservePeer(deviceID, deviceName, ip string, port int, keyFingerprint string, seenAt int64) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(deviceName) == "" {
		deviceName = deviceID
	}
	if seenAt == 0 {
		seenAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			device_id,
			device_name,
			status,
			key_fingerprint,
			added_timestamp,
			status_timestamp,
			last_seen_timestamp,
			last_known_ip,
			last_known_port
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			last_seen_timestamp = excluded.last_seen_timestamp,
			last_known_ip = excluded.last_known_ip,
			last_known_port = excluded.last_known_port,
			key_fingerprint = CASE
				WHEN peers.status = 'paired' OR excluded.key_fingerprint = '' THEN peers.key_fingerprint
				ELSE excluded.key_fingerprint
			END`,
		deviceID,
		deviceName,
		PeerStatusDiscovered,
		keyFingerprint,
		seenAt,
		seenAt,
		seenAt,
		ip,
		port,
	)
	if err != nil {
		return fmt.Errorf("observe peer %q: %w", deviceID, err)
	}
	return nil
}

// GetPeer fetches a peer by device ID.
func (s *Store) GetPeer(deviceID string) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT `+peerColumns+` FROM peers WHERE device_id = ?`,
		deviceID,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", deviceID, err)
	}

	return peer, nil
}

// ListPeers returns all peers sorted by device name.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT ` + peerColumns + ` FROM peers ORDER BY device_name, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

// UpdatePeerStatus moves an unpaired peer to a new status. A peer holding a
// sealed key is refused with ErrPeerPaired; use ClearPeerKey so the key goes
// with the status.
func (s *Store) UpdatePeerStatus(deviceID, status string, changedAt int64) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if err := validatePeerStatus(status); err != nil {
		return err
	}
	if status == PeerStatusPaired {
		return errors.New("use SetPeerPaired to pair a peer")
	}
	if changedAt == 0 {
		changedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE peers
		SET status = ?,
		    status_timestamp = ?
		WHERE device_id = ? AND sealed_shared_key IS NULL`,
		status,
		changedAt,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("update peer status %q: %w", deviceID, err)
	}

	if err := checkAffected(res, "peer status update", deviceID); !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, err := s.GetPeer(deviceID); err != nil {
		return err
	}
	return ErrPeerPaired
}

// SetPeerPaired stores the sealed shared key and pinned identity and marks the
// peer paired in one statement.
func (s *Store) SetPeerPaired(deviceID string, sealedKey, publicKey []byte, keyFingerprint string, pairedAt int64) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if len(sealedKey) == 0 {
		return errors.New("sealed_shared_key is required")
	}
	if pairedAt == 0 {
		pairedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE peers
		SET status = ?,
		    sealed_shared_key = ?,
		    ed25519_public_key = ?,
		    key_fingerprint = CASE WHEN ? = '' THEN key_fingerprint ELSE ? END,
		    paired_timestamp = ?,
		    status_timestamp = ?
		WHERE device_id = ?`,
		PeerStatusPaired,
		sealedKey,
		nullBytes(publicKey),
		keyFingerprint,
		keyFingerprint,
		pairedAt,
		pairedAt,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("set peer paired %q: %w", deviceID, err)
	}

	return checkAffected(res, "set peer paired", deviceID)
}

// ClearPeerKey drops the sealed shared key and moves the peer to status.
func (s *Store) ClearPeerKey(deviceID, status string, changedAt int64) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if err := validatePeerStatus(status); err != nil {
		return err
	}
	if status == PeerStatusPaired {
		return errors.New("cannot clear key into paired status")
	}
	if changedAt == 0 {
		changedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE peers
		SET status = ?,
		    sealed_shared_key = NULL,
		    paired_timestamp = NULL,
		    status_timestamp = ?
		WHERE device_id = ?`,
		status,
		changedAt,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("clear peer key %q: %w", deviceID, err)
	}

	return checkAffected(res, "clear peer key", deviceID)
}

// ClearAllPeerKeys unpairs every peer. It returns the affected device IDs.
func (s *Store) ClearAllPeerKeys(changedAt int64) ([]string, error) {
	if changedAt == 0 {
		changedAt = nowUnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin clear keys transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	ids, err := queryIDs(tx, `SELECT device_id FROM peers WHERE sealed_shared_key IS NOT NULL ORDER BY device_id`)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		`UPDATE peers
		SET status = ?,
		    sealed_shared_key = NULL,
		    paired_timestamp = NULL,
		    status_timestamp = ?
		WHERE sealed_shared_key IS NOT NULL`,
		PeerStatusUnpaired,
		changedAt,
	); err != nil {
		return nil, fmt.Errorf("clear all peer keys: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit clear keys transaction: %w", err)
	}

	return ids, nil
}

// DeleteStalePeers removes peers without a stored key that have not been seen
// since cutoffTimestamp. Peers in a handshake are kept. It returns the removed IDs.
func (s *Store) DeleteStalePeers(cutoffTimestamp int64) ([]string, error) {
	if cutoffTimestamp <= 0 {
		return nil, errors.New("cutoff timestamp must be > 0")
	}

	const staleWhere = `sealed_shared_key IS NULL
		AND status NOT IN ('pairing_outbound','pairing_inbound')
		AND COALESCE(last_seen_timestamp, added_timestamp) < ?`

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin stale peer transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	ids, err := queryIDs(tx, `SELECT device_id FROM peers WHERE `+staleWhere+` ORDER BY device_id`, cutoffTimestamp)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := tx.Exec(`DELETE FROM peers WHERE `+staleWhere, cutoffTimestamp); err != nil {
		return nil, fmt.Errorf("delete stale peers: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit stale peer transaction: %w", err)
	}

	return ids, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func queryIDs(tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query peer ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan peer id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer ids: %w", err)
	}
	return ids, nil
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		peer          Peer
		pairedAt      sql.NullInt64
		lastSeen      sql.NullInt64
		lastKnownIP   sql.NullString
		lastKnownPort sql.NullInt64
	)

	if err := row.Scan(
		&peer.DeviceID,
		&peer.DeviceName,
		&peer.Status,
		&peer.Ed25519PublicKey,
		&peer.KeyFingerprint,
		&peer.SealedSharedKey,
		&peer.AddedTimestamp,
		&peer.StatusTimestamp,
		&pairedAt,
		&lastSeen,
		&lastKnownIP,
		&lastKnownPort,
	); err != nil {
		return nil, err
	}

	peer.PairedTimestamp = int64Ptr(pairedAt)
	peer.LastSeenTimestamp = int64Ptr(lastSeen)
	peer.LastKnownIP = stringPtr(lastKnownIP)
	peer.LastKnownPort = intPtrFromNullInt64(lastKnownPort)

	return &peer, nil
}
