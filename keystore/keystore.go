// Package keystore owns each peer's pairing status and shared key.
//
// All access for one peer ID is serialized by that peer's lock, so pairing,
// unpairing and message verification for the same peer never interleave.
// Different peers proceed in parallel. Keys are sealed at rest and cached in
// memory once opened.
package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"plainpair/crypto"
	"plainpair/models"
	"plainpair/storage"
)

var (
	ErrNotFound          = errors.New("keystore: peer not found")
	ErrNotPaired         = errors.New("keystore: peer is not paired")
	ErrAlreadyPaired     = errors.New("keystore: peer is already paired")
	ErrInvalidKey        = errors.New("keystore: invalid shared key")
	ErrInvalidTransition = errors.New("keystore: invalid status transition")
)

// Options configures a Store.
type Options struct {
	// Logger defaults to the zero Logger, which discards everything.
	Logger zerolog.Logger
	Now    func() time.Time
}

// Store is the peer key store.
type Store struct {
	db         *storage.Store
	storageKey []byte
	log        zerolog.Logger
	now        func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex

	cacheMu sync.Mutex
	keys    map[string][]byte
}

// New wraps db. storageKey seals shared keys at rest; see crypto.DeriveStorageKey.
func New(db *storage.Store, storageKey []byte, opts Options) (*Store, error) {
	if db == nil {
		return nil, errors.New("keystore: storage is required")
	}
	if len(storageKey) != crypto.SharedKeySize {
		return nil, fmt.Errorf("keystore: storage key must be %d bytes", crypto.SharedKeySize)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		db:         db,
		storageKey: bytes.Clone(storageKey),
		log:        opts.Logger.With().Str("component", "keystore").Logger(),
		now:        now,
		locks:      make(map[string]*sync.RWMutex),
		keys:       make(map[string][]byte),
	}, nil
}

func (s *Store) lockFor(id string) *sync.RWMutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[id] = l
	}
	return l
}

// Get returns a deep copy of the peer, including its shared key when paired.
func (s *Store) Get(id string) (models.PeerDevice, bool) {
	l := s.lockFor(id)
	l.RLock()
	defer l.RUnlock()

	row, err := s.db.GetPeer(id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn().Err(err).Str("peer_id", id).Msg("load peer")
		}
		return models.PeerDevice{}, false
	}

	peer := toModel(*row)
	if peer.Status == models.PeerPaired {
		key, err := s.keyLocked(row)
		if err != nil {
			s.log.Error().Err(err).Str("peer_id", id).Msg("open stored shared key")
		} else {
			peer.SharedKey = bytes.Clone(key)
		}
	}
	return peer, true
}

// List returns every known peer without key material.
func (s *Store) List() ([]models.PeerDevice, error) {
	rows, err := s.db.ListPeers()
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	out := make([]models.PeerDevice, 0, len(rows))
	for _, row := range rows {
		out = append(out, toModel(row))
	}
	return out, nil
}

// Observe records a discovery announcement.
func (s *Store) Observe(ad models.Advertisement) error {
	if ad.DeviceID == "" {
		return errors.New("keystore: device id is required")
	}

	l := s.lockFor(ad.DeviceID)
	l.Lock()
	defer l.Unlock()

	if err := s.db.ObservePeer(ad.DeviceID, ad.Name, ad.IP, ad.Port, ad.KeyFingerprint, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("observe peer: %w", err)
	}
	return nil
}

// Transition moves a peer from one of the allowed statuses to next. It fails
// with ErrInvalidTransition if the current status is not in from. Moving into
// or out of paired goes through UpsertPaired and Unpair instead.
func (s *Store) Transition(id string, from []models.PeerStatus, next models.PeerStatus) error {
	if next == models.PeerPaired {
		return fmt.Errorf("%w: use UpsertPaired", ErrInvalidTransition)
	}

	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	row, err := s.db.GetPeer(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	current := models.PeerStatus(row.Status)
	if current == models.PeerPaired {
		return ErrAlreadyPaired
	}
	if !slices.Contains(from, current) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	if current == next {
		return nil
	}

	if err := s.db.UpdatePeerStatus(id, string(next), s.now().UnixMilli()); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// UpsertPaired stores a freshly agreed key and marks the peer paired.
// publicKey is the peer's identity key, pinned for later TLS connections.
//
// A peer that is already paired is refused with ErrAlreadyPaired: replacing a
// key requires an explicit Unpair first.
func (s *Store) UpsertPaired(id string, key, publicKey []byte) error {
	if len(key) != crypto.SharedKeySize {
		return ErrInvalidKey
	}

	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	row, err := s.db.GetPeer(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if row.Status == storage.PeerStatusPaired {
		return ErrAlreadyPaired
	}

	sealed, err := crypto.Seal(s.storageKey, key, []byte(id))
	if err != nil {
		return fmt.Errorf("seal shared key: %w", err)
	}

	fingerprint := ""
	if len(publicKey) > 0 {
		fingerprint = crypto.KeyFingerprint(publicKey)
	}
	if err := s.db.SetPeerPaired(id, sealed, publicKey, fingerprint, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("store paired peer: %w", err)
	}

	s.cacheMu.Lock()
	s.keys[id] = bytes.Clone(key)
	s.cacheMu.Unlock()

	s.log.Info().Str("peer_id", id).Str("fingerprint", fingerprint).Msg("peer paired")
	return nil
}

// Unpair zeroes and drops the peer's key and marks it unpaired. Unknown or
// already unpaired peers are not an error.
func (s *Store) Unpair(id string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.dropCachedKeyLocked(id)

	row, err := s.db.GetPeer(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if row.SealedSharedKey == nil && row.Status == storage.PeerStatusUnpaired {
		return nil
	}

	if err := s.db.ClearPeerKey(id, storage.PeerStatusUnpaired, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("clear peer key: %w", err)
	}
	if err := s.db.ForgetPeerSignatures(id); err != nil {
		s.log.Warn().Err(err).Str("peer_id", id).Msg("forget replay ledger")
	}

	s.log.Info().Str("peer_id", id).Msg("peer unpaired")
	return nil
}

// WithKey runs fn with the peer's shared key while holding the peer's read
// lock, so a concurrent Unpair waits until fn returns. fn must not retain key.
func (s *Store) WithKey(id string, fn func(key []byte) error) error {
	l := s.lockFor(id)
	l.RLock()
	defer l.RUnlock()

	row, err := s.db.GetPeer(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if row.Status != storage.PeerStatusPaired {
		return ErrNotPaired
	}

	key, err := s.keyLocked(row)
	if err != nil {
		return err
	}
	return fn(key)
}

// ExpireStale removes unpaired peers not seen since cutoff.
func (s *Store) ExpireStale(cutoff time.Time) ([]string, error) {
	removed, err := s.db.DeleteStalePeers(cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("expire stale peers: %w", err)
	}
	// Per-peer locks outlive the row: a goroutine may already hold one, and a
	// replacement lock would not exclude it.
	if len(removed) > 0 {
		s.log.Debug().Strs("peer_ids", removed).Msg("expired stale peers")
	}
	return removed, nil
}

// Reset unpairs every peer in one transaction, the equivalent of a fresh
// install. Peers being signed for finish first.
func (s *Store) Reset() error {
	rows, err := s.db.ListPeers()
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}
	for _, row := range rows {
		l := s.lockFor(row.DeviceID)
		l.Lock()
		defer l.Unlock()
	}

	ids, err := s.db.ClearAllPeerKeys(s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("reset key store: %w", err)
	}
	for _, id := range ids {
		s.dropCachedKeyLocked(id)
		if err := s.db.ForgetPeerSignatures(id); err != nil {
			s.log.Warn().Err(err).Str("peer_id", id).Msg("forget replay ledger")
		}
	}

	s.log.Info().Int("peers", len(ids)).Msg("key store reset")
	return nil
}

// keyLocked returns the cached key for row, opening the sealed copy on a miss.
// The caller holds the peer's lock.
func (s *Store) keyLocked(row *storage.Peer) ([]byte, error) {
	s.cacheMu.Lock()
	key, ok := s.keys[row.DeviceID]
	s.cacheMu.Unlock()
	if ok {
		return key, nil
	}

	if len(row.SealedSharedKey) == 0 {
		return nil, ErrNotPaired
	}
	key, err := crypto.Open(s.storageKey, row.SealedSharedKey, []byte(row.DeviceID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	s.cacheMu.Lock()
	if cached, ok := s.keys[row.DeviceID]; ok {
		key = cached
	} else {
		s.keys[row.DeviceID] = key
	}
	s.cacheMu.Unlock()
	return key, nil
}

func (s *Store) dropCachedKeyLocked(id string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if key, ok := s.keys[id]; ok {
		clear(key)
		delete(s.keys, id)
	}
}

func toModel(row storage.Peer) models.PeerDevice {
	peer := models.PeerDevice{
		ID:             row.DeviceID,
		Name:           row.DeviceName,
		Status:         models.PeerStatus(row.Status),
		KeyFingerprint: row.KeyFingerprint,
		PublicKey:      bytes.Clone(row.Ed25519PublicKey),
	}
	if row.LastKnownIP != nil {
		peer.IP = *row.LastKnownIP
	}
	if row.LastKnownPort != nil {
		peer.Port = *row.LastKnownPort
	}
	if row.LastSeenTimestamp != nil {
		peer.LastSeenAt = time.UnixMilli(*row.LastSeenTimestamp)
	}
	if row.PairedTimestamp != nil {
		peer.PairedAt = time.UnixMilli(*row.PairedTimestamp)
	}
	return peer
}
