package keystore

import (
	"bytes"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"plainpair/crypto"
	"plainpair/models"
	"plainpair/storage"
)

func newTestKeyStore(t *testing.T) (*Store, *storage.Store) {
	t.Helper()

	db, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	storageKey := randomKey(t)
	store, err := New(db, storageKey, Options{})
	require.NoError(t, err)
	return store, db
}

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, crypto.SharedKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func observe(t *testing.T, store *Store, id string) {
	t.Helper()
	require.NoError(t, store.Observe(models.Advertisement{
		DeviceID: id,
		Name:     "device " + id,
		IP:       "192.168.1.20",
		Port:     8443,
	}))
}

func TestObserveCreatesDiscoveredPeer(t *testing.T) {
	store, _ := newTestKeyStore(t)
	observe(t, store, "peer-a")

	peer, ok := store.Get("peer-a")
	require.True(t, ok)
	require.Equal(t, models.PeerDiscovered, peer.Status)
	require.Equal(t, "192.168.1.20", peer.IP)
	require.Equal(t, 8443, peer.Port)
	require.Nil(t, peer.SharedKey)
	require.False(t, peer.LastSeenAt.IsZero())

	_, ok = store.Get("missing")
	require.False(t, ok)
}

func TestUpsertPairedAndGetReturnsCopy(t *testing.T) {
	store, _ := newTestKeyStore(t)
	observe(t, store, "peer-a")

	key := randomKey(t)
	require.NoError(t, store.UpsertPaired("peer-a", key, bytes.Repeat([]byte{1}, 32)))

	peer, ok := store.Get("peer-a")
	require.True(t, ok)
	require.Equal(t, models.PeerPaired, peer.Status)
	require.Equal(t, key, peer.SharedKey)
	require.NotEmpty(t, peer.KeyFingerprint)

	peer.SharedKey[0] ^= 0xff
	again, _ := store.Get("peer-a")
	require.Equal(t, key, again.SharedKey, "mutating a returned copy must not touch the store")
}

func TestUpsertPairedRefusesRepair(t *testing.T) {
	store, _ := newTestKeyStore(t)
	observe(t, store, "peer-a")

	first := randomKey(t)
	require.NoError(t, store.UpsertPaired("peer-a", first, nil))
	require.ErrorIs(t, store.UpsertPaired("peer-a", randomKey(t), nil), ErrAlreadyPaired)

	peer, _ := store.Get("peer-a")
	require.Equal(t, first, peer.SharedKey)

	require.NoError(t, store.Unpair("peer-a"))
	second := randomKey(t)
	require.NoError(t, store.UpsertPaired("peer-a", second, nil))
	peer, _ = store.Get("peer-a")
	require.Equal(t, second, peer.SharedKey)
}

func TestUpsertPairedValidation(t *testing.T) {
	store, _ := newTestKeyStore(t)
	require.ErrorIs(t, store.UpsertPaired("ghost", randomKey(t), nil), ErrNotFound)

	observe(t, store, "peer-a")
	require.ErrorIs(t, store.UpsertPaired("peer-a", []byte("short"), nil), ErrInvalidKey)
}

func TestUnpairZeroesKeyAndBlocksWithKey(t *testing.T) {
	store, _ := newTestKeyStore(t)
	observe(t, store, "peer-a")
	require.NoError(t, store.UpsertPaired("peer-a", randomKey(t), nil))

	var held []byte
	require.NoError(t, store.WithKey("peer-a", func(key []byte) error {
		held = key
		return nil
	}))
	require.NotEqual(t, make([]byte, crypto.SharedKeySize), held)

	require.NoError(t, store.Unpair("peer-a"))
	require.Equal(t, make([]byte, crypto.SharedKeySize), held, "cached key bytes should be zeroed")

	err := store.WithKey("peer-a", func([]byte) error { return nil })
	require.ErrorIs(t, err, ErrNotPaired)

	peer, _ := store.Get("peer-a")
	require.Equal(t, models.PeerUnpaired, peer.Status)
	require.Nil(t, peer.SharedKey)

	require.NoError(t, store.Unpair("peer-a"), "unpair is idempotent")
	require.NoError(t, store.Unpair("never-seen"), "unpair of an unknown peer succeeds")
}

func TestUnpairWaitsForKeyHolders(t *testing.T) {
	store, _ := newTestKeyStore(t)
	observe(t, store, "peer-a")
	require.NoError(t, store.UpsertPaired("peer-a", randomKey(t), nil))

	entered := make(chan struct{})
	release := make(chan struct{})
	var seen []byte
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = store.WithKey("peer-a", func(key []byte) error {
			close(entered)
			<-release
			seen = bytes.Clone(key)
			return nil
		})
	}()

	<-entered
	unpaired := make(chan struct{})
	go func() {
		_ = store.Unpair("peer-a")
		close(unpaired)
	}()

	select {
	case <-unpaired:
		t.Fatal("unpair must wait for the key holder")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	wg.Wait()
	<-unpaired
	require.NotEqual(t, make([]byte, crypto.SharedKeySize), seen)
}

func TestKeySurvivesReopen(t *testing.T) {
	dataDir := t.TempDir()
	storageKey := randomKey(t)
	key := randomKey(t)

	db, _, err := storage.Open(dataDir)
	require.NoError(t, err)
	store, err := New(db, storageKey, Options{})
	require.NoError(t, err)
	observe(t, store, "peer-a")
	require.NoError(t, store.UpsertPaired("peer-a", key, nil))
	require.NoError(t, db.Close())

	db, _, err = storage.Open(dataDir)
	require.NoError(t, err)
	defer db.Close()
	store, err = New(db, storageKey, Options{})
	require.NoError(t, err)

	require.NoError(t, store.WithKey("peer-a", func(got []byte) error {
		require.Equal(t, key, got)
		return nil
	}))

	stored, err := db.GetPeer("peer-a")
	require.NoError(t, err)
	require.False(t, bytes.Contains(stored.SealedSharedKey, key), "key must not be stored in the clear")

	wrong, err := New(db, randomKey(t), Options{})
	require.NoError(t, err)
	require.ErrorIs(t, wrong.WithKey("peer-a", func([]byte) error { return nil }), ErrInvalidKey)
}

func TestTransition(t *testing.T) {
	store, _ := newTestKeyStore(t)
	observe(t, store, "peer-a")

	require.NoError(t, store.Transition("peer-a", []models.PeerStatus{models.PeerDiscovered}, models.PeerPairingOutbound))
	require.ErrorIs(t,
		store.Transition("peer-a", []models.PeerStatus{models.PeerDiscovered}, models.PeerPairingInbound),
		ErrInvalidTransition)
	require.ErrorIs(t,
		store.Transition("peer-a", []models.PeerStatus{models.PeerPairingOutbound}, models.PeerPaired),
		ErrInvalidTransition)
	require.ErrorIs(t,
		store.Transition("ghost", []models.PeerStatus{models.PeerDiscovered}, models.PeerRejected),
		ErrNotFound)

	require.NoError(t, store.UpsertPaired("peer-a", randomKey(t), nil))
	require.ErrorIs(t,
		store.Transition("peer-a", []models.PeerStatus{models.PeerPaired}, models.PeerDiscovered),
		ErrAlreadyPaired)
}

func TestExpireStaleAndReset(t *testing.T) {
	now := time.Now()
	clock := now.Add(-time.Hour)

	db, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	store, err := New(db, randomKey(t), Options{Now: func() time.Time { return clock }})
	require.NoError(t, err)

	observe(t, store, "old")
	observe(t, store, "paired")
	require.NoError(t, store.UpsertPaired("paired", randomKey(t), nil))
	clock = now
	observe(t, store, "fresh")

	held := store.lockFor("old")
	held.Lock()
	removed, err := store.ExpireStale(now.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, removed)
	require.Same(t, held, store.lockFor("old"))
	held.Unlock()

	require.NoError(t, store.Reset())
	peer, ok := store.Get("paired")
	require.True(t, ok)
	require.Equal(t, models.PeerUnpaired, peer.Status)

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, p := range list {
		require.Nil(t, p.SharedKey)
	}
}
