package storage

import (
	"bytes"
	"errors"
	"testing"
)

func TestPeerCRUD(t *testing.T) {
	store := newTestStore(t)

	lastSeen := nowUnixMilli()
	if err := store.ObservePeer("peer-1", "Alice", "192.168.1.10", 8443, "deadbeefdeadbeefdeadbeefdeadbeef", lastSeen); err != nil {
		t.Fatalf("ObservePeer failed: %v", err)
	}

	got, err := store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.DeviceName != "Alice" {
		t.Fatalf("unexpected device name: got %q", got.DeviceName)
	}
	if got.Status != PeerStatusDiscovered {
		t.Fatalf("unexpected status: got %q", got.Status)
	}
	if got.SealedSharedKey != nil {
		t.Fatalf("expected no sealed key, got %x", got.SealedSharedKey)
	}
	if got.LastSeenTimestamp == nil || *got.LastSeenTimestamp != lastSeen {
		t.Fatalf("unexpected last_seen_timestamp: got %+v", got.LastSeenTimestamp)
	}

	mustObservePeer(t, store, "peer-2", "Bob")

	list, err := store.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(list))
	}
	if list[0].DeviceName != "Alice" {
		t.Fatalf("expected peers sorted by name, got %q first", list[0].DeviceName)
	}

	if err := store.UpdatePeerStatus("peer-1", PeerStatusPairingOutbound, 0); err != nil {
		t.Fatalf("UpdatePeerStatus failed: %v", err)
	}
	updated, err := store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer after update failed: %v", err)
	}
	if updated.Status != PeerStatusPairingOutbound {
		t.Fatalf("expected status %q, got %q", PeerStatusPairingOutbound, updated.Status)
	}

	if err := store.UpdatePeerStatus("peer-1", "online", 0); err == nil {
		t.Fatalf("expected invalid status to be rejected")
	}
	if err := store.UpdatePeerStatus("missing", PeerStatusRejected, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing peer, got %v", err)
	}

	if got.LastKnownIP == nil || *got.LastKnownIP != "192.168.1.10" || got.LastKnownPort == nil || *got.LastKnownPort != 8443 {
		t.Fatalf("unexpected endpoint: %+v %+v", got.LastKnownIP, got.LastKnownPort)
	}
}

func TestPairAndClearPeerKey(t *testing.T) {
	store := newTestStore(t)
	mustObservePeer(t, store, "peer-key", "Keyed")

	sealed := []byte("sealed-blob")
	publicKey := bytes.Repeat([]byte{7}, 32)
	if err := store.SetPeerPaired("peer-key", sealed, publicKey, "ffff", 0); err != nil {
		t.Fatalf("SetPeerPaired failed: %v", err)
	}

	paired, err := store.GetPeer("peer-key")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if paired.Status != PeerStatusPaired {
		t.Fatalf("expected paired, got %q", paired.Status)
	}
	if !bytes.Equal(paired.SealedSharedKey, sealed) {
		t.Fatalf("sealed key mismatch")
	}
	if !bytes.Equal(paired.Ed25519PublicKey, publicKey) {
		t.Fatalf("public key mismatch")
	}
	if paired.KeyFingerprint != "ffff" {
		t.Fatalf("expected fingerprint to be replaced, got %q", paired.KeyFingerprint)
	}
	if paired.PairedTimestamp == nil {
		t.Fatalf("expected paired timestamp")
	}

	if err := store.UpdatePeerStatus("peer-key", PeerStatusDiscovered, 0); !errors.Is(err, ErrPeerPaired) {
		t.Fatalf("expected ErrPeerPaired, got %v", err)
	}

	if err := store.ClearPeerKey("peer-key", PeerStatusUnpaired, 0); err != nil {
		t.Fatalf("ClearPeerKey failed: %v", err)
	}
	cleared, err := store.GetPeer("peer-key")
	if err != nil {
		t.Fatalf("GetPeer after clear failed: %v", err)
	}
	if cleared.Status != PeerStatusUnpaired || cleared.SealedSharedKey != nil || cleared.PairedTimestamp != nil {
		t.Fatalf("expected cleared unpaired peer, got %+v", cleared)
	}
}

func TestObservePeerKeepsPairedFingerprint(t *testing.T) {
	store := newTestStore(t)

	if err := store.ObservePeer("peer-obs", "Observed", "10.0.0.2", 9000, "aaaa", 1000); err != nil {
		t.Fatalf("ObservePeer insert failed: %v", err)
	}
	first, err := store.GetPeer("peer-obs")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if first.Status != PeerStatusDiscovered || first.KeyFingerprint != "aaaa" {
		t.Fatalf("unexpected observed peer %+v", first)
	}

	if err := store.ObservePeer("peer-obs", "Renamed", "10.0.0.3", 9001, "bbbb", 2000); err != nil {
		t.Fatalf("ObservePeer update failed: %v", err)
	}
	second, _ := store.GetPeer("peer-obs")
	if second.DeviceName != "Renamed" || *second.LastKnownIP != "10.0.0.3" || *second.LastKnownPort != 9001 {
		t.Fatalf("expected refreshed endpoint, got %+v", second)
	}
	if second.KeyFingerprint != "bbbb" {
		t.Fatalf("expected unpaired fingerprint to follow advertisement, got %q", second.KeyFingerprint)
	}

	if err := store.SetPeerPaired("peer-obs", []byte("sealed"), nil, "", 0); err != nil {
		t.Fatalf("SetPeerPaired failed: %v", err)
	}
	if err := store.ObservePeer("peer-obs", "Renamed", "10.0.0.3", 9001, "cccc", 3000); err != nil {
		t.Fatalf("ObservePeer paired failed: %v", err)
	}
	third, _ := store.GetPeer("peer-obs")
	if third.KeyFingerprint != "bbbb" {
		t.Fatalf("expected paired fingerprint to stay pinned, got %q", third.KeyFingerprint)
	}
	if third.Status != PeerStatusPaired {
		t.Fatalf("observation must not change status, got %q", third.Status)
	}
}

func TestDeleteStalePeersSparesPairedAndHandshaking(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"stale", "fresh", "paired", "handshake"} {
		if err := store.ObservePeer(id, id, "10.0.0.1", 9000, "", 1000); err != nil {
			t.Fatalf("ObservePeer %s failed: %v", id, err)
		}
	}
	if err := store.ObservePeer("fresh", "fresh", "10.0.0.1", 9000, "", 5000); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if err := store.SetPeerPaired("paired", []byte("sealed"), nil, "", 0); err != nil {
		t.Fatalf("SetPeerPaired failed: %v", err)
	}
	if err := store.UpdatePeerStatus("handshake", PeerStatusPairingInbound, 0); err != nil {
		t.Fatalf("UpdatePeerStatus failed: %v", err)
	}

	removed, err := store.DeleteStalePeers(2000)
	if err != nil {
		t.Fatalf("DeleteStalePeers failed: %v", err)
	}
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("expected only stale to be removed, got %v", removed)
	}

	peers, err := store.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers failed: %v", err)
	}
	if len(peers) != 3 {
		t.Fatalf("expected 3 peers left, got %d", len(peers))
	}
}

func TestClearAllPeerKeys(t *testing.T) {
	store := newTestStore(t)
	mustObservePeer(t, store, "a", "A")
	mustObservePeer(t, store, "b", "B")
	mustObservePeer(t, store, "c", "C")

	for _, id := range []string{"a", "c"} {
		if err := store.SetPeerPaired(id, []byte("sealed-"+id), nil, "", 0); err != nil {
			t.Fatalf("SetPeerPaired %s failed: %v", id, err)
		}
	}

	ids, err := store.ClearAllPeerKeys(0)
	if err != nil {
		t.Fatalf("ClearAllPeerKeys failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "c" {
		t.Fatalf("unexpected cleared ids %v", ids)
	}

	for _, id := range ids {
		peer, err := store.GetPeer(id)
		if err != nil {
			t.Fatalf("GetPeer %s failed: %v", id, err)
		}
		if peer.Status != PeerStatusUnpaired || peer.SealedSharedKey != nil {
			t.Fatalf("expected %s unpaired without key, got %+v", id, peer)
		}
	}
}
