package network

import (
	"context"
	"crypto/ed25519"
	"net"
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"plainpair/crypto"
)

func TestPinCheck(t *testing.T) {
	a := newIdentity(t, "device-a")
	b := newIdentity(t, "device-b")

	require.NoError(t, Pin{PublicKey: a.public}.Check(a.public))
	require.ErrorIs(t, Pin{PublicKey: a.public}.Check(b.public), ErrPeerKeyMismatch)

	byFingerprint := Pin{Fingerprint: crypto.KeyFingerprint(a.public)}
	require.NoError(t, byFingerprint.Check(a.public))
	require.ErrorIs(t, byFingerprint.Check(b.public), ErrPeerKeyMismatch)

	require.True(t, Pin{}.Empty())
	require.Error(t, Pin{}.Check(a.public))
}

func TestPinnedClientTalksToPinnedServer(t *testing.T) {
	server := newIdentity(t, "server")
	client := newIdentity(t, "client")

	seen := make(chan ed25519.PublicKey, 1)
	ip, port := startTLSServer(t, server, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, _ := PeerPublicKey(r)
		seen <- key
		w.WriteHeader(http.StatusNoContent)
	}))
	url := "https://" + net.JoinHostPort(ip, strconv.Itoa(port)) + PathHealth

	factory := NewPinnedClientFactory(client.cert, 0)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := factory(Pin{PublicKey: server.public}).Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, client.public, <-seen)
}

func TestPinnedClientRejectsUnexpectedServerKey(t *testing.T) {
	server := newIdentity(t, "server")
	impostor := newIdentity(t, "impostor")
	client := newIdentity(t, "client")

	ip, port := startTLSServer(t, impostor, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run for a mismatched server key")
	}))
	url := "https://" + net.JoinHostPort(ip, strconv.Itoa(port)) + PathHealth

	for _, pin := range []Pin{
		{PublicKey: server.public},
		{Fingerprint: crypto.KeyFingerprint(server.public)},
	} {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
		require.NoError(t, err)
		_, err = NewPinnedClientFactory(client.cert, 0)(pin).Do(req)
		require.ErrorContains(t, err, ErrPeerKeyMismatch.Error())
	}
}
