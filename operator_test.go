package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"plainpair/config"
	"plainpair/keystore"
	"plainpair/models"
	"plainpair/storage"
)

func newTestKeys(t *testing.T) *keystore.Store {
	t.Helper()
	db, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	keys, err := keystore.New(db, key, keystore.Options{})
	require.NoError(t, err)
	return keys
}

func TestOperatorAnswersLatestPrompt(t *testing.T) {
	var out bytes.Buffer
	op := newOperator(operatorOptions{Out: &out})

	var got []string
	open := make(chan struct{})
	op.ask(&prompt{
		kind:   "pairing",
		id:     "first",
		done:   open,
		accept: func() error { got = append(got, "accept first"); return nil },
		deny:   func() error { got = append(got, "deny first"); return nil },
	})
	op.ask(&prompt{
		kind:   "console",
		id:     "second",
		done:   open,
		accept: func() error { got = append(got, "accept second"); return nil },
		deny:   func() error { got = append(got, "deny second"); return nil },
	})

	require.NoError(t, op.handle(context.Background(), "n"))
	require.Equal(t, []string{"deny second"}, got)

	require.EqualError(t, op.handle(context.Background(), "y"), "nothing to answer")
}

func TestOperatorRefusesSettledPrompt(t *testing.T) {
	op := newOperator(operatorOptions{Out: &bytes.Buffer{}})

	settled := make(chan struct{})
	close(settled)
	called := false
	op.ask(&prompt{
		kind:   "pairing",
		id:     "req-1",
		done:   settled,
		accept: func() error { called = true; return nil },
	})

	err := op.handle(context.Background(), "yes")
	require.ErrorContains(t, err, "no longer pending")
	require.False(t, called)
}

func TestOperatorResolvesPeerByPrefix(t *testing.T) {
	keys := newTestKeys(t)
	for _, ad := range []models.Advertisement{
		{DeviceID: "4f1c-aaaa", Name: "Kitchen Laptop", IP: "192.168.1.20", Port: 9000},
		{DeviceID: "4f2d-bbbb", Name: "Office Desktop", IP: "192.168.1.21", Port: 9000},
	} {
		require.NoError(t, keys.Observe(ad))
	}
	op := newOperator(operatorOptions{Out: &bytes.Buffer{}, Keys: keys})

	id, err := op.resolvePeer("4f1")
	require.NoError(t, err)
	require.Equal(t, "4f1c-aaaa", id)

	id, err = op.resolvePeer("office")
	require.NoError(t, err)
	require.Equal(t, "4f2d-bbbb", id)

	_, err = op.resolvePeer("4f")
	require.ErrorContains(t, err, "matches 2 devices")

	_, err = op.resolvePeer("garage")
	require.ErrorContains(t, err, "no device matches")

	require.Equal(t, "Kitchen Laptop", op.peerLabel("4f1c-aaaa"))
	require.Equal(t, "missing", op.peerLabel("missing"))
}

func TestOperatorHelpAndQuit(t *testing.T) {
	var out bytes.Buffer
	op := newOperator(operatorOptions{Out: &out})

	require.NoError(t, op.handle(context.Background(), "help"))
	require.Contains(t, out.String(), "pair <peer>")
	require.ErrorIs(t, op.handle(context.Background(), "quit"), errQuit)
	require.NoError(t, op.handle(context.Background(), "   "))
	require.ErrorContains(t, op.handle(context.Background(), "frobnicate"), "unknown command")
}

func TestListenAddress(t *testing.T) {
	cfg := &config.DeviceConfig{PortMode: config.PortModeAutomatic, ListeningPort: 8443}
	require.Equal(t, ":0", listenAddress(cfg, 0))
	require.Equal(t, ":9100", listenAddress(cfg, 9100))

	cfg.PortMode = config.PortModeFixed
	require.Equal(t, ":8443", listenAddress(cfg, 0))
}
