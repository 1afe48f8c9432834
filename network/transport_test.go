package network

import (
	"context"
	"math"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"plainpair/crypto"
	"plainpair/models"
	"plainpair/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSendToUnpairedPeerMakesNoNetworkCall(t *testing.T) {
	keys, _ := newKeyStore(t)
	require.NoError(t, keys.Observe(models.Advertisement{DeviceID: "device-b", Name: "B", IP: "127.0.0.1", Port: 9}))

	doer := &countingDoer{status: 200, body: `{"data":{"accepted":true}}`}
	transport, err := NewTransport(TransportOptions{
		LocalDeviceID: "device-a",
		Keys:          keys,
		NewClient:     func(Pin) Doer { return doer },
	})
	require.NoError(t, err)

	require.False(t, transport.Send(context.Background(), "device-b", []byte("hello")))
	require.False(t, transport.Send(context.Background(), "unknown", []byte("hello")))

	pairPeer(t, keys, "device-c", "127.0.0.1", 9, randomKey(t), newIdentity(t, "device-c").public)
	require.NoError(t, keys.Unpair("device-c"))
	require.False(t, transport.Send(context.Background(), "device-c", []byte("hello")))

	require.Zero(t, doer.calls.Load())
}

func TestSendTreatsResponseErrorsAsFailure(t *testing.T) {
	keys, _ := newKeyStore(t)
	pairPeer(t, keys, "device-b", "127.0.0.1", 9, randomKey(t), newIdentity(t, "device-b").public)

	doer := &countingDoer{status: 200, body: `{"data":null,"errors":[{"message":"nope"}]}`}
	transport, err := NewTransport(TransportOptions{
		LocalDeviceID: "device-a",
		Keys:          keys,
		NewClient:     func(Pin) Doer { return doer },
	})
	require.NoError(t, err)

	require.False(t, transport.Send(context.Background(), "device-b", []byte("hello")))
	require.EqualValues(t, 1, doer.calls.Load())

	doer.body = `{"data":{"accepted":true}}`
	require.True(t, transport.Send(context.Background(), "device-b", []byte("hello")))

	doer.status = 500
	doer.body = `oops`
	require.False(t, transport.Send(context.Background(), "device-b", []byte("hello")))
}

func TestSendRejectsNonUTF8Payload(t *testing.T) {
	keys, _ := newKeyStore(t)
	pairPeer(t, keys, "device-b", "127.0.0.1", 9, randomKey(t), newIdentity(t, "device-b").public)

	doer := &countingDoer{status: 200, body: `{"data":{"accepted":true}}`}
	transport, err := NewTransport(TransportOptions{
		LocalDeviceID: "device-a",
		Keys:          keys,
		NewClient:     func(Pin) Doer { return doer },
	})
	require.NoError(t, err)

	require.False(t, transport.Send(context.Background(), "device-b", []byte{0xff, 0xfe}))
	require.Zero(t, doer.calls.Load())
}

func TestSendReachesPairedPeerOverPinnedTLS(t *testing.T) {
	idA := newIdentity(t, "device-a")
	idB := newIdentity(t, "device-b")
	shared := randomKey(t)

	keysB, _ := newKeyStore(t)
	receiverB, err := NewTransport(TransportOptions{LocalDeviceID: "device-b", Keys: keysB, Identity: idB.cert})
	require.NoError(t, err)

	received := make(chan models.Message, 1)
	receiverB.OnMessage(func(msg models.Message) { received <- msg })

	router := mux.NewRouter()
	router.Handle(PathPeerMessage, receiverB.Handler())
	ip, port := startTLSServer(t, idB, router)

	keysA, _ := newKeyStore(t)
	pairPeer(t, keysA, "device-b", ip, port, shared, idB.public)
	pairPeer(t, keysB, "device-a", "127.0.0.1", 1, shared, idA.public)

	senderA, err := NewTransport(TransportOptions{LocalDeviceID: "device-a", Keys: keysA, Identity: idA.cert})
	require.NoError(t, err)

	require.True(t, senderA.Send(context.Background(), "device-b", []byte("hello")))

	select {
	case msg := <-received:
		require.Equal(t, "device-a", msg.FromDeviceID)
		require.Equal(t, []byte("hello"), msg.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestHandlerRejectsSenderPresentingWrongIdentity(t *testing.T) {
	idA := newIdentity(t, "device-a")
	idB := newIdentity(t, "device-b")
	impostor := newIdentity(t, "impostor")
	shared := randomKey(t)

	keysB, db := newKeyStore(t)
	receiverB, err := NewTransport(TransportOptions{LocalDeviceID: "device-b", Keys: keysB, Audit: db, Identity: idB.cert})
	require.NoError(t, err)
	ip, port := startTLSServer(t, idB, receiverB.Handler())
	pairPeer(t, keysB, "device-a", "127.0.0.1", 1, shared, idA.public)

	// The impostor knows the shared key but not A's identity key.
	keysI, _ := newKeyStore(t)
	pairPeer(t, keysI, "device-b", ip, port, shared, idB.public)
	sender, err := NewTransport(TransportOptions{LocalDeviceID: "device-a", Keys: keysI, Identity: impostor.cert})
	require.NoError(t, err)

	require.False(t, sender.Send(context.Background(), "device-b", []byte("hello")))

	events, err := db.GetSecurityEvents(storage.SecurityEventFilter{EventType: storage.EventPeerKeyMismatch})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestReplayedMessageIsRejected(t *testing.T) {
	keys, db := newKeyStore(t)
	shared := randomKey(t)
	pairPeer(t, keys, "device-a", "127.0.0.1", 1, shared, newIdentity(t, "device-a").public)

	t0 := time.UnixMilli(1_700_000_000_000)
	clk := &clock{now: t0}
	transport, err := NewTransport(TransportOptions{
		LocalDeviceID: "device-b",
		Keys:          keys,
		Audit:         db,
		NewClient:     func(Pin) Doer { return &countingDoer{} },
		Now:           clk.Now,
	})
	require.NoError(t, err)

	payload := []byte("hello")
	signature := crypto.Sign(shared, t0.UnixMilli(), payload)

	require.True(t, transport.ReceiveAndVerify("device-a", t0.UnixMilli(), payload, signature))
	require.False(t, transport.ReceiveAndVerify("device-a", t0.UnixMilli(), payload, signature), "replay inside the window")

	clk.Advance(6 * time.Minute)
	require.False(t, transport.ReceiveAndVerify("device-a", t0.UnixMilli(), payload, signature), "replay outside the window")

	events, err := db.GetSecurityEvents(storage.SecurityEventFilter{PeerDeviceID: "device-a"})
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.EventType)
	}
	require.ElementsMatch(t, []string{storage.EventReplayDetected, storage.EventTimestampOutside}, types)
}

func TestReceiveAndVerifyRejections(t *testing.T) {
	keys, db := newKeyStore(t)
	shared := randomKey(t)
	pairPeer(t, keys, "device-a", "127.0.0.1", 1, shared, newIdentity(t, "device-a").public)
	require.NoError(t, keys.Observe(models.Advertisement{DeviceID: "device-x", Name: "X", IP: "127.0.0.1", Port: 1}))

	now := time.UnixMilli(1_700_000_000_000)
	transport, err := NewTransport(TransportOptions{
		LocalDeviceID: "device-b",
		Keys:          keys,
		Audit:         db,
		NewClient:     func(Pin) Doer { return &countingDoer{} },
		Now:           func() time.Time { return now },
	})
	require.NoError(t, err)

	ts := now.UnixMilli()
	payload := []byte(`{"text":"hi"}`)
	valid := crypto.Sign(shared, ts, payload)

	tampered := append([]byte(nil), valid...)
	tampered[0] ^= 0x01
	stale := now.Add(-5*time.Minute - time.Millisecond).UnixMilli()
	future := now.Add(5*time.Minute + time.Millisecond).UnixMilli()

	require.False(t, transport.ReceiveAndVerify("device-a", ts, payload, nil))
	require.False(t, transport.ReceiveAndVerify("device-a", ts, payload, []byte{}))
	require.False(t, transport.ReceiveAndVerify("device-a", ts, payload, tampered))
	require.False(t, transport.ReceiveAndVerify("device-a", ts, []byte(`{"text":"ho"}`), valid))
	require.False(t, transport.ReceiveAndVerify("device-a", stale, payload, crypto.Sign(shared, stale, payload)))
	require.False(t, transport.ReceiveAndVerify("device-a", future, payload, crypto.Sign(shared, future, payload)))
	require.False(t, transport.ReceiveAndVerify("device-x", ts, payload, valid))
	require.False(t, transport.ReceiveAndVerify("unknown", ts, payload, valid))
	for _, far := range []int64{1_000_000_000_000_000, math.MaxInt64 / 2, math.MaxInt64, math.MinInt64, -1} {
		require.False(t, transport.ReceiveAndVerify("device-a", far, payload, crypto.Sign(shared, far, payload)), "ts=%d", far)
	}

	edge := now.Add(-5 * time.Minute).UnixMilli()
	require.True(t, transport.ReceiveAndVerify("device-a", edge, payload, crypto.Sign(shared, edge, payload)))
	require.True(t, transport.ReceiveAndVerify("device-a", ts, payload, valid))

	missing, err := db.GetSecurityEvents(storage.SecurityEventFilter{EventType: storage.EventSignatureMissing})
	require.NoError(t, err)
	require.Len(t, missing, 2)
	notPaired, err := db.GetSecurityEvents(storage.SecurityEventFilter{EventType: storage.EventPeerNotPaired})
	require.NoError(t, err)
	require.Len(t, notPaired, 2)
}

func TestUnpairInvalidatesPreviouslyValidSignature(t *testing.T) {
	keys, db := newKeyStore(t)
	shared := randomKey(t)
	pairPeer(t, keys, "device-a", "127.0.0.1", 1, shared, newIdentity(t, "device-a").public)

	now := time.UnixMilli(1_700_000_000_000)
	transport, err := NewTransport(TransportOptions{
		LocalDeviceID: "device-b",
		Keys:          keys,
		Audit:         db,
		NewClient:     func(Pin) Doer { return &countingDoer{} },
		Now:           func() time.Time { return now },
	})
	require.NoError(t, err)

	ts := now.UnixMilli()
	signature := crypto.Sign(shared, ts, []byte("hello"))

	require.NoError(t, keys.Unpair("device-a"))
	require.False(t, transport.ReceiveAndVerify("device-a", ts, []byte("hello"), signature))
}

func TestServerHealth(t *testing.T) {
	serverID := newIdentity(t, "device-a")
	server, err := NewServer(ServerOptions{Identity: serverID.cert})
	require.NoError(t, err)
	require.NoError(t, server.Listen("127.0.0.1:0"))
	require.NotZero(t, server.Port())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	client := NewPinnedClientFactory(newIdentity(t, "client").cert, time.Second)(Pin{PublicKey: serverID.public})
	url := "https://" + server.Addr().String() + PathHealth
	require.Eventually(t, func() bool {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestClientCacheFollowsPairing(t *testing.T) {
	keys, _ := newKeyStore(t)
	pairPeer(t, keys, "device-b", "127.0.0.1", 9, randomKey(t), newIdentity(t, "device-b").public)

	var built []*idleDoer
	transport, err := NewTransport(TransportOptions{
		LocalDeviceID: "device-a",
		Keys:          keys,
		NewClient: func(Pin) Doer {
			d := &idleDoer{countingDoer: countingDoer{status: 200, body: `{"data":{"accepted":true}}`}}
			built = append(built, d)
			return d
		},
	})
	require.NoError(t, err)

	require.True(t, transport.Send(context.Background(), "device-b", []byte("one")))
	require.True(t, transport.Send(context.Background(), "device-b", []byte("two")))
	require.Len(t, built, 1)

	// A new key for the same peer gets a new client.
	other := newIdentity(t, "device-b")
	first := transport.client("device-b", Pin{PublicKey: other.public})
	require.Len(t, built, 2)
	require.EqualValues(t, 1, built[0].idleClosed.Load())
	require.Same(t, first, transport.client("device-b", Pin{PublicKey: other.public}))

	require.NoError(t, keys.Unpair("device-b"))
	transport.evictUnpaired()
	require.EqualValues(t, 1, built[1].idleClosed.Load())
	transport.clientsMu.Lock()
	require.Empty(t, transport.clients)
	transport.clientsMu.Unlock()

	require.False(t, transport.Send(context.Background(), "device-b", []byte("three")))
	require.Len(t, built, 2)
}
