package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"plainpair/crypto"
	"plainpair/keystore"
	"plainpair/models"
	"plainpair/storage"
)

// KeyStore is the part of the peer key store the transport reads.
type KeyStore interface {
	Get(id string) (models.PeerDevice, bool)
	WithKey(id string, fn func(key []byte) error) error
}

// AuditLog records rejected messages and remembers accepted signatures.
// *storage.Store satisfies it.
type AuditLog interface {
	RecordSecurityEvent(eventType, peerDeviceID, severity string, details map[string]any) error
	MarkSignatureSeen(peerDeviceID, signature string, timestamp int64) (bool, error)
	PruneSeenSignatures(cutoffTimestamp int64) (int64, error)
}

// TransportOptions configures a Transport.
type TransportOptions struct {
	LocalDeviceID string
	Keys          KeyStore
	// Audit is optional. Without it there is no replay ledger beyond the
	// timestamp window and rejections are only logged.
	Audit AuditLog

	// Identity is presented to peers. Ignored when NewClient is set.
	Identity           tls.Certificate
	NewClient          ClientFactory
	ReplayWindow       time.Duration
	MaxConcurrentSends int
	RequestTimeout     time.Duration
	Now                func() time.Time
	Logger             zerolog.Logger
}

// Transport sends and verifies signed application messages between paired
// peers. Every outgoing message is signed and every incoming one verified.
type Transport struct {
	localID   string
	keys      KeyStore
	audit     AuditLog
	newClient ClientFactory
	window    time.Duration
	timeout   time.Duration
	now       func() time.Time
	log       zerolog.Logger
	sends     *semaphore.Weighted

	clientsMu sync.Mutex
	clients   map[string]pinnedClient

	handlerMu sync.RWMutex
	onMessage func(models.Message)
}

// NewTransport validates options and applies defaults.
func NewTransport(options TransportOptions) (*Transport, error) {
	if options.LocalDeviceID == "" {
		return nil, errors.New("network: local device id is required")
	}
	if options.Keys == nil {
		return nil, errors.New("network: key store is required")
	}

	window := options.ReplayWindow
	if window <= 0 {
		window = DefaultReplayWindow
	}
	timeout := options.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	maxSends := options.MaxConcurrentSends
	if maxSends <= 0 {
		maxSends = DefaultMaxConcurrentSends
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	newClient := options.NewClient
	if newClient == nil {
		if len(options.Identity.Certificate) == 0 {
			return nil, errors.New("network: identity certificate or client factory is required")
		}
		newClient = NewPinnedClientFactory(options.Identity, timeout)
	}

	return &Transport{
		localID:   options.LocalDeviceID,
		keys:      options.Keys,
		audit:     options.Audit,
		newClient: newClient,
		window:    window,
		timeout:   timeout,
		now:       now,
		log:       options.Logger.With().Str("component", "transport").Logger(),
		sends:     semaphore.NewWeighted(int64(maxSends)),
		clients:   make(map[string]pinnedClient),
	}, nil
}

// OnMessage registers the callback for verified inbound messages.
func (t *Transport) OnMessage(fn func(models.Message)) {
	t.handlerMu.Lock()
	t.onMessage = fn
	t.handlerMu.Unlock()
}

// Send signs payload with the peer's shared key and posts it to the peer.
// It reports whether the peer accepted the message. Peers that are not paired
// fail without any network call. A failed send is not retried; a retry is a
// new message with a new timestamp.
func (t *Transport) Send(ctx context.Context, peerID string, payload []byte) bool {
	logger := t.log.With().Str("peer_id", peerID).Logger()

	peer, ok := t.keys.Get(peerID)
	if !ok || peer.Status != models.PeerPaired || len(peer.SharedKey) == 0 {
		logger.Debug().Msg("send refused: peer not paired")
		t.Forget(peerID)
		return false
	}
	clear(peer.SharedKey)

	if !utf8.Valid(payload) {
		logger.Warn().Msg("send refused: payload is not valid UTF-8")
		return false
	}
	if peer.IP == "" || peer.Port <= 0 {
		logger.Warn().Msg("send refused: no known endpoint")
		return false
	}
	pin := Pin{PublicKey: peer.PublicKey, Fingerprint: peer.KeyFingerprint}
	if pin.Empty() {
		logger.Warn().Msg("send refused: no key to pin")
		return false
	}

	if err := t.sends.Acquire(ctx, 1); err != nil {
		return false
	}
	defer t.sends.Release(1)

	var request PeerMessageRequest
	err := t.keys.WithKey(peerID, func(key []byte) error {
		timestamp := t.now().UnixMilli()
		request = PeerMessageRequest{
			ClientID:  t.localID,
			Content:   string(payload),
			Timestamp: timestamp,
			Signature: crypto.EncodeSignature(crypto.Sign(key, timestamp, payload)),
		}
		return nil
	})
	if err != nil {
		logger.Debug().Err(err).Msg("send refused: key unavailable")
		return false
	}

	response, err := t.post(ctx, peer, pin, request)
	if err != nil {
		logger.Warn().Err(err).Msg("send failed")
		return false
	}
	if len(response.Errors) > 0 {
		logger.Warn().Str("error", response.Errors[0].Message).Msg("peer rejected message")
		return false
	}
	return response.Data != nil && response.Data.Accepted
}

func (t *Transport) post(ctx context.Context, peer models.PeerDevice, pin Pin, request PeerMessageRequest) (*PeerMessageResponse, error) {
	body, err := EncodeJSON(request)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	url := "https://" + net.JoinHostPort(peer.IP, strconv.Itoa(peer.Port)) + PathPeerMessage
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client(peer.ID, pin).Do(req)
	if err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	var out PeerMessageResponse
	if err := DecodeJSON(resp.Body, &out); err != nil {
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("peer responded %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode/100 != 2 && len(out.Errors) == 0 {
		return nil, fmt.Errorf("peer responded %d", resp.StatusCode)
	}
	return &out, nil
}

type pinnedClient struct {
	pin  string
	doer Doer
}

// client returns the peer's cached client, replacing it when the pin moved.
func (t *Transport) client(peerID string, pin Pin) Doer {
	key := pin.String()

	t.clientsMu.Lock()
	defer t.clientsMu.Unlock()

	if c, ok := t.clients[peerID]; ok {
		if c.pin == key {
			return c.doer
		}
		closeIdle(c.doer)
	}
	c := pinnedClient{pin: key, doer: t.newClient(pin)}
	t.clients[peerID] = c
	return c.doer
}

// Forget drops the cached client for a peer and closes its idle connections.
func (t *Transport) Forget(peerID string) {
	t.clientsMu.Lock()
	c, ok := t.clients[peerID]
	delete(t.clients, peerID)
	t.clientsMu.Unlock()

	if ok {
		closeIdle(c.doer)
	}
}

// evictUnpaired forgets clients of peers that are no longer paired.
func (t *Transport) evictUnpaired() {
	t.clientsMu.Lock()
	ids := make([]string, 0, len(t.clients))
	for id := range t.clients {
		ids = append(ids, id)
	}
	t.clientsMu.Unlock()

	for _, id := range ids {
		peer, ok := t.keys.Get(id)
		clear(peer.SharedKey)
		if !ok || peer.Status != models.PeerPaired {
			t.Forget(id)
		}
	}
}

func closeIdle(d Doer) {
	if closer, ok := d.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
}

// ReceiveAndVerify decides whether an inbound message from peerID is
// authentic and fresh. Any failed check rejects the message outright.
func (t *Transport) ReceiveAndVerify(peerID string, timestampMs int64, payload, signature []byte) bool {
	if len(signature) == 0 {
		t.reject(storage.EventSignatureMissing, peerID, storage.SecuritySeverityWarning, nil)
		return false
	}

	// Compared in milliseconds: a Duration cannot hold the distance to an
	// arbitrary int64 timestamp.
	nowMs := t.now().UnixMilli()
	windowMs := t.window.Milliseconds()
	if !withinWindow(nowMs, timestampMs, windowMs) {
		t.reject(storage.EventTimestampOutside, peerID, storage.SecuritySeverityWarning, map[string]any{
			"timestamp": timestampMs,
			"now":       nowMs,
		})
		return false
	}

	// The ledger write happens under the peer's read lock so an unpair cannot
	// slip between verification and recording.
	var eventType string
	err := t.keys.WithKey(peerID, func(key []byte) error {
		if !crypto.Verify(key, timestampMs, payload, signature) {
			eventType = storage.EventSignatureInvalid
			return errRejected
		}
		if t.audit == nil {
			return nil
		}
		fresh, err := t.audit.MarkSignatureSeen(peerID, crypto.EncodeSignature(signature), timestampMs)
		if err != nil {
			return fmt.Errorf("replay ledger: %w", err)
		}
		if !fresh {
			eventType = storage.EventReplayDetected
			return errRejected
		}
		return nil
	})
	switch {
	case err == nil:
		return true
	case eventType != "":
		t.reject(eventType, peerID, storage.SecuritySeverityCritical, map[string]any{"timestamp": timestampMs})
	case errors.Is(err, errRejected):
	default:
		if errors.Is(err, keystore.ErrNotPaired) || errors.Is(err, keystore.ErrNotFound) {
			t.reject(storage.EventPeerNotPaired, peerID, storage.SecuritySeverityWarning, nil)
		} else {
			t.log.Error().Err(err).Str("peer_id", peerID).Msg("verify message")
		}
	}
	return false
}

var errRejected = errors.New("network: message rejected")

// withinWindow reports whether |now-ts| <= window without overflowing.
func withinWindow(nowMs, ts, windowMs int64) bool {
	if ts >= nowMs {
		return ts-nowMs >= 0 && ts-nowMs <= windowMs
	}
	return nowMs-ts >= 0 && nowMs-ts <= windowMs
}

func (t *Transport) reject(eventType, peerID, severity string, details map[string]any) {
	t.log.Warn().Str("peer_id", peerID).Str("reason", eventType).Msg("inbound message rejected")
	if t.audit == nil {
		return
	}
	if err := t.audit.RecordSecurityEvent(eventType, peerID, severity, details); err != nil {
		t.log.Error().Err(err).Msg("record security event")
	}
}

// Handler serves the peer message endpoint.
func (t *Transport) Handler() http.Handler {
	return http.HandlerFunc(t.serveMessage)
}

func (t *Transport) serveMessage(w http.ResponseWriter, r *http.Request) {
	var request PeerMessageRequest
	if err := DecodeJSON(r.Body, &request); err != nil || request.ClientID == "" {
		WriteError(w, http.StatusBadRequest, CodeBadRequest, "malformed message")
		return
	}

	if peer, ok := t.keys.Get(request.ClientID); ok && len(peer.PublicKey) > 0 {
		clear(peer.SharedKey)
		presented, hasCert := PeerPublicKey(r)
		if !hasCert || (Pin{PublicKey: peer.PublicKey}).Check(presented) != nil {
			t.reject(storage.EventPeerKeyMismatch, request.ClientID, storage.SecuritySeverityCritical, map[string]any{
				"remote_addr": r.RemoteAddr,
			})
			WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
			return
		}
	}

	payload := []byte(request.Content)
	if !t.ReceiveAndVerify(request.ClientID, request.Timestamp, payload, crypto.DecodeSignature(request.Signature)) {
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
		return
	}

	t.handlerMu.RLock()
	onMessage := t.onMessage
	t.handlerMu.RUnlock()
	if onMessage != nil {
		onMessage(models.Message{
			FromDeviceID:      request.ClientID,
			Content:           payload,
			TimestampSent:     request.Timestamp,
			TimestampReceived: t.now().UnixMilli(),
		})
	}

	WriteJSON(w, http.StatusOK, PeerMessageResponse{Data: &PeerMessageResult{Accepted: true}})
}

// Run prunes the replay ledger and drops clients of unpaired peers until ctx
// ends. Ledger entries older than the timestamp window can never match again.
func (t *Transport) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.clientsMu.Lock()
			for id, c := range t.clients {
				closeIdle(c.doer)
				delete(t.clients, id)
			}
			t.clientsMu.Unlock()
			return nil
		case <-ticker.C:
			t.evictUnpaired()
			if t.audit == nil {
				continue
			}
			cutoff := t.now().Add(-2 * t.window).UnixMilli()
			if n, err := t.audit.PruneSeenSignatures(cutoff); err != nil {
				t.log.Warn().Err(err).Msg("prune replay ledger")
			} else if n > 0 {
				t.log.Debug().Int64("pruned", n).Msg("pruned replay ledger")
			}
		}
	}
}
