// Package pairing turns discovered devices into trusted peers.
//
// A handshake is one blocking HTTPS request: the initiator posts its
// ephemeral X25519 key to the responder, the responder's operator decides,
// and the response carries the responder's ephemeral key. Both sides derive
// the same shared key and store it. Dropping the request withdraws it.
package pairing

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"plainpair/approval"
	"plainpair/crypto"
	"plainpair/keystore"
	"plainpair/models"
	"plainpair/network"
	"plainpair/storage"
)

const (
	DefaultApprovalTimeout = 60 * time.Second
	DefaultCooldown        = 30 * time.Second
	DefaultStaleAfter      = 2 * time.Minute

	maxNameLength = 128
	eventBuffer   = 64
)

var (
	ErrUnknownPeer       = errors.New("pairing: unknown peer")
	ErrAlreadyPaired     = errors.New("pairing: peer is already paired")
	ErrPairingInProgress = errors.New("pairing: handshake already in progress")
	ErrNotPairable       = errors.New("pairing: peer cannot be paired in its current state")
	ErrNoEndpoint        = errors.New("pairing: peer endpoint is unknown")
	ErrNoFingerprint     = errors.New("pairing: peer advertised no key fingerprint")
	ErrClosed            = errors.New("pairing: coordinator closed")
)

// EventLog persists handshake outcomes and rejected handshake messages.
// *storage.Store satisfies it.
type EventLog interface {
	RecordPairingEvent(event storage.PairingEvent) error
	RecordSecurityEvent(eventType, peerDeviceID, severity string, details map[string]any) error
}

// Options configures a Coordinator.
type Options struct {
	LocalDeviceID string
	LocalName     string
	// LocalPort is the HTTPS port peers should use to reach this device.
	LocalPort int
	// Identity is this device's TLS certificate; its Ed25519 key is what
	// peers pin after pairing.
	Identity tls.Certificate
	Keys     *keystore.Store
	Audit    EventLog
	// NewClient defaults to a pinned client presenting Identity.
	NewClient       network.ClientFactory
	ApprovalTimeout time.Duration
	Cooldown        time.Duration
	StaleAfter      time.Duration
	Now             func() time.Time
	Logger          zerolog.Logger
}

// EventType names what changed.
type EventType string

const (
	EventPeerChanged     EventType = "peer_changed"
	EventRequestResolved EventType = "request_resolved"
)

// Event tells the operator interface to refresh.
type Event struct {
	Type      EventType
	PeerID    string
	RequestID string
	Outcome   approval.Outcome
}

// InboundPrompt is an inbound request waiting for the local operator. Its
// value on acceptance is this device's ephemeral public key.
type InboundPrompt = approval.Pending[models.PairingRequest, []byte]

type handshake struct {
	peerID    string
	remoteX   *ecdh.PublicKey
	remoteKey ed25519.PublicKey
}

// acceptance remembers an accepted inbound handshake long enough for a late
// withdrawal from the initiator to undo it.
type acceptance struct {
	handshake
	at time.Time
}

// Coordinator runs the pairing state machine for every candidate peer.
type Coordinator struct {
	localID     string
	localName   string
	localPort   int
	identityKey ed25519.PublicKey
	keys        *keystore.Store
	audit       EventLog
	newClient   network.ClientFactory
	cooldown    time.Duration
	staleAfter  time.Duration
	now         func() time.Time
	log         zerolog.Logger

	inbound  *approval.Channel[models.PairingRequest, []byte]
	outbound *approval.Channel[models.PairingRequest, struct{}]

	// mu orders status transitions with request bookkeeping.
	mu         sync.Mutex
	active     map[string]string
	handshakes map[string]handshake
	accepted   map[string]acceptance
	rejectedAt map[string]time.Time
	closed     bool

	events chan Event
	wg     sync.WaitGroup
}

// New validates options and applies defaults.
func New(options Options) (*Coordinator, error) {
	if options.LocalDeviceID == "" {
		return nil, errors.New("pairing: local device id is required")
	}
	if options.Keys == nil {
		return nil, errors.New("pairing: key store is required")
	}
	if len(options.Identity.Certificate) == 0 {
		return nil, errors.New("pairing: identity certificate is required")
	}
	identityKey, err := crypto.CertificatePublicKey(options.Identity.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("pairing: %w", err)
	}

	approvalTimeout := options.ApprovalTimeout
	if approvalTimeout <= 0 {
		approvalTimeout = DefaultApprovalTimeout
	}
	cooldown := options.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	staleAfter := options.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	// The responder's operator may take the whole approval window.
	requestTimeout := approvalTimeout + network.DefaultRequestTimeout
	newClient := options.NewClient
	if newClient == nil {
		newClient = network.NewPinnedClientFactory(options.Identity, requestTimeout)
	}
	name := options.LocalName
	if name == "" {
		name = options.LocalDeviceID
	}

	return &Coordinator{
		localID:     options.LocalDeviceID,
		localName:   name,
		localPort:   options.LocalPort,
		identityKey: identityKey,
		keys:        options.Keys,
		audit:       options.Audit,
		newClient:   newClient,
		cooldown:    cooldown,
		staleAfter:  staleAfter,
		now:         now,
		log:         options.Logger.With().Str("component", "pairing").Logger(),
		inbound: approval.NewChannel[models.PairingRequest, []byte](approval.Options{
			Timeout: approvalTimeout,
			Now:     now,
		}),
		outbound: approval.NewChannel[models.PairingRequest, struct{}](approval.Options{
			Timeout: requestTimeout,
			Now:     now,
		}),
		active:     make(map[string]string),
		handshakes: make(map[string]handshake),
		accepted:   make(map[string]acceptance),
		rejectedAt: make(map[string]time.Time),
		events:     make(chan Event, eventBuffer),
	}, nil
}

// Mount registers the handshake routes.
func (c *Coordinator) Mount(router *mux.Router) {
	router.HandleFunc(network.PathPairing, c.servePairing).Methods(http.MethodPost)
	router.HandleFunc(network.PathPairingCancel, c.serveCancel).Methods(http.MethodPost)
}

// Prompts delivers inbound requests for the operator to Accept or Deny.
func (c *Coordinator) Prompts() <-chan *InboundPrompt {
	return c.inbound.Prompts()
}

// Events reports peer and request changes. Events are dropped when nobody
// keeps up.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Handle tracks one outbound attempt.
type Handle struct {
	pending *approval.Pending[models.PairingRequest, struct{}]
}

// RequestID identifies the attempt on the wire.
func (h *Handle) RequestID() string { return h.pending.ID }

// Done is closed once the attempt is resolved.
func (h *Handle) Done() <-chan struct{} { return h.pending.Done() }

// Outcome returns the result once resolved.
func (h *Handle) Outcome() (approval.Outcome, bool) {
	result, ok := h.pending.Result()
	return result.Outcome, ok
}

// Wait blocks until the attempt resolves. If ctx ends first the attempt is
// cancelled and the peer notified.
func (h *Handle) Wait(ctx context.Context) approval.Outcome {
	select {
	case <-h.pending.Done():
	case <-ctx.Done():
		h.Cancel()
		<-h.pending.Done()
	}
	outcome, _ := h.Outcome()
	return outcome
}

// Cancel withdraws the attempt.
func (h *Handle) Cancel() {
	h.pending.Cancel()
}

// StartPairing asks the peer's operator to pair. It returns once the request
// is under way; use the Handle to follow it.
func (c *Coordinator) StartPairing(peerID string) (*Handle, error) {
	c.mu.Lock()
	c.reviveLocked(peerID)
	c.mu.Unlock()

	peer, ok := c.keys.Get(peerID)
	if !ok {
		return nil, ErrUnknownPeer
	}
	clear(peer.SharedKey)

	switch {
	case peer.Status == models.PeerPaired:
		return nil, ErrAlreadyPaired
	case peer.Status.Pairing():
		return nil, ErrPairingInProgress
	case peer.Status != models.PeerDiscovered && peer.Status != models.PeerUnpaired:
		return nil, ErrNotPairable
	}
	if peer.IP == "" || peer.Port <= 0 {
		return nil, ErrNoEndpoint
	}
	pin := network.Pin{Fingerprint: peer.KeyFingerprint}
	if pin.Empty() {
		return nil, ErrNoFingerprint
	}

	private, public, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if err := c.keys.Transition(peerID, []models.PeerStatus{models.PeerDiscovered, models.PeerUnpaired}, models.PeerPairingOutbound); err != nil {
		c.mu.Unlock()
		return nil, c.mapTransitionError(err)
	}
	pending, err := c.outbound.Open(requestID, models.PairingRequest{
		RequestID:    requestID,
		Direction:    models.PairingOutbound,
		FromDeviceID: c.localID,
		FromName:     c.localName,
		CreatedAt:    c.now(),
		Status:       models.PairingPending,
	})
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.active[peerID] = requestID
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Info().Str("peer_id", peerID).Str("request_id", requestID).Msg("pairing request sent")
	c.emit(Event{Type: EventPeerChanged, PeerID: peerID, RequestID: requestID})

	message := network.PairingRequestMsg{
		RequestID:        requestID,
		FromDeviceID:     c.localID,
		FromName:         c.localName,
		FromPort:         c.localPort,
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(c.identityKey),
		X25519PublicKey:  base64.StdEncoding.EncodeToString(public.Bytes()),
		ProtocolVersion:  network.ProtocolVersion,
		Timestamp:        c.now().UnixMilli(),
	}
	go c.runOutbound(peer, pin, pending, private, message)

	return &Handle{pending: pending}, nil
}

func (c *Coordinator) mapTransitionError(err error) error {
	switch {
	case errors.Is(err, keystore.ErrAlreadyPaired):
		return ErrAlreadyPaired
	case errors.Is(err, keystore.ErrNotFound):
		return ErrUnknownPeer
	case errors.Is(err, keystore.ErrInvalidTransition):
		return ErrNotPairable
	default:
		return err
	}
}

func (c *Coordinator) runOutbound(
	peer models.PeerDevice,
	pin network.Pin,
	pending *approval.Pending[models.PairingRequest, struct{}],
	private *ecdh.PrivateKey,
	message network.PairingRequestMsg,
) {
	defer c.wg.Done()
	logger := c.log.With().Str("peer_id", peer.ID).Str("request_id", message.RequestID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-pending.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	response, remoteKey, err := c.postPairing(ctx, peer, pin, message)
	switch {
	case err != nil:
		if _, resolved := pending.Result(); resolved {
			// Withdrawn locally; make sure the responder stops asking.
			c.notifyCancel(peer, pin, message.RequestID)
		} else {
			logger.Warn().Err(err).Msg("pairing request failed")
			pending.Cancel()
		}
	case !response.Accepted:
		pending.Resolve(approval.Denied, struct{}{})
	default:
		resolved, err := pending.ResolveWith(approval.Accepted, func() (struct{}, error) {
			return struct{}{}, c.completeOutbound(peer.ID, private, remoteKey, response)
		})
		if err != nil {
			logger.Error().Err(err).Msg("complete pairing")
			pending.Cancel()
		}
		if !resolved {
			// The responder paired but this side did not; have it undo that.
			c.notifyCancel(peer, pin, message.RequestID)
		}
	}

	result, _ := pending.Result()
	c.finish(peer.ID, message.RequestID, models.PairingOutbound, result.Outcome)
}

func (c *Coordinator) completeOutbound(peerID string, private *ecdh.PrivateKey, remoteKey ed25519.PublicKey, response *network.PairingResponseMsg) error {
	if response.DeviceID != peerID {
		return fmt.Errorf("responder identified as %q", response.DeviceID)
	}
	raw, err := base64.StdEncoding.DecodeString(response.X25519PublicKey)
	if err != nil {
		return fmt.Errorf("decode responder key: %w", err)
	}
	remoteX, err := crypto.ParseX25519PublicKey(raw)
	if err != nil {
		return err
	}
	return c.deriveAndStore(peerID, private, remoteX, remoteKey)
}

func (c *Coordinator) deriveAndStore(peerID string, private *ecdh.PrivateKey, remoteX *ecdh.PublicKey, remoteKey ed25519.PublicKey) error {
	secret, err := crypto.ComputeX25519SharedSecret(private, remoteX)
	if err != nil {
		return err
	}
	defer clear(secret)

	key, err := crypto.DeriveSharedKey(secret, c.localID, peerID)
	if err != nil {
		return err
	}
	defer clear(key)

	return c.keys.UpsertPaired(peerID, key, remoteKey)
}

// postPairing blocks until the responder's operator decides. A non-200
// status means the request was withdrawn or refused without a decision.
func (c *Coordinator) postPairing(ctx context.Context, peer models.PeerDevice, pin network.Pin, message network.PairingRequestMsg) (*network.PairingResponseMsg, ed25519.PublicKey, error) {
	body, err := network.EncodeJSON(message)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL(peer, network.PathPairing), bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.newClient(pin)
	if closer, ok := client.(interface{ CloseIdleConnections() }); ok {
		defer closer.CloseIdleConnections()
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("post pairing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("responder withdrew the request (%d)", resp.StatusCode)
	}
	var response network.PairingResponseMsg
	if err := network.DecodeJSON(resp.Body, &response); err != nil {
		return nil, nil, err
	}
	if resp.TLS == nil || len(resp.TLS.PeerCertificates) == 0 {
		return nil, nil, errors.New("responder presented no certificate")
	}
	remoteKey, ok := resp.TLS.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, nil, errors.New("responder certificate is not Ed25519")
	}
	return &response, remoteKey, nil
}

func (c *Coordinator) notifyCancel(peer models.PeerDevice, pin network.Pin, requestID string) {
	body, err := network.EncodeJSON(network.PairingCancelMsg{RequestID: requestID, FromDeviceID: c.localID})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), network.DefaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL(peer, network.PathPairingCancel), bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.newClient(pin)
	if closer, ok := client.(interface{ CloseIdleConnections() }); ok {
		defer closer.CloseIdleConnections()
	}
	resp, err := client.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("peer_id", peer.ID).Msg("cancel notification not delivered")
		return
	}
	resp.Body.Close()
}

func peerURL(peer models.PeerDevice, path string) string {
	return "https://" + net.JoinHostPort(peer.IP, strconv.Itoa(peer.Port)) + path
}

// Accept pairs with the peer behind an inbound request. Accepting twice is
// ErrAlreadyResolved; the key is derived and stored once.
func (c *Coordinator) Accept(requestID string) error {
	c.mu.Lock()
	hs, ok := c.handshakes[requestID]
	c.mu.Unlock()
	if !ok {
		return approval.ErrUnknownRequest
	}
	pending, err := c.inbound.Lookup(requestID)
	if err != nil {
		return err
	}

	resolved, err := pending.ResolveWith(approval.Accepted, func() ([]byte, error) {
		private, public, err := crypto.GenerateEphemeralX25519KeyPair()
		if err != nil {
			return nil, err
		}
		if err := c.deriveAndStore(hs.peerID, private, hs.remoteX, hs.remoteKey); err != nil {
			return nil, err
		}
		return public.Bytes(), nil
	})
	if err != nil {
		return fmt.Errorf("accept pairing: %w", err)
	}
	if !resolved {
		return approval.ErrAlreadyResolved
	}
	return nil
}

// Deny refuses an inbound request.
func (c *Coordinator) Deny(requestID string) error {
	return c.inbound.Resolve(requestID, approval.Denied, nil)
}

// CancelPairing withdraws the handshake with peerID in either direction.
// It is a no-op when nothing is pending.
func (c *Coordinator) CancelPairing(peerID string) error {
	c.mu.Lock()
	requestID, ok := c.active[peerID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if pending, err := c.outbound.Lookup(requestID); err == nil {
		pending.Cancel()
	}
	if pending, err := c.inbound.Lookup(requestID); err == nil {
		pending.Cancel()
	}
	return nil
}

// Unpair forgets the peer's key. It never needs the peer to be reachable.
func (c *Coordinator) Unpair(peerID string) error {
	if err := c.CancelPairing(peerID); err != nil {
		return err
	}
	if err := c.keys.Unpair(peerID); err != nil {
		return err
	}
	c.emit(Event{Type: EventPeerChanged, PeerID: peerID})
	return nil
}

// OnDiscovered records a discovery announcement.
func (c *Coordinator) OnDiscovered(ad models.Advertisement) {
	if ad.DeviceID == "" || ad.DeviceID == c.localID {
		return
	}
	if err := c.keys.Observe(ad); err != nil {
		c.log.Warn().Err(err).Str("peer_id", ad.DeviceID).Msg("record advertisement")
		return
	}
	c.mu.Lock()
	c.reviveLocked(ad.DeviceID)
	c.mu.Unlock()
	c.emit(Event{Type: EventPeerChanged, PeerID: ad.DeviceID})
}

// reviveLocked moves a rejected peer back to discovered once its cool-down
// has passed. A rejection from before a restart has no recorded time and
// counts as elapsed.
func (c *Coordinator) reviveLocked(peerID string) bool {
	if at, ok := c.rejectedAt[peerID]; ok && c.now().Sub(at) < c.cooldown {
		return false
	}
	err := c.keys.Transition(peerID, []models.PeerStatus{models.PeerRejected}, models.PeerDiscovered)
	if err != nil {
		return false
	}
	delete(c.rejectedAt, peerID)
	return true
}

// Sweep expires peers that stopped advertising and ends elapsed cool-downs.
func (c *Coordinator) Sweep() {
	removed, err := c.keys.ExpireStale(c.now().Add(-c.staleAfter))
	if err != nil {
		c.log.Warn().Err(err).Msg("expire stale peers")
	}
	for _, id := range removed {
		c.emit(Event{Type: EventPeerChanged, PeerID: id})
	}

	c.mu.Lock()
	var revived []string
	for id := range c.rejectedAt {
		if c.reviveLocked(id) {
			revived = append(revived, id)
		}
	}
	for id, acc := range c.accepted {
		if c.now().Sub(acc.at) >= c.cooldown {
			delete(c.accepted, id)
		}
	}
	c.mu.Unlock()
	for _, id := range revived {
		c.emit(Event{Type: EventPeerChanged, PeerID: id})
	}
}

// Run sweeps periodically until ctx ends, then closes the coordinator.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := min(c.cooldown, c.staleAfter/2)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return nil
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Close cancels pending requests and waits for outbound attempts to settle.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.inbound.Close()
	c.outbound.Close()
	c.wg.Wait()
}

// History returns recent handshake outcomes for a peer, newest first.
func (c *Coordinator) History(peerID string, limit int) ([]storage.PairingEvent, error) {
	store, ok := c.audit.(interface {
		GetRecentPairingEvents(string, int) ([]storage.PairingEvent, error)
	})
	if !ok {
		return nil, nil
	}
	return store.GetRecentPairingEvents(peerID, limit)
}

// finish records an outcome and settles the peer's status. Only the latest
// request for a peer may move its status.
func (c *Coordinator) finish(peerID, requestID string, direction models.PairingDirection, outcome approval.Outcome) {
	c.mu.Lock()
	current := c.active[peerID] == requestID
	if current {
		delete(c.active, peerID)
	}
	if hs, ok := c.handshakes[requestID]; ok && outcome == approval.Accepted {
		c.accepted[requestID] = acceptance{handshake: hs, at: c.now()}
	}
	delete(c.handshakes, requestID)

	// Any handshake that did not end in pairing holds the peer back for the
	// cool-down.
	if current && outcome != approval.Accepted {
		from := models.PeerPairingOutbound
		if direction == models.PairingInbound {
			from = models.PeerPairingInbound
		}
		err := c.keys.Transition(peerID, []models.PeerStatus{from}, models.PeerRejected)
		switch {
		case err == nil:
			c.rejectedAt[peerID] = c.now()
		case !errors.Is(err, keystore.ErrNotFound):
			c.log.Debug().Err(err).Str("peer_id", peerID).Msg("settle peer status")
		}
	}
	c.mu.Unlock()

	c.log.Info().
		Str("peer_id", peerID).
		Str("request_id", requestID).
		Str("direction", string(direction)).
		Str("outcome", string(outcome)).
		Msg("pairing resolved")

	if c.audit != nil {
		err := c.audit.RecordPairingEvent(storage.PairingEvent{
			PeerDeviceID: peerID,
			RequestID:    requestID,
			Direction:    string(direction),
			Outcome:      string(outcome),
			Timestamp:    c.now().UnixMilli(),
		})
		if err != nil {
			c.log.Warn().Err(err).Msg("record pairing event")
		}
	}
	c.emit(Event{Type: EventRequestResolved, PeerID: peerID, RequestID: requestID, Outcome: outcome})
}

func (c *Coordinator) emit(event Event) {
	select {
	case c.events <- event:
	default:
		c.log.Debug().Str("peer_id", event.PeerID).Msg("event dropped")
	}
}
