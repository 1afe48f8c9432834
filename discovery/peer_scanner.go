package discovery

import (
	"cmp"
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"plainpair/models"
)

const (
	// EventPeerUpserted is emitted when a peer appears or metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer disappears.
	EventPeerRemoved EventType = "peer_removed"
)

var (
	ErrScannerNotStarted = errors.New("discovery: peer scanner is not started")
	ErrScannerStopped    = errors.New("discovery: peer scanner is stopped")
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for UI/network consumers.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer contains a discovered LAN endpoint.
type DiscoveredPeer struct {
	DeviceID       string
	DeviceName     string
	KeyFingerprint string
	Version        int
	HostName       string
	Port           int
	Addresses      []string
	LastSeen       time.Time
}

// Advertisement converts the entry to the form the pairing layer consumes.
// IPv4 addresses are preferred because peers dial them in URLs without
// bracket handling. ok is false when the entry carries no address.
func (p DiscoveredPeer) Advertisement() (models.Advertisement, bool) {
	ip := ""
	for _, addr := range p.Addresses {
		parsed := net.ParseIP(addr)
		if parsed == nil {
			continue
		}
		if parsed.To4() != nil {
			ip = addr
			break
		}
		if ip == "" {
			ip = addr
		}
	}
	if ip == "" || p.Port <= 0 {
		return models.Advertisement{}, false
	}
	return models.Advertisement{
		DeviceID:       p.DeviceID,
		Name:           p.DeviceName,
		IP:             ip,
		Port:           p.Port,
		KeyFingerprint: p.KeyFingerprint,
	}, true
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner discovers peers with periodic and manual mDNS browse operations.
type PeerScanner struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		browse:          browse,
		peers:           make(map[string]DiscoveredPeer),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background peer scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return s.startErr
}

// Stop stops background scanning.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh runs a scan now and returns once it has been merged.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return ErrScannerNotStarted
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// ListPeers returns the current snapshot sorted by name.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b DiscoveredPeer) int {
		return cmp.Or(cmp.Compare(a.DeviceName, b.DeviceName), cmp.Compare(a.DeviceID, b.DeviceID))
	})
	return out
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	s.runScan(s.ctx)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(s.ctx)
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// runScan browses for one ScanTimeout window and merges what answered. The
// scan also ends early if requestCtx does.
func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()
	stop := context.AfterFunc(requestCtx, cancel)
	defer stop()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	results := make(chan map[string]DiscoveredPeer, 1)
	go func(in <-chan *zeroconf.ServiceEntry) {
		collected := make(map[string]DiscoveredPeer)
		defer func() { results <- collected }()
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, open := <-in:
				if !open {
					in = nil
					continue
				}
				peer, ok := s.accept(entry)
				if ok {
					collected[peer.DeviceID] = peer
				}
			}
		}
	}(entries)

	err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-results
		s.cfg.Logger.Warn().Err(err).Msg("mDNS browse failed")
		return err
	}

	// The scan window ending is the normal way a browse finishes.
	<-scanCtx.Done()
	s.applySnapshot(<-results)
	return nil
}

// accept parses an answer and filters out our own advertisement and peers
// speaking another protocol version.
func (s *PeerScanner) accept(entry *zeroconf.ServiceEntry) (DiscoveredPeer, bool) {
	if entry == nil {
		return DiscoveredPeer{}, false
	}
	peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
	if !ok {
		return DiscoveredPeer{}, false
	}
	if peer.Version != 0 && peer.Version != s.cfg.Version {
		s.cfg.Logger.Debug().
			Str("peer_id", peer.DeviceID).
			Int("version", peer.Version).
			Msg("ignoring peer with incompatible protocol version")
		return DiscoveredPeer{}, false
	}
	peer.LastSeen = s.cfg.Now()
	return peer, true
}

// applySnapshot merges one scan into the peer list. A peer missing from a
// single scan is kept until PeerStaleAfter has passed since it was last seen,
// since mDNS responses are routinely dropped.
func (s *PeerScanner) applySnapshot(next map[string]DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	merged := make(map[string]DiscoveredPeer, len(next)+len(s.peers))

	for id, peer := range next {
		merged[id] = peer
		if old, known := s.peers[id]; !known || !peersEqual(old, peer) {
			s.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}
	for id, peer := range s.peers {
		if _, still := next[id]; still {
			continue
		}
		if now.Sub(peer.LastSeen) < s.cfg.PeerStaleAfter {
			merged[id] = peer
			continue
		}
		s.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
	}

	s.peers = merged
}

func (s *PeerScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
		s.cfg.Logger.Debug().Str("peer_id", event.Peer.DeviceID).Msg("discovery event dropped, consumer is behind")
	}
}

// parseEntry reads the TXT record of an mDNS answer. Answers without a
// device_id, or carrying selfDeviceID, are not peers.
func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := parseTXT(entry.Text)

	deviceID := txt["device_id"]
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}
	version, _ := strconv.Atoi(txt["version"])

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range slices.Concat(entry.AddrIPv4, entry.AddrIPv6) {
		if ip != nil {
			addresses = append(addresses, ip.String())
		}
	}
	slices.Sort(addresses)
	addresses = slices.Compact(addresses)

	name := cmp.Or(strings.TrimSpace(entry.Instance), strings.TrimSpace(entry.HostName), deviceID)

	return DiscoveredPeer{
		DeviceID:       deviceID,
		DeviceName:     name,
		KeyFingerprint: txt["key_fingerprint"],
		Version:        version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      addresses,
	}, true
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func peersEqual(a, b DiscoveredPeer) bool {
	return a.DeviceID == b.DeviceID &&
		a.DeviceName == b.DeviceName &&
		a.KeyFingerprint == b.KeyFingerprint &&
		a.Version == b.Version &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		slices.Equal(a.Addresses, b.Addresses)
}
