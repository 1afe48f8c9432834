package pairing

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"

	"plainpair/approval"
	"plainpair/crypto"
	"plainpair/keystore"
	"plainpair/models"
	"plainpair/network"
	"plainpair/storage"
)

var errMalformed = errors.New("pairing: malformed request")

// servePairing handles an inbound handshake. It holds the request open until
// the local operator decides, the request expires, or the initiator drops it.
func (c *Coordinator) servePairing(w http.ResponseWriter, r *http.Request) {
	var message network.PairingRequestMsg
	if err := network.DecodeJSON(r.Body, &message); err != nil {
		c.dropMalformed(w, r, "", err.Error())
		return
	}
	hs, err := c.validate(r, message)
	if err != nil {
		c.dropMalformed(w, r, message.FromDeviceID, err.Error())
		return
	}
	peerID := hs.peerID

	// A paired peer must be unpaired here before it can pair again.
	if existing, ok := c.keys.Get(peerID); ok {
		clear(existing.SharedKey)
		if existing.Status == models.PeerPaired {
			c.log.Info().Str("peer_id", peerID).Msg("pairing request from paired peer refused")
			network.WriteError(w, http.StatusConflict, network.CodeUnavailable, "try again later")
			return
		}
	}

	remoteIP := remoteHost(r)
	ad := models.Advertisement{
		DeviceID:       peerID,
		Name:           strings.TrimSpace(message.FromName),
		IP:             remoteIP,
		Port:           message.FromPort,
		KeyFingerprint: crypto.KeyFingerprint(hs.remoteKey),
	}
	pending, err := c.beginInbound(hs, ad, models.PairingRequest{
		RequestID:    message.RequestID,
		Direction:    models.PairingInbound,
		FromDeviceID: peerID,
		FromName:     strings.TrimSpace(message.FromName),
		FromIP:       remoteIP,
		CreatedAt:    c.now(),
		Status:       models.PairingPending,
	})
	if err != nil {
		c.log.Info().Err(err).Str("peer_id", peerID).Msg("pairing request not accepted for review")
		network.WriteError(w, http.StatusConflict, network.CodeUnavailable, "try again later")
		return
	}
	c.emit(Event{Type: EventPeerChanged, PeerID: peerID, RequestID: message.RequestID})

	result := pending.Wait(r.Context())
	c.finish(peerID, message.RequestID, models.PairingInbound, result.Outcome)

	switch result.Outcome {
	case approval.Accepted:
		network.WriteJSON(w, http.StatusOK, network.PairingResponseMsg{
			Accepted:        true,
			DeviceID:        c.localID,
			DeviceName:      c.localName,
			X25519PublicKey: base64.StdEncoding.EncodeToString(result.Value),
		})
	case approval.Denied:
		network.WriteJSON(w, http.StatusOK, network.PairingResponseMsg{Accepted: false})
	default:
		if r.Context().Err() == nil {
			network.WriteError(w, http.StatusConflict, network.CodeUnavailable, "try again later")
		}
	}
}

// beginInbound records the initiator's endpoint only once its request is
// admitted, so a refused request leaves the peer as it was.
func (c *Coordinator) beginInbound(hs handshake, ad models.Advertisement, request models.PairingRequest) (*InboundPrompt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	c.reviveLocked(hs.peerID)

	allowed := []models.PeerStatus{models.PeerDiscovered, models.PeerUnpaired, models.PeerPairingInbound}
	if existing, ok := c.keys.Get(hs.peerID); ok {
		clear(existing.SharedKey)
		if !slices.Contains(allowed, existing.Status) {
			return nil, c.mapTransitionError(keystore.ErrInvalidTransition)
		}
	}
	if err := c.keys.Observe(ad); err != nil {
		return nil, fmt.Errorf("record pairing peer: %w", err)
	}
	if err := c.keys.Transition(hs.peerID, allowed, models.PeerPairingInbound); err != nil {
		return nil, c.mapTransitionError(err)
	}
	pending, err := c.inbound.Open(request.RequestID, request)
	if err != nil {
		return nil, err
	}
	c.active[hs.peerID] = request.RequestID
	c.handshakes[request.RequestID] = hs
	return pending, nil
}

// validate checks a request's structure and binds it to the TLS client
// certificate. Nothing is stored for a request that fails here.
func (c *Coordinator) validate(r *http.Request, message network.PairingRequestMsg) (handshake, error) {
	if _, err := uuid.Parse(message.RequestID); err != nil {
		return handshake{}, errMalformed
	}
	if message.FromDeviceID == "" || len(message.FromDeviceID) > maxNameLength || message.FromDeviceID == c.localID {
		return handshake{}, errMalformed
	}
	if len(message.FromName) > maxNameLength {
		return handshake{}, errMalformed
	}
	if message.FromPort <= 0 || message.FromPort > 65535 {
		return handshake{}, errMalformed
	}
	if message.ProtocolVersion != network.ProtocolVersion || message.Timestamp <= 0 {
		return handshake{}, errMalformed
	}

	declared, err := base64.StdEncoding.DecodeString(message.Ed25519PublicKey)
	if err != nil || len(declared) != ed25519.PublicKeySize {
		return handshake{}, errMalformed
	}
	presented, ok := network.PeerPublicKey(r)
	if !ok || !bytes.Equal(presented, declared) {
		return handshake{}, network.ErrPeerKeyMismatch
	}

	rawX, err := base64.StdEncoding.DecodeString(message.X25519PublicKey)
	if err != nil {
		return handshake{}, errMalformed
	}
	remoteX, err := crypto.ParseX25519PublicKey(rawX)
	if err != nil {
		return handshake{}, errMalformed
	}

	return handshake{
		peerID:    message.FromDeviceID,
		remoteX:   remoteX,
		remoteKey: ed25519.PublicKey(declared),
	}, nil
}

func (c *Coordinator) dropMalformed(w http.ResponseWriter, r *http.Request, peerID, reason string) {
	c.log.Debug().Str("remote_addr", r.RemoteAddr).Str("reason", reason).Msg("malformed pairing request dropped")
	if c.audit != nil {
		err := c.audit.RecordSecurityEvent(storage.EventPairingMalformed, peerID, storage.SecuritySeverityWarning, map[string]any{
			"remote_addr": r.RemoteAddr,
			"reason":      reason,
		})
		if err != nil {
			c.log.Warn().Err(err).Msg("record security event")
		}
	}
	network.WriteError(w, http.StatusBadRequest, network.CodeBadRequest, "bad request")
}

// serveCancel withdraws an inbound request on the initiator's behalf. It
// answers the same way whether or not anything was cancelled.
func (c *Coordinator) serveCancel(w http.ResponseWriter, r *http.Request) {
	var message network.PairingCancelMsg
	if err := network.DecodeJSON(r.Body, &message); err == nil {
		if presented, ok := network.PeerPublicKey(r); ok {
			c.withdraw(message, presented)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// withdraw cancels the named request if it is still pending. If it was
// already accepted here the initiator never completed its side, so the new
// pairing is dropped.
func (c *Coordinator) withdraw(message network.PairingCancelMsg, presented ed25519.PublicKey) {
	owns := func(hs handshake) bool {
		return hs.peerID == message.FromDeviceID && bytes.Equal(presented, hs.remoteKey)
	}

	c.mu.Lock()
	hs, open := c.handshakes[message.RequestID]
	settled, accepted := c.accepted[message.RequestID]
	if accepted {
		hs = settled.handshake
	}
	if !(open || accepted) || !owns(hs) {
		c.mu.Unlock()
		return
	}
	delete(c.accepted, message.RequestID)
	c.mu.Unlock()

	logger := c.log.With().Str("peer_id", hs.peerID).Str("request_id", message.RequestID).Logger()
	if pending, err := c.inbound.Lookup(message.RequestID); err == nil {
		if pending.Cancel() {
			logger.Info().Msg("pairing request withdrawn by peer")
			return
		}
		if result, _ := pending.Result(); result.Outcome != approval.Accepted {
			return
		}
	} else if !accepted {
		return
	}

	if err := c.keys.Unpair(hs.peerID); err != nil {
		logger.Warn().Err(err).Msg("drop withdrawn pairing")
		return
	}
	logger.Info().Msg("pairing withdrawn by peer after acceptance")
	c.emit(Event{Type: EventPeerChanged, PeerID: hs.peerID})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
