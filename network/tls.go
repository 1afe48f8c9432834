package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"plainpair/crypto"
)

// Doer sends one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Pin names the identity a peer's TLS certificate must carry. PublicKey wins
// when both are set; Fingerprint is what discovery advertises before a key is
// known.
type Pin struct {
	PublicKey   ed25519.PublicKey
	Fingerprint string
}

// Empty reports whether the pin constrains nothing.
func (p Pin) Empty() bool {
	return len(p.PublicKey) == 0 && p.Fingerprint == ""
}

func (p Pin) String() string {
	if len(p.PublicKey) > 0 {
		return crypto.KeyFingerprint(p.PublicKey)
	}
	return p.Fingerprint
}

// Check compares a presented key against the pin.
func (p Pin) Check(presented ed25519.PublicKey) error {
	switch {
	case len(p.PublicKey) > 0:
		if !bytes.Equal(p.PublicKey, presented) {
			return ErrPeerKeyMismatch
		}
	case p.Fingerprint != "":
		if !strings.EqualFold(crypto.KeyFingerprint(presented), p.Fingerprint) {
			return ErrPeerKeyMismatch
		}
	default:
		return errors.New("network: no pin for peer")
	}
	return nil
}

// ClientFactory builds an HTTP client for a pinned peer.
type ClientFactory func(pin Pin) Doer

// ServerTLSConfig serves identity and asks clients for their certificate
// without validating it against a CA. Handlers read the client key with
// PeerPublicKey.
func ServerTLSConfig(identity tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{identity},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS13,
	}
}

// ClientTLSConfig presents identity and accepts a server only if its
// certificate carries the pinned key. There is no CA; the pin is the trust.
func ClientTLSConfig(identity tls.Certificate, pin Pin) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{identity},
		MinVersion:   tls.VersionTLS13,
		// Chain validation is replaced by VerifyConnection below.
		InsecureSkipVerify: true,
		VerifyConnection: func(state tls.ConnectionState) error {
			if len(state.PeerCertificates) == 0 {
				return errors.New("network: peer presented no certificate")
			}
			presented, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
			if !ok {
				return errors.New("network: peer certificate is not Ed25519")
			}
			if err := pin.Check(presented); err != nil {
				return fmt.Errorf("verify peer %s: %w", pin, err)
			}
			return nil
		},
	}
}

// NewPinnedClientFactory returns a ClientFactory producing clients that
// present identity and enforce the pin.
func NewPinnedClientFactory(identity tls.Certificate, timeout time.Duration) ClientFactory {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return func(pin Pin) Doer {
		return &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:     ClientTLSConfig(identity, pin),
				TLSHandshakeTimeout: timeout,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
}

// PeerPublicKey returns the Ed25519 key from the request's client certificate.
func PeerPublicKey(r *http.Request) (ed25519.PublicKey, bool) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, false
	}
	key, ok := r.TLS.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	return key, ok
}
