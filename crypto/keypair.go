package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
)

// EnsureEd25519KeyPair loads the device identity keypair, generating it on first run.
func EnsureEd25519KeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privateKey, err := LoadEd25519PrivateKey(privatePath)
	if err == nil {
		publicKey := privateKey.Public().(ed25519.PublicKey)

		storedPublic, pubErr := LoadEd25519PublicKey(publicPath)
		if pubErr != nil || !bytes.Equal(storedPublic, publicKey) {
			if err := SaveEd25519PublicKey(publicPath, publicKey); err != nil {
				return nil, nil, err
			}
		}
		return privateKey, publicKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	if err := SaveEd25519PrivateKey(privatePath, privateKey); err != nil {
		return nil, nil, err
	}
	if err := SaveEd25519PublicKey(publicPath, publicKey); err != nil {
		return nil, nil, err
	}

	return privateKey, publicKey, nil
}

// LoadEd25519PrivateKey loads an Ed25519 private key from a PEM file.
func LoadEd25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := readKeyPEM(path, ed25519PrivatePEMType, ed25519.PrivateKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(raw), nil
}

// LoadEd25519PublicKey loads an Ed25519 public key from a PEM file.
func LoadEd25519PublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := readKeyPEM(path, ed25519PublicPEMType, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

// SaveEd25519PrivateKey writes an Ed25519 private key PEM file with 0600 permissions.
func SaveEd25519PrivateKey(path string, key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("save Ed25519 private key: invalid key size %d", len(key))
	}
	return writeKeyPEM(path, ed25519PrivatePEMType, key, 0o600)
}

// SaveEd25519PublicKey writes an Ed25519 public key PEM file.
func SaveEd25519PublicKey(path string, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("save Ed25519 public key: invalid key size %d", len(key))
	}
	return writeKeyPEM(path, ed25519PublicPEMType, key, 0o644)
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
// Discovery advertises it so an initiator can pin the responder before pairing.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint groups a fingerprint in chunks of 4 uppercase chars for display.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
