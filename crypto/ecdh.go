package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"golang.org/x/crypto/hkdf"
)

const (
	x25519PrivatePEMType = "X25519 PRIVATE KEY"

	// SharedKeySize is the length of a derived pairing key.
	SharedKeySize = 32

	pairingKeyInfo = "plainpair pairing key v1"
	storageKeyInfo = "plainpair key store v1"
)

var x25519Curve = ecdh.X25519()

// EnsureX25519PrivateKey loads an X25519 private key from disk, generating it if absent.
func EnsureX25519PrivateKey(path string) (*ecdh.PrivateKey, error) {
	privateKey, err := LoadX25519PrivateKey(path)
	if err == nil {
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err = GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	if err := SaveX25519PrivateKey(path, privateKey); err != nil {
		return nil, err
	}

	return privateKey, nil
}

// GenerateX25519PrivateKey creates a new X25519 private key.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// GenerateEphemeralX25519KeyPair creates a one-shot keypair for a pairing handshake.
func GenerateEphemeralX25519KeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := GenerateX25519PrivateKey()
	if err != nil {
		return nil, nil, err
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParseX25519PublicKey validates raw X25519 public key bytes.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid X25519 public key length: got %d want 32", len(raw))
	}
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeX25519SharedSecret performs the Diffie-Hellman step.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	if privateKey == nil || peerPublicKey == nil {
		return nil, errors.New("X25519 keys are required")
	}
	secret, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// DeriveSharedKey expands a Diffie-Hellman secret into the pairing key for two
// devices. The result does not depend on which side passes which ID.
func DeriveSharedKey(sharedSecret []byte, deviceA, deviceB string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}
	if deviceA == "" || deviceB == "" {
		return nil, errors.New("device IDs are required")
	}

	low, high := deviceA, deviceB
	if high < low {
		low, high = high, low
	}
	salt := sha256.Sum256([]byte(low + "|" + high))

	return expand(sharedSecret, salt[:], pairingKeyInfo)
}

// DeriveStorageKey derives the at-rest sealing key from the device's long-term
// X25519 private key.
func DeriveStorageKey(privateKey *ecdh.PrivateKey) ([]byte, error) {
	if privateKey == nil {
		return nil, errors.New("X25519 private key is required")
	}
	return expand(privateKey.Bytes(), nil, storageKeyInfo)
}

func expand(secret, salt []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, SharedKeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("expand key: %w", err)
	}
	return out, nil
}

// LoadX25519PrivateKey reads an X25519 private key from PEM.
func LoadX25519PrivateKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := readKeyPEM(path, x25519PrivatePEMType, 32)
	if err != nil {
		return nil, err
	}

	privateKey, err := x25519Curve.NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 private key: %w", err)
	}
	return privateKey, nil
}

// SaveX25519PrivateKey writes an X25519 private key PEM file with 0600 permissions.
func SaveX25519PrivateKey(path string, key *ecdh.PrivateKey) error {
	return writeKeyPEM(path, x25519PrivatePEMType, key.Bytes(), 0o600)
}
