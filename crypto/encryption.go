package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const aes256KeySize = 32

// Seal encrypts plaintext with AES-256-GCM. The returned blob is the nonce
// followed by the ciphertext. associatedData binds the blob to its owner
// (for stored pairing keys, the peer's device ID).
func Seal(storageKey, plaintext, associatedData []byte) ([]byte, error) {
	aead, err := newGCM(storageKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

// Open reverses Seal.
func Open(storageKey, sealed, associatedData []byte) ([]byte, error) {
	aead, err := newGCM(storageKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) <= aead.NonceSize() {
		return nil, errors.New("sealed blob is too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("open sealed blob: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != aes256KeySize {
		return nil, fmt.Errorf("invalid storage key length: got %d want %d", len(key), aes256KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
