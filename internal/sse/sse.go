// Package sse implements server-side encryption for object payloads.
//
// Objects are sealed with AES-256-GCM. Each object gets its own data key
// unless a master key is configured, and a fresh 12-byte nonce either way.
// The GCM tag is appended to the ciphertext, so the stored size is
// plaintext length + 16. Key and nonce travel base64-encoded in the object
// sidecar; the ETag always reflects the plaintext.
package sse

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// Algorithm is the value recorded in object sidecars and echoed in the
	// x-amz-server-side-encryption response header.
	Algorithm = "AES256"
)

// ErrInvalidKey is returned for keys that are not 32 bytes.
var ErrInvalidKey = errors.New("sse: key must be 32 bytes")

// ErrInvalidNonce is returned for nonces that are not 12 bytes.
var ErrInvalidNonce = errors.New("sse: nonce must be 12 bytes")

// Engine seals and opens object payloads.
type Engine struct {
	masterKey []byte
}

// New builds an Engine. With an empty masterKeyBase64 every object gets a
// randomly generated key; otherwise the decoded 32-byte master key is used
// for all objects.
func New(masterKeyBase64 string) (*Engine, error) {
	if masterKeyBase64 == "" {
		return &Engine{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(masterKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("sse: decoding master key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Engine{masterKey: key}, nil
}

// Encrypt seals plaintext and returns the ciphertext together with the key
// and nonce that must be recorded in the sidecar.
func (e *Engine) Encrypt(plaintext []byte) (ciphertext, key, nonce []byte, err error) {
	if e.masterKey != nil {
		key = e.masterKey
	} else {
		key = make([]byte, KeySize)
		if _, err = rand.Read(key); err != nil {
			return nil, nil, nil, fmt.Errorf("sse: generating key: %w", err)
		}
	}

	nonce = make([]byte, NonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("sse: generating nonce: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, key, nonce, nil
}

// Decrypt opens a sealed payload with the recorded key and nonce.
func Decrypt(ciphertext, key, nonce []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("sse: opening payload: %w", err)
	}
	return plaintext, nil
}

// DecryptBase64 opens a sealed payload using the base64 key and nonce forms
// stored in object sidecars.
func DecryptBase64(ciphertext []byte, keyB64, nonceB64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("sse: decoding key: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("sse: decoding nonce: %w", err)
	}
	return Decrypt(ciphertext, key, nonce)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sse: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sse: %w", err)
	}
	return gcm, nil
}
