// Package secret encrypts credentials at rest with a pluggable reversible cipher.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the symmetric key length in bytes.
const KeySize = 32

const nonceSize = 24

// Cipher is a reversible cipher for credential-at-rest protection.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Passthrough is the no-op cipher used when encryption is disabled by configuration.
type Passthrough struct{}

// Encrypt returns the input unchanged.
func (Passthrough) Encrypt(plaintext string) (string, error) { return plaintext, nil }

// Decrypt returns the input unchanged.
func (Passthrough) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

// Box is a NaCl secretbox cipher keyed by a persisted 32-byte symmetric key.
// Output is base64 of nonce || sealed payload.
type Box struct {
	key [KeySize]byte
}

// NewBox creates a cipher from a base64-encoded 32-byte key.
func NewBox(encodedKey string) (*Box, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(raw))
	}

	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// GenerateKey returns a fresh base64-encoded key suitable for NewBox.
func GenerateKey() (string, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Encrypt seals the plaintext under a random nonce.
func (b *Box) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", errors.New("decrypt failed: wrong key or corrupted data")
	}

	return string(plaintext), nil
}
