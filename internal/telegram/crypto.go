package telegram

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

// SessionCipher encrypts session material at rest with AES-256-GCM.
// The key comes from the SESSION_KEY environment variable (base64, 32 bytes).
// Session plaintext never reaches logs; the logger redacts session fields
// as a second line of defense.
type SessionCipher struct {
	aead cipher.AEAD
}

// NewSessionCipher builds a cipher from a 32-byte key.
func NewSessionCipher(key []byte) (*SessionCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("session key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("session cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("session cipher: %w", err)
	}
	return &SessionCipher{aead: aead}, nil
}

// NewSessionCipherFromEnv reads SESSION_KEY (base64) from the environment.
func NewSessionCipherFromEnv() (*SessionCipher, error) {
	raw := os.Getenv("SESSION_KEY")
	if raw == "" {
		return nil, errors.New("SESSION_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("SESSION_KEY is not valid base64: %w", err)
	}
	return NewSessionCipher(key)
}

// Seal encrypts a session blob. The nonce is prepended to the ciphertext.
func (c *SessionCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("seal session: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a session blob produced by Seal.
func (c *SessionCipher) Open(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.New("open session: blob too short")
	}
	plaintext, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return plaintext, nil
}
