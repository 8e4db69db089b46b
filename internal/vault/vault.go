package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const pbkdf2Iterations = 100000

var (
	// ErrEmptyCiphertext is returned when opening an empty sealed value
	ErrEmptyCiphertext = errors.New("vault: ciphertext is empty")
	// ErrMissingKeyID is returned when no key id is supplied
	ErrMissingKeyID = errors.New("vault: key id is required")
)

// Sealer seals and opens values under an account-specific key.
type Sealer interface {
	Seal(ctx context.Context, keyID, plaintext string) (string, error)
	Open(ctx context.Context, keyID, sealed string) (string, error)
}

// Service implements Sealer with AES-256-GCM. Each key id gets its own
// 32-byte key derived from the master key with PBKDF2.
type Service struct {
	masterKey []byte

	mu      sync.RWMutex
	derived map[string]cipher.AEAD
}

// NewService creates a vault over the given master key
func NewService(masterKey string) (*Service, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("master key cannot be empty")
	}

	return &Service{
		masterKey: []byte(masterKey),
		derived:   make(map[string]cipher.AEAD),
	}, nil
}

// Seal encrypts plaintext under keyID. The nonce is prepended and the
// result is base64 encoded so it can live in text columns and hash fields.
func (s *Service) Seal(_ context.Context, keyID, plaintext string) (string, error) {
	gcm, err := s.aead(keyID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(keyID))
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal with the same keyID
func (s *Service) Open(_ context.Context, keyID, sealed string) (string, error) {
	if sealed == "" {
		return "", ErrEmptyCiphertext
	}

	gcm, err := s.aead(keyID)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(keyID))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

func (s *Service) aead(keyID string) (cipher.AEAD, error) {
	if keyID == "" {
		return nil, ErrMissingKeyID
	}

	s.mu.RLock()
	gcm, ok := s.derived[keyID]
	s.mu.RUnlock()
	if ok {
		return gcm, nil
	}

	key := pbkdf2.Key(s.masterKey, []byte("credit-engine:"+keyID), pbkdf2Iterations, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err = cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	s.mu.Lock()
	s.derived[keyID] = gcm
	s.mu.Unlock()

	return gcm, nil
}
