package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"smsrelay/internal/constants"

	"golang.org/x/crypto/pbkdf2"
)

const (
	sealedPrefix     = "enc:v1:"
	cipherKeySize    = 32 // AES-256
	pbkdf2Iterations = 100000
	minSecretLength  = 32
)

// Column names bound into each ciphertext, so a value cannot be moved to another column.
const (
	fieldBearerToken  = "settings.bearer_token"
	fieldLegacySecret = "settings.legacy_secret"
	fieldTaskPayload  = "forward_tasks.payload"
)

var errEncryptionDisabled = errors.New("value is encrypted but SMSRELAY_ENABLE_ENCRYPTION is not set")

// fieldCipher seals secrets and task payloads at rest with AES-256-GCM.
// A nil aead means encryption is off and values are stored as given.
type fieldCipher struct {
	aead cipher.AEAD
}

func newFieldCipher() (*fieldCipher, error) {
	if os.Getenv("SMSRELAY_ENABLE_ENCRYPTION") != "true" {
		return &fieldCipher{}, nil
	}

	key, err := deriveKey(os.Getenv("SMSRELAY_ENCRYPTION_SECRET"))
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &fieldCipher{aead: aead}, nil
}

func (c *fieldCipher) enabled() bool {
	return c.aead != nil
}

// Seal encrypts plaintext for the given column. Empty values stay empty.
func (c *fieldCipher) Seal(field, plaintext string) (string, error) {
	if plaintext == "" || !c.enabled() {
		return plaintext, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(field))
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the sealed prefix were written while
// encryption was off and are returned unchanged.
func (c *fieldCipher) Open(field, stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	if !c.enabled() {
		return "", errEncryptionDisabled
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], []byte(field))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s: %w", field, err)
	}
	return string(plaintext), nil
}

func deriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("SMSRELAY_ENCRYPTION_SECRET environment variable is required when encryption is enabled")
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", minSecretLength)
	}

	return pbkdf2.Key([]byte(secret), []byte(constants.EncryptionSalt), pbkdf2Iterations, cipherKeySize, sha256.New), nil
}
