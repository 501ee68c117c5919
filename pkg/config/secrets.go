package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrSealedSecret is returned when a sealed value fails to open.
var ErrSealedSecret = errors.New("config: cannot open sealed secret")

// SecretBox seals and opens secrets at rest under the key derived from
// GATEWAY_FERNET_KEY. Values are base64(nonce || box).
type SecretBox struct {
	key [32]byte
}

// NewSecretBox derives the sealing key from the configured secret.
func NewSecretBox(fernetKey string) (*SecretBox, error) {
	if fernetKey == "" {
		return nil, ErrMissingFernetKey
	}
	return &SecretBox{key: sha256.Sum256([]byte(fernetKey))}, nil
}

// Seal encrypts plaintext for storage.
func (s *SecretBox) Seal(plaintext []byte) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("config: nonce generation failed: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value.
func (s *SecretBox) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < 24 {
		return nil, ErrSealedSecret
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return nil, ErrSealedSecret
	}
	return plain, nil
}
