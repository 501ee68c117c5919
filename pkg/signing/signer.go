// Package signing owns the gateway's Ed25519 identity: it signs audit
// events and override tokens, verifies capability tokens against a
// registry of trusted issuer keys, and tracks revoked token IDs.
//
// In production the private key must be supplied; the service refuses to
// construct without one. Development may auto-generate and persist a key.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	// ErrNoKey is returned when production starts without a configured key.
	ErrNoKey = errors.New("signing: no private key configured (required outside development)")
	// ErrUnknownIssuer is returned when a capability token names an
	// unregistered issuer.
	ErrUnknownIssuer = errors.New("signing: unknown token issuer")
)

// Config controls key loading.
type Config struct {
	// Environment is "development", "staging" or "production".
	Environment string
	// PrivateKeyPEM is a PKCS#8 PEM-encoded Ed25519 private key
	// (typically from GATEWAY_ED25519_PRIVATE_KEY).
	PrivateKeyPEM string
	// KeyPath is a file holding the PEM key. Used when PrivateKeyPEM is
	// empty; in development a generated key is persisted here.
	KeyPath string
	// KeyID names the active key in signatures and token headers.
	KeyID string
}

// Service holds the active signing key plus trusted issuer keys.
// The key material is immutable after construction and safe for
// lock-free concurrent reads; the issuer registry is guarded.
type Service struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string

	mu      sync.RWMutex
	issuers map[string]ed25519.PublicKey
	revoked map[string]struct{}
}

// New loads the signing key per cfg. Outside development a missing key is
// a construction error, never an auto-generated fallback.
func New(cfg Config) (*Service, error) {
	keyID := cfg.KeyID
	if keyID == "" {
		keyID = "gateway-ed25519-v1"
	}

	var priv ed25519.PrivateKey
	switch {
	case cfg.PrivateKeyPEM != "":
		k, err := parsePEM([]byte(cfg.PrivateKeyPEM))
		if err != nil {
			return nil, err
		}
		priv = k
	case cfg.KeyPath != "":
		data, err := os.ReadFile(cfg.KeyPath)
		switch {
		case err == nil:
			k, perr := parsePEM(data)
			if perr != nil {
				return nil, perr
			}
			priv = k
		case os.IsNotExist(err) && cfg.Environment == "development":
			k, gerr := generateAndPersist(cfg.KeyPath)
			if gerr != nil {
				return nil, gerr
			}
			priv = k
		default:
			return nil, fmt.Errorf("signing: read key file: %w", err)
		}
	case cfg.Environment == "development":
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("signing: key generation failed: %w", err)
		}
		priv = k
	default:
		return nil, ErrNoKey
	}

	return &Service{
		priv:    priv,
		pub:     priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
		issuers: make(map[string]ed25519.PublicKey),
		revoked: make(map[string]struct{}),
	}, nil
}

// NewFromKey wraps an existing key, for tests and embedded use.
func NewFromKey(priv ed25519.PrivateKey, keyID string) *Service {
	return &Service{
		priv:    priv,
		pub:     priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
		issuers: make(map[string]ed25519.PublicKey),
		revoked: make(map[string]struct{}),
	}
}

// Sign returns the hex-encoded Ed25519 signature over data.
func (s *Service) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, data))
}

// Verify checks a hex signature over data under the gateway's own key.
func (s *Service) Verify(data []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, data, sig)
}

// KeyID returns the active key identifier.
func (s *Service) KeyID() string { return s.keyID }

// PublicKey returns the hex-encoded public key advertised to verifiers.
func (s *Service) PublicKey() string { return hex.EncodeToString(s.pub) }

// PublicKeyBytes returns the raw public key.
func (s *Service) PublicKeyBytes() ed25519.PublicKey { return s.pub }

// PrivateKey exposes the raw private key for EdDSA JWT signing.
func (s *Service) PrivateKey() ed25519.PrivateKey { return s.priv }

// VerifyWithKey checks a hex signature under an arbitrary hex public key.
func VerifyWithKey(pubHex, sigHex string, data []byte) (bool, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, fmt.Errorf("signing: invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("signing: invalid public key size %d", len(pub))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("signing: invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}

// RegisterIssuer trusts an external capability-token issuer key.
func (s *Service) RegisterIssuer(issuer string, pub ed25519.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issuers[issuer] = pub
}

// IssuerKey resolves a registered issuer's public key.
func (s *Service) IssuerKey(issuer string) (ed25519.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pub, ok := s.issuers[issuer]
	if !ok {
		return nil, ErrUnknownIssuer
	}
	return pub, nil
}

// Revoke marks a token ID (jti) as revoked.
func (s *Service) Revoke(jti string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = struct{}{}
}

// IsRevoked reports whether a token ID has been revoked.
func (s *Service) IsRevoked(jti string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[jti]
	return ok
}

func parsePEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("signing: no PEM block found in key material")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing: parse PKCS#8 key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("signing: key is not Ed25519")
	}
	return priv, nil
}

func generateAndPersist(path string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: key generation failed: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("signing: marshal key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("signing: persist development key: %w", err)
	}
	return priv, nil
}
