// Package token mints and verifies the two credential kinds the gateway
// understands, both EdDSA-signed JWTs in compact form:
//
//   - capability tokens, issued by registered external issuers, which
//     further restrict a manifest (never expand it);
//   - override tokens, issued by the gateway itself on operator approval,
//     single-use and bound to one action hash.
package token

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/signing"
)

const gatewayIssuer = "agentgate/gateway"

var (
	// ErrExpired is returned for a structurally valid but expired token.
	ErrExpired = errors.New("token: expired")
	// ErrInvalid covers bad signatures, malformed tokens and claim
	// mismatches.
	ErrInvalid = errors.New("token: invalid")
	// ErrRevoked is returned when the token's jti has been revoked.
	ErrRevoked = errors.New("token: revoked")
)

// CapabilityClaims are the claims of an issuer-signed capability token.
// Subject carries the agent ID.
type CapabilityClaims struct {
	jwt.RegisteredClaims
	OrgID              string                 `json:"org_id"`
	UAPKID             string                 `json:"uapk_id"`
	AllowedActionTypes []string               `json:"allowed_action_types,omitempty"`
	AllowedTools       []string               `json:"allowed_tools,omitempty"`
	Constraints        *contracts.Constraints `json:"constraints,omitempty"`
}

// OverrideClaims are the claims of a gateway-signed override token.
// ActionHash is the required binding to exactly one canonical action.
type OverrideClaims struct {
	jwt.RegisteredClaims
	ApprovalID string `json:"approval_id"`
	OrgID      string `json:"org_id"`
	UAPKID     string `json:"uapk_id"`
	AgentID    string `json:"agent_id"`
	ActionHash string `json:"action_hash"`
}

// Service signs and parses tokens against the gateway's signing service.
type Service struct {
	signer *signing.Service
	clock  func() time.Time
}

// NewService creates a token service bound to the gateway key.
func NewService(signer *signing.Service) *Service {
	return &Service{signer: signer, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// IssueOverride mints a single-use override token bound to the approval's
// stored action hash.
func (s *Service) IssueOverride(a *contracts.Approval, ttl time.Duration) (string, error) {
	now := s.clock().UTC()
	claims := OverrideClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    gatewayIssuer,
			Subject:   a.AgentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ApprovalID: a.ApprovalID,
		OrgID:      a.OrgID,
		UAPKID:     a.UAPKID,
		AgentID:    a.AgentID,
		ActionHash: a.ActionHash,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = s.signer.KeyID()
	signed, err := tok.SignedString(s.signer.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("token: sign override: %w", err)
	}
	return signed, nil
}

// ParseOverride verifies an override token under the gateway key.
func (s *Service) ParseOverride(raw string) (*OverrideClaims, error) {
	claims := &OverrideClaims{}
	if err := s.parse(raw, claims, func(*jwt.Token) (any, error) {
		return s.signer.PublicKeyBytes(), nil
	}); err != nil {
		return nil, err
	}
	if claims.ActionHash == "" || claims.ApprovalID == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}

// ParseCapability verifies a capability token under its issuer's
// registered public key.
func (s *Service) ParseCapability(raw string) (*CapabilityClaims, error) {
	claims := &CapabilityClaims{}
	if err := s.parse(raw, claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*CapabilityClaims)
		if !ok {
			return nil, ErrInvalid
		}
		pub, err := s.signer.IssuerKey(c.Issuer)
		if err != nil {
			return nil, err
		}
		return pub, nil
	}); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Service) parse(raw string, claims jwt.Claims, keyFn jwt.Keyfunc) error {
	tok, err := jwt.ParseWithClaims(raw, claims, keyFn,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(s.clock),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case err != nil:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	case !tok.Valid:
		return ErrInvalid
	}
	if rc, ok := claims.(interface{ GetID() string }); ok {
		if s.signer.IsRevoked(rc.GetID()) {
			return ErrRevoked
		}
	}
	return nil
}

// GetID exposes jti for revocation checks.
func (c *OverrideClaims) GetID() string { return c.ID }

// GetID exposes jti for revocation checks.
func (c *CapabilityClaims) GetID() string { return c.ID }

// Hash returns the SHA-256 hex of a compact token, stored on the approval
// record at issuance so consumption never needs the token itself.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IssuerKeyFromHex decodes a registered issuer's hex public key.
func IssuerKeyFromHex(pubHex string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(pubHex)
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("token: invalid issuer key")
	}
	return ed25519.PublicKey(b), nil
}
