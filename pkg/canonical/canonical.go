// Package canonical provides RFC 8785 (JCS) canonical serialization and
// the deterministic action fingerprint that override tokens and
// idempotency keys bind to.
//
// The contract: for two actions the agent considers equivalent, the
// canonical serializer produces byte-identical output. Amounts are carried
// as fixed-precision decimal strings, never floats, so hashing and
// arithmetic are reproducible across languages.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"

	"github.com/agentgate/agentgate/pkg/contracts"
)

// Marshal returns the RFC 8785 canonical JSON form of v: sorted keys,
// UTF-8, no insignificant whitespace, no HTML escaping.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizeAmount renders a decimal in its canonical string form:
// plain decimal notation with trailing fraction zeros removed, so that
// "150", "150.0" and "150.00" hash identically.
func NormalizeAmount(d decimal.Decimal) string {
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	if s == "-0" || s == "" {
		s = "0"
	}
	return s
}

// ActionHash computes the stable fingerprint of an action and its
// counterparty. The hashed fields are exactly (action_type, tool, params,
// amount-as-decimal-string, currency, counterparty); the free-text
// description does not participate.
func ActionHash(a *contracts.Action, cp *contracts.Counterparty) (string, error) {
	m := map[string]any{
		"action_type": a.Type,
		"tool":        a.Tool,
	}
	if len(a.Params) > 0 {
		m["params"] = a.Params
	}
	if a.Amount != nil {
		m["amount"] = NormalizeAmount(*a.Amount)
	}
	if a.Currency != "" {
		m["currency"] = a.Currency
	}
	if !cp.Empty() {
		sub := map[string]any{}
		if cp.ID != "" {
			sub["id"] = cp.ID
		}
		if cp.Name != "" {
			sub["name"] = cp.Name
		}
		if cp.Email != "" {
			sub["email"] = cp.Email
		}
		if cp.Domain != "" {
			sub["domain"] = cp.Domain
		}
		if cp.Jurisdiction != "" {
			sub["jurisdiction"] = cp.Jurisdiction
		}
		m["counterparty"] = sub
	}
	return Hash(m)
}
