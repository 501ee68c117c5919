// Package contracts defines the data model shared across the gateway:
// actions, manifests, approvals, decisions and audit events. The package
// carries no behavior; every subsystem depends on it and it depends on
// nothing but serialization types.
package contracts

import (
	"github.com/shopspring/decimal"
)

// Action is the immutable descriptor of what an agent wants to do.
// The action hash (see pkg/canonical) is computed over these fields plus
// the counterparty; two actions the agent considers equivalent must
// canonicalize to byte-identical output.
type Action struct {
	Type        string           `json:"type"`
	Tool        string           `json:"tool"`
	Params      map[string]any   `json:"params,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Currency    string           `json:"currency,omitempty"`
	Description string           `json:"description,omitempty"`
}

// Counterparty identifies the external party an action is directed at.
// Used both for policy matching and connector recipient validation.
type Counterparty struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	Domain       string `json:"domain,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"` // ISO 3166-1 alpha-2
}

// Empty reports whether no counterparty field is set.
func (c *Counterparty) Empty() bool {
	if c == nil {
		return true
	}
	return c.ID == "" && c.Name == "" && c.Email == "" && c.Domain == "" && c.Jurisdiction == ""
}

// Matches reports whether a list entry identifies this counterparty.
// Entries match the ID, email or domain; empty fields never match.
func (c *Counterparty) Matches(entry string) bool {
	if c == nil || entry == "" {
		return false
	}
	return entry == c.ID || entry == c.Email || entry == c.Domain
}
