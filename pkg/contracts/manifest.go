package contracts

import (
	"github.com/shopspring/decimal"
)

// ManifestStatus is the lifecycle state of a registered manifest.
type ManifestStatus string

const (
	ManifestActive    ManifestStatus = "active"
	ManifestSuspended ManifestStatus = "suspended"
	ManifestRevoked   ManifestStatus = "revoked"
)

// Manifest is the externally-registered declaration of what an agent may
// do. The gateway only consumes manifests; it never writes them. Only a
// manifest with Status == active is ever evaluated.
type Manifest struct {
	UAPKID             string              `json:"uapk_id"`
	OrgID              string              `json:"org_id"`
	SchemaVersion      string              `json:"schema_version,omitempty"`
	Status             ManifestStatus      `json:"status"`
	AllowedActionTypes []string            `json:"allowed_action_types"`
	AllowedTools       []string            `json:"allowed_tools"`
	Constraints        Constraints         `json:"constraints"`
	ApprovalThresholds []ApprovalThreshold `json:"approval_thresholds,omitempty"`
	DenyRules          []string            `json:"deny_rules,omitempty"`
	CELRules           []CELRule           `json:"cel_rules,omitempty"`
	RequireApproval    []string            `json:"require_approval,omitempty"`
	JurisdictionsAllowed []string          `json:"jurisdictions_allowed,omitempty"`
	WebhookDomainsAllowlist []string       `json:"webhook_domains_allowlist,omitempty"`
}

// Constraints bound how often and how large actions may be.
// MaxActionsPerDay maps action type (or "*" for global) to a daily cap.
// AmountCaps maps ISO-4217 currency to the hard per-action ceiling.
type Constraints struct {
	MaxActionsPerDay     map[string]int64            `json:"max_actions_per_day,omitempty"`
	CounterpartyAllowlist []string                   `json:"counterparty_allowlist,omitempty"`
	CounterpartyDenylist  []string                   `json:"counterparty_denylist,omitempty"`
	AmountCaps           map[string]decimal.Decimal  `json:"amount_caps,omitempty"`
}

// ApprovalThreshold triggers an escalation when the action matches.
// Amount comparison is >=; empty optional fields match everything.
type ApprovalThreshold struct {
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	ActionType string          `json:"action_type,omitempty"`
}

// Matches reports whether the threshold applies to the given action.
// A missing action amount never matches an amount threshold.
func (t ApprovalThreshold) Matches(a *Action) bool {
	if t.ActionType != "" && t.ActionType != a.Type {
		return false
	}
	if t.Tool != "" && t.Tool != a.Tool {
		return false
	}
	if a.Amount == nil {
		return false
	}
	if t.Currency != "" && t.Currency != a.Currency {
		return false
	}
	return a.Amount.GreaterThanOrEqual(t.Amount)
}

// CELRule is a named boolean expression over the action, counterparty and
// amount. A rule that evaluates to false denies the action.
type CELRule struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// DailyLimitFor resolves the per-day cap for an action type, falling back
// to the global "*" entry. Returns 0, false when no cap is configured.
func (c Constraints) DailyLimitFor(actionType string) (int64, bool) {
	if c.MaxActionsPerDay == nil {
		return 0, false
	}
	if limit, ok := c.MaxActionsPerDay[actionType]; ok {
		return limit, true
	}
	if limit, ok := c.MaxActionsPerDay["*"]; ok {
		return limit, true
	}
	return 0, false
}
