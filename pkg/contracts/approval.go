package contracts

import "time"

// ApprovalStatus is the lifecycle state of an approval record.
//
// Transitions: PENDING -> APPROVED | DENIED | EXPIRED,
// APPROVED -> CONSUMED (atomic, at most once) | EXPIRED.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDenied   ApprovalStatus = "DENIED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
	ApprovalConsumed ApprovalStatus = "CONSUMED"
)

// Terminal reports whether no further transition is possible.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalDenied || s == ApprovalExpired || s == ApprovalConsumed
}

// Approval is a pending (or resolved) operator decision created when the
// policy engine escalates. The stored ActionHash binds any override token
// issued on approval to exactly one action.
type Approval struct {
	ApprovalID   string        `json:"approval_id"`
	OrgID        string        `json:"org_id"`
	UAPKID       string        `json:"uapk_id"`
	AgentID      string        `json:"agent_id"`
	Action       Action        `json:"action"`
	ActionHash   string        `json:"action_hash"`
	Counterparty *Counterparty `json:"counterparty,omitempty"`
	Reasons      []Reason      `json:"reasons,omitempty"`

	Status    ApprovalStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
	DecidedBy string         `json:"decided_by,omitempty"`

	// Set on approval; SHA-256 of the issued override token.
	OverrideTokenHash string `json:"override_token_hash,omitempty"`

	ConsumedAt            *time.Time `json:"consumed_at,omitempty"`
	ConsumedInteractionID string     `json:"consumed_interaction_id,omitempty"`
}
