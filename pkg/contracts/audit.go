package contracts

import "time"

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditDecision AuditEventType = "decision"
	AuditExecute  AuditEventType = "execute"
	AuditApproval AuditEventType = "approval"
	AuditSystem   AuditEventType = "system"
)

// ConnectorResultSummary is the redacted execution outcome persisted in
// the audit trail. Response bodies are never stored, only their hash.
type ConnectorResultSummary struct {
	Success    bool   `json:"success"`
	ResultHash string `json:"result_hash,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"` // redacted error class, not content
}

// AuditEvent is one immutable entry in the hash-chained audit log.
//
// EventHash is computed over the canonical serialization of the event with
// EventHash and EventSignature cleared; PreviousEventHash is part of the
// hashed material, which is what chains the log. EventSignature is Ed25519
// over the event hash bytes under the gateway key.
type AuditEvent struct {
	EventID   string         `json:"event_id"` // UUIDv7, monotonic in log order
	Timestamp time.Time      `json:"timestamp"`
	Type      AuditEventType `json:"type"`

	OrgID      string  `json:"org_id,omitempty"`
	UAPKID     string  `json:"uapk_id,omitempty"`
	AgentID    string  `json:"agent_id,omitempty"`
	Tool       string  `json:"tool,omitempty"`
	ActionHash string  `json:"action_hash,omitempty"`
	Decision   Outcome `json:"decision,omitempty"`

	Reasons     []Reason       `json:"reasons,omitempty"`
	PolicyTrace []TraceStep    `json:"policy_trace,omitempty"`
	Context     map[string]any `json:"context,omitempty"`

	InteractionID string                  `json:"interaction_id,omitempty"`
	ApprovalID    string                  `json:"approval_id,omitempty"`
	Reserved      bool                    `json:"reserved"`
	Connector     *ConnectorResultSummary `json:"connector_result_summary,omitempty"`

	PreviousEventHash string `json:"previous_event_hash"`
	EventHash         string `json:"event_hash"`
	EventSignature    string `json:"event_signature"`
	SigningKeyID      string `json:"signing_key_id,omitempty"`
}
