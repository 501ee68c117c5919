package contracts

import "time"

// Outcome is the terminal result of a policy evaluation.
type Outcome string

const (
	OutcomeAllow    Outcome = "ALLOW"
	OutcomeDeny     Outcome = "DENY"
	OutcomeEscalate Outcome = "ESCALATE"
)

// ReasonCode is a stable machine-readable identifier accompanying every
// non-ALLOW decision. The set is closed; codes never change meaning.
type ReasonCode string

const (
	ReasonManifestNotFound            ReasonCode = "MANIFEST_NOT_FOUND"
	ReasonManifestInactive            ReasonCode = "MANIFEST_INACTIVE"
	ReasonCapabilityTokenInvalid      ReasonCode = "CAPABILITY_TOKEN_INVALID"
	ReasonCapabilityTokenExpired      ReasonCode = "CAPABILITY_TOKEN_EXPIRED"
	ReasonOverrideTokenInvalid        ReasonCode = "OVERRIDE_TOKEN_INVALID"
	ReasonOverrideTokenExpired        ReasonCode = "OVERRIDE_TOKEN_EXPIRED"
	ReasonOverrideTokenAlreadyUsed    ReasonCode = "OVERRIDE_TOKEN_ALREADY_USED"
	ReasonOverrideTokenActionMismatch ReasonCode = "OVERRIDE_TOKEN_ACTION_MISMATCH"
	ReasonOverrideTokenAccepted       ReasonCode = "OVERRIDE_TOKEN_ACCEPTED"
	ReasonActionTypeNotAllowed        ReasonCode = "ACTION_TYPE_NOT_ALLOWED"
	ReasonToolNotAllowed              ReasonCode = "TOOL_NOT_ALLOWED"
	ReasonDenyRuleMatch               ReasonCode = "DENY_RULE_MATCH"
	ReasonCounterpartyBlocked         ReasonCode = "COUNTERPARTY_BLOCKED"
	ReasonJurisdictionBlocked         ReasonCode = "JURISDICTION_BLOCKED"
	ReasonAmountExceedsCap            ReasonCode = "AMOUNT_EXCEEDS_CAP"
	ReasonAmountRequiresApproval      ReasonCode = "AMOUNT_REQUIRES_APPROVAL"
	ReasonRequiresApproval            ReasonCode = "REQUIRES_APPROVAL"
	ReasonBudgetExceeded              ReasonCode = "BUDGET_EXCEEDED"
	ReasonBudgetUnavailable           ReasonCode = "BUDGET_UNAVAILABLE"
	ReasonAuditUnavailable            ReasonCode = "AUDIT_UNAVAILABLE"
	ReasonSigningUnavailable          ReasonCode = "SIGNING_UNAVAILABLE"
	ReasonConnectorSSRFBlocked        ReasonCode = "CONNECTOR_SSRF_BLOCKED"
	ReasonConnectorDomainNotAllowed   ReasonCode = "CONNECTOR_DOMAIN_NOT_ALLOWED"
	ReasonConnectorExecutionFailed    ReasonCode = "CONNECTOR_EXECUTION_FAILED"
)

// Reason pairs a stable code with a human-readable message.
type Reason struct {
	Code    ReasonCode     `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// StepResult is the outcome of a single policy step.
type StepResult string

const (
	StepPass     StepResult = "pass"
	StepFail     StepResult = "fail"
	StepEscalate StepResult = "escalate"
	StepSkipped  StepResult = "skipped"
)

// TraceStep records one evaluated policy step for the audit trail.
type TraceStep struct {
	Step   string     `json:"step"`
	Result StepResult `json:"result"`
	Detail string     `json:"detail,omitempty"`
}

// Decision is the structured result of an evaluate or execute call.
type Decision struct {
	InteractionID string      `json:"interaction_id"`
	Outcome       Outcome     `json:"decision"`
	Reasons       []Reason    `json:"reasons,omitempty"`
	ApprovalID    string      `json:"approval_id,omitempty"`
	PolicyTrace   []TraceStep `json:"policy_trace,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// HasReason reports whether the decision carries the given code.
func (d *Decision) HasReason(code ReasonCode) bool {
	for _, r := range d.Reasons {
		if r.Code == code {
			return true
		}
	}
	return false
}

// ConnectorResult summarizes a connector execution for the caller and the
// audit trail. Data is returned to the caller; the audit event stores only
// ResultHash and a redacted error.
type ConnectorResult struct {
	Success    bool           `json:"success"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	ResultHash string         `json:"result_hash,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// ExecuteResult extends Decision with the connector outcome.
type ExecuteResult struct {
	Decision
	Executed bool             `json:"executed"`
	Result   *ConnectorResult `json:"result,omitempty"`
}
