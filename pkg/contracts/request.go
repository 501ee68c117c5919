package contracts

// GatewayRequest is the envelope the REST layer submits to the core for
// both evaluate and execute calls. Context is opaque and surfaces only in
// the audit trail.
type GatewayRequest struct {
	UAPKID          string         `json:"uapk_id"`
	AgentID         string         `json:"agent_id"`
	OrgID           string         `json:"org_id"`
	Action          Action         `json:"action"`
	Counterparty    *Counterparty  `json:"counterparty,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	CapabilityToken string         `json:"capability_token,omitempty"`
	OverrideToken   string         `json:"override_token,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
}

// Validate rejects structurally malformed requests before the core is
// entered. Policy concerns (unknown tools, caps) are not checked here.
func (r *GatewayRequest) Validate() error {
	switch {
	case r.OrgID == "":
		return &ValidationError{Field: "org_id", Msg: "required"}
	case r.UAPKID == "":
		return &ValidationError{Field: "uapk_id", Msg: "required"}
	case r.AgentID == "":
		return &ValidationError{Field: "agent_id", Msg: "required"}
	case r.Action.Type == "":
		return &ValidationError{Field: "action.type", Msg: "required"}
	case r.Action.Tool == "":
		return &ValidationError{Field: "action.tool", Msg: "required"}
	case r.Action.Amount != nil && r.Action.Currency == "":
		return &ValidationError{Field: "action.currency", Msg: "required when amount is set"}
	}
	return nil
}

// ValidationError is a structured request-boundary rejection.
type ValidationError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Field + ": " + e.Msg
}
