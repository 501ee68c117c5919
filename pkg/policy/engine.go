// Package policy implements the decision pipeline: a fixed sequence of
// checks over the manifest, credentials, counterparty, amounts and
// budget, producing ALLOW, DENY or ESCALATE with stable reason codes and
// a per-step trace. The first DENY ends evaluation; escalation triggers
// accumulate and only take effect when nothing denied. Infrastructure
// failures deny — the engine never guesses in the permissive direction.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentgate/agentgate/pkg/approval"
	"github.com/agentgate/agentgate/pkg/budget"
	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/manifest"
	"github.com/agentgate/agentgate/pkg/token"
)

// ApprovalReader is the slice of the approval manager the engine needs
// for the override fast-path. Consumption stays with the gateway.
type ApprovalReader interface {
	Get(ctx context.Context, id string) (*contracts.Approval, error)
}

// Engine evaluates gateway requests against registered manifests.
type Engine struct {
	manifests manifest.Store
	budgets   budget.Store
	bucketer  *budget.Bucketer
	tokens    *token.Service
	approvals ApprovalReader
	cel       *celEvaluator
	clock     func() time.Time
}

// New creates an engine. bucketer may be nil for UTC-day bucketing.
func New(manifests manifest.Store, budgets budget.Store, bucketer *budget.Bucketer,
	tokens *token.Service, approvals ApprovalReader) (*Engine, error) {
	cel, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}
	if bucketer == nil {
		bucketer = budget.NewBucketer(nil)
	}
	return &Engine{
		manifests: manifests,
		budgets:   budgets,
		bucketer:  bucketer,
		tokens:    tokens,
		approvals: approvals,
		cel:       cel,
		clock:     time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Input is one evaluation. ReserveBudget distinguishes execute (the
// budget slot is atomically reserved) from evaluate (a non-consuming
// read of the counter).
type Input struct {
	Req           *contracts.GatewayRequest
	ActionHash    string
	ReserveBudget bool
}

// Result is the engine's verdict plus everything the gateway needs to
// act on it: the manifest that governed the decision, the accepted
// override claims (nil unless the fast-path succeeded) and whether the
// budget slot was reserved.
type Result struct {
	Outcome        contracts.Outcome
	Reasons        []contracts.Reason
	Trace          []contracts.TraceStep
	Manifest       *contracts.Manifest
	Override       *token.OverrideClaims
	BudgetReserved bool
}

func (r *Result) deny(step string, code contracts.ReasonCode, msg string) *Result {
	r.Outcome = contracts.OutcomeDeny
	r.Reasons = append(r.Reasons, contracts.Reason{Code: code, Message: msg})
	r.Trace = append(r.Trace, contracts.TraceStep{Step: step, Result: contracts.StepFail, Detail: string(code)})
	return r
}

func (r *Result) pass(step string) {
	r.Trace = append(r.Trace, contracts.TraceStep{Step: step, Result: contracts.StepPass})
}

func (r *Result) skip(step, detail string) {
	r.Trace = append(r.Trace, contracts.TraceStep{Step: step, Result: contracts.StepSkipped, Detail: detail})
}

func (r *Result) escalate(step string, code contracts.ReasonCode, msg string) {
	r.Reasons = append(r.Reasons, contracts.Reason{Code: code, Message: msg})
	r.Trace = append(r.Trace, contracts.TraceStep{Step: step, Result: contracts.StepEscalate, Detail: string(code)})
}

// Evaluate runs the pipeline. It never creates approval records and
// never consumes override tokens; both belong to the gateway.
func (e *Engine) Evaluate(ctx context.Context, in Input) *Result {
	req := in.Req
	res := &Result{Outcome: contracts.OutcomeAllow}

	// Step 1: manifest exists and is active.
	m, err := e.manifests.Get(ctx, req.OrgID, req.UAPKID)
	if errors.Is(err, manifest.ErrNotFound) {
		return res.deny("manifest_active", contracts.ReasonManifestNotFound,
			fmt.Sprintf("no manifest registered for uapk %s", req.UAPKID))
	}
	if err != nil {
		return res.deny("manifest_active", contracts.ReasonManifestNotFound,
			"manifest store unavailable")
	}
	if m.Status != contracts.ManifestActive {
		return res.deny("manifest_active", contracts.ReasonManifestInactive,
			fmt.Sprintf("manifest status is %s", m.Status))
	}
	res.Manifest = m
	res.pass("manifest_active")

	// Step 2: override-token fast-path. A valid override short-circuits
	// the remaining policy but cannot resurrect a prohibited action type
	// or tool, and never touches the budget.
	if req.OverrideToken != "" {
		claims, denied := e.checkOverride(ctx, req, in.ActionHash, res)
		if denied != nil {
			return denied
		}
		if denied := e.checkActionAndTool(effectiveFromManifest(m), req, res); denied != nil {
			return denied
		}
		res.Override = claims
		res.Reasons = append(res.Reasons, contracts.Reason{
			Code:    contracts.ReasonOverrideTokenAccepted,
			Message: "operator-approved override accepted",
			Details: map[string]any{"approval_id": claims.ApprovalID},
		})
		res.skip("budget", "override path does not consume budget")
		return res
	}
	res.skip("override_token", "no override token presented")

	// Step 3: capability token narrows the manifest.
	eff := effectiveFromManifest(m)
	if req.CapabilityToken != "" {
		claims, err := e.tokens.ParseCapability(req.CapabilityToken)
		switch {
		case errors.Is(err, token.ErrExpired):
			return res.deny("capability_token", contracts.ReasonCapabilityTokenExpired,
				"capability token expired")
		case err != nil:
			return res.deny("capability_token", contracts.ReasonCapabilityTokenInvalid,
				"capability token rejected")
		case claims.OrgID != req.OrgID || claims.UAPKID != req.UAPKID || claims.Subject != req.AgentID:
			return res.deny("capability_token", contracts.ReasonCapabilityTokenInvalid,
				"capability token bound to a different principal")
		}
		eff.narrow(claims)
		res.pass("capability_token")
	} else {
		res.skip("capability_token", "no capability token presented")
	}

	// Steps 4 and 5: action type and tool in the effective allow sets.
	if denied := e.checkActionAndTool(eff, req, res); denied != nil {
		return denied
	}

	// Step 6: manifest deny rules.
	if denied := e.checkDenyRules(m, req, res); denied != nil {
		return denied
	}

	// Step 7: counterparty and jurisdiction.
	if denied := e.checkCounterparty(eff, m, req, res); denied != nil {
		return denied
	}

	// Step 8: hard amount cap.
	if denied := e.checkAmountCap(eff, req, res); denied != nil {
		return denied
	}

	// Step 9: approval thresholds accumulate escalations.
	e.checkThresholds(m, req, res)

	// Step 10: explicit approval requirement.
	e.checkRequireApproval(m, req, res)

	if res.hasEscalation() {
		// Budget is not consumed for escalations.
		res.Outcome = contracts.OutcomeEscalate
		res.skip("budget", "escalation does not consume budget")
		return res
	}

	// Step 11: atomic budget reservation.
	if denied := e.checkBudget(ctx, eff, req, in.ReserveBudget, res); denied != nil {
		return denied
	}

	return res
}

func (r *Result) hasEscalation() bool {
	for _, s := range r.Trace {
		if s.Result == contracts.StepEscalate {
			return true
		}
	}
	return false
}

// checkOverride validates a presented override token end to end: gateway
// signature, expiry, action-hash binding, principal binding, and the
// referenced approval being APPROVED, unexpired and unconsumed with a
// matching token hash.
func (e *Engine) checkOverride(ctx context.Context, req *contracts.GatewayRequest,
	actionHash string, res *Result) (*token.OverrideClaims, *Result) {
	const step = "override_token"

	claims, err := e.tokens.ParseOverride(req.OverrideToken)
	switch {
	case errors.Is(err, token.ErrExpired):
		return nil, res.deny(step, contracts.ReasonOverrideTokenExpired, "override token expired")
	case err != nil:
		return nil, res.deny(step, contracts.ReasonOverrideTokenInvalid, "override token rejected")
	}
	if claims.OrgID != req.OrgID || claims.UAPKID != req.UAPKID || claims.AgentID != req.AgentID {
		return nil, res.deny(step, contracts.ReasonOverrideTokenInvalid,
			"override token bound to a different principal")
	}
	if claims.ActionHash != actionHash {
		return nil, res.deny(step, contracts.ReasonOverrideTokenActionMismatch,
			"override token bound to a different action")
	}

	a, err := e.approvals.Get(ctx, claims.ApprovalID)
	if errors.Is(err, approval.ErrNotFound) {
		return nil, res.deny(step, contracts.ReasonOverrideTokenInvalid,
			"referenced approval does not exist")
	}
	if err != nil {
		return nil, res.deny(step, contracts.ReasonOverrideTokenInvalid,
			"approval store unavailable")
	}
	switch a.Status {
	case contracts.ApprovalConsumed:
		return nil, res.deny(step, contracts.ReasonOverrideTokenAlreadyUsed,
			"override already consumed")
	case contracts.ApprovalExpired:
		return nil, res.deny(step, contracts.ReasonOverrideTokenExpired,
			"referenced approval expired")
	case contracts.ApprovalApproved:
		// proceed
	default:
		return nil, res.deny(step, contracts.ReasonOverrideTokenInvalid,
			fmt.Sprintf("referenced approval is %s", a.Status))
	}
	if a.ActionHash != actionHash {
		return nil, res.deny(step, contracts.ReasonOverrideTokenActionMismatch,
			"approval bound to a different action")
	}
	if a.OverrideTokenHash == "" || a.OverrideTokenHash != token.Hash(req.OverrideToken) {
		return nil, res.deny(step, contracts.ReasonOverrideTokenInvalid,
			"token does not match the issued override")
	}

	res.pass(step)
	return claims, nil
}

// checkActionAndTool enforces the effective allow sets. Empty sets deny;
// an allowlist with nothing on it allows nothing.
func (e *Engine) checkActionAndTool(eff *effectivePolicy, req *contracts.GatewayRequest, res *Result) *Result {
	if _, ok := eff.AllowedActionTypes[req.Action.Type]; !ok {
		return res.deny("action_type", contracts.ReasonActionTypeNotAllowed,
			fmt.Sprintf("action type %q is not allowed", req.Action.Type))
	}
	res.pass("action_type")

	if _, ok := eff.AllowedTools[req.Action.Tool]; !ok {
		return res.deny("tool", contracts.ReasonToolNotAllowed,
			fmt.Sprintf("tool %q is not allowed", req.Action.Tool))
	}
	res.pass("tool")
	return nil
}

// checkDenyRules covers the static deny set and the manifest's CEL
// rules. A CEL rule that fails to evaluate denies.
func (e *Engine) checkDenyRules(m *contracts.Manifest, req *contracts.GatewayRequest, res *Result) *Result {
	for _, denied := range m.DenyRules {
		if denied == req.Action.Type {
			return res.deny("deny_rules", contracts.ReasonDenyRuleMatch,
				fmt.Sprintf("action type %q is denied by rule", req.Action.Type))
		}
	}
	res.pass("deny_rules")

	if len(m.CELRules) == 0 {
		res.skip("cel_rules", "no rules configured")
		return nil
	}
	cp := req.Counterparty
	if cp == nil {
		cp = &contracts.Counterparty{}
	}
	for _, rule := range m.CELRules {
		ok, err := e.cel.Evaluate(rule, &req.Action, cp)
		if err != nil || !ok {
			return res.deny("cel_rules", contracts.ReasonDenyRuleMatch,
				fmt.Sprintf("rule %q rejected the action", rule.Name))
		}
	}
	res.pass("cel_rules")
	return nil
}

func (e *Engine) checkCounterparty(eff *effectivePolicy, m *contracts.Manifest,
	req *contracts.GatewayRequest, res *Result) *Result {
	const step = "counterparty"
	cp := req.Counterparty

	if len(m.JurisdictionsAllowed) > 0 {
		if cp == nil || cp.Jurisdiction == "" {
			return res.deny(step, contracts.ReasonJurisdictionBlocked,
				"jurisdiction required but not provided")
		}
		if !contains(m.JurisdictionsAllowed, cp.Jurisdiction) {
			return res.deny(step, contracts.ReasonJurisdictionBlocked,
				fmt.Sprintf("jurisdiction %q is not allowed", cp.Jurisdiction))
		}
	}

	if cp != nil && !cp.Empty() {
		for _, blocked := range eff.Constraints.CounterpartyDenylist {
			if cp.Matches(blocked) {
				return res.deny(step, contracts.ReasonCounterpartyBlocked,
					"counterparty is denylisted")
			}
		}
	}

	if eff.Constraints.CounterpartyAllowlist != nil {
		// A configured allowlist is deny-by-default, including the
		// empty list and the missing counterparty.
		allowed := false
		if cp != nil {
			for _, ok := range eff.Constraints.CounterpartyAllowlist {
				if cp.Matches(ok) {
					allowed = true
					break
				}
			}
		}
		if !allowed {
			return res.deny(step, contracts.ReasonCounterpartyBlocked,
				"counterparty is not on the allowlist")
		}
	}

	res.pass(step)
	return nil
}

func (e *Engine) checkAmountCap(eff *effectivePolicy, req *contracts.GatewayRequest, res *Result) *Result {
	const step = "amount_cap"
	a := req.Action
	if a.Amount == nil {
		res.skip(step, "no amount on action")
		return nil
	}
	ceiling, ok := eff.Constraints.AmountCaps[a.Currency]
	if !ok {
		res.skip(step, "no cap for currency "+a.Currency)
		return nil
	}
	if a.Amount.GreaterThan(ceiling) {
		return res.deny(step, contracts.ReasonAmountExceedsCap,
			fmt.Sprintf("amount %s %s exceeds cap %s", a.Amount.String(), a.Currency, ceiling.String()))
	}
	res.pass(step)
	return nil
}

func (e *Engine) checkThresholds(m *contracts.Manifest, req *contracts.GatewayRequest, res *Result) {
	const step = "approval_thresholds"
	if len(m.ApprovalThresholds) == 0 {
		res.skip(step, "no thresholds configured")
		return
	}
	if req.Action.Amount == nil {
		res.skip(step, "no amount on action")
		return
	}
	for _, t := range m.ApprovalThresholds {
		if t.Matches(&req.Action) {
			res.escalate(step, contracts.ReasonAmountRequiresApproval,
				fmt.Sprintf("amount %s %s is at or above the approval threshold %s",
					req.Action.Amount.String(), req.Action.Currency, t.Amount.String()))
			return
		}
	}
	res.pass(step)
}

func (e *Engine) checkRequireApproval(m *contracts.Manifest, req *contracts.GatewayRequest, res *Result) {
	const step = "require_approval"
	if contains(m.RequireApproval, req.Action.Type) {
		res.escalate(step, contracts.ReasonRequiresApproval,
			fmt.Sprintf("action type %q always requires approval", req.Action.Type))
		return
	}
	res.pass(step)
}

// checkBudget reserves (execute) or reads (evaluate) the daily counter.
// The counter key follows the configured limit: a per-type limit counts
// per type, the wildcard limit shares one counter across types.
func (e *Engine) checkBudget(ctx context.Context, eff *effectivePolicy,
	req *contracts.GatewayRequest, reserve bool, res *Result) *Result {
	const step = "budget"

	limits := eff.Constraints.MaxActionsPerDay
	if limits == nil {
		res.skip(step, "no daily limits configured")
		return nil
	}
	keyType := req.Action.Type
	limit, ok := limits[keyType]
	if !ok {
		keyType = budget.GlobalActionType
		limit, ok = limits[keyType]
	}
	if !ok {
		res.skip(step, "no daily limit for action type")
		return nil
	}

	key := budget.Key{
		OrgID:      req.OrgID,
		UAPKID:     req.UAPKID,
		ActionType: keyType,
		Bucket:     e.bucketer.Day(),
	}

	if !reserve {
		count, err := e.budgets.Count(ctx, key)
		if err != nil {
			return res.deny(step, contracts.ReasonBudgetUnavailable, "budget store unavailable")
		}
		if count >= limit {
			return res.deny(step, contracts.ReasonBudgetExceeded,
				fmt.Sprintf("daily budget of %d exhausted", limit))
		}
		res.pass(step)
		return nil
	}

	won, err := e.budgets.Reserve(ctx, key, limit)
	if err != nil {
		return res.deny(step, contracts.ReasonBudgetUnavailable, "budget store unavailable")
	}
	if !won {
		return res.deny(step, contracts.ReasonBudgetExceeded,
			fmt.Sprintf("daily budget of %d exhausted", limit))
	}
	res.BudgetReserved = true
	res.pass(step)
	return nil
}

func contains(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}
	return false
}
