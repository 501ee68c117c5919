// Package gateway orchestrates one request end to end: policy
// evaluation, approval lifecycle, override consumption, connector
// execution and the audit trail. The service is the only writer to the
// audit log and the only caller that transitions approvals from
// APPROVED to CONSUMED.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/pkg/approval"
	"github.com/agentgate/agentgate/pkg/audit"
	"github.com/agentgate/agentgate/pkg/canonical"
	"github.com/agentgate/agentgate/pkg/connector"
	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/observability"
	"github.com/agentgate/agentgate/pkg/policy"
)

// Service is the gateway core.
type Service struct {
	engine    *policy.Engine
	log       *audit.Log
	approvals *approval.Manager
	registry  *connector.Registry

	idem *idempotencyCache
	obs  *observability.Provider

	// globalWebhookDomains, when configured, intersects every
	// manifest's outbound allowlist.
	globalWebhookDomains []string

	clock  func() time.Time
	logger *slog.Logger
}

// Options configures optional service behavior.
type Options struct {
	IdempotencyTTL       time.Duration
	GlobalWebhookDomains []string
	Observability        *observability.Provider
	Logger               *slog.Logger
}

// New wires the service.
func New(engine *policy.Engine, log *audit.Log, approvals *approval.Manager,
	registry *connector.Registry, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:               engine,
		log:                  log,
		approvals:            approvals,
		registry:             registry,
		idem:                 newIdempotencyCache(opts.IdempotencyTTL),
		obs:                  opts.Observability,
		globalWebhookDomains: opts.GlobalWebhookDomains,
		clock:                time.Now,
		logger:               logger.With("component", "gateway"),
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	s.idem.clock = clock
	return s
}

// Evaluate renders a decision without reserving budget or executing
// anything. The audit event carries reserved=false.
func (s *Service) Evaluate(ctx context.Context, req *contracts.GatewayRequest) (*contracts.Decision, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	actionHash, err := canonical.ActionHash(&req.Action, req.Counterparty)
	if err != nil {
		return nil, err
	}

	res := s.engine.Evaluate(ctx, policy.Input{
		Req:           req,
		ActionHash:    actionHash,
		ReserveBudget: false,
	})
	dec := s.decision(res)

	ev := s.event(contracts.AuditDecision, req, actionHash, dec, false)
	if _, err := s.log.Append(ctx, ev); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed", "error", err)
		return s.failClosed(dec.InteractionID, contracts.ReasonAuditUnavailable), nil
	}
	s.record(ctx, dec)
	return dec, nil
}

// Execute renders a decision with budget reservation and, on ALLOW,
// runs the connector. Side effects never happen without an audit event:
// the ALLOW is audited before the connector is invoked, and the
// connector outcome is audited after.
func (s *Service) Execute(ctx context.Context, req *contracts.GatewayRequest) (*contracts.ExecuteResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		entry, owner := s.idem.begin(req.OrgID, req.IdempotencyKey)
		if !owner {
			cached, err := s.idem.await(ctx, entry)
			if err != nil {
				return nil, err
			}
			if cached != nil {
				return cached, nil
			}
			// The owner abandoned; run fresh.
			return s.Execute(ctx, req)
		}
		res, err := s.execute(ctx, req)
		if err != nil {
			s.idem.complete(req.OrgID, req.IdempotencyKey, entry, nil)
			return nil, err
		}
		s.idem.complete(req.OrgID, req.IdempotencyKey, entry, res)
		return res, nil
	}
	return s.execute(ctx, req)
}

func (s *Service) execute(ctx context.Context, req *contracts.GatewayRequest) (*contracts.ExecuteResult, error) {
	actionHash, err := canonical.ActionHash(&req.Action, req.Counterparty)
	if err != nil {
		return nil, err
	}

	res := s.engine.Evaluate(ctx, policy.Input{
		Req:           req,
		ActionHash:    actionHash,
		ReserveBudget: true,
	})
	dec := s.decision(res)

	switch res.Outcome {
	case contracts.OutcomeDeny:
		return s.finishWithoutExecution(ctx, req, actionHash, dec, res.BudgetReserved)

	case contracts.OutcomeEscalate:
		a, err := s.approvals.Create(ctx, req, actionHash, dec.Reasons)
		if err != nil {
			s.logger.ErrorContext(ctx, "approval create failed", "error", err)
			failed := s.failClosed(dec.InteractionID, contracts.ReasonBudgetUnavailable)
			failed.Reasons[0].Message = "approval store unavailable"
			return &contracts.ExecuteResult{Decision: *failed}, nil
		}
		dec.ApprovalID = a.ApprovalID
		return s.finishWithoutExecution(ctx, req, actionHash, dec, false)
	}

	// ALLOW. Consume the override before anything executes; losing the
	// CAS converts the call into a deny.
	if res.Override != nil {
		if err := s.approvals.Consume(ctx, res.Override.ApprovalID, actionHash, dec.InteractionID); err != nil {
			denied := s.overrideConsumeDeny(dec, err)
			return s.finishWithoutExecution(ctx, req, actionHash, denied, res.BudgetReserved)
		}
		dec.ApprovalID = res.Override.ApprovalID
	}

	// Audit the ALLOW before the side effect; a dead audit store means
	// nothing executes.
	allowEv := s.event(contracts.AuditDecision, req, actionHash, dec, res.BudgetReserved)
	if _, err := s.log.Append(ctx, allowEv); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed before execution", "error", err)
		failed := s.failClosed(dec.InteractionID, contracts.ReasonAuditUnavailable)
		return &contracts.ExecuteResult{Decision: *failed}, nil
	}

	summary, connRes := s.runConnector(ctx, req, res, dec)

	execEv := s.event(contracts.AuditExecute, req, actionHash, dec, res.BudgetReserved)
	execEv.Connector = summary
	if _, err := s.log.Append(ctx, execEv); err != nil {
		// The pre-execution event already audited the action; surface
		// the store failure but keep the result.
		s.logger.ErrorContext(ctx, "audit append failed after execution", "error", err)
	}

	s.record(ctx, dec)
	return &contracts.ExecuteResult{
		Decision: *dec,
		Executed: true,
		Result:   connRes,
	}, nil
}

// runConnector locates, validates and invokes the connector, capturing
// every failure into the result instead of raising it.
func (s *Service) runConnector(ctx context.Context, req *contracts.GatewayRequest,
	res *policy.Result, dec *contracts.Decision) (*contracts.ConnectorResultSummary, *contracts.ConnectorResult) {
	start := s.clock()

	fail := func(code contracts.ReasonCode, msg string) (*contracts.ConnectorResultSummary, *contracts.ConnectorResult) {
		elapsed := s.clock().Sub(start).Milliseconds()
		dec.Reasons = append(dec.Reasons, contracts.Reason{Code: code, Message: msg})
		if s.obs != nil {
			s.obs.RecordConnector(ctx, req.Action.Tool, float64(elapsed)/1000, false)
		}
		return &contracts.ConnectorResultSummary{Success: false, DurationMS: elapsed, Error: string(code)},
			&contracts.ConnectorResult{Success: false, Error: msg, DurationMS: elapsed}
	}

	conn, err := s.registry.Lookup(req.Action.Tool)
	if err != nil {
		return fail(contracts.ReasonConnectorExecutionFailed, "no connector registered for tool")
	}
	if err := conn.Validate(req.Action.Params, res.Manifest); err != nil {
		return fail(contracts.ReasonConnectorExecutionFailed, "connector params rejected")
	}

	inv := connector.Invocation{
		InteractionID: dec.InteractionID,
		OrgID:         req.OrgID,
		UAPKID:        req.UAPKID,
		AgentID:       req.AgentID,
		Counterparty:  req.Counterparty,
		Domains:       s.effectiveDomains(res.Manifest),
	}
	data, err := conn.Execute(ctx, req.Action.Params, inv)
	elapsed := s.clock().Sub(start).Milliseconds()

	if err != nil {
		code := contracts.ReasonConnectorExecutionFailed
		msg := "connector execution failed"
		switch {
		case errors.Is(err, connector.ErrSSRFBlocked):
			code, msg = contracts.ReasonConnectorSSRFBlocked, "outbound target blocked"
		case errors.Is(err, connector.ErrDomainNotAllowed):
			code, msg = contracts.ReasonConnectorDomainNotAllowed, "outbound domain not allowlisted"
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			msg = "execution cancelled"
		}
		s.logger.WarnContext(ctx, "connector failed",
			"tool", req.Action.Tool, "code", string(code), "error", err)
		dec.Reasons = append(dec.Reasons, contracts.Reason{Code: code, Message: msg})
		if s.obs != nil {
			s.obs.RecordConnector(ctx, req.Action.Tool, float64(elapsed)/1000, false)
		}
		summary := &contracts.ConnectorResultSummary{Success: false, DurationMS: elapsed, Error: string(code)}
		result := &contracts.ConnectorResult{Success: false, Error: msg, DurationMS: elapsed}
		if data != nil {
			if h, herr := canonical.Hash(data); herr == nil {
				summary.ResultHash = h
				result.ResultHash = h
			}
		}
		return summary, result
	}

	resultHash, err := canonical.Hash(data)
	if err != nil {
		return fail(contracts.ReasonConnectorExecutionFailed, "connector result not serializable")
	}
	if s.obs != nil {
		s.obs.RecordConnector(ctx, req.Action.Tool, float64(elapsed)/1000, true)
	}
	return &contracts.ConnectorResultSummary{Success: true, ResultHash: resultHash, DurationMS: elapsed},
		&contracts.ConnectorResult{Success: true, Data: data, ResultHash: resultHash, DurationMS: elapsed}
}

// Approve resolves a pending approval, returning the single-use
// override token, and audits the decision.
func (s *Service) Approve(ctx context.Context, approvalID, actor string) (string, *contracts.Approval, error) {
	raw, a, err := s.approvals.Approve(ctx, approvalID, actor)
	if err != nil {
		return "", nil, err
	}
	s.auditApproval(ctx, a, "approval granted by "+actor)
	return raw, a, nil
}

// DenyApproval resolves a pending approval negatively and audits it.
func (s *Service) DenyApproval(ctx context.Context, approvalID, actor string) (*contracts.Approval, error) {
	a, err := s.approvals.Deny(ctx, approvalID, actor)
	if err != nil {
		return nil, err
	}
	s.auditApproval(ctx, a, "approval denied by "+actor)
	return a, nil
}

// SweepExpired expires stale approvals and prunes the idempotency
// cache; run periodically.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	s.idem.sweep()
	return s.approvals.SweepExpired(ctx)
}

func (s *Service) auditApproval(ctx context.Context, a *contracts.Approval, detail string) {
	ev := &contracts.AuditEvent{
		Type:       contracts.AuditApproval,
		OrgID:      a.OrgID,
		UAPKID:     a.UAPKID,
		AgentID:    a.AgentID,
		Tool:       a.Action.Tool,
		ActionHash: a.ActionHash,
		ApprovalID: a.ApprovalID,
		Context:    map[string]any{"status": string(a.Status), "detail": detail},
	}
	if _, err := s.log.Append(ctx, ev); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed for approval", "error", err)
	}
}

// finishWithoutExecution audits a non-executing outcome and returns it.
// Nothing ran, so the event is a decision; execute-type events exist only
// for invoked connectors.
func (s *Service) finishWithoutExecution(ctx context.Context, req *contracts.GatewayRequest,
	actionHash string, dec *contracts.Decision, reserved bool) (*contracts.ExecuteResult, error) {
	ev := s.event(contracts.AuditDecision, req, actionHash, dec, reserved)
	if _, err := s.log.Append(ctx, ev); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed", "error", err)
		failed := s.failClosed(dec.InteractionID, contracts.ReasonAuditUnavailable)
		return &contracts.ExecuteResult{Decision: *failed}, nil
	}
	s.record(ctx, dec)
	return &contracts.ExecuteResult{Decision: *dec, Executed: false}, nil
}

// overrideConsumeDeny converts a consumption failure into the matching
// deny.
func (s *Service) overrideConsumeDeny(dec *contracts.Decision, err error) *contracts.Decision {
	code := contracts.ReasonOverrideTokenInvalid
	msg := "override token rejected"
	switch {
	case errors.Is(err, approval.ErrAlreadyUsed), errors.Is(err, approval.ErrConflict):
		code, msg = contracts.ReasonOverrideTokenAlreadyUsed, "override already consumed"
	case errors.Is(err, approval.ErrExpired):
		code, msg = contracts.ReasonOverrideTokenExpired, "referenced approval expired"
	case errors.Is(err, approval.ErrActionMismatch):
		code, msg = contracts.ReasonOverrideTokenActionMismatch, "override bound to a different action"
	}
	out := &contracts.Decision{
		InteractionID: dec.InteractionID,
		Outcome:       contracts.OutcomeDeny,
		Reasons:       []contracts.Reason{{Code: code, Message: msg}},
		PolicyTrace:   dec.PolicyTrace,
		Timestamp:     dec.Timestamp,
	}
	return out
}

func (s *Service) decision(res *policy.Result) *contracts.Decision {
	return &contracts.Decision{
		InteractionID: uuid.New().String(),
		Outcome:       res.Outcome,
		Reasons:       res.Reasons,
		PolicyTrace:   res.Trace,
		Timestamp:     s.clock().UTC(),
	}
}

func (s *Service) event(t contracts.AuditEventType, req *contracts.GatewayRequest,
	actionHash string, dec *contracts.Decision, reserved bool) *contracts.AuditEvent {
	return &contracts.AuditEvent{
		Type:          t,
		OrgID:         req.OrgID,
		UAPKID:        req.UAPKID,
		AgentID:       req.AgentID,
		Tool:          req.Action.Tool,
		ActionHash:    actionHash,
		Decision:      dec.Outcome,
		Reasons:       dec.Reasons,
		PolicyTrace:   dec.PolicyTrace,
		Context:       req.Context,
		InteractionID: dec.InteractionID,
		ApprovalID:    dec.ApprovalID,
		Reserved:      reserved,
	}
}

// failClosed is the uniform infrastructure-failure deny.
func (s *Service) failClosed(interactionID string, code contracts.ReasonCode) *contracts.Decision {
	return &contracts.Decision{
		InteractionID: interactionID,
		Outcome:       contracts.OutcomeDeny,
		Reasons: []contracts.Reason{{
			Code:    code,
			Message: "gateway infrastructure unavailable",
		}},
		Timestamp: s.clock().UTC(),
	}
}

// effectiveDomains intersects the manifest allowlist with the global
// one when the latter is configured.
func (s *Service) effectiveDomains(m *contracts.Manifest) []string {
	if m == nil {
		return nil
	}
	if len(s.globalWebhookDomains) == 0 {
		return m.WebhookDomainsAllowlist
	}
	global := make(map[string]struct{}, len(s.globalWebhookDomains))
	for _, d := range s.globalWebhookDomains {
		global[d] = struct{}{}
	}
	var out []string
	for _, d := range m.WebhookDomainsAllowlist {
		if _, ok := global[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

func (s *Service) record(ctx context.Context, dec *contracts.Decision) {
	if s.obs == nil {
		return
	}
	first := ""
	if len(dec.Reasons) > 0 {
		first = string(dec.Reasons[0].Code)
	}
	s.obs.RecordDecision(ctx, string(dec.Outcome), first)
}

// VerifyChain re-walks the audit chain; exposed for the admin surface.
func (s *Service) VerifyChain(ctx context.Context, from, to int) (*audit.VerifyReport, error) {
	return s.log.VerifyChain(ctx, from, to)
}
