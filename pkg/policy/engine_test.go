package policy_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/approval"
	"github.com/agentgate/agentgate/pkg/budget"
	"github.com/agentgate/agentgate/pkg/canonical"
	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/manifest"
	"github.com/agentgate/agentgate/pkg/policy"
	"github.com/agentgate/agentgate/pkg/signing"
	"github.com/agentgate/agentgate/pkg/token"
)

type fixture struct {
	engine    *policy.Engine
	manifests *manifest.MemoryStore
	budgets   *budget.MemoryStore
	approvals *approval.Manager
	signer    *signing.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := signing.NewFromKey(priv, "test-key")
	tokens := token.NewService(signer)

	manifests := manifest.NewMemoryStore()
	budgets := budget.NewMemoryStore()
	approvals := approval.NewManager(approval.NewMemoryStore(), tokens, 0, 0)

	engine, err := policy.New(manifests, budgets, nil, tokens, approvals)
	require.NoError(t, err)
	return &fixture{
		engine:    engine,
		manifests: manifests,
		budgets:   budgets,
		approvals: approvals,
		signer:    signer,
	}
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func baseManifest() *contracts.Manifest {
	return &contracts.Manifest{
		UAPKID:             "uapk-1",
		OrgID:              "org-1",
		Status:             contracts.ManifestActive,
		AllowedActionTypes: []string{"payment", "email"},
		AllowedTools:       []string{"payments", "mailer"},
		Constraints: contracts.Constraints{
			AmountCaps: map[string]decimal.Decimal{
				"EUR": decimal.RequireFromString("500"),
			},
		},
		ApprovalThresholds: []contracts.ApprovalThreshold{
			{Amount: decimal.RequireFromString("100"), Currency: "EUR"},
		},
	}
}

func paymentRequest(amount string) *contracts.GatewayRequest {
	return &contracts.GatewayRequest{
		OrgID:   "org-1",
		UAPKID:  "uapk-1",
		AgentID: "agent-1",
		Action: contracts.Action{
			Type:     "payment",
			Tool:     "payments",
			Amount:   dec(amount),
			Currency: "EUR",
		},
	}
}

func (f *fixture) evaluate(t *testing.T, req *contracts.GatewayRequest, reserve bool) *policy.Result {
	t.Helper()
	hash, err := canonical.ActionHash(&req.Action, req.Counterparty)
	require.NoError(t, err)
	return f.engine.Evaluate(context.Background(), policy.Input{
		Req: req, ActionHash: hash, ReserveBudget: reserve,
	})
}

func TestMissingManifestDenies(t *testing.T) {
	f := newFixture(t)
	res := f.evaluate(t, paymentRequest("10"), true)
	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
	require.Len(t, res.Reasons, 1)
	assert.Equal(t, contracts.ReasonManifestNotFound, res.Reasons[0].Code)
}

func TestInactiveManifestDenies(t *testing.T) {
	f := newFixture(t)
	m := baseManifest()
	m.Status = contracts.ManifestSuspended
	require.NoError(t, f.manifests.Put(m))

	res := f.evaluate(t, paymentRequest("10"), true)
	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
	assert.Equal(t, contracts.ReasonManifestInactive, res.Reasons[0].Code)
}

// Amount above the hard cap denies before any escalation applies.
func TestAmountAboveCapDenies(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manifests.Put(baseManifest()))

	res := f.evaluate(t, paymentRequest("900"), true)
	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
	assert.Equal(t, contracts.ReasonAmountExceedsCap, res.Reasons[0].Code)
	assert.False(t, res.BudgetReserved)
}

// Amount under the cap but over a threshold escalates without touching
// the budget.
func TestThresholdEscalatesWithoutBudget(t *testing.T) {
	f := newFixture(t)
	m := baseManifest()
	m.Constraints.MaxActionsPerDay = map[string]int64{"payment": 10}
	require.NoError(t, f.manifests.Put(m))

	res := f.evaluate(t, paymentRequest("150"), true)
	assert.Equal(t, contracts.OutcomeEscalate, res.Outcome)
	require.Len(t, res.Reasons, 1)
	assert.Equal(t, contracts.ReasonAmountRequiresApproval, res.Reasons[0].Code)
	assert.False(t, res.BudgetReserved)

	count, err := f.budgets.Count(context.Background(),
		budget.Key{OrgID: "org-1", UAPKID: "uapk-1", ActionType: "payment", Bucket: time.Now().UTC().Format("2006-01-02")})
	require.NoError(t, err)
	assert.Zero(t, count, "escalation must not consume budget")
}

func TestAllowReservesBudget(t *testing.T) {
	f := newFixture(t)
	m := baseManifest()
	m.Constraints.MaxActionsPerDay = map[string]int64{"payment": 2}
	require.NoError(t, f.manifests.Put(m))

	for i := 0; i < 2; i++ {
		res := f.evaluate(t, paymentRequest("10"), true)
		assert.Equal(t, contracts.OutcomeAllow, res.Outcome)
		assert.True(t, res.BudgetReserved)
	}
	res := f.evaluate(t, paymentRequest("10"), true)
	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
	assert.Equal(t, contracts.ReasonBudgetExceeded, res.Reasons[0].Code)
}

// Evaluate is a dry run: the counter is read, never advanced.
func TestDryRunDoesNotConsumeBudget(t *testing.T) {
	f := newFixture(t)
	m := baseManifest()
	m.Constraints.MaxActionsPerDay = map[string]int64{"payment": 1}
	require.NoError(t, f.manifests.Put(m))

	for i := 0; i < 3; i++ {
		res := f.evaluate(t, paymentRequest("10"), false)
		assert.Equal(t, contracts.OutcomeAllow, res.Outcome)
		assert.False(t, res.BudgetReserved)
	}
	res := f.evaluate(t, paymentRequest("10"), true)
	assert.Equal(t, contracts.OutcomeAllow, res.Outcome)
}

func TestEmptyAllowedToolsDenies(t *testing.T) {
	f := newFixture(t)
	m := baseManifest()
	m.AllowedTools = []string{}
	require.NoError(t, f.manifests.Put(m))

	res := f.evaluate(t, paymentRequest("10"), true)
	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
	assert.Equal(t, contracts.ReasonToolNotAllowed, res.Reasons[0].Code)
}

func TestActionTypeNotAllowed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manifests.Put(baseManifest()))

	req := paymentRequest("10")
	req.Action.Type = "delete_everything"
	res := f.evaluate(t, req, true)
	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
	assert.Equal(t, contracts.ReasonActionTypeNotAllowed, res.Reasons[0].Code)
}

func TestDenyRuleBeatsEscalation(t *testing.T) {
	f := newFixture(t)
	m := baseManifest()
	m.DenyRules = []string{"payment"}
	require.NoError(t, f.manifests.Put(m))

	res := f.evaluate(t, paymentRequest("150"), true)
	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
	assert.Equal(t, contracts.ReasonDenyRuleMatch, res.Reasons[0].Code)
}

func TestCELRuleDenies(t *testing.T) {
	f := newFixture(t)
	m := baseManifest()
	m.CELRules = []contracts.CELRule{
		{Name: "small-payments-only", Expression: `!has_amount || amount < 50.0`},
	}
	require.NoError(t, f.manifests.Put(m))

	allowed := f.evaluate(t, paymentRequest("10"), true)
	assert.Equal(t, contracts.OutcomeAllow, allowed.Outcome)

	denied := f.evaluate(t, paymentRequest("75"), true)
	assert.Equal(t, contracts.OutcomeDeny, denied.Outcome)
	assert.Equal(t, contracts.ReasonDenyRuleMatch, denied.Reasons[0].Code)
}

func TestCELRuleErrorFailsClosed(t *testing.T) {
	f := newFixture(t)
	m := baseManifest()
	m.CELRules = []contracts.CELRule{{Name: "broken", Expression: `params.missing_key == "x"`}}
	require.NoError(t, f.manifests.Put(m))

	res := f.evaluate(t, paymentRequest("10"), true)
	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
}

func TestJurisdictionBlocked(t *testing.T) {
	f := newFixture(t)
	m := baseManifest()
	m.JurisdictionsAllowed = []string{"DE", "FR"}
	require.NoError(t, f.manifests.Put(m))

	req := paymentRequest("10")
	req.Counterparty = &contracts.Counterparty{ID: "cp-1", Jurisdiction: "US"}
	res := f.evaluate(t, req, true)
	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
	assert.Equal(t, contracts.ReasonJurisdictionBlocked, res.Reasons[0].Code)

	// Jurisdiction requirements with no counterparty also deny.
	res = f.evaluate(t, paymentRequest("10"), true)
	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
	assert.Equal(t, contracts.ReasonJurisdictionBlocked, res.Reasons[0].Code)
}

func TestCounterpartyAllowlistDeniesByDefault(t *testing.T) {
	f := newFixture(t)
	m := baseManifest()
	m.Constraints.CounterpartyAllowlist = []string{"trusted.example"}
	require.NoError(t, f.manifests.Put(m))

	req := paymentRequest("10")
	req.Counterparty = &contracts.Counterparty{Domain: "stranger.example"}
	res := f.evaluate(t, req, true)
	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
	assert.Equal(t, contracts.ReasonCounterpartyBlocked, res.Reasons[0].Code)

	req.Counterparty = &contracts.Counterparty{Domain: "trusted.example"}
	res = f.evaluate(t, req, true)
	assert.Equal(t, contracts.OutcomeAllow, res.Outcome)
}

func TestRequireApprovalEscalates(t *testing.T) {
	f := newFixture(t)
	m := baseManifest()
	m.RequireApproval = []string{"email"}
	require.NoError(t, f.manifests.Put(m))

	req := &contracts.GatewayRequest{
		OrgID: "org-1", UAPKID: "uapk-1", AgentID: "agent-1",
		Action: contracts.Action{Type: "email", Tool: "mailer"},
	}
	res := f.evaluate(t, req, true)
	assert.Equal(t, contracts.OutcomeEscalate, res.Outcome)
	assert.Equal(t, contracts.ReasonRequiresApproval, res.Reasons[0].Code)
}

// A capability token narrows the manifest: a tool the manifest allows
// but the token omits is denied.
func TestCapabilityTokenNarrowsTools(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manifests.Put(baseManifest()))

	issuerPub, issuerPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	f.signer.RegisterIssuer("issuer.example", issuerPub)

	claims := token.CapabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "issuer.example",
			Subject:   "agent-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		OrgID:        "org-1",
		UAPKID:       "uapk-1",
		AllowedTools: []string{"mailer"},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(issuerPriv)
	require.NoError(t, err)

	req := paymentRequest("10")
	req.CapabilityToken = raw
	res := f.evaluate(t, req, true)
	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
	assert.Equal(t, contracts.ReasonToolNotAllowed, res.Reasons[0].Code)
}

func TestCapabilityTokenWrongPrincipalDenies(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manifests.Put(baseManifest()))

	issuerPub, issuerPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	f.signer.RegisterIssuer("issuer.example", issuerPub)

	claims := token.CapabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "issuer.example",
			Subject:   "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		OrgID:  "org-1",
		UAPKID: "uapk-1",
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(issuerPriv)
	require.NoError(t, err)

	req := paymentRequest("10")
	req.CapabilityToken = raw
	res := f.evaluate(t, req, true)
	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
	assert.Equal(t, contracts.ReasonCapabilityTokenInvalid, res.Reasons[0].Code)
}

func TestOverrideFastPath(t *testing.T) {
	f := newFixture(t)
	m := baseManifest()
	m.Constraints.MaxActionsPerDay = map[string]int64{"payment": 1}
	require.NoError(t, f.manifests.Put(m))

	req := paymentRequest("150")
	hash, err := canonical.ActionHash(&req.Action, nil)
	require.NoError(t, err)

	a, err := f.approvals.Create(context.Background(), req, hash, nil)
	require.NoError(t, err)
	raw, _, err := f.approvals.Approve(context.Background(), a.ApprovalID, "ops")
	require.NoError(t, err)

	req.OverrideToken = raw
	res := f.evaluate(t, req, true)
	assert.Equal(t, contracts.OutcomeAllow, res.Outcome)
	require.NotNil(t, res.Override)
	assert.Equal(t, a.ApprovalID, res.Override.ApprovalID)
	assert.Equal(t, contracts.ReasonOverrideTokenAccepted, lastReason(res).Code)
	assert.False(t, res.BudgetReserved, "override path skips budget")
}

func TestOverrideCannotResurrectForbiddenTool(t *testing.T) {
	f := newFixture(t)
	m := baseManifest()
	require.NoError(t, f.manifests.Put(m))

	req := paymentRequest("150")
	req.Action.Tool = "wire_transfer" // not in allowed_tools
	hash, err := canonical.ActionHash(&req.Action, nil)
	require.NoError(t, err)

	a, err := f.approvals.Create(context.Background(), req, hash, nil)
	require.NoError(t, err)
	raw, _, err := f.approvals.Approve(context.Background(), a.ApprovalID, "ops")
	require.NoError(t, err)

	req.OverrideToken = raw
	res := f.evaluate(t, req, true)
	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
	assert.Equal(t, contracts.ReasonToolNotAllowed, lastReason(res).Code)
}

func TestOverrideActionMismatchDenies(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manifests.Put(baseManifest()))

	original := paymentRequest("150")
	hash, err := canonical.ActionHash(&original.Action, nil)
	require.NoError(t, err)
	a, err := f.approvals.Create(context.Background(), original, hash, nil)
	require.NoError(t, err)
	raw, _, err := f.approvals.Approve(context.Background(), a.ApprovalID, "ops")
	require.NoError(t, err)

	// Same token, different action.
	other := paymentRequest("400")
	other.OverrideToken = raw
	res := f.evaluate(t, other, true)
	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
	assert.Equal(t, contracts.ReasonOverrideTokenActionMismatch, res.Reasons[0].Code)
}

func TestOverrideConsumedApprovalDenies(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manifests.Put(baseManifest()))

	req := paymentRequest("150")
	hash, err := canonical.ActionHash(&req.Action, nil)
	require.NoError(t, err)
	a, err := f.approvals.Create(context.Background(), req, hash, nil)
	require.NoError(t, err)
	raw, _, err := f.approvals.Approve(context.Background(), a.ApprovalID, "ops")
	require.NoError(t, err)
	require.NoError(t, f.approvals.Consume(context.Background(), a.ApprovalID, hash, "i1"))

	req.OverrideToken = raw
	res := f.evaluate(t, req, true)
	assert.Equal(t, contracts.OutcomeDeny, res.Outcome)
	assert.Equal(t, contracts.ReasonOverrideTokenAlreadyUsed, res.Reasons[0].Code)
}

func TestTraceRecordsStepOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manifests.Put(baseManifest()))

	res := f.evaluate(t, paymentRequest("10"), true)
	require.Equal(t, contracts.OutcomeAllow, res.Outcome)

	var steps []string
	for _, s := range res.Trace {
		steps = append(steps, s.Step)
	}
	assert.Equal(t, []string{
		"manifest_active", "override_token", "capability_token",
		"action_type", "tool", "deny_rules", "cel_rules",
		"counterparty", "amount_cap", "approval_thresholds",
		"require_approval", "budget",
	}, steps)
}

func lastReason(res *policy.Result) contracts.Reason {
	return res.Reasons[len(res.Reasons)-1]
}
