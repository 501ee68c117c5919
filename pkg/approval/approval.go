// Package approval owns the lifecycle of human-in-the-loop approvals:
// PENDING records created on escalation, operator approve/deny, expiry,
// and single-use consumption of the override token issued on approval.
// Every transition is a compare-and-set on status, so two racing
// consumers can never both win an APPROVED record.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/token"
)

var (
	// ErrNotFound is returned for unknown approval IDs.
	ErrNotFound = errors.New("approval: not found")
	// ErrConflict is returned when a CAS transition loses to a
	// concurrent writer or the record is not in the expected state.
	ErrConflict = errors.New("approval: state conflict")
	// ErrExpired is returned when the record's expiry has passed.
	ErrExpired = errors.New("approval: expired")
	// ErrNotApproved is returned on consumption of a non-APPROVED record.
	ErrNotApproved = errors.New("approval: not approved")
	// ErrActionMismatch is returned when the presented action hash does
	// not equal the hash stored on the approval.
	ErrActionMismatch = errors.New("approval: action hash mismatch")
	// ErrAlreadyUsed is returned when the override has been consumed.
	ErrAlreadyUsed = errors.New("approval: override already used")
	// ErrUnavailable wraps backing-store failures.
	ErrUnavailable = errors.New("approval: store unavailable")
)

// Store persists approval records. Transition must be atomic: the status
// check and the write happen in one step against concurrent callers.
type Store interface {
	Create(ctx context.Context, a *contracts.Approval) error
	Get(ctx context.Context, id string) (*contracts.Approval, error)
	// Transition CASes status from `from` to `to`, applying mutate to
	// the record inside the same atomic step. Returns ErrConflict when
	// the record is not in `from`.
	Transition(ctx context.Context, id string, from, to contracts.ApprovalStatus,
		mutate func(*contracts.Approval)) (*contracts.Approval, error)
	// Pending lists records whose expiry handling may be due.
	Pending(ctx context.Context) ([]*contracts.Approval, error)
}

// Manager drives the state machine and issues override tokens.
type Manager struct {
	store       Store
	tokens      *token.Service
	pendingTTL  time.Duration
	overrideTTL time.Duration
	clock       func() time.Time
}

// NewManager creates a manager. pendingTTL bounds how long an operator
// has to decide; overrideTTL bounds how long the agent has to retry.
func NewManager(store Store, tokens *token.Service, pendingTTL, overrideTTL time.Duration) *Manager {
	if pendingTTL <= 0 {
		pendingTTL = 24 * time.Hour
	}
	if overrideTTL <= 0 {
		overrideTTL = time.Hour
	}
	return &Manager{
		store:       store,
		tokens:      tokens,
		pendingTTL:  pendingTTL,
		overrideTTL: overrideTTL,
		clock:       time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Create opens a PENDING approval for an escalated action.
func (m *Manager) Create(ctx context.Context, req *contracts.GatewayRequest,
	actionHash string, reasons []contracts.Reason) (*contracts.Approval, error) {
	now := m.clock().UTC()
	a := &contracts.Approval{
		ApprovalID:   uuid.New().String(),
		OrgID:        req.OrgID,
		UAPKID:       req.UAPKID,
		AgentID:      req.AgentID,
		Action:       req.Action,
		ActionHash:   actionHash,
		Counterparty: req.Counterparty,
		Reasons:      reasons,
		Status:       contracts.ApprovalPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.pendingTTL),
	}
	if err := m.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return a, nil
}

// Get returns the record, lazily expiring a stale PENDING or APPROVED.
func (m *Manager) Get(ctx context.Context, id string) (*contracts.Approval, error) {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.lazyExpire(ctx, a)
}

// Approve transitions PENDING to APPROVED and returns the single-use
// override token, bound to the stored action hash. The token hash is
// recorded on the approval; the token itself is returned once and never
// persisted.
func (m *Manager) Approve(ctx context.Context, id, actor string) (string, *contracts.Approval, error) {
	a, err := m.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if a.Status != contracts.ApprovalPending {
		return "", nil, fmt.Errorf("%w: status is %s", ErrConflict, a.Status)
	}

	raw, err := m.tokens.IssueOverride(a, m.overrideTTL)
	if err != nil {
		return "", nil, err
	}
	tokenHash := token.Hash(raw)

	now := m.clock().UTC()
	updated, err := m.store.Transition(ctx, id,
		contracts.ApprovalPending, contracts.ApprovalApproved,
		func(rec *contracts.Approval) {
			rec.DecidedAt = &now
			rec.DecidedBy = actor
			rec.OverrideTokenHash = tokenHash
		})
	if err != nil {
		return "", nil, err
	}
	return raw, updated, nil
}

// Deny transitions PENDING to DENIED.
func (m *Manager) Deny(ctx context.Context, id, actor string) (*contracts.Approval, error) {
	a, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != contracts.ApprovalPending {
		return nil, fmt.Errorf("%w: status is %s", ErrConflict, a.Status)
	}
	now := m.clock().UTC()
	return m.store.Transition(ctx, id,
		contracts.ApprovalPending, contracts.ApprovalDenied,
		func(rec *contracts.Approval) {
			rec.DecidedAt = &now
			rec.DecidedBy = actor
		})
}

// Consume performs the atomic single-use check: the referenced approval
// must be APPROVED, unexpired, bound to the presented action hash, and
// the APPROVED->CONSUMED CAS must be won. Exactly one caller ever
// succeeds per approval.
func (m *Manager) Consume(ctx context.Context, approvalID, presentedActionHash, interactionID string) error {
	a, err := m.Get(ctx, approvalID)
	if err != nil {
		return err
	}
	switch a.Status {
	case contracts.ApprovalConsumed:
		return ErrAlreadyUsed
	case contracts.ApprovalExpired:
		return ErrExpired
	case contracts.ApprovalApproved:
		// proceed
	default:
		return ErrNotApproved
	}
	if a.ActionHash != presentedActionHash {
		return ErrActionMismatch
	}

	now := m.clock().UTC()
	_, err = m.store.Transition(ctx, approvalID,
		contracts.ApprovalApproved, contracts.ApprovalConsumed,
		func(rec *contracts.Approval) {
			rec.ConsumedAt = &now
			rec.ConsumedInteractionID = interactionID
		})
	if errors.Is(err, ErrConflict) {
		// A concurrent consumer won the CAS.
		return ErrAlreadyUsed
	}
	return err
}

// SweepExpired transitions stale PENDING and APPROVED records to EXPIRED
// and returns how many were swept.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	pending, err := m.store.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	now := m.clock()
	swept := 0
	for _, a := range pending {
		if !now.After(a.ExpiresAt) {
			continue
		}
		if _, err := m.store.Transition(ctx, a.ApprovalID, a.Status,
			contracts.ApprovalExpired, nil); err == nil {
			swept++
		}
	}
	return swept, nil
}

// lazyExpire applies expiry on read so callers never observe a stale
// PENDING or APPROVED record past its deadline.
func (m *Manager) lazyExpire(ctx context.Context, a *contracts.Approval) (*contracts.Approval, error) {
	if a.Status.Terminal() {
		return a, nil
	}
	if !m.clock().After(a.ExpiresAt) {
		return a, nil
	}
	expired, err := m.store.Transition(ctx, a.ApprovalID, a.Status,
		contracts.ApprovalExpired, nil)
	if errors.Is(err, ErrConflict) {
		// Lost to a concurrent transition; re-read.
		return m.store.Get(ctx, a.ApprovalID)
	}
	if err != nil {
		return nil, err
	}
	return expired, nil
}
