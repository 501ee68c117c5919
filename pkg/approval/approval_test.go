package approval_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/approval"
	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/signing"
	"github.com/agentgate/agentgate/pkg/token"
)

const actionHash = "3e23e8160039594a33894f6564e1b1348bbd7a0088d42c4acb73eeaed59c009d"

func newManager(t *testing.T) *approval.Manager {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := signing.NewFromKey(priv, "test-key")
	return approval.NewManager(approval.NewMemoryStore(), token.NewService(signer), 0, 0)
}

func request() *contracts.GatewayRequest {
	return &contracts.GatewayRequest{
		OrgID:   "org-1",
		UAPKID:  "uapk-1",
		AgentID: "agent-1",
		Action:  contracts.Action{Type: "payment", Tool: "payments"},
	}
}

func TestCreateOpensPending(t *testing.T) {
	m := newManager(t)
	a, err := m.Create(context.Background(), request(), actionHash, []contracts.Reason{
		{Code: contracts.ReasonAmountRequiresApproval, Message: "over threshold"},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, a.Status)
	assert.Equal(t, actionHash, a.ActionHash)
	assert.NotEmpty(t, a.ApprovalID)
	assert.True(t, a.ExpiresAt.After(a.CreatedAt))
}

func TestApproveIssuesSingleUseToken(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	a, err := m.Create(ctx, request(), actionHash, nil)
	require.NoError(t, err)

	raw, updated, err := m.Approve(ctx, a.ApprovalID, "ops@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.Equal(t, contracts.ApprovalApproved, updated.Status)
	assert.Equal(t, "ops@example.com", updated.DecidedBy)
	assert.Equal(t, token.Hash(raw), updated.OverrideTokenHash)

	// A second approve attempt finds a non-PENDING record.
	_, _, err = m.Approve(ctx, a.ApprovalID, "ops@example.com")
	assert.ErrorIs(t, err, approval.ErrConflict)
}

func TestConsumeExactlyOnce(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	a, err := m.Create(ctx, request(), actionHash, nil)
	require.NoError(t, err)
	_, _, err = m.Approve(ctx, a.ApprovalID, "ops")
	require.NoError(t, err)

	require.NoError(t, m.Consume(ctx, a.ApprovalID, actionHash, "interaction-1"))

	got, err := m.Get(ctx, a.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalConsumed, got.Status)
	assert.Equal(t, "interaction-1", got.ConsumedInteractionID)
	require.NotNil(t, got.ConsumedAt)

	// Replay is a hard failure.
	assert.ErrorIs(t, m.Consume(ctx, a.ApprovalID, actionHash, "interaction-2"),
		approval.ErrAlreadyUsed)
}

func TestConsumeRejectsActionMismatch(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	a, err := m.Create(ctx, request(), actionHash, nil)
	require.NoError(t, err)
	_, _, err = m.Approve(ctx, a.ApprovalID, "ops")
	require.NoError(t, err)

	err = m.Consume(ctx, a.ApprovalID, "another-hash-entirely", "interaction-1")
	assert.ErrorIs(t, err, approval.ErrActionMismatch)

	// The record stays APPROVED and consumable with the right hash.
	got, err := m.Get(ctx, a.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalApproved, got.Status)
}

func TestConsumeRequiresApprovedStatus(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	a, err := m.Create(ctx, request(), actionHash, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Consume(ctx, a.ApprovalID, actionHash, "i1"), approval.ErrNotApproved)

	_, err = m.Deny(ctx, a.ApprovalID, "ops")
	require.NoError(t, err)
	assert.ErrorIs(t, m.Consume(ctx, a.ApprovalID, actionHash, "i1"), approval.ErrNotApproved)
}

func TestConcurrentConsumersOneWinner(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	a, err := m.Create(ctx, request(), actionHash, nil)
	require.NoError(t, err)
	_, _, err = m.Approve(ctx, a.ApprovalID, "ops")
	require.NoError(t, err)

	const callers = 20
	var wins atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			if err := m.Consume(ctx, a.ApprovalID, actionHash, "interaction"); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load(), "exactly one consumer may win the CAS")
}

func TestLazyExpiry(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	m := newManager(t).WithClock(clock)
	ctx := context.Background()
	a, err := m.Create(ctx, request(), actionHash, nil)
	require.NoError(t, err)

	now = now.Add(25 * time.Hour)
	got, err := m.Get(ctx, a.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalExpired, got.Status)

	assert.ErrorIs(t, m.Consume(ctx, a.ApprovalID, actionHash, "i1"), approval.ErrExpired)
}

// Terminal statuses are never rewritten by expiry, no matter how stale.
func TestDeniedApprovalDoesNotExpire(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	m := newManager(t).WithClock(clock)
	ctx := context.Background()
	a, err := m.Create(ctx, request(), actionHash, nil)
	require.NoError(t, err)
	_, err = m.Deny(ctx, a.ApprovalID, "ops@example.com")
	require.NoError(t, err)

	now = now.Add(48 * time.Hour)
	got, err := m.Get(ctx, a.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalDenied, got.Status)
}

func TestSweepExpired(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	m := newManager(t).WithClock(clock)
	ctx := context.Background()

	stale, err := m.Create(ctx, request(), actionHash, nil)
	require.NoError(t, err)

	now = now.Add(12 * time.Hour)
	fresh, err := m.Create(ctx, request(), actionHash, nil)
	require.NoError(t, err)

	now = now.Add(13 * time.Hour) // stale is 25h old, fresh 13h
	swept, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := m.Get(ctx, stale.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalExpired, got.Status)

	got, err = m.Get(ctx, fresh.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, got.Status)
}

func TestGetUnknownApproval(t *testing.T) {
	m := newManager(t)
	_, err := m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, approval.ErrNotFound)
}
