package audit_test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/audit"
	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/signing"
)

func newSigner(t *testing.T) *signing.Service {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return signing.NewFromKey(priv, "test-key")
}

func appendN(t *testing.T, log *audit.Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := log.Append(context.Background(), &contracts.AuditEvent{
			Type:     contracts.AuditDecision,
			OrgID:    "org-1",
			UAPKID:   "uapk-1",
			Decision: contracts.OutcomeAllow,
		})
		require.NoError(t, err)
	}
}

func TestAppendChainsEvents(t *testing.T) {
	store := audit.NewMemoryStore()
	log, err := audit.NewLog(context.Background(), store, newSigner(t))
	require.NoError(t, err)

	first, err := log.Append(context.Background(), &contracts.AuditEvent{Type: contracts.AuditDecision})
	require.NoError(t, err)
	assert.Equal(t, audit.GenesisHash, first.PreviousEventHash)
	assert.NotEmpty(t, first.EventHash)
	assert.NotEmpty(t, first.EventSignature)

	second, err := log.Append(context.Background(), &contracts.AuditEvent{Type: contracts.AuditExecute})
	require.NoError(t, err)
	assert.Equal(t, first.EventHash, second.PreviousEventHash)
	assert.Equal(t, second.EventHash, log.Head())
}

func TestHeadRecoveredFromStore(t *testing.T) {
	store := audit.NewMemoryStore()
	signer := newSigner(t)
	log, err := audit.NewLog(context.Background(), store, signer)
	require.NoError(t, err)
	appendN(t, log, 3)
	head := log.Head()

	reopened, err := audit.NewLog(context.Background(), store, signer)
	require.NoError(t, err)
	assert.Equal(t, head, reopened.Head())
}

func TestVerifyChainValid(t *testing.T) {
	store := audit.NewMemoryStore()
	log, err := audit.NewLog(context.Background(), store, newSigner(t))
	require.NoError(t, err)
	appendN(t, log, 5)

	report, err := log.VerifyChain(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, -1, report.BrokenAt)
	assert.Equal(t, 5, report.Count)
}

func TestVerifyChainDetectsTamperedField(t *testing.T) {
	store := audit.NewMemoryStore()
	log, err := audit.NewLog(context.Background(), store, newSigner(t))
	require.NoError(t, err)
	appendN(t, log, 4)

	store.Tamper(1, func(ev *contracts.AuditEvent) {
		ev.Decision = contracts.OutcomeDeny
	})

	report, err := log.VerifyChain(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, 1, report.BrokenAt)
	assert.Equal(t, "event_hash mismatch", report.Detail)
}

func TestVerifyChainTreatsMissingSignatureAsCorruption(t *testing.T) {
	store := audit.NewMemoryStore()
	log, err := audit.NewLog(context.Background(), store, newSigner(t))
	require.NoError(t, err)
	appendN(t, log, 3)

	store.Tamper(2, func(ev *contracts.AuditEvent) {
		ev.EventSignature = ""
	})

	report, err := log.VerifyChain(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, 2, report.BrokenAt)
	assert.Equal(t, "missing signature", report.Detail)
}

func TestVerifyChainDetectsBrokenContinuity(t *testing.T) {
	store := audit.NewMemoryStore()
	log, err := audit.NewLog(context.Background(), store, newSigner(t))
	require.NoError(t, err)
	appendN(t, log, 3)

	events, err := log.Events(context.Background(), audit.Filter{})
	require.NoError(t, err)
	events[2].PreviousEventHash = "not-the-real-previous-hash"

	report := audit.VerifyEvents(events, log.PublicKey(), true)
	assert.False(t, report.Valid)
	assert.Equal(t, 2, report.BrokenAt)
	assert.Equal(t, "previous_event_hash discontinuity", report.Detail)
}

func TestAppendFailureLeavesHeadUnchanged(t *testing.T) {
	store := &failingStore{}
	log, err := audit.NewLog(context.Background(), store, newSigner(t))
	require.NoError(t, err)

	before := log.Head()
	_, err = log.Append(context.Background(), &contracts.AuditEvent{Type: contracts.AuditDecision})
	require.ErrorIs(t, err, audit.ErrStoreUnavailable)
	assert.Equal(t, before, log.Head())
}

func TestExportIsSelfVerifying(t *testing.T) {
	store := audit.NewMemoryStore()
	log, err := audit.NewLog(context.Background(), store, newSigner(t))
	require.NoError(t, err)
	appendN(t, log, 3)

	var buf bytes.Buffer
	require.NoError(t, log.Export(context.Background(), audit.Filter{}, &buf))

	scanner := bufio.NewScanner(&buf)
	require.True(t, scanner.Scan())
	var header map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &header))
	assert.Equal(t, log.PublicKey(), header["gateway_public_key"])
	assert.Equal(t, log.Head(), header["chain_head"])
	assert.EqualValues(t, 3, header["event_count"])

	var events []*contracts.AuditEvent
	for scanner.Scan() {
		var ev contracts.AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, &ev)
	}
	require.Len(t, events, 3)

	report := audit.VerifyEvents(events, log.PublicKey(), true)
	assert.True(t, report.Valid)
}

func TestFoldMerkle(t *testing.T) {
	assert.Empty(t, audit.FoldMerkle(nil))
	assert.Equal(t, "aa", audit.FoldMerkle([]string{"aa"}))

	// Order-independent: the fold sorts first.
	r1 := audit.FoldMerkle([]string{"aa", "bb", "cc"})
	r2 := audit.FoldMerkle([]string{"cc", "aa", "bb"})
	assert.Equal(t, r1, r2)
	assert.NotEqual(t, r1, audit.FoldMerkle([]string{"aa", "bb"}))
}

func TestBuildEvidencePack(t *testing.T) {
	store := audit.NewMemoryStore()
	log, err := audit.NewLog(context.Background(), store, newSigner(t))
	require.NoError(t, err)
	appendN(t, log, 2)

	pack, err := log.BuildEvidencePack(context.Background(), audit.Filter{}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, pack.PackID)
	assert.NotEmpty(t, pack.Checksum)
	assert.Equal(t, 2, pack.EventCount)
	assert.NotEmpty(t, pack.Data)
	assert.Empty(t, pack.Location)
}

type failingStore struct{}

func (failingStore) Append(context.Context, *contracts.AuditEvent) error {
	return errors.New("disk on fire")
}

func (failingStore) Events(context.Context, audit.Filter) ([]*contracts.AuditEvent, error) {
	return nil, nil
}

func (failingStore) Last(context.Context) (*contracts.AuditEvent, error) {
	return nil, nil
}
