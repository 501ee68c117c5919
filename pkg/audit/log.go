// Package audit implements the append-only, hash-chained, per-event
// signed audit log. Every decision and execution outcome the gateway
// produces lands here; the chain head is single-writer state and appends
// serialize behind it. An append failure is a hard error — the gateway
// fails closed rather than executing unaudited.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/pkg/canonical"
	"github.com/agentgate/agentgate/pkg/contracts"
	"github.com/agentgate/agentgate/pkg/signing"
)

// GenesisHash seeds the chain before the first event.
const GenesisHash = "genesis"

var (
	// ErrStoreUnavailable wraps any backing-store failure on append.
	ErrStoreUnavailable = errors.New("audit: store unavailable")
)

// Filter selects events for queries, verification and export.
type Filter struct {
	OrgID     string
	UAPKID    string
	Type      contracts.AuditEventType
	StartTime *time.Time
	EndTime   *time.Time
	// FromIndex/ToIndex bound by position in log order; ToIndex == 0
	// means "to the end".
	FromIndex int
	ToIndex   int
	Limit     int
}

// Matches applies the non-positional criteria.
func (f Filter) Matches(ev *contracts.AuditEvent) bool {
	if f.OrgID != "" && ev.OrgID != f.OrgID {
		return false
	}
	if f.UAPKID != "" && ev.UAPKID != f.UAPKID {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.StartTime != nil && ev.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && ev.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Store persists audit events in log order.
type Store interface {
	// Append persists an already-hashed, already-signed event.
	Append(ctx context.Context, ev *contracts.AuditEvent) error
	// Events returns events in log order matching the filter.
	Events(ctx context.Context, f Filter) ([]*contracts.AuditEvent, error)
	// Last returns the newest event, or nil on an empty log.
	Last(ctx context.Context) (*contracts.AuditEvent, error)
}

// Log is the single writer to the audit chain.
type Log struct {
	mu     sync.Mutex
	store  Store
	signer *signing.Service
	head   string
	clock  func() time.Time
}

// NewLog opens the log over a store, recovering the chain head from the
// newest persisted event.
func NewLog(ctx context.Context, store Store, signer *signing.Service) (*Log, error) {
	last, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	head := GenesisHash
	if last != nil {
		head = last.EventHash
	}
	return &Log{store: store, signer: signer, head: head, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic tests.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Head returns the current chain head hash.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// PublicKey returns the hex public key events verify under.
func (l *Log) PublicKey() string { return l.signer.PublicKey() }

// Append fills in identity, chain and signature fields, persists the
// event and advances the head. The caller supplies everything else.
func (l *Log) Append(ctx context.Context, ev *contracts.AuditEvent) (*contracts.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("audit: event id: %w", err)
	}
	ev.EventID = id.String()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.clock().UTC()
	}
	ev.PreviousEventHash = l.head
	ev.SigningKeyID = l.signer.KeyID()

	body, err := hashableBytes(ev)
	if err != nil {
		return nil, err
	}
	ev.EventHash = canonical.HashBytes(body)
	ev.EventSignature = l.signer.Sign(body)

	if err := l.store.Append(ctx, ev); err != nil {
		// Head unchanged; the failed event never entered the chain.
		ev.EventHash = ""
		ev.EventSignature = ""
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	l.head = ev.EventHash
	return ev, nil
}

// Events queries the underlying store.
func (l *Log) Events(ctx context.Context, f Filter) ([]*contracts.AuditEvent, error) {
	evs, err := l.store.Events(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return evs, nil
}

// hashableBytes canonicalizes the event with the hash and signature
// fields cleared. PreviousEventHash stays in, which chains the log.
func hashableBytes(ev *contracts.AuditEvent) ([]byte, error) {
	cp := *ev
	cp.EventHash = ""
	cp.EventSignature = ""
	b, err := canonical.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize event: %w", err)
	}
	return b, nil
}
