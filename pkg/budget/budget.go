// Package budget implements atomic, conditional per-period action
// counters. The only primitive is Reserve: a conditional increment that
// succeeds iff count < limit, linearizable per key. Reservations are
// never refunded — a failed execution still spent its slot, which keeps
// retry storms from multiplying side effects.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable wraps backing-store failures. Callers fail closed.
var ErrUnavailable = errors.New("budget: store unavailable")

// GlobalActionType is the wildcard bucket for manifest-wide caps.
const GlobalActionType = "*"

// Key identifies one counter.
type Key struct {
	OrgID      string
	UAPKID     string
	ActionType string // concrete type or GlobalActionType
	Bucket     string // period bucket, e.g. "2026-08-24"
}

// String renders the canonical counter key.
func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.OrgID, k.UAPKID, k.ActionType, k.Bucket)
}

// Store is the atomic counter backend. Implementations must guarantee
// that concurrent Reserve calls for the same key never push count past
// limit.
type Store interface {
	// Reserve conditionally increments the counter. Returns true when
	// the reservation was won, false when the limit is exhausted.
	Reserve(ctx context.Context, key Key, limit int64) (bool, error)
	// Count reads the current counter value (0 when absent).
	Count(ctx context.Context, key Key) (int64, error)
}

// Bucketer derives period buckets in the operator's configured time
// zone. The zero value buckets by UTC day.
type Bucketer struct {
	loc   *time.Location
	clock func() time.Time
}

// NewBucketer creates a bucketer for the given location (nil means UTC).
func NewBucketer(loc *time.Location) *Bucketer {
	if loc == nil {
		loc = time.UTC
	}
	return &Bucketer{loc: loc, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (b *Bucketer) WithClock(clock func() time.Time) *Bucketer {
	b.clock = clock
	return b
}

// Day returns the current daily bucket, e.g. "2026-08-24".
func (b *Bucketer) Day() string {
	return b.clock().In(b.loc).Format("2006-01-02")
}
