package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/agentgate/agentgate/pkg/contracts"
)

// idemEntry is one (org, key) slot. done closes when the first caller
// finishes; result is immutable afterwards.
type idemEntry struct {
	done      chan struct{}
	result    *contracts.ExecuteResult
	expiresAt time.Time
}

// idempotencyCache replays a completed response for an (org, key) pair
// within the TTL and latches in-flight duplicates onto the first
// caller's outcome.
type idempotencyCache struct {
	mu      sync.Mutex
	entries map[string]*idemEntry
	ttl     time.Duration
	clock   func() time.Time
}

func newIdempotencyCache(ttl time.Duration) *idempotencyCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &idempotencyCache{
		entries: make(map[string]*idemEntry),
		ttl:     ttl,
		clock:   time.Now,
	}
}

func idemKey(orgID, key string) string { return orgID + "|" + key }

// begin claims the slot. owner is true when this caller must perform
// the work and later call complete or abandon. Otherwise the returned
// entry either holds a finished result or is in flight; wait on it.
func (c *idempotencyCache) begin(orgID, key string) (e *idemEntry, owner bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := idemKey(orgID, key)
	now := c.clock()
	if existing, ok := c.entries[k]; ok {
		if existing.expiresAt.After(now) {
			return existing, false
		}
		delete(c.entries, k)
	}
	e = &idemEntry{done: make(chan struct{}), expiresAt: now.Add(c.ttl)}
	c.entries[k] = e
	return e, true
}

// await blocks until the owning caller finishes or ctx ends. A nil
// result with nil error means the owner abandoned; the caller should
// rerun the request.
func (c *idempotencyCache) await(ctx context.Context, e *idemEntry) (*contracts.ExecuteResult, error) {
	select {
	case <-e.done:
		return e.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete publishes the result and releases waiters.
func (c *idempotencyCache) complete(orgID, key string, e *idemEntry, res *contracts.ExecuteResult) {
	e.result = res
	close(e.done)

	// Only successful responses replay; errors free the slot so a
	// retry can run.
	if res == nil {
		c.mu.Lock()
		if c.entries[idemKey(orgID, key)] == e {
			delete(c.entries, idemKey(orgID, key))
		}
		c.mu.Unlock()
	}
}

// sweep drops expired entries; called opportunistically by the service.
func (c *idempotencyCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	for k, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, k)
		}
	}
}
