package budget_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/budget"
)

func key(bucket string) budget.Key {
	return budget.Key{OrgID: "org-1", UAPKID: "uapk-1", ActionType: "payment", Bucket: bucket}
}

func TestMemoryReserveUpToLimit(t *testing.T) {
	store := budget.NewMemoryStore()
	ctx := context.Background()
	k := key("2026-08-24")

	for i := 0; i < 3; i++ {
		ok, err := store.Reserve(ctx, k, 3)
		require.NoError(t, err)
		assert.True(t, ok, "reservation %d should win", i)
	}
	ok, err := store.Reserve(ctx, k, 3)
	require.NoError(t, err)
	assert.False(t, ok, "fourth reservation must lose")

	count, err := store.Count(ctx, k)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestMemoryReserveZeroLimitDenies(t *testing.T) {
	store := budget.NewMemoryStore()
	ok, err := store.Reserve(context.Background(), key("2026-08-24"), 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryReserveIsolatesKeys(t *testing.T) {
	store := budget.NewMemoryStore()
	ctx := context.Background()

	ok, err := store.Reserve(ctx, key("2026-08-24"), 1)
	require.NoError(t, err)
	require.True(t, ok)

	// A different bucket starts fresh.
	ok, err = store.Reserve(ctx, key("2026-08-25"), 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Fifty concurrent reservations against a limit of ten: exactly ten win.
func TestMemoryReserveConcurrent(t *testing.T) {
	store := budget.NewMemoryStore()
	ctx := context.Background()
	k := key("2026-08-24")

	const callers = 50
	const limit = 10

	var won atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := store.Reserve(ctx, k, limit)
			require.NoError(t, err)
			if ok {
				won.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, limit, won.Load())
	count, err := store.Count(ctx, k)
	require.NoError(t, err)
	assert.EqualValues(t, limit, count)
}

func TestBucketerDay(t *testing.T) {
	fixed := time.Date(2026, 8, 24, 23, 30, 0, 0, time.UTC)

	utc := budget.NewBucketer(nil).WithClock(func() time.Time { return fixed })
	assert.Equal(t, "2026-08-24", utc.Day())

	// 23:30 UTC is already the next day in Tokyo.
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	jst := budget.NewBucketer(tokyo).WithClock(func() time.Time { return fixed })
	assert.Equal(t, "2026-08-25", jst.Day())
}

func TestKeyString(t *testing.T) {
	k := key("2026-08-24")
	assert.Equal(t, "org-1|uapk-1|payment|2026-08-24", k.String())
}
