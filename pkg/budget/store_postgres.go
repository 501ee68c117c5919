package budget

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore backs the counters with a conditional upsert; the
// database serializes the increment, so concurrent reservations for one
// key are linearizable without application locks.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the counters table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS budget_counters (
		org_id TEXT NOT NULL,
		uapk_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		bucket TEXT NOT NULL,
		count BIGINT NOT NULL,
		PRIMARY KEY (org_id, uapk_id, action_type, bucket)
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Reserve(ctx context.Context, key Key, limit int64) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	// The WHERE clause on the conflict arm is the atomicity point:
	// the row only advances while count < limit.
	query := `
		INSERT INTO budget_counters (org_id, uapk_id, action_type, bucket, count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (org_id, uapk_id, action_type, bucket)
		DO UPDATE SET count = budget_counters.count + 1
		WHERE budget_counters.count < $5
		RETURNING count`
	var count int64
	err := s.db.QueryRowContext(ctx, query,
		key.OrgID, key.UAPKID, key.ActionType, key.Bucket, limit).Scan(&count)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: reserve: %v", ErrUnavailable, err)
	}
	return true, nil
}

func (s *PostgresStore) Count(ctx context.Context, key Key) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM budget_counters
		WHERE org_id = $1 AND uapk_id = $2 AND action_type = $3 AND bucket = $4`,
		key.OrgID, key.UAPKID, key.ActionType, key.Bucket).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrUnavailable, err)
	}
	return count, nil
}
