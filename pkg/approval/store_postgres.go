package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/agentgate/agentgate/pkg/contracts"
)

// PostgresStore persists approvals with the record body as JSON and the
// status in its own column so the CAS transition is a single conditional
// UPDATE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the approvals table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS approvals (
		approval_id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		status TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		body JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_open
		ON approvals(status) WHERE status IN ('PENDING', 'APPROVED')`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, a *contracts.Approval) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("approval: marshal record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, org_id, status, expires_at, body)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ApprovalID, a.OrgID, string(a.Status), a.ExpiresAt, body)
	if err != nil {
		return fmt.Errorf("%w: insert: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*contracts.Approval, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM approvals WHERE approval_id = $1`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}
	var a contracts.Approval
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("approval: decode record: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to contracts.ApprovalStatus,
	mutate func(*contracts.Approval)) (*contracts.Approval, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	// Row lock plus status predicate is the CAS: a concurrent
	// transition either blocks here or sees the changed status.
	var body []byte
	err = tx.QueryRowContext(ctx, `
		SELECT body FROM approvals
		WHERE approval_id = $1 AND status = $2 FOR UPDATE`,
		id, string(from)).Scan(&body)
	if err == sql.ErrNoRows {
		// Distinguish missing from state conflict.
		var exists bool
		if e := s.db.QueryRowContext(ctx,
			`SELECT true FROM approvals WHERE approval_id = $1`, id).Scan(&exists); e == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lock: %v", ErrUnavailable, err)
	}

	var a contracts.Approval
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("approval: decode record: %w", err)
	}
	a.Status = to
	if mutate != nil {
		mutate(&a)
	}
	updated, err := json.Marshal(&a)
	if err != nil {
		return nil, fmt.Errorf("approval: marshal record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE approvals SET status = $2, body = $3 WHERE approval_id = $1`,
		id, string(to), updated); err != nil {
		return nil, fmt.Errorf("%w: update: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return &a, nil
}

func (s *PostgresStore) Pending(ctx context.Context) ([]*contracts.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM approvals WHERE status IN ('PENDING', 'APPROVED')`)
	if err != nil {
		return nil, fmt.Errorf("%w: pending: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.Approval, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
		}
		var a contracts.Approval
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, fmt.Errorf("approval: decode record: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
