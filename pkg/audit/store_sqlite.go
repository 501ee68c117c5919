package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentgate/agentgate/pkg/contracts"
)

// SQLiteStore persists the audit log in a local SQLite database. The
// autoincrement seq column is the log order; the full event is stored as
// JSON so chain verification re-reads exactly what was signed.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and migrates) an audit database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle, for tests.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		org_id TEXT,
		uapk_id TEXT,
		event_type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		event_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		body JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_org ON audit_events(org_id, timestamp);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, ev *contracts.AuditEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, org_id, uapk_id, event_type, timestamp, event_hash, previous_hash, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.OrgID, ev.UAPKID, string(ev.Type), ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.EventHash, ev.PreviousEventHash, string(body))
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Events(ctx context.Context, f Filter) ([]*contracts.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM audit_events ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.AuditEvent, 0)
	idx := -1
	for rows.Next() {
		idx++
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		if idx < f.FromIndex {
			continue
		}
		if f.ToIndex > 0 && idx >= f.ToIndex {
			break
		}
		var ev contracts.AuditEvent
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("audit: decode event at seq %d: %w", idx, err)
		}
		if !f.Matches(&ev) {
			continue
		}
		out = append(out, &ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate events: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Last(ctx context.Context) (*contracts.AuditEvent, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: query last: %w", err)
	}
	var ev contracts.AuditEvent
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return nil, fmt.Errorf("audit: decode last event: %w", err)
	}
	return &ev, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
