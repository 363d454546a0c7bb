package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/aegisops/backend/internal/core"
)

const createApprovalsTable = `
CREATE TABLE IF NOT EXISTS approval_records (
	seq           BIGSERIAL PRIMARY KEY,
	approval_id   TEXT NOT NULL UNIQUE,
	decision_id   TEXT NOT NULL,
	decision_type TEXT NOT NULL,
	guardian_id   TEXT NOT NULL,
	action        TEXT NOT NULL,
	reasoning     TEXT NOT NULL DEFAULT '',
	priority      TEXT NOT NULL,
	confidence    DOUBLE PRECISION NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	metadata      JSONB
);
CREATE INDEX IF NOT EXISTS idx_approval_records_decision ON approval_records (decision_id, seq);
`

// PostgresStore persists approval records in Postgres. The table is
// insert-only; latest-wins semantics live in the service layer.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to Postgres, verifies the connection, and
// ensures the approvals table exists.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(createApprovalsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create approvals table: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Append(ctx context.Context, rec core.ApprovalRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encoding approval metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_records
			(approval_id, decision_id, decision_type, guardian_id, action,
			 reasoning, priority, confidence, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ApprovalID, rec.DecisionID, string(rec.DecisionType), rec.GuardianID,
		string(rec.Action), rec.Reasoning, string(rec.Priority), rec.Confidence,
		rec.Timestamp, meta,
	)
	if err != nil {
		return fmt.Errorf("inserting approval record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ByDecision(ctx context.Context, decisionID string) ([]core.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT approval_id, decision_id, decision_type, guardian_id, action,
		       reasoning, priority, confidence, created_at, metadata
		FROM approval_records WHERE decision_id = $1 ORDER BY seq`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("querying approvals by decision: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]core.ApprovalRecord, error) {
	query := `
		SELECT approval_id, decision_id, decision_type, guardian_id, action,
		       reasoning, priority, confidence, created_at, metadata
		FROM approval_records WHERE 1=1`
	args := []interface{}{}
	if f.DecisionType != "" {
		args = append(args, string(f.DecisionType))
		query += fmt.Sprintf(" AND decision_type = $%d", len(args))
	}
	if f.Action != "" {
		args = append(args, string(f.Action))
		query += fmt.Sprintf(" AND action = $%d", len(args))
	}
	if f.GuardianID != "" {
		args = append(args, f.GuardianID)
		query += fmt.Sprintf(" AND guardian_id = $%d", len(args))
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying approvals: %w", err)
	}
	defer rows.Close()

	out, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func scanRecords(rows *sql.Rows) ([]core.ApprovalRecord, error) {
	var out []core.ApprovalRecord
	for rows.Next() {
		var rec core.ApprovalRecord
		var decType, priority, action string
		var meta []byte
		if err := rows.Scan(&rec.ApprovalID, &rec.DecisionID, &decType,
			&rec.GuardianID, &action, &rec.Reasoning, &priority,
			&rec.Confidence, &rec.Timestamp, &meta); err != nil {
			return nil, fmt.Errorf("scanning approval record: %w", err)
		}
		rec.DecisionType = core.DecisionType(decType)
		rec.Priority = core.Priority(priority)
		rec.Action = core.ApprovalAction(action)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decoding approval metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
