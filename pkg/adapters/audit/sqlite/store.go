// Package sqlite provides a SQLite-backed ledger of commit attempts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aescanero/regorch/pkg/adapters/audit/sqlite/migrations"
	"github.com/aescanero/regorch/pkg/adapters/sqlitemigrate"
	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/ports"
)

// Store persists commit attempts in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite ledger and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// RecordAttempt appends one commit attempt.
func (s *Store) RecordAttempt(ctx context.Context, a ports.CommitAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(a.SessionID) == "" {
		return domain.Validation("session id is required")
	}
	errs := a.Errors
	if errs == nil {
		errs = []string{}
	}
	encoded, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	compensated := 0
	if a.Compensated {
		compensated = 1
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO commit_attempts (
		   session_id,
		   organization_id,
		   workflow_type,
		   attempt,
		   outcome,
		   failed_step,
		   compensated,
		   errors,
		   created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SessionID,
		a.OrganizationID,
		string(a.WorkflowType),
		a.Attempt,
		a.Outcome,
		a.FailedStep,
		compensated,
		string(encoded),
		toMillis(createdAt),
	); err != nil {
		return fmt.Errorf("insert commit attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the latest attempts of a session, newest first.
func (s *Store) ListAttempts(ctx context.Context, sessionID string, limit int) ([]ports.CommitAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, session_id, organization_id, workflow_type, attempt, outcome,
		        failed_step, compensated, errors, created_at
		   FROM commit_attempts
		  WHERE session_id = ?
		  ORDER BY id DESC
		  LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list commit attempts: %w", err)
	}
	defer rows.Close()

	var out []ports.CommitAttempt
	for rows.Next() {
		var (
			a           ports.CommitAttempt
			workflow    string
			compensated int
			encoded     string
			createdAt   int64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.OrganizationID, &workflow, &a.Attempt, &a.Outcome,
			&a.FailedStep, &compensated, &encoded, &createdAt); err != nil {
			return nil, fmt.Errorf("scan commit attempt: %w", err)
		}
		a.WorkflowType = domain.WorkflowType(workflow)
		a.Compensated = compensated != 0
		if err := json.Unmarshal([]byte(encoded), &a.Errors); err != nil {
			return nil, fmt.Errorf("decode commit attempt errors: %w", err)
		}
		a.CreatedAt = fromMillis(createdAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commit attempts: %w", err)
	}
	return out, nil
}

var _ ports.AttemptRecorder = (*Store)(nil)
