// internal/store/sqlite.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY,
        status TEXT NOT NULL,
        intent TEXT NOT NULL,
        data TEXT NOT NULL,
        error TEXT,
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS case_results (
        session_id TEXT NOT NULL,
        case_id TEXT NOT NULL,
        status TEXT NOT NULL,
        reason TEXT,
        step_count INTEGER NOT NULL,
        ineffective_count INTEGER NOT NULL,
        data TEXT NOT NULL,
        updated_at INTEGER NOT NULL,
        PRIMARY KEY (session_id, case_id)
    )`,
	`CREATE TABLE IF NOT EXISTS step_records (
        session_id TEXT NOT NULL,
        case_id TEXT NOT NULL,
        step_index INTEGER NOT NULL,
        action_type TEXT,
        selector TEXT,
        value TEXT,
        url TEXT,
        fingerprint TEXT,
        effective INTEGER NOT NULL,
        failed INTEGER NOT NULL,
        error_code TEXT,
        recorded_at INTEGER NOT NULL,
        PRIMARY KEY (session_id, case_id, step_index)
    )`,
	`CREATE TABLE IF NOT EXISTS execution_results (
        session_id TEXT PRIMARY KEY,
        total INTEGER NOT NULL,
        passed INTEGER NOT NULL,
        failed INTEGER NOT NULL,
        skipped INTEGER NOT NULL,
        rate_limited INTEGER NOT NULL,
        stopped INTEGER NOT NULL,
        data TEXT NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at)`,
}

// SQLiteStore persists snapshots to a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenSQLite creates or opens the database at path and initializes the schema.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	for i, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema statement %d: %w", i+1, err)
		}
	}
	return &SQLiteStore{db: db, log: logger.Named("store")}, nil
}

// SaveSession upserts the full session document.
func (s *SQLiteStore) SaveSession(ctx context.Context, session schemas.Session) error {
	data, err := encode(session)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO sessions (id, status, intent, data, error, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            status = excluded.status,
            intent = excluded.intent,
            data = excluded.data,
            error = excluded.error,
            updated_at = excluded.updated_at`,
		session.ID, string(session.Status), session.Intent, string(data), session.Error,
		session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	return nil
}

// SaveCaseResult upserts one case state and replaces its step records.
func (s *SQLiteStore) SaveCaseResult(ctx context.Context, sessionID string, state schemas.CaseRunState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(tx)

	if err := upsertCaseSQLite(ctx, tx, sessionID, state, time.Now()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM step_records WHERE session_id = ? AND case_id = ?`, sessionID, state.CaseID); err != nil {
		return fmt.Errorf("failed to clear step records for case %s: %w", state.CaseID, err)
	}

	if len(state.Transcript) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO step_records (session_id, case_id, step_index, action_type, selector, value, url, fingerprint, effective, failed, error_code, recorded_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare step insert: %w", err)
		}
		defer stmt.Close()
		for _, step := range state.Transcript {
			if _, err := stmt.ExecContext(ctx,
				sessionID, state.CaseID, step.Index,
				string(step.Action.Type), step.Action.Selector, step.Action.Value,
				step.URL, step.Fingerprint, step.Effective, step.Failed, step.ErrorCode,
				step.Timestamp.UnixMilli()); err != nil {
				return fmt.Errorf("failed to insert step %d: %w", step.Index, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveExecutionResult upserts the aggregate result and every case state.
func (s *SQLiteStore) SaveExecutionResult(ctx context.Context, sessionID string, result schemas.ExecutionResult) error {
	data, err := encode(result)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(tx)

	_, err = tx.ExecContext(ctx, `
        INSERT INTO execution_results (session_id, total, passed, failed, skipped, rate_limited, stopped, data)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(session_id) DO UPDATE SET
            total = excluded.total,
            passed = excluded.passed,
            failed = excluded.failed,
            skipped = excluded.skipped,
            rate_limited = excluded.rate_limited,
            stopped = excluded.stopped,
            data = excluded.data`,
		sessionID, result.Summary.Total, result.Summary.Passed, result.Summary.Failed, result.Summary.Skipped,
		result.RateLimited, result.Stopped, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert execution result: %w", err)
	}

	now := time.Now()
	for _, st := range result.Cases {
		if err := upsertCaseSQLite(ctx, tx, sessionID, st, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertCaseSQLite(ctx context.Context, tx *sql.Tx, sessionID string, st schemas.CaseRunState, now time.Time) error {
	data, err := encode(st)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO case_results (session_id, case_id, status, reason, step_count, ineffective_count, data, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(session_id, case_id) DO UPDATE SET
            status = excluded.status,
            reason = excluded.reason,
            step_count = excluded.step_count,
            ineffective_count = excluded.ineffective_count,
            data = excluded.data,
            updated_at = excluded.updated_at`,
		sessionID, st.CaseID, string(st.Status), string(st.Reason), st.StepCount, st.IneffectiveCount, string(data), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert case result %s: %w", st.CaseID, err)
	}
	return nil
}

// LoadSession rebuilds a session from its snapshot plus any case states
// saved after it.
func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (schemas.Session, error) {
	var raw string
	if err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return schemas.Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return schemas.Session{}, fmt.Errorf("failed to query session: %w", err)
	}
	var session schemas.Session
	if err := json.UnmarshalFromString(raw, &session); err != nil {
		return schemas.Session{}, fmt.Errorf("failed to decode session %s: %w", id, err)
	}

	if session.Result == nil {
		var resultRaw string
		err := s.db.QueryRowContext(ctx, `SELECT data FROM execution_results WHERE session_id = ?`, id).Scan(&resultRaw)
		switch {
		case err == nil:
			var result schemas.ExecutionResult
			if err := json.UnmarshalFromString(resultRaw, &result); err != nil {
				return schemas.Session{}, fmt.Errorf("failed to decode execution result: %w", err)
			}
			session.Result = &result
		case !errors.Is(err, sql.ErrNoRows):
			return schemas.Session{}, fmt.Errorf("failed to query execution result: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT data FROM case_results WHERE session_id = ?`, id)
	if err != nil {
		return schemas.Session{}, fmt.Errorf("failed to query case results: %w", err)
	}
	defer rows.Close()

	states := make(map[string]schemas.CaseRunState)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return schemas.Session{}, fmt.Errorf("failed to scan case result row: %w", err)
		}
		var st schemas.CaseRunState
		if err := json.UnmarshalFromString(data, &st); err != nil {
			return schemas.Session{}, fmt.Errorf("failed to decode case result: %w", err)
		}
		states[st.CaseID] = st
	}
	if err := rows.Err(); err != nil {
		return schemas.Session{}, fmt.Errorf("error during row iteration: %w", err)
	}

	mergeCaseStates(&session, states)
	return session, nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]schemas.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM sessions ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []schemas.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		var session schemas.Session
		if err := json.UnmarshalFromString(data, &session); err != nil {
			return nil, fmt.Errorf("failed to decode session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.log.Error("Failed to rollback transaction", zap.Error(err))
	}
}
