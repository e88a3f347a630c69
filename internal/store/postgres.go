// internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlUpsertSession = `
        INSERT INTO autoqa_sessions (id, status, intent, data, error, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            intent = EXCLUDED.intent,
            data = EXCLUDED.data,
            error = EXCLUDED.error,
            updated_at = EXCLUDED.updated_at;
    `
	sqlUpsertCaseResult = `
        INSERT INTO autoqa_case_results (session_id, case_id, status, reason, step_count, ineffective_count, data, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (session_id, case_id) DO UPDATE SET
            status = EXCLUDED.status,
            reason = EXCLUDED.reason,
            step_count = EXCLUDED.step_count,
            ineffective_count = EXCLUDED.ineffective_count,
            data = EXCLUDED.data,
            updated_at = EXCLUDED.updated_at;
    `
	sqlDeleteSteps = `DELETE FROM autoqa_step_records WHERE session_id = $1 AND case_id = $2;`

	sqlUpsertExecution = `
        INSERT INTO autoqa_execution_results (session_id, total, passed, failed, skipped, rate_limited, stopped, started_at, finished_at, data)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (session_id) DO UPDATE SET
            total = EXCLUDED.total,
            passed = EXCLUDED.passed,
            failed = EXCLUDED.failed,
            skipped = EXCLUDED.skipped,
            rate_limited = EXCLUDED.rate_limited,
            stopped = EXCLUDED.stopped,
            started_at = EXCLUDED.started_at,
            finished_at = EXCLUDED.finished_at,
            data = EXCLUDED.data;
    `
	sqlSelectSession    = `SELECT data FROM autoqa_sessions WHERE id = $1;`
	sqlSelectExecution  = `SELECT data FROM autoqa_execution_results WHERE session_id = $1;`
	sqlSelectCaseStates = `SELECT data FROM autoqa_case_results WHERE session_id = $1;`
	sqlListSessions     = `SELECT data FROM autoqa_sessions ORDER BY created_at DESC LIMIT $1;`
)

var stepColumns = []string{"session_id", "case_id", "step_index", "action_type", "selector", "value", "url", "fingerprint", "effective", "failed", "error_code", "recorded_at"}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS autoqa_sessions (
        id TEXT PRIMARY KEY,
        status TEXT NOT NULL,
        intent TEXT NOT NULL,
        data JSONB NOT NULL,
        error TEXT,
        created_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS autoqa_case_results (
        session_id TEXT NOT NULL REFERENCES autoqa_sessions(id) ON DELETE CASCADE,
        case_id TEXT NOT NULL,
        status TEXT NOT NULL,
        reason TEXT,
        step_count INTEGER NOT NULL,
        ineffective_count INTEGER NOT NULL,
        data JSONB NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (session_id, case_id)
    )`,
	`CREATE TABLE IF NOT EXISTS autoqa_step_records (
        session_id TEXT NOT NULL,
        case_id TEXT NOT NULL,
        step_index INTEGER NOT NULL,
        action_type TEXT,
        selector TEXT,
        value TEXT,
        url TEXT,
        fingerprint TEXT,
        effective BOOLEAN NOT NULL,
        failed BOOLEAN NOT NULL,
        error_code TEXT,
        recorded_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (session_id, case_id, step_index)
    )`,
	`CREATE TABLE IF NOT EXISTS autoqa_execution_results (
        session_id TEXT PRIMARY KEY REFERENCES autoqa_sessions(id) ON DELETE CASCADE,
        total INTEGER NOT NULL,
        passed INTEGER NOT NULL,
        failed INTEGER NOT NULL,
        skipped INTEGER NOT NULL,
        rate_limited BOOLEAN NOT NULL,
        stopped BOOLEAN NOT NULL,
        started_at TIMESTAMPTZ,
        finished_at TIMESTAMPTZ,
        data JSONB NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_autoqa_sessions_created_at ON autoqa_sessions(created_at)`,
}

// PostgresStore persists snapshots to PostgreSQL.
type PostgresStore struct {
	pool   DBPool
	log    *zap.Logger
	closer func()
}

// NewPostgresStore creates a new store instance and verifies the connection.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for i, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

// SaveSession upserts the full session document.
func (s *PostgresStore) SaveSession(ctx context.Context, session schemas.Session) error {
	data, err := encode(session)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, sqlUpsertSession,
		session.ID, string(session.Status), session.Intent, data, session.Error,
		session.CreatedAt.UTC(), session.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	return nil
}

// SaveCaseResult upserts one case state and replaces its step records.
func (s *PostgresStore) SaveCaseResult(ctx context.Context, sessionID string, state schemas.CaseRunState) error {
	data, err := encode(state)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	if _, err := tx.Exec(ctx, sqlUpsertCaseResult,
		sessionID, state.CaseID, string(state.Status), string(state.Reason),
		state.StepCount, state.IneffectiveCount, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert case result %s: %w", state.CaseID, err)
	}

	if _, err := tx.Exec(ctx, sqlDeleteSteps, sessionID, state.CaseID); err != nil {
		return fmt.Errorf("failed to clear step records for case %s: %w", state.CaseID, err)
	}
	if err := s.copySteps(ctx, tx, sessionID, state); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) copySteps(ctx context.Context, tx pgx.Tx, sessionID string, state schemas.CaseRunState) error {
	if len(state.Transcript) == 0 {
		return nil
	}
	rows := make([][]any, len(state.Transcript))
	for i, step := range state.Transcript {
		rows[i] = []any{
			sessionID, state.CaseID, step.Index,
			string(step.Action.Type), step.Action.Selector, step.Action.Value,
			step.URL, step.Fingerprint,
			step.Effective, step.Failed, step.ErrorCode,
			step.Timestamp.UTC(),
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"autoqa_step_records"}, stepColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy step records: %w", err)
	}
	if int(copyCount) != len(rows) {
		return fmt.Errorf("mismatch in copied step count: expected %d, got %d", len(rows), copyCount)
	}
	return nil
}

// SaveExecutionResult upserts the aggregate result and every case state in one batch.
func (s *PostgresStore) SaveExecutionResult(ctx context.Context, sessionID string, result schemas.ExecutionResult) error {
	data, err := encode(result)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	batch.Queue(sqlUpsertExecution,
		sessionID, result.Summary.Total, result.Summary.Passed, result.Summary.Failed, result.Summary.Skipped,
		result.RateLimited, result.Stopped, nullTime(result.StartedAt), nullTime(result.FinishedAt), data)
	for _, st := range result.Cases {
		caseData, err := encode(st)
		if err != nil {
			return err
		}
		batch.Queue(sqlUpsertCaseResult,
			sessionID, st.CaseID, string(st.Status), string(st.Reason),
			st.StepCount, st.IneffectiveCount, caseData, now)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			if i == 0 {
				return fmt.Errorf("failed to upsert execution result: %w", err)
			}
			return fmt.Errorf("failed to upsert case result %s: %w", result.Cases[i-1].CaseID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadSession rebuilds a session from its snapshot plus any case states
// saved after it.
func (s *PostgresStore) LoadSession(ctx context.Context, id string) (schemas.Session, error) {
	var raw []byte
	if err := s.pool.QueryRow(ctx, sqlSelectSession, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schemas.Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return schemas.Session{}, fmt.Errorf("failed to query session: %w", err)
	}
	var session schemas.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return schemas.Session{}, fmt.Errorf("failed to decode session %s: %w", id, err)
	}

	if session.Result == nil {
		var resultRaw []byte
		err := s.pool.QueryRow(ctx, sqlSelectExecution, id).Scan(&resultRaw)
		switch {
		case err == nil:
			var result schemas.ExecutionResult
			if err := json.Unmarshal(resultRaw, &result); err != nil {
				return schemas.Session{}, fmt.Errorf("failed to decode execution result: %w", err)
			}
			session.Result = &result
		case !errors.Is(err, pgx.ErrNoRows):
			return schemas.Session{}, fmt.Errorf("failed to query execution result: %w", err)
		}
	}

	rows, err := s.pool.Query(ctx, sqlSelectCaseStates, id)
	if err != nil {
		return schemas.Session{}, fmt.Errorf("failed to query case results: %w", err)
	}
	defer rows.Close()

	states := make(map[string]schemas.CaseRunState)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return schemas.Session{}, fmt.Errorf("failed to scan case result row: %w", err)
		}
		var st schemas.CaseRunState
		if err := json.Unmarshal(data, &st); err != nil {
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
func (s *PostgresStore) ListSessions(ctx context.Context, limit int) ([]schemas.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, sqlListSessions, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []schemas.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		var session schemas.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return nil, fmt.Errorf("failed to decode session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return sessions, nil
}

// Close releases the connection pool when the store owns it.
func (s *PostgresStore) Close() error {
	if s.closer != nil {
		s.closer()
	}
	return nil
}

func (s *PostgresStore) rollback(ctx context.Context, tx pgx.Tx) {
	// Rollback after a successful commit reports ErrTxClosed.
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.log.Error("Failed to rollback transaction", zap.Error(err))
	}
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
