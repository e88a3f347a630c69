// File: internal/store/store.go
// Description: Snapshot persistence for sessions, per-case results and
// execution results. The driver is chosen by database.driver.

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when a session has no stored snapshot.
var ErrNotFound = errors.New("session not found in store")

// Lister is implemented by stores that can enumerate saved sessions.
type Lister interface {
	ListSessions(ctx context.Context, limit int) ([]schemas.Session, error)
}

// Backend is the full store surface used by the CLI.
type Backend interface {
	schemas.SnapshotStore
	Lister
}

var (
	_ Backend = (*PostgresStore)(nil)
	_ Backend = (*SQLiteStore)(nil)
	_ Backend = (*MemoryStore)(nil)
)

// Open creates the store selected by cfg and prepares its schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Backend, error) {
	switch cfg.Driver {
	case config.StoreMemory, "":
		logger.Warn("No persistent store configured; snapshots are kept in memory and lost on exit.")
		return NewMemoryStore(), nil

	case config.StoreSQLite:
		logger.Info("Opening SQLite snapshot store.", zap.String("path", cfg.SQLitePath))
		return OpenSQLite(ctx, cfg.SQLitePath, logger)

	case config.StorePostgres:
		poolConfig, err := pgxpool.ParseConfig(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolConfig.MaxConns = cfg.MaxConns
		}
		poolConfig.MaxConnLifetime = time.Hour
		poolConfig.MaxConnIdleTime = 30 * time.Minute

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
		}
		s, err := NewPostgresStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		s.closer = pool.Close
		logger.Info("Connected to PostgreSQL snapshot store.", zap.String("host", poolConfig.ConnConfig.Host))
		return s, nil
	}
	return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
}

// -- Shared Helpers --

// mergeCaseStates folds incrementally saved case states into a session
// loaded from its last full snapshot. A stored state replaces a case that
// the snapshot still shows as unfinished.
func mergeCaseStates(s *schemas.Session, states map[string]schemas.CaseRunState) {
	if len(states) == 0 {
		return
	}
	if s.Result == nil {
		result := schemas.ExecutionResult{}
		for _, c := range s.Cases {
			if st, ok := states[c.ID]; ok {
				result.Cases = append(result.Cases, st)
			}
		}
		if len(result.Cases) == 0 {
			return
		}
		result.Summarize()
		s.Result = &result
		return
	}
	for i, cur := range s.Result.Cases {
		if st, ok := states[cur.CaseID]; ok && !cur.Status.IsTerminal() {
			s.Result.Cases[i] = st
		}
	}
	s.Result.Summarize()
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}
