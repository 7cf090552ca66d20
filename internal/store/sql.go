// ABOUTME: SQL implementation of the Store interface over sqlx
// ABOUTME: Supports modernc sqlite, mattn sqlite3 and Postgres through pgx with one schema

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLStore implements the Store interface on a SQL database.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	logger *slog.Logger
}

type contextRow struct {
	AgentType string `db:"agent_type"`
	Data      string `db:"data"`
}

// NewSQLStore opens a SQL store. driver is "sqlite" (modernc), "sqlite3"
// (mattn, needs cgo) or "pgx". For the sqlite drivers dsn is a file path and
// parent directories are created if needed. The schema is created if it does
// not exist.
func NewSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store", "driver", driver)

	if dsn == "" {
		return nil, errors.New("store dsn is required")
	}
	sqlite := isSQLite(driver)
	if sqlite && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if sqlite {
		// One writer avoids SQLITE_BUSY under concurrent flushes.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
	}

	s := &SQLStore{db: db, driver: driver, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQL store initialized")
	return s, nil
}

func isSQLite(driver string) bool {
	return driver == "sqlite" || driver == "sqlite3"
}

func (s *SQLStore) createSchema(ctx context.Context) error {
	timestamp := "DATETIME"
	if !isSQLite(s.driver) {
		timestamp = "TIMESTAMPTZ"
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS agent_contexts (
			agent_id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL,
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`, timestamp)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_agent_contexts_type ON agent_contexts(agent_type)`)
	return err
}

// Get loads the context of agentID.
func (s *SQLStore) Get(ctx context.Context, agentID string) (State, error) {
	r, err := s.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return newDocument(agentID, s, r), nil
}

// Create allocates an empty context for agentID.
func (s *SQLStore) Create(ctx context.Context, agentID string) (State, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_contexts (agent_id, agent_type, data, created_at, updated_at)
		VALUES (?, '', '{}', ?, ?)
		ON CONFLICT (agent_id) DO NOTHING`),
		agentID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("creating context: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("creating context: %w", err)
	}
	if n == 0 {
		return nil, ErrExists
	}

	s.logger.Debug("context created", "agent_id", agentID)
	return newDocument(agentID, s, record{UpdatedAt: now}), nil
}

// Delete removes the context of agentID.
func (s *SQLStore) Delete(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM agent_contexts WHERE agent_id = ?`), agentID)
	if err != nil {
		return fmt.Errorf("deleting context: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting context: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Exists reports whether agentID has a context.
func (s *SQLStore) Exists(ctx context.Context, agentID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		s.db.Rebind(`SELECT COUNT(*) FROM agent_contexts WHERE agent_id = ?`), agentID)
	if err != nil {
		return false, fmt.Errorf("checking context: %w", err)
	}
	return count > 0, nil
}

// List returns every stored agent id, sorted.
func (s *SQLStore) List(ctx context.Context) ([]string, error) {
	ids := []string{}
	if err := s.db.SelectContext(ctx, &ids, `SELECT agent_id FROM agent_contexts ORDER BY agent_id`); err != nil {
		return nil, fmt.Errorf("listing contexts: %w", err)
	}
	return ids, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) load(ctx context.Context, agentID string) (record, error) {
	var row contextRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT agent_type, data FROM agent_contexts WHERE agent_id = ?`), agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return record{}, ErrNotFound
	}
	if err != nil {
		return record{}, fmt.Errorf("loading context: %w", err)
	}

	values, err := decodeValues(row.Data)
	if err != nil {
		return record{}, err
	}
	return record{AgentType: row.AgentType, Values: values}, nil
}

func (s *SQLStore) save(ctx context.Context, agentID string, r record) error {
	data, err := r.encodeValues()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_contexts SET agent_type = ?, data = ?, updated_at = ?
		WHERE agent_id = ?`),
		r.AgentType, data, r.UpdatedAt, agentID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
