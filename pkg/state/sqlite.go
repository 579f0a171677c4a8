// Package state persists applied resource state between runs. The SQLite
// store is the durable implementation; the memory store backs tests and
// one-shot evaluations.
package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/groundplan/groundplan/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run is one recorded engine run.
type Run struct {
	ID          string
	Operation   string
	Status      string
	Error       *string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// SQLiteStore implements engine.StateStore on a local SQLite database and
// keeps a history of runs alongside the node state.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Load reads the full node state mapping.
func (s *SQLiteStore) Load(ctx context.Context) (engine.State, error) {
	query := `
		SELECT kind, resource_id, attrs
		FROM node_states
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load node states: %w", err)
	}
	defer rows.Close()

	st := make(engine.State)
	for rows.Next() {
		var (
			kind      string
			id        string
			attrsJSON []byte
		)
		if err := rows.Scan(&kind, &id, &attrsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan node state: %w", err)
		}

		var attrs map[string]any
		if len(attrsJSON) > 0 {
			if err := json.Unmarshal(attrsJSON, &attrs); err != nil {
				return nil, fmt.Errorf("failed to decode attrs for %s: %w", kind, err)
			}
		}

		k := engine.NodeKind(kind)
		st[k] = engine.NodeState{Kind: k, ID: id, Attrs: attrs}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node states: %w", err)
	}

	return st, nil
}

// SaveNode upserts one node record.
func (s *SQLiteStore) SaveNode(ctx context.Context, ns engine.NodeState) error {
	attrsJSON, err := json.Marshal(ns.Attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attrs for %s: %w", ns.Kind, err)
	}

	query := `
		INSERT INTO node_states (kind, resource_id, attrs, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(kind) DO UPDATE SET
			resource_id = excluded.resource_id,
			attrs = excluded.attrs,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, string(ns.Kind), ns.ID, attrsJSON); err != nil {
		return fmt.Errorf("failed to save node state for %s: %w", ns.Kind, err)
	}

	return nil
}

// DeleteNode removes one node record. Deleting an absent node is a no-op.
func (s *SQLiteStore) DeleteNode(ctx context.Context, kind engine.NodeKind) error {
	query := `DELETE FROM node_states WHERE kind = ?`

	if _, err := s.db.ExecContext(ctx, query, string(kind)); err != nil {
		return fmt.Errorf("failed to delete node state for %s: %w", kind, err)
	}

	return nil
}

// CreateRun records the start of a run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, operation, status, started_at)
		VALUES (?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query, run.ID, run.Operation, run.Status, run.StartedAt); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// CompleteRun records the outcome of a run.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id, status string, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// ListRuns lists runs, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, operation, status, error, started_at, completed_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(
			&run.ID,
			&run.Operation,
			&run.Status,
			&run.Error,
			&run.StartedAt,
			&run.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
