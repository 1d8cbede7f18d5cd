// Package store provides storage backends for OutletPipe.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/OutletPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetSession(ctx context.Context, identity string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE identity = $1`, identity)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "identity", identity)
		return nil, fmt.Errorf("failed to get session for %s: %w", identity, err)
	}
	return sess, nil
}

func (s *PostgresStore) UpsertSession(ctx context.Context, identity string, mutate func(*models.Session) error) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin session transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	fresh := models.NewSession(identity, now)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (identity, role, state, last_inbound_at, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $4, $4, 0) ON CONFLICT (identity) DO NOTHING`,
		identity, fresh.Role, fresh.State, now,
	); err != nil {
		return nil, fmt.Errorf("failed to seed session for %s: %w", identity, err)
	}

	sess, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE identity = $1 FOR UPDATE`, identity))
	if err != nil {
		return nil, fmt.Errorf("failed to lock session for %s: %w", identity, err)
	}
	prevVersion := sess.Version
	if err := mutate(sess); err != nil {
		return nil, err
	}
	sess.Identity = identity
	sess.UpdatedAt = now
	sess.Version = prevVersion + 1
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	cursorJSON, historyJSON, err := encodeSessionJSON(sess)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET role = $1, actor_code = $2, outlet = $3, state = $4, cursor_json = $5, history_json = $6,
		 last_inbound_at = $7, updated_at = $8, version = $9 WHERE identity = $10`,
		sess.Role, nilIfEmpty(sess.ActorCode), nilIfEmpty(sess.Outlet), sess.State, cursorJSON, historyJSON,
		sess.LastInboundAt.UTC(), sess.UpdatedAt, sess.Version, identity,
	); err != nil {
		return nil, fmt.Errorf("failed to update session for %s: %w", identity, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session for %s: %w", identity, err)
	}
	slog.Debug("PostgresStore UpsertSession succeeded", "identity", identity, "state", sess.State, "version", sess.Version)
	return sess, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, identity string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE identity = $1`, identity); err != nil {
		return fmt.Errorf("failed to delete session for %s: %w", identity, err)
	}
	return nil
}

func (s *PostgresStore) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE state <> $1 AND last_inbound_at < $2 ORDER BY last_inbound_at`,
		models.StateLoggedOut, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan idle session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}
