// Package store provides storage backends for OutletPipe.
//
// This file implements an SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/OutletPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serialises writers, which makes UpsertSession atomic.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetSession(ctx context.Context, identity string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE identity = ?`, identity)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "identity", identity)
		return nil, fmt.Errorf("failed to get session for %s: %w", identity, err)
	}
	return sess, nil
}

func (s *SQLiteStore) UpsertSession(ctx context.Context, identity string, mutate func(*models.Session) error) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin session transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	fresh := models.NewSession(identity, now)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (identity, role, state, last_inbound_at, created_at, updated_at, version)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		identity, fresh.Role, fresh.State, now, now, now,
	); err != nil {
		return nil, fmt.Errorf("failed to seed session for %s: %w", identity, err)
	}

	sess, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE identity = ?`, identity))
	if err != nil {
		return nil, fmt.Errorf("failed to load session for %s: %w", identity, err)
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

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET role = ?, actor_code = ?, outlet = ?, state = ?, cursor_json = ?, history_json = ?,
		 last_inbound_at = ?, updated_at = ?, version = ? WHERE identity = ? AND version = ?`,
		sess.Role, nilIfEmpty(sess.ActorCode), nilIfEmpty(sess.Outlet), sess.State, cursorJSON, historyJSON,
		sess.LastInboundAt.UTC(), sess.UpdatedAt, sess.Version, identity, prevVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update session for %s: %w", identity, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, models.ErrVersionConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session for %s: %w", identity, err)
	}
	slog.Debug("SQLiteStore UpsertSession succeeded", "identity", identity, "state", sess.State, "version", sess.Version)
	return sess, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, identity string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("failed to delete session for %s: %w", identity, err)
	}
	return nil
}

func (s *SQLiteStore) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE state != ? AND last_inbound_at < ? ORDER BY last_inbound_at`,
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
