// SPDX-License-Identifier: BSD-3-Clause

// Package store is the relational store the BMP controller's request taker
// and completion applier read from and write to. It wraps database/sql over
// modernc.org/sqlite (pure Go, no cgo) and exposes every mutation as a
// method on a Tx handed to a caller-supplied closure, so that no caller can
// accidentally hold a transaction open across a slow hardware call.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is a process-wide handle to the relational store.
type Store struct {
	db *sql.DB
}

// Open opens (and, if necessary, migrates) the store.
func Open(ctx context.Context, opts ...Option) (*Store, error) {
	cfg := newConfig(opts...)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.maxOpenConns)

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if cfg.foreignKeys {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	}

	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside one transaction, committing on a nil return and
// rolling back otherwise. A sqlite "database is locked" error is translated
// to ErrBusy so the controller loop can skip the tick and retry later.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err)
	}

	if err := fn(ctx, &Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return translateErr(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return translateErr(err)
	}

	return nil
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// PendingRequestCount returns the number of distinct jobs with at least one
// pending (non-in-progress) change row, plus the number of pending
// blacklist ops — the management-surface "pending-request count".
func (s *Store) PendingRequestCount(ctx context.Context) (int, error) {
	var changes, blacklist int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT job_id) FROM pending_changes WHERE in_progress = 0`)
	if err := row.Scan(&changes); err != nil {
		return 0, translateErr(err)
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_blacklist_ops WHERE completed = 0`)
	if err := row.Scan(&blacklist); err != nil {
		return 0, translateErr(err)
	}
	return changes + blacklist, nil
}

// ClearStaleInProgress resets every in_progress flag left over from a
// crashed previous run. Called once at controller startup, outside any
// per-tick transaction.
func (s *Store) ClearStaleInProgress(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pending_changes SET in_progress = 0 WHERE in_progress = 1`)
	return translateErr(err)
}
