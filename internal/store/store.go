// Package store is the embedded Offline Store: a single-writer SQLite
// database hosting one table per entity type plus the five control
// tables (outbox, ID map, sync metadata, conflicts, sync history). It is the only
// package in this module that opens a database connection.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the local SQLite connection.
type Store struct {
	conn *sql.DB
	path string
}

// openConn opens a SQLite connection tuned for single-writer, multi-reader
// access: one pooled connection, WAL journaling, a busy timeout so a
// transient lock doesn't fail the caller outright.
func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")
	conn.Exec("PRAGMA foreign_keys=OFF") // containers are independent; FK repair is this module's job, not sqlite's

	return conn, nil
}

// Open opens (creating if needed) the store at path and ensures its
// schema exists. schemaVersion is accepted for forward compatibility with
// future migrations; today only SchemaVersion is ever used.
func Open(path string, schemaVersion int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	conn, err := openConn(path)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(fullSchema()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{conn: conn, path: path}, nil
}

// Close flushes the WAL back into the main file and closes the
// connection, so a later opener never sees a stale -wal/-shm pair.
func (s *Store) Close() error {
	s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.conn.Close()
}

// Conn exposes the underlying *sql.DB for packages that build their own
// prepared statements over specific tables (internal/repo, internal/
// outbox, internal/idmap).
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// Atomic runs fn inside one read-write transaction. fn's returned error
// aborts the transaction; a nil error commits. Containers aren't named up
// front because a SQLite transaction already spans the whole connection.
func (s *Store) Atomic(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Wipe deletes every row from every table — used on tenant switch/logout.
// The database file itself is kept open; only its contents are cleared,
// which keeps WAL bookkeeping consistent for a process that keeps running
// after the wipe (e.g. to immediately re-populate a new tenant).
func (s *Store) Wipe(ctx context.Context) error {
	return s.Atomic(ctx, func(tx *sql.Tx) error {
		tables := append(append([]string{}, EntityTypes...),
			"_outbox", "_id_map", "_sync_meta", "_conflicts", "_sync_history")
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", t)); err != nil {
				return fmt.Errorf("wipe %s: %w", t, err)
			}
		}
		return nil
	})
}
