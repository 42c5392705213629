package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline.db")
	s, err := Open(path, SchemaVersion)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesEntityAndControlTables(t *testing.T) {
	s := openTestStore(t)

	var name string
	for _, table := range append(append([]string{}, EntityTypes...), "_outbox", "_id_map", "_sync_meta", "_conflicts", "_sync_history") {
		err := s.Conn().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&name)
		require.NoErrorf(t, err, "table %s should exist", table)
	}
}

func TestAtomicCommitsOnSuccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Atomic(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO groups (id, organization_id) VALUES (?, ?)", "g1", "org1")
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, s.Conn().QueryRow("SELECT COUNT(*) FROM groups").Scan(&count))
	require.Equal(t, 1, count)
}

func TestAtomicRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	callErr := s.Atomic(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO groups (id, organization_id) VALUES (?, ?)", "g1", "org1")
		require.NoError(t, err)
		return errBoom
	})
	require.Error(t, callErr)

	var count int
	err := s.Conn().QueryRow("SELECT COUNT(*) FROM groups").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestWipeClearsAllTables(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Conn().Exec("INSERT INTO groups (id, organization_id) VALUES (?, ?)", "g1", "org1")
	require.NoError(t, err)
	_, err = s.Conn().Exec("INSERT INTO _outbox (correlation_id, entity_type, entity_id, operation, timestamp) VALUES (?, ?, ?, ?, ?)",
		"c1", "groups", "g1", "create", 0)
	require.NoError(t, err)

	require.NoError(t, s.Wipe(ctx))

	var count int
	require.NoError(t, s.Conn().QueryRow("SELECT COUNT(*) FROM groups").Scan(&count))
	require.Equal(t, 0, count)
	require.NoError(t, s.Conn().QueryRow("SELECT COUNT(*) FROM _outbox").Scan(&count))
	require.Equal(t, 0, count)
}

func TestIsKnownEntityType(t *testing.T) {
	require.True(t, IsKnownEntityType("groups"))
	require.False(t, IsKnownEntityType("nonsense"))
}
