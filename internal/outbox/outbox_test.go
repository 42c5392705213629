package outbox

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/marcus/rosync/internal/model"
)

type fakeIDLookup struct {
	mappings map[string]string // "entityType/tempId" -> serverId
}

func (f *fakeIDLookup) LookupByTemp(_ context.Context, entityType, tempID string) (string, bool, error) {
	sid, ok := f.mappings[entityType+"/"+tempID]
	return sid, ok, nil
}

func openTestConn(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.db")
	conn, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = conn.Exec(`
CREATE TABLE _outbox (
	local_id        INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id  TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	temp_id         TEXT NOT NULL DEFAULT '',
	operation       TEXT NOT NULL,
	timestamp       INTEGER NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}',
	dependencies    TEXT NOT NULL DEFAULT '[]',
	status          TEXT NOT NULL DEFAULT 'pending',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	next_retry_at   INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	server_response TEXT NOT NULL DEFAULT '{}'
);`)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEnqueueAssignsCorrelationID(t *testing.T) {
	conn := openTestConn(t)
	m := NewManager(conn, nil)

	var localID int64
	tx, err := conn.Begin()
	require.NoError(t, err)
	localID, err = m.EnqueueTx(tx, model.OutboxEntry{
		EntityType: "groups",
		EntityID:   "temp_1_abcdef",
		Operation:  model.OpCreate,
		Timestamp:  1,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	entry, err := m.getByLocalID(context.Background(), localID)
	require.NoError(t, err)
	require.NotEmpty(t, entry.CorrelationID)
	require.Equal(t, model.StatusPending, entry.Status)
}

func TestGetPendingOrderedRespectsTopologicalOrder(t *testing.T) {
	conn := openTestConn(t)
	m := NewManager(conn, nil)
	ctx := context.Background()

	insert := func(entityType string, ts int64) {
		tx, err := conn.Begin()
		require.NoError(t, err)
		_, err = m.EnqueueTx(tx, model.OutboxEntry{EntityType: entityType, EntityID: "x", Operation: model.OpCreate, Timestamp: ts})
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
	}
	insert("carpool_offers", 1)
	insert("groups", 2)
	insert("participants", 1)

	entries, err := m.GetPendingOrdered(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "groups", entries[0].EntityType)
	require.Equal(t, "participants", entries[1].EntityType)
	require.Equal(t, "carpool_offers", entries[2].EntityType)
}

func TestMarkFailedRetriesThenTerminates(t *testing.T) {
	conn := openTestConn(t)
	m := NewManager(conn, nil)
	m.backoff = func(int) time.Duration { return 0 } // no wait in tests
	ctx := context.Background()

	tx, err := conn.Begin()
	require.NoError(t, err)
	localID, err := m.EnqueueTx(tx, model.OutboxEntry{EntityType: "groups", EntityID: "g1", Operation: model.OpCreate, Timestamp: 1})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	for i := 0; i < MaxRetries-1; i++ {
		require.NoError(t, m.MarkFailed(ctx, localID, "boom"))
		entry, err := m.getByLocalID(ctx, localID)
		require.NoError(t, err)
		require.Equal(t, model.StatusPending, entry.Status)
	}

	require.NoError(t, m.MarkFailed(ctx, localID, "boom"))
	entry, err := m.getByLocalID(ctx, localID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, entry.Status)
	require.Equal(t, MaxRetries, entry.RetryCount)
}

func TestResetInProgressRevertsToPending(t *testing.T) {
	conn := openTestConn(t)
	m := NewManager(conn, nil)
	ctx := context.Background()

	tx, err := conn.Begin()
	require.NoError(t, err)
	localID, err := m.EnqueueTx(tx, model.OutboxEntry{EntityType: "groups", EntityID: "g1", Operation: model.OpCreate, Timestamp: 1})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, m.MarkInProgress(ctx, localID))

	n, err := m.ResetInProgress(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	entry, err := m.getByLocalID(ctx, localID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, entry.Status)
}

func TestAreDependenciesSatisfied(t *testing.T) {
	conn := openTestConn(t)
	ids := &fakeIDLookup{mappings: map[string]string{"groups/temp_1_abcdef": "501"}}
	m := NewManager(conn, ids)
	ctx := context.Background()

	satisfied, err := m.AreDependenciesSatisfied(ctx, model.OutboxEntry{
		Dependencies: []model.Dependency{{EntityType: "groups", TempID: "temp_1_abcdef"}},
	})
	require.NoError(t, err)
	require.True(t, satisfied)

	satisfied, err = m.AreDependenciesSatisfied(ctx, model.OutboxEntry{
		Dependencies: []model.Dependency{{EntityType: "groups", TempID: "temp_unmapped"}},
	})
	require.NoError(t, err)
	require.False(t, satisfied)
}

func TestResolvePayloadIdsRewritesTempReferences(t *testing.T) {
	conn := openTestConn(t)
	ids := &fakeIDLookup{mappings: map[string]string{"groups/temp_1_abcdef": "501"}}
	m := NewManager(conn, ids)
	ctx := context.Background()

	entry := model.OutboxEntry{
		EntityType:   "participants",
		EntityID:     "temp_2_ghijkl",
		Dependencies: []model.Dependency{{EntityType: "groups", TempID: "temp_1_abcdef"}},
		Payload: map[string]any{
			"first_name": "Ana",
			"group_id":   "temp_1_abcdef",
		},
	}
	resolved, err := m.ResolvePayloadIds(ctx, entry)
	require.NoError(t, err)
	require.Equal(t, "temp_2_ghijkl", resolved.EntityID) // participants id itself has no mapping yet
	require.Equal(t, "501", resolved.Payload["group_id"])
	require.Equal(t, "Ana", resolved.Payload["first_name"])
	require.Equal(t, "temp_1_abcdef", entry.Payload["group_id"]) // original untouched
}
