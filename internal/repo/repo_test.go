package repo_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marcus/rosync/internal/model"
	"github.com/marcus/rosync/internal/outbox"
	"github.com/marcus/rosync/internal/repo"
	"github.com/marcus/rosync/internal/store"
)

func newTestRepo(t *testing.T, entityType string) (*repo.Repository, *outbox.Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "offline.db"), store.SchemaVersion)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ob := outbox.NewManager(s.Conn(), nil)
	r := repo.New(s.Conn(), entityType, model.StrategyLWW, ob)
	return r, ob, s
}

func TestCreateAssignsTempIDAndEnqueuesOutbox(t *testing.T) {
	r, ob, _ := newTestRepo(t, "groups")
	ctx := context.Background()

	ent, err := r.Create(ctx, map[string]any{"name": "Alpha", "organization_id": "org1"}, repo.WriteOptions{})
	require.NoError(t, err)
	require.True(t, model.IsTempID(ent.ID))
	require.True(t, ent.Dirty)

	pending, err := ob.GetPendingOrdered(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, model.OpCreate, pending[0].Operation)
	require.Equal(t, ent.ID, pending[0].EntityID)
	require.Equal(t, ent.ID, pending[0].TempID)
}

func TestCreateExtractsDependencies(t *testing.T) {
	r, ob, _ := newTestRepo(t, "participants")
	ctx := context.Background()

	ent, err := r.Create(ctx, map[string]any{
		"first_name": "Ana",
		"group_id":   "temp_1700000000000_a1b2c3",
	}, repo.WriteOptions{})
	require.NoError(t, err)

	pending, err := ob.GetPendingOrdered(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Len(t, pending[0].Dependencies, 1)
	require.Equal(t, "groups", pending[0].Dependencies[0].EntityType)
	require.Equal(t, "temp_1700000000000_a1b2c3", pending[0].Dependencies[0].TempID)
	_ = ent
}

func TestUpdateMergesAndEnqueuesPatchOnly(t *testing.T) {
	r, ob, _ := newTestRepo(t, "groups")
	ctx := context.Background()

	ent, err := r.Create(ctx, map[string]any{"name": "Alpha", "organization_id": "org1"}, repo.WriteOptions{IsServerData: true})
	require.NoError(t, err)

	updated, err := r.Update(ctx, ent.ID, map[string]any{"name": "Beta"}, repo.WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, "Beta", updated.Fields["name"])
	require.True(t, updated.Dirty)

	pending, err := ob.GetPendingOrdered(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, model.OpUpdate, pending[0].Operation)
	require.Equal(t, map[string]any{"name": "Beta"}, pending[0].Payload)
}

func TestUpdateMissingReturnsNotFound(t *testing.T) {
	r, _, _ := newTestRepo(t, "groups")
	_, err := r.Update(context.Background(), "nope", map[string]any{"name": "x"}, repo.WriteOptions{})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRemoveTempIDEntityDropsOutboxEntirely(t *testing.T) {
	r, ob, _ := newTestRepo(t, "groups")
	ctx := context.Background()

	ent, err := r.Create(ctx, map[string]any{"name": "Alpha"}, repo.WriteOptions{})
	require.NoError(t, err)

	require.NoError(t, r.Remove(ctx, ent.ID, repo.WriteOptions{}))

	pending, err := ob.GetPendingOrdered(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	got, err := r.GetByID(ctx, ent.ID)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRemoveServerIDEntityEnqueuesDelete(t *testing.T) {
	r, ob, _ := newTestRepo(t, "groups")
	ctx := context.Background()

	ent, err := r.Create(ctx, map[string]any{"id": "501", "name": "Alpha"}, repo.WriteOptions{IsServerData: true})
	require.NoError(t, err)

	require.NoError(t, r.Remove(ctx, ent.ID, repo.WriteOptions{}))

	pending, err := ob.GetPendingOrdered(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, model.OpDelete, pending[0].Operation)
}

func TestBulkUpsertClearsDirtyAndBumpsSyncVersion(t *testing.T) {
	r, _, _ := newTestRepo(t, "groups")
	ctx := context.Background()

	require.NoError(t, r.BulkUpsert(ctx, []map[string]any{
		{"id": "501", "name": "Alpha", "organization_id": "org1"},
	}))

	ent, err := r.GetByID(ctx, "501")
	require.NoError(t, err)
	require.False(t, ent.Dirty)
	require.Equal(t, int64(1), ent.SyncVersion)
}

func TestReplaceAllForOrganizationSkipsDirtyRecords(t *testing.T) {
	r, _, _ := newTestRepo(t, "groups")
	ctx := context.Background()

	_, err := r.Create(ctx, map[string]any{"id": "501", "name": "Local Edit", "organization_id": "org1"}, repo.WriteOptions{})
	require.NoError(t, err)
	_, err = r.Update(ctx, "501", map[string]any{"name": "Local Edit 2"}, repo.WriteOptions{})
	require.NoError(t, err)

	require.NoError(t, r.ReplaceAllForOrganization(ctx, "org1", []map[string]any{
		{"id": "501", "name": "Server Value", "organization_id": "org1"},
		{"id": "502", "name": "New From Server", "organization_id": "org1"},
	}))

	ent501, err := r.GetByID(ctx, "501")
	require.NoError(t, err)
	require.Equal(t, "Local Edit 2", ent501.Fields["name"]) // local edit wins over pull

	ent502, err := r.GetByID(ctx, "502")
	require.NoError(t, err)
	require.NotNil(t, ent502)
	require.False(t, ent502.Dirty)
}
