package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/marcus/rosync/internal/model"
)

// Create inserts a new entity. Unless opts.IsServerData, a temp ID is
// assigned when the caller didn't supply one, _dirty is set, and a create
// outbox entry is enqueued atomically with the entity row.
func (r *Repository) Create(ctx context.Context, data map[string]any, opts WriteOptions) (*model.Entity, error) {
	fields := cloneFields(data)
	id, _ := fields["id"].(string)
	now := r.now().UTC()
	nowMs := now.UnixMilli()

	if !opts.IsServerData && id == "" {
		tempID, err := model.NewTempID(now)
		if err != nil {
			return nil, fmt.Errorf("generate temp id: %w", err)
		}
		id = tempID
	}
	fields["id"] = id

	orgID, _ := fields["organization_id"].(string)

	ent := &model.Entity{
		ID:              id,
		OrganizationID:  orgID,
		SyncVersion:     0,
		Dirty:           !opts.IsServerData,
		LocalUpdatedAt:  nowMs,
		ServerUpdatedAt: serverUpdatedAtFromFields(fields),
		Fields:          fields,
	}

	err := withTx(ctx, r.conn, func(tx *sql.Tx) error {
		if err := insertEntityTx(ctx, tx, r.entityType, ent); err != nil {
			return err
		}
		if opts.IsServerData {
			return nil
		}
		payload := cloneFields(fields)
		entry := model.OutboxEntry{
			EntityType: r.entityType,
			EntityID:   id,
			Operation:  model.OpCreate,
			Timestamp:  nowMs,
			Payload:    payload,
			Status:     model.StatusPending,
		}
		if model.IsTempID(id) {
			entry.TempID = id
		}
		entry.Dependencies = extractDependencies(fields)
		_, err := r.outbox.EnqueueTx(tx, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// Update merges patch into the existing record. Fails with ErrNotFound if
// absent. Enqueues an update outbox entry carrying only the patch.
func (r *Repository) Update(ctx context.Context, id string, patch map[string]any, opts WriteOptions) (*model.Entity, error) {
	now := r.now().UTC()
	nowMs := now.UnixMilli()

	var result *model.Entity
	err := withTx(ctx, r.conn, func(tx *sql.Tx) error {
		existing, err := getEntityTx(ctx, tx, r.entityType, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}
		merged := cloneFields(existing.Fields)
		for k, v := range patch {
			merged[k] = v
		}
		merged["id"] = id

		existing.Fields = merged
		existing.LocalUpdatedAt = nowMs
		if opts.IsServerData {
			existing.Dirty = false
			existing.SyncVersion++
			if su := serverUpdatedAtFromFields(merged); su != 0 {
				existing.ServerUpdatedAt = su
			}
		} else {
			existing.Dirty = true
		}

		if err := updateEntityTx(ctx, tx, r.entityType, existing); err != nil {
			return err
		}
		if opts.IsServerData {
			result = existing
			return nil
		}
		entry := model.OutboxEntry{
			EntityType:   r.entityType,
			EntityID:     id,
			Operation:    model.OpUpdate,
			Timestamp:    nowMs,
			Payload:      cloneFields(patch),
			Status:       model.StatusPending,
			Dependencies: extractDependencies(patch),
		}
		if model.IsTempID(id) {
			entry.TempID = id
		}
		if _, err := r.outbox.EnqueueTx(tx, entry); err != nil {
			return err
		}
		result = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Remove deletes the local record. If id is a temp ID that never synced,
// its pending outbox entries are removed too and nothing is sent to the
// server. Otherwise a delete outbox entry is enqueued.
func (r *Repository) Remove(ctx context.Context, id string, opts WriteOptions) error {
	now := r.now().UTC().UnixMilli()

	return withTx(ctx, r.conn, func(tx *sql.Tx) error {
		if err := deleteEntityTx(ctx, tx, r.entityType, id); err != nil {
			return err
		}
		if opts.IsServerData {
			return nil
		}
		if model.IsTempID(id) {
			return r.outbox.RemovePendingForEntityTx(tx, r.entityType, id)
		}
		entry := model.OutboxEntry{
			EntityType: r.entityType,
			EntityID:   id,
			Operation:  model.OpDelete,
			Timestamp:  now,
			Payload:    nil,
			Status:     model.StatusPending,
		}
		_, err := r.outbox.EnqueueTx(tx, entry)
		return err
	})
}

// BulkUpsert applies server-sourced entities: _dirty=false, _syncVersion
// bumped by one, the outbox is never touched.
func (r *Repository) BulkUpsert(ctx context.Context, entities []map[string]any) error {
	return withTx(ctx, r.conn, func(tx *sql.Tx) error {
		for _, data := range entities {
			if err := r.upsertServerRecordTx(ctx, tx, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) upsertServerRecordTx(ctx context.Context, tx *sql.Tx, data map[string]any) error {
	fields := cloneFields(data)
	id, _ := fields["id"].(string)
	if id == "" {
		return fmt.Errorf("bulk upsert %s: entity missing id", r.entityType)
	}
	orgID, _ := fields["organization_id"].(string)

	existing, err := getEntityTx(ctx, tx, r.entityType, id)
	if err != nil {
		return err
	}
	if existing == nil {
		ent := &model.Entity{
			ID:              id,
			OrganizationID:  orgID,
			SyncVersion:     1,
			Dirty:           false,
			LocalUpdatedAt:  0,
			ServerUpdatedAt: serverUpdatedAtFromFields(fields),
			Fields:          fields,
		}
		return insertEntityTx(ctx, tx, r.entityType, ent)
	}
	existing.Fields = fields
	existing.OrganizationID = orgID
	existing.Dirty = false
	existing.SyncVersion++
	if su := serverUpdatedAtFromFields(fields); su != 0 {
		existing.ServerUpdatedAt = su
	}
	return updateEntityTx(ctx, tx, r.entityType, existing)
}

// ReplaceAllForOrganization is a full-refresh pull: non-dirty records for
// orgId are deleted, then entities is upserted, skipping any id that is
// currently dirty (local edits always win over a pull).
func (r *Repository) ReplaceAllForOrganization(ctx context.Context, orgID string, entities []map[string]any) error {
	return withTx(ctx, r.conn, func(tx *sql.Tx) error {
		dirtyIDs, err := dirtyIDsForOrgTx(ctx, tx, r.entityType, orgID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE organization_id = ? AND dirty = 0", r.entityType),
			orgID); err != nil {
			return fmt.Errorf("delete non-dirty %s: %w", r.entityType, err)
		}
		for _, data := range entities {
			id, _ := data["id"].(string)
			if dirtyIDs[id] {
				continue
			}
			if err := r.upsertServerRecordTx(ctx, tx, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear empties the container. No outbox effect.
func (r *Repository) Clear(ctx context.Context) error {
	_, err := r.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", r.entityType))
	if err != nil {
		return fmt.Errorf("clear %s: %w", r.entityType, err)
	}
	return nil
}

func withTx(ctx context.Context, conn *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func cloneFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// serverUpdatedAtFromFields prefers the entity's own server "updated_at"
// field over bumping _syncVersion alone to decide merge precedence.
func serverUpdatedAtFromFields(fields map[string]any) int64 {
	raw, ok := fields["updated_at"]
	if !ok {
		return 0
	}
	s, ok := raw.(string)
	if !ok {
		return 0
	}
	t, err := parseServerTimestamp(s)
	if err != nil {
		return 0
	}
	return t
}

func getEntityTx(ctx context.Context, tx *sql.Tx, entityType, id string) (*model.Entity, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", selectCols, entityType)
	rows, err := tx.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", entityType, id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil
	}
	rr, err := scanRow(rows)
	if err != nil {
		return nil, err
	}
	return rr.toEntity(), nil
}

func insertEntityTx(ctx context.Context, tx *sql.Tx, entityType string, ent *model.Entity) error {
	fieldsJSON, err := json.Marshal(ent.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, organization_id, sync_version, dirty, local_updated_at, server_updated_at, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, entityType)
	_, err = tx.ExecContext(ctx, q, ent.ID, ent.OrganizationID, ent.SyncVersion, boolToInt(ent.Dirty), ent.LocalUpdatedAt, ent.ServerUpdatedAt, string(fieldsJSON))
	if err != nil {
		return fmt.Errorf("insert %s: %w", entityType, err)
	}
	return nil
}

func updateEntityTx(ctx context.Context, tx *sql.Tx, entityType string, ent *model.Entity) error {
	fieldsJSON, err := json.Marshal(ent.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	q := fmt.Sprintf(`UPDATE %s SET organization_id=?, sync_version=?, dirty=?, local_updated_at=?, server_updated_at=?, fields=? WHERE id=?`, entityType)
	_, err = tx.ExecContext(ctx, q, ent.OrganizationID, ent.SyncVersion, boolToInt(ent.Dirty), ent.LocalUpdatedAt, ent.ServerUpdatedAt, string(fieldsJSON), ent.ID)
	if err != nil {
		return fmt.Errorf("update %s: %w", entityType, err)
	}
	return nil
}

func deleteEntityTx(ctx context.Context, tx *sql.Tx, entityType, id string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", entityType), id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", entityType, id, err)
	}
	return nil
}

func dirtyIDsForOrgTx(ctx context.Context, tx *sql.Tx, entityType, orgID string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT id FROM %s WHERE organization_id = ? AND dirty = 1", entityType), orgID)
	if err != nil {
		return nil, fmt.Errorf("query dirty ids: %w", err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
