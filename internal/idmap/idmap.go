// Package idmap implements the ID Mapper: the single source of truth for
// temp-to-server identity translation, and the component that repairs
// every stored FK reference once a mapping is learned.
package idmap

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// entityTypes and fkFields are duplicated (not imported) from
// internal/store and internal/repo respectively, the same way
// internal/outbox duplicates the sync order — each package owns its
// slice of domain knowledge rather than creating an import cycle.
var entityTypes = []string{
	"groups", "participants", "activities", "badge_templates", "attendance",
	"honors", "badge_progress", "medication_requirements",
	"medication_distributions", "carpool_offers", "carpool_assignments", "points",
}

var fkFieldToEntityType = map[string]string{
	"participant_id":            "participants",
	"group_id":                  "groups",
	"activity_id":               "activities",
	"badge_template_id":         "badge_templates",
	"medication_requirement_id": "medication_requirements",
	"carpool_offer_id":          "carpool_offers",
	"honor_id":                  "honors",
}

// ErrCyclicDependency guards against a mapping that would make a temp ID
// its own server ID. This domain's FK graph is a forest, so the guard is
// expected to never trigger outside of corrupted data.
var ErrCyclicDependency = fmt.Errorf("idmap: cyclic dependency detected")

// Mapper is the ID Mapper.
type Mapper struct {
	conn *sql.DB
	now  func() time.Time
}

// New constructs an ID Mapper over the shared store connection.
func New(conn *sql.DB) *Mapper {
	return &Mapper{conn: conn, now: time.Now}
}

// AddMapping upserts a (entityType, tempId) -> serverId row.
func (m *Mapper) AddMapping(ctx context.Context, entityType, tempID, serverID string) error {
	if tempID == serverID {
		return fmt.Errorf("%w: %s/%s maps to itself", ErrCyclicDependency, entityType, tempID)
	}
	_, err := m.conn.ExecContext(ctx, `
		INSERT INTO _id_map (entity_type, temp_id, server_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, temp_id) DO UPDATE SET server_id = excluded.server_id`,
		entityType, tempID, serverID, m.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add mapping %s/%s: %w", entityType, tempID, err)
	}
	return nil
}

// LookupByTemp returns the server ID for a temp ID, if known.
func (m *Mapper) LookupByTemp(ctx context.Context, entityType, tempID string) (string, bool, error) {
	var serverID string
	err := m.conn.QueryRowContext(ctx, "SELECT server_id FROM _id_map WHERE entity_type = ? AND temp_id = ?", entityType, tempID).Scan(&serverID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup by temp %s/%s: %w", entityType, tempID, err)
	}
	return serverID, true, nil
}

// LookupByServer is the reverse lookup.
func (m *Mapper) LookupByServer(ctx context.Context, entityType, serverID string) (string, bool, error) {
	var tempID string
	err := m.conn.QueryRowContext(ctx, "SELECT temp_id FROM _id_map WHERE entity_type = ? AND server_id = ?", entityType, serverID).Scan(&tempID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup by server %s/%s: %w", entityType, serverID, err)
	}
	return tempID, true, nil
}

// PurgeOldMappings deletes mappings older than maxAge. Optional
// housekeeping, not required for correctness.
func (m *Mapper) PurgeOldMappings(ctx context.Context, maxAge time.Duration) (int, error) {
	threshold := m.now().Add(-maxAge).UnixMilli()
	res, err := m.conn.ExecContext(ctx, "DELETE FROM _id_map WHERE created_at < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("purge old mappings: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RepairReferences rewrites every persisted reference to tempId with
// serverId: the entity's own primary key (if its type matches and id
// equals tempId), any recognized FK field in any entity container whose
// value equals tempId, and the matching entity_id/payload fields in the
// outbox. Runs in a single transaction. Idempotent: reapplying the same
// mapping after the rewrite already happened finds nothing left to touch.
func (m *Mapper) RepairReferences(ctx context.Context, entityType, tempID, serverID string) error {
	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin repair tx: %w", err)
	}
	if err := m.repairTx(ctx, tx, entityType, tempID, serverID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Mapper) repairTx(ctx context.Context, tx *sql.Tx, entityType, tempID, serverID string) error {
	// 1. The entity's own primary key, if it was created with this temp ID.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET id = ? WHERE id = ?", entityType), serverID, tempID); err != nil {
		return fmt.Errorf("repair primary key in %s: %w", entityType, err)
	}

	// 2. Any recognized FK field, in any entity container, whose value
	// equals tempID.
	for _, table := range entityTypes {
		if err := repairFieldsInTable(ctx, tx, table, tempID, serverID); err != nil {
			return fmt.Errorf("repair fk fields in %s: %w", table, err)
		}
	}

	// 3. Outbox entity_id and payload FK fields.
	if err := repairOutbox(ctx, tx, tempID, serverID); err != nil {
		return fmt.Errorf("repair outbox: %w", err)
	}
	return nil
}

func repairFieldsInTable(ctx context.Context, tx *sql.Tx, table, tempID, serverID string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT id, fields FROM %s WHERE fields LIKE ?", table), "%"+tempID+"%")
	if err != nil {
		return err
	}
	type pending struct {
		id     string
		fields map[string]any
	}
	var toUpdate []pending
	for rows.Next() {
		var id, fieldsJSON string
		if err := rows.Scan(&id, &fieldsJSON); err != nil {
			rows.Close()
			return err
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			continue
		}
		changed := false
		for fkField := range fkFieldToEntityType {
			if v, ok := fields[fkField]; ok {
				if s, ok := v.(string); ok && s == tempID {
					fields[fkField] = serverID
					changed = true
				}
			}
		}
		if changed {
			toUpdate = append(toUpdate, pending{id: id, fields: fields})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range toUpdate {
		b, err := json.Marshal(p.fields)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET fields = ? WHERE id = ?", table), string(b), p.id); err != nil {
			return err
		}
	}
	return nil
}

func repairOutbox(ctx context.Context, tx *sql.Tx, tempID, serverID string) error {
	if _, err := tx.ExecContext(ctx, "UPDATE _outbox SET entity_id = ? WHERE entity_id = ?", serverID, tempID); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, "SELECT local_id, payload FROM _outbox WHERE payload LIKE ?", "%"+tempID+"%")
	if err != nil {
		return err
	}
	type pending struct {
		localID int64
		payload map[string]any
	}
	var toUpdate []pending
	for rows.Next() {
		var localID int64
		var payloadJSON string
		if err := rows.Scan(&localID, &payloadJSON); err != nil {
			rows.Close()
			return err
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			continue
		}
		changed := false
		for field, v := range payload {
			if s, ok := v.(string); ok && s == tempID {
				payload[field] = serverID
				changed = true
			}
		}
		if changed {
			toUpdate = append(toUpdate, pending{localID: localID, payload: payload})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, p := range toUpdate {
		b, err := json.Marshal(p.payload)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE _outbox SET payload = ? WHERE local_id = ?", string(b), p.localID); err != nil {
			return err
		}
	}
	return nil
}
