// Package repo implements the Repository contract: the only legal path
// through which callers read or write entities. Every mutating call
// writes both the entity table and an outbox record atomically.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/rosync/internal/model"
)

// dependencyFields is the fixed, extensible list of FK field names the
// Repository scans when extracting outbox dependencies.
var dependencyFields = []string{
	"participant_id",
	"group_id",
	"activity_id",
	"badge_template_id",
	"medication_requirement_id",
	"carpool_offer_id",
	"honor_id",
}

// ErrNotFound is returned by Update when the target entity does not
// exist locally. Remove does not check for existence.
var ErrNotFound = fmt.Errorf("repo: entity not found")

// Clock lets tests control time without touching the wall clock.
type Clock func() time.Time

// OutboxWriter is the narrow capability Repository needs from the Outbox
// Manager: enqueue one entry inside a caller-supplied transaction, so the
// entity write and the outbox write commit or abort together. Declared
// here (not imported from internal/outbox) to keep outbox free of a
// dependency back on repo.
type OutboxWriter interface {
	EnqueueTx(tx *sql.Tx, entry model.OutboxEntry) (int64, error)
	RemovePendingForEntityTx(tx *sql.Tx, entityType, entityID string) error
}

// Repository is a per-entity-type facade over the Offline Store.
type Repository struct {
	conn             *sql.DB
	entityType       string
	conflictStrategy model.ConflictStrategy
	outbox           OutboxWriter
	now              Clock
}

// New constructs a Repository bound to one entity table.
func New(conn *sql.DB, entityType string, strategy model.ConflictStrategy, outbox OutboxWriter) *Repository {
	return &Repository{conn: conn, entityType: entityType, conflictStrategy: strategy, outbox: outbox, now: time.Now}
}

// EntityType returns the bound container name.
func (r *Repository) EntityType() string { return r.entityType }

// ConflictStrategy returns the tag the Sync Engine's merge phase consults.
func (r *Repository) ConflictStrategy() model.ConflictStrategy { return r.conflictStrategy }

// WriteOptions tweaks a write call's outbox behavior.
type WriteOptions struct {
	// IsServerData marks the write as server-sourced: no outbox entry is
	// produced and _dirty is cleared rather than set.
	IsServerData bool
}

type row struct {
	id              string
	organizationID  string
	syncVersion     int64
	dirty           bool
	localUpdatedAt  int64
	serverUpdatedAt int64
	fields          map[string]any
}

func scanRow(rs *sql.Rows) (row, error) {
	var (
		out        row
		fieldsJSON string
		dirtyInt   int
	)
	if err := rs.Scan(&out.id, &out.organizationID, &out.syncVersion, &dirtyInt, &out.localUpdatedAt, &out.serverUpdatedAt, &fieldsJSON); err != nil {
		return row{}, err
	}
	out.dirty = dirtyInt != 0
	if err := json.Unmarshal([]byte(fieldsJSON), &out.fields); err != nil {
		return row{}, fmt.Errorf("unmarshal fields: %w", err)
	}
	return out, nil
}

func (r row) toEntity() *model.Entity {
	return &model.Entity{
		ID:              r.id,
		OrganizationID:  r.organizationID,
		SyncVersion:     r.syncVersion,
		Dirty:           r.dirty,
		LocalUpdatedAt:  r.localUpdatedAt,
		ServerUpdatedAt: r.serverUpdatedAt,
		Fields:          r.fields,
	}
}

const selectCols = "id, organization_id, sync_version, dirty, local_updated_at, server_updated_at, fields"

// GetByID reads a single entity. Reads are always local; no network I/O.
func (r *Repository) GetByID(ctx context.Context, id string) (*model.Entity, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", selectCols, r.entityType)
	rows, err := r.conn.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", r.entityType, id, err)
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

// GetAllByOrganization lists every entity for a tenant.
func (r *Repository) GetAllByOrganization(ctx context.Context, orgID string) ([]*model.Entity, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE organization_id = ?", selectCols, r.entityType)
	return r.queryAll(ctx, q, orgID)
}

// GetAll lists every entity in the container, regardless of tenant.
func (r *Repository) GetAll(ctx context.Context) ([]*model.Entity, error) {
	q := fmt.Sprintf("SELECT %s FROM %s", selectCols, r.entityType)
	return r.queryAll(ctx, q)
}

// GetByIndex finds entities whose fields[field] equals value. Since
// application fields live in an opaque JSON blob, this is a JSON
// extraction rather than a native column comparison.
func (r *Repository) GetByIndex(ctx context.Context, field string, value any) ([]*model.Entity, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE json_extract(fields, '$.%s') = ?", selectCols, r.entityType, field)
	return r.queryAll(ctx, q, value)
}

// GetByCompoundIndex finds entities matching all of the given field/value
// pairs.
func (r *Repository) GetByCompoundIndex(ctx context.Context, match map[string]any) ([]*model.Entity, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1", selectCols, r.entityType)
	var args []any
	for field, value := range match {
		q += fmt.Sprintf(" AND json_extract(fields, '$.%s') = ?", field)
		args = append(args, value)
	}
	return r.queryAll(ctx, q, args...)
}

// CountByIndex is the scalar counterpart to GetByIndex.
func (r *Repository) CountByIndex(ctx context.Context, field string, value any) (int, error) {
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE json_extract(fields, '$.%s') = ?", r.entityType, field)
	var n int
	if err := r.conn.QueryRowContext(ctx, q, value).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s by %s: %w", r.entityType, field, err)
	}
	return n, nil
}

func (r *Repository) queryAll(ctx context.Context, q string, args ...any) ([]*model.Entity, error) {
	rows, err := r.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", r.entityType, err)
	}
	defer rows.Close()
	var out []*model.Entity
	for rows.Next() {
		rr, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rr.toEntity())
	}
	return out, rows.Err()
}

// extractDependencies scans an entity body for FK fields holding a temp
// ID and returns the corresponding outbox dependency list.
func extractDependencies(fields map[string]any) []model.Dependency {
	var deps []model.Dependency
	for _, f := range dependencyFields {
		v, ok := fields[f]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || !model.IsTempID(s) {
			continue
		}
		deps = append(deps, model.Dependency{EntityType: fkFieldToEntityType(f), TempID: s})
	}
	return deps
}

// fkFieldToEntityType maps a dependency field name to the entity type it
// references, e.g. "group_id" -> "groups".
func fkFieldToEntityType(field string) string {
	switch field {
	case "participant_id":
		return "participants"
	case "group_id":
		return "groups"
	case "activity_id":
		return "activities"
	case "badge_template_id":
		return "badge_templates"
	case "medication_requirement_id":
		return "medication_requirements"
	case "carpool_offer_id":
		return "carpool_offers"
	case "honor_id":
		return "honors"
	default:
		return ""
	}
}
