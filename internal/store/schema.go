package store

import "fmt"

// SchemaVersion tracks the on-disk layout. Open creates missing tables
// but runs no migrations of existing ones.
const SchemaVersion = 1

// EntityTypes is the canonical, topologically-ordered list of entity
// containers this module hosts. Order matters: it is also the Outbox
// Manager's push order and the Sync Engine's pull order.
var EntityTypes = []string{
	"groups",
	"participants",
	"activities",
	"badge_templates",
	"attendance",
	"honors",
	"badge_progress",
	"medication_requirements",
	"medication_distributions",
	"carpool_offers",
	"carpool_assignments",
	"points",
}

// ReadOnlyEntityTypes never originate a local mutation; the Push phase
// marks any outbox entry against them synced without a request.
var ReadOnlyEntityTypes = map[string]bool{
	"badge_templates": true,
	"points":          true,
}

const controlSchema = `
CREATE TABLE IF NOT EXISTS _outbox (
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
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON _outbox(status);
CREATE INDEX IF NOT EXISTS idx_outbox_status_ts ON _outbox(status, timestamp);
CREATE INDEX IF NOT EXISTS idx_outbox_correlation ON _outbox(correlation_id);
CREATE INDEX IF NOT EXISTS idx_outbox_entity ON _outbox(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS _id_map (
	rowid_pk    INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	temp_id     TEXT NOT NULL,
	server_id   TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_id_map_temp ON _id_map(entity_type, temp_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_id_map_server ON _id_map(entity_type, server_id);

CREATE TABLE IF NOT EXISTS _sync_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _conflicts (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	local_version    TEXT NOT NULL,
	server_version   TEXT NOT NULL,
	outbox_local_id  INTEGER NOT NULL DEFAULT 0,
	detected_at      INTEGER NOT NULL,
	resolved_at      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON _conflicts(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON _conflicts(resolved_at);

CREATE TABLE IF NOT EXISTS _sync_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	success     INTEGER NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	pulled      INTEGER NOT NULL DEFAULT 0,
	pushed      INTEGER NOT NULL DEFAULT 0,
	conflicts   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0
);
`

const entityTableTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id                 TEXT PRIMARY KEY,
	organization_id    TEXT NOT NULL DEFAULT '',
	sync_version       INTEGER NOT NULL DEFAULT 0,
	dirty              INTEGER NOT NULL DEFAULT 0,
	local_updated_at   INTEGER NOT NULL DEFAULT 0,
	server_updated_at  INTEGER NOT NULL DEFAULT 0,
	fields             TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_org ON %[1]s(organization_id);
CREATE INDEX IF NOT EXISTS idx_%[1]s_sync_version ON %[1]s(sync_version);
CREATE INDEX IF NOT EXISTS idx_%[1]s_dirty ON %[1]s(dirty);
`

// fullSchema renders the control tables plus one entity table per
// registered entity type.
func fullSchema() string {
	out := controlSchema
	for _, t := range EntityTypes {
		out += fmt.Sprintf(entityTableTemplate, t)
	}
	return out
}

// IsKnownEntityType reports whether t is a registered container.
func IsKnownEntityType(t string) bool {
	for _, et := range EntityTypes {
		if et == t {
			return true
		}
	}
	return false
}
