// Package outbox implements the Outbox Manager: the only component that
// orders and mutates outbox state. Its method names and state machine
// follow a status-coded pending/in-progress/synced/conflict/failed model,
// the shape this module borrows from a retrieved outbox.Repository
// interface rather than inventing one from scratch — see DESIGN.md.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/marcus/rosync/internal/model"
)

// MaxRetries is the retry ceiling: the failure that brings an entry's
// retry count to this value is terminal.
const MaxRetries = 5

// syncOrder is the topological push/pull order this module commits to.
// Unknown types sort last. Mirrors internal/store.EntityTypes; duplicated
// here (rather than imported) to keep outbox free of a dependency on the
// storage-schema package — only the ordering is shared, not the table
// layout.
var syncOrder = []string{
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

func rankOf(entityType string) int {
	for i, t := range syncOrder {
		if t == entityType {
			return i
		}
	}
	return len(syncOrder)
}

// IDLookup is the narrow capability the Outbox Manager needs from the ID
// Mapper to check dependency satisfaction and rewrite payload FKs.
type IDLookup interface {
	LookupByTemp(ctx context.Context, entityType, tempID string) (serverID string, ok bool, err error)
}

// Manager is the Outbox Manager.
type Manager struct {
	conn    *sql.DB
	ids     IDLookup
	backoff func(retryCount int) time.Duration
	now     func() time.Time
}

// NewManager constructs an Outbox Manager. ids may be nil until the ID
// Mapper is wired (AreDependenciesSatisfied/ResolvePayloadIds then treat
// every dependency as unsatisfied, which is the safe default).
func NewManager(conn *sql.DB, ids IDLookup) *Manager {
	return &Manager{
		conn:    conn,
		ids:     ids,
		backoff: defaultBackoff,
		now:     time.Now,
	}
}

// defaultBackoff computes the delay before a failed entry becomes
// eligible for retry again, using an exponential backoff policy rather
// than a hand-rolled multiplier table.
func defaultBackoff(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 2 * time.Minute
	b.RandomizationFactor = 0.1

	var d time.Duration
	for i := 0; i <= retryCount; i++ {
		d = b.NextBackOff()
	}
	return d
}

// EnqueueTx inserts one outbox entry inside the caller's transaction (the
// Repository's write transaction), assigning a correlationId if the
// caller didn't supply one.
func (m *Manager) EnqueueTx(tx *sql.Tx, entry model.OutboxEntry) (int64, error) {
	if entry.CorrelationID == "" {
		entry.CorrelationID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = model.StatusPending
	}
	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	depsJSON, err := json.Marshal(entry.Dependencies)
	if err != nil {
		return 0, fmt.Errorf("marshal dependencies: %w", err)
	}

	res, err := tx.Exec(`INSERT INTO _outbox
		(correlation_id, entity_type, entity_id, temp_id, operation, timestamp, payload, dependencies, status, retry_count, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		entry.CorrelationID, entry.EntityType, entry.EntityID, entry.TempID, string(entry.Operation),
		entry.Timestamp, string(payloadJSON), string(depsJSON), string(entry.Status))
	if err != nil {
		return 0, fmt.Errorf("enqueue outbox entry: %w", err)
	}
	return res.LastInsertId()
}

// RemovePendingForEntityTx deletes every pending/in-progress outbox entry
// for entityID. Used when a never-synced temp-id entity is deleted
// locally: nothing about it should ever reach the server.
func (m *Manager) RemovePendingForEntityTx(tx *sql.Tx, entityType, entityID string) error {
	_, err := tx.Exec(`DELETE FROM _outbox WHERE entity_type = ? AND entity_id = ? AND status IN ('pending','in_progress')`,
		entityType, entityID)
	if err != nil {
		return fmt.Errorf("remove pending outbox for %s %s: %w", entityType, entityID, err)
	}
	return nil
}
