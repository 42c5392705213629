package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/rosync/internal/model"
)

const lastSyncKey = "last_sync"

func ensureControlRow(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx,
		"INSERT INTO _sync_meta (key, value) VALUES (?, '0') ON CONFLICT(key) DO NOTHING", lastSyncKey)
	if err != nil {
		return fmt.Errorf("ensure sync meta row: %w", err)
	}
	return nil
}

// loadLastSync returns nil if this tenant has never completed a cycle —
// the signal that downstream conflict detection should not flag anything
// as a conflict yet.
func loadLastSync(ctx context.Context, conn *sql.DB) (*time.Time, error) {
	var raw string
	err := conn.QueryRowContext(ctx, "SELECT value FROM _sync_meta WHERE key = ?", lastSyncKey).Scan(&raw)
	if err == sql.ErrNoRows || raw == "0" || raw == "" {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last sync: %w", err)
	}
	var ms int64
	if _, err := fmt.Sscanf(raw, "%d", &ms); err != nil {
		return nil, nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

func saveLastSync(ctx context.Context, conn *sql.DB, t time.Time) error {
	_, err := conn.ExecContext(ctx,
		"INSERT INTO _sync_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		lastSyncKey, fmt.Sprintf("%d", t.UnixMilli()))
	if err != nil {
		return fmt.Errorf("save last sync: %w", err)
	}
	return nil
}

func recordCycleHistory(ctx context.Context, conn *sql.DB, started, finished time.Time, r model.CycleResult) error {
	_, err := conn.ExecContext(ctx, `INSERT INTO _sync_history
		(started_at, finished_at, success, reason, pulled, pushed, conflicts, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		started.UnixMilli(), finished.UnixMilli(), boolToInt(r.Success), r.Reason, r.Pulled, r.Pushed, r.Conflicts, r.Failed)
	if err != nil {
		return fmt.Errorf("record sync history: %w", err)
	}
	return nil
}

func loadLastCycle(ctx context.Context, conn *sql.DB) (model.CycleResult, error) {
	var (
		started, finished                           int64
		successInt, pulled, pushed, conflicts, fail int
		reason                                       string
	)
	err := conn.QueryRowContext(ctx,
		"SELECT started_at, finished_at, success, reason, pulled, pushed, conflicts, failed FROM _sync_history ORDER BY id DESC LIMIT 1").
		Scan(&started, &finished, &successInt, &reason, &pulled, &pushed, &conflicts, &fail)
	if err == sql.ErrNoRows {
		return model.CycleResult{}, nil
	}
	if err != nil {
		return model.CycleResult{}, fmt.Errorf("load last cycle: %w", err)
	}
	return model.CycleResult{
		Success:   successInt != 0,
		Reason:    reason,
		Pulled:    pulled,
		Pushed:    pushed,
		Conflicts: conflicts,
		Failed:    fail,
		Duration:  time.Duration(finished-started) * time.Millisecond,
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ListUnresolvedConflicts returns every conflict record still awaiting
// resolution, oldest first, for an admin surface to display.
func (e *Engine) ListUnresolvedConflicts(ctx context.Context) ([]model.ConflictRecord, error) {
	rows, err := e.conn.QueryContext(ctx, `SELECT id, entity_type, entity_id, local_version, server_version,
		outbox_local_id, detected_at FROM _conflicts WHERE resolved_at = 0 ORDER BY detected_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query unresolved conflicts: %w", err)
	}
	defer rows.Close()

	var out []model.ConflictRecord
	for rows.Next() {
		var rec model.ConflictRecord
		var localJSON, serverJSON string
		if err := rows.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &localJSON, &serverJSON,
			&rec.OutboxLocalID, &rec.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan conflict row: %w", err)
		}
		if err := json.Unmarshal([]byte(localJSON), &rec.LocalVersion); err != nil {
			return nil, fmt.Errorf("unmarshal local version: %w", err)
		}
		if err := json.Unmarshal([]byte(serverJSON), &rec.ServerVersion); err != nil {
			return nil, fmt.Errorf("unmarshal server version: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func insertConflict(ctx context.Context, conn *sql.DB, rec model.ConflictRecord) error {
	localJSON, err := json.Marshal(rec.LocalVersion)
	if err != nil {
		return fmt.Errorf("marshal local version: %w", err)
	}
	serverJSON, err := json.Marshal(rec.ServerVersion)
	if err != nil {
		return fmt.Errorf("marshal server version: %w", err)
	}
	_, err = conn.ExecContext(ctx, `INSERT INTO _conflicts
		(entity_type, entity_id, local_version, server_version, outbox_local_id, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.EntityType, rec.EntityID, string(localJSON), string(serverJSON), rec.OutboxLocalID, rec.DetectedAt, rec.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}
