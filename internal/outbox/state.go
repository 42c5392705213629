package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/rosync/internal/model"
)

// MarkInProgress transitions a pending entry to in_progress, immediately
// before the Sync Engine issues its HTTP request.
func (m *Manager) MarkInProgress(ctx context.Context, localID int64) error {
	_, err := m.conn.ExecContext(ctx, "UPDATE _outbox SET status = 'in_progress' WHERE local_id = ?", localID)
	if err != nil {
		return fmt.Errorf("mark in_progress %d: %w", localID, err)
	}
	return nil
}

// MarkSynced transitions an entry to its terminal success state.
func (m *Manager) MarkSynced(ctx context.Context, localID int64, serverResponse map[string]any) error {
	srJSON, err := json.Marshal(serverResponse)
	if err != nil {
		return fmt.Errorf("marshal server response: %w", err)
	}
	_, err = m.conn.ExecContext(ctx, "UPDATE _outbox SET status = 'synced', server_response = ? WHERE local_id = ?", string(srJSON), localID)
	if err != nil {
		return fmt.Errorf("mark synced %d: %w", localID, err)
	}
	return nil
}

// MarkConflict parks an entry in conflict state. It only flips the
// outbox entry's status, in its own statement; the caller writes the
// matching conflict record separately (the Sync Engine's push code does
// so right after this call), so the two writes are not atomic.
func (m *Manager) MarkConflict(ctx context.Context, localID int64, serverVersion map[string]any) error {
	srJSON, err := json.Marshal(serverVersion)
	if err != nil {
		return fmt.Errorf("marshal server version: %w", err)
	}
	_, err = m.conn.ExecContext(ctx, "UPDATE _outbox SET status = 'conflict', server_response = ? WHERE local_id = ?", string(srJSON), localID)
	if err != nil {
		return fmt.Errorf("mark conflict %d: %w", localID, err)
	}
	return nil
}

// MarkFailed increments retryCount. When retryCount reaches MaxRetries
// the entry becomes terminally failed; otherwise it reverts to pending,
// gated by an exponential backoff delay before it becomes eligible again.
func (m *Manager) MarkFailed(ctx context.Context, localID int64, errMsg string) error {
	entry, err := m.getByLocalID(ctx, localID)
	if err != nil {
		return err
	}
	retryCount := entry.RetryCount + 1
	if retryCount >= MaxRetries {
		_, err := m.conn.ExecContext(ctx,
			"UPDATE _outbox SET status = 'failed', retry_count = ?, last_error = ? WHERE local_id = ?",
			retryCount, errMsg, localID)
		if err != nil {
			return fmt.Errorf("mark failed (terminal) %d: %w", localID, err)
		}
		return nil
	}

	nextRetryAt := m.now().Add(m.backoff(retryCount)).UnixMilli()
	_, err = m.conn.ExecContext(ctx,
		"UPDATE _outbox SET status = 'pending', retry_count = ?, last_error = ?, next_retry_at = ? WHERE local_id = ?",
		retryCount, errMsg, nextRetryAt, localID)
	if err != nil {
		return fmt.Errorf("mark failed (retryable) %d: %w", localID, err)
	}
	return nil
}

// ResetInProgress moves every in_progress entry back to pending. Run at
// engine start: a prior sync may have been interrupted mid-push, so any
// in-flight entry must be assumed not delivered and retried, relying on
// the server's correlationId-keyed dedup for safety if it actually was
// delivered.
func (m *Manager) ResetInProgress(ctx context.Context) (int, error) {
	res, err := m.conn.ExecContext(ctx, "UPDATE _outbox SET status = 'pending' WHERE status = 'in_progress'")
	if err != nil {
		return 0, fmt.Errorf("reset in_progress entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeSynced deletes synced entries older than maxAge.
func (m *Manager) PurgeSynced(ctx context.Context, maxAge time.Duration) (int, error) {
	threshold := m.now().Add(-maxAge).UnixMilli()
	res, err := m.conn.ExecContext(ctx, "DELETE FROM _outbox WHERE status = 'synced' AND timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("purge synced entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AreDependenciesSatisfied reports whether every declared {type, tempId}
// dependency of entry has a resolved mapping.
func (m *Manager) AreDependenciesSatisfied(ctx context.Context, entry model.OutboxEntry) (bool, error) {
	if m.ids == nil {
		return len(entry.Dependencies) == 0, nil
	}
	for _, dep := range entry.Dependencies {
		_, ok, err := m.ids.LookupByTemp(ctx, dep.EntityType, dep.TempID)
		if err != nil {
			return false, fmt.Errorf("check dependency %s/%s: %w", dep.EntityType, dep.TempID, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// ResolvePayloadIds returns a shallow clone of entry with its entityId
// and any recognized FK fields inside payload rewritten from temp to
// server IDs.
func (m *Manager) ResolvePayloadIds(ctx context.Context, entry model.OutboxEntry) (model.OutboxEntry, error) {
	out := entry
	out.Payload = cloneMap(entry.Payload)

	if model.IsTempID(out.EntityID) {
		if resolved, ok, err := m.resolveID(ctx, out.EntityType, out.EntityID); err != nil {
			return model.OutboxEntry{}, err
		} else if ok {
			out.EntityID = resolved
		}
	}

	for field, value := range out.Payload {
		s, ok := value.(string)
		if !ok || !model.IsTempID(s) {
			continue
		}
		depType := dependencyEntityType(field, out.Dependencies, s)
		if depType == "" {
			continue
		}
		if resolved, ok, err := m.resolveID(ctx, depType, s); err != nil {
			return model.OutboxEntry{}, err
		} else if ok {
			out.Payload[field] = resolved
		}
	}
	return out, nil
}

func (m *Manager) resolveID(ctx context.Context, entityType, tempID string) (string, bool, error) {
	if m.ids == nil {
		return "", false, nil
	}
	return m.ids.LookupByTemp(ctx, entityType, tempID)
}

// dependencyEntityType finds which declared dependency a payload field's
// temp-id value belongs to, so ResolvePayloadIds knows which container to
// look the mapping up in.
func dependencyEntityType(field string, deps []model.Dependency, tempID string) string {
	for _, d := range deps {
		if d.TempID == tempID {
			return d.EntityType
		}
	}
	_ = field
	return ""
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
