package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/marcus/rosync/internal/model"
	"github.com/marcus/rosync/internal/repo"
	"github.com/marcus/rosync/internal/store"
	"github.com/marcus/rosync/internal/transport"
)

// pushPhase drives every eligible outbox entry through the transport, in
// the topological order the Outbox Manager already sorted them into. An
// entry whose dependencies aren't satisfied yet is left pending for a
// later cycle rather than blocking the ones behind it in a different
// container.
func (e *Engine) pushPhase(ctx context.Context) (pushed, conflicts, failed int, err error) {
	entries, err := e.outboxMgr.GetPendingOrdered(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("load pending outbox entries: %w", err)
	}

	for _, entry := range entries {
		r, ok := e.repos[entry.EntityType]
		if !ok {
			continue
		}

		if store.ReadOnlyEntityTypes[entry.EntityType] {
			if err := e.outboxMgr.MarkSynced(ctx, entry.LocalID, nil); err != nil {
				return pushed, conflicts, failed, err
			}
			continue
		}

		satisfied, err := e.outboxMgr.AreDependenciesSatisfied(ctx, entry)
		if err != nil {
			return pushed, conflicts, failed, fmt.Errorf("check dependencies for outbox %d: %w", entry.LocalID, err)
		}
		if !satisfied {
			continue
		}

		resolved, err := e.outboxMgr.ResolvePayloadIds(ctx, entry)
		if err != nil {
			return pushed, conflicts, failed, fmt.Errorf("resolve payload ids for outbox %d: %w", entry.LocalID, err)
		}

		if err := e.outboxMgr.MarkInProgress(ctx, entry.LocalID); err != nil {
			return pushed, conflicts, failed, fmt.Errorf("mark in_progress outbox %d: %w", entry.LocalID, err)
		}

		switch resolved.Operation {
		case model.OpCreate:
			ok, isConflict := e.pushCreate(ctx, r, resolved)
			if isConflict {
				conflicts++
			} else if ok {
				pushed++
			} else {
				failed++
			}
		case model.OpUpdate:
			ok, isConflict := e.pushUpdate(ctx, r, resolved)
			if isConflict {
				conflicts++
			} else if ok {
				pushed++
			} else {
				failed++
			}
		case model.OpDelete:
			if e.pushDelete(ctx, resolved) {
				pushed++
			} else {
				failed++
			}
		}
	}

	return pushed, conflicts, failed, nil
}

// createBody strips everything the server contract forbids in a create
// body: the local/temp id (the server assigns its own) and every
// internal bookkeeping field, identified by its leading underscore.
func createBody(payload map[string]any) map[string]any {
	body := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "id" || strings.HasPrefix(k, "_") {
			continue
		}
		body[k] = v
	}
	return body
}

func (e *Engine) pushCreate(ctx context.Context, r *repo.Repository, entry model.OutboxEntry) (ok bool, isConflict bool) {
	resp, err := e.transport.Create(ctx, entry.EntityType, createBody(entry.Payload), entry.CorrelationID)
	if err != nil {
		if errors.Is(err, transport.ErrConflict) {
			e.recordPushConflict(ctx, entry, resp)
			return false, true
		}
		e.outboxMgr.MarkFailed(ctx, entry.LocalID, err.Error())
		return false, false
	}

	serverID, _ := resp["id"].(string)
	if serverID != "" && entry.TempID != "" && serverID != entry.TempID {
		if err := e.idMapper.AddMapping(ctx, entry.EntityType, entry.TempID, serverID); err != nil {
			e.outboxMgr.MarkFailed(ctx, entry.LocalID, err.Error())
			return false, false
		}
		if err := e.idMapper.RepairReferences(ctx, entry.EntityType, entry.TempID, serverID); err != nil {
			e.outboxMgr.MarkFailed(ctx, entry.LocalID, err.Error())
			return false, false
		}
	}
	if len(resp) > 0 {
		if err := r.BulkUpsert(ctx, []map[string]any{resp}); err != nil {
			e.outboxMgr.MarkFailed(ctx, entry.LocalID, err.Error())
			return false, false
		}
	}
	if err := e.outboxMgr.MarkSynced(ctx, entry.LocalID, resp); err != nil {
		return false, false
	}
	return true, false
}

func (e *Engine) pushUpdate(ctx context.Context, r *repo.Repository, entry model.OutboxEntry) (ok bool, isConflict bool) {
	resp, err := e.transport.Patch(ctx, entry.EntityType, entry.EntityID, entry.Payload, entry.CorrelationID)
	if err != nil {
		if errors.Is(err, transport.ErrConflict) {
			e.recordPushConflict(ctx, entry, resp)
			return false, true
		}
		e.outboxMgr.MarkFailed(ctx, entry.LocalID, err.Error())
		return false, false
	}
	if len(resp) > 0 {
		if _, err := r.Update(ctx, entry.EntityID, resp, repo.WriteOptions{IsServerData: true}); err != nil {
			e.outboxMgr.MarkFailed(ctx, entry.LocalID, err.Error())
			return false, false
		}
	}
	if err := e.outboxMgr.MarkSynced(ctx, entry.LocalID, resp); err != nil {
		return false, false
	}
	return true, false
}

func (e *Engine) pushDelete(ctx context.Context, entry model.OutboxEntry) bool {
	if err := e.transport.Delete(ctx, entry.EntityType, entry.EntityID, entry.CorrelationID); err != nil {
		e.outboxMgr.MarkFailed(ctx, entry.LocalID, err.Error())
		return false
	}
	if err := e.outboxMgr.MarkSynced(ctx, entry.LocalID, nil); err != nil {
		return false
	}
	return true
}

func (e *Engine) recordPushConflict(ctx context.Context, entry model.OutboxEntry, serverVersion map[string]any) {
	e.outboxMgr.MarkConflict(ctx, entry.LocalID, serverVersion)
	rec := model.ConflictRecord{
		EntityType:    entry.EntityType,
		EntityID:      entry.EntityID,
		LocalVersion:  entry.Payload,
		ServerVersion: serverVersion,
		OutboxLocalID: entry.LocalID,
		DetectedAt:    e.now().UnixMilli(),
	}
	insertConflict(ctx, e.conn, rec)
}
