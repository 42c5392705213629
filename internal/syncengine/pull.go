package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/rosync/internal/model"
	"github.com/marcus/rosync/internal/repo"
	"github.com/marcus/rosync/internal/transport"
)

// pendingConflict is a pulled server record whose local counterpart is
// dirty — the Merge phase resolves these before Push runs, so Push never
// sends an entry whose ConflictStrategy has already decided against it.
type pendingConflict struct {
	entityType string
	repo       *repo.Repository
	local      *model.Entity
	serverData map[string]any
}

// pullPhase fetches every configured entity type's remote list and
// applies it locally. fullRefresh replaces the whole tenant snapshot
// (bootstrap); an incremental pull instead separates clean records
// (upserted immediately) from records whose local copy is dirty, which
// are deferred to the Merge phase.
func (e *Engine) pullPhase(ctx context.Context, entityTypes []string, fullRefresh bool, lastSync *time.Time) (int, []pendingConflict, error) {
	var pulled int
	var conflicts []pendingConflict

	for _, entityType := range entityTypes {
		r, ok := e.repos[entityType]
		if !ok {
			slog.Warn("syncengine: no repository for entity type, skipping pull", "entity_type", entityType)
			continue
		}

		list, err := e.transport.List(ctx, entityType)
		if err != nil {
			if errors.Is(err, transport.ErrUnauthorized) || errors.Is(err, transport.ErrForbidden) {
				return pulled, conflicts, fmt.Errorf("pull %s: %w", entityType, err)
			}
			slog.Warn("syncengine: pull failed, continuing with other entity types", "entity_type", entityType, "err", err)
			continue
		}

		if fullRefresh {
			if err := r.ReplaceAllForOrganization(ctx, e.tenantID(), list); err != nil {
				return pulled, conflicts, fmt.Errorf("replace %s: %w", entityType, err)
			}
			pulled += len(list)
			continue
		}

		var clean []map[string]any
		for _, data := range list {
			id, _ := data["id"].(string)
			if id == "" {
				continue
			}
			local, err := r.GetByID(ctx, id)
			if err != nil {
				return pulled, conflicts, fmt.Errorf("get local %s %s: %w", entityType, id, err)
			}
			if local != nil && local.Dirty {
				conflicts = append(conflicts, pendingConflict{entityType: entityType, repo: r, local: local, serverData: data})
				continue
			}
			clean = append(clean, data)
		}
		if len(clean) > 0 {
			if err := r.BulkUpsert(ctx, clean); err != nil {
				return pulled, conflicts, fmt.Errorf("bulk upsert %s: %w", entityType, err)
			}
		}
		pulled += len(list)
	}

	return pulled, conflicts, nil
}
