package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/rosync/internal/model"
	"github.com/marcus/rosync/internal/repo"
)

// mergePhase resolves every conflict the Pull phase deferred, per the
// owning Repository's configured ConflictStrategy. Only field_merge and
// user_resolution produce a row in the conflicts table — lww and
// create_wins resolve by letting the local write push through unchanged,
// so there's no decision to record.
func (e *Engine) mergePhase(ctx context.Context, conflicts []pendingConflict, lastSync *time.Time) (int, error) {
	resolved := 0
	now := e.now()

	for _, pc := range conflicts {
		id := pc.local.ID

		// No prior cycle to compare against: treat the server as
		// authoritative without recording a conflict, matching the
		// bootstrap behavior of a first-ever sync.
		if lastSync == nil {
			if err := pc.repo.BulkUpsert(ctx, []map[string]any{pc.serverData}); err != nil {
				return resolved, fmt.Errorf("merge bootstrap apply server %s/%s: %w", pc.entityType, id, err)
			}
			continue
		}

		strategy := pc.repo.ConflictStrategy()

		switch strategy {
		case model.StrategyLWW, model.StrategyCreateWins:
			// No action: the local record is already the dirty write it
			// needs to be, and the next Push sends it through — the
			// server accepts it as the new truth. Nothing was decided
			// here, so nothing goes in the conflicts table.
			continue

		case model.StrategyFieldMerge:
			// Server fields as the base, local edits layered on top — an
			// approximation in the absence of a per-field change log. The
			// merged record is treated as a fresh local edit so it gets
			// pushed again on the next cycle.
			merged := make(map[string]any, len(pc.serverData)+len(pc.local.Fields))
			for k, v := range pc.serverData {
				merged[k] = v
			}
			for k, v := range pc.local.Fields {
				merged[k] = v
			}
			if _, err := pc.repo.Update(ctx, id, merged, repo.WriteOptions{}); err != nil {
				return resolved, fmt.Errorf("merge field_merge %s/%s: %w", pc.entityType, id, err)
			}

		case model.StrategyUserResolution:
			// Leave local data untouched; the host surfaces this row for a
			// person to decide. ResolvedAt stays zero below.
		}

		rec := model.ConflictRecord{
			EntityType:    pc.entityType,
			EntityID:      id,
			LocalVersion:  pc.local.Fields,
			ServerVersion: pc.serverData,
			DetectedAt:    now.UnixMilli(),
		}
		if strategy == model.StrategyFieldMerge {
			rec.ResolvedAt = now.UnixMilli()
		}

		if err := insertConflict(ctx, e.conn, rec); err != nil {
			return resolved, err
		}
		resolved++
	}

	return resolved, nil
}
