package syncengine

import (
	"context"
	"fmt"
	"time"
)

// syncedRetention is how long a synced outbox entry is kept for audit
// purposes before Reconcile purges it.
const syncedRetention = 7 * 24 * time.Hour

// reconcilePhase closes out a cycle: stale synced outbox entries are
// purged and the cycle's completion time becomes the new lastSync
// watermark the next Merge phase gates conflict detection against.
func (e *Engine) reconcilePhase(ctx context.Context) error {
	if _, err := e.outboxMgr.PurgeSynced(ctx, syncedRetention); err != nil {
		return fmt.Errorf("purge synced outbox entries: %w", err)
	}
	if err := saveLastSync(ctx, e.conn, e.now()); err != nil {
		return err
	}
	return nil
}
