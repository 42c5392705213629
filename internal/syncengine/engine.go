package syncengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/rosync/internal/idmap"
	"github.com/marcus/rosync/internal/model"
	"github.com/marcus/rosync/internal/outbox"
	"github.com/marcus/rosync/internal/repo"
	"github.com/marcus/rosync/internal/store"
	"github.com/marcus/rosync/internal/transport"
)

// ErrAlreadySyncing is returned by Sync when a cycle is already running.
var ErrAlreadySyncing = errors.New("syncengine: a cycle is already running")

// Check-phase sentinel errors. Offline and Unauthenticated come from the
// pre-flight check (no network signal / no token, so there's no point
// even dialing the server); AuthExpired and ConnectivityFailed come from
// the liveness probe itself once it's actually issued.
var (
	ErrOffline            = errors.New("syncengine: offline")
	ErrUnauthenticated    = errors.New("syncengine: unauthenticated")
	ErrAuthExpired        = errors.New("syncengine: auth expired")
	ErrConnectivityFailed = errors.New("syncengine: connectivity failed")
)

// maxLastErrors bounds the error ring GetMetrics surfaces.
const maxLastErrors = 10

// Engine is the Sync Engine: the only component that drives the
// Check -> Pull -> Merge -> Push -> Reconcile pipeline end to end. It
// owns no storage of its own beyond the control tables (_sync_meta,
// _conflicts, _sync_history) — entity data always goes through the
// Repository bound to that entity type.
type Engine struct {
	mu          sync.Mutex
	cycleActive bool
	cancel      context.CancelFunc

	conn      *sql.DB
	repos     map[string]*repo.Repository
	outboxMgr *outbox.Manager
	idMapper  *idmap.Mapper
	transport *transport.Client
	tenantID  func() string
	online    func() bool
	sink      EventSink
	now       func() time.Time

	phase      model.Phase
	lastErrors []string
}

// NewEngine wires one Sync Engine over an already-open store connection.
// repos must contain one Repository per internal/store.EntityTypes
// entry; a missing entry is a configuration error caught at Sync time
// rather than construction time, since the caller may still be building
// its Repository set. online reports the host's network-reachability
// hint ahead of the liveness probe; a nil online always reports online,
// leaving the probe itself as the only connectivity check.
func NewEngine(conn *sql.DB, repos map[string]*repo.Repository, outboxMgr *outbox.Manager, idMapper *idmap.Mapper, tr *transport.Client, tenantID func() string, online func() bool, sink EventSink) *Engine {
	if sink == nil {
		sink = NoopSink{}
	}
	if online == nil {
		online = func() bool { return true }
	}
	return &Engine{
		conn:      conn,
		repos:     repos,
		outboxMgr: outboxMgr,
		idMapper:  idMapper,
		transport: tr,
		tenantID:  tenantID,
		online:    online,
		sink:      sink,
		now:       time.Now,
		phase:     model.PhaseIdle,
	}
}

// Init prepares the engine for its first cycle: any outbox entry left
// in_progress by a process that died mid-push is reverted to pending, so
// Push reconsiders it (relying on the server's correlation-id dedup if
// it actually made it through).
func (e *Engine) Init(ctx context.Context) error {
	n, err := e.outboxMgr.ResetInProgress(ctx)
	if err != nil {
		return fmt.Errorf("reset in-progress outbox entries: %w", err)
	}
	if n > 0 {
		slog.Info("syncengine: reverted stale in-progress entries", "count", n)
	}
	if err := ensureControlRow(ctx, e.conn); err != nil {
		return err
	}
	return nil
}

// Bootstrap runs the first-ever cycle for a tenant: a full refresh pull
// with no prior lastSync to gate conflict detection against, followed by
// a push of whatever local data already exists.
func (e *Engine) Bootstrap(ctx context.Context) (model.CycleResult, error) {
	return e.Sync(ctx, SyncOptions{FullRefresh: true})
}

// GetMetrics returns a snapshot of the engine's current phase, the
// outcome of its last completed cycle, and its most recent errors (most
// recent first, bounded to maxLastErrors).
func (e *Engine) GetMetrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, _ := loadLastCycle(context.Background(), e.conn)
	errs := make([]string, len(e.lastErrors))
	copy(errs, e.lastErrors)
	return Metrics{Phase: e.phase, LastCycle: last, LastErrors: errs}
}

// recordError pushes msg onto the bounded error ring, most recent first.
func (e *Engine) recordError(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErrors = append([]string{msg}, e.lastErrors...)
	if len(e.lastErrors) > maxLastErrors {
		e.lastErrors = e.lastErrors[:maxLastErrors]
	}
}

// Abort cancels the in-flight cycle, if any. Safe to call with no cycle
// running.
func (e *Engine) Abort() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Sync runs one full cycle. Only one cycle may run at a time; a second
// caller gets ErrAlreadySyncing rather than queuing behind the first.
func (e *Engine) Sync(ctx context.Context, opts SyncOptions) (model.CycleResult, error) {
	e.mu.Lock()
	if e.cycleActive {
		e.mu.Unlock()
		return model.CycleResult{}, ErrAlreadySyncing
	}
	e.cycleActive = true
	cctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	correlationID := uuid.NewString()
	e.sink.Emit("sync.started", map[string]any{"correlationId": correlationID})

	started := e.now()
	var failedPhase model.Phase
	defer func() {
		e.mu.Lock()
		e.cycleActive = false
		e.cancel = nil
		e.phase = model.PhaseIdle
		e.mu.Unlock()
		cancel()
	}()

	entityTypes := opts.EntityTypes
	if len(entityTypes) == 0 {
		entityTypes = store.EntityTypes
	}

	result, err := e.runCycle(cctx, entityTypes, opts.FullRefresh)
	result.Duration = e.now().Sub(started)
	if err != nil {
		result.Success = false
		if result.Reason == "" {
			result.Reason = err.Error()
		}
		e.mu.Lock()
		failedPhase = e.phase
		e.mu.Unlock()
		e.recordError(result.Reason)
		e.setPhase(model.PhaseError)
		e.sink.Emit("sync.failed", map[string]any{
			"correlationId": correlationID,
			"error":         result.Reason,
			"phase":         string(failedPhase),
		})
	} else {
		result.Success = true
		e.setPhase(model.PhaseComplete)
		e.sink.Emit("sync.completed", map[string]any{
			"correlationId": correlationID,
			"metrics": map[string]any{
				"pulled": result.Pulled, "pushed": result.Pushed,
				"conflicts": result.Conflicts, "failed": result.Failed,
			},
		})
	}
	if recErr := recordCycleHistory(context.Background(), e.conn, started, e.now(), result); recErr != nil {
		slog.Warn("syncengine: record cycle history", "err", recErr)
	}
	return result, err
}

func (e *Engine) setPhase(p model.Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
	e.sink.Emit("sync.phase", map[string]any{"phase": string(p)})
}

func (e *Engine) runCycle(ctx context.Context, entityTypes []string, fullRefresh bool) (model.CycleResult, error) {
	var result model.CycleResult

	e.setPhase(model.PhaseCheck)
	if err := e.checkPhase(ctx); err != nil {
		result.Reason = err.Error()
		return result, err
	}

	e.setPhase(model.PhasePull)
	lastSync, err := loadLastSync(ctx, e.conn)
	if err != nil {
		return result, fmt.Errorf("load last sync: %w", err)
	}
	pulled, pendingConflicts, err := e.pullPhase(ctx, entityTypes, fullRefresh, lastSync)
	if err != nil {
		return result, err
	}
	result.Pulled = pulled

	e.setPhase(model.PhaseMerge)
	resolvedConflicts, err := e.mergePhase(ctx, pendingConflicts, lastSync)
	if err != nil {
		return result, err
	}
	result.Conflicts += resolvedConflicts

	e.setPhase(model.PhasePush)
	pushed, pushConflicts, failed, err := e.pushPhase(ctx)
	if err != nil {
		return result, err
	}
	result.Pushed = pushed
	result.Conflicts += pushConflicts
	result.Failed = failed

	e.setPhase(model.PhaseReconcile)
	if err := e.reconcilePhase(ctx); err != nil {
		return result, err
	}

	return result, nil
}

// checkPhase implements the Check phase's full taxonomy: a pre-flight
// online/token check ahead of ever dialing the server, distinguishing
// Offline and Unauthenticated from what the liveness probe itself can
// report (AuthExpired on a rejected token, ConnectivityFailed on anything
// else that keeps the probe from succeeding).
func (e *Engine) checkPhase(ctx context.Context) error {
	if !e.online() {
		return ErrOffline
	}
	if !e.transport.HasToken() {
		return ErrUnauthenticated
	}
	if err := e.transport.Liveness(ctx); err != nil {
		if errors.Is(err, transport.ErrUnauthorized) {
			return ErrAuthExpired
		}
		return fmt.Errorf("%w: %v", ErrConnectivityFailed, err)
	}
	return nil
}
