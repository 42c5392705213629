// Package lifecycle is the Sync Lifecycle orchestrator: the thin layer a
// host process wires to its own network/visibility/auth events so a sync
// cycle starts without the host having to know anything about the Sync
// Engine's internals. A network-restored, app-visible, or user-logged-in
// signal schedules a debounced cycle rather than firing one immediately,
// so a burst of the same signal collapses into a single sync.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marcus/rosync/internal/hostenv"
	"github.com/marcus/rosync/internal/model"
	"github.com/marcus/rosync/internal/syncengine"
)

// Default debounce delays per trigger. A burst of the same trigger within
// the window collapses into a single sync.
const (
	DefaultNetworkRestoredDelay = 2 * time.Second
	DefaultAppVisibleDelay      = 1500 * time.Millisecond
	DefaultUserLoggedInDelay    = 3 * time.Second
)

// MaxRetryElapsed caps how long a triggered sync keeps retrying on
// failure before giving up and waiting for the next unrelated trigger.
const MaxRetryElapsed = 5 * time.Minute

// State is the lifecycle's coarse-grained observable status.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateIdle          State = "idle"
	StateSyncing       State = "syncing"
	StateError         State = "error"
)

// SyncState is what GetSyncState returns: the current status plus the
// outcome of the most recently completed cycle.
type SyncState struct {
	State      State
	LastResult model.CycleResult
}

// Lifecycle wraps one Sync Engine with trigger scheduling and tracks
// whether a cycle is presently running, so repeated init/cleanup calls
// from a host (app foreground/background transitions, for instance) are
// safe to make idempotently.
type Lifecycle struct {
	mu sync.Mutex

	engine       *syncengine.Engine
	pendingCount func(context.Context) (int, error)
	initialized  bool
	running      bool
	lastResult   model.CycleResult
	lastErr      error

	timers map[string]*time.Timer
	retry  map[string]*backoff.ExponentialBackOff

	authWatcher *hostenv.Watcher
	watchCancel context.CancelFunc

	networkRestoredDelay time.Duration
	appVisibleDelay      time.Duration
	userLoggedInDelay    time.Duration
}

// Option configures a Lifecycle at construction.
type Option func(*Lifecycle)

// WithNetworkRestoredDelay overrides the network-restored debounce window.
func WithNetworkRestoredDelay(d time.Duration) Option {
	return func(l *Lifecycle) { l.networkRestoredDelay = d }
}

// WithAppVisibleDelay overrides the app-visible debounce window.
func WithAppVisibleDelay(d time.Duration) Option {
	return func(l *Lifecycle) { l.appVisibleDelay = d }
}

// WithUserLoggedInDelay overrides the user-logged-in debounce window.
func WithUserLoggedInDelay(d time.Duration) Option {
	return func(l *Lifecycle) { l.userLoggedInDelay = d }
}

// New constructs a Lifecycle over an already-wired Sync Engine.
// pendingCount is consulted by AppVisible so a visibility restore only
// schedules a cycle when there's actually something outbound to push.
func New(engine *syncengine.Engine, pendingCount func(context.Context) (int, error), opts ...Option) *Lifecycle {
	l := &Lifecycle{
		engine:               engine,
		pendingCount:         pendingCount,
		timers:               map[string]*time.Timer{},
		retry:                map[string]*backoff.ExponentialBackOff{},
		networkRestoredDelay: DefaultNetworkRestoredDelay,
		appVisibleDelay:      DefaultAppVisibleDelay,
		userLoggedInDelay:    DefaultUserLoggedInDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// InitSync prepares the engine for use. Calling it again while already
// initialized is a no-op, so a host can call it on every foreground
// transition without guarding itself.
func (l *Lifecycle) InitSync(ctx context.Context) error {
	l.mu.Lock()
	if l.initialized {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.engine.Init(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	l.initialized = true
	l.mu.Unlock()
	return nil
}

// WatchAuth starts watching the auth file for out-of-process rewrites
// (a login completed by another process, for instance) and schedules a
// UserLoggedIn trigger for each one observed. Calling it twice without
// an intervening CleanupSync is a no-op. A host that wants this wires it
// in alongside InitSync; it is not started automatically, since not every
// host keeps auth in the file hostenv watches.
func (l *Lifecycle) WatchAuth(ctx context.Context) error {
	l.mu.Lock()
	if l.authWatcher != nil {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	w, err := hostenv.WatchAuthFile()
	if err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.authWatcher = w
	l.watchCancel = cancel
	l.mu.Unlock()

	go func() {
		for {
			select {
			case _, ok := <-w.Events():
				if !ok {
					return
				}
				l.UserLoggedIn(watchCtx)
			case <-watchCtx.Done():
				return
			}
		}
	}()
	return nil
}

// CleanupSync cancels any pending debounced triggers, stops the auth
// watcher if one was started, and marks the lifecycle uninitialized. It
// does not abort a cycle already in flight — callers that need that call
// the engine's Abort directly.
func (l *Lifecycle) CleanupSync() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, t := range l.timers {
		t.Stop()
		delete(l.timers, name)
	}
	for name := range l.retry {
		delete(l.retry, name)
	}
	if l.authWatcher != nil {
		l.watchCancel()
		l.authWatcher.Close()
		l.authWatcher = nil
		l.watchCancel = nil
	}
	l.initialized = false
}

// TriggerManualSync runs a cycle immediately, bypassing debounce. Used
// for a host's explicit "sync now" action.
func (l *Lifecycle) TriggerManualSync(ctx context.Context, opts syncengine.SyncOptions) (model.CycleResult, error) {
	return l.runCycle(ctx, opts)
}

// NetworkRestored schedules a sync after the network-restored debounce
// window. Repeated calls within the window reset the timer rather than
// queuing extra cycles.
func (l *Lifecycle) NetworkRestored(ctx context.Context) {
	l.schedule(ctx, "network-restored", l.networkRestoredDelay, syncengine.SyncOptions{})
}

// AppVisible schedules a sync after the app-became-visible debounce
// window, but only when the outbox actually has something pending — a
// foreground transition with nothing queued has no reason to wake the
// engine.
func (l *Lifecycle) AppVisible(ctx context.Context) {
	if l.pendingCount != nil {
		n, err := l.pendingCount(ctx)
		if err != nil {
			slog.Debug("lifecycle: app-visible pending count check failed, scheduling anyway", "err", err)
		} else if n == 0 {
			return
		}
	}
	l.schedule(ctx, "app-visible", l.appVisibleDelay, syncengine.SyncOptions{})
}

// UserLoggedIn schedules a full-refresh sync after the user-logged-in
// debounce window — a fresh login has no local data worth preserving
// over the server's.
func (l *Lifecycle) UserLoggedIn(ctx context.Context) {
	l.schedule(ctx, "user-logged-in", l.userLoggedInDelay, syncengine.SyncOptions{FullRefresh: true})
}

func (l *Lifecycle) schedule(ctx context.Context, name string, delay time.Duration, opts syncengine.SyncOptions) {
	l.mu.Lock()
	if existing, ok := l.timers[name]; ok {
		existing.Stop()
	}
	delete(l.retry, name)
	l.timers[name] = time.AfterFunc(delay, func() { l.fireAndRetry(ctx, name, opts) })
	l.mu.Unlock()
}

// fireAndRetry runs one triggered cycle. A failure reschedules itself
// after an exponentially growing delay (network-restored is the common
// case: the network can still be flaky right after it comes back) rather
// than silently waiting for the next unrelated trigger; a success clears
// the backoff state so the next trigger starts fresh.
func (l *Lifecycle) fireAndRetry(ctx context.Context, name string, opts syncengine.SyncOptions) {
	if _, err := l.runCycle(ctx, opts); err != nil {
		slog.Debug("lifecycle: triggered sync failed, scheduling retry", "trigger", name, "err", err)

		l.mu.Lock()
		b, ok := l.retry[name]
		if !ok {
			b = backoff.NewExponentialBackOff()
			b.MaxElapsedTime = MaxRetryElapsed // NextBackOff returns Stop once this much time has passed since the first failure
			l.retry[name] = b
		}
		next := b.NextBackOff()
		l.mu.Unlock()

		if next == backoff.Stop || next > MaxRetryElapsed {
			return
		}
		l.mu.Lock()
		l.timers[name] = time.AfterFunc(next, func() { l.fireAndRetry(ctx, name, opts) })
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	delete(l.retry, name)
	l.mu.Unlock()
}

func (l *Lifecycle) runCycle(ctx context.Context, opts syncengine.SyncOptions) (model.CycleResult, error) {
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()

	result, err := l.engine.Sync(ctx, opts)

	l.mu.Lock()
	l.running = false
	l.lastResult = result
	l.lastErr = err
	l.mu.Unlock()

	return result, err
}

// GetSyncState reports the lifecycle's current status and the last
// cycle's outcome.
func (l *Lifecycle) GetSyncState() SyncState {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := StateIdle
	switch {
	case !l.initialized:
		state = StateUninitialized
	case l.running:
		state = StateSyncing
	case l.lastErr != nil:
		state = StateError
	}
	return SyncState{State: state, LastResult: l.lastResult}
}
