// Package syncengine implements the Sync Engine: the five-phase
// Check -> Pull -> Merge -> Push -> Reconcile pipeline that is the only
// component in this module that talks HTTP.
package syncengine

import (
	"github.com/marcus/rosync/internal/model"
)

// SyncOptions configures one cycle.
type SyncOptions struct {
	FullRefresh bool
	EntityTypes []string // nil means "all registered entity types"
}

// EventSink is the narrow observation capability the engine emits named
// events to. The host decides whether to wire it to a bus, a log, or a
// callback set.
type EventSink interface {
	Emit(name string, payload map[string]any)
}

// NoopSink discards every event; used when the host doesn't care to
// observe.
type NoopSink struct{}

// Emit implements EventSink.
func (NoopSink) Emit(string, map[string]any) {}

// FuncSink adapts a plain function to EventSink.
type FuncSink func(name string, payload map[string]any)

// Emit implements EventSink.
func (f FuncSink) Emit(name string, payload map[string]any) { f(name, payload) }

// Metrics is the phase/timing/counter snapshot GetMetrics returns.
type Metrics struct {
	Phase      model.Phase
	LastCycle  model.CycleResult
	LastErrors []string // most recent first, bounded to maxLastErrors
}
