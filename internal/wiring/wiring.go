// Package wiring is the single place that assembles a Store, a
// Repository per entity type, the Outbox Manager, the ID Mapper, the
// transport Client, the Sync Engine and the Sync Lifecycle into one
// usable unit, so every command (and any future host embedding this
// module) shares one assembly path instead of repeating it.
package wiring

import (
	"fmt"
	"path/filepath"

	"github.com/marcus/rosync/internal/hostenv"
	"github.com/marcus/rosync/internal/idmap"
	"github.com/marcus/rosync/internal/lifecycle"
	"github.com/marcus/rosync/internal/model"
	"github.com/marcus/rosync/internal/outbox"
	"github.com/marcus/rosync/internal/repo"
	"github.com/marcus/rosync/internal/store"
	"github.com/marcus/rosync/internal/syncengine"
	"github.com/marcus/rosync/internal/transport"
)

// defaultConflictStrategy assigns each entity type a merge strategy.
// Read-only entity types never have local writes to merge, so their
// entry is unused in practice but still set for a Repository that
// requires one. Higher-stakes medical records default to
// user_resolution rather than a silent automatic merge; most records
// default to lww; append-only join records default to create_wins.
var defaultConflictStrategy = map[string]model.ConflictStrategy{
	"groups":                   model.StrategyLWW,
	"participants":             model.StrategyLWW,
	"activities":               model.StrategyLWW,
	"badge_templates":          model.StrategyLWW,
	"attendance":               model.StrategyCreateWins,
	"honors":                   model.StrategyFieldMerge,
	"badge_progress":           model.StrategyFieldMerge,
	"medication_requirements":  model.StrategyUserResolution,
	"medication_distributions": model.StrategyUserResolution,
	"carpool_offers":           model.StrategyLWW,
	"carpool_assignments":      model.StrategyCreateWins,
	"points":                   model.StrategyLWW,
}

// conflictStrategyFor looks up the configured strategy, defaulting to
// lww for any entity type this table doesn't name (keeps the table from
// needing an entry added for every future entity type before it syncs
// at all).
func conflictStrategyFor(entityType string) model.ConflictStrategy {
	if s, ok := defaultConflictStrategy[entityType]; ok {
		return s
	}
	return model.StrategyLWW
}

// App bundles every component a command or host needs, already wired
// together.
type App struct {
	Store     *store.Store
	Repos     map[string]*repo.Repository
	Outbox    *outbox.Manager
	IDMapper  *idmap.Mapper
	Transport *transport.Client
	Engine    *syncengine.Engine
	Lifecycle *lifecycle.Lifecycle
}

// Open assembles an App backed by a SQLite file under baseDir and an
// HTTP transport pointed at serverURL. Token and tenant are resolved
// fresh on every transport call via hostenv, so a host-side
// re-authentication takes effect without reconstructing the App.
func Open(baseDir, serverURL string) (*App, error) {
	dbPath := filepath.Join(baseDir, "rosync.db")
	st, err := store.Open(dbPath, store.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	conn := st.Conn()
	idMapper := idmap.New(conn)
	outboxMgr := outbox.NewManager(conn, idMapper)

	repos := make(map[string]*repo.Repository, len(store.EntityTypes))
	for _, et := range store.EntityTypes {
		repos[et] = repo.New(conn, et, conflictStrategyFor(et), outboxMgr)
	}

	tr := transport.New(serverURL, hostenv.GetToken, hostenv.GetTenantID)
	engine := syncengine.NewEngine(conn, repos, outboxMgr, idMapper, tr, hostenv.GetTenantID, hostenv.IsOnline, nil)
	lc := lifecycle.New(engine, outboxMgr.GetPendingCount)

	return &App{
		Store:     st,
		Repos:     repos,
		Outbox:    outboxMgr,
		IDMapper:  idMapper,
		Transport: tr,
		Engine:    engine,
		Lifecycle: lc,
	}, nil
}

// Close releases the underlying database connection and stops any
// lifecycle timers or watchers still pending.
func (a *App) Close() error {
	a.Lifecycle.CleanupSync()
	return a.Store.Close()
}
