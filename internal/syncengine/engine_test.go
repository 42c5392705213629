package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marcus/rosync/internal/idmap"
	"github.com/marcus/rosync/internal/model"
	"github.com/marcus/rosync/internal/outbox"
	"github.com/marcus/rosync/internal/repo"
	"github.com/marcus/rosync/internal/store"
	"github.com/marcus/rosync/internal/transport"
)

func newTestEngine(t *testing.T, handler http.Handler) (*Engine, *store.Store, map[string]*repo.Repository, *outbox.Manager) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.SchemaVersion)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	conn := st.Conn()
	idMapper := idmap.New(conn)
	outboxMgr := outbox.NewManager(conn, idMapper)

	repos := map[string]*repo.Repository{}
	for _, et := range store.EntityTypes {
		repos[et] = repo.New(conn, et, model.StrategyLWW, outboxMgr)
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tr := transport.New(srv.URL, func() string { return "test-token" }, func() string { return "org1" })
	engine := NewEngine(conn, repos, outboxMgr, idMapper, tr, func() string { return "org1" }, nil, nil)
	return engine, st, repos, outboxMgr
}

// newTestEngineWithStrategies is newTestEngine with a per-entity-type
// ConflictStrategy override, for scenarios where the uniform-lww default
// would hide the behavior under test.
func newTestEngineWithStrategies(t *testing.T, handler http.Handler, overrides map[string]model.ConflictStrategy) (*Engine, map[string]*repo.Repository) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.SchemaVersion)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	conn := st.Conn()
	idMapper := idmap.New(conn)
	outboxMgr := outbox.NewManager(conn, idMapper)

	repos := map[string]*repo.Repository{}
	for _, et := range store.EntityTypes {
		strategy := model.StrategyLWW
		if s, ok := overrides[et]; ok {
			strategy = s
		}
		repos[et] = repo.New(conn, et, strategy, outboxMgr)
	}

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tr := transport.New(srv.URL, func() string { return "test-token" }, func() string { return "org1" })
	engine := NewEngine(conn, repos, outboxMgr, idMapper, tr, func() string { return "org1" }, nil, nil)
	return engine, repos
}

func jsonBody(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request) map[string]any {
	var m map[string]any
	json.NewDecoder(r.Body).Decode(&m)
	return m
}

func TestSyncPushesCreateAndResolvesTempID(t *testing.T) {
	var createCount int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/groups":
			atomic.AddInt32(&createCount, 1)
			body := decodeBody(r)
			body["id"] = "srv-g1"
			w.WriteHeader(http.StatusCreated)
			jsonBody(w, body)
		case r.Method == http.MethodGet:
			jsonBody(w, []map[string]any{})
		default:
			jsonBody(w, map[string]any{})
		}
	})

	engine, _, repos, outboxMgr := newTestEngine(t, handler)
	ctx := context.Background()
	require.NoError(t, engine.Init(ctx))

	created, err := repos["groups"].Create(ctx, map[string]any{"organization_id": "org1", "name": "Troop 1"}, repo.WriteOptions{})
	require.NoError(t, err)
	require.True(t, model.IsTempID(created.ID))

	result, err := engine.Sync(ctx, SyncOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.Pushed)
	require.EqualValues(t, 1, atomic.LoadInt32(&createCount))

	remapped, err := repos["groups"].GetByID(ctx, "srv-g1")
	require.NoError(t, err)
	require.NotNil(t, remapped)
	require.False(t, remapped.Dirty)

	gone, err := repos["groups"].GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.Nil(t, gone)

	summary, err := outboxMgr.GetStatusSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary[model.StatusSynced])
}

func TestPushCreateStripsTempIDAndUnderscoreFieldsFromTheRequestBody(t *testing.T) {
	var postedBody map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/groups":
			postedBody = decodeBody(r)
			w.WriteHeader(http.StatusCreated)
			resp := map[string]any{}
			for k, v := range postedBody {
				resp[k] = v
			}
			resp["id"] = "srv-g1"
			jsonBody(w, resp)
		case r.Method == http.MethodGet:
			jsonBody(w, []map[string]any{})
		default:
			jsonBody(w, map[string]any{})
		}
	})

	engine, _, repos, _ := newTestEngine(t, handler)
	ctx := context.Background()
	require.NoError(t, engine.Init(ctx))

	_, err := repos["groups"].Create(ctx, map[string]any{"organization_id": "org1", "name": "Troop 1"}, repo.WriteOptions{})
	require.NoError(t, err)

	result, err := engine.Sync(ctx, SyncOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)

	require.NotNil(t, postedBody)
	_, hasID := postedBody["id"]
	require.False(t, hasID, "create body must never carry the local id")
	for k := range postedBody {
		require.False(t, strings.HasPrefix(k, "_"), "create body must never carry an internal field %q", k)
	}
	raw, err := json.Marshal(postedBody)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "temp_")
}

func TestBootstrapPullsRemoteEntities(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/groups":
			jsonBody(w, []map[string]any{{"id": "g1", "organization_id": "org1", "name": "Existing Troop"}})
		case r.Method == http.MethodGet:
			jsonBody(w, []map[string]any{})
		default:
			jsonBody(w, map[string]any{})
		}
	})

	engine, _, repos, _ := newTestEngine(t, handler)
	ctx := context.Background()
	require.NoError(t, engine.Init(ctx))

	result, err := engine.Bootstrap(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.GreaterOrEqual(t, result.Pulled, 1)

	g, err := repos["groups"].GetByID(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, g)
	require.False(t, g.Dirty)
}

func TestPushSkipsReadOnlyEntityTypesWithoutARequest(t *testing.T) {
	var pointsRequests int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/points" && r.Method != http.MethodGet && r.Method != http.MethodHead {
			atomic.AddInt32(&pointsRequests, 1)
		}
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet:
			jsonBody(w, []map[string]any{})
		default:
			jsonBody(w, map[string]any{})
		}
	})

	engine, st, _, outboxMgr := newTestEngine(t, handler)
	ctx := context.Background()
	require.NoError(t, engine.Init(ctx))

	require.NoError(t, st.Atomic(ctx, func(tx *sql.Tx) error {
		_, err := outboxMgr.EnqueueTx(tx, model.OutboxEntry{
			EntityType: "points",
			EntityID:   "pt-1",
			Operation:  model.OpUpdate,
			Timestamp:  1,
			Payload:    map[string]any{"value": 5},
			Status:     model.StatusPending,
		})
		return err
	}))

	result, err := engine.Sync(ctx, SyncOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.EqualValues(t, 0, atomic.LoadInt32(&pointsRequests))

	summary, err := outboxMgr.GetStatusSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary[model.StatusSynced])
}

func TestCheckPhaseReturnsOfflineWithoutDialingTheServer(t *testing.T) {
	var requests int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusOK)
	})

	engine, _, _, _ := newTestEngine(t, handler)
	engine.online = func() bool { return false }
	ctx := context.Background()
	require.NoError(t, engine.Init(ctx))

	_, err := engine.Sync(ctx, SyncOptions{})
	require.ErrorIs(t, err, ErrOffline)
	require.EqualValues(t, 0, atomic.LoadInt32(&requests))
}

func TestCheckPhaseReturnsUnauthenticatedWithoutDialingTheServer(t *testing.T) {
	var requests int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusOK)
	})

	engine, _, _, _ := newTestEngine(t, handler)
	engine.transport.Token = func() string { return "" }
	ctx := context.Background()
	require.NoError(t, engine.Init(ctx))

	_, err := engine.Sync(ctx, SyncOptions{})
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.EqualValues(t, 0, atomic.LoadInt32(&requests))
}

func TestCheckPhaseMapsA401LivenessProbeToAuthExpired(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		jsonBody(w, []map[string]any{})
	})

	engine, _, _, _ := newTestEngine(t, handler)
	ctx := context.Background()
	require.NoError(t, engine.Init(ctx))

	_, err := engine.Sync(ctx, SyncOptions{})
	require.ErrorIs(t, err, ErrAuthExpired)
}

func TestCheckPhaseMapsOtherLivenessFailuresToConnectivityFailed(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		jsonBody(w, []map[string]any{})
	})

	engine, _, _, _ := newTestEngine(t, handler)
	ctx := context.Background()
	require.NoError(t, engine.Init(ctx))

	_, err := engine.Sync(ctx, SyncOptions{})
	require.ErrorIs(t, err, ErrConnectivityFailed)
}

func TestSyncEmitsStartedCompletedEventsWithCorrelationId(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		jsonBody(w, []map[string]any{})
	})

	engine, _, _, _ := newTestEngine(t, handler)
	ctx := context.Background()
	require.NoError(t, engine.Init(ctx))

	var events []string
	var payloads []map[string]any
	engine.sink = FuncSink(func(name string, payload map[string]any) {
		events = append(events, name)
		payloads = append(payloads, payload)
	})

	result, err := engine.Sync(ctx, SyncOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)

	require.Contains(t, events, "sync.started")
	require.Contains(t, events, "sync.completed")

	var startedID, completedID string
	for i, name := range events {
		switch name {
		case "sync.started":
			startedID, _ = payloads[i]["correlationId"].(string)
		case "sync.completed":
			completedID, _ = payloads[i]["correlationId"].(string)
			_, hasMetrics := payloads[i]["metrics"]
			require.True(t, hasMetrics, "sync.completed must carry a metrics payload")
		}
	}
	require.NotEmpty(t, startedID)
	require.Equal(t, startedID, completedID, "the started and completed events share one cycle correlation id")
}

func TestGetMetricsSurfacesRecentErrorsMostRecentFirst(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	engine, _, _, _ := newTestEngine(t, handler)
	engine.online = func() bool { return false }
	ctx := context.Background()
	require.NoError(t, engine.Init(ctx))

	_, err := engine.Sync(ctx, SyncOptions{})
	require.ErrorIs(t, err, ErrOffline)

	engine.online = func() bool { return true }
	engine.transport.Token = func() string { return "" }
	_, err = engine.Sync(ctx, SyncOptions{})
	require.ErrorIs(t, err, ErrUnauthenticated)

	metrics := engine.GetMetrics()
	require.GreaterOrEqual(t, len(metrics.LastErrors), 2)
	require.Equal(t, ErrUnauthenticated.Error(), metrics.LastErrors[0])
}

func TestReplayingTheSamePushAfterACrashLeavesLocalStateUnchanged(t *testing.T) {
	var correlationIDs []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/groups":
			correlationIDs = append(correlationIDs, r.Header.Get("Correlation-Id"))
			body := decodeBody(r)
			body["id"] = "srv-g1"
			w.WriteHeader(http.StatusCreated)
			jsonBody(w, body)
		case r.Method == http.MethodGet:
			jsonBody(w, []map[string]any{})
		default:
			jsonBody(w, map[string]any{})
		}
	})

	engine, _, repos, outboxMgr := newTestEngine(t, handler)
	ctx := context.Background()
	require.NoError(t, engine.Init(ctx))

	_, err := repos["groups"].Create(ctx, map[string]any{"organization_id": "org1", "name": "Troop 1"}, repo.WriteOptions{})
	require.NoError(t, err)

	// Simulate a process crash between the server accepting the push and
	// the local bookkeeping recording it as synced: the entry is still
	// marked in_progress when the process restarts.
	pending, err := outboxMgr.GetPendingOrdered(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, outboxMgr.MarkInProgress(ctx, pending[0].LocalID))

	require.NoError(t, engine.Init(ctx)) // reverts in_progress back to pending

	result, err := engine.Sync(ctx, SyncOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.Pushed)
	require.Len(t, correlationIDs, 1, "exactly one create request reaches the server")
	require.Equal(t, pending[0].CorrelationID, correlationIDs[0], "the resumed push must reuse the original correlation id, not mint a new one")

	remapped, err := repos["groups"].GetByID(ctx, "srv-g1")
	require.NoError(t, err)
	require.NotNil(t, remapped)
	require.False(t, remapped.Dirty)

	summary, err := outboxMgr.GetStatusSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary[model.StatusSynced])
	require.Equal(t, 0, summary[model.StatusInProgress])
}

func TestMergeAppliesLWWButLeavesUserResolutionConflictsForAPersonToDecide(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/groups":
			jsonBody(w, []map[string]any{{"id": "g1", "organization_id": "org1", "name": "Server Name", "updated_at": "2099-01-01T00:00:00Z"}})
		case r.Method == http.MethodGet && r.URL.Path == "/medication_requirements":
			jsonBody(w, []map[string]any{{"id": "m1", "organization_id": "org1", "dose": "server dose", "updated_at": "2099-01-01T00:00:00Z"}})
		case r.Method == http.MethodGet:
			jsonBody(w, []map[string]any{})
		default:
			jsonBody(w, map[string]any{})
		}
	})

	engine, repos := newTestEngineWithStrategies(t, handler, map[string]model.ConflictStrategy{
		"medication_requirements": model.StrategyUserResolution,
	})
	ctx := context.Background()
	require.NoError(t, engine.Init(ctx))

	// First cycle: bootstrap both records so a lastSync exists and a
	// later pull of the same ids is treated as an update, not a fresh
	// record, which is what makes the dirty local copy a real conflict.
	_, err := engine.Bootstrap(ctx)
	require.NoError(t, err)

	_, err = repos["groups"].Update(ctx, "g1", map[string]any{"name": "Local Name"}, repo.WriteOptions{})
	require.NoError(t, err)
	_, err = repos["medication_requirements"].Update(ctx, "m1", map[string]any{"dose": "local dose"}, repo.WriteOptions{})
	require.NoError(t, err)

	result, err := engine.Sync(ctx, SyncOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.GreaterOrEqual(t, result.Conflicts, 1)

	group, err := repos["groups"].GetByID(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, "Local Name", group.Fields["name"], "lww takes no action; the local edit stays queued to push through as the new truth")

	med, err := repos["medication_requirements"].GetByID(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "local dose", med.Fields["dose"], "user_resolution leaves the local edit untouched pending a person's decision")
}

func TestSyncReturnsErrAlreadySyncingWhileRunning(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			w.WriteHeader(http.StatusOK)
			return
		}
		jsonBody(w, []map[string]any{})
	})

	engine, _, _, _ := newTestEngine(t, handler)
	ctx := context.Background()
	require.NoError(t, engine.Init(ctx))

	done := make(chan struct{})
	go func() {
		engine.Sync(ctx, SyncOptions{})
		close(done)
	}()

	<-entered
	_, err := engine.Sync(ctx, SyncOptions{})
	require.ErrorIs(t, err, ErrAlreadySyncing)

	close(release)
	<-done
}
