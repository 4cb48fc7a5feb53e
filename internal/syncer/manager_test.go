package syncer

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbsync/internal/adapter"
	"dbsync/internal/conflict"
	"dbsync/internal/models"
	"dbsync/internal/pool"
	"dbsync/internal/recovery"
	"dbsync/internal/txn"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// harness wires a manager around two shared memory adapters.
type harness struct {
	manager *Manager
	source  *adapter.MemoryAdapter
	target  *adapter.MemoryAdapter
	txman   *txn.Manager
}

func newHarness(t *testing.T, cfg SyncConfig) *harness {
	t.Helper()
	logger := testLogger()
	rec := recovery.NewManager(recovery.Config{}, nil, logger)
	txman := txn.NewManager(txn.Config{}, rec, nil, logger)
	resolver := conflict.NewResolver(conflict.SourceWins, logger)

	h := &harness{
		source: adapter.NewMemoryAdapter("src"),
		target: adapter.NewMemoryAdapter("dst"),
		txman:  txman,
	}
	h.manager = NewManager(ManagerConfig{}, resolver, txman, rec, logger)

	shared := func(a *adapter.MemoryAdapter) ConnectorFactory {
		return func(ctx context.Context) (adapter.Connector, error) { return a, nil }
	}
	poolCfg := pool.Config{MaxConnections: 2, ConnectionTimeout: time.Second}
	require.NoError(t, h.manager.RegisterEndpoint("src", shared(h.source), poolCfg))
	require.NoError(t, h.manager.RegisterEndpoint("dst", shared(h.target), poolCfg))
	require.NoError(t, h.manager.AddConfig(cfg))
	return h
}

func (h *harness) instanceFor(t *testing.T, name string) *Instance {
	t.Helper()
	in, err := h.manager.instance(name)
	require.NoError(t, err)
	return in
}

func pushInsert(t *testing.T, a *adapter.MemoryAdapter, id int, name string) {
	t.Helper()
	ev, err := models.NewChangeEvent(models.EventInsert,
		models.TableRef{Database: "appdb", Table: "users"},
		models.TableRef{Table: "users"},
		map[string]interface{}{"id": id},
		nil,
		map[string]interface{}{"id": id, "name": name})
	require.NoError(t, err)
	a.PushChange(ev)
}

func pushUpdate(t *testing.T, a *adapter.MemoryAdapter, id int, values map[string]interface{}) {
	t.Helper()
	ev, err := models.NewChangeEvent(models.EventUpdate,
		models.TableRef{Database: "appdb", Table: "users"},
		models.TableRef{Table: "users"},
		map[string]interface{}{"id": id},
		nil, values)
	require.NoError(t, err)
	a.PushChange(ev)
}

func TestSyncPassAppliesBatchAndResolvesConflict(t *testing.T) {
	h := newHarness(t, SyncConfig{
		Name:             "users-sync",
		SourceID:         "src",
		TargetID:         "dst",
		ConflictStrategy: conflict.SourceWins,
	})
	in := h.instanceFor(t, "users-sync")
	ctx := context.Background()

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Format(time.RFC3339)
	// Record 2 already exists on the target under a different name.
	h.target.SeedRecord("users",
		map[string]interface{}{"id": 2},
		map[string]interface{}{"id": 2, "name": "John", "updated_at": ts})

	pushInsert(t, h.source, 1, "Alice")
	pushUpdate(t, h.source, 2, map[string]interface{}{"id": 2, "name": "Jane", "updated_at": ts})
	pushInsert(t, h.source, 3, "Carol")

	require.NoError(t, in.syncPass(ctx))

	stats := in.Stats()
	assert.Equal(t, int64(3), stats.EventsProcessed)
	assert.Equal(t, int64(1), stats.ConflictsDetected)
	assert.Equal(t, int64(1), stats.ConflictsResolved)
	assert.Equal(t, int64(0), stats.Errors)
	assert.Equal(t, int64(2), stats.EventsByType[models.EventInsert])
	assert.Equal(t, int64(1), stats.EventsByType[models.EventUpdate])
	assert.Equal(t, "3", stats.Position)

	// The source version won the conflict.
	rec := h.target.Record("users", map[string]interface{}{"id": 2})
	require.NotNil(t, rec)
	assert.Equal(t, "Jane", rec["name"])

	assert.Equal(t, "Alice", h.target.Record("users", map[string]interface{}{"id": 1})["name"])
	assert.Equal(t, "Carol", h.target.Record("users", map[string]interface{}{"id": 3})["name"])

	assert.Equal(t, int64(1), h.txman.Stats().Committed)

	// A second pass finds nothing past the cursor.
	require.NoError(t, in.syncPass(ctx))
	assert.Equal(t, int64(3), in.Stats().EventsProcessed)
}

func TestSyncPassTargetWinsKeepsTargetVersion(t *testing.T) {
	h := newHarness(t, SyncConfig{
		Name:             "users-sync",
		SourceID:         "src",
		TargetID:         "dst",
		ConflictStrategy: conflict.TargetWins,
	})
	in := h.instanceFor(t, "users-sync")

	h.target.SeedRecord("users",
		map[string]interface{}{"id": 1},
		map[string]interface{}{"id": 1, "name": "John"})
	pushUpdate(t, h.source, 1, map[string]interface{}{"id": 1, "name": "Jane"})

	require.NoError(t, in.syncPass(context.Background()))

	rec := h.target.Record("users", map[string]interface{}{"id": 1})
	require.NotNil(t, rec)
	assert.Equal(t, "John", rec["name"])
	assert.Equal(t, int64(1), in.Stats().ConflictsDetected)
}

func TestSyncPassRespectsBatchSize(t *testing.T) {
	h := newHarness(t, SyncConfig{
		Name:      "users-sync",
		SourceID:  "src",
		TargetID:  "dst",
		BatchSize: 2,
	})
	in := h.instanceFor(t, "users-sync")
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		pushInsert(t, h.source, i, "user")
	}

	require.NoError(t, in.syncPass(ctx))
	assert.Equal(t, int64(2), in.Stats().EventsProcessed)
	assert.Equal(t, "2", in.Stats().Position)

	require.NoError(t, in.syncPass(ctx))
	require.NoError(t, in.syncPass(ctx))
	assert.Equal(t, int64(5), in.Stats().EventsProcessed)
}

// faultyConnector fails every write, leaving reads intact.
type faultyConnector struct {
	*adapter.MemoryAdapter
}

func (f *faultyConnector) ExecuteOperation(ctx context.Context, op *models.ChangeEvent) error {
	return errors.New("disk full")
}

func TestSyncPassRollsBackOnApplyFailure(t *testing.T) {
	logger := testLogger()
	rec := recovery.NewManager(recovery.Config{}, nil, logger)
	txman := txn.NewManager(txn.Config{}, rec, nil, logger)
	resolver := conflict.NewResolver(conflict.SourceWins, logger)

	source := adapter.NewMemoryAdapter("src")
	target := &faultyConnector{MemoryAdapter: adapter.NewMemoryAdapter("dst")}

	m := NewManager(ManagerConfig{}, resolver, txman, rec, logger)
	poolCfg := pool.Config{MaxConnections: 2, ConnectionTimeout: time.Second}
	require.NoError(t, m.RegisterEndpoint("src", func(ctx context.Context) (adapter.Connector, error) { return source, nil }, poolCfg))
	require.NoError(t, m.RegisterEndpoint("dst", func(ctx context.Context) (adapter.Connector, error) { return target, nil }, poolCfg))
	require.NoError(t, m.AddConfig(SyncConfig{Name: "users-sync", SourceID: "src", TargetID: "dst"}))

	in, err := m.instance("users-sync")
	require.NoError(t, err)

	pushInsert(t, source, 1, "Alice")

	err = in.syncPass(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to apply batch")

	assert.Nil(t, target.Record("users", map[string]interface{}{"id": 1}))
	assert.Equal(t, int64(0), in.Stats().EventsProcessed)
	assert.Equal(t, int64(1), in.Stats().Errors)
	assert.Equal(t, int64(1), in.Stats().ErrorsByCategory[recovery.CategoryUnknown])
	assert.Equal(t, int64(1), txman.Stats().RolledBack)
}

func TestManagerLifecycleAndTrigger(t *testing.T) {
	h := newHarness(t, SyncConfig{
		Name:         "users-sync",
		SourceID:     "src",
		TargetID:     "dst",
		PollInterval: time.Hour, // passes only on trigger
	})
	ctx := context.Background()
	require.NoError(t, h.manager.Start(ctx))
	defer h.manager.Stop()

	pushInsert(t, h.source, 1, "Alice")
	require.NoError(t, h.manager.TriggerSync("users-sync"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := h.manager.Stats("users-sync")
		require.NoError(t, err)
		if stats.EventsProcessed == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	stats, err := h.manager.Stats("users-sync")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.EventsProcessed)
	assert.Equal(t, StateRunning, stats.State)

	require.NoError(t, h.manager.PauseInstance("users-sync"))
	stats, err = h.manager.Stats("users-sync")
	require.NoError(t, err)
	assert.Equal(t, StatePaused, stats.State)

	require.NoError(t, h.manager.ResumeInstance("users-sync"))
	stats, err = h.manager.Stats("users-sync")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, stats.State)

	assert.Error(t, h.manager.TriggerSync("missing"))
}

func TestSupervisorPausesOnConflictThreshold(t *testing.T) {
	h := newHarness(t, SyncConfig{
		Name:              "users-sync",
		SourceID:          "src",
		TargetID:          "dst",
		PollInterval:      time.Hour,
		ConflictThreshold: 1,
	})
	ctx := context.Background()
	require.NoError(t, h.manager.Start(ctx))
	defer h.manager.Stop()

	in := h.instanceFor(t, "users-sync")
	in.mu.Lock()
	in.conflictsDetected = 5
	in.mu.Unlock()

	h.manager.superviseOnce(ctx)

	stats, err := h.manager.Stats("users-sync")
	require.NoError(t, err)
	assert.Equal(t, StatePaused, stats.State)
}

func TestAddConfigValidatesEndpoints(t *testing.T) {
	logger := testLogger()
	m := NewManager(ManagerConfig{}, conflict.NewResolver(conflict.SourceWins, logger), nil, nil, logger)

	err := m.AddConfig(SyncConfig{Name: "s", SourceID: "missing", TargetID: "also-missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source endpoint")

	err = m.AddConfig(SyncConfig{SourceID: "a", TargetID: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a name")
}
