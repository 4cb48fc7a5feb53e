package cdc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbsync/internal/models"
)

// scriptedProvider replays a fixed event list through StartCapture.
type scriptedProvider struct {
	name     string
	events   []*models.ChangeEvent
	mu       sync.Mutex
	position string
	stopped  bool
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) StartCapture(ctx context.Context) (<-chan *models.ChangeEvent, error) {
	ch := make(chan *models.ChangeEvent, len(p.events))
	for _, ev := range p.events {
		ch <- ev
	}
	// Stream stays open until the context ends.
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (p *scriptedProvider) StopCapture(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *scriptedProvider) GetCurrentPosition(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position, nil
}

func (p *scriptedProvider) SetPosition(ctx context.Context, position string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = position
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestCoordinatorDispatchesToSink(t *testing.T) {
	events := []*models.ChangeEvent{
		makeEvent(t, "users"),
		makeEvent(t, "users"),
		makeEvent(t, "orders"),
	}
	provider := &scriptedProvider{name: "primary", events: events}
	sink := NewQueueSink(16)
	c := NewCoordinator(sink, nil, testLogger())
	require.NoError(t, c.AddProvider(ProviderConfig{Name: "primary"}, provider))

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	got := make([]*models.ChangeEvent, 0, len(events))
	for range events {
		ev, err := sink.Take(ctx, "primary", time.Second)
		require.NoError(t, err)
		require.NotNil(t, ev)
		got = append(got, ev)
	}

	// Order within one provider is preserved.
	for i, ev := range got {
		assert.Equal(t, events[i].ID, ev.ID)
	}

	waitFor(t, time.Second, func() bool {
		return c.Stats()["primary"].EventsDispatched == int64(len(events))
	})
}

func TestCoordinatorStopStopsProvider(t *testing.T) {
	provider := &scriptedProvider{name: "primary"}
	c := NewCoordinator(NewQueueSink(4), nil, testLogger())
	require.NoError(t, c.AddProvider(ProviderConfig{Name: "primary"}, provider))
	require.NoError(t, c.Start(context.Background()))

	c.Stop()

	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.True(t, provider.stopped)
}

func TestCoordinatorRejectsDuplicateAndLateProviders(t *testing.T) {
	c := NewCoordinator(NewQueueSink(4), nil, testLogger())
	require.NoError(t, c.AddProvider(ProviderConfig{Name: "a"}, &scriptedProvider{name: "a"}))
	require.Error(t, c.AddProvider(ProviderConfig{Name: "a"}, &scriptedProvider{name: "a"}))

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	require.Error(t, c.AddProvider(ProviderConfig{Name: "b"}, &scriptedProvider{name: "b"}))
}

func TestRunnerFiltersTablesAndOperations(t *testing.T) {
	r, err := newRunner(ProviderConfig{
		Name:          "primary",
		IncludeTables: []string{"users"},
		Operations:    []models.EventType{models.EventInsert},
	}, &scriptedProvider{name: "primary"}, nil, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	r.ingest(ctx, makeEvent(t, "users"))  // kept
	r.ingest(ctx, makeEvent(t, "orders")) // filtered by table

	update, err := models.NewChangeEvent(models.EventUpdate,
		models.TableRef{Database: "appdb", Table: "users"}, models.TableRef{},
		map[string]interface{}{"id": 1}, nil, map[string]interface{}{"id": 1})
	require.NoError(t, err)
	r.ingest(ctx, update) // filtered by operation

	stats := r.stats()
	assert.Equal(t, int64(3), stats.EventsCaptured)
	assert.Equal(t, int64(2), stats.EventsFiltered)
	assert.Equal(t, 1, r.buffer.Len())
}

func TestRunnerDropsWhenBufferFull(t *testing.T) {
	r, err := newRunner(ProviderConfig{
		Name:       "primary",
		BufferSize: 1,
		PutTimeout: 5 * time.Millisecond,
	}, &scriptedProvider{name: "primary"}, nil, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	r.ingest(ctx, makeEvent(t, "users"))
	r.ingest(ctx, makeEvent(t, "users")) // no space, dropped

	stats := r.stats()
	assert.Equal(t, int64(1), stats.EventsDropped)
	assert.Equal(t, 1, stats.BufferLen)
}
