package sai

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-datasync/cache"
	"github.com/saiset-co/sai-datasync/prefetch"
	"github.com/saiset-co/sai-datasync/types"
)

type task struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type recordingExecutor struct {
	mu      sync.Mutex
	updates []types.Update[task]
}

func (r *recordingExecutor) CreateMany(ctx context.Context, items []task) ([]task, error) {
	return items, nil
}

func (r *recordingExecutor) UpdateMany(ctx context.Context, updates []types.Update[task]) ([]task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.updates = append(r.updates, updates...)
	out := make([]task, 0, len(updates))
	for _, u := range updates {
		out = append(out, task{ID: u.ID, Title: u.Data.Title})
	}
	return out, nil
}

func (r *recordingExecutor) DeleteMany(ctx context.Context, ids []string) error {
	return nil
}

func (r *recordingExecutor) Updates() []types.Update[task] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Update[task](nil), r.updates...)
}

func testConfig() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "datasync-test",
		Version: "1.0.0",
		Logger:  &types.LoggerConfig{Type: "nop", Level: "info"},
		Store:   &types.StoreConfig{Type: "memory", SchemaVersion: 1},
		Memory:  &types.MemoryConfig{MaxMemoryUsageMB: 1, CheckInterval: time.Minute},
		Services: map[string]types.ServiceSettings{
			"tasks": {
				Cache: types.CacheSettings{Default: types.CachePolicy{TTL: time.Minute}},
				Warming: &types.WarmingConfig{
					Patterns: []string{"tasks:list"},
					Interval: time.Hour,
					Priority: 5,
				},
				Batch: types.BatchConfig{BatchSize: 10, Interval: time.Hour, MaxDelay: time.Hour, MinItems: 10},
			},
		},
	}
}

func newTasksService(t *testing.T, c *Container, executor *recordingExecutor) *Service[string, task] {
	t.Helper()

	s, err := NewService[string, task](c, "tasks", ServiceOptions[string, task]{
		Settings: testConfig().Services["tasks"],
		WarmingFetch: func(ctx context.Context, key string) (string, error) {
			return "warm " + key, nil
		},
		Executor: executor,
		KeyOf:    func(item task) string { return item.ID },
	})
	require.NoError(t, err)
	return s
}

func startContainer(t *testing.T) (*Container, *Service[string, task], *recordingExecutor) {
	t.Helper()

	c, err := Build(testConfig())
	require.NoError(t, err)

	executor := &recordingExecutor{}
	s := newTasksService(t, c, executor)

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })

	return c, s, executor
}

func TestContainer_ServiceRoundTrip(t *testing.T) {
	c, s, executor := startContainer(t)
	ctx := context.Background()

	assert.True(t, s.IsRunning())
	assert.Equal(t, []string{"tasks"}, c.Services())

	value, err := s.Cache.WithOptimization(ctx, "tasks:7", func(ctx context.Context) (string, error) {
		return "task seven", nil
	}, cache.Options{})
	require.NoError(t, err)
	assert.Equal(t, "task seven", value)

	err = s.Batch.AddOperation(ctx, "task:7", types.BatchOperation[task]{
		Type: types.OperationUpdate,
		ID:   "7",
		Data: &task{Title: "renamed"},
	}, true)
	require.NoError(t, err)

	require.Len(t, executor.Updates(), 1)
	_, cached := s.Cache.Get("tasks:7")
	assert.False(t, cached, "acknowledged writes invalidate the entity key")

	record, err := c.GetStore().Get(ctx, "tasks", "7")
	require.NoError(t, err)
	assert.Equal(t, "renamed", record["title"])
}

func TestContainer_SchedulesWarmingAndMemoryChecks(t *testing.T) {
	c, s, _ := startContainer(t)

	var names []string
	for _, job := range c.GetCron().Jobs() {
		names = append(names, job.Name)
	}
	assert.ElementsMatch(t, []string{"warming:tasks", "memory-check:tasks"}, names)

	require.NoError(t, c.GetCron().Run("warming:tasks"))
	require.Eventually(t, func() bool {
		value, ok := s.Cache.Get("tasks:list")
		return ok && value == "warm tasks:list"
	}, time.Second, 5*time.Millisecond)
}

func TestContainer_OfflineWritesReplayOnReconnect(t *testing.T) {
	c, s, executor := startContainer(t)
	ctx := context.Background()

	c.GetMonitor().SetOnline(false)

	err := s.Batch.AddOperation(ctx, "task:1", types.BatchOperation[task]{
		Type: types.OperationUpdate,
		ID:   "1",
		Data: &task{Title: "offline edit"},
	}, true)
	require.NoError(t, err)

	pending, err := s.Batch.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	assert.Empty(t, executor.Updates())

	c.GetMonitor().SetOnline(true)

	require.Eventually(t, func() bool {
		n, err := s.Batch.PendingCount(ctx)
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "offline edit", executor.Updates()[0].Data.Title)
}

func TestContainer_PrefetchFillsCache(t *testing.T) {
	_, s, _ := startContainer(t)

	err := s.Prefetch.AddToPrefetchQueue("tasks:next", func(ctx context.Context) (string, error) {
		return "prefetched", nil
	}, prefetch.Options{Priority: prefetch.PriorityHigh})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		value, ok := s.Cache.Get("tasks:next")
		return ok && value == "prefetched"
	}, time.Second, 5*time.Millisecond)
}

func TestContainer_ExportsServiceMetrics(t *testing.T) {
	c, s, _ := startContainer(t)

	_, err := s.Cache.WithOptimization(context.Background(), "tasks:1", func(ctx context.Context) (string, error) {
		return "one", nil
	}, cache.Options{})
	require.NoError(t, err)

	snapshot, err := c.Metrics.Load().Snapshot()
	require.NoError(t, err)

	var requests float64
	for _, m := range snapshot {
		if m.Name == "sai_datasync_cache_requests_total" && m.Labels["service"] == "tasks" {
			requests = m.Value
		}
	}
	assert.Equal(t, float64(1), requests)
	assert.Equal(t, map[string]int{"prefetch": 0, "batch": 0}, s.QueueSizes())
}

func TestContainer_Registry(t *testing.T) {
	c, err := Build(testConfig())
	require.NoError(t, err)

	newTasksService(t, c, &recordingExecutor{})

	_, err = NewService[string, task](c, "tasks", ServiceOptions[string, task]{})
	assert.ErrorIs(t, err, types.ErrServiceExists)

	_, err = c.Service("missing")
	assert.ErrorIs(t, err, types.ErrServiceNotFound)

	component, err := c.Service("tasks")
	require.NoError(t, err)
	assert.Equal(t, "tasks", component.Name())

	_, err = NewService[string, task](c, "", ServiceOptions[string, task]{})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestContainer_Lifecycle(t *testing.T) {
	c, s, _ := startContainer(t)

	assert.ErrorIs(t, c.Start(context.Background()), types.ErrAlreadyRunning)

	require.NoError(t, c.Stop())
	assert.False(t, c.IsRunning())
	assert.False(t, s.IsRunning())
	assert.False(t, c.GetCron().IsRunning())
	assert.ErrorIs(t, c.Stop(), types.ErrNotRunning)

	_, err := c.GetStore().Get(context.Background(), "tasks", "1")
	assert.ErrorIs(t, err, types.ErrStoreNotInitialized)
}

func TestBuild_NilConfig(t *testing.T) {
	_, err := Build(nil)
	assert.ErrorIs(t, err, types.ErrConfigIsNil)
}
