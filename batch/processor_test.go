package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-datasync/cache"
	"github.com/saiset-co/sai-datasync/database"
	"github.com/saiset-co/sai-datasync/logger"
	"github.com/saiset-co/sai-datasync/network"
	"github.com/saiset-co/sai-datasync/types"
)

type task struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

type executorCall struct {
	Type types.OperationType
	IDs  []string
	Data []task
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []executorCall
	fail  func(opType types.OperationType) error
}

func (f *fakeExecutor) record(call executorCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(call.Type); err != nil {
			return err
		}
	}
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeExecutor) CreateMany(ctx context.Context, items []task) ([]task, error) {
	created := make([]task, 0, len(items))
	for _, item := range items {
		item.ID = "srv-" + strings.ToLower(item.Title)
		created = append(created, item)
	}
	if err := f.record(executorCall{Type: types.OperationCreate, Data: items}); err != nil {
		return nil, err
	}
	return created, nil
}

func (f *fakeExecutor) UpdateMany(ctx context.Context, updates []types.Update[task]) ([]task, error) {
	call := executorCall{Type: types.OperationUpdate}
	updated := make([]task, 0, len(updates))
	for _, u := range updates {
		call.IDs = append(call.IDs, u.ID)
		call.Data = append(call.Data, u.Data)
		item := u.Data
		item.ID = u.ID
		updated = append(updated, item)
	}
	if err := f.record(call); err != nil {
		return nil, err
	}
	return updated, nil
}

func (f *fakeExecutor) DeleteMany(ctx context.Context, ids []string) error {
	return f.record(executorCall{Type: types.OperationDelete, IDs: ids})
}

func (f *fakeExecutor) Calls() []executorCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]executorCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeExecutor) setFail(fail func(opType types.OperationType) error) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

// failingStore fails the next n saves to the offline queue.
type failingStore struct {
	types.Store
	failures atomic.Int32
}

func (s *failingStore) Save(ctx context.Context, collection string, record types.Record) error {
	if collection == types.PendingOperationsCollection && s.failures.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return s.Store.Save(ctx, collection, record)
}

type fixture struct {
	processor *Processor[task]
	executor  *fakeExecutor
	store     types.Store
	monitor   *network.Monitor
	cache     *cache.Optimizer[string]
}

func newFixture(t *testing.T, mutate func(c *Config[task])) *fixture {
	t.Helper()

	store, err := database.NewStore(&types.StoreConfig{Type: "memory"}, database.DefaultSchema(1, "tasks"), logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))

	return newFixtureWithStore(t, store, mutate)
}

func newFixtureWithStore(t *testing.T, store types.Store, mutate func(c *Config[task])) *fixture {
	t.Helper()

	config := Config[task]{
		Service:       "tasks",
		BatchSize:     10,
		Interval:      time.Hour,
		MaxDelay:      time.Hour,
		MinItems:      10,
		Collection:    "tasks",
		CollectionKey: "tasks:list",
		CacheKeys:     func(id string) []string { return []string{"tasks:" + id} },
		KeyOf:         func(item task) string { return item.ID },
	}
	if mutate != nil {
		mutate(&config)
	}

	f := &fixture{
		executor: &fakeExecutor{},
		store:    store,
		monitor:  network.NewMonitor(nil, logger.NewNop()),
		cache:    cache.NewOptimizer[string]("tasks", types.CacheSettings{}, logger.NewNop()),
	}

	var err error
	f.processor, err = NewProcessor[task](config, f.executor, store, f.monitor, f.cache, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, f.processor.Start())
	t.Cleanup(func() { _ = f.processor.Stop() })

	return f
}

func update(id, title string) types.BatchOperation[task] {
	return types.BatchOperation[task]{Type: types.OperationUpdate, ID: id, Data: &task{Title: title}}
}

func create(title string) types.BatchOperation[task] {
	return types.BatchOperation[task]{Type: types.OperationCreate, Data: &task{Title: title}}
}

func remove(id string) types.BatchOperation[task] {
	return types.BatchOperation[task]{Type: types.OperationDelete, ID: id}
}

func TestProcessor_LastWriteWins(t *testing.T) {
	f := newFixture(t, func(c *Config[task]) { c.Interval = 20 * time.Millisecond })
	ctx := context.Background()

	require.NoError(t, f.processor.AddOperation(ctx, "task:1", update("1", "draft"), false))
	require.NoError(t, f.processor.AddOperation(ctx, "task:1", update("1", "second draft"), false))
	require.NoError(t, f.processor.AddOperation(ctx, "task:1", update("1", "final"), false))
	assert.Equal(t, 1, f.processor.QueueSize())

	require.Eventually(t, func() bool { return len(f.executor.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	call := f.executor.Calls()[0]
	assert.Equal(t, types.OperationUpdate, call.Type)
	assert.Equal(t, []string{"1"}, call.IDs)
	require.Len(t, call.Data, 1)
	assert.Equal(t, "final", call.Data[0].Title)
	assert.Zero(t, f.processor.QueueSize())
}

func TestProcessor_ImmediateFlush(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.processor.AddOperation(context.Background(), "task:1", update("1", "now"), true))

	calls := f.executor.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"1"}, calls[0].IDs)
}

func TestProcessor_MinItemsTriggersFlush(t *testing.T) {
	f := newFixture(t, func(c *Config[task]) { c.MinItems = 3 })
	ctx := context.Background()

	require.NoError(t, f.processor.AddOperation(ctx, "task:1", update("1", "a"), false))
	require.NoError(t, f.processor.AddOperation(ctx, "task:2", update("2", "b"), false))
	assert.Empty(t, f.executor.Calls())

	require.NoError(t, f.processor.AddOperation(ctx, "task:3", update("3", "c"), false))
	require.Len(t, f.executor.Calls(), 1)
	assert.Equal(t, []string{"1", "2", "3"}, f.executor.Calls()[0].IDs)
}

func TestProcessor_MaxDelayBoundsTimer(t *testing.T) {
	f := newFixture(t, func(c *Config[task]) {
		c.Interval = time.Hour
		c.MaxDelay = 30 * time.Millisecond
	})

	require.NoError(t, f.processor.AddOperation(context.Background(), "task:1", update("1", "late"), false))
	require.Eventually(t, func() bool { return len(f.executor.Calls()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestProcessor_PartitionsAndChunks(t *testing.T) {
	f := newFixture(t, func(c *Config[task]) { c.BatchSize = 2 })
	ctx := context.Background()
	base := time.Now()

	ops := []struct {
		key string
		op  types.BatchOperation[task]
	}{
		{"del:9", remove("9")},
		{"new:a", create("A")},
		{"upd:1", update("1", "one")},
		{"new:b", create("B")},
		{"new:c", create("C")},
	}
	for i, o := range ops {
		o.op.Timestamp = base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, f.processor.AddOperation(ctx, o.key, o.op, false))
	}
	require.NoError(t, f.processor.Flush(ctx))

	calls := f.executor.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, types.OperationCreate, calls[0].Type)
	assert.Equal(t, []task{{Title: "A"}, {Title: "B"}}, calls[0].Data)
	assert.Equal(t, types.OperationCreate, calls[1].Type)
	assert.Equal(t, []task{{Title: "C"}}, calls[1].Data)
	assert.Equal(t, types.OperationUpdate, calls[2].Type)
	assert.Equal(t, types.OperationDelete, calls[3].Type)
	assert.Equal(t, []string{"9"}, calls[3].IDs)
}

func TestProcessor_AcknowledgedWritesReachStoreAndCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.cache.Put("tasks:7", "stale task")
	f.cache.Put("tasks:list", "stale list")
	f.cache.Put("notes:list", "untouched")
	require.NoError(t, f.store.Save(ctx, "tasks", types.Record{"id": "9", "title": "doomed"}))

	require.NoError(t, f.processor.AddOperation(ctx, "task:7", update("7", "renamed"), false))
	require.NoError(t, f.processor.AddOperation(ctx, "task:9", remove("9"), false))
	require.NoError(t, f.processor.AddOperation(ctx, "task:new", create("Fresh"), false))
	require.NoError(t, f.processor.Flush(ctx))

	stored, err := f.store.Get(ctx, "tasks", "7")
	require.NoError(t, err)
	assert.Equal(t, "renamed", stored["title"])

	created, err := f.store.Get(ctx, "tasks", "srv-fresh")
	require.NoError(t, err)
	assert.Equal(t, "Fresh", created["title"])

	_, err = f.store.Get(ctx, "tasks", "9")
	assert.ErrorIs(t, err, types.ErrRecordNotFound)

	assert.Equal(t, []string{"notes:list"}, f.cache.Keys())
}

func TestProcessor_OfflineQueueAndReplay(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.monitor.SetOnline(false)

	require.NoError(t, f.processor.AddOperation(ctx, "task:x", create("X"), false))
	require.NoError(t, f.processor.AddOperation(ctx, "task:y", update("y", "Y renamed"), true))
	assert.Empty(t, f.executor.Calls())

	pending, err := f.processor.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, types.OperationCreate, pending[0].Type)
	assert.True(t, strings.HasPrefix(pending[0].EntityID, TempIDPrefix))
	assert.Equal(t, "task:x", pending[0].Key)
	assert.Equal(t, types.OperationUpdate, pending[1].Type)
	assert.Equal(t, "y", pending[1].EntityID)

	f.monitor.SetOnline(true)

	require.Eventually(t, func() bool {
		n, err := f.processor.PendingCount(ctx)
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)

	calls := f.executor.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, types.OperationCreate, calls[0].Type)
	assert.Equal(t, "X", calls[0].Data[0].Title)
	assert.Equal(t, types.OperationUpdate, calls[1].Type)
	assert.Equal(t, []string{"y"}, calls[1].IDs)
	assert.Equal(t, "Y renamed", calls[1].Data[0].Title)
}

func TestProcessor_NetworkErrorQueuesOffline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.executor.setFail(func(types.OperationType) error {
		return types.WrapError(types.ErrNetworkUnavailable, "dial tcp: connection refused")
	})

	require.NoError(t, f.processor.AddOperation(ctx, "task:1", update("1", "a"), true))

	n, err := f.processor.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.executor.setFail(nil)
	replayed, err := f.processor.SyncOfflineOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)
	require.Len(t, f.executor.Calls(), 1)
}

func TestProcessor_ReplayStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.monitor.SetOnline(false)
	base := time.Now()
	require.NoError(t, f.processor.AddOperation(ctx, "a", types.BatchOperation[task]{Type: types.OperationCreate, Data: &task{Title: "A"}, Timestamp: base}, false))
	require.NoError(t, f.processor.AddOperation(ctx, "b", types.BatchOperation[task]{Type: types.OperationUpdate, ID: "b", Data: &task{Title: "B"}, Timestamp: base.Add(time.Millisecond)}, false))
	require.NoError(t, f.processor.AddOperation(ctx, "c", types.BatchOperation[task]{Type: types.OperationDelete, ID: "c", Timestamp: base.Add(2 * time.Millisecond)}, false))
	require.NoError(t, f.processor.Flush(ctx))

	f.executor.setFail(func(opType types.OperationType) error {
		if opType == types.OperationUpdate {
			return types.ErrRemoteRejected
		}
		return nil
	})

	// replay by hand instead of from the connectivity listener
	require.NoError(t, f.processor.Stop())
	f.monitor.SetOnline(true)

	replayed, err := f.processor.SyncOfflineOperations(ctx)
	assert.ErrorIs(t, err, types.ErrRemoteRejected)
	assert.Equal(t, 1, replayed)

	pending, err := f.processor.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, types.OperationUpdate, pending[0].Type)
	assert.Equal(t, types.OperationDelete, pending[1].Type)

	f.executor.setFail(nil)
	replayed, err = f.processor.SyncOfflineOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, replayed)

	calls := f.executor.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, types.OperationCreate, calls[0].Type)
	assert.Equal(t, types.OperationUpdate, calls[1].Type)
	assert.Equal(t, types.OperationDelete, calls[2].Type)
}

func TestProcessor_RejectedBatchIsReturned(t *testing.T) {
	f := newFixture(t, nil)

	f.executor.setFail(func(types.OperationType) error { return types.ErrRemoteRejected })

	err := f.processor.AddOperation(context.Background(), "task:1", update("1", "a"), true)
	assert.ErrorIs(t, err, types.ErrRemoteRejected)

	n, err := f.processor.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "rejections are not retried offline")
}

func TestProcessor_PersistFailureIsReturned(t *testing.T) {
	f := newFixture(t, nil)
	f.monitor.SetOnline(false)
	require.NoError(t, f.store.Close())

	err := f.processor.AddOperation(context.Background(), "task:1", update("1", "a"), true)
	assert.ErrorIs(t, err, types.ErrOfflineQueueFailed)
}

func TestProcessor_SyncWhileOffline(t *testing.T) {
	f := newFixture(t, nil)
	f.monitor.SetOnline(false)

	_, err := f.processor.SyncOfflineOperations(context.Background())
	assert.ErrorIs(t, err, types.ErrNetworkUnavailable)
}

func TestProcessor_StopFlushesQueue(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.processor.AddOperation(context.Background(), "task:1", update("1", "bye"), false))
	require.NoError(t, f.processor.Stop())

	assert.Len(t, f.executor.Calls(), 1)
	assert.ErrorIs(t, f.processor.Stop(), types.ErrNotRunning)
}

func TestProcessor_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.processor.AddOperation(ctx, "", update("1", "a"), false), types.ErrOperationKeyEmpty)
	assert.ErrorIs(t, f.processor.AddOperation(ctx, "k", types.BatchOperation[task]{Type: "upsert"}, false), types.ErrOperationTypeUnknown)
	assert.ErrorIs(t, f.processor.AddOperation(ctx, "k", types.BatchOperation[task]{Type: types.OperationCreate}, false), types.ErrOperationDataMissing)
	assert.ErrorIs(t, f.processor.AddOperation(ctx, "k", types.BatchOperation[task]{Type: types.OperationDelete}, false), types.ErrOperationIDMissing)

	_, err := NewProcessor[task](Config[task]{Service: "tasks", Collection: "tasks"}, f.executor, f.store, f.monitor, nil, logger.NewNop())
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = NewProcessor[task](Config[task]{}, f.executor, f.store, f.monitor, nil, logger.NewNop())
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestProcessor_PersistFailureKeepsOtherOperations(t *testing.T) {
	base, err := database.NewStore(&types.StoreConfig{Type: "memory"}, database.DefaultSchema(1, "tasks"), logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, base.Initialize(context.Background()))

	store := &failingStore{Store: base}
	store.failures.Store(1)

	f := newFixtureWithStore(t, store, nil)
	ctx := context.Background()
	f.monitor.SetOnline(false)

	require.NoError(t, f.processor.AddOperation(ctx, "create-1", create("One"), false))
	require.NoError(t, f.processor.AddOperation(ctx, "update-1", update("1", "renamed"), false))

	err = f.processor.AddOperation(ctx, "delete-2", remove("2"), true)
	assert.ErrorIs(t, err, types.ErrOfflineQueueFailed)
	assert.Contains(t, err.Error(), "create-1")
	assert.Zero(t, f.processor.QueueSize())

	pending, err := f.processor.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	keys := []string{pending[0].Key, pending[1].Key}
	assert.ElementsMatch(t, []string{"update-1", "delete-2"}, keys)
}

func TestProcessor_RejectedReplayDoesNotBlockNewWrites(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.monitor.SetOnline(false)
	require.NoError(t, f.processor.AddOperation(ctx, "task:1", update("1", "stale"), true))

	f.executor.setFail(func(opType types.OperationType) error {
		if opType == types.OperationUpdate {
			return types.ErrRemoteRejected
		}
		return nil
	})
	f.monitor.SetOnline(true)

	require.NoError(t, f.processor.AddOperation(ctx, "task:new", create("Fresh"), true))

	calls := f.executor.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, types.OperationCreate, calls[0].Type)
	assert.Equal(t, "Fresh", calls[0].Data[0].Title)

	pending, err := f.processor.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "only the rejected update stays queued")
	assert.Equal(t, "task:1", pending[0].Key)
}

func TestProcessor_UnreachableReplayQueuesNewWritesBehind(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.monitor.SetOnline(false)
	require.NoError(t, f.processor.AddOperation(ctx, "task:1", update("1", "first"), true))

	f.executor.setFail(func(types.OperationType) error {
		return types.WrapError(types.ErrNetworkUnavailable, "connection reset")
	})
	f.monitor.SetOnline(true)

	require.NoError(t, f.processor.AddOperation(ctx, "task:2", update("2", "second"), true))
	assert.Empty(t, f.executor.Calls())

	pending, err := f.processor.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "task:1", pending[0].Key)
	assert.Equal(t, "task:2", pending[1].Key)
}
