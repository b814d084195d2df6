package prefetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-datasync/cache"
	"github.com/saiset-co/sai-datasync/logger"
	"github.com/saiset-co/sai-datasync/network"
	"github.com/saiset-co/sai-datasync/types"
)

func newTestScheduler(t *testing.T, retryDelay time.Duration) (*Scheduler[string], *cache.Optimizer[string], *network.Monitor) {
	t.Helper()

	o := cache.NewOptimizer[string]("prefetch", types.CacheSettings{}, logger.NewNop())
	monitor := network.NewMonitor(nil, logger.NewNop())
	s := NewScheduler[string](o, monitor, types.PrefetchConfig{RetryDelay: retryDelay}, logger.NewNop())

	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s, o, monitor
}

func constant(value string) cache.FetchFunc[string] {
	return func(ctx context.Context) (string, error) { return value, nil }
}

func TestScheduler_DrainsIntoCache(t *testing.T) {
	s, o, _ := newTestScheduler(t, time.Second)

	require.NoError(t, s.AddToPrefetchQueue("tasks:today", constant("today"), Options{Priority: PriorityHigh}))

	require.Eventually(t, func() bool {
		entry, ok := o.Peek("tasks:today")
		return ok && entry.Value == "today" && s.QueueSize() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_PriorityOrder(t *testing.T) {
	s, _, monitor := newTestScheduler(t, time.Second)
	monitor.SetOnline(false)

	var mu sync.Mutex
	var order []string
	record := func(name string) cache.FetchFunc[string] {
		return func(ctx context.Context) (string, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}

	require.NoError(t, s.AddToPrefetchQueue("low", record("low"), Options{Priority: PriorityLow}))
	require.NoError(t, s.AddToPrefetchQueue("high", record("high"), Options{Priority: PriorityHigh}))
	require.NoError(t, s.AddToPrefetchQueue("medium", record("medium"), Options{}))

	tasks := s.Tasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, PriorityHigh, tasks[0].Priority)
	assert.Equal(t, PriorityMedium, tasks[1].Priority)
	assert.Equal(t, PriorityLow, tasks[2].Priority)

	monitor.SetOnline(true)

	require.Eventually(t, func() bool { return s.QueueSize() == 0 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "medium", "low"}, order)
}

func TestScheduler_OfflineHaltsDrain(t *testing.T) {
	s, _, monitor := newTestScheduler(t, 20*time.Millisecond)
	monitor.SetOnline(false)

	var calls int32
	require.NoError(t, s.AddToPrefetchQueue("tasks:1", func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	}, Options{Priority: PriorityHigh}))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Equal(t, 1, s.QueueSize())

	monitor.SetOnline(true)
	require.Eventually(t, func() bool { return s.QueueSize() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestScheduler_FailureKeepsTaskAndRetries(t *testing.T) {
	s, o, _ := newTestScheduler(t, 20*time.Millisecond)

	var calls int32
	require.NoError(t, s.AddToPrefetchQueue("tasks:flaky", func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", errors.New("timeout")
		}
		return "finally", nil
	}, Options{Priority: PriorityLow}))

	require.Eventually(t, func() bool {
		entry, ok := o.Peek("tasks:flaky")
		return ok && entry.Value == "finally" && s.QueueSize() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestScheduler_ConditionGatesTask(t *testing.T) {
	s, o, _ := newTestScheduler(t, 10*time.Millisecond)

	var ready atomic.Bool
	require.NoError(t, s.AddToPrefetchQueue("tasks:gated", constant("gated"), Options{
		Priority:  PriorityHigh,
		Condition: ready.Load,
	}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, s.QueueSize())
	_, ok := o.Peek("tasks:gated")
	assert.False(t, ok)

	ready.Store(true)
	require.Eventually(t, func() bool { return s.QueueSize() == 0 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_ConditionMayInspectQueue(t *testing.T) {
	s, o, _ := newTestScheduler(t, 10*time.Millisecond)

	var seen atomic.Int32
	require.NoError(t, s.AddToPrefetchQueue("tasks:busy", constant("busy"), Options{
		Priority: PriorityHigh,
		Condition: func() bool {
			seen.Store(int32(s.QueueSize() + len(s.Tasks())))
			return true
		},
	}))

	require.Eventually(t, func() bool {
		entry, ok := o.Peek("tasks:busy")
		return ok && entry.Value == "busy" && s.QueueSize() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), seen.Load())
}

func TestScheduler_ExpiredTaskIsDropped(t *testing.T) {
	s, _, monitor := newTestScheduler(t, time.Second)
	monitor.SetOnline(false)

	var calls int32
	require.NoError(t, s.AddToPrefetchQueue("tasks:old", func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	}, Options{ExpireAt: time.Now().Add(-time.Second)}))

	monitor.SetOnline(true)
	require.Eventually(t, func() bool { return s.QueueSize() == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestScheduler_ReplaceKeepsLatestTask(t *testing.T) {
	s, o, monitor := newTestScheduler(t, time.Second)
	monitor.SetOnline(false)

	require.NoError(t, s.AddToPrefetchQueue("tasks:1", constant("first"), Options{Priority: PriorityLow}))
	require.NoError(t, s.AddToPrefetchQueue("tasks:1", constant("second"), Options{Priority: PriorityHigh}))

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, PriorityHigh, tasks[0].Priority)

	monitor.SetOnline(true)
	require.Eventually(t, func() bool {
		entry, ok := o.Peek("tasks:1")
		return ok && entry.Value == "second"
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_Validation(t *testing.T) {
	s, _, _ := newTestScheduler(t, time.Second)

	assert.ErrorIs(t, s.AddToPrefetchQueue("", constant("v"), Options{}), types.ErrCacheKeyEmpty)
	assert.ErrorIs(t, s.AddToPrefetchQueue("k", nil, Options{}), types.ErrCacheFetchIsNil)
	assert.ErrorIs(t, s.AddToPrefetchQueue("k", constant("v"), Options{Priority: "urgent"}), types.ErrInvalidParameter)
}

func TestScheduler_Lifecycle(t *testing.T) {
	o := cache.NewOptimizer[string]("prefetch", types.CacheSettings{}, logger.NewNop())
	monitor := network.NewMonitor(nil, logger.NewNop())
	s := NewScheduler[string](o, monitor, types.PrefetchConfig{}, logger.NewNop())

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), types.ErrAlreadyRunning)
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), types.ErrNotRunning)

	monitor.SetOnline(false)
	monitor.SetOnline(true)
	require.NoError(t, s.AddToPrefetchQueue("k", constant("v"), Options{}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, s.QueueSize(), "a stopped scheduler does not drain")
}
