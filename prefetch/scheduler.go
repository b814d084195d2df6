package prefetch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-datasync/cache"
	"github.com/saiset-co/sai-datasync/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

const DefaultRetryDelay = time.Second

var drainOrder = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

type Options struct {
	Priority  Priority
	Condition func() bool
	ExpireAt  time.Time
}

type Task[V any] struct {
	Key       string
	Fetch     cache.FetchFunc[V]
	Priority  Priority
	Condition func() bool
	ExpireAt  time.Time
	AddedAt   time.Time
}

// Scheduler warms a keyed cache opportunistically. Failed tasks stay queued
// for the next drain; nothing runs while the monitor reports offline.
type Scheduler[V any] struct {
	ctx        context.Context
	cancel     context.CancelFunc
	cache      cache.KeyedCache[V]
	monitor    types.ConnectivityMonitor
	logger     types.Logger
	retryDelay time.Duration
	now        func() time.Time

	tasks      map[string]*Task[V]
	draining   bool
	dirty      bool
	retryTimer *time.Timer
	closed     bool
	mu         sync.Mutex

	background  sync.WaitGroup
	unsubscribe func()
	state       atomic.Value
}

func NewScheduler[V any](kc cache.KeyedCache[V], monitor types.ConnectivityMonitor, config types.PrefetchConfig, logger types.Logger) *Scheduler[V] {
	retryDelay := config.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler[V]{
		ctx:        ctx,
		cancel:     cancel,
		cache:      kc,
		monitor:    monitor,
		logger:     logger,
		retryDelay: retryDelay,
		now:        time.Now,
		tasks:      make(map[string]*Task[V]),
	}

	s.state.Store(StateStopped)

	return s
}

// AddToPrefetchQueue inserts or replaces the task for key and starts a
// drain unless one is already running.
func (s *Scheduler[V]) AddToPrefetchQueue(key string, fetch cache.FetchFunc[V], opts Options) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}
	if fetch == nil {
		return types.ErrCacheFetchIsNil
	}

	priority := opts.Priority
	switch priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
	case "":
		priority = PriorityMedium
	default:
		return types.Errorf(types.ErrInvalidParameter, "unknown prefetch priority %q", priority)
	}

	s.mu.Lock()
	s.tasks[key] = &Task[V]{
		Key:       key,
		Fetch:     fetch,
		Priority:  priority,
		Condition: opts.Condition,
		ExpireAt:  opts.ExpireAt,
		AddedAt:   s.now(),
	}
	s.mu.Unlock()

	s.kick()
	return nil
}

func (s *Scheduler[V]) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Tasks returns the queued tasks ordered by priority, then by insertion time.
func (s *Scheduler[V]) Tasks() []Task[V] {
	s.mu.Lock()
	tasks := make([]Task[V], 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, *t)
	}
	s.mu.Unlock()

	rank := map[Priority]int{PriorityHigh: 0, PriorityMedium: 1, PriorityLow: 2}
	sort.Slice(tasks, func(i, j int) bool {
		if rank[tasks[i].Priority] != rank[tasks[j].Priority] {
			return rank[tasks[i].Priority] < rank[tasks[j].Priority]
		}
		if !tasks[i].AddedAt.Equal(tasks[j].AddedAt) {
			return tasks[i].AddedAt.Before(tasks[j].AddedAt)
		}
		return tasks[i].Key < tasks[j].Key
	})
	return tasks
}

// Drain runs the queue, high priority first, and returns how many tasks
// are left. When a drain is already running it is asked to go round once
// more and Drain returns -1.
func (s *Scheduler[V]) Drain(ctx context.Context) int {
	s.mu.Lock()
	if s.draining {
		s.dirty = true
		s.mu.Unlock()
		return -1
	}
	s.draining = true
	s.mu.Unlock()

	for {
		s.drainOnce(ctx)

		s.mu.Lock()
		if !s.dirty || ctx.Err() != nil {
			s.draining = false
			s.mu.Unlock()
			break
		}
		s.dirty = false
		s.mu.Unlock()
	}

	remaining := s.QueueSize()
	if remaining > 0 && s.monitor.IsOnline() {
		s.scheduleRetry()
	}
	return remaining
}

func (s *Scheduler[V]) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrAlreadyRunning
	}

	s.mu.Lock()
	if s.closed {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.closed = false
	}
	s.mu.Unlock()

	s.unsubscribe = s.monitor.Subscribe(s.onConnectivityChange)
	s.setState(StateRunning)

	s.kick()

	s.logger.Info("Prefetch scheduler started", zap.Duration("retry_delay", s.retryDelay))
	return nil
}

func (s *Scheduler[V]) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}

	defer s.setState(StateStopped)

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}

	s.mu.Lock()
	s.closed = true
	s.cancel()
	if s.retryTimer != nil {
		if s.retryTimer.Stop() {
			s.background.Done()
		}
		s.retryTimer = nil
	}
	s.mu.Unlock()

	s.background.Wait()

	s.logger.Info("Prefetch scheduler stopped", zap.Int("queued", s.QueueSize()))
	return nil
}

func (s *Scheduler[V]) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Scheduler[V]) getState() State {
	return s.state.Load().(State)
}

func (s *Scheduler[V]) setState(newState State) {
	s.state.Store(newState)
}

func (s *Scheduler[V]) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Scheduler[V]) onConnectivityChange(online bool) {
	if !online {
		s.logger.Info("Prefetch paused, network offline", zap.Int("queued", s.QueueSize()))
		return
	}
	s.kick()
}

// kick starts a background drain.
func (s *Scheduler[V]) kick() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.draining {
		s.dirty = true
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.background.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.background.Done()
		s.Drain(ctx)
	}()
}

func (s *Scheduler[V]) scheduleRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.retryTimer != nil {
		return
	}

	s.background.Add(1)
	s.retryTimer = time.AfterFunc(s.retryDelay, func() {
		defer s.background.Done()

		s.mu.Lock()
		s.retryTimer = nil
		s.mu.Unlock()

		s.kick()
	})
}

func (s *Scheduler[V]) drainOnce(ctx context.Context) {
	for _, priority := range drainOrder {
		if ctx.Err() != nil {
			return
		}
		if !s.monitor.IsOnline() {
			s.logger.Debug("Prefetch drain halted, network offline", zap.String("bucket", string(priority)))
			return
		}

		eligible := s.eligible(priority)
		if len(eligible) == 0 {
			continue
		}

		var g errgroup.Group
		for _, task := range eligible {
			task := task
			g.Go(func() error {
				s.run(ctx, task)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// eligible collects the bucket's runnable tasks and drops expired ones.
// Conditions run without the scheduler lock held.
func (s *Scheduler[V]) eligible(priority Priority) []*Task[V] {
	now := s.now()

	s.mu.Lock()
	candidates := make([]*Task[V], 0)
	for key, task := range s.tasks {
		if task.Priority != priority {
			continue
		}
		if !task.ExpireAt.IsZero() && !now.Before(task.ExpireAt) {
			delete(s.tasks, key)
			s.logger.Debug("Prefetch task expired", zap.String("key", key))
			continue
		}
		candidates = append(candidates, task)
	}
	s.mu.Unlock()

	tasks := candidates[:0]
	for _, task := range candidates {
		if task.Condition != nil && !task.Condition() {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks
}

func (s *Scheduler[V]) run(ctx context.Context, task *Task[V]) {
	_, err := s.cache.WithOptimization(ctx, task.Key, task.Fetch, cache.Options{})
	if err != nil {
		s.logger.Debug("Prefetch failed, task kept",
			zap.String("key", task.Key),
			zap.String("priority", string(task.Priority)),
			zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.tasks[task.Key] == task {
		delete(s.tasks, task.Key)
	}
	s.mu.Unlock()
}
