package cache

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-datasync/types"
)

const (
	memoryCheckJob        = "memory-check"
	memoryEvictFraction   = 0.2
	warmingJobPrefix      = "warming:"
	defaultWarmingTimeout = 30 * time.Second
)

// WarmingConfig schedules forced refreshes of a service's hot keys.
type WarmingConfig[V any] struct {
	types.WarmingConfig
	Fetch func(ctx context.Context, key string) (V, error)
}

// InvalidationPattern removes matching keys when InvalidateCache is called
// with data satisfying Condition. A nil Condition always matches.
type InvalidationPattern[V any] struct {
	Pattern           *regexp.Regexp
	Condition         func(data interface{}) bool
	OnInvalidate      func(key string)
	RetryOnInvalidate bool
	Refetch           func(ctx context.Context, key string) (V, error)
}

type RetryEntry struct {
	Service     string
	Pattern     string
	Attempts    int
	LastAttempt time.Time
	timer       *time.Timer
}

type warmingService[V any] struct {
	config WarmingConfig[V]
	active int32
}

// Manager applies warming, memory and invalidation policy to one keyed cache.
type Manager[V any] struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cache    KeyedCache[V]
	cron     types.CronManager
	logger   types.Logger
	now      func() time.Time
	warming  map[string]*warmingService[V]
	retries  map[string]*RetryEntry
	memory   *types.MemoryConfig
	patterns []InvalidationPattern[V]
	mu       sync.RWMutex

	memoryJob string

	background sync.WaitGroup
	closed     bool

	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewManager[V any](cache KeyedCache[V], cron types.CronManager, logger types.Logger) *Manager[V] {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager[V]{
		ctx:             ctx,
		cancel:          cancel,
		cache:           cache,
		cron:            cron,
		logger:          logger,
		now:             time.Now,
		warming:         make(map[string]*warmingService[V]),
		retries:         make(map[string]*RetryEntry),
		memoryJob:       memoryCheckJob,
		shutdownTimeout: 10 * time.Second,
	}

	// several managers may share one cron scheduler
	if named, ok := cache.(interface{ Name() string }); ok && named.Name() != "" {
		m.memoryJob = memoryCheckJob + ":" + named.Name()
	}

	m.state.Store(StateStopped)

	return m
}

// SetWarmingConfig registers or replaces the warming schedule of service.
func (m *Manager[V]) SetWarmingConfig(service string, config WarmingConfig[V]) error {
	if service == "" {
		return types.Errorf(types.ErrInvalidParameter, "service name is empty")
	}
	if len(config.Patterns) == 0 || config.Interval <= 0 {
		return types.ErrWarmingConfigEmpty
	}
	if config.Fetch == nil {
		return types.ErrWarmingFetchIsNil
	}

	m.mu.Lock()
	if existing, ok := m.warming[service]; ok {
		existing.config = config
	} else {
		m.warming[service] = &warmingService[V]{config: config}
	}
	m.clearRetriesUnsafe(service)
	m.mu.Unlock()

	if err := m.cron.Replace(warmingJobPrefix+service, config.Interval, func() {
		m.RunWarmingCycle(m.lifecycleContext(), service)
	}); err != nil {
		return types.WrapError(err, "failed to schedule warming")
	}

	m.logger.Info("Warming configured",
		zap.String("service", service),
		zap.Strings("patterns", config.Patterns),
		zap.Duration("interval", config.Interval),
		zap.Int("priority", config.Priority))
	return nil
}

// RunWarmingCycle force-refreshes every pattern of service once. Failed
// patterns are queued for retry.
func (m *Manager[V]) RunWarmingCycle(ctx context.Context, service string) {
	m.mu.RLock()
	ws, ok := m.warming[service]
	var config WarmingConfig[V]
	if ok {
		config = ws.config
	}
	m.mu.RUnlock()

	if !ok {
		return
	}

	atomic.AddInt32(&ws.active, 1)
	defer atomic.AddInt32(&ws.active, -1)

	warmed := 0
	for _, pattern := range config.Patterns {
		if ctx.Err() != nil {
			return
		}

		// a new cycle starts the retry budget over
		m.mu.Lock()
		m.removeRetryUnsafe(service, pattern)
		m.mu.Unlock()

		if err := m.warm(ctx, config, pattern); err != nil {
			m.logger.Warn("Warming failed",
				zap.String("service", service),
				zap.String("pattern", pattern),
				zap.Error(err))
			m.scheduleRetry(service, pattern, config)
			continue
		}

		warmed++
	}

	m.logger.Debug("Warming cycle completed",
		zap.String("service", service),
		zap.Int("warmed", warmed),
		zap.Int("patterns", len(config.Patterns)))
}

// WarmAll runs one warming cycle per service, highest priority first.
func (m *Manager[V]) WarmAll(ctx context.Context) {
	m.mu.RLock()
	type ranked struct {
		service  string
		priority int
	}
	services := make([]ranked, 0, len(m.warming))
	for name, ws := range m.warming {
		services = append(services, ranked{service: name, priority: ws.config.Priority})
	}
	m.mu.RUnlock()

	sort.Slice(services, func(i, j int) bool {
		if services[i].priority != services[j].priority {
			return services[i].priority > services[j].priority
		}
		return services[i].service < services[j].service
	})

	for _, s := range services {
		m.RunWarmingCycle(ctx, s.service)
	}
}

// SetMemoryConfig schedules the memory budget check.
func (m *Manager[V]) SetMemoryConfig(config types.MemoryConfig) error {
	if config.MaxMemoryUsageMB <= 0 || config.CheckInterval <= 0 {
		return types.ErrMemoryConfigEmpty
	}

	m.mu.Lock()
	m.memory = &config
	m.mu.Unlock()

	if err := m.cron.Replace(m.memoryJob, config.CheckInterval, func() {
		m.CheckMemory()
	}); err != nil {
		return types.WrapError(err, "failed to schedule memory check")
	}

	m.logger.Info("Memory budget configured",
		zap.Float64("max_memory_mb", config.MaxMemoryUsageMB),
		zap.Duration("check_interval", config.CheckInterval))
	return nil
}

// CheckMemory evicts the lowest scored fifth of all entries until usage
// fits the budget or the cache is empty. It returns the evicted keys.
func (m *Manager[V]) CheckMemory() []string {
	m.mu.RLock()
	config := m.memory
	m.mu.RUnlock()

	if config == nil {
		return nil
	}

	limit := config.MaxBytes()
	before := m.cache.MemoryUsage()

	var evicted []string
	for m.cache.MemoryUsage() > limit && m.cache.Len() > 0 {
		victims := m.cache.Evict(memoryEvictFraction)
		if len(victims) == 0 {
			break
		}
		evicted = append(evicted, victims...)
	}

	if len(evicted) > 0 {
		m.logger.Info("Memory budget exceeded, entries evicted",
			zap.Int64("usage_before", before),
			zap.Int64("usage_after", m.cache.MemoryUsage()),
			zap.Int64("limit", limit),
			zap.Int("evicted", len(evicted)))
	}

	return evicted
}

func (m *Manager[V]) AddInvalidationPattern(pattern InvalidationPattern[V]) error {
	if pattern.Pattern == nil {
		return types.ErrInvalidPatternNil
	}

	m.mu.Lock()
	m.patterns = append(m.patterns, pattern)
	m.mu.Unlock()
	return nil
}

// InvalidationPatterns returns the registered rules in evaluation order.
func (m *Manager[V]) InvalidationPatterns() []InvalidationPattern[V] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	patterns := make([]InvalidationPattern[V], len(m.patterns))
	copy(patterns, m.patterns)
	return patterns
}

// InvalidateCache evaluates every rule against key and data and reports
// whether any of them fired.
func (m *Manager[V]) InvalidateCache(ctx context.Context, key string, data interface{}) bool {
	fired := false

	for _, p := range m.InvalidationPatterns() {
		if !p.Pattern.MatchString(key) {
			continue
		}
		if p.Condition != nil && !p.Condition(data) {
			continue
		}

		fired = true
		m.cache.Delete(key)

		if p.OnInvalidate != nil {
			p.OnInvalidate(key)
		}

		if p.RetryOnInvalidate && p.Refetch != nil {
			m.refetch(key, p.Refetch)
		}

		m.logger.Debug("Cache entry invalidated",
			zap.String("key", key),
			zap.String("pattern", p.Pattern.String()))
	}

	return fired
}

func (m *Manager[V]) GetCacheStats() types.CacheStats {
	stats := types.CacheStats{
		ItemCount:   m.cache.Len(),
		MemoryUsage: m.cache.MemoryUsage(),
	}

	m.mu.RLock()
	stats.WarmingStatus = make(map[string]bool, len(m.warming))
	for name, ws := range m.warming {
		stats.WarmingStatus[name] = atomic.LoadInt32(&ws.active) > 0
	}
	stats.RetryQueueSize = len(m.retries)
	m.mu.RUnlock()

	return stats
}

// RetryQueue returns a snapshot of the pending warming retries.
func (m *Manager[V]) RetryQueue() []RetryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]RetryEntry, 0, len(m.retries))
	for _, r := range m.retries {
		entries = append(entries, RetryEntry{
			Service:     r.Service,
			Pattern:     r.Pattern,
			Attempts:    r.Attempts,
			LastAttempt: r.LastAttempt,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return retryKey(entries[i].Service, entries[i].Pattern) < retryKey(entries[j].Service, entries[j].Pattern)
	})
	return entries
}

func (m *Manager[V]) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrAlreadyRunning
	}

	m.mu.Lock()
	if m.closed {
		m.ctx, m.cancel = context.WithCancel(context.Background())
		m.closed = false
	}
	m.mu.Unlock()

	m.setState(StateRunning)
	m.logger.Info("Cache manager started")
	return nil
}

func (m *Manager[V]) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}

	defer m.setState(StateStopped)

	m.mu.Lock()
	m.closed = true
	m.cancel()

	jobs := make([]string, 0, len(m.warming)+1)
	for name := range m.warming {
		jobs = append(jobs, warmingJobPrefix+name)
	}
	if m.memory != nil {
		jobs = append(jobs, m.memoryJob)
	}
	for key := range m.retries {
		m.stopRetryUnsafe(key)
	}
	m.mu.Unlock()

	for _, job := range jobs {
		if err := m.cron.Remove(job); err != nil && !types.IsError(err, types.ErrCronJobNotFound) {
			m.logger.Warn("Failed to remove cron job", zap.String("job_name", job), zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			m.background.Wait()
			close(done)
		}()

		select {
		case <-done:
			return nil
		case <-gCtx.Done():
			return gCtx.Err()
		}
	})

	if err := g.Wait(); err != nil {
		m.logger.Warn("Cache manager stop timeout, background work abandoned", zap.Error(err))
	} else {
		m.logger.Info("Cache manager stopped gracefully")
	}

	return nil
}

func (m *Manager[V]) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager[V]) getState() State {
	return m.state.Load().(State)
}

func (m *Manager[V]) setState(newState State) {
	m.state.Store(newState)
}

func (m *Manager[V]) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *Manager[V]) lifecycleContext() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ctx
}

func (m *Manager[V]) warm(ctx context.Context, config WarmingConfig[V], pattern string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultWarmingTimeout)
	defer cancel()

	_, err := m.cache.WithOptimization(ctx, pattern, func(ctx context.Context) (V, error) {
		return config.Fetch(ctx, pattern)
	}, Options{ForceRefresh: true})
	return err
}

func (m *Manager[V]) scheduleRetry(service, pattern string, config WarmingConfig[V]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	key := retryKey(service, pattern)
	entry, exists := m.retries[key]
	if !exists {
		entry = &RetryEntry{Service: service, Pattern: pattern}
		m.retries[key] = entry
	}

	if entry.Attempts >= config.RetryCount {
		m.stopRetryUnsafe(key)
		m.logger.Warn("Warming retries exhausted, dropped until next cycle",
			zap.String("service", service),
			zap.String("pattern", pattern),
			zap.Int("attempts", entry.Attempts))
		return
	}

	entry.Attempts++
	entry.LastAttempt = m.now()

	if entry.timer != nil && entry.timer.Stop() {
		m.background.Done()
	}

	m.background.Add(1)
	entry.timer = time.AfterFunc(config.RetryDelay, func() {
		defer m.background.Done()
		m.retry(service, pattern)
	})
}

func (m *Manager[V]) retry(service, pattern string) {
	m.mu.RLock()
	ws, ok := m.warming[service]
	var config WarmingConfig[V]
	if ok {
		config = ws.config
	}
	ctx := m.ctx
	closed := m.closed
	m.mu.RUnlock()

	if !ok || closed {
		return
	}

	if err := m.warm(ctx, config, pattern); err != nil {
		m.logger.Warn("Warming retry failed",
			zap.String("service", service),
			zap.String("pattern", pattern),
			zap.Error(err))
		m.scheduleRetry(service, pattern, config)
		return
	}

	m.mu.Lock()
	m.removeRetryUnsafe(service, pattern)
	m.mu.Unlock()

	m.logger.Debug("Warming retry succeeded",
		zap.String("service", service),
		zap.String("pattern", pattern))
}

func (m *Manager[V]) refetch(key string, refetch func(ctx context.Context, key string) (V, error)) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	ctx := m.ctx
	m.background.Add(1)
	m.mu.RUnlock()

	go func() {
		defer m.background.Done()

		_, err := m.cache.WithOptimization(ctx, key, func(ctx context.Context) (V, error) {
			return refetch(ctx, key)
		}, Options{ForceRefresh: true})
		if err != nil {
			m.logger.Warn("Refetch after invalidation failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

func (m *Manager[V]) removeRetryUnsafe(service, pattern string) {
	m.stopRetryUnsafe(retryKey(service, pattern))
}

// stopRetryUnsafe drops a queued retry; a timer stopped before firing
// releases its background slot here.
func (m *Manager[V]) stopRetryUnsafe(key string) {
	entry, exists := m.retries[key]
	if !exists {
		return
	}
	if entry.timer != nil && entry.timer.Stop() {
		m.background.Done()
	}
	delete(m.retries, key)
}

func (m *Manager[V]) clearRetriesUnsafe(service string) {
	for key, entry := range m.retries {
		if entry.Service == service {
			m.stopRetryUnsafe(key)
		}
	}
}

func retryKey(service, pattern string) string {
	return service + "|" + pattern
}
