package cache

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-datasync/types"
	"github.com/saiset-co/sai-datasync/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	DefaultSeparator     = ":"
	DefaultSweepInterval = time.Minute
	DefaultItemSize      = 1024

	sweepEvictFraction = 0.2
)

// Entry is a cached value plus the bookkeeping used for expiry and eviction.
type Entry[V any] struct {
	Value          V
	InsertedAt     time.Time
	LastAccessedAt time.Time
	AccessCount    uint64
	SizeBytes      int64
}

type FetchFunc[V any] func(ctx context.Context) (V, error)

type Options struct {
	ForceRefresh       bool
	InvalidatePatterns []string
}

// KeyedCache is the part of the Optimizer the Manager drives.
type KeyedCache[V any] interface {
	WithOptimization(ctx context.Context, key string, fetch FetchFunc[V], opts Options) (V, error)
	Delete(key string) bool
	Evict(fraction float64) []string
	MemoryUsage() int64
	Len() int
}

type Option func(*optimizerOptions)

type optimizerOptions struct {
	now   func() time.Time
	sizer func(value interface{}) int64
}

// WithClock replaces time.Now for expiry and recency calculations.
func WithClock(now func() time.Time) Option {
	return func(o *optimizerOptions) {
		o.now = now
	}
}

// WithSizer replaces the JSON length estimate used for memory accounting.
func WithSizer(sizer func(value interface{}) int64) Option {
	return func(o *optimizerOptions) {
		o.sizer = sizer
	}
}

type metricsState struct {
	requests     uint64
	hits         uint64
	misses       uint64
	errors       uint64
	evictions    uint64
	totalLatency time.Duration
}

// Optimizer is a keyed in-memory cache with per-prefix TTL, optional
// stale-while-revalidate refreshes and value-scored eviction.
type Optimizer[V any] struct {
	ctx         context.Context
	cancel      context.CancelFunc
	name        string
	settings    types.CacheSettings
	logger      types.Logger
	now         func() time.Time
	sizer       func(value interface{}) int64
	entries     map[string]*Entry[V]
	memoryUsage int64
	mu          sync.RWMutex

	metrics   metricsState
	metricsMu sync.Mutex

	group      singleflight.Group
	background sync.WaitGroup
	bgMu       sync.Mutex
	closed     bool

	state           atomic.Value
	stopSweep       chan struct{}
	sweepDone       chan struct{}
	shutdownTimeout time.Duration
}

func NewOptimizer[V any](name string, settings types.CacheSettings, logger types.Logger, opts ...Option) *Optimizer[V] {
	options := &optimizerOptions{now: time.Now}
	for _, opt := range opts {
		opt(options)
	}

	if settings.Separator == "" {
		settings.Separator = DefaultSeparator
	}
	if settings.SweepInterval <= 0 {
		settings.SweepInterval = DefaultSweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Optimizer[V]{
		ctx:             ctx,
		cancel:          cancel,
		name:            name,
		settings:        settings,
		logger:          logger,
		now:             options.now,
		sizer:           options.sizer,
		entries:         make(map[string]*Entry[V]),
		shutdownTimeout: 10 * time.Second,
	}

	if o.sizer == nil {
		o.sizer = func(value interface{}) int64 {
			return utils.EstimateSize(value, DefaultItemSize)
		}
	}

	o.state.Store(StateStopped)

	return o
}

func (o *Optimizer[V]) Name() string {
	return o.name
}

func (o *Optimizer[V]) Get(key string) (V, bool) {
	var zero V
	now := o.now()

	o.mu.Lock()
	entry, exists := o.entries[key]
	if exists && o.expiredUnsafe(key, entry, now) {
		o.removeUnsafe(key)
		exists = false
	}

	if !exists {
		o.mu.Unlock()
		o.count(func(m *metricsState) { m.misses++ })
		return zero, false
	}

	entry.AccessCount++
	entry.LastAccessedAt = now
	value := entry.Value
	o.mu.Unlock()

	o.count(func(m *metricsState) { m.hits++ })
	return value, true
}

// Peek returns a copy of the entry without touching access bookkeeping or metrics.
func (o *Optimizer[V]) Peek(key string) (Entry[V], bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	entry, exists := o.entries[key]
	if !exists || o.expiredUnsafe(key, entry, o.now()) {
		return Entry[V]{}, false
	}
	return *entry, true
}

func (o *Optimizer[V]) Put(key string, value V) {
	if key == "" {
		o.logger.Warn("Attempted to put cache entry with empty key", zap.String("cache", o.name))
		return
	}

	size := o.sizer(value)
	now := o.now()

	o.mu.Lock()
	defer o.mu.Unlock()

	if old, exists := o.entries[key]; exists {
		o.memoryUsage -= old.SizeBytes
	}

	o.entries[key] = &Entry[V]{
		Value:          value,
		InsertedAt:     now,
		LastAccessedAt: now,
		SizeBytes:      size,
	}
	o.memoryUsage += size
}

func (o *Optimizer[V]) Delete(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.entries[key]; !exists {
		return false
	}
	o.removeUnsafe(key)
	return true
}

// Invalidate removes every key containing pattern and returns how many were removed.
func (o *Optimizer[V]) Invalidate(pattern string) int {
	if pattern == "" {
		return 0
	}
	return o.removeWhere(func(key string) bool {
		return strings.Contains(key, pattern)
	})
}

func (o *Optimizer[V]) InvalidateRegex(re *regexp.Regexp) int {
	if re == nil {
		return 0
	}
	return o.removeWhere(re.MatchString)
}

func (o *Optimizer[V]) WithOptimization(ctx context.Context, key string, fetch FetchFunc[V], opts Options) (V, error) {
	start := time.Now()
	defer o.recordLatency(start)

	var zero V

	if key == "" {
		o.count(func(m *metricsState) { m.errors++ })
		return zero, types.ErrCacheKeyEmpty
	}
	if fetch == nil {
		o.count(func(m *metricsState) { m.errors++ })
		return zero, types.ErrCacheFetchIsNil
	}

	if !opts.ForceRefresh {
		if value, ok := o.Get(key); ok {
			if o.Policy(key).StaleWhileRevalidate {
				o.revalidate(key, fetch)
			}
			return value, nil
		}
	}

	value, err := o.load(ctx, key, fetch)
	if err != nil {
		o.count(func(m *metricsState) { m.errors++ })
		return zero, err
	}

	for _, pattern := range opts.InvalidatePatterns {
		if pattern == "" {
			continue
		}
		o.removeWhere(func(k string) bool {
			return k != key && strings.Contains(k, pattern)
		})
	}

	return value, nil
}

// Sweep drops expired entries and trims every prefix that holds more than
// its MaxEntries.
func (o *Optimizer[V]) Sweep() (expired, evicted int) {
	now := o.now()

	o.mu.Lock()
	byPrefix := make(map[string][]string)
	for key, entry := range o.entries {
		if o.expiredUnsafe(key, entry, now) {
			o.removeUnsafe(key)
			expired++
			continue
		}
		prefix := o.prefixOf(key)
		byPrefix[prefix] = append(byPrefix[prefix], key)
	}

	for prefix, keys := range byPrefix {
		policy := o.policyForPrefix(prefix)
		if policy.MaxEntries <= 0 || len(keys) <= policy.MaxEntries {
			continue
		}

		count := ceilFraction(len(keys), sweepEvictFraction)
		if overflow := len(keys) - policy.MaxEntries; overflow > count {
			count = overflow
		}

		for _, key := range o.lowestScoredUnsafe(keys, count, now) {
			o.removeUnsafe(key)
			evicted++
		}
	}
	o.mu.Unlock()

	if evicted > 0 {
		o.count(func(m *metricsState) { m.evictions += uint64(evicted) })
	}

	if expired > 0 || evicted > 0 {
		o.logger.Debug("Cache sweep completed",
			zap.String("cache", o.name),
			zap.Int("expired", expired),
			zap.Int("evicted", evicted))
	}

	return expired, evicted
}

// Evict removes the lowest scored ceil(fraction*n) entries across all prefixes.
func (o *Optimizer[V]) Evict(fraction float64) []string {
	if fraction <= 0 {
		return nil
	}

	now := o.now()

	o.mu.Lock()
	keys := make([]string, 0, len(o.entries))
	for key := range o.entries {
		keys = append(keys, key)
	}

	victims := o.lowestScoredUnsafe(keys, ceilFraction(len(keys), fraction), now)
	for _, key := range victims {
		o.removeUnsafe(key)
	}
	o.mu.Unlock()

	if len(victims) > 0 {
		o.count(func(m *metricsState) { m.evictions += uint64(len(victims)) })
	}
	return victims
}

// Policy returns the policy of the key's prefix, or the default one.
func (o *Optimizer[V]) Policy(key string) types.CachePolicy {
	return o.policyForPrefix(o.prefixOf(key))
}

func (o *Optimizer[V]) GetMetrics() types.ServiceMetrics {
	o.metricsMu.Lock()
	m := o.metrics
	o.metricsMu.Unlock()

	result := types.ServiceMetrics{
		Requests:  m.requests,
		Hits:      m.hits,
		Misses:    m.misses,
		Errors:    m.errors,
		Evictions: m.evictions,
	}
	if m.requests > 0 {
		result.AvgLatency = m.totalLatency / time.Duration(m.requests)
	}

	o.mu.RLock()
	result.MemoryUsage = o.memoryUsage
	result.ItemCount = len(o.entries)
	o.mu.RUnlock()

	return result
}

func (o *Optimizer[V]) ResetMetrics() {
	o.metricsMu.Lock()
	o.metrics = metricsState{}
	o.metricsMu.Unlock()
}

func (o *Optimizer[V]) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}

func (o *Optimizer[V]) MemoryUsage() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.memoryUsage
}

func (o *Optimizer[V]) Keys() []string {
	o.mu.RLock()
	keys := make([]string, 0, len(o.entries))
	for key := range o.entries {
		keys = append(keys, key)
	}
	o.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

func (o *Optimizer[V]) Start() error {
	if !o.transitionState(StateStopped, StateStarting) {
		o.logger.Warn("Cache optimizer is already running", zap.String("cache", o.name))
		return types.ErrAlreadyRunning
	}

	o.bgMu.Lock()
	if o.closed {
		o.ctx, o.cancel = context.WithCancel(context.Background())
		o.closed = false
	}
	o.bgMu.Unlock()

	o.stopSweep = make(chan struct{})
	o.sweepDone = make(chan struct{})
	go o.sweepLoop(o.stopSweep, o.sweepDone)

	o.setState(StateRunning)

	o.logger.Info("Cache optimizer started",
		zap.String("cache", o.name),
		zap.Duration("sweep_interval", o.settings.SweepInterval))
	return nil
}

func (o *Optimizer[V]) Stop() error {
	if !o.transitionState(StateRunning, StateStopping) {
		o.logger.Warn("Cache optimizer is not running", zap.String("cache", o.name))
		return types.ErrNotRunning
	}

	defer o.setState(StateStopped)

	o.bgMu.Lock()
	o.closed = true
	o.cancel()
	o.bgMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), o.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		close(o.stopSweep)
		select {
		case <-o.sweepDone:
		case <-gCtx.Done():
			return gCtx.Err()
		}
		return nil
	})

	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			o.background.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-gCtx.Done():
			return gCtx.Err()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		o.logger.Warn("Cache optimizer stop timeout, background refreshes abandoned",
			zap.String("cache", o.name), zap.Error(err))
	} else {
		o.logger.Info("Cache optimizer stopped gracefully", zap.String("cache", o.name))
	}

	return nil
}

func (o *Optimizer[V]) IsRunning() bool {
	return o.getState() == StateRunning
}

func (o *Optimizer[V]) getState() State {
	return o.state.Load().(State)
}

func (o *Optimizer[V]) setState(newState State) {
	o.state.Store(newState)
}

func (o *Optimizer[V]) transitionState(from, to State) bool {
	return o.state.CompareAndSwap(from, to)
}

func (o *Optimizer[V]) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.settings.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.Sweep()
		}
	}
}

// load runs fetch once per key across concurrent callers and stores the
// result. The shared fetch does not inherit the cancellation of whichever
// caller started it; each caller stops waiting when its own ctx is done.
func (o *Optimizer[V]) load(ctx context.Context, key string, fetch FetchFunc[V]) (V, error) {
	var zero V

	shared := context.WithoutCancel(ctx)
	ch := o.group.DoChan(key, func() (interface{}, error) {
		value, err := fetch(shared)
		if err != nil {
			return nil, err
		}
		o.Put(key, value)
		return value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		value, _ := res.Val.(V)
		return value, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// revalidate dispatches one detached refresh per stale-while-revalidate hit.
// Refreshes are not coalesced with each other or with foreground misses.
func (o *Optimizer[V]) revalidate(key string, fetch FetchFunc[V]) {
	o.bgMu.Lock()
	if o.closed {
		o.bgMu.Unlock()
		return
	}
	ctx := o.ctx
	o.background.Add(1)
	o.bgMu.Unlock()

	go func() {
		defer o.background.Done()

		value, err := fetch(ctx)
		if err != nil {
			o.logger.Warn("Background revalidation failed",
				zap.String("cache", o.name),
				zap.String("key", key),
				zap.Error(err))
			return
		}
		o.Put(key, value)
	}()
}

func (o *Optimizer[V]) removeWhere(match func(key string) bool) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for key := range o.entries {
		if match(key) {
			o.removeUnsafe(key)
			removed++
		}
	}
	return removed
}

func (o *Optimizer[V]) removeUnsafe(key string) {
	if entry, exists := o.entries[key]; exists {
		o.memoryUsage -= entry.SizeBytes
		delete(o.entries, key)
	}
}

func (o *Optimizer[V]) expiredUnsafe(key string, entry *Entry[V], now time.Time) bool {
	ttl := o.Policy(key).TTL
	if ttl <= 0 {
		return false
	}
	return !now.Before(entry.InsertedAt.Add(ttl))
}

// lowestScoredUnsafe orders keys by (accessCount+1)/(1+idle seconds)
// ascending, older access first on ties, and returns the first count.
func (o *Optimizer[V]) lowestScoredUnsafe(keys []string, count int, now time.Time) []string {
	if count <= 0 || len(keys) == 0 {
		return nil
	}
	if count > len(keys) {
		count = len(keys)
	}

	type scored struct {
		key        string
		score      float64
		lastAccess time.Time
	}

	candidates := make([]scored, 0, len(keys))
	for _, key := range keys {
		entry := o.entries[key]
		idle := now.Sub(entry.LastAccessedAt).Seconds()
		if idle < 0 {
			idle = 0
		}
		candidates = append(candidates, scored{
			key:        key,
			score:      float64(entry.AccessCount+1) / (1 + idle),
			lastAccess: entry.LastAccessedAt,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		if !candidates[i].lastAccess.Equal(candidates[j].lastAccess) {
			return candidates[i].lastAccess.Before(candidates[j].lastAccess)
		}
		return candidates[i].key < candidates[j].key
	})

	victims := make([]string, 0, count)
	for _, c := range candidates[:count] {
		victims = append(victims, c.key)
	}
	return victims
}

func (o *Optimizer[V]) prefixOf(key string) string {
	if i := strings.Index(key, o.settings.Separator); i >= 0 {
		return key[:i]
	}
	return key
}

func (o *Optimizer[V]) policyForPrefix(prefix string) types.CachePolicy {
	if policy, ok := o.settings.Prefixes[prefix]; ok {
		return policy
	}
	return o.settings.Default
}

func (o *Optimizer[V]) count(update func(m *metricsState)) {
	o.metricsMu.Lock()
	update(&o.metrics)
	o.metricsMu.Unlock()
}

func (o *Optimizer[V]) recordLatency(start time.Time) {
	elapsed := time.Since(start)
	o.count(func(m *metricsState) {
		m.requests++
		m.totalLatency += elapsed
	})
}

func ceilFraction(n int, fraction float64) int {
	if n <= 0 || fraction <= 0 {
		return 0
	}
	count := int(math.Ceil(float64(n) * fraction))
	if count > n {
		count = n
	}
	return count
}
