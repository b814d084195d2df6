package sai

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-datasync/batch"
	"github.com/saiset-co/sai-datasync/cache"
	"github.com/saiset-co/sai-datasync/prefetch"
	"github.com/saiset-co/sai-datasync/types"
)

// ServiceOptions carries what configuration cannot: the remote executor and
// the functions that know the entity shape.
type ServiceOptions[V any, T any] struct {
	Settings types.ServiceSettings

	// WarmingFetch loads one warming pattern. Warming is skipped without it.
	WarmingFetch func(ctx context.Context, key string) (V, error)

	// Executor enables the batch processor.
	Executor batch.Executor[T]
	KeyOf    func(item T) string

	// Collection defaults to the service name, CollectionKey to
	// "<name><separator>list".
	Collection    string
	CollectionKey string
	CacheKeys     func(id string) []string

	InvalidationPatterns []cache.InvalidationPattern[V]
}

// Service bundles the cache, cache manager, prefetcher and batch processor
// of one business service.
type Service[V any, T any] struct {
	name     string
	logger   types.Logger
	Cache    *cache.Optimizer[V]
	Manager  *cache.Manager[V]
	Prefetch *prefetch.Scheduler[V]
	Batch    *batch.Processor[T]

	state           atomic.Value
	shutdownTimeout time.Duration
}

// NewService builds the bundle for name from the container's infrastructure,
// registers it with the container and, when present, the metrics exporter.
func NewService[V any, T any](c *Container, name string, opts ServiceOptions[V, T]) (*Service[V, T], error) {
	if name == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "service name is empty")
	}
	if _, err := c.Service(name); err == nil {
		return nil, types.Errorf(types.ErrServiceExists, "service: %s", name)
	}

	log := c.GetLogger()
	settings := opts.Settings

	separator := settings.Cache.Separator
	if separator == "" {
		separator = cache.DefaultSeparator
	}

	s := &Service[V, T]{
		name:            name,
		logger:          log,
		shutdownTimeout: 15 * time.Second,
	}
	s.state.Store(StateStopped)

	s.Cache = cache.NewOptimizer[V](name, settings.Cache, log)
	s.Manager = cache.NewManager[V](s.Cache, c.GetCron(), log)
	s.Prefetch = prefetch.NewScheduler[V](s.Cache, c.GetMonitor(), settings.Prefetch, log)

	if cfg := c.ServiceConfig(); cfg != nil && cfg.Memory != nil && cfg.Memory.MaxMemoryUsageMB > 0 {
		if err := s.Manager.SetMemoryConfig(*cfg.Memory); err != nil {
			return nil, types.WrapError(err, "failed to configure memory budget")
		}
	}

	if settings.Warming != nil && opts.WarmingFetch != nil {
		if err := s.Manager.SetWarmingConfig(name, cache.WarmingConfig[V]{
			WarmingConfig: *settings.Warming,
			Fetch:         opts.WarmingFetch,
		}); err != nil {
			return nil, types.WrapError(err, "failed to configure warming")
		}
	}

	for _, pattern := range opts.InvalidationPatterns {
		if err := s.Manager.AddInvalidationPattern(pattern); err != nil {
			return nil, err
		}
	}

	if opts.Executor != nil {
		collection := opts.Collection
		if collection == "" {
			collection = name
		}
		collectionKey := opts.CollectionKey
		if collectionKey == "" {
			collectionKey = name + separator + "list"
		}
		cacheKeys := opts.CacheKeys
		if cacheKeys == nil {
			cacheKeys = func(id string) []string {
				return []string{name + separator + id}
			}
		}

		processor, err := batch.NewProcessor[T](batch.Config[T]{
			Service:       name,
			BatchSize:     settings.Batch.BatchSize,
			Interval:      settings.Batch.Interval,
			MaxDelay:      settings.Batch.MaxDelay,
			MinItems:      settings.Batch.MinItems,
			Collection:    collection,
			CollectionKey: collectionKey,
			CacheKeys:     cacheKeys,
			KeyOf:         opts.KeyOf,
		}, opts.Executor, c.GetStore(), c.GetMonitor(), s.Cache, log)
		if err != nil {
			return nil, types.WrapError(err, "failed to build batch processor")
		}
		s.Batch = processor
	}

	if err := c.Register(s); err != nil {
		return nil, err
	}

	if exporter := c.Metrics.Load(); exporter != nil {
		if err := exporter.Register(name, s); err != nil {
			log.Warn("Service metrics not exported", zap.String("service", name), zap.Error(err))
		}
	}

	return s, nil
}

func (s *Service[V, T]) Name() string {
	return s.name
}

func (s *Service[V, T]) Start() error {
	if !s.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrAlreadyRunning
	}

	started := make([]types.LifecycleManager, 0, 4)
	for _, component := range s.components() {
		if err := component.Start(); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Stop()
			}
			s.state.Store(StateStopped)
			return err
		}
		started = append(started, component)
	}

	s.state.Store(StateRunning)
	s.logger.Info("Service started", zap.String("service", s.name), zap.Bool("batching", s.Batch != nil))
	return nil
}

// Stop flushes the batch processor first and then stops the rest
// concurrently.
func (s *Service[V, T]) Stop() error {
	if !s.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}
	defer s.state.Store(StateStopped)

	if s.Batch != nil {
		if err := s.Batch.Stop(); err != nil {
			s.logger.Warn("Failed to stop batch processor", zap.String("service", s.name), zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	for _, component := range []types.LifecycleManager{s.Prefetch, s.Manager, s.Cache} {
		component := component // per-iteration copy (Go 1.22 loopvar semantics)
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				return component.Stop()
			}
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Error("Error during service shutdown", zap.String("service", s.name), zap.Error(err))
		return err
	}

	s.logger.Info("Service stopped", zap.String("service", s.name))
	return nil
}

func (s *Service[V, T]) IsRunning() bool {
	return s.state.Load().(State) == StateRunning
}

func (s *Service[V, T]) GetMetrics() types.ServiceMetrics {
	return s.Cache.GetMetrics()
}

func (s *Service[V, T]) GetCacheStats() types.CacheStats {
	return s.Manager.GetCacheStats()
}

func (s *Service[V, T]) QueueSizes() map[string]int {
	sizes := map[string]int{"prefetch": s.Prefetch.QueueSize()}
	if s.Batch != nil {
		sizes["batch"] = s.Batch.QueueSize()
	}
	return sizes
}

func (s *Service[V, T]) components() []types.LifecycleManager {
	components := []types.LifecycleManager{s.Cache, s.Manager, s.Prefetch}
	if s.Batch != nil {
		components = append(components, s.Batch)
	}
	return components
}
