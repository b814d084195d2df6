package sai

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-datasync/config"
	"github.com/saiset-co/sai-datasync/cron"
	"github.com/saiset-co/sai-datasync/database"
	"github.com/saiset-co/sai-datasync/logger"
	"github.com/saiset-co/sai-datasync/metrics"
	"github.com/saiset-co/sai-datasync/network"
	"github.com/saiset-co/sai-datasync/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Component is a named service bundle owned by a Container.
type Component interface {
	types.LifecycleManager
	Name() string
}

// Container owns the shared infrastructure and the registered services.
// Every process builds its own; nothing here is global.
type Container struct {
	Config  atomic.Pointer[types.ConfigManager]
	Logger  atomic.Pointer[types.Logger]
	Store   atomic.Pointer[types.Store]
	Monitor atomic.Pointer[network.Monitor]
	Cron    atomic.Pointer[cron.Manager]
	Metrics atomic.Pointer[metrics.Exporter]

	services map[string]Component
	mu       sync.RWMutex

	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewContainer() *Container {
	c := &Container{
		services:        make(map[string]Component),
		shutdownTimeout: 30 * time.Second,
	}
	c.state.Store(StateStopped)
	return c
}

// Build wires logger, store, connectivity monitor, cron scheduler and
// metrics exporter from cfg. The store schema gets one entity collection
// per configured service.
func Build(cfg *types.ServiceConfig) (*Container, error) {
	if cfg == nil {
		return nil, types.ErrConfigIsNil
	}

	c := NewContainer()
	c.SetConfig(config.NewStaticManager(cfg))

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, types.WrapError(err, "failed to build logger")
	}
	c.SetLogger(log)

	names := make([]string, 0, len(cfg.Services))
	for name := range cfg.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	storeConfig := cfg.Store
	if storeConfig == nil {
		storeConfig = &types.StoreConfig{Type: "memory", SchemaVersion: 1}
	}
	version := storeConfig.SchemaVersion
	if version < 1 {
		version = 1
	}

	store, err := database.NewStore(storeConfig, database.DefaultSchema(version, names...), log)
	if err != nil {
		return nil, types.WrapError(err, "failed to build store")
	}
	c.SetStore(store)

	c.SetMonitor(network.NewMonitor(cfg.Network, log))
	c.SetCron(cron.NewManager(cfg.Cron, log))
	c.SetMetrics(metrics.NewExporter(cfg.Metrics, log))

	return c, nil
}

func (c *Container) SetConfig(config types.ConfigManager) {
	c.Config.Store(&config)
}

func (c *Container) SetLogger(logger types.Logger) {
	c.Logger.Store(&logger)
}

func (c *Container) SetStore(store types.Store) {
	c.Store.Store(&store)
}

func (c *Container) SetMonitor(monitor *network.Monitor) {
	c.Monitor.Store(monitor)
}

func (c *Container) SetCron(manager *cron.Manager) {
	c.Cron.Store(manager)
}

func (c *Container) SetMetrics(exporter *metrics.Exporter) {
	c.Metrics.Store(exporter)
}

func (c *Container) GetLogger() types.Logger {
	if ptr := c.Logger.Load(); ptr != nil {
		return *ptr
	}
	return logger.NewNop()
}

func (c *Container) GetStore() types.Store {
	if ptr := c.Store.Load(); ptr != nil {
		return *ptr
	}
	panic("Store not initialized")
}

func (c *Container) GetMonitor() *network.Monitor {
	if monitor := c.Monitor.Load(); monitor != nil {
		return monitor
	}
	panic("Monitor not initialized")
}

func (c *Container) GetCron() *cron.Manager {
	if manager := c.Cron.Load(); manager != nil {
		return manager
	}
	panic("CronManager not initialized")
}

// ServiceConfig returns the loaded configuration, or nil when none was set.
func (c *Container) ServiceConfig() *types.ServiceConfig {
	if ptr := c.Config.Load(); ptr != nil {
		return (*ptr).GetConfig()
	}
	return nil
}

func (c *Container) Register(component Component) error {
	if component == nil || component.Name() == "" {
		return types.Errorf(types.ErrInvalidParameter, "component needs a name")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.services[component.Name()]; exists {
		return types.Errorf(types.ErrServiceExists, "service: %s", component.Name())
	}
	c.services[component.Name()] = component
	return nil
}

func (c *Container) Service(name string) (Component, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	component, exists := c.services[name]
	if !exists {
		return nil, types.Errorf(types.ErrServiceNotFound, "service: %s", name)
	}
	return component, nil
}

// Services lists registered service names in order.
func (c *Container) Services() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start initializes the store, then starts the scheduler, the monitor, the
// exporter and every registered service.
func (c *Container) Start(ctx context.Context) error {
	if !c.transitionState(StateStopped, StateStarting) {
		return types.ErrAlreadyRunning
	}

	log := c.GetLogger()

	if err := c.GetStore().Initialize(ctx); err != nil {
		c.setState(StateStopped)
		return types.WrapError(err, "failed to initialize store")
	}

	infra := []struct {
		name    string
		manager types.LifecycleManager
	}{
		{"cron", c.GetCron()},
		{"monitor", c.GetMonitor()},
	}
	if exporter := c.Metrics.Load(); exporter != nil {
		infra = append(infra, struct {
			name    string
			manager types.LifecycleManager
		}{"metrics", exporter})
	}

	for _, component := range infra {
		if err := component.manager.Start(); err != nil {
			c.setState(StateRunning)
			_ = c.Stop()
			return types.WrapError(err, "failed to start "+component.name)
		}
	}

	for _, name := range c.Services() {
		component, _ := c.Service(name)
		if err := component.Start(); err != nil {
			c.setState(StateRunning)
			_ = c.Stop()
			return types.WrapError(err, "failed to start service "+name)
		}
	}

	c.setState(StateRunning)
	log.Info("Container started", zap.Strings("services", c.Services()))
	return nil
}

// Stop stops services concurrently, then the exporter, the monitor, the
// scheduler and finally closes the store.
func (c *Container) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}
	defer c.setState(StateStopped)

	log := c.GetLogger()

	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	for _, name := range c.Services() {
		name := name // per-iteration copy (Go 1.22 loopvar semantics)
		component, _ := c.Service(name)
		if !component.IsRunning() {
			continue
		}
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := component.Stop(); err != nil {
					log.Error("Failed to stop service", zap.String("service", name), zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	var errs []error
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	var infra []types.LifecycleManager
	if exporter := c.Metrics.Load(); exporter != nil {
		infra = append(infra, exporter)
	}
	if monitor := c.Monitor.Load(); monitor != nil {
		infra = append(infra, monitor)
	}
	if manager := c.Cron.Load(); manager != nil {
		infra = append(infra, manager)
	}

	for _, manager := range infra {
		if !manager.IsRunning() {
			continue
		}
		if err := manager.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if ptr := c.Store.Load(); ptr != nil {
		if err := (*ptr).Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		log.Error("Container stopped with errors", zap.Errors("errors", errs))
		return types.WrapError(errors.Join(errs...), "errors during shutdown")
	}

	log.Info("Container stopped")
	return nil
}

func (c *Container) IsRunning() bool {
	return c.getState() == StateRunning
}

func (c *Container) getState() State {
	return c.state.Load().(State)
}

func (c *Container) setState(newState State) {
	c.state.Store(newState)
}

func (c *Container) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}
