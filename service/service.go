package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-datasync/cache"
	"github.com/saiset-co/sai-datasync/client"
	"github.com/saiset-co/sai-datasync/config"
	"github.com/saiset-co/sai-datasync/sai"
	"github.com/saiset-co/sai-datasync/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Service runs a container built from a YAML file until it is stopped or
// the process receives SIGINT, SIGTERM or SIGQUIT.
type Service struct {
	ctx          context.Context
	cancel       context.CancelFunc
	configPath   string
	done         chan struct{}
	wg           sync.WaitGroup
	state        atomic.Value
	startTimeout time.Duration
	container    *sai.Container
	clients      []*client.Client
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	configManager, err := config.NewManager(configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to load configuration")
	}

	container, err := sai.Build(configManager.GetConfig())
	if err != nil {
		return nil, types.WrapError(err, "failed to build container")
	}
	container.SetConfig(configManager)

	serviceCtx, cancel := context.WithCancel(ctx)

	s := &Service{
		ctx:          serviceCtx,
		cancel:       cancel,
		configPath:   configPath,
		container:    container,
		done:         make(chan struct{}),
		startTimeout: 60 * time.Second,
	}
	s.state.Store(StateStopped)

	if err := s.registerServices(configManager.GetConfig()); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register services")
	}

	return s, nil
}

func (s *Service) Container() *sai.Container {
	return s.container
}

// Start blocks until the service is stopped.
func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.container.GetLogger().Warn("Service is already running")
		return types.ErrAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				s.container.GetLogger().Error("Service run panic", zap.Stack(string(buf[:n])))
				s.setState(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	log := s.container.GetLogger()
	log.Info("Starting service", zap.String("config", s.configPath))

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.container.Start(ctx); err != nil {
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	log.Info("Service started successfully", zap.Strings("services", s.container.Services()))

	<-s.done

	if err := s.container.Stop(); err != nil {
		log.Error("Error during service shutdown", zap.Error(err))
	}
	for _, c := range s.clients {
		c.Close()
	}

	s.wg.Wait()
	s.setState(StateStopped)

	log.Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}

	s.container.GetLogger().Info("Stopping service...")
	s.cancel()
	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) {
	s.state.Store(newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

// registerServices builds one bundle per configured service. Services with
// a base URL get an HTTP executor and warm their keys from the remote API.
func (s *Service) registerServices(cfg *types.ServiceConfig) error {
	log := s.container.GetLogger()

	names := make([]string, 0, len(cfg.Services))
	for name := range cfg.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		settings := cfg.Services[name]
		opts := sai.ServiceOptions[interface{}, types.Record]{
			Settings: settings,
			KeyOf:    RecordID,
		}

		if settings.BaseURL != "" {
			c, err := client.NewClient(name, settings, log)
			if err != nil {
				return err
			}
			executor, err := client.NewHTTPExecutor[types.Record](c, settings.Resource)
			if err != nil {
				return err
			}

			separator := settings.Cache.Separator
			opts.Executor = executor
			opts.WarmingFetch = func(ctx context.Context, key string) (interface{}, error) {
				return client.Get[interface{}](ctx, c, KeyPath(key, separator))
			}
			s.clients = append(s.clients, c)
		}

		if _, err := sai.NewService[interface{}, types.Record](s.container, name, opts); err != nil {
			return types.WrapError(err, "service "+name)
		}

		log.Debug("Service registered",
			zap.String("service", name),
			zap.String("base_url", settings.BaseURL),
			zap.Bool("batching", opts.Executor != nil))
	}

	return nil
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			s.container.GetLogger().Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}

		case <-s.ctx.Done():
			s.container.GetLogger().Info("Service context cancelled")
		}

		signal.Stop(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.container.GetLogger().Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.container.GetLogger().Warn("Service shutdown: context deadline exceeded")
	default:
		s.container.GetLogger().Info("Service shutdown: context done")
	}
}

// KeyPath maps a cache key to a remote path: "tasks:today" becomes
// "/tasks/today".
func KeyPath(key, separator string) string {
	if separator == "" {
		separator = cache.DefaultSeparator
	}
	return "/" + strings.ReplaceAll(key, separator, "/")
}

// RecordID reads the "id" field of a remote record.
func RecordID(record types.Record) string {
	switch id := record["id"].(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return fmt.Sprint(id)
	}
}
