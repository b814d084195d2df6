package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-datasync/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
)

type subscription struct {
	id       uint64
	listener func(online bool)
}

type Option func(*Monitor)

// WithClient replaces the fasthttp client used by the probe.
func WithClient(client *fasthttp.Client) Option {
	return func(m *Monitor) {
		m.client = client
	}
}

// Monitor holds the current connectivity state. It is online until told
// otherwise, either by SetOnline or by the optional HTTP probe.
type Monitor struct {
	config        *types.NetworkConfig
	logger        types.Logger
	client        *fasthttp.Client
	online        atomic.Bool
	subscriptions []subscription
	nextID        uint64
	mu            sync.Mutex

	state     atomic.Value
	stopProbe chan struct{}
	probeDone chan struct{}
}

func NewMonitor(config *types.NetworkConfig, logger types.Logger, opts ...Option) *Monitor {
	cfg := types.NetworkConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	m := &Monitor{
		config: &cfg,
		logger: logger,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.client == nil {
		m.client = &fasthttp.Client{
			ReadTimeout:  cfg.ProbeTimeout,
			WriteTimeout: cfg.ProbeTimeout,
		}
	}

	m.online.Store(true)
	m.state.Store(StateStopped)

	return m
}

func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// SetOnline records the connectivity state. Listeners are called in
// subscription order, only when the state actually changes.
func (m *Monitor) SetOnline(online bool) {
	if !m.online.CompareAndSwap(!online, online) {
		return
	}

	m.logger.Info("Connectivity changed", zap.Bool("online", online))

	m.mu.Lock()
	subs := make([]subscription, len(m.subscriptions))
	copy(subs, m.subscriptions)
	m.mu.Unlock()

	for _, s := range subs {
		s.listener(online)
	}
}

// Subscribe registers listener for transitions and returns a function that
// removes it. Listeners must not block.
func (m *Monitor) Subscribe(listener func(online bool)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subscriptions = append(m.subscriptions, subscription{id: id, listener: listener})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subscriptions {
				if s.id == id {
					m.subscriptions = append(m.subscriptions[:i], m.subscriptions[i+1:]...)
					return
				}
			}
		})
	}
}

// Probe issues one GET against the probe URL and updates the state:
// any 2xx answer means online.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.config.ProbeURL == "" {
		return m.IsOnline()
	}

	timeout := m.config.ProbeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return m.IsOnline()
		}
		if remaining < timeout {
			timeout = remaining
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(m.config.ProbeURL)
	req.Header.SetMethod(fasthttp.MethodGet)

	online := false
	if err := m.client.DoTimeout(req, resp, timeout); err != nil {
		m.logger.Debug("Connectivity probe failed", zap.String("url", m.config.ProbeURL), zap.Error(err))
	} else {
		status := resp.StatusCode()
		online = status >= 200 && status < 300
		if !online {
			m.logger.Debug("Connectivity probe rejected", zap.String("url", m.config.ProbeURL), zap.Int("status_code", status))
		}
	}

	m.SetOnline(online)
	return online
}

func (m *Monitor) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrAlreadyRunning
	}

	if m.config.ProbeURL != "" {
		m.stopProbe = make(chan struct{})
		m.probeDone = make(chan struct{})
		go m.probeLoop(m.stopProbe, m.probeDone)
	}

	m.setState(StateRunning)

	m.logger.Info("Connectivity monitor started",
		zap.String("probe_url", m.config.ProbeURL),
		zap.Duration("probe_interval", m.config.ProbeInterval))
	return nil
}

func (m *Monitor) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}

	defer m.setState(StateStopped)

	if m.stopProbe != nil {
		close(m.stopProbe)
		select {
		case <-m.probeDone:
		case <-time.After(m.config.ProbeTimeout + time.Second):
			m.logger.Warn("Connectivity probe stop timeout")
		}
		m.stopProbe = nil
	}

	m.logger.Info("Connectivity monitor stopped")
	return nil
}

func (m *Monitor) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Monitor) getState() State {
	return m.state.Load().(State)
}

func (m *Monitor) setState(newState State) {
	m.state.Store(newState)
}

func (m *Monitor) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *Monitor) probeLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx := context.Background()
	m.Probe(ctx)

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
