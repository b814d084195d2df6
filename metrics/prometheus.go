package metrics

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

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
	DefaultNamespace = "sai_datasync"
	DefaultPath      = "/metrics"
)

// Exporter publishes per-service cache, warming and queue figures through a
// dedicated prometheus registry.
type Exporter struct {
	logger          types.Logger
	config          types.MetricsConfig
	registry        *prometheus.Registry
	collector       *serviceCollector
	server          *fasthttp.Server
	listener        net.Listener
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewExporter(config *types.MetricsConfig, logger types.Logger) *Exporter {
	cfg := types.MetricsConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: cfg.Namespace}))

	collector := newServiceCollector(cfg.Namespace, nil)
	registry.MustRegister(collector)

	e := &Exporter{
		logger:          logger,
		config:          cfg,
		registry:        registry,
		collector:       collector,
		shutdownTimeout: 5 * time.Second,
	}
	e.state.Store(StateStopped)

	logger.Debug("Prometheus exporter initialized",
		zap.String("namespace", cfg.Namespace),
		zap.String("path", cfg.Path))

	return e
}

// Register adds a service whose metrics are read on every scrape.
func (e *Exporter) Register(name string, source Source) error {
	if name == "" || source == nil {
		return types.Errorf(types.ErrInvalidParameter, "metrics source needs a name and a value")
	}
	return e.collector.register(name, source)
}

func (e *Exporter) Unregister(name string) bool {
	return e.collector.unregister(name)
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the prometheus text format.
func (e *Exporter) Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
}

// Snapshot flattens everything the registry gathers. Histograms and
// summaries report their sample sum.
func (e *Exporter) Snapshot() ([]types.MetricValue, error) {
	families, err := e.registry.Gather()
	if err != nil {
		e.logger.Error("Failed to gather prometheus metrics", zap.Error(err))
		return nil, err
	}

	now := time.Now()
	var metrics []types.MetricValue
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, label := range m.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}

			metrics = append(metrics, types.MetricValue{
				Name:      mf.GetName(),
				Type:      mf.GetType().String(),
				Value:     metricValue(m),
				Labels:    labels,
				Timestamp: now,
				Help:      mf.GetHelp(),
			})
		}
	}

	return metrics, nil
}

// Addr is the bound listen address while the endpoint is serving.
func (e *Exporter) Addr() string {
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// Start serves the metrics path on config.Listen when metrics are enabled.
func (e *Exporter) Start() error {
	if !e.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrAlreadyRunning
	}

	if !e.config.Enabled || e.config.Listen == "" {
		e.state.Store(StateRunning)
		return nil
	}

	ln, err := net.Listen("tcp", e.config.Listen)
	if err != nil {
		e.state.Store(StateStopped)
		return types.WrapError(err, "failed to listen for metrics")
	}

	handler := e.Handler()
	path := e.config.Path
	e.listener = ln
	e.server = &fasthttp.Server{
		Name: "sai-datasync-metrics",
		Handler: func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) != path {
				ctx.Error("not found", fasthttp.StatusNotFound)
				return
			}
			handler(ctx)
		},
	}

	server := e.server
	go func() {
		if err := server.Serve(ln); err != nil {
			e.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	e.state.Store(StateRunning)
	e.logger.Info("Metrics endpoint started", zap.String("addr", ln.Addr().String()), zap.String("path", path))
	return nil
}

func (e *Exporter) Stop() error {
	if !e.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}
	defer e.state.Store(StateStopped)

	if e.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.server.ShutdownWithContext(gCtx)
	})

	if err := g.Wait(); err != nil {
		e.logger.Warn("Metrics endpoint shutdown incomplete", zap.Error(err))
	} else {
		e.logger.Info("Metrics endpoint stopped")
	}

	e.server = nil
	e.listener = nil
	return nil
}

func (e *Exporter) IsRunning() bool {
	return e.state.Load().(State) == StateRunning
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Histogram != nil:
		return m.Histogram.GetSampleSum()
	case m.Summary != nil:
		return m.Summary.GetSampleSum()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	default:
		return 0
	}
}
