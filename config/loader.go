package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-datasync/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.WrapError(types.ErrConfigNotFound, "file not found: "+configPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	return l.LoadFromBytes(data)
}

// LoadFromBytes applies defaults, decodes YAML on top of them and validates the result.
func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, error) {
	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.WrapError(types.ErrConfigParseFailed, err.Error())
	}

	l.applyServiceDefaults(config)

	if err := l.validator.Struct(config); err != nil {
		return nil, types.WrapError(types.ErrConfigValidateFailed, err.Error())
	}

	return config, nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Store: &types.StoreConfig{
			Type:          "clover",
			Path:          "./data",
			SchemaVersion: 1,
		},
		Network: &types.NetworkConfig{
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		Memory: &types.MemoryConfig{
			MaxMemoryUsageMB:    50,
			CheckInterval:       time.Minute,
			EstimatedItemSizeKB: 1,
		},
		Metrics: &types.MetricsConfig{
			Enabled:   false,
			Namespace: "sai_datasync",
			Path:      "/metrics",
		},
		Cron: &types.CronConfig{
			Timezone: "UTC",
		},
		Services: make(map[string]types.ServiceSettings),
	}
}

func (l *Loader) applyServiceDefaults(config *types.ServiceConfig) {
	for name, settings := range config.Services {
		config.Services[name] = ServiceDefaults(name, settings)
	}
}

// ServiceDefaults fills the zero values of a service's settings.
func ServiceDefaults(name string, s types.ServiceSettings) types.ServiceSettings {
	if s.Resource == "" {
		s.Resource = name
	}
	if s.Timeout == 0 {
		s.Timeout = 10 * time.Second
	}
	if s.Cache.Separator == "" {
		s.Cache.Separator = ":"
	}
	if s.Cache.SweepInterval == 0 {
		s.Cache.SweepInterval = time.Minute
	}
	if s.Cache.Default.TTL == 0 {
		s.Cache.Default.TTL = 5 * time.Minute
	}
	if s.Prefetch.RetryDelay == 0 {
		s.Prefetch.RetryDelay = time.Second
	}
	if s.Batch.BatchSize == 0 {
		s.Batch.BatchSize = 50
	}
	if s.Batch.Interval == 0 {
		s.Batch.Interval = time.Second
	}
	if s.Batch.MaxDelay == 0 {
		s.Batch.MaxDelay = 5 * time.Second
	}
	if s.Batch.MinItems == 0 {
		s.Batch.MinItems = s.Batch.BatchSize
	}
	if s.Warming != nil {
		if s.Warming.Priority == 0 {
			s.Warming.Priority = 5
		}
		if s.Warming.RetryDelay == 0 {
			s.Warming.RetryDelay = 5 * time.Second
		}
	}
	return s
}
