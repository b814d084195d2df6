package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name     string                     `yaml:"name" json:"name" validate:"required"`
	Version  string                     `yaml:"version" json:"version" validate:"required"`
	Logger   *LoggerConfig              `yaml:"logger" json:"logger" validate:"required"`
	Store    *StoreConfig               `yaml:"store" json:"store" validate:"required"`
	Network  *NetworkConfig             `yaml:"network" json:"network"`
	Memory   *MemoryConfig              `yaml:"memory" json:"memory"`
	Metrics  *MetricsConfig             `yaml:"metrics" json:"metrics"`
	Cron     *CronConfig                `yaml:"cron" json:"cron"`
	Services map[string]ServiceSettings `yaml:"services" json:"services" validate:"dive"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type StoreConfig struct {
	Type          string      `yaml:"type" json:"type" validate:"required,oneof=clover sqlite redis memory"`
	Path          string      `yaml:"path" json:"path" validate:"required_if=Type clover,required_if=Type sqlite"`
	SchemaVersion int         `yaml:"schema_version" json:"schema_version" validate:"min=1"`
	Config        interface{} `yaml:"config" json:"config"`
}

type NetworkConfig struct {
	ProbeURL      string        `yaml:"probe_url" json:"probe_url" validate:"omitempty,url"`
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval" validate:"min=0"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" json:"probe_timeout" validate:"min=0"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Listen    string `yaml:"listen" json:"listen" validate:"required_if=Enabled true"`
	Path      string `yaml:"path" json:"path"`
}

type CronConfig struct {
	Timezone string `yaml:"timezone" json:"timezone"`
}

// ServiceSettings configures one business service: its cache, warming, prefetch and batching.
type ServiceSettings struct {
	BaseURL  string         `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	Resource string         `yaml:"resource" json:"resource"`
	Cache    CacheSettings  `yaml:"cache" json:"cache"`
	Warming  *WarmingConfig `yaml:"warming" json:"warming"`
	Prefetch PrefetchConfig `yaml:"prefetch" json:"prefetch"`
	Batch    BatchConfig    `yaml:"batch" json:"batch"`
	Breaker  *BreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Timeout  time.Duration  `yaml:"timeout" json:"timeout" validate:"min=0"`
	Retries  int            `yaml:"retries" json:"retries" validate:"min=0"`
}

type CacheSettings struct {
	Separator     string                 `yaml:"separator" json:"separator"`
	SweepInterval time.Duration          `yaml:"sweep_interval" json:"sweep_interval" validate:"min=0"`
	Default       CachePolicy            `yaml:"default" json:"default"`
	Prefixes      map[string]CachePolicy `yaml:"prefixes" json:"prefixes" validate:"dive"`
}

type WarmingConfig struct {
	Patterns   []string      `yaml:"patterns" json:"patterns" validate:"required,min=1"`
	Interval   time.Duration `yaml:"interval" json:"interval" validate:"required"`
	Priority   int           `yaml:"priority" json:"priority" validate:"min=1,max=10"`
	RetryCount int           `yaml:"retry_count" json:"retry_count" validate:"min=0"`
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay" validate:"min=0"`
}

type PrefetchConfig struct {
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay" validate:"min=0"`
}

type BatchConfig struct {
	BatchSize int           `yaml:"batch_size" json:"batch_size" validate:"min=0"`
	Interval  time.Duration `yaml:"interval" json:"interval" validate:"min=0"`
	MaxDelay  time.Duration `yaml:"max_delay" json:"max_delay" validate:"min=0"`
	MinItems  int           `yaml:"min_items" json:"min_items" validate:"min=0"`
}

type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"min=0"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout" validate:"min=0"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests" validate:"min=0"`
}
