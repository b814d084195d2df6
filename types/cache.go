package types

import (
	"time"
)

// CachePolicy is the per key-prefix behaviour of a keyed cache.
type CachePolicy struct {
	TTL                  time.Duration `yaml:"ttl" json:"ttl" validate:"min=0"`
	StaleWhileRevalidate bool          `yaml:"stale_while_revalidate" json:"stale_while_revalidate"`
	MaxEntries           int           `yaml:"max_entries" json:"max_entries" validate:"min=0"`
}

type ServiceMetrics struct {
	Requests    uint64        `json:"requests"`
	Hits        uint64        `json:"hits"`
	Misses      uint64        `json:"misses"`
	Errors      uint64        `json:"errors"`
	Evictions   uint64        `json:"evictions"`
	AvgLatency  time.Duration `json:"avg_latency"`
	MemoryUsage int64         `json:"memory_usage"`
	ItemCount   int           `json:"item_count"`
}

type MemoryConfig struct {
	MaxMemoryUsageMB    float64       `yaml:"max_memory_usage_mb" json:"max_memory_usage_mb" validate:"min=0"`
	CheckInterval       time.Duration `yaml:"check_interval" json:"check_interval" validate:"min=0"`
	EstimatedItemSizeKB float64       `yaml:"estimated_item_size_kb" json:"estimated_item_size_kb" validate:"min=0"`
}

// MaxBytes converts the megabyte budget into bytes.
func (c MemoryConfig) MaxBytes() int64 {
	return int64(c.MaxMemoryUsageMB * 1024 * 1024)
}

type CacheStats struct {
	ItemCount      int             `json:"item_count"`
	MemoryUsage    int64           `json:"memory_usage"`
	WarmingStatus  map[string]bool `json:"warming_status"`
	RetryQueueSize int             `json:"retry_queue_size"`
}
