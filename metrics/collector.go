package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/saiset-co/sai-datasync/types"
)

// Source is read at scrape time for one registered service.
type Source interface {
	GetMetrics() types.ServiceMetrics
	GetCacheStats() types.CacheStats
}

// QueueSource is optionally implemented by sources that expose queue depths,
// keyed by queue name.
type QueueSource interface {
	QueueSizes() map[string]int
}

type serviceCollector struct {
	sources map[string]Source
	mu      sync.RWMutex

	requests   *prometheus.Desc
	hits       *prometheus.Desc
	misses     *prometheus.Desc
	errors     *prometheus.Desc
	evictions  *prometheus.Desc
	latency    *prometheus.Desc
	memory     *prometheus.Desc
	items      *prometheus.Desc
	retryQueue *prometheus.Desc
	warming    *prometheus.Desc
	queueSize  *prometheus.Desc
}

func newServiceCollector(namespace string, constLabels prometheus.Labels) *serviceCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, append([]string{"service"}, labels...), constLabels)
	}

	return &serviceCollector{
		sources:    make(map[string]Source),
		requests:   desc("cache_requests_total", "Cache requests served through WithOptimization."),
		hits:       desc("cache_hits_total", "Requests answered from a live cache entry."),
		misses:     desc("cache_misses_total", "Requests that had to fetch."),
		errors:     desc("cache_errors_total", "Requests that ended with an error."),
		evictions:  desc("cache_evictions_total", "Entries removed by sweep, eviction or invalidation."),
		latency:    desc("cache_avg_latency_seconds", "Average request latency."),
		memory:     desc("cache_memory_bytes", "Estimated memory held by cache entries."),
		items:      desc("cache_items", "Entries currently cached."),
		retryQueue: desc("warming_retry_queue", "Warming patterns waiting for a retry."),
		warming:    desc("warming_in_progress", "1 while a warming cycle runs."),
		queueSize:  desc("queue_size", "Items waiting in a service queue.", "queue"),
	}
}

func (c *serviceCollector) register(name string, source Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.sources[name]; exists {
		return types.Errorf(types.ErrServiceExists, "metrics source: %s", name)
	}
	c.sources[name] = source
	return nil
}

func (c *serviceCollector) unregister(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.sources[name]; !exists {
		return false
	}
	delete(c.sources, name)
	return true
}

func (c *serviceCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.requests, c.hits, c.misses, c.errors, c.evictions,
		c.latency, c.memory, c.items, c.retryQueue, c.warming, c.queueSize,
	} {
		ch <- d
	}
}

func (c *serviceCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sources := make(map[string]Source, len(c.sources))
	for name, source := range c.sources {
		sources[name] = source
	}
	c.mu.RUnlock()

	sort.Strings(names)

	for _, name := range names {
		source := sources[name]
		m := source.GetMetrics()
		stats := source.GetCacheStats()

		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(m.Requests), name)
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(m.Hits), name)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(m.Misses), name)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(m.Errors), name)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(m.Evictions), name)
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, m.AvgLatency.Seconds(), name)
		ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, float64(stats.MemoryUsage), name)
		ch <- prometheus.MustNewConstMetric(c.items, prometheus.GaugeValue, float64(stats.ItemCount), name)
		ch <- prometheus.MustNewConstMetric(c.retryQueue, prometheus.GaugeValue, float64(stats.RetryQueueSize), name)
		ch <- prometheus.MustNewConstMetric(c.warming, prometheus.GaugeValue, warmingValue(stats.WarmingStatus), name)

		if qs, ok := source.(QueueSource); ok {
			for queue, size := range qs.QueueSizes() {
				ch <- prometheus.MustNewConstMetric(c.queueSize, prometheus.GaugeValue, float64(size), name, queue)
			}
		}
	}
}

func warmingValue(status map[string]bool) float64 {
	for _, active := range status {
		if active {
			return 1
		}
	}
	return 0
}
