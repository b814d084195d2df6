package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-datasync/logger"
	"github.com/saiset-co/sai-datasync/types"
)

type fakeSource struct {
	metrics types.ServiceMetrics
	stats   types.CacheStats
}

func (f *fakeSource) GetMetrics() types.ServiceMetrics { return f.metrics }
func (f *fakeSource) GetCacheStats() types.CacheStats  { return f.stats }

type queuedSource struct {
	fakeSource
	queues map[string]int
}

func (q *queuedSource) QueueSizes() map[string]int { return q.queues }

func newTestExporter(t *testing.T) *Exporter {
	t.Helper()

	e := NewExporter(nil, logger.NewNop())
	require.NoError(t, e.Register("tasks", &queuedSource{
		fakeSource: fakeSource{
			metrics: types.ServiceMetrics{Requests: 10, Hits: 7, Misses: 3, Errors: 1, AvgLatency: 250 * time.Millisecond},
			stats:   types.CacheStats{ItemCount: 3, MemoryUsage: 2048, RetryQueueSize: 1, WarmingStatus: map[string]bool{"tasks": true}},
		},
		queues: map[string]int{"prefetch": 2, "batch": 5},
	}))
	require.NoError(t, e.Register("notes", &fakeSource{
		metrics: types.ServiceMetrics{Requests: 1, Hits: 1},
		stats:   types.CacheStats{ItemCount: 1, MemoryUsage: 64},
	}))
	return e
}

func TestExporter_Collect(t *testing.T) {
	e := newTestExporter(t)

	expected := `
# HELP sai_datasync_cache_hits_total Requests answered from a live cache entry.
# TYPE sai_datasync_cache_hits_total counter
sai_datasync_cache_hits_total{service="notes"} 1
sai_datasync_cache_hits_total{service="tasks"} 7
# HELP sai_datasync_cache_avg_latency_seconds Average request latency.
# TYPE sai_datasync_cache_avg_latency_seconds gauge
sai_datasync_cache_avg_latency_seconds{service="notes"} 0
sai_datasync_cache_avg_latency_seconds{service="tasks"} 0.25
# HELP sai_datasync_warming_in_progress 1 while a warming cycle runs.
# TYPE sai_datasync_warming_in_progress gauge
sai_datasync_warming_in_progress{service="notes"} 0
sai_datasync_warming_in_progress{service="tasks"} 1
# HELP sai_datasync_queue_size Items waiting in a service queue.
# TYPE sai_datasync_queue_size gauge
sai_datasync_queue_size{queue="batch",service="tasks"} 5
sai_datasync_queue_size{queue="prefetch",service="tasks"} 2
`

	err := testutil.CollectAndCompare(e.collector, strings.NewReader(expected),
		"sai_datasync_cache_hits_total",
		"sai_datasync_cache_avg_latency_seconds",
		"sai_datasync_warming_in_progress",
		"sai_datasync_queue_size")
	assert.NoError(t, err)

	// ten per service plus two queue gauges
	assert.Equal(t, 22, testutil.CollectAndCount(e.collector))
}

func TestExporter_RegisterTwice(t *testing.T) {
	e := newTestExporter(t)

	assert.ErrorIs(t, e.Register("tasks", &fakeSource{}), types.ErrServiceExists)
	assert.ErrorIs(t, e.Register("", &fakeSource{}), types.ErrInvalidParameter)

	assert.True(t, e.Unregister("notes"))
	assert.False(t, e.Unregister("notes"))
	assert.Equal(t, 1, testutil.CollectAndCount(e.collector, "sai_datasync_cache_items"))
}

func TestExporter_Snapshot(t *testing.T) {
	e := newTestExporter(t)

	snapshot, err := e.Snapshot()
	require.NoError(t, err)

	var found bool
	for _, m := range snapshot {
		if m.Name == "sai_datasync_cache_memory_bytes" && m.Labels["service"] == "tasks" {
			found = true
			assert.Equal(t, float64(2048), m.Value)
			assert.Equal(t, "GAUGE", m.Type)
		}
	}
	assert.True(t, found)
}

func TestExporter_Handler(t *testing.T) {
	e := newTestExporter(t)

	var req fasthttp.Request
	req.SetRequestURI("/metrics")

	var ctx fasthttp.RequestCtx
	ctx.Init(&req, nil, nil)

	e.Handler()(&ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `sai_datasync_cache_requests_total{service="tasks"} 10`)
}

func TestExporter_Endpoint(t *testing.T) {
	e := NewExporter(&types.MetricsConfig{Enabled: true, Listen: "127.0.0.1:0"}, logger.NewNop())
	require.NoError(t, e.Register("tasks", &fakeSource{metrics: types.ServiceMetrics{Requests: 4}}))

	require.NoError(t, e.Start())
	assert.ErrorIs(t, e.Start(), types.ErrAlreadyRunning)

	status, body, err := fasthttp.Get(nil, "http://"+e.Addr()+"/metrics")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Contains(t, string(body), `sai_datasync_cache_requests_total{service="tasks"} 4`)

	status, _, err = fasthttp.Get(nil, "http://"+e.Addr()+"/other")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusNotFound, status)

	require.NoError(t, e.Stop())
	assert.False(t, e.IsRunning())
	assert.ErrorIs(t, e.Stop(), types.ErrNotRunning)
}

func TestExporter_DisabledStartsWithoutListener(t *testing.T) {
	e := NewExporter(&types.MetricsConfig{Enabled: false, Listen: "127.0.0.1:0"}, logger.NewNop())

	require.NoError(t, e.Start())
	assert.True(t, e.IsRunning())
	assert.Empty(t, e.Addr())
	require.NoError(t, e.Stop())
}
