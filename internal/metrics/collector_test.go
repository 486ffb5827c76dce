package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gathered(t *testing.T, c *Collector) map[string]float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				out[f.GetName()] += m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				out[f.GetName()] += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				out[f.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	c.SetRunning(2)
	c.SetQueued(7)
	c.ObserveCompleted(10 * time.Millisecond)
	c.ObserveRequest("graphql", 200)
	c.ObserveRequest("graphql", 429)
	c.ObserveCache(true)
	c.ObserveCache(false)
	c.ObserveCache(false)

	got := gathered(t, c)
	assert.Equal(t, 2.0, got["arq_scheduler_running"])
	assert.Equal(t, 7.0, got["arq_scheduler_queued"])
	assert.Equal(t, 1.0, got["arq_scheduler_completed_total"])
	assert.Equal(t, 1.0, got["arq_scheduler_operation_seconds"])
	assert.Equal(t, 2.0, got["arq_gateway_requests_total"])
	assert.Equal(t, 1.0, got["arq_cache_hits_total"])
	assert.Equal(t, 2.0, got["arq_cache_misses_total"])
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SetRunning(1)
		c.ObserveRequest("status", 404)
		c.ObserveCache(true)
	})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.ObserveRequest("tx", 200)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `arq_gateway_requests_total{code="200",endpoint="tx"} 1`)
}
