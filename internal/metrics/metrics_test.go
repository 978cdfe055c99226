package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheHit()
		m.CacheMiss()
		m.CacheEvicted(EvictCapacity, 2)
		m.CacheSize(3)
		m.Compiled(nil)
		m.Calculated("manual", "success", true, time.Millisecond)
		m.StaleResult()
		m.DebounceReset()
		m.Rows(1, 1)
	})
}

func TestCounters(t *testing.T) {
	m := New()

	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()
	m.CacheEvicted(EvictCapacity, 2)
	m.CacheEvicted(EvictExpired, 0)
	m.Compiled(nil)
	m.Compiled(errors.New("bad"))
	m.Calculated("batch", "failed", true, 5*time.Millisecond)
	m.Rows(4, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheMisses))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheEvictions.WithLabelValues(EvictCapacity)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.cacheEvictions.WithLabelValues(EvictExpired)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compilations.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calculations.WithLabelValues("batch", "failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.rowsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.rowsCalculated))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.CacheHit()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "formulabench_cache_hits_total 1")
}

func TestRegistriesAreIsolated(t *testing.T) {
	a, b := New(), New()
	a.CacheHit()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.cacheHits))
}
