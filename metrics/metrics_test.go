package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apcore/apcore/metrics"
)

func export(t *testing.T, c *metrics.Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestCollector_IncrementAccumulatesPerLabelSet(t *testing.T) {
	c := metrics.NewCollector()
	c.Increment("calls_total", map[string]string{"b": "2", "a": "1"}, 1)
	c.Increment("calls_total", map[string]string{"a": "1", "b": "2"}, 1)

	out := export(t, c)
	assert.Contains(t, out, `calls_total{a="1",b="2"} 2`)
}

func TestCollector_ObserveBucketsAndSumCount(t *testing.T) {
	c := metrics.NewCollector()
	c.Observe("duration_seconds", map[string]string{"module_id": "m1"}, 0.02, nil)
	c.Observe("duration_seconds", map[string]string{"module_id": "m1"}, 2.0, nil)

	out := export(t, c)
	assert.Contains(t, out, "duration_seconds_bucket")
	assert.Contains(t, out, `le="+Inf"`)
	assert.Contains(t, out, "duration_seconds_sum")
	assert.Contains(t, out, `duration_seconds_count{module_id="m1"} 2`)
}

func TestCollector_PrometheusFormat_HelpTypePresent(t *testing.T) {
	c := metrics.NewCollector()
	c.Increment("requests_total", nil, 1)

	out := export(t, c)
	assert.Contains(t, out, "# HELP requests_total")
	assert.Contains(t, out, "# TYPE requests_total counter")
}

func TestMiddleware_RecordsDurationCallsAndErrors(t *testing.T) {
	collector := metrics.NewCollector()
	mw := metrics.NewMiddleware(collector)

	ctx := &fakeContext{data: map[string]any{}}
	_, err := mw.Before("mod", nil, ctx)
	require.NoError(t, err)
	_, err = mw.After("mod", nil, map[string]any{}, ctx)
	require.NoError(t, err)

	out := export(t, collector)
	assert.Contains(t, out, `apcore_module_calls_total{module_id="mod",status="success"} 1`)
	assert.Contains(t, out, "apcore_module_duration_seconds_count")
}

type fakeContext struct {
	data map[string]any
}

func (f *fakeContext) DataMap() map[string]any { return f.data }
