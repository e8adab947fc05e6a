// Package metrics implements the metrics observability middleware: a
// dynamic per-name Prometheus registry behind Increment/Observe, and an
// HTTP handler for /metrics exposition.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets are the histogram bucket ceilings used when none are
// configured for a metric name.
var DefaultBuckets = prometheus.DefBuckets

// Metric names recorded by the middleware.
const (
	MetricDuration = "apcore_module_duration_seconds"
	MetricCalls    = "apcore_module_calls_total"
	MetricErrors   = "apcore_module_errors_total"
)

// Reserved Context.Data key used by this middleware to stash call-start
// times across the Before/After boundary.
const DataKeyStarts = "_metrics_starts"

// Collector is the dynamic metrics registry behind Increment/Observe.
// Unlike a hand-rolled counter map, every series is a real
// prometheus.CounterVec/HistogramVec registered against a private
// *prometheus.Registry, so Handler gets correct exposition format and
// HELP/TYPE lines for free. The registry holds only this collector's
// series; Go runtime collectors are not registered on it.
// A metric name's label set is fixed at first use, per Prometheus's own
// vector model; later calls are reconciled against that fixed set. Safe
// for concurrent use.
type Collector struct {
	mu          sync.Mutex
	registry    *prometheus.Registry
	counters    map[string]*prometheus.CounterVec
	histograms  map[string]*prometheus.HistogramVec
	counterKeys map[string][]string
	histoKeys   map[string][]string
	now         func() time.Time
}

// NewCollector constructs an empty Collector backed by its own Prometheus
// registry (not the global default registry, so multiple executors in the
// same process don't collide).
func NewCollector() *Collector {
	return &Collector{
		registry:    prometheus.NewRegistry(),
		counters:    make(map[string]*prometheus.CounterVec),
		histograms:  make(map[string]*prometheus.HistogramVec),
		counterKeys: make(map[string][]string),
		histoKeys:   make(map[string][]string),
		now:         time.Now,
	}
}

// valuesFor renders labels into a positional slice matching names' order,
// substituting "" for any name labels doesn't carry.
func valuesFor(names []string, labels map[string]string) []string {
	values := make([]string, len(names))
	for i, n := range names {
		values[i] = labels[n]
	}
	return values
}

// Registry returns the underlying Prometheus registry, for callers that
// want to register additional collectors (e.g. Go runtime stats) alongside
// this collector's series.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Increment adds amount to the named counter series identified by labels,
// lazily registering a CounterVec for name on first use.
func (c *Collector) Increment(name string, labels map[string]string, amount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cv, ok := c.counters[name]
	if !ok {
		names := labelNames(labels)
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name + " total."}, names)
		c.registry.MustRegister(cv)
		c.counters[name] = cv
		c.counterKeys[name] = names
	}
	cv.WithLabelValues(valuesFor(c.counterKeys[name], labels)...).Add(float64(amount))
}

// Observe records value into the named histogram series identified by
// labels, using buckets if this is the series' first observation
// (DefaultBuckets when buckets is nil).
func (c *Collector) Observe(name string, labels map[string]string, value float64, buckets []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hv, ok := c.histograms[name]
	if !ok {
		if buckets == nil {
			buckets = DefaultBuckets
		}
		names := labelNames(labels)
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name + " histogram.", Buckets: buckets}, names)
		c.registry.MustRegister(hv)
		c.histograms[name] = hv
		c.histoKeys[name] = names
	}
	hv.WithLabelValues(valuesFor(c.histoKeys[name], labels)...).Observe(value)
}

// Handler returns an http.Handler serving this collector's series in
// Prometheus text/OpenMetrics exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Middleware is the metrics observability middleware: records call
// duration, a calls-total counter, and an errors-total counter on failure.
type Middleware struct {
	collector *Collector
}

// NewMiddleware builds the metrics middleware against collector.
func NewMiddleware(collector *Collector) *Middleware {
	return &Middleware{collector: collector}
}

func (m *Middleware) Name() string { return "metrics" }

type contextData interface {
	DataMap() map[string]any
}

func (m *Middleware) Before(moduleID string, inputs map[string]any, ctx any) (map[string]any, error) {
	if cd, ok := ctx.(contextData); ok {
		cd.DataMap()[DataKeyStarts] = m.collector.now()
	}
	return nil, nil
}

func (m *Middleware) finish(moduleID string, ctx any, status string, errorCode string) {
	cd, ok := ctx.(contextData)
	if !ok {
		return
	}
	start, _ := cd.DataMap()[DataKeyStarts].(time.Time)
	var elapsed float64
	if !start.IsZero() {
		elapsed = m.collector.now().Sub(start).Seconds()
	}
	m.collector.Observe(MetricDuration, map[string]string{"module_id": moduleID}, elapsed, nil)
	m.collector.Increment(MetricCalls, map[string]string{"module_id": moduleID, "status": status}, 1)
	if status == "error" {
		m.collector.Increment(MetricErrors, map[string]string{"module_id": moduleID, "error_code": errorCode}, 1)
	}
}

func (m *Middleware) After(moduleID string, inputs map[string]any, output any, ctx any) (any, error) {
	m.finish(moduleID, ctx, "success", "")
	return nil, nil
}

func (m *Middleware) OnError(moduleID string, inputs map[string]any, cause error, ctx any) (any, error) {
	code := "UNKNOWN"
	if coder, ok := cause.(interface{ ErrorCode() string }); ok {
		code = coder.ErrorCode()
	}
	m.finish(moduleID, ctx, "error", code)
	return nil, nil
}
