// Package telemetry implements the tracing observability middleware: a
// per-call-tree span stack kept in Context.Data, sampling strategies, and
// local-only exporters (no wire export — that's an explicit non-goal).
package telemetry

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	mathrand "math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Reserved Context.Data keys used by this middleware.
const (
	DataKeySpans    = "_tracing_spans"
	DataKeySampled  = "_tracing_sampled"
)

// Span mirrors the wire shape from the external-interfaces section.
type Span struct {
	TraceID       string                 `json:"traceId"`
	SpanID        string                 `json:"spanId"`
	ParentSpanID  string                 `json:"parentSpanId,omitempty"`
	Name          string                 `json:"name"`
	StartTime     time.Time              `json:"startTime"`
	EndTime       time.Time              `json:"endTime,omitempty"`
	Status        string                 `json:"status"`
	Attributes    map[string]any         `json:"attributes"`
	Events        []Event                `json:"events"`
}

// Event is an instant annotation appended to a span, e.g. approval
// outcomes.
type Event struct {
	Name       string         `json:"name"`
	Time       time.Time      `json:"time"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// newSpanID generates a random 64-bit span id, via otel/trace's SpanID type
// so its hex rendering matches the 16-character lowercase wire format.
func newSpanID() string {
	var buf trace.SpanID
	_, _ = rand.Read(buf[:])
	return buf.String()
}

// AsAttributes converts a Span's attribute map into otel attribute.KeyValue
// pairs, for exporters that want a typed representation alongside the JSON
// form.
func (s *Span) AsAttributes() []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(s.Attributes))
	for k, v := range s.Attributes {
		switch tv := v.(type) {
		case string:
			out = append(out, attribute.String(k, tv))
		case bool:
			out = append(out, attribute.Bool(k, tv))
		case int:
			out = append(out, attribute.Int(k, tv))
		default:
			out = append(out, attribute.String(k, fmt.Sprintf("%v", tv)))
		}
	}
	return out
}

// Strategy decides, once per trace, whether spans for that trace are
// exported.
type Strategy interface {
	// Sample is called on the first span of a trace to decide and cache the
	// sampling decision for the remainder of the trace.
	Sample() bool
	// ExportOnError reports whether an error span should be force-exported
	// regardless of the cached sampling decision.
	ExportOnError() bool
}

type fullStrategy struct{}

func (fullStrategy) Sample() bool        { return true }
func (fullStrategy) ExportOnError() bool { return false }

type offStrategy struct{}

func (offStrategy) Sample() bool        { return false }
func (offStrategy) ExportOnError() bool { return false }

type proportionalStrategy struct{ rate float64 }

func (p proportionalStrategy) Sample() bool        { return mathrand.Float64() < p.rate }
func (proportionalStrategy) ExportOnError() bool { return false }

type errorFirstStrategy struct{ inner Strategy }

func (e errorFirstStrategy) Sample() bool        { return e.inner.Sample() }
func (errorFirstStrategy) ExportOnError() bool { return true }

// Full always samples.
func Full() Strategy { return fullStrategy{} }

// Off never samples.
func Off() Strategy { return offStrategy{} }

// Proportional samples with probability rate (clamped to [0,1]).
func Proportional(rate float64) Strategy {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return proportionalStrategy{rate: rate}
}

// ErrorFirst wraps inner's success-path decision but forces export of
// error spans regardless.
func ErrorFirst(inner Strategy) Strategy {
	return errorFirstStrategy{inner: inner}
}

// Exporter receives finished spans.
type Exporter interface {
	Export(span *Span)
}

// StdoutExporter writes one JSON line per span to stdout-equivalent
// writer. Export writes synchronously on the calling goroutine, without
// buffering; a JSON-encode failure is swallowed so the call never fails
// because of it.
type StdoutExporter struct {
	Write func(line string)
}

// NewStdoutExporter builds a StdoutExporter using fmt.Println by default.
func NewStdoutExporter(write func(string)) *StdoutExporter {
	if write == nil {
		write = func(s string) { fmt.Println(s) }
	}
	return &StdoutExporter{Write: write}
}

func (e *StdoutExporter) Export(span *Span) {
	raw, err := json.Marshal(span)
	if err != nil {
		return
	}
	e.Write(string(raw))
}

// InMemoryExporter buffers up to Max spans, dropping the oldest on
// overflow. Safe for concurrent use.
type InMemoryExporter struct {
	mu    sync.Mutex
	max   int
	spans []*Span
}

// NewInMemoryExporter constructs a bounded in-memory exporter. max <= 0
// defaults to 10000.
func NewInMemoryExporter(max int) *InMemoryExporter {
	if max <= 0 {
		max = 10000
	}
	return &InMemoryExporter{max: max}
}

func (e *InMemoryExporter) Export(span *Span) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, span)
	if len(e.spans) > e.max {
		e.spans = e.spans[len(e.spans)-e.max:]
	}
}

// GetSpans returns a defensive copy of the buffered spans.
func (e *InMemoryExporter) GetSpans() []*Span {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Span, len(e.spans))
	copy(out, e.spans)
	return out
}

// stack is the typed view over the Data-backed span stack; Data itself
// stores []*Span so multiple middlewares sharing ctx.Data see the same
// underlying slice header pattern used for reservations elsewhere.
func stack(data map[string]any) []*Span {
	s, _ := data[DataKeySpans].([]*Span)
	return s
}

// AppendEvent appends an instant event to the top (most recently pushed,
// still-open) span on the stack held in data, if any. Used by the approval
// gate to record approval.<status> audit events on the span in progress.
func AppendEvent(data map[string]any, name string, attrs map[string]any) {
	s := stack(data)
	if len(s) == 0 {
		return
	}
	top := s[len(s)-1]
	top.Events = append(top.Events, Event{Name: name, Time: time.Now(), Attributes: attrs})
}

// Middleware is the tracing observability middleware described in the
// component design: push a span on Before, pop and export on After/OnError.
type Middleware struct {
	exporter Exporter
	strategy Strategy
}

// NewMiddleware builds the tracing middleware against the given exporter
// and sampling strategy.
func NewMiddleware(exporter Exporter, strategy Strategy) *Middleware {
	return &Middleware{exporter: exporter, strategy: strategy}
}

func (m *Middleware) Name() string { return "telemetry.tracing" }

// contextData is the minimal shape this middleware needs from apctx.Context
// without importing it directly (avoids an import cycle risk and keeps the
// middleware usable against any Data-bearing context type).
type contextData interface {
	TraceOf() string
	DataMap() map[string]any
}

// Before pushes a new span onto the stack. ctx must implement contextData.
func (m *Middleware) Before(moduleID string, inputs map[string]any, ctx any) (map[string]any, error) {
	cd, ok := ctx.(contextData)
	if !ok {
		return nil, nil
	}
	data := cd.DataMap()

	s := stack(data)
	var parent string
	if len(s) > 0 {
		parent = s[len(s)-1].SpanID
	} else {
		if _, ok := data[DataKeySampled]; !ok {
			data[DataKeySampled] = m.strategy.Sample()
		}
	}

	span := &Span{
		TraceID:      cd.TraceOf(),
		SpanID:       newSpanID(),
		ParentSpanID: parent,
		Name:         moduleID,
		StartTime:    time.Now(),
		Status:       "unset",
		Attributes:   map[string]any{"module_id": moduleID},
		Events:       []Event{},
	}
	data[DataKeySpans] = append(s, span)
	return nil, nil
}

func (m *Middleware) finish(data map[string]any, status string) *Span {
	s := stack(data)
	if len(s) == 0 {
		return nil
	}
	span := s[len(s)-1]
	data[DataKeySpans] = s[:len(s)-1]
	span.EndTime = time.Now()
	span.Status = status

	sampled, _ := data[DataKeySampled].(bool)
	if sampled || (status == "error" && m.strategy.ExportOnError()) {
		m.exporter.Export(span)
	}
	return span
}

func (m *Middleware) After(moduleID string, inputs map[string]any, output any, ctx any) (any, error) {
	cd, ok := ctx.(contextData)
	if !ok {
		return nil, nil
	}
	m.finish(cd.DataMap(), "ok")
	return nil, nil
}

func (m *Middleware) OnError(moduleID string, inputs map[string]any, cause error, ctx any) (any, error) {
	cd, ok := ctx.(contextData)
	if !ok {
		return nil, nil
	}
	m.finish(cd.DataMap(), "error")
	return nil, nil
}
