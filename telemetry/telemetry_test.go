package telemetry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apcore/apcore/apctx"
	"github.com/apcore/apcore/telemetry"
)

func TestMiddleware_SpanNesting(t *testing.T) {
	exporter := telemetry.NewInMemoryExporter(10)
	mw := telemetry.NewMiddleware(exporter, telemetry.Full())

	ctx := apctx.Create(nil, nil)
	childCtx := ctx.Child("b")

	_, err := mw.Before("a", nil, ctx)
	require.NoError(t, err)
	_, err = mw.Before("b", nil, childCtx)
	require.NoError(t, err)

	_, err = mw.After("b", nil, nil, childCtx)
	require.NoError(t, err)
	_, err = mw.After("a", nil, nil, ctx)
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	var spanA, spanB *telemetry.Span
	for _, s := range spans {
		if s.Name == "a" {
			spanA = s
		} else {
			spanB = s
		}
	}
	require.NotNil(t, spanA)
	require.NotNil(t, spanB)
	assert.Equal(t, spanA.TraceID, spanB.TraceID)
	assert.Equal(t, spanA.SpanID, spanB.ParentSpanID)
}

func TestMiddleware_OffStrategyNeverExports(t *testing.T) {
	exporter := telemetry.NewInMemoryExporter(10)
	mw := telemetry.NewMiddleware(exporter, telemetry.Off())

	ctx := apctx.Create(nil, nil)
	_, _ = mw.Before("a", nil, ctx)
	_, _ = mw.After("a", nil, nil, ctx)

	assert.Empty(t, exporter.GetSpans())
}

func TestMiddleware_ErrorFirstExportsErrorsRegardless(t *testing.T) {
	exporter := telemetry.NewInMemoryExporter(10)
	mw := telemetry.NewMiddleware(exporter, telemetry.ErrorFirst(telemetry.Off()))

	ctx := apctx.Create(nil, nil)
	_, _ = mw.Before("a", nil, ctx)
	_, _ = mw.OnError("a", nil, assertErr{}, ctx)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "error", spans[0].Status)
}

func TestInMemoryExporter_DropsOldestOnOverflow(t *testing.T) {
	exporter := telemetry.NewInMemoryExporter(2)
	exporter.Export(&telemetry.Span{Name: "1"})
	exporter.Export(&telemetry.Span{Name: "2"})
	exporter.Export(&telemetry.Span{Name: "3"})

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "2", spans[0].Name)
	assert.Equal(t, "3", spans[1].Name)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
