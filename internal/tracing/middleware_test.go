package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/notifycenter/internal/affinity"
)

// ===========================================================================
// Test Helpers
// ===========================================================================

// setupTestTracer creates a test tracer with an in-memory exporter.
func setupTestTracer(t *testing.T) (trace.Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return provider.Tracer("test-tracer"), exporter
}

func getSpanByName(exporter *tracetest.InMemoryExporter, name string) (tracetest.SpanStub, bool) {
	for _, span := range exporter.GetSpans() {
		if span.Name == name {
			return span, true
		}
	}
	return tracetest.SpanStub{}, false
}

func getAttributeValue(span tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, attr := range span.Attributes {
		if string(attr.Key) == key {
			return attr.Value, true
		}
	}
	return attribute.Value{}, false
}

func testTask(name string) *affinity.Task {
	return &affinity.Task{ID: "task-1", Name: name, SubmittedAt: time.Now()}
}

func okHandler() affinity.Handler {
	return affinity.HandlerFunc(func(ctx context.Context, task *affinity.Task) error { return nil })
}

// ===========================================================================
// TracingMiddleware Tests
// ===========================================================================

func TestNewTracingMiddleware_NilTracer_ReturnsPassThrough(t *testing.T) {
	called := false
	h := NewTracingMiddleware(MiddlewareConfig{})(affinity.HandlerFunc(func(ctx context.Context, task *affinity.Task) error {
		called = true
		require.False(t, trace.SpanContextFromContext(ctx).IsValid())
		return nil
	}))

	require.NoError(t, h.Handle(context.Background(), testTask("register")))
	require.True(t, called)
}

func TestTracingMiddleware_CreatesSpanWithAttributes(t *testing.T) {
	tracer, exporter := setupTestTracer(t)
	h := NewTracingMiddleware(MiddlewareConfig{Tracer: tracer})(okHandler())

	require.NoError(t, h.Handle(context.Background(), testTask("register")))

	span, ok := getSpanByName(exporter, SpanPrefixTask+"register")
	require.True(t, ok, "span should exist")
	require.Equal(t, codes.Ok, span.Status.Code)

	id, ok := getAttributeValue(span, AttrTaskID)
	require.True(t, ok)
	require.Equal(t, "task-1", id.AsString())

	name, ok := getAttributeValue(span, AttrTaskName)
	require.True(t, ok)
	require.Equal(t, "register", name.AsString())

	_, ok = getAttributeValue(span, AttrTaskQueued)
	require.True(t, ok)
}

func TestTracingMiddleware_RecordsErrors(t *testing.T) {
	tracer, exporter := setupTestTracer(t)
	h := NewTracingMiddleware(MiddlewareConfig{Tracer: tracer})(affinity.HandlerFunc(func(ctx context.Context, task *affinity.Task) error {
		return errors.New("dispatch failed")
	}))

	require.Error(t, h.Handle(context.Background(), testTask("dispatch")))

	span, ok := getSpanByName(exporter, SpanPrefixTask+"dispatch")
	require.True(t, ok)
	require.Equal(t, codes.Error, span.Status.Code)
	require.Equal(t, "dispatch failed", span.Status.Description)
	require.NotEmpty(t, span.Events, "error should be recorded as an event")
}

func TestTracingMiddleware_MarksPanics(t *testing.T) {
	tracer, exporter := setupTestTracer(t)
	h := NewTracingMiddleware(MiddlewareConfig{Tracer: tracer})(affinity.HandlerFunc(func(ctx context.Context, task *affinity.Task) error {
		return &affinity.PanicError{Task: task.Name, Value: "boom"}
	}))

	require.Error(t, h.Handle(context.Background(), testTask("explode")))

	span, ok := getSpanByName(exporter, SpanPrefixTask+"explode")
	require.True(t, ok)
	v, ok := getAttributeValue(span, AttrErrorType)
	require.True(t, ok)
	require.Equal(t, "panic", v.AsString())
}

func TestTracingMiddleware_RestoresSubmitterSpan(t *testing.T) {
	tracer, exporter := setupTestTracer(t)

	_, parent := tracer.Start(context.Background(), "caller")
	task := testTask("register")
	task.Parent = parent.SpanContext()
	parent.End()

	h := NewTracingMiddleware(MiddlewareConfig{Tracer: tracer})(okHandler())
	require.NoError(t, h.Handle(context.Background(), task))

	span, ok := getSpanByName(exporter, SpanPrefixTask+"register")
	require.True(t, ok)
	require.Equal(t, parent.SpanContext().TraceID(), span.SpanContext.TraceID())
	require.Equal(t, parent.SpanContext().SpanID(), span.Parent.SpanID())
}

func TestTracingMiddleware_KeepsActiveSpan(t *testing.T) {
	tracer, exporter := setupTestTracer(t)

	ctx, active := tracer.Start(context.Background(), "active")
	_, other := tracer.Start(context.Background(), "other")
	task := testTask("inline")
	task.Parent = other.SpanContext()

	h := NewTracingMiddleware(MiddlewareConfig{Tracer: tracer})(okHandler())
	require.NoError(t, h.Handle(ctx, task))
	active.End()
	other.End()

	span, ok := getSpanByName(exporter, SpanPrefixTask+"inline")
	require.True(t, ok)
	require.Equal(t, active.SpanContext().SpanID(), span.Parent.SpanID())
}

func TestTracingMiddleware_ThroughExecutor(t *testing.T) {
	tracer, exporter := setupTestTracer(t)

	e := affinity.NewExecutor(affinity.WithMiddleware(NewTracingMiddleware(MiddlewareConfig{Tracer: tracer})))
	go e.Run(context.Background())
	t.Cleanup(e.Stop)

	ctx, caller := tracer.Start(context.Background(), "caller")
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	var traceID string
	require.NoError(t, e.Do(waitCtx, "register", func(ctx context.Context) error {
		traceID = TraceIDFromContext(ctx)
		return nil
	}))
	caller.End()

	require.Equal(t, caller.SpanContext().TraceID().String(), traceID)
	span, ok := getSpanByName(exporter, SpanPrefixTask+"register")
	require.True(t, ok)
	require.Equal(t, caller.SpanContext().SpanID(), span.Parent.SpanID())
}

func TestTraceIDFromContext_Empty(t *testing.T) {
	require.Empty(t, TraceIDFromContext(context.Background()))
	require.Empty(t, TraceIDFromContext(nil)) //nolint:staticcheck // nil ctx is tolerated
}
