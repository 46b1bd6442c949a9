package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/notifycenter/internal/affinity"
)

// MiddlewareConfig configures the task tracing middleware.
type MiddlewareConfig struct {
	// Tracer creates the spans. If nil, the middleware is a pass-through.
	Tracer trace.Tracer
}

// NewTracingMiddleware creates an affinity middleware that wraps every task in a span.
// Tasks queued from a traced caller become children of the caller's span.
func NewTracingMiddleware(cfg MiddlewareConfig) affinity.Middleware {
	if cfg.Tracer == nil {
		return func(next affinity.Handler) affinity.Handler {
			return next
		}
	}

	return func(next affinity.Handler) affinity.Handler {
		return affinity.HandlerFunc(func(ctx context.Context, task *affinity.Task) error {
			if !trace.SpanContextFromContext(ctx).IsValid() && task.Parent.IsValid() {
				ctx = trace.ContextWithRemoteSpanContext(ctx, task.Parent)
			}

			ctx, span := cfg.Tracer.Start(ctx, SpanPrefixTask+task.Name,
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			span.SetAttributes(
				attribute.String(AttrTaskID, task.ID),
				attribute.String(AttrTaskName, task.Name),
				attribute.Int64(AttrTaskQueued, time.Since(task.SubmittedAt).Milliseconds()),
			)

			err := next.Handle(ctx, task)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				if affinity.IsPanic(err) {
					span.SetAttributes(attribute.String(AttrErrorType, "panic"))
				}
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return err
		})
	}
}
