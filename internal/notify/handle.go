package notify

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/notifycenter/internal/affinity"
	"github.com/zjrosen/notifycenter/internal/log"
	"github.com/zjrosen/notifycenter/internal/tracing"
)

var errNilCallback = errors.New("nil callback")

// Handle is the multicast handle for contract T. Publishing through it calls every
// subscriber attached to T's channel, in attach order.
//
// A handle stays the same for its contract until the registry's channels are cleared.
type Handle[T any] struct {
	r  *Registry
	ch *channel[T]
}

// Contract returns the handle's contract.
func (h *Handle[T]) Contract() Contract {
	return h.ch.contract()
}

// Publish calls fn once per attached subscriber and waits for all of them.
// A failing or panicking subscriber does not stop delivery to the rest; the failures
// come back together as a *DispatchError.
//
// Called off the loop, the dispatch is queued behind pending registry calls and
// Publish blocks until it has run. If ctx ends first, Publish returns ctx.Err() and
// the dispatch still runs later.
func (h *Handle[T]) Publish(ctx context.Context, fn func(ctx context.Context, sub T) error) error {
	if fn == nil {
		return errNilCallback
	}
	name := h.ch.contract().Name()
	if !h.r.exec.IsAffinity(ctx) {
		h.r.warnOffLoop(ctx, "publish", name)
	}
	return h.r.exec.Do(ctx, "dispatch "+name, func(ctx context.Context) error {
		return h.dispatch(ctx, fn)
	})
}

// Notify is Publish for callbacks that cannot fail.
func (h *Handle[T]) Notify(ctx context.Context, fn func(sub T)) error {
	if fn == nil {
		return errNilCallback
	}
	return h.Publish(ctx, func(_ context.Context, sub T) error {
		fn(sub)
		return nil
	})
}

// Subscribers returns the number of subscribers currently attached.
func (h *Handle[T]) Subscribers(ctx context.Context) (int, error) {
	var n int
	err := h.r.exec.Do(ctx, "subscribers", func(context.Context) error {
		n = h.ch.len()
		return nil
	})
	return n, err
}

func (h *Handle[T]) dispatch(ctx context.Context, fn func(ctx context.Context, sub T) error) error {
	name := h.ch.contract().Name()
	subs := h.ch.snapshot()

	ctx, span := h.r.tracer.Start(ctx, tracing.SpanPrefixDispatch+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(tracing.AttrContract, name),
			attribute.Int(tracing.AttrAttached, len(subs)),
		),
	)
	defer span.End()

	var failures []*SubscriberError
	for _, sub := range subs {
		err := invoke(ctx, name, sub, fn)
		if err == nil {
			continue
		}

		se := &SubscriberError{Subscriber: subscriberName(sub), Err: err}
		failures = append(failures, se)

		event := tracing.EventSubscriberFailed
		if affinity.IsPanic(err) {
			event = tracing.EventSubscriberPanic
		}
		span.AddEvent(event, trace.WithAttributes(
			attribute.String(tracing.AttrSubscriber, se.Subscriber),
			attribute.String(tracing.AttrErrorMessage, err.Error()),
		))
		log.Warn(log.CatDispatch, "Subscriber failed",
			"contract", name,
			"subscriber", se.Subscriber,
			"error", err.Error(),
			"trace_id", tracing.TraceIDFromContext(ctx),
		)
	}

	h.r.metrics.dispatched(ctx, name, len(failures))
	span.SetAttributes(attribute.Int(tracing.AttrFailures, len(failures)))

	if len(failures) == 0 {
		span.SetStatus(codes.Ok, "")
		return nil
	}

	derr := &DispatchError{Contract: name, Attempted: len(subs), Failures: failures}
	span.SetStatus(codes.Error, fmt.Sprintf("%d of %d subscribers failed", len(failures), len(subs)))
	return derr
}

// invoke calls fn for one subscriber, turning a panic into a *affinity.PanicError.
func invoke[T any](ctx context.Context, name string, sub T, fn func(ctx context.Context, sub T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &affinity.PanicError{Task: "dispatch " + name, Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx, sub)
}
