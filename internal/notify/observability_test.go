package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zjrosen/notifycenter/internal/tracing"
)

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s should be an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestHandle_DispatchSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	r := newTestRegistry(t, WithTracer(provider.Tracer("test")))
	r.Register(context.Background(), &greeter{id: "A", rec: &recorder{}})
	r.Register(context.Background(), &greeter{id: "B", rec: &recorder{}})

	h, err := HandleFor[Greeter](waitCtx(t), r)
	require.NoError(t, err)

	err = h.Publish(waitCtx(t), func(ctx context.Context, g Greeter) error {
		if g.(*greeter).id == "B" {
			return errors.New("not today")
		}
		return nil
	})
	require.Error(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	require.Equal(t, tracing.SpanPrefixDispatch+"notify.Greeter", span.Name)
	require.Equal(t, codes.Error, span.Status.Code)
	require.Contains(t, span.Attributes, attribute.Int(tracing.AttrAttached, 2))
	require.Contains(t, span.Attributes, attribute.Int(tracing.AttrFailures, 1))
	require.Len(t, span.Events, 1)
	require.Equal(t, tracing.EventSubscriberFailed, span.Events[0].Name)
}

func TestRegistry_Counters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	r := newTestRegistry(t, WithMeter(provider.Meter("test")))
	a := &greeter{id: "A", rec: &recorder{}}

	r.Register(context.Background(), a)
	r.Register(context.Background(), a)
	greetAll(t, r, "x")
	r.Unregister(context.Background(), a)

	h, err := HandleFor[Greeter](waitCtx(t), r)
	require.NoError(t, err)
	r.Register(context.Background(), &greeter{id: "B", rec: &recorder{}})
	_ = h.Publish(waitCtx(t), func(ctx context.Context, g Greeter) error { panic("boom") })
	syncRegistry(t, r)

	require.Equal(t, int64(2), counterTotal(t, reader, "notify.register.count"))
	require.Equal(t, int64(1), counterTotal(t, reader, "notify.unregister.count"))
	require.Equal(t, int64(2), counterTotal(t, reader, "notify.dispatch.count"))
	require.Equal(t, int64(1), counterTotal(t, reader, "notify.dispatch.failures"))
	require.Equal(t, int64(6), counterTotal(t, reader, "notify.offloop.count"))
}
