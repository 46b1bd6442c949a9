package notify

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/zjrosen/notifycenter/internal/tracing"
)

type metrics struct {
	dispatches  metric.Int64Counter
	failures    metric.Int64Counter
	registers   metric.Int64Counter
	unregisters metric.Int64Counter
	offLoop     metric.Int64Counter
}

func newMetrics(meter metric.Meter) *metrics {
	dispatches, _ := meter.Int64Counter("notify.dispatch.count",
		metric.WithDescription("Number of multicast dispatches"),
		metric.WithUnit("{dispatch}"),
	)
	failures, _ := meter.Int64Counter("notify.dispatch.failures",
		metric.WithDescription("Number of subscriber callbacks that failed during dispatch"),
		metric.WithUnit("{callback}"),
	)
	registers, _ := meter.Int64Counter("notify.register.count",
		metric.WithDescription("Number of subscribers added to the directory"),
	)
	unregisters, _ := meter.Int64Counter("notify.unregister.count",
		metric.WithDescription("Number of subscribers removed from the directory"),
	)
	offLoop, _ := meter.Int64Counter("notify.offloop.count",
		metric.WithDescription("Number of registry calls marshaled onto the affinity loop"),
	)
	return &metrics{
		dispatches:  dispatches,
		failures:    failures,
		registers:   registers,
		unregisters: unregisters,
		offLoop:     offLoop,
	}
}

func (m *metrics) dispatched(ctx context.Context, contract string, failed int) {
	attrs := metric.WithAttributes(attribute.String(tracing.AttrContract, contract))
	m.dispatches.Add(ctx, 1, attrs)
	if failed > 0 {
		m.failures.Add(ctx, int64(failed), attrs)
	}
}
