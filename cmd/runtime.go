package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/zjrosen/notifycenter/internal/affinity"
	"github.com/zjrosen/notifycenter/internal/config"
	"github.com/zjrosen/notifycenter/internal/log"
	"github.com/zjrosen/notifycenter/internal/notify"
	"github.com/zjrosen/notifycenter/internal/pubsub"
	"github.com/zjrosen/notifycenter/internal/tracing"
)

// runtime is a running affinity loop with a registry on top of it.
type runtime struct {
	exec     *affinity.Executor
	registry *notify.Registry
	tracer   *tracing.Provider
	done     chan struct{}
}

type runtimeOptions struct {
	taskEvents pubsub.Publisher[affinity.TaskLogEvent]
	registry   []notify.Option
}

type runtimeOption func(*runtimeOptions)

func withTaskEvents(p pubsub.Publisher[affinity.TaskLogEvent]) runtimeOption {
	return func(o *runtimeOptions) { o.taskEvents = p }
}

func withRegistryOptions(opts ...notify.Option) runtimeOption {
	return func(o *runtimeOptions) { o.registry = append(o.registry, opts...) }
}

// startRuntime builds the executor from cfg, starts its loop and creates the registry.
// Call stop to drain the loop and flush traces.
func startRuntime(ctx context.Context, cfg config.Config, opts ...runtimeOption) (*runtime, error) {
	var o runtimeOptions
	for _, opt := range opts {
		opt(&o)
	}

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("starting tracing: %w", err)
	}

	middlewares := []affinity.Middleware{
		tracing.NewTracingMiddleware(tracing.MiddlewareConfig{Tracer: provider.Tracer()}),
	}
	if cfg.Executor.LogTasks {
		middlewares = append(middlewares, affinity.NewLoggingMiddleware(affinity.LoggingMiddlewareConfig{}))
	}
	middlewares = append(middlewares,
		affinity.NewSlowTaskMiddleware(affinity.SlowTaskMiddlewareConfig{Threshold: cfg.Executor.SlowTaskThreshold}),
		affinity.NewEventMiddleware(affinity.EventMiddlewareConfig{Publisher: o.taskEvents}),
	)

	exec := affinity.NewExecutor(
		affinity.WithQueueCapacity(cfg.Executor.QueueCapacity),
		affinity.WithMiddleware(middlewares...),
	)

	rt := &runtime{
		exec:   exec,
		tracer: provider,
		done:   make(chan struct{}),
	}
	log.SafeGo("affinity-loop", func() {
		defer close(rt.done)
		exec.Run(ctx)
	})

	readyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.WaitForReady(readyCtx); err != nil {
		exec.Stop()
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("waiting for affinity loop: %w", err)
	}

	regOpts := []notify.Option{
		notify.WithWarningWindow(cfg.Registry.WarningWindow),
		notify.WithTracer(provider.Tracer()),
	}
	rt.registry = notify.New(exec, append(regOpts, o.registry...)...)

	log.Debug(log.CatExecutor, "Affinity loop started",
		"queue_capacity", cfg.Executor.QueueCapacity,
		"tracing", provider.Enabled(),
	)
	return rt, nil
}

// stop runs what is still queued, ends the loop and flushes traces.
func (rt *runtime) stop() {
	rt.exec.Drain()
	<-rt.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.tracer.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatTrace, "Trace shutdown failed", err)
	}
	log.Debug(log.CatExecutor, "Affinity loop stopped",
		"processed", rt.exec.ProcessedCount(),
		"errors", rt.exec.ErrorCount(),
	)
}
