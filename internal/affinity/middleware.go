package affinity

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zjrosen/notifycenter/internal/log"
	"github.com/zjrosen/notifycenter/internal/pubsub"
)

// Middleware wraps a Handler to add behavior around every task.
type Middleware func(Handler) Handler

// ChainMiddleware applies middlewares to a handler in reverse order, so the first
// middleware in the list is the outermost wrapper:
// ChainMiddleware(h, logging, slow) results in logging(slow(h)).
func ChainMiddleware(handler Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// ===========================================================================
// Logging Middleware
// ===========================================================================

// LoggingMiddlewareConfig configures the logging middleware.
type LoggingMiddlewareConfig struct {
	// Clock measures queue latency and duration. Defaults to the wall clock.
	Clock clock.Clock
}

// NewLoggingMiddleware creates a middleware that logs every task execution.
func NewLoggingMiddleware(cfg LoggingMiddlewareConfig) Middleware {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, task *Task) error {
			start := clk.Now()
			queued := start.Sub(task.SubmittedAt)

			err := next.Handle(ctx, task)

			duration := clk.Since(start)
			if err != nil {
				log.Error(log.CatExecutor, "task failed",
					"task_id", task.ID,
					"task", task.Name,
					"queued", queued,
					"duration", duration,
					"error", err.Error(),
				)
			} else {
				log.Debug(log.CatExecutor, "task completed",
					"task_id", task.ID,
					"task", task.Name,
					"queued", queued,
					"duration", duration,
				)
			}
			return err
		})
	}
}

// ===========================================================================
// Slow Task Middleware
// ===========================================================================

// DefaultSlowTaskThreshold is the default duration after which a task is reported as slow.
const DefaultSlowTaskThreshold = 100 * time.Millisecond

// SlowTaskMiddlewareConfig configures the slow task middleware.
type SlowTaskMiddlewareConfig struct {
	Threshold time.Duration
	Clock     clock.Clock

	// OnSlow is called after a slow task finishes, in addition to the warning log.
	OnSlow func(task *Task, duration time.Duration)
}

// NewSlowTaskMiddleware creates a middleware that warns when a task holds the loop
// longer than the threshold. It never aborts the task: a slow subscriber stalls the
// loop and the warning is the only signal.
func NewSlowTaskMiddleware(cfg SlowTaskMiddlewareConfig) Middleware {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultSlowTaskThreshold
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, task *Task) error {
			start := clk.Now()

			err := next.Handle(ctx, task)

			duration := clk.Since(start)
			if duration > threshold {
				log.Warn(log.CatExecutor, "task exceeded time threshold",
					"task_id", task.ID,
					"task", task.Name,
					"duration", duration,
					"threshold", threshold,
				)
				if cfg.OnSlow != nil {
					cfg.OnSlow(task, duration)
				}
			}
			return err
		})
	}
}

// ===========================================================================
// Task Event Middleware
// ===========================================================================

// TaskLogEvent describes one executed task.
type TaskLogEvent struct {
	TaskID    string
	Task      string
	Success   bool
	Error     error
	Queued    time.Duration
	Duration  time.Duration
	Timestamp time.Time
}

// EventMiddlewareConfig configures the task event middleware.
type EventMiddlewareConfig struct {
	// Publisher receives a TaskLogEvent per task. If nil, the middleware is a pass-through.
	Publisher pubsub.Publisher[TaskLogEvent]
	Clock     clock.Clock
}

// NewEventMiddleware creates a middleware that publishes a TaskLogEvent for each task.
func NewEventMiddleware(cfg EventMiddlewareConfig) Middleware {
	if cfg.Publisher == nil {
		return func(next Handler) Handler { return next }
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, task *Task) error {
			start := clk.Now()

			err := next.Handle(ctx, task)

			cfg.Publisher.Publish(pubsub.UpdatedEvent, TaskLogEvent{
				TaskID:    task.ID,
				Task:      task.Name,
				Success:   err == nil,
				Error:     err,
				Queued:    start.Sub(task.SubmittedAt),
				Duration:  clk.Since(start),
				Timestamp: clk.Now(),
			})
			return err
		})
	}
}
