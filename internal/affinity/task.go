// Package affinity provides the affinity executor: a single goroutine that runs
// tasks in strict FIFO order. All registry state is owned by this goroutine, so
// structural changes never need fine-grained locks.
package affinity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrExecutorUnavailable is returned when the executor has been stopped or is draining.
	ErrExecutorUnavailable = errors.New("affinity executor unavailable")

	// ErrQueueFull is returned when a queue capacity is configured and reached.
	ErrQueueFull = errors.New("affinity queue is full")

	// ErrNilTask is returned when a nil function is posted.
	ErrNilTask = errors.New("nil task")
)

// Task is a unit of work queued for the affinity loop.
type Task struct {
	ID          string
	Name        string
	Fn          func(ctx context.Context) error
	SubmittedAt time.Time

	// Parent is the span context of the submitter, if it had one.
	Parent trace.SpanContext
}

func newTask(ctx context.Context, name string, fn func(ctx context.Context) error, now time.Time) *Task {
	t := &Task{
		ID:          uuid.NewString(),
		Name:        name,
		Fn:          fn,
		SubmittedAt: now,
	}
	if ctx != nil {
		t.Parent = trace.SpanContextFromContext(ctx)
	}
	return t
}

// Handler runs a task on the affinity loop.
type Handler interface {
	Handle(ctx context.Context, task *Task) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *Task) error

// Handle calls f(ctx, task).
func (f HandlerFunc) Handle(ctx context.Context, task *Task) error {
	return f(ctx, task)
}

// PanicError is the error recorded when a task panics.
type PanicError struct {
	Task  string
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %q panicked: %v", e.Task, e.Value)
}

// IsPanic reports whether err wraps a recovered task panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
