package affinity

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
)

// Option configures the Executor.
type Option func(*Executor)

// WithQueueCapacity bounds the number of pending tasks. Zero (the default) means unbounded.
func WithQueueCapacity(capacity int) Option {
	return func(e *Executor) {
		if capacity >= 0 {
			e.capacity = capacity
		}
	}
}

// WithMiddleware adds middleware applied to every task.
// The first middleware wraps outermost.
func WithMiddleware(middlewares ...Middleware) Option {
	return func(e *Executor) {
		e.middlewares = append(e.middlewares, middlewares...)
	}
}

// WithClock sets the clock used to timestamp tasks.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) {
		if c != nil {
			e.clock = c
		}
	}
}

// loopKey marks the context handed to tasks running on the loop.
type loopKey struct{}

// Executor runs tasks one at a time, in submission order, on the goroutine that calls Run.
type Executor struct {
	mu       sync.Mutex
	pending  *queue.Queue // of *queueItem
	capacity int
	closed   bool // no longer accepting tasks
	draining bool // exit once pending is empty

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	clock       clock.Clock
	middlewares []Middleware
	handler     Handler // built by Run, only used on the loop

	started   atomic.Bool
	running   atomic.Bool
	loopID    atomic.Uint64 // goroutine running the loop
	busy      atomic.Bool   // a queued task is executing
	readyCh   chan struct{}
	readyOnce sync.Once

	processedCount atomic.Int64
	errorCount     atomic.Int64
}

// queueItem wraps a task with an optional result channel for Do.
type queueItem struct {
	task     *Task
	resultCh chan error // nil for fire-and-forget Post
}

// NewExecutor creates an Executor. Tasks may be posted before Run is called;
// they execute once the loop starts.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		pending: queue.New(),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		clock:   clock.New(),
		readyCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run starts the processing loop and blocks until ctx is cancelled, Stop is called,
// or a Drain completes. Run can only be called once; later calls return immediately.
func (e *Executor) Run(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}

	loopCtx := context.WithValue(ctx, loopKey{}, e)
	e.handler = ChainMiddleware(HandlerFunc(e.runTask), e.middlewares...)
	e.loopID.Store(goroutineID())
	e.running.Store(true)
	e.readyOnce.Do(func() { close(e.readyCh) })

	defer func() {
		e.running.Store(false)
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.failPending()
		close(e.done)
	}()

	for {
		if ctx.Err() != nil || e.stopped() {
			return
		}
		if item, ok := e.next(); ok {
			e.busy.Store(true)
			e.process(loopCtx, item)
			e.busy.Store(false)
			continue
		}
		if e.isDraining() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-e.wake:
		}
	}
}

// WaitForReady blocks until the loop is running.
func (e *Executor) WaitForReady(ctx context.Context) error {
	select {
	case <-e.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsAffinity reports whether the caller is running on this executor's loop: either ctx
// was handed to a loop task, or the calling goroutine is the loop in the middle of a task.
// The second case covers callbacks that dropped their context. Contexts handed to tasks
// must not escape to other goroutines.
func (e *Executor) IsAffinity(ctx context.Context) bool {
	if !e.running.Load() {
		return false
	}
	if ctx != nil {
		if owner, _ := ctx.Value(loopKey{}).(*Executor); owner == e {
			return true
		}
	}
	return e.onLoopGoroutine()
}

func (e *Executor) onLoopGoroutine() bool {
	return e.busy.Load() && goroutineID() == e.loopID.Load()
}

// loopContext marks ctx as belonging to the loop for calls made inline.
func (e *Executor) loopContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if owner, _ := ctx.Value(loopKey{}).(*Executor); owner == e {
		return ctx
	}
	return context.WithValue(ctx, loopKey{}, e)
}

// Post runs fn on the loop. When ctx already belongs to the loop, fn runs inline before
// Post returns; otherwise it is queued and Post returns immediately. Task failures are
// reported through middleware and ErrorCount, not returned.
func (e *Executor) Post(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return ErrNilTask
	}
	task := newTask(ctx, name, fn, e.clock.Now())
	if e.IsAffinity(ctx) {
		_ = e.execute(e.loopContext(ctx), task)
		return nil
	}
	return e.enqueue(&queueItem{task: task})
}

// Do runs fn on the loop and waits for it to finish, returning its error.
// Runs inline when ctx already belongs to the loop.
func (e *Executor) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return ErrNilTask
	}
	task := newTask(ctx, name, fn, e.clock.Now())
	if e.IsAffinity(ctx) {
		return e.execute(e.loopContext(ctx), task)
	}

	resultCh := make(chan error, 1)
	if err := e.enqueue(&queueItem{task: task, resultCh: resultCh}); err != nil {
		return err
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits until every task posted before the call has run.
func (e *Executor) Sync(ctx context.Context) error {
	return e.Do(ctx, "sync", func(context.Context) error { return nil })
}

// Stop ends the loop without running pending tasks. Waiters in Do receive
// ErrExecutorUnavailable. Safe to call more than once.
//
// Stop waits for the task in progress to return, however long that takes; use
// StopContext to bound the wait. Called from a task on the loop, Stop returns at once
// and the loop exits after that task.
func (e *Executor) Stop() {
	_ = e.StopContext(context.Background())
}

// StopContext is Stop with a bound on the wait for the loop to exit. It returns
// ctx.Err() if the loop is still inside a task when ctx ends; the loop exits once
// that task returns.
func (e *Executor) StopContext(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.stopOnce.Do(func() { close(e.stopCh) })
	if !e.started.Load() {
		e.failPending()
		return nil
	}
	return e.waitDone(ctx)
}

// Drain stops accepting tasks, runs everything already queued, then ends the loop.
// If the loop has not started yet, the queued tasks run as soon as it does.
// Called from a task on the loop, Drain returns without waiting.
func (e *Executor) Drain() {
	e.mu.Lock()
	e.closed = true
	e.draining = true
	e.mu.Unlock()

	e.signal()
	if e.started.Load() {
		_ = e.waitDone(context.Background())
	}
}

// waitDone blocks until Run has returned. The loop never waits on itself.
func (e *Executor) waitDone(ctx context.Context) error {
	if e.onLoopGoroutine() {
		return nil
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true while the loop is running.
func (e *Executor) IsRunning() bool {
	return e.running.Load()
}

// ProcessedCount returns the total number of tasks executed.
func (e *Executor) ProcessedCount() int64 {
	return e.processedCount.Load()
}

// ErrorCount returns the number of tasks that returned an error or panicked.
func (e *Executor) ErrorCount() int64 {
	return e.errorCount.Load()
}

// QueueLength returns the number of tasks waiting to run.
func (e *Executor) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending.Length()
}

// Clock returns the executor's clock.
func (e *Executor) Clock() clock.Clock {
	return e.clock
}

func (e *Executor) enqueue(item *queueItem) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorUnavailable
	}
	if e.capacity > 0 && e.pending.Length() >= e.capacity {
		e.mu.Unlock()
		return ErrQueueFull
	}
	e.pending.Add(item)
	e.mu.Unlock()

	e.signal()
	return nil
}

func (e *Executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) next() (*queueItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending.Length() == 0 {
		return nil, false
	}
	return e.pending.Remove().(*queueItem), true
}

func (e *Executor) isDraining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

func (e *Executor) stopped() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// failPending drops every queued task, releasing waiters in Do.
func (e *Executor) failPending() {
	e.mu.Lock()
	var items []*queueItem
	for e.pending.Length() > 0 {
		items = append(items, e.pending.Remove().(*queueItem))
	}
	e.mu.Unlock()

	for _, item := range items {
		if item.resultCh != nil {
			item.resultCh <- ErrExecutorUnavailable
		}
	}
}

func (e *Executor) process(ctx context.Context, item *queueItem) {
	err := e.execute(ctx, item.task)
	if item.resultCh != nil {
		item.resultCh <- err
	}
}

func (e *Executor) execute(ctx context.Context, task *Task) error {
	err := e.handler.Handle(ctx, task)
	e.processedCount.Add(1)
	if err != nil {
		e.errorCount.Add(1)
	}
	return err
}

// runTask is the innermost handler: it calls the task function and converts panics to errors.
func (e *Executor) runTask(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Task: task.Name, Value: r, Stack: string(debug.Stack())}
		}
	}()
	return task.Fn(ctx)
}
