package pubsub

import (
	"context"
	"sync"
)

// Forward delivers every event from ch to fn until ctx is cancelled or ch is closed.
// It blocks; run it on its own goroutine.
func Forward[T any](ctx context.Context, ch <-chan Event[T], fn func(Event[T])) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			fn(event)
		}
	}
}

// Collect subscribes to b and returns a function reporting every payload received so far.
func Collect[T any](ctx context.Context, b *Broker[T]) func() []T {
	var (
		mu  sync.Mutex
		got []T
	)
	ch := b.Subscribe(ctx)
	go Forward(ctx, ch, func(e Event[T]) {
		mu.Lock()
		got = append(got, e.Payload)
		mu.Unlock()
	})
	return func() []T {
		mu.Lock()
		defer mu.Unlock()
		snapshot := make([]T, len(got))
		copy(snapshot, got)
		return snapshot
	}
}
