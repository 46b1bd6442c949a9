package notify

// channelBase is the type-erased view of a channel the registry works with.
type channelBase interface {
	contract() Contract
	attach(sub any) bool
	detach(sub any) bool
	has(sub any) bool
	len() int
	detachAll()
	close()
}

// channel holds the subscribers attached to one contract, in attach order.
// Only the affinity loop mutates it.
type channel[T any] struct {
	c        Contract
	attached []T
	index    map[any]int
	closed   bool
	handle   *Handle[T]
}

func newChannel[T any](r *Registry, c Contract) *channel[T] {
	ch := &channel[T]{c: c, index: make(map[any]int)}
	ch.handle = &Handle[T]{r: r, ch: ch}
	return ch
}

func (ch *channel[T]) contract() Contract { return ch.c }

// attach adds sub if it implements T. Returns false if it does not or is already attached.
func (ch *channel[T]) attach(sub any) bool {
	if ch.closed {
		return false
	}
	typed, ok := sub.(T)
	if !ok {
		return false
	}
	if _, dup := ch.index[sub]; dup {
		return false
	}
	ch.index[sub] = len(ch.attached)
	ch.attached = append(ch.attached, typed)
	return true
}

func (ch *channel[T]) detach(sub any) bool {
	i, ok := ch.index[sub]
	if !ok {
		return false
	}
	delete(ch.index, sub)
	ch.attached = append(ch.attached[:i:i], ch.attached[i+1:]...)
	for j := i; j < len(ch.attached); j++ {
		ch.index[any(ch.attached[j])] = j
	}
	return true
}

func (ch *channel[T]) has(sub any) bool {
	_, ok := ch.index[sub]
	return ok
}

func (ch *channel[T]) len() int {
	return len(ch.attached)
}

func (ch *channel[T]) detachAll() {
	ch.attached = nil
	ch.index = make(map[any]int)
}

// close empties the channel for good. Handles that still point at it dispatch to nobody.
func (ch *channel[T]) close() {
	ch.detachAll()
	ch.closed = true
}

// snapshot copies the attached set so a dispatch is not disturbed by changes it causes.
func (ch *channel[T]) snapshot() []T {
	out := make([]T, len(ch.attached))
	copy(out, ch.attached)
	return out
}
