package notify

import (
	"context"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/notifycenter/internal/affinity"
	"github.com/zjrosen/notifycenter/internal/cachemanager"
	"github.com/zjrosen/notifycenter/internal/log"
	"github.com/zjrosen/notifycenter/internal/pubsub"
)

const instrumentationName = "github.com/zjrosen/notifycenter/internal/notify"

// DefaultWarningWindow is how long an off-loop warning for one subscriber type is suppressed.
const DefaultWarningWindow = 30 * time.Second

// Option configures a Registry.
type Option func(*Registry)

// WithLifecycleBroker publishes a Lifecycle event for every structural change.
func WithLifecycleBroker(p pubsub.Publisher[Lifecycle]) Option {
	return func(r *Registry) {
		r.lifecycle = p
	}
}

// WithWarningWindow sets how long repeated off-loop warnings for the same operation and
// subscriber type are suppressed. Zero or less logs every occurrence.
func WithWarningWindow(window time.Duration) Option {
	return func(r *Registry) {
		r.warnWindow = window
	}
}

// WithTracer sets the tracer used for dispatch spans. Defaults to the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithMeter sets the meter used for registry counters. Defaults to the global provider.
func WithMeter(m metric.Meter) Option {
	return func(r *Registry) {
		if m != nil {
			r.meter = m
		}
	}
}

// Registry is the notification registry. Subscriber state lives on the affinity loop of
// the executor passed to New; the methods may be called from any goroutine.
type Registry struct {
	exec *affinity.Executor

	// Loop-owned state.
	dir   *directory
	order []channelBase

	// contract type -> channelBase. Written only on the loop, read from anywhere.
	channels sync.Map

	lifecycle  pubsub.Publisher[Lifecycle]
	warnWindow time.Duration
	throttle   *cachemanager.Throttle
	tracer     trace.Tracer
	meter      metric.Meter
	metrics    *metrics
}

// New creates a Registry whose state is owned by exec's loop.
func New(exec *affinity.Executor, opts ...Option) *Registry {
	r := &Registry{
		exec:       exec,
		dir:        newDirectory(),
		warnWindow: DefaultWarningWindow,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.warnWindow > 0 {
		r.throttle = cachemanager.NewThrottle("off-loop-warnings", r.warnWindow)
	}
	r.metrics = newMetrics(r.meter)
	return r
}

// Executor returns the executor that owns the registry's state.
func (r *Registry) Executor() *affinity.Executor {
	return r.exec
}

// Sync waits until every registry call queued before it has been applied.
func (r *Registry) Sync(ctx context.Context) error {
	return r.exec.Sync(ctx)
}

// Register adds sub to the directory and attaches it to every existing channel whose
// contract it implements. Each contract in contracts has its channel created if needed,
// so sub is attached to it as well.
//
// Off the loop the call is queued and returns immediately. Nil and non-comparable
// subscribers are rejected and logged.
func (r *Registry) Register(ctx context.Context, sub any, contracts ...Contract) {
	if err := checkSubscriber(sub); err != nil {
		log.ErrorErr(log.CatRegistry, "Register rejected", err, "subscriber", subscriberName(sub))
		return
	}
	r.runOnLoop(ctx, "register", subscriberName(sub), func(ctx context.Context) error {
		r.register(ctx, sub, contracts)
		return nil
	})
}

// Unregister removes sub from the directory and from every channel. Channels left
// empty stay in place. Unregistering an unknown subscriber does nothing.
func (r *Registry) Unregister(ctx context.Context, sub any) {
	if err := checkSubscriber(sub); err != nil {
		log.ErrorErr(log.CatRegistry, "Unregister rejected", err, "subscriber", subscriberName(sub))
		return
	}
	r.runOnLoop(ctx, "unregister", subscriberName(sub), func(ctx context.Context) error {
		r.unregister(ctx, sub)
		return nil
	})
}

// ClearChannels drops every channel. Handles obtained earlier stop delivering;
// the next HandleFor creates a fresh channel back-filled from the directory.
func (r *Registry) ClearChannels(ctx context.Context) {
	r.runOnLoop(ctx, "clear-channels", "", func(ctx context.Context) error {
		r.clearChannels()
		return nil
	})
}

// ClearSubscribers empties the directory and detaches everyone from every channel.
// Channels and their handles survive.
func (r *Registry) ClearSubscribers(ctx context.Context) {
	r.runOnLoop(ctx, "clear-subscribers", "", func(ctx context.Context) error {
		r.clearSubscribers()
		return nil
	})
}

// ClearAll clears subscribers and channels in one step.
func (r *Registry) ClearAll(ctx context.Context) {
	r.runOnLoop(ctx, "clear-all", "", func(ctx context.Context) error {
		r.clearSubscribers()
		r.clearChannels()
		return nil
	})
}

// AddCallbacks does nothing.
//
// Deprecated: channels are created on demand by Register and HandleFor.
func (r *Registry) AddCallbacks(Contract) {}

// Stats returns a snapshot of the directory size and the attached count per contract.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.exec.Do(ctx, "stats", func(ctx context.Context) error {
		s = Stats{
			Subscribers: r.dir.len(),
			Channels:    make(map[string]int, len(r.order)),
		}
		for _, ch := range r.order {
			s.Channels[ch.contract().Name()] = ch.len()
		}
		return nil
	})
	return s, err
}

// HandleFor returns the multicast handle for contract T, creating its channel if
// needed. A new channel is back-filled with every registered subscriber that
// implements T, in registration order.
//
// Existing handles are returned without touching the loop. Creating one off the loop
// waits for the loop to do it.
func HandleFor[T any](ctx context.Context, r *Registry) (*Handle[T], error) {
	c := ContractOf[T]()
	if v, ok := r.channels.Load(c.Type()); ok {
		return v.(*channel[T]).handle, nil
	}

	var h *Handle[T]
	err := r.exec.Do(ctx, "handle "+c.Name(), func(ctx context.Context) error {
		ch, _ := r.channelFor(c)
		h = ch.(*channel[T]).handle
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// runOnLoop runs fn on the loop, warning when the caller is somewhere else.
func (r *Registry) runOnLoop(ctx context.Context, op, subject string, fn func(ctx context.Context) error) {
	if !r.exec.IsAffinity(ctx) {
		r.warnOffLoop(ctx, op, subject)
	}
	if err := r.exec.Post(ctx, op, fn); err != nil {
		log.ErrorErr(log.CatRegistry, "Registry call dropped", err, "op", op, "subject", subject)
	}
}

func (r *Registry) warnOffLoop(ctx context.Context, op, subject string) {
	r.metrics.offLoop.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	if r.throttle != nil && !r.throttle.Allow(op+"|"+subject) {
		return
	}
	log.Warn(log.CatRegistry, "Deferring to affinity loop",
		"op", op,
		"subject", subject,
		"warning", ErrOffAffinity.Error(),
	)
}

func (r *Registry) register(ctx context.Context, sub any, contracts []Contract) {
	added := r.dir.add(sub)

	for _, ch := range r.order {
		ch.attach(sub)
	}
	for _, c := range contracts {
		if c == nil {
			continue
		}
		if !c.Satisfies(sub) {
			log.ErrorErr(log.CatRegistry, "Declared contract skipped", ErrContractMismatch,
				"subscriber", subscriberName(sub),
				"contract", c.Name(),
			)
			continue
		}
		r.channelFor(c)
	}

	if !added {
		log.Debug(log.CatRegistry, "Subscriber already registered", "subscriber", subscriberName(sub))
		return
	}

	attached := r.attachedCount(sub)
	r.metrics.registers.Add(ctx, 1)
	log.Debug(log.CatRegistry, "Registered subscriber",
		"subscriber", subscriberName(sub),
		"channels", attached,
		"directory", r.dir.len(),
	)
	r.publish(Lifecycle{Kind: SubscriberRegistered, Subscriber: subscriberName(sub), Attached: attached})
}

func (r *Registry) unregister(ctx context.Context, sub any) {
	for _, ch := range r.order {
		ch.detach(sub)
	}
	if !r.dir.remove(sub) {
		return
	}

	r.metrics.unregisters.Add(ctx, 1)
	log.Debug(log.CatRegistry, "Unregistered subscriber",
		"subscriber", subscriberName(sub),
		"directory", r.dir.len(),
	)
	r.publish(Lifecycle{Kind: SubscriberUnregistered, Subscriber: subscriberName(sub)})
}

// channelFor finds or creates the channel for c. Loop only.
func (r *Registry) channelFor(c Contract) (channelBase, bool) {
	if v, ok := r.channels.Load(c.Type()); ok {
		return v.(channelBase), false
	}

	ch := c.newChannel(r)
	r.dir.each(func(sub any) {
		ch.attach(sub)
	})
	r.order = append(r.order, ch)
	r.channels.Store(c.Type(), ch)

	log.Debug(log.CatRegistry, "Created channel", "contract", c.Name(), "attached", ch.len())
	r.publish(Lifecycle{Kind: ChannelCreated, Contract: c.Name(), Attached: ch.len()})
	return ch, true
}

func (r *Registry) clearChannels() {
	for _, ch := range r.order {
		ch.close()
		r.channels.Delete(ch.contract().Type())
	}
	count := len(r.order)
	r.order = nil

	log.Info(log.CatRegistry, "Cleared channels", "count", count)
	r.publish(Lifecycle{Kind: ChannelsCleared})
}

func (r *Registry) clearSubscribers() {
	count := r.dir.len()
	r.dir.clear()
	for _, ch := range r.order {
		ch.detachAll()
	}

	log.Info(log.CatRegistry, "Cleared subscribers", "count", count)
	r.publish(Lifecycle{Kind: SubscribersCleared})
}

func (r *Registry) attachedCount(sub any) int {
	n := 0
	for _, ch := range r.order {
		if ch.has(sub) {
			n++
		}
	}
	return n
}

func (r *Registry) publish(ev Lifecycle) {
	if r.lifecycle == nil {
		return
	}
	kind := pubsub.UpdatedEvent
	switch ev.Kind {
	case SubscriberRegistered, ChannelCreated:
		kind = pubsub.CreatedEvent
	case SubscriberUnregistered, ChannelsCleared, SubscribersCleared:
		kind = pubsub.DeletedEvent
	}
	r.lifecycle.Publish(kind, ev)
}

// checkSubscriber rejects values that cannot serve as a subscriber identity.
func checkSubscriber(sub any) error {
	if sub == nil {
		return ErrNilSubscriber
	}
	v := reflect.ValueOf(sub)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Slice, reflect.Interface:
		if v.IsNil() {
			return ErrNilSubscriber
		}
	}
	if !v.Comparable() {
		return ErrNotComparable
	}
	return nil
}
