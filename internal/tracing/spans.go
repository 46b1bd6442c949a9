package tracing

// Span attribute keys.
const (
	// Task attributes
	AttrTaskID     = "task.id"
	AttrTaskName   = "task.name"
	AttrTaskQueued = "task.queued_ms"

	// Registry attributes
	AttrContract   = "notify.contract"
	AttrSubscriber = "notify.subscriber"
	AttrAttached   = "notify.attached"
	AttrFailures   = "notify.failures"
	AttrMarshaled  = "notify.marshaled"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span name prefixes.
const (
	SpanPrefixTask     = "affinity.task."
	SpanPrefixDispatch = "notify.dispatch."
)

// Event names for span events.
const (
	EventSubscriberFailed = "subscriber.failed"
	EventSubscriberPanic  = "subscriber.panic"
)
