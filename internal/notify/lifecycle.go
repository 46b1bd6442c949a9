package notify

// LifecycleKind is the kind of registry change.
type LifecycleKind string

const (
	SubscriberRegistered   LifecycleKind = "subscriber_registered"
	SubscriberUnregistered LifecycleKind = "subscriber_unregistered"
	ChannelCreated         LifecycleKind = "channel_created"
	ChannelsCleared        LifecycleKind = "channels_cleared"
	SubscribersCleared     LifecycleKind = "subscribers_cleared"
)

// Lifecycle describes a structural change to the registry.
// Published on the broker passed with WithLifecycleBroker.
type Lifecycle struct {
	Kind       LifecycleKind
	Contract   string // set for ChannelCreated
	Subscriber string // set for subscriber events
	Attached   int    // subscribers attached by the change
}

// Stats is a snapshot of the registry taken on the affinity loop.
type Stats struct {
	Subscribers int
	Channels    map[string]int // contract name -> attached count
}
