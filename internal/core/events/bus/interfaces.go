package bus

import "time"

// EventBus is a thread-safe, in-process pub/sub bus that carries replication
// lifecycle notifications to the embedding application.
//
// Key characteristics:
// - Type-based fan-out: handlers subscribe by Event.Type() string.
// - Synchronous delivery: Publish calls handlers in the caller goroutine, in
// subscription order.
// - Error aggregation: handler errors are joined and returned from Publish.
// - Optional observability: observers see every delivery and its outcome.
//
// Handlers run on the tick goroutine; they should be quick or hand work off.
type EventBus interface {
	// Publish delivers the event to all active subscribers of event.Type().
	Publish(event Event) error
	// Subscribe registers a handler for an event type.
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	// Unsubscribe cancels the given Subscription. It is safe to call with nil.
	Unsubscribe(Subscription) error
	// PublishAsync publishes in a separate goroutine; the channel receives the
	// joined handler error (or nil) and is closed.
	PublishAsync(event Event) <-chan error

	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
	// Metrics returns counters accumulated while at least one observer was
	// registered.
	Metrics() Metrics
}

// Event is an immutable message transported by the EventBus.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
}

type (
	// EventHandler is invoked per delivered event.
	EventHandler func(event Event) error
)

// Subscription is a registered handler bound to an event type.
type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	// Cancel de-registers the handler. Multiple calls are safe.
	Cancel() error
}

// Observer is notified about deliveries. Observers should return quickly.
type Observer interface {
	OnPublish(eventType string, event Event)
	OnDelivered(eventType string, handlers int, err error, took time.Duration)
}

type Metrics struct {
	Published         uint64
	DeliveredHandlers uint64
	Errors            uint64
	SubscribersActive uint64
}
