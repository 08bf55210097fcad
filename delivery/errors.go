package delivery

import "errors"

var (
	// ErrQueueFull is returned by QueueEvent when the priority queue is at
	// capacity. The engine never silently drops an event.
	ErrQueueFull = errors.New("delivery: queue is full")

	// ErrNotFound is a programmer error: the target webhook id does not
	// exist. Raised synchronously; the event is never enqueued.
	ErrNotFound = errors.New("delivery: webhook not found")

	// ErrNotSubscribed is a programmer error: the webhook exists but has
	// never subscribed to the event type. Raised synchronously; the event
	// is never enqueued.
	ErrNotSubscribed = errors.New("delivery: webhook is not subscribed to event")

	// ErrConflictingDispatchMode is returned by Config.Validate when an
	// event type enables both batching and debouncing.
	ErrConflictingDispatchMode = errors.New("delivery: event type cannot enable both batching and debouncing")

	// ErrStopped is returned by QueueEvent (and by a push onto the closed
	// queue) once the engine has been stopped. DeliverEvent does not check it.
	ErrStopped = errors.New("delivery: engine stopped")

	// ErrCancelled is returned by DeliverEvent when ctx is cancelled while
	// waiting out a retry delay.
	ErrCancelled = errors.New("delivery: cancelled during retry delay")
)

// errWebhookInactive backs the permanent-failure branch of the attempt
// loop; it never reaches the caller synchronously.
var errWebhookInactive = errors.New("delivery: webhook is inactive")
