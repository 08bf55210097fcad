package emitter

import (
	"context"
	"time"

	"encore.dev/pubsub"
)

// EmittedEvent is the wire shape broadcast to every instance so that an
// event emitted on one node fans out to every node's local listeners and
// webhook subscribers, not just the node Emit was called on.
type EmittedEvent struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	EmittedAt time.Time   `json:"emitted_at"`
}

// EventEmittedTopic broadcasts EmittedEvent to every instance, mirroring
// the teacher's CacheRefreshTopic broadcast-to-all-instances pattern.
var EventEmittedTopic = pubsub.NewTopic[*EmittedEvent](
	"emitter-event",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// sharedEmitter receives events from EventEmittedTopic's subscription. Wire
// designates which process-wide Emitter that is.
var sharedEmitter *Emitter

// Wire designates e as the target for incoming EventEmittedTopic messages.
// Call once during startup, after constructing the process's Emitter.
func Wire(e *Emitter) {
	sharedEmitter = e
}

// Broadcast publishes event to every instance via EventEmittedTopic. Each
// instance's subscription handler runs it through that instance's local
// Emitter at least once (the topic's delivery guarantee), including the
// instance that called Broadcast.
func Broadcast(ctx context.Context, event string, data interface{}) error {
	_, err := EventEmittedTopic.Publish(ctx, &EmittedEvent{Event: event, Data: data, EmittedAt: time.Now()})
	return err
}

// Subscribe every instance to EventEmittedTopic so a Broadcast call
// anywhere reaches this instance's local listeners and webhook trigger.
var _ = pubsub.NewSubscription(
	EventEmittedTopic,
	"emitter-event-fanout",
	pubsub.SubscriptionConfig[*EmittedEvent]{
		Handler: handleEmittedEvent,
	},
)

func handleEmittedEvent(ctx context.Context, event *EmittedEvent) error {
	if sharedEmitter == nil {
		return nil
	}
	sharedEmitter.Emit(ctx, event.Event, event.Data)
	return nil
}
