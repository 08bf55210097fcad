package emitter

import (
	"context"

	"github.com/meridian-cache/meridian/delivery"
	"github.com/meridian-cache/meridian/webhookstore"
)

// EngineTrigger adapts a webhookstore.Repository and delivery.Engine pair
// into a WebhookTrigger: it looks up every webhook subscribed to an event
// and enqueues one delivery task per match.
type EngineTrigger struct {
	Repo   webhookstore.Store
	Engine *delivery.Engine
}

// TriggerEvent enqueues one delivery task per webhook subscribed to event
// via delivery.Engine.QueueEvent. One webhook's queue-full or transient
// error does not stop the fan-out to the rest.
func (t *EngineTrigger) TriggerEvent(ctx context.Context, event string, data interface{}) (int, error) {
	webhooks := t.Repo.WebhooksForEvent(event)
	queued := 0
	for _, w := range webhooks {
		if _, err := t.Engine.QueueEvent(w.ID, event, data, delivery.TaskOptions{}); err != nil {
			continue
		}
		queued++
	}
	return queued, nil
}
