package delivery

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/meridian-cache/meridian/pkg/models"
)

// deadLetterQueue holds deliveries that exhausted their retry budget,
// addressable by delivery id.
type deadLetterQueue struct {
	mu      sync.Mutex
	entries map[string]models.DeadLetterEntry
}

func newDeadLetterQueue() *deadLetterQueue {
	return &deadLetterQueue{entries: make(map[string]models.DeadLetterEntry)}
}

func (q *deadLetterQueue) add(entry models.DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[entry.DeliveryID] = entry
}

func (q *deadLetterQueue) remove(deliveryID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, deliveryID)
}

func (q *deadLetterQueue) all() []models.DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.DeadLetterEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	return out
}

func (q *deadLetterQueue) get(deliveryID string) (models.DeadLetterEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[deliveryID]
	return e, ok
}

// originalEventData recovers the event data that was originally handed to
// QueueEvent/DeliverEvent from a dead-letter entry's marshaled envelope
// bytes, so reprocessing re-enqueues the original payload rather than
// wrapping the whole envelope as a new one's opaque Data field.
func originalEventData(entry models.DeadLetterEntry) (interface{}, error) {
	var env models.EventEnvelope
	if err := json.Unmarshal(entry.OriginalPayload, &env); err != nil {
		return nil, fmt.Errorf("delivery: dead-letter entry %s: %w", entry.DeliveryID, err)
	}
	return env.Data, nil
}

// ReprocessDeadLetterQueue re-enqueues every dead-letter entry as a new
// delivery task and returns the count reprocessed. Entries that fail to
// re-enqueue (e.g. the queue is currently full) are left in the
// dead-letter queue for a later attempt.
func (e *Engine) ReprocessDeadLetterQueue() (int, error) {
	entries := e.dlq.all()
	reprocessed := 0
	for _, entry := range entries {
		data, err := originalEventData(entry)
		if err != nil {
			continue
		}
		if _, err := e.QueueEvent(entry.WebhookID, entry.EventType, data, TaskOptions{Priority: 0}); err != nil {
			continue
		}
		e.dlq.remove(entry.DeliveryID)
		reprocessed++
	}
	return reprocessed, nil
}

// DeadLetterEntries returns a snapshot of the current dead-letter queue.
func (e *Engine) DeadLetterEntries() []models.DeadLetterEntry {
	return e.dlq.all()
}

// ReprocessOne re-enqueues a single dead-letter entry by delivery id. It
// reports ErrNotFound if the entry is no longer in the dead-letter queue
// (already reprocessed, or never failed permanently).
func (e *Engine) ReprocessOne(deliveryID string) error {
	entry, ok := e.dlq.get(deliveryID)
	if !ok {
		return ErrNotFound
	}
	data, err := originalEventData(entry)
	if err != nil {
		return err
	}
	if _, err := e.QueueEvent(entry.WebhookID, entry.EventType, data, TaskOptions{Priority: 0}); err != nil {
		return err
	}
	e.dlq.remove(deliveryID)
	return nil
}
