package delivery

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// journalRecord is one append-only line in the queue persistence file.
type journalRecord struct {
	Op             string   `json:"op"` // "enqueue" or "dequeue"
	DeliveryID     string   `json:"delivery_id"`
	WebhookID      string   `json:"webhook_id"`
	EventType      string   `json:"event_type"`
	Payload        []byte   `json:"payload,omitempty"`
	Priority       int      `json:"priority"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	IsBatch        bool     `json:"is_batch,omitempty"`
	BatchPayload   [][]byte `json:"batch_payload,omitempty"`
}

// journal is the append-only JSON-lines queue log. Every enqueue and
// dequeue is recorded; compact rewrites the file to hold only tasks still
// pending, which is invoked on clean shutdown.
type journal struct {
	path string
}

func newJournal(path string) *journal {
	return &journal{path: path}
}

func (j *journal) appendEnqueue(t *Task) error {
	return j.appendRecord(journalRecord{
		Op: "enqueue", DeliveryID: t.DeliveryID, WebhookID: t.WebhookID,
		EventType: t.EventType, Payload: t.Payload, Priority: t.Priority,
		IdempotencyKey: t.IdempotencyKey, IsBatch: t.IsBatch, BatchPayload: t.BatchPayload,
	})
}

func (j *journal) appendDequeue(deliveryID string) error {
	return j.appendRecord(journalRecord{Op: "dequeue", DeliveryID: deliveryID})
}

func (j *journal) appendRecord(rec journalRecord) error {
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("delivery: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("delivery: %w", err)
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// rehydrate replays the journal, returning the tasks still pending (an
// enqueue with no matching dequeue).
func (j *journal) rehydrate() ([]*Task, error) {
	f, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("delivery: %w", err)
	}
	defer f.Close()

	pending := make(map[string]*Task)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // tolerate a torn trailing line from an unclean shutdown
		}
		switch rec.Op {
		case "enqueue":
			pending[rec.DeliveryID] = &Task{
				DeliveryID: rec.DeliveryID, WebhookID: rec.WebhookID, EventType: rec.EventType,
				Payload: rec.Payload, Priority: rec.Priority, IdempotencyKey: rec.IdempotencyKey,
				IsBatch: rec.IsBatch, BatchPayload: rec.BatchPayload,
			}
		case "dequeue":
			delete(pending, rec.DeliveryID)
		}
	}

	out := make([]*Task, 0, len(pending))
	for _, t := range pending {
		out = append(out, t)
	}
	return out, nil
}

// compact rewrites the journal to hold only still-pending tasks, collapsing
// a long enqueue/dequeue history into one enqueue record per task.
func (j *journal) compact(pending []*Task) error {
	tmp := j.path + ".compact"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("delivery: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, t := range pending {
		data, err := json.Marshal(journalRecord{
			Op: "enqueue", DeliveryID: t.DeliveryID, WebhookID: t.WebhookID,
			EventType: t.EventType, Payload: t.Payload, Priority: t.Priority,
			IdempotencyKey: t.IdempotencyKey, IsBatch: t.IsBatch, BatchPayload: t.BatchPayload,
		})
		if err != nil {
			f.Close()
			return fmt.Errorf("delivery: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("delivery: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("delivery: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("delivery: %w", err)
	}
	return os.Rename(tmp, j.path)
}
