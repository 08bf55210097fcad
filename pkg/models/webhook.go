package models

import "time"

// DeliveryStatus is the aggregate state of a Delivery.
type DeliveryStatus string

const (
	DeliveryPending            DeliveryStatus = "pending"
	DeliverySuccess            DeliveryStatus = "success"
	DeliveryFailed             DeliveryStatus = "failed"
	DeliveryRetrying           DeliveryStatus = "retrying"
	DeliveryMaxRetriesExceeded DeliveryStatus = "max-retries-exceeded"
)

// AttemptStatus is the state of a single delivery attempt.
type AttemptStatus string

const (
	AttemptPending AttemptStatus = "pending"
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
	AttemptTimeout AttemptStatus = "timeout"
)

// Webhook is a registered delivery destination. The secret itself is never
// persisted; only its hash is stored, per spec's data model.
type Webhook struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Events      []string          `json:"events"`
	Description string            `json:"description,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Active      bool              `json:"active"`
	HashedSecret string           `json:"hashed_secret,omitempty"`

	// EncryptedSecret holds AES-256-GCM(secret) when the repository runs in
	// EncryptedSecretMode, instead of HashedSecret. At most one of the two
	// is populated for a given webhook.
	EncryptedSecret string    `json:"encrypted_secret,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SubscribedTo reports whether event is in w.Events, regardless of w.Active.
// Used to distinguish "never subscribed" (a programmer error, rejected
// synchronously) from "subscribed but currently inactive" (a permanent
// delivery failure, handled inside the attempt loop).
func (w *Webhook) SubscribedTo(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Subscribes reports whether w is active and subscribed to event.
func (w *Webhook) Subscribes(event string) bool {
	if !w.Active {
		return false
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Delivery is one (webhook, event) fan-out unit.
type Delivery struct {
	ID         string         `json:"id"`
	WebhookID  string         `json:"webhook_id"`
	EventType  string         `json:"event_type"`
	Status     DeliveryStatus `json:"status"`
	Payload    []byte         `json:"payload"`
	Timestamp  time.Time      `json:"timestamp"`
	AttemptIDs []string       `json:"attempt_ids"`

	// IdempotencyKey, when non-empty, lets deliver_event return an existing
	// in-flight or completed delivery instead of issuing a duplicate request.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Priority       int    `json:"priority"`
}

// Terminal reports whether the delivery has reached a status from which no
// further attempts will be made.
func (d *Delivery) Terminal() bool {
	switch d.Status {
	case DeliverySuccess, DeliveryFailed, DeliveryMaxRetriesExceeded:
		return true
	default:
		return false
	}
}

// Attempt is one HTTP dispatch of a Delivery.
type Attempt struct {
	ID            string        `json:"id"`
	DeliveryID    string        `json:"delivery_id"`
	Status        AttemptStatus `json:"status"`
	RequestURL    string        `json:"request_url"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	RequestBody   []byte        `json:"request_body,omitempty"`
	ResponseCode  int           `json:"response_code,omitempty"`
	ResponseBody  []byte        `json:"response_body,omitempty"`
	Error         string        `json:"error,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	RetryCount    int           `json:"retry_count"`
	NextRetryAt   *time.Time    `json:"next_retry_at,omitempty"`
}

// EventEnvelope is the wire shape posted to a webhook target.
type EventEnvelope struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	CreatedAt time.Time   `json:"created_at"`
	Data      interface{} `json:"data"`
}

// BatchEnvelope wraps multiple events into a single posted payload when
// batching is enabled for an event type.
type BatchEnvelope struct {
	Type   string          `json:"type"`
	Events []EventEnvelope `json:"events"`
}

// DeadLetterEntry records a delivery that exhausted its retry budget.
type DeadLetterEntry struct {
	DeliveryID     string    `json:"delivery_id"`
	WebhookID      string    `json:"webhook_id"`
	EventType      string    `json:"event_type"`
	FailureReason  string    `json:"failure_reason"`
	OriginalPayload []byte   `json:"original_payload"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// MaxResponseBodyBytes bounds how much of a webhook response body an Attempt
// record retains.
const MaxResponseBodyBytes = 4096

// TruncateBody returns body bounded to MaxResponseBodyBytes.
func TruncateBody(body []byte) []byte {
	if len(body) <= MaxResponseBodyBytes {
		return body
	}
	return body[:MaxResponseBodyBytes]
}
