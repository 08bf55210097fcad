package webhookstore

import (
	"time"

	"github.com/meridian-cache/meridian/pkg/models"
)

// Store is the full webhook/delivery/attempt persistence surface. Repository
// (file-backed JSON) and SQLRepository (Postgres-backed) both satisfy it, so
// the delivery engine, the event emitter's trigger, and the webhook
// management API depend on this interface rather than a concrete type.
type Store interface {
	CreateWebhook(rawURL string, events []string, description string, active bool, headers map[string]string, secret string) (*models.Webhook, error)
	UpdateWebhook(id string, update WebhookUpdate) (*models.Webhook, error)
	DeleteWebhook(id string) bool
	GetWebhook(id string) (*models.Webhook, error)
	ListWebhooks(page, pageSize int) ([]*models.Webhook, int)
	WebhooksForEvent(event string) []*models.Webhook

	CreateDelivery(webhookID, eventType string, payload []byte) (*models.Delivery, error)
	SetIdempotencyKey(id, key string) error
	GetDelivery(id string) (*models.Delivery, error)
	FindDeliveryByIdempotencyKey(webhookID, idempotencyKey string) (*models.Delivery, bool)
	UpdateDeliveryStatus(id string, status models.DeliveryStatus) (*models.Delivery, error)
	DeliveriesForWebhook(webhookID string, page, pageSize int, status models.DeliveryStatus) ([]*models.Delivery, int)

	CreateAttempt(deliveryID string, requestURL string, requestHeaders map[string]string, requestBody []byte) (*models.Attempt, error)
	UpdateAttempt(id string, status models.AttemptStatus, code int, body []byte, errMsg string, nextRetryAt *time.Time) (*models.Attempt, error)
	GetAttempt(id string) (*models.Attempt, error)
	AttemptsForDelivery(deliveryID string) ([]*models.Attempt, error)

	SignPayload(webhookID string, payload []byte) (string, error)
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*SQLRepository)(nil)
)
