package webhookstore

import "errors"

var (
	// ErrNotFound is returned when a webhook, delivery, or attempt id has no
	// matching record.
	ErrNotFound = errors.New("webhookstore: not found")

	// ErrInvalidWebhook is returned when a webhook's required fields fail
	// validation (empty URL, empty event list, malformed URL).
	ErrInvalidWebhook = errors.New("webhookstore: invalid webhook")

	// ErrNoSecret is returned by SignPayload when the webhook has no stored
	// secret to sign with.
	ErrNoSecret = errors.New("webhookstore: webhook has no secret configured")
)
