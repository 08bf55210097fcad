package webhookstore

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-cache/meridian/pkg/models"
)

// CreateDelivery records a new delivery in pending status.
func (r *Repository) CreateDelivery(webhookID, eventType string, payload []byte) (*models.Delivery, error) {
	d := &models.Delivery{
		ID:         uuid.New().String(),
		WebhookID:  webhookID,
		EventType:  eventType,
		Status:     models.DeliveryPending,
		Payload:    payload,
		Timestamp:  time.Now(),
		AttemptIDs: []string{},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := writeJSONAtomic(r.deliveryPath(d.ID), d); err != nil {
		return nil, err
	}
	r.deliveries[d.ID] = d
	return cloneDelivery(d), nil
}

// SetIdempotencyKey tags an existing delivery with an idempotency key so a
// later FindDeliveryByIdempotencyKey call can return it instead of a
// duplicate being created.
func (r *Repository) SetIdempotencyKey(id, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.IdempotencyKey = key
	return writeJSONAtomic(r.deliveryPath(d.ID), d)
}

// GetDelivery returns the delivery with id, or ErrNotFound.
func (r *Repository) GetDelivery(id string) (*models.Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDelivery(d), nil
}

// FindDeliveryByIdempotencyKey returns a non-terminal or completed delivery
// for the given webhook sharing idempotencyKey, if one exists.
func (r *Repository) FindDeliveryByIdempotencyKey(webhookID, idempotencyKey string) (*models.Delivery, bool) {
	if idempotencyKey == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.deliveries {
		if d.WebhookID == webhookID && d.IdempotencyKey == idempotencyKey {
			return cloneDelivery(d), true
		}
	}
	return nil, false
}

// UpdateDeliveryStatus sets a delivery's status directly (used by the
// delivery engine when it marks a delivery max-retries-exceeded or
// cancelled without going through an attempt update).
func (r *Repository) UpdateDeliveryStatus(id string, status models.DeliveryStatus) (*models.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	d.Status = status
	if err := writeJSONAtomic(r.deliveryPath(d.ID), d); err != nil {
		return nil, err
	}
	return cloneDelivery(d), nil
}

// CreateAttempt records a new attempt in pending status and links it to its
// parent delivery.
func (r *Repository) CreateAttempt(deliveryID string, requestURL string, requestHeaders map[string]string, requestBody []byte) (*models.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deliveries[deliveryID]
	if !ok {
		return nil, ErrNotFound
	}

	a := &models.Attempt{
		ID:             uuid.New().String(),
		DeliveryID:     deliveryID,
		Status:         models.AttemptPending,
		RequestURL:     requestURL,
		RequestHeaders: requestHeaders,
		RequestBody:    requestBody,
		Timestamp:      time.Now(),
		RetryCount:     len(d.AttemptIDs),
	}

	if err := writeJSONAtomic(r.attemptPath(a.ID), a); err != nil {
		return nil, err
	}
	r.attempts[a.ID] = a

	d.AttemptIDs = append(d.AttemptIDs, a.ID)
	if err := writeJSONAtomic(r.deliveryPath(d.ID), d); err != nil {
		return nil, err
	}

	return cloneAttempt(a), nil
}

// UpdateAttempt records the outcome of a dispatched attempt and propagates
// the resulting status to the parent delivery: a success attempt marks the
// delivery success; a failed attempt marks it failed only when nextRetryAt
// is nil (no further attempt is scheduled), otherwise retrying.
func (r *Repository) UpdateAttempt(id string, status models.AttemptStatus, code int, body []byte, errMsg string, nextRetryAt *time.Time) (*models.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}

	a.Status = status
	a.ResponseCode = code
	a.ResponseBody = models.TruncateBody(body)
	a.Error = errMsg
	a.NextRetryAt = nextRetryAt

	if err := writeJSONAtomic(r.attemptPath(a.ID), a); err != nil {
		return nil, err
	}

	if d, ok := r.deliveries[a.DeliveryID]; ok {
		switch {
		case status == models.AttemptSuccess:
			d.Status = models.DeliverySuccess
		case nextRetryAt != nil:
			d.Status = models.DeliveryRetrying
		default:
			d.Status = models.DeliveryFailed
		}
		if err := writeJSONAtomic(r.deliveryPath(d.ID), d); err != nil {
			return nil, err
		}
	}

	return cloneAttempt(a), nil
}

// GetAttempt returns the attempt with id, or ErrNotFound.
func (r *Repository) GetAttempt(id string) (*models.Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAttempt(a), nil
}

// AttemptsForDelivery returns every attempt recorded against deliveryID, in
// the order they were created.
func (r *Repository) AttemptsForDelivery(deliveryID string) ([]*models.Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deliveries[deliveryID]
	if !ok {
		return nil, ErrNotFound
	}
	attempts := make([]*models.Attempt, 0, len(d.AttemptIDs))
	for _, id := range d.AttemptIDs {
		if a, ok := r.attempts[id]; ok {
			attempts = append(attempts, cloneAttempt(a))
		}
	}
	return attempts, nil
}

// DeliveriesForWebhook returns a page of deliveries for webhookID, newest
// first, optionally filtered to one status, along with the total count of
// matching deliveries (before pagination).
func (r *Repository) DeliveriesForWebhook(webhookID string, page, pageSize int, status models.DeliveryStatus) ([]*models.Delivery, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*models.Delivery, 0)
	for _, d := range r.deliveries {
		if d.WebhookID != webhookID {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		matched = append(matched, d)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	start, end := paginate(total, page, pageSize)
	items := make([]*models.Delivery, 0, end-start)
	for _, d := range matched[start:end] {
		items = append(items, cloneDelivery(d))
	}
	return items, total
}

// SignPayload returns a signature over payload for webhookID, using the
// stored hashed secret (or, in EncryptedSecretMode, the decrypted secret) as
// the HMAC key. Returns ErrNoSecret if the webhook has no secret configured.
func (r *Repository) SignPayload(webhookID string, payload []byte) (string, error) {
	r.mu.RLock()
	w, ok := r.webhooks[webhookID]
	r.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}

	switch {
	case w.HashedSecret != "":
		return r.codec.Sign(w.HashedSecret, payload), nil
	case w.EncryptedSecret != "" && r.encryptor != nil:
		secret, err := r.encryptor.open(w.EncryptedSecret)
		if err != nil {
			return "", fmt.Errorf("webhookstore: %w", err)
		}
		return r.codec.Sign(secret, payload), nil
	default:
		return "", ErrNoSecret
	}
}

func (r *Repository) deliveryPath(id string) string {
	return filepath.Join(r.root, deliveriesDir, id+".json")
}

func (r *Repository) attemptPath(id string) string {
	return filepath.Join(r.root, attemptsDir, id+".json")
}

func cloneDelivery(d *models.Delivery) *models.Delivery {
	cp := *d
	cp.Payload = append([]byte(nil), d.Payload...)
	cp.AttemptIDs = append([]string(nil), d.AttemptIDs...)
	return &cp
}

func cloneAttempt(a *models.Attempt) *models.Attempt {
	cp := *a
	cp.RequestBody = append([]byte(nil), a.RequestBody...)
	cp.ResponseBody = append([]byte(nil), a.ResponseBody...)
	if a.RequestHeaders != nil {
		cp.RequestHeaders = make(map[string]string, len(a.RequestHeaders))
		for k, v := range a.RequestHeaders {
			cp.RequestHeaders[k] = v
		}
	}
	return &cp
}
