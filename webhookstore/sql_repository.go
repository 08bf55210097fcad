package webhookstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/meridian-cache/meridian/pkg/models"
	"github.com/meridian-cache/meridian/security"
)

// SQLRepository is a Postgres-backed alternative to Repository, for
// deployments that want webhook/delivery/attempt records in the same
// database as the rest of their schema instead of on local disk. It
// implements the same Store surface, so it drops into delivery.NewEngine
// and emitter.EngineTrigger without either caring which one is in use.
//
// Unlike Repository's in-memory-indexed, fully cached design, SQLRepository
// goes to the database on every call: there is no subscriber index to keep
// consistent, at the cost of an extra query per WebhooksForEvent lookup.
type SQLRepository struct {
	db        *sqlx.DB
	mode      SecretMode
	encryptor *secretEncryptor
	codec     *security.SignatureCodec
}

type SQLOption func(*SQLRepository)

// WithSQLEncryptedSecretMode is SQLRepository's equivalent of
// WithEncryptedSecretMode.
func WithSQLEncryptedSecretMode(key []byte) SQLOption {
	return func(r *SQLRepository) {
		enc, err := newSecretEncryptor(key)
		if err != nil {
			return
		}
		r.mode = EncryptedSecretMode
		r.encryptor = enc
	}
}

// NewSQLRepository wraps db (already opened against a `postgres`-driver
// DSN, typically via sqlx.Connect("postgres", dsn)), creating its three
// tables if absent.
func NewSQLRepository(db *sqlx.DB, opts ...SQLOption) (*SQLRepository, error) {
	r := &SQLRepository{db: db, codec: security.NewSignatureCodec(0)}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.ensureSchema(context.Background()); err != nil {
		return nil, errors.Wrap(err, "webhookstore: sql schema setup failed")
	}
	return r, nil
}

func (r *SQLRepository) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS webhooks (
			id text PRIMARY KEY,
			url text NOT NULL,
			events text[] NOT NULL,
			description text NOT NULL DEFAULT '',
			headers jsonb,
			active boolean NOT NULL DEFAULT true,
			hashed_secret text NOT NULL DEFAULT '',
			encrypted_secret text NOT NULL DEFAULT '',
			created_at timestamptz NOT NULL,
			updated_at timestamptz NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id text PRIMARY KEY,
			webhook_id text NOT NULL,
			event_type text NOT NULL,
			status text NOT NULL,
			payload bytea,
			timestamp timestamptz NOT NULL,
			attempt_ids text[] NOT NULL DEFAULT '{}',
			idempotency_key text NOT NULL DEFAULT '',
			priority integer NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS deliveries_webhook_id_idx ON deliveries (webhook_id)`,
		`CREATE INDEX IF NOT EXISTS deliveries_idempotency_idx ON deliveries (webhook_id, idempotency_key)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id text PRIMARY KEY,
			delivery_id text NOT NULL,
			status text NOT NULL,
			request_url text NOT NULL DEFAULT '',
			request_headers jsonb,
			request_body bytea,
			response_code integer NOT NULL DEFAULT 0,
			response_body bytea,
			error text NOT NULL DEFAULT '',
			timestamp timestamptz NOT NULL,
			retry_count integer NOT NULL DEFAULT 0,
			next_retry_at timestamptz
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func encodeHeaders(h map[string]string) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	return json.Marshal(h)
}

func decodeHeaders(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var h map[string]string
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil
	}
	return h
}

type sqlWebhookRow struct {
	ID              string         `db:"id"`
	URL             string         `db:"url"`
	Events          pq.StringArray `db:"events"`
	Description     string         `db:"description"`
	Headers         []byte         `db:"headers"`
	Active          bool           `db:"active"`
	HashedSecret    string         `db:"hashed_secret"`
	EncryptedSecret string         `db:"encrypted_secret"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (row *sqlWebhookRow) toModel() *models.Webhook {
	return &models.Webhook{
		ID:              row.ID,
		URL:             row.URL,
		Events:          []string(row.Events),
		Description:     row.Description,
		Headers:         decodeHeaders(row.Headers),
		Active:          row.Active,
		HashedSecret:    row.HashedSecret,
		EncryptedSecret: row.EncryptedSecret,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
}

func (r *SQLRepository) applySecret(w *models.Webhook, secret string) error {
	if r.mode == EncryptedSecretMode && r.encryptor != nil {
		sealed, err := r.encryptor.seal(secret)
		if err != nil {
			return err
		}
		w.EncryptedSecret = sealed
		w.HashedSecret = ""
		return nil
	}
	w.HashedSecret = hashSecret(secret)
	w.EncryptedSecret = ""
	return nil
}

// CreateWebhook inserts a new webhook row, storing only a hash (or
// encrypted form) of secret, matching Repository's contract.
func (r *SQLRepository) CreateWebhook(rawURL string, events []string, description string, active bool, headers map[string]string, secret string) (*models.Webhook, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errors.Wrap(ErrInvalidWebhook, "at least one event is required")
	}

	now := time.Now()
	w := &models.Webhook{
		ID:          uuid.New().String(),
		URL:         rawURL,
		Events:      append([]string(nil), events...),
		Description: description,
		Headers:     headers,
		Active:      active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if secret != "" {
		if err := r.applySecret(w, secret); err != nil {
			return nil, errors.Wrap(err, "webhookstore: applying secret")
		}
	}

	headersJSON, err := encodeHeaders(w.Headers)
	if err != nil {
		return nil, errors.Wrap(err, "webhookstore: encoding headers")
	}

	_, err = r.db.ExecContext(context.Background(), `
		INSERT INTO webhooks (id, url, events, description, headers, active, hashed_secret, encrypted_secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.URL, pq.Array(w.Events), w.Description, headersJSON, w.Active, w.HashedSecret, w.EncryptedSecret, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "webhookstore: inserting webhook")
	}
	return w, nil
}

// UpdateWebhook applies a partial update to an existing webhook row.
func (r *SQLRepository) UpdateWebhook(id string, update WebhookUpdate) (*models.Webhook, error) {
	ctx := context.Background()
	w, err := r.GetWebhook(id)
	if err != nil {
		return nil, err
	}

	if update.URL != nil {
		if err := validateURL(*update.URL); err != nil {
			return nil, err
		}
		w.URL = *update.URL
	}
	if update.Events != nil {
		w.Events = append([]string(nil), update.Events...)
	}
	if update.Description != nil {
		w.Description = *update.Description
	}
	if update.Headers != nil {
		w.Headers = update.Headers
	}
	if update.Active != nil {
		w.Active = *update.Active
	}
	if update.Secret != nil {
		if err := r.applySecret(w, *update.Secret); err != nil {
			return nil, errors.Wrap(err, "webhookstore: applying secret")
		}
	}
	w.UpdatedAt = time.Now()

	headersJSON, err := encodeHeaders(w.Headers)
	if err != nil {
		return nil, errors.Wrap(err, "webhookstore: encoding headers")
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE webhooks SET url=$2, events=$3, description=$4, headers=$5, active=$6,
			hashed_secret=$7, encrypted_secret=$8, updated_at=$9
		WHERE id=$1`,
		w.ID, w.URL, pq.Array(w.Events), w.Description, headersJSON, w.Active, w.HashedSecret, w.EncryptedSecret, w.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "webhookstore: updating webhook")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return w, nil
}

// DeleteWebhook removes a webhook row. Returns false if id did not exist.
func (r *SQLRepository) DeleteWebhook(id string) bool {
	res, err := r.db.ExecContext(context.Background(), `DELETE FROM webhooks WHERE id=$1`, id)
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

// GetWebhook returns the webhook with id, or ErrNotFound.
func (r *SQLRepository) GetWebhook(id string) (*models.Webhook, error) {
	var row sqlWebhookRow
	err := r.db.GetContext(context.Background(), &row, `SELECT * FROM webhooks WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "webhookstore: selecting webhook")
	}
	return row.toModel(), nil
}

// ListWebhooks returns a stable-ordered (by id) page of webhooks along with
// the total record count.
func (r *SQLRepository) ListWebhooks(page, pageSize int) ([]*models.Webhook, int) {
	ctx := context.Background()
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT count(*) FROM webhooks`); err != nil {
		return nil, 0
	}

	start, end := paginate(total, page, pageSize)
	limit := end - start
	if limit <= 0 {
		return []*models.Webhook{}, total
	}

	var rows []sqlWebhookRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM webhooks ORDER BY id LIMIT $1 OFFSET $2`, limit, start); err != nil {
		return nil, total
	}
	items := make([]*models.Webhook, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toModel())
	}
	return items, total
}

// WebhooksForEvent returns every active webhook subscribed to event.
func (r *SQLRepository) WebhooksForEvent(event string) []*models.Webhook {
	var rows []sqlWebhookRow
	err := r.db.SelectContext(context.Background(), &rows, `
		SELECT * FROM webhooks WHERE active = true AND $1 = ANY(events)`, event)
	if err != nil {
		return nil
	}
	items := make([]*models.Webhook, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toModel())
	}
	return items
}

type sqlDeliveryRow struct {
	ID             string         `db:"id"`
	WebhookID      string         `db:"webhook_id"`
	EventType      string         `db:"event_type"`
	Status         string         `db:"status"`
	Payload        []byte         `db:"payload"`
	Timestamp      time.Time      `db:"timestamp"`
	AttemptIDs     pq.StringArray `db:"attempt_ids"`
	IdempotencyKey string         `db:"idempotency_key"`
	Priority       int            `db:"priority"`
}

func (row *sqlDeliveryRow) toModel() *models.Delivery {
	return &models.Delivery{
		ID:             row.ID,
		WebhookID:      row.WebhookID,
		EventType:      row.EventType,
		Status:         models.DeliveryStatus(row.Status),
		Payload:        row.Payload,
		Timestamp:      row.Timestamp,
		AttemptIDs:     []string(row.AttemptIDs),
		IdempotencyKey: row.IdempotencyKey,
		Priority:       row.Priority,
	}
}

// CreateDelivery records a new delivery in pending status.
func (r *SQLRepository) CreateDelivery(webhookID, eventType string, payload []byte) (*models.Delivery, error) {
	d := &models.Delivery{
		ID:         uuid.New().String(),
		WebhookID:  webhookID,
		EventType:  eventType,
		Status:     models.DeliveryPending,
		Payload:    payload,
		Timestamp:  time.Now(),
		AttemptIDs: []string{},
	}
	_, err := r.db.ExecContext(context.Background(), `
		INSERT INTO deliveries (id, webhook_id, event_type, status, payload, timestamp, attempt_ids, idempotency_key, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.WebhookID, d.EventType, string(d.Status), d.Payload, d.Timestamp, pq.Array(d.AttemptIDs), d.IdempotencyKey, d.Priority)
	if err != nil {
		return nil, errors.Wrap(err, "webhookstore: inserting delivery")
	}
	return d, nil
}

// SetIdempotencyKey tags an existing delivery with an idempotency key.
func (r *SQLRepository) SetIdempotencyKey(id, key string) error {
	res, err := r.db.ExecContext(context.Background(), `UPDATE deliveries SET idempotency_key=$2 WHERE id=$1`, id, key)
	if err != nil {
		return errors.Wrap(err, "webhookstore: setting idempotency key")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDelivery returns the delivery with id, or ErrNotFound.
func (r *SQLRepository) GetDelivery(id string) (*models.Delivery, error) {
	var row sqlDeliveryRow
	err := r.db.GetContext(context.Background(), &row, `SELECT * FROM deliveries WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "webhookstore: selecting delivery")
	}
	return row.toModel(), nil
}

// FindDeliveryByIdempotencyKey returns a delivery for webhookID sharing
// idempotencyKey, if one exists.
func (r *SQLRepository) FindDeliveryByIdempotencyKey(webhookID, idempotencyKey string) (*models.Delivery, bool) {
	if idempotencyKey == "" {
		return nil, false
	}
	var row sqlDeliveryRow
	err := r.db.GetContext(context.Background(), &row, `
		SELECT * FROM deliveries WHERE webhook_id=$1 AND idempotency_key=$2 LIMIT 1`, webhookID, idempotencyKey)
	if err != nil {
		return nil, false
	}
	return row.toModel(), true
}

// UpdateDeliveryStatus sets a delivery's status directly.
func (r *SQLRepository) UpdateDeliveryStatus(id string, status models.DeliveryStatus) (*models.Delivery, error) {
	res, err := r.db.ExecContext(context.Background(), `UPDATE deliveries SET status=$2 WHERE id=$1`, id, string(status))
	if err != nil {
		return nil, errors.Wrap(err, "webhookstore: updating delivery status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return r.GetDelivery(id)
}

// DeliveriesForWebhook returns a page of deliveries for webhookID, newest
// first, optionally filtered to one status.
func (r *SQLRepository) DeliveriesForWebhook(webhookID string, page, pageSize int, status models.DeliveryStatus) ([]*models.Delivery, int) {
	ctx := context.Background()
	var total int
	if status != "" {
		if err := r.db.GetContext(ctx, &total, `SELECT count(*) FROM deliveries WHERE webhook_id=$1 AND status=$2`, webhookID, string(status)); err != nil {
			return nil, 0
		}
	} else {
		if err := r.db.GetContext(ctx, &total, `SELECT count(*) FROM deliveries WHERE webhook_id=$1`, webhookID); err != nil {
			return nil, 0
		}
	}

	start, end := paginate(total, page, pageSize)
	limit := end - start
	if limit <= 0 {
		return []*models.Delivery{}, total
	}

	var rows []sqlDeliveryRow
	var err error
	if status != "" {
		err = r.db.SelectContext(ctx, &rows, `
			SELECT * FROM deliveries WHERE webhook_id=$1 AND status=$2
			ORDER BY timestamp DESC LIMIT $3 OFFSET $4`, webhookID, string(status), limit, start)
	} else {
		err = r.db.SelectContext(ctx, &rows, `
			SELECT * FROM deliveries WHERE webhook_id=$1
			ORDER BY timestamp DESC LIMIT $2 OFFSET $3`, webhookID, limit, start)
	}
	if err != nil {
		return nil, total
	}
	items := make([]*models.Delivery, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toModel())
	}
	return items, total
}

type sqlAttemptRow struct {
	ID             string     `db:"id"`
	DeliveryID     string     `db:"delivery_id"`
	Status         string     `db:"status"`
	RequestURL     string     `db:"request_url"`
	RequestHeaders []byte     `db:"request_headers"`
	RequestBody    []byte     `db:"request_body"`
	ResponseCode   int        `db:"response_code"`
	ResponseBody   []byte     `db:"response_body"`
	Error          string     `db:"error"`
	Timestamp      time.Time  `db:"timestamp"`
	RetryCount     int        `db:"retry_count"`
	NextRetryAt    *time.Time `db:"next_retry_at"`
}

func (row *sqlAttemptRow) toModel() *models.Attempt {
	return &models.Attempt{
		ID:             row.ID,
		DeliveryID:     row.DeliveryID,
		Status:         models.AttemptStatus(row.Status),
		RequestURL:     row.RequestURL,
		RequestHeaders: decodeHeaders(row.RequestHeaders),
		RequestBody:    row.RequestBody,
		ResponseCode:   row.ResponseCode,
		ResponseBody:   row.ResponseBody,
		Error:          row.Error,
		Timestamp:      row.Timestamp,
		RetryCount:     row.RetryCount,
		NextRetryAt:    row.NextRetryAt,
	}
}

// CreateAttempt records a new attempt in pending status and links it to its
// parent delivery, all inside one transaction.
func (r *SQLRepository) CreateAttempt(deliveryID string, requestURL string, requestHeaders map[string]string, requestBody []byte) (*models.Attempt, error) {
	ctx := context.Background()
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "webhookstore: beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var d sqlDeliveryRow
	if err := tx.GetContext(ctx, &d, `SELECT * FROM deliveries WHERE id=$1 FOR UPDATE`, deliveryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "webhookstore: locking delivery")
	}

	headersJSON, err := encodeHeaders(requestHeaders)
	if err != nil {
		return nil, errors.Wrap(err, "webhookstore: encoding request headers")
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
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attempts (id, delivery_id, status, request_url, request_headers, request_body, timestamp, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.DeliveryID, string(a.Status), a.RequestURL, headersJSON, a.RequestBody, a.Timestamp, a.RetryCount); err != nil {
		return nil, errors.Wrap(err, "webhookstore: inserting attempt")
	}

	attemptIDs := append([]string(d.AttemptIDs), a.ID)
	if _, err := tx.ExecContext(ctx, `UPDATE deliveries SET attempt_ids=$2 WHERE id=$1`, deliveryID, pq.Array(attemptIDs)); err != nil {
		return nil, errors.Wrap(err, "webhookstore: updating delivery attempt ids")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "webhookstore: committing attempt")
	}
	return a, nil
}

// UpdateAttempt records the outcome of a dispatched attempt and propagates
// the resulting status to the parent delivery, matching Repository's rule.
func (r *SQLRepository) UpdateAttempt(id string, status models.AttemptStatus, code int, body []byte, errMsg string, nextRetryAt *time.Time) (*models.Attempt, error) {
	ctx := context.Background()
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "webhookstore: beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	truncated := models.TruncateBody(body)
	res, err := tx.ExecContext(ctx, `
		UPDATE attempts SET status=$2, response_code=$3, response_body=$4, error=$5, next_retry_at=$6
		WHERE id=$1`, id, string(status), code, truncated, errMsg, nextRetryAt)
	if err != nil {
		return nil, errors.Wrap(err, "webhookstore: updating attempt")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	var a sqlAttemptRow
	if err := tx.GetContext(ctx, &a, `SELECT * FROM attempts WHERE id=$1`, id); err != nil {
		return nil, errors.Wrap(err, "webhookstore: re-selecting attempt")
	}

	var deliveryStatus models.DeliveryStatus
	switch {
	case status == models.AttemptSuccess:
		deliveryStatus = models.DeliverySuccess
	case nextRetryAt != nil:
		deliveryStatus = models.DeliveryRetrying
	default:
		deliveryStatus = models.DeliveryFailed
	}
	if _, err := tx.ExecContext(ctx, `UPDATE deliveries SET status=$2 WHERE id=$1`, a.DeliveryID, string(deliveryStatus)); err != nil {
		return nil, errors.Wrap(err, "webhookstore: propagating delivery status")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "webhookstore: committing attempt update")
	}
	return a.toModel(), nil
}

// GetAttempt returns the attempt with id, or ErrNotFound.
func (r *SQLRepository) GetAttempt(id string) (*models.Attempt, error) {
	var row sqlAttemptRow
	err := r.db.GetContext(context.Background(), &row, `SELECT * FROM attempts WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "webhookstore: selecting attempt")
	}
	return row.toModel(), nil
}

// AttemptsForDelivery returns every attempt recorded against deliveryID, in
// the order they were created.
func (r *SQLRepository) AttemptsForDelivery(deliveryID string) ([]*models.Attempt, error) {
	ctx := context.Background()
	if _, err := r.GetDelivery(deliveryID); err != nil {
		return nil, err
	}
	var rows []sqlAttemptRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM attempts WHERE delivery_id=$1 ORDER BY timestamp ASC`, deliveryID); err != nil {
		return nil, errors.Wrap(err, "webhookstore: selecting attempts")
	}
	items := make([]*models.Attempt, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toModel())
	}
	return items, nil
}

// SignPayload returns a signature over payload for webhookID, using the
// stored hashed (or decrypted) secret as the HMAC key, matching
// Repository.SignPayload byte-for-byte.
func (r *SQLRepository) SignPayload(webhookID string, payload []byte) (string, error) {
	w, err := r.GetWebhook(webhookID)
	if err != nil {
		return "", err
	}
	switch {
	case w.HashedSecret != "":
		return r.codec.Sign(w.HashedSecret, payload), nil
	case w.EncryptedSecret != "" && r.encryptor != nil:
		secret, err := r.encryptor.open(w.EncryptedSecret)
		if err != nil {
			return "", errors.Wrap(err, "webhookstore: opening encrypted secret")
		}
		return r.codec.Sign(secret, payload), nil
	default:
		return "", ErrNoSecret
	}
}
