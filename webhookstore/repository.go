// Package webhookstore is the durable store for webhooks, deliveries, and
// attempts. Each record is serialized as one JSON file in a dedicated
// subdirectory; loading on startup populates the in-memory indices,
// including a subscriber index (event -> set of webhook ids) kept current
// on every create, update, and delete.
package webhookstore

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-cache/meridian/pkg/models"
	"github.com/meridian-cache/meridian/security"
)

const (
	webhooksDir   = "webhooks"
	deliveriesDir = "deliveries"
	attemptsDir   = "attempts"
)

// Repository is a file-backed, in-memory-indexed store. All exported
// methods are safe for concurrent use.
type Repository struct {
	mu   sync.RWMutex
	root string

	webhooks   map[string]*models.Webhook
	deliveries map[string]*models.Delivery
	attempts   map[string]*models.Attempt

	// subscriberIndex maps an event type to the set of active, subscribed
	// webhook ids. Rebuilt from webhooks on load and kept incrementally
	// current by mutating methods.
	subscriberIndex map[string]map[string]struct{}

	mode      SecretMode
	encryptor *secretEncryptor
	codec     *security.SignatureCodec
}

// Option configures a Repository at construction time.
type Option func(*Repository)

// WithEncryptedSecretMode switches the repository into EncryptedSecretMode
// using key (must be 32 bytes) instead of the default HashedSecretMode.
func WithEncryptedSecretMode(key []byte) Option {
	return func(r *Repository) {
		enc, err := newSecretEncryptor(key)
		if err != nil {
			log.Printf(`{"level":"error","component":"webhookstore","msg":"invalid encryption key, falling back to hashed-secret mode","error":%q}`, err.Error())
			return
		}
		r.mode = EncryptedSecretMode
		r.encryptor = enc
	}
}

// NewRepository creates (if needed) root and its webhooks/deliveries/
// attempts subdirectories, then loads any existing records, skipping
// unreadable or corrupted files with a logged warning rather than failing
// startup.
func NewRepository(root string, opts ...Option) (*Repository, error) {
	if root == "" {
		return nil, fmt.Errorf("webhookstore: repository requires a root directory")
	}
	for _, sub := range []string{webhooksDir, deliveriesDir, attemptsDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("webhookstore: %w", err)
		}
	}

	r := &Repository{
		root:            root,
		webhooks:        make(map[string]*models.Webhook),
		deliveries:      make(map[string]*models.Delivery),
		attempts:        make(map[string]*models.Attempt),
		subscriberIndex: make(map[string]map[string]struct{}),
		codec:           security.NewSignatureCodec(0),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.load()
	return r, nil
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("webhookstore: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("webhookstore: %w", err)
	}
	return os.Rename(tmp, path)
}

func (r *Repository) load() {
	r.loadWebhooks()
	r.loadDeliveries()
	r.loadAttempts()
}

func (r *Repository) loadWebhooks() {
	dir := filepath.Join(r.root, webhooksDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			log.Printf(`{"level":"warn","component":"webhookstore","msg":"skipping unreadable webhook file","file":%q}`, e.Name())
			continue
		}
		var w models.Webhook
		if err := json.Unmarshal(data, &w); err != nil {
			log.Printf(`{"level":"warn","component":"webhookstore","msg":"skipping corrupted webhook file","file":%q}`, e.Name())
			continue
		}
		r.webhooks[w.ID] = &w
		r.indexWebhook(&w)
	}
}

func (r *Repository) loadDeliveries() {
	dir := filepath.Join(r.root, deliveriesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			log.Printf(`{"level":"warn","component":"webhookstore","msg":"skipping unreadable delivery file","file":%q}`, e.Name())
			continue
		}
		var d models.Delivery
		if err := json.Unmarshal(data, &d); err != nil {
			log.Printf(`{"level":"warn","component":"webhookstore","msg":"skipping corrupted delivery file","file":%q}`, e.Name())
			continue
		}
		r.deliveries[d.ID] = &d
	}
}

func (r *Repository) loadAttempts() {
	dir := filepath.Join(r.root, attemptsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			log.Printf(`{"level":"warn","component":"webhookstore","msg":"skipping unreadable attempt file","file":%q}`, e.Name())
			continue
		}
		var a models.Attempt
		if err := json.Unmarshal(data, &a); err != nil {
			log.Printf(`{"level":"warn","component":"webhookstore","msg":"skipping corrupted attempt file","file":%q}`, e.Name())
			continue
		}
		r.attempts[a.ID] = &a
	}
}

// indexWebhook adds w to the subscriber index. Caller must hold r.mu.
func (r *Repository) indexWebhook(w *models.Webhook) {
	if !w.Active {
		return
	}
	for _, ev := range w.Events {
		set, ok := r.subscriberIndex[ev]
		if !ok {
			set = make(map[string]struct{})
			r.subscriberIndex[ev] = set
		}
		set[w.ID] = struct{}{}
	}
}

// unindexWebhook removes w from the subscriber index. Caller must hold r.mu.
func (r *Repository) unindexWebhook(w *models.Webhook) {
	for _, ev := range w.Events {
		if set, ok := r.subscriberIndex[ev]; ok {
			delete(set, w.ID)
			if len(set) == 0 {
				delete(r.subscriberIndex, ev)
			}
		}
	}
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: %q is not a valid absolute URL", ErrInvalidWebhook, raw)
	}
	return nil
}

// CreateWebhook registers a new webhook, storing only a hash (or, in
// EncryptedSecretMode, an encrypted form) of the given secret.
func (r *Repository) CreateWebhook(rawURL string, events []string, description string, active bool, headers map[string]string, secret string) (*models.Webhook, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: at least one event is required", ErrInvalidWebhook)
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
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := writeJSONAtomic(r.webhookPath(w.ID), w); err != nil {
		return nil, err
	}
	r.webhooks[w.ID] = w
	r.indexWebhook(w)
	return cloneWebhook(w), nil
}

func (r *Repository) applySecret(w *models.Webhook, secret string) error {
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

// WebhookUpdate carries the partial fields of an UpdateWebhook call. A nil
// field leaves the corresponding stored field unchanged.
type WebhookUpdate struct {
	URL         *string
	Events      []string
	Description *string
	Headers     map[string]string
	Active      *bool
	Secret      *string
}

// UpdateWebhook applies a partial update, maintaining subscriber-index
// deltas when Events or Active change.
func (r *Repository) UpdateWebhook(id string, update WebhookUpdate) (*models.Webhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}

	r.unindexWebhook(w)

	if update.URL != nil {
		if err := validateURL(*update.URL); err != nil {
			r.indexWebhook(w)
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
			r.indexWebhook(w)
			return nil, err
		}
	}
	w.UpdatedAt = time.Now()

	r.indexWebhook(w)

	if err := writeJSONAtomic(r.webhookPath(w.ID), w); err != nil {
		return nil, err
	}
	return cloneWebhook(w), nil
}

// DeleteWebhook removes a webhook's record and index entries. Returns false
// if id did not exist.
func (r *Repository) DeleteWebhook(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.webhooks[id]
	if !ok {
		return false
	}
	r.unindexWebhook(w)
	delete(r.webhooks, id)
	if err := os.Remove(r.webhookPath(id)); err != nil && !os.IsNotExist(err) {
		log.Printf(`{"level":"warn","component":"webhookstore","msg":"failed to remove webhook file","id":%q,"error":%q}`, id, err.Error())
	}
	return true
}

// GetWebhook returns the webhook with id, or ErrNotFound.
func (r *Repository) GetWebhook(id string) (*models.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWebhook(w), nil
}

// ListWebhooks returns a stable-ordered (by id) page of webhooks along with
// the total record count, for the webhook management list endpoint.
func (r *Repository) ListWebhooks(page, pageSize int) ([]*models.Webhook, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.webhooks))
	for id := range r.webhooks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	total := len(ids)
	start, end := paginate(total, page, pageSize)
	items := make([]*models.Webhook, 0, end-start)
	for _, id := range ids[start:end] {
		items = append(items, cloneWebhook(r.webhooks[id]))
	}
	return items, total
}

// paginate clamps a 1-indexed (page, pageSize) pair against total and
// returns the resulting [start, end) slice bounds.
func paginate(total, page, pageSize int) (int, int) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return start, end
}

// WebhooksForEvent returns every active webhook subscribed to event, using
// the subscriber index rather than a full scan.
func (r *Repository) WebhooksForEvent(event string) []*models.Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.subscriberIndex[event]
	result := make([]*models.Webhook, 0, len(ids))
	for id := range ids {
		if w, ok := r.webhooks[id]; ok {
			result = append(result, cloneWebhook(w))
		}
	}
	return result
}

func (r *Repository) webhookPath(id string) string {
	return filepath.Join(r.root, webhooksDir, id+".json")
}

func cloneWebhook(w *models.Webhook) *models.Webhook {
	cp := *w
	cp.Events = append([]string(nil), w.Events...)
	if w.Headers != nil {
		cp.Headers = make(map[string]string, len(w.Headers))
		for k, v := range w.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}
