package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-cache/meridian/pkg/models"
)

// PayloadTransformer optionally rewrites an event envelope before it is
// signed and sent, e.g. to add timestamps or mask fields.
type PayloadTransformer func(models.EventEnvelope) models.EventEnvelope

// buildEnvelope constructs the event envelope posted to a webhook.
func buildEnvelope(eventType string, data interface{}, transform PayloadTransformer) models.EventEnvelope {
	env := models.EventEnvelope{
		ID:        uuid.New().String(),
		Type:      eventType,
		CreatedAt: time.Now(),
		Data:      data,
	}
	if transform != nil {
		env = transform(env)
	}
	return env
}

// dispatchResult captures the outcome of one HTTP POST attempt.
type dispatchResult struct {
	statusCode int
	body       []byte
	err        error
	timedOut   bool
	malformed  bool // true only for a malformed request built before the round trip
}

// postPayload signs body for webhookID and POSTs it to url with merged
// headers, enforcing timeout as the per-attempt deadline.
func (e *Engine) postPayload(ctx context.Context, webhookID, url string, body []byte, customHeaders map[string]string, timeout time.Duration) dispatchResult {
	if err := e.pacer.Wait(ctx); err != nil {
		return dispatchResult{err: fmt.Errorf("delivery: attempt pacer: %w", err)}
	}

	// A webhook with no secret configured is a legitimate, unsigned state;
	// SignPayload's error is ignored and sig stays empty in that case.
	sig, _ := e.repo.SignPayload(webhookID, body)

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return dispatchResult{err: fmt.Errorf("delivery: malformed request: %w", err), malformed: true}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "meridian-webhooks/1.0")
	req.Header.Set("X-Webhook-ID", webhookID)
	if sig != "" {
		req.Header.Set("X-Webhook-Signature", sig)
	}
	for k, v := range customHeaders {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return dispatchResult{timedOut: true, err: err}
		}
		return dispatchResult{err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, int64(models.MaxResponseBodyBytes)+1))
	return dispatchResult{statusCode: resp.StatusCode, body: respBody}
}

func marshalEnvelope(env models.EventEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

func marshalBatch(envelopes []models.EventEnvelope) ([]byte, error) {
	return json.Marshal(models.BatchEnvelope{Type: "batch", Events: envelopes})
}

// buildBatchPayload reassembles a flushed batch's raw envelope bytes (each
// produced earlier by buildEnvelope+marshalEnvelope) into one combined
// batch envelope.
func buildBatchPayload(rawEnvelopes [][]byte) ([]byte, error) {
	envelopes := make([]models.EventEnvelope, 0, len(rawEnvelopes))
	for _, raw := range rawEnvelopes {
		var env models.EventEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("delivery: %w", err)
		}
		envelopes = append(envelopes, env)
	}
	return marshalBatch(envelopes)
}
