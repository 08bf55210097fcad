// Package delivery is the webhook delivery engine: a bounded priority
// queue of delivery tasks, a worker pool that executes each task's attempt
// loop with exponential backoff, and the batching, debouncing, queue
// persistence, and dead-letter machinery layered on top.
package delivery

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meridian-cache/meridian/monitoring"
	"github.com/meridian-cache/meridian/pkg/models"
	"github.com/meridian-cache/meridian/security"
	"github.com/meridian-cache/meridian/webhookstore"
)

// TaskOptions carries the optional per-call knobs for QueueEvent and
// DeliverEvent.
type TaskOptions struct {
	Priority       int
	IdempotencyKey string
	DebounceKey    string
	Headers        map[string]string
}

// Engine owns the queue, worker pool, and auxiliary structures described in
// the package doc comment.
type Engine struct {
	cfg  Config
	repo webhookstore.Store

	httpClient  *http.Client
	pacer       *security.AttemptPacer
	transformer PayloadTransformer

	queue    *boundedPriorityQueue
	batch    *batchManager
	debounce *debounceManager
	dlq      *deadLetterQueue
	journal  *journal

	webhookMu   sync.Mutex
	perWebhook  map[string]*sync.Mutex
	workerWG    sync.WaitGroup
	runCtx      context.Context
	cancel      context.CancelFunc
	started     bool
	stopped     bool
	lifecycleMu sync.Mutex
}

// NewEngine constructs an Engine, normalizing cfg via Validate and
// rehydrating any pending tasks from the queue journal when
// cfg.PersistQueue is set.
func NewEngine(cfg Config, repo webhookstore.Store, transformer PayloadTransformer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:         cfg,
		repo:        repo,
		httpClient:  &http.Client{},
		pacer:       security.NewAttemptPacer(cfg.AttemptsPerSecond, cfg.AttemptBurst),
		transformer: transformer,
		queue:       newBoundedPriorityQueue(cfg.QueueCapacity),
		dlq:         newDeadLetterQueue(),
		perWebhook:  make(map[string]*sync.Mutex),
	}
	e.batch = newBatchManager(e)
	e.debounce = newDebounceManager(e)

	if cfg.PersistQueue {
		if cfg.QueueFile == "" {
			return nil, fmt.Errorf("delivery: PersistQueue requires QueueFile")
		}
		e.journal = newJournal(cfg.QueueFile)
		pending, err := e.journal.rehydrate()
		if err != nil {
			return nil, err
		}
		for _, t := range pending {
			_ = e.queue.Push(t)
		}
	}

	return e, nil
}

// QueueLen reports how many tasks are currently queued, awaiting a worker.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

func (e *Engine) webhookLock(webhookID string) *sync.Mutex {
	e.webhookMu.Lock()
	defer e.webhookMu.Unlock()
	m, ok := e.perWebhook[webhookID]
	if !ok {
		m = &sync.Mutex{}
		e.perWebhook[webhookID] = m
	}
	return m
}

// Start launches cfg.MaxWorkers worker goroutines. ctx governs their
// lifetime in addition to Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.started {
		return fmt.Errorf("delivery: engine already started")
	}
	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.started = true

	for i := 0; i < e.cfg.MaxWorkers; i++ {
		e.workerWG.Add(1)
		go e.workerLoop()
	}
	return nil
}

// Stop cancels in-progress retry delays, drains running workers, and (when
// queue persistence is enabled) compacts the journal to the tasks not yet
// journaled as dequeued: those still queued and those whose attempt loop
// was cancelled. In-flight attempts run to completion or until their
// per-attempt timeout; their deliveries are left in whatever state they
// reached.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifecycleMu.Lock()
	if e.stopped {
		e.lifecycleMu.Unlock()
		return nil
	}
	e.stopped = true
	e.lifecycleMu.Unlock()

	e.queue.Close()
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if e.journal != nil {
		pending, err := e.journal.rehydrate()
		if err != nil {
			return err
		}
		return e.journal.compact(pending)
	}
	return nil
}

func (e *Engine) workerLoop() {
	defer e.workerWG.Done()
	for {
		task, ok := e.queue.Pop()
		if !ok {
			return
		}
		e.runTask(task)
	}
}

func (e *Engine) runTask(task *Task) {
	lock := e.webhookLock(task.WebhookID)
	lock.Lock()
	defer lock.Unlock()

	var runErr error
	if task.IsBatch {
		payload, err := buildBatchPayload(task.BatchPayload)
		if err != nil {
			return
		}
		runErr = e.runAttemptLoop(e.runCtx, task.WebhookID, task.DeliveryID, task.EventType, payload)
	} else {
		runErr = e.runAttemptLoop(e.runCtx, task.WebhookID, task.DeliveryID, task.EventType, task.Payload)
	}

	// A cancelled attempt loop (Stop mid-retry-delay) leaves the delivery in
	// its current retrying state; it is not journaled as dequeued so it
	// rehydrates and resumes on the next restart.
	if runErr == nil && e.journal != nil {
		_ = e.journal.appendDequeue(task.DeliveryID)
	}
}

// enqueueImmediate creates a new delivery record and pushes a single-event
// task for it.
func (e *Engine) enqueueImmediate(webhookID, eventType string, payload []byte, priority int, idempotencyKey string) error {
	d, err := e.repo.CreateDelivery(webhookID, eventType, payload)
	if err != nil {
		return err
	}
	task := &Task{DeliveryID: d.ID, WebhookID: webhookID, EventType: eventType, Payload: payload, Priority: priority, IdempotencyKey: idempotencyKey}
	if e.journal != nil {
		_ = e.journal.appendEnqueue(task)
	}
	return e.queue.Push(task)
}

func (e *Engine) enqueueBatch(webhookID, eventType string, events [][]byte, priority int) error {
	d, err := e.repo.CreateDelivery(webhookID, eventType, nil)
	if err != nil {
		return err
	}
	task := &Task{DeliveryID: d.ID, WebhookID: webhookID, EventType: eventType, IsBatch: true, BatchPayload: events, Priority: priority}
	if e.journal != nil {
		_ = e.journal.appendEnqueue(task)
	}
	return e.queue.Push(task)
}

// QueueEvent is the non-blocking entry point: it validates the webhook and
// subscription synchronously, then either enqueues a task directly or
// routes the event through batching/debouncing depending on configuration.
func (e *Engine) QueueEvent(webhookID, eventType string, data interface{}, opts TaskOptions) (*models.Delivery, error) {
	e.lifecycleMu.Lock()
	stopped := e.stopped
	e.lifecycleMu.Unlock()
	if stopped {
		return nil, ErrStopped
	}

	w, err := e.repo.GetWebhook(webhookID)
	if err == webhookstore.ErrNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	if !w.SubscribedTo(eventType) {
		return nil, ErrNotSubscribed
	}

	if opts.IdempotencyKey != "" {
		if existing, ok := e.repo.FindDeliveryByIdempotencyKey(webhookID, opts.IdempotencyKey); ok {
			return existing, nil
		}
	}

	env := buildEnvelope(eventType, data, e.transformer)
	payload, err := marshalEnvelope(env)
	if err != nil {
		return nil, fmt.Errorf("delivery: %w", err)
	}

	switch e.cfg.dispatchMode(eventType) {
	case DispatchBatch:
		d, err := e.repo.CreateDelivery(webhookID, eventType, payload)
		if err != nil {
			return nil, err
		}
		if opts.IdempotencyKey != "" {
			_ = e.repo.SetIdempotencyKey(d.ID, opts.IdempotencyKey)
		}
		if err := e.batch.add(webhookID, eventType, payload, opts.Priority); err != nil {
			return nil, err
		}
		return d, nil

	case DispatchDebounce:
		d, err := e.repo.CreateDelivery(webhookID, eventType, payload)
		if err != nil {
			return nil, err
		}
		if opts.IdempotencyKey != "" {
			_ = e.repo.SetIdempotencyKey(d.ID, opts.IdempotencyKey)
		}
		key := opts.DebounceKey
		if key == "" {
			key = batchKey(webhookID, eventType)
		}
		e.debounce.schedule(key, webhookID, eventType, payload, opts.Priority)
		return d, nil

	default:
		d, err := e.repo.CreateDelivery(webhookID, eventType, payload)
		if err != nil {
			return nil, err
		}
		if opts.IdempotencyKey != "" {
			_ = e.repo.SetIdempotencyKey(d.ID, opts.IdempotencyKey)
		}
		task := &Task{DeliveryID: d.ID, WebhookID: webhookID, EventType: eventType, Payload: payload, Priority: opts.Priority, IdempotencyKey: opts.IdempotencyKey}
		if err := e.queue.Push(task); err != nil {
			return d, err
		}
		if e.journal != nil {
			_ = e.journal.appendEnqueue(task)
		}
		return d, nil
	}
}

// DeliverEvent is the synchronous entry point: it performs the entire
// attempt sequence in-line, including any retry delays, and returns only
// once the delivery reaches a terminal state or ctx is cancelled.
func (e *Engine) DeliverEvent(ctx context.Context, webhookID, eventType string, data interface{}, opts TaskOptions) (*models.Delivery, error) {
	w, err := e.repo.GetWebhook(webhookID)
	if err == webhookstore.ErrNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	if !w.SubscribedTo(eventType) {
		return nil, ErrNotSubscribed
	}

	if opts.IdempotencyKey != "" {
		if existing, ok := e.repo.FindDeliveryByIdempotencyKey(webhookID, opts.IdempotencyKey); ok {
			return existing, nil
		}
	}

	env := buildEnvelope(eventType, data, e.transformer)
	payload, err := marshalEnvelope(env)
	if err != nil {
		return nil, fmt.Errorf("delivery: %w", err)
	}

	d, err := e.repo.CreateDelivery(webhookID, eventType, payload)
	if err != nil {
		return nil, err
	}
	if opts.IdempotencyKey != "" {
		_ = e.repo.SetIdempotencyKey(d.ID, opts.IdempotencyKey)
	}

	lock := e.webhookLock(webhookID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.runAttemptLoop(ctx, webhookID, d.ID, eventType, payload); err != nil {
		return nil, err
	}
	return e.repo.GetDelivery(d.ID)
}

// runAttemptLoop drives one delivery's attempts to a terminal state:
// success, permanent failure, or max-retries-exceeded (with an optional DLQ
// entry). Caller must hold the per-webhook lock.
func (e *Engine) runAttemptLoop(ctx context.Context, webhookID, deliveryID, eventType string, payload []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BaseDelay
	b.MaxInterval = e.cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	for attempt := 1; ; attempt++ {
		w, err := e.repo.GetWebhook(webhookID)
		if err != nil {
			e.finalizePermanent(deliveryID, webhookID, eventType, "webhook no longer exists")
			return nil
		}
		if !w.Active {
			e.finalizePermanent(deliveryID, webhookID, eventType, errWebhookInactive.Error())
			return nil
		}
		if !w.SubscribedTo(eventType) {
			e.finalizePermanent(deliveryID, webhookID, eventType, ErrNotSubscribed.Error())
			return nil
		}

		a, err := e.repo.CreateAttempt(deliveryID, w.URL, w.Headers, payload)
		if err != nil {
			return err
		}

		attemptStart := time.Now()
		result := e.postPayload(ctx, webhookID, w.URL, payload, w.Headers, e.cfg.AttemptTimeout)
		category := classify(result)
		e.publishWebhookMetric(ctx, webhookID, eventType, "attempt", attemptStart)

		switch category {
		case outcomeSuccess:
			_, _ = e.repo.UpdateAttempt(a.ID, models.AttemptSuccess, result.statusCode, result.body, "", nil)
			e.publishWebhookMetric(ctx, webhookID, eventType, "success", attemptStart)
			return nil

		case outcomePermanent:
			status := models.AttemptFailed
			if result.timedOut {
				status = models.AttemptTimeout
			}
			_, _ = e.repo.UpdateAttempt(a.ID, status, result.statusCode, result.body, errString(result), nil)
			e.publishWebhookMetric(ctx, webhookID, eventType, "failure", attemptStart)
			return nil

		default: // transient
			if attempt >= e.cfg.MaxAttempts {
				status := models.AttemptFailed
				if result.timedOut {
					status = models.AttemptTimeout
				}
				_, _ = e.repo.UpdateAttempt(a.ID, status, result.statusCode, result.body, errString(result), nil)
				_, _ = e.repo.UpdateDeliveryStatus(deliveryID, models.DeliveryMaxRetriesExceeded)
				e.publishWebhookMetric(ctx, webhookID, eventType, "failure", attemptStart)
				if e.cfg.DLQEnabled {
					e.dlq.add(models.DeadLetterEntry{
						DeliveryID: deliveryID, WebhookID: webhookID, EventType: eventType,
						FailureReason: errString(result), OriginalPayload: payload, EnqueuedAt: time.Now(),
					})
					e.publishWebhookMetric(ctx, webhookID, eventType, "dead_letter", attemptStart)
				}
				return nil
			}

			delay := b.NextBackOff()
			next := time.Now().Add(delay)
			status := models.AttemptFailed
			if result.timedOut {
				status = models.AttemptTimeout
			}
			_, _ = e.repo.UpdateAttempt(a.ID, status, result.statusCode, result.body, errString(result), &next)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ErrCancelled
			}
		}
	}
}

// publishWebhookMetric feeds the monitoring service's shared stats surface
// (C13) with this attempt's outcome. Publish failures are logged and
// otherwise ignored — metrics must never block or fail a delivery.
func (e *Engine) publishWebhookMetric(ctx context.Context, webhookID, eventType, outcome string, start time.Time) {
	event := &monitoring.WebhookMetricEvent{
		WebhookID: webhookID,
		EventType: eventType,
		Outcome:   outcome,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		Timestamp: time.Now(),
	}
	if _, err := monitoring.WebhookMetricsTopic.Publish(ctx, event); err != nil {
		log.Printf(`{"level":"warn","component":"delivery","msg":"webhook metric publish failed","webhook_id":%q,"error":%q}`, webhookID, err.Error())
	}
}

func (e *Engine) finalizePermanent(deliveryID, webhookID, eventType, reason string) {
	_, _ = e.repo.UpdateDeliveryStatus(deliveryID, models.DeliveryFailed)
	log.Printf(`{"level":"warn","component":"delivery","msg":"delivery failed permanently","delivery_id":%q,"webhook_id":%q,"event_type":%q,"reason":%q}`,
		deliveryID, webhookID, eventType, reason)
}

func errString(r dispatchResult) string {
	if r.err != nil {
		return r.err.Error()
	}
	return ""
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeTransient
	outcomePermanent
)

func classify(r dispatchResult) outcome {
	if r.malformed {
		return outcomePermanent
	}
	if r.err != nil {
		return outcomeTransient
	}
	switch {
	case r.statusCode >= 200 && r.statusCode < 300:
		return outcomeSuccess
	case r.statusCode == 408 || r.statusCode == 429:
		return outcomeTransient
	case r.statusCode >= 500:
		return outcomeTransient
	default:
		return outcomePermanent
	}
}
