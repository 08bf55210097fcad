// Package warming paces re-delivery of the webhook delivery engine's
// dead-letter queue.
//
// Design Philosophy:
// - Reprocessing an entire dead-letter queue at once can itself flood a
//   webhook target that has only just started recovering; this package
//   re-enqueues entries through a bounded worker pool with a token-bucket
//   pace limit instead of a single unbounded sweep.
// - Multiple strategies decide which entries go first (oldest-first,
//   round-robin across webhooks, weighted by age and backlog pressure).
// - An emergency stop trips when re-enqueue attempts keep failing, so a
//   jammed engine queue doesn't turn into a busy-retry loop.
// - Observable via metrics and a completion event per reprocessed entry.
//
// Trade-offs:
// - In-memory job registry for simplicity (TODO: persist custom schedules
//   across restarts).
// - Re-enqueue is a local, synchronous engine call rather than a network
//   round trip, so there is no per-task timeout to configure here; the
//   actual HTTP attempt happens later inside the delivery engine's own
//   worker loop.
package warming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/pubsub"
	"github.com/meridian-cache/meridian/pkg/models"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// DLQEntrySource abstracts the delivery engine's dead-letter queue. The
// concrete delivery.Engine satisfies this interface directly.
type DLQEntrySource interface {
	DeadLetterEntries() []models.DeadLetterEntry
	ReprocessOne(deliveryID string) error
}

//encore:service
type Service struct {
	config              Config
	strategies          map[string]ReprocessStrategy
	source              DLQEntrySource
	scheduler           *Scheduler
	workerPool          *WorkerPool
	metrics             *Metrics
	rateLimiter         *rate.Limiter
	deduper             singleflight.Group
	emergencyStop       atomic.Bool
	consecutiveFailures atomic.Int32
	mu                  sync.RWMutex
}

// Config holds runtime configuration for the DLQ reprocessing service.
type Config struct {
	MaxReprocessRPS    int           `json:"max_reprocess_rps"`   // max re-enqueue attempts per second
	MaxBatchSize       int           `json:"max_batch_size"`      // max entries considered per reprocessing run
	ConcurrentWorkers  int           `json:"concurrent_workers"`  // number of concurrent worker goroutines
	RetryAttempts      int           `json:"retry_attempts"`      // retries for a failed re-enqueue
	BackoffBase        time.Duration `json:"backoff_base"`        // base duration for exponential backoff
	EmergencyThreshold int32         `json:"emergency_threshold"` // consecutive re-enqueue failures before tripping
	DefaultStrategy    string        `json:"default_strategy"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxReprocessRPS:    50,
		MaxBatchSize:       200,
		ConcurrentWorkers:  8,
		RetryAttempts:      3,
		BackoffBase:        100 * time.Millisecond,
		EmergencyThreshold: 10,
		DefaultStrategy:    "weighted-age",
	}
}

// Metrics tracks reprocessing performance.
type Metrics struct {
	JobsTotal      atomic.Int64
	SuccessTotal   atomic.Int64
	FailureTotal   atomic.Int64
	RateLimitHits  atomic.Int64
	EmergencyStops atomic.Int64
	TotalDuration  atomic.Int64 // cumulative milliseconds
}

// ReprocessRequest reprocesses explicit dead-letter entries, or, when
// DeliveryIDs is empty, plans a run over the full current dead-letter queue
// using Strategy (or the configured default).
type ReprocessRequest struct {
	DeliveryIDs []string `json:"delivery_ids,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	Strategy    string   `json:"strategy,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

type ReprocessResponse struct {
	Success     bool     `json:"success"`
	Queued      int      `json:"queued"`
	DeliveryIDs []string `json:"delivery_ids"`
	JobID       string   `json:"job_id"`
}

type StatusResponse struct {
	ActiveJobs    int             `json:"active_jobs"`
	QueuedTasks   int             `json:"queued_tasks"`
	WorkerStatus  []WorkerStatus  `json:"worker_status"`
	EmergencyStop bool            `json:"emergency_stop"`
	Metrics       MetricsSnapshot `json:"metrics"`
}

type WorkerStatus struct {
	ID          int        `json:"id"`
	State       string     `json:"state"` // "idle", "busy", "stopped"
	CurrentItem string     `json:"current_item,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
}

type MetricsSnapshot struct {
	JobsTotal      int64   `json:"jobs_total"`
	SuccessTotal   int64   `json:"success_total"`
	FailureTotal   int64   `json:"failure_total"`
	SuccessRate    float64 `json:"success_rate"`
	RateLimitHits  int64   `json:"rate_limit_hits"`
	EmergencyStops int64   `json:"emergency_stops"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
}

type ConfigResponse struct {
	Config Config `json:"config"`
}

type UpdateConfigRequest struct {
	MaxReprocessRPS   *int   `json:"max_reprocess_rps,omitempty"`
	MaxBatchSize      *int   `json:"max_batch_size,omitempty"`
	ConcurrentWorkers *int   `json:"concurrent_workers,omitempty"`
	DefaultStrategy   string `json:"default_strategy,omitempty"`
}

// Global service instance
var svc *Service

func initService() (*Service, error) {
	config := DefaultConfig()

	strategies := map[string]ReprocessStrategy{
		"oldest-first": NewOldestFirstStrategy(),
		"round-robin":  NewPerWebhookRoundRobinStrategy(),
		"weighted-age": NewWeightedAgeStrategy(),
	}

	s := &Service{
		config:      config,
		strategies:  strategies,
		metrics:     &Metrics{},
		rateLimiter: rate.NewLimiter(rate.Limit(config.MaxReprocessRPS), config.MaxReprocessRPS),
	}

	s.workerPool = NewWorkerPool(s, config.ConcurrentWorkers)
	s.scheduler = NewScheduler(s)

	return s, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize warming service: %v", err))
	}
}

// SetSource wires the delivery engine whose dead-letter queue this service
// paces reprocessing over.
func (s *Service) SetSource(source DLQEntrySource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
}

// ReprocessEntries re-enqueues the given dead-letter entries immediately,
// at the given priority, without strategy planning.
//
//encore:api public method=POST path=/dlq/reprocess
func ReprocessEntries(ctx context.Context, req *ReprocessRequest) (*ReprocessResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.ReprocessEntries(ctx, req)
}

func (s *Service) ReprocessEntries(ctx context.Context, req *ReprocessRequest) (*ReprocessResponse, error) {
	if s.emergencyStop.Load() {
		return nil, errors.New("dlq reprocessing in emergency stop mode")
	}

	if len(req.DeliveryIDs) > 0 {
		tasks := make([]ReprocessTask, 0, len(req.DeliveryIDs))
		for _, id := range req.DeliveryIDs {
			tasks = append(tasks, ReprocessTask{DeliveryID: id, Priority: req.Priority})
		}
		return s.queueTasks(tasks, req.DeliveryIDs)
	}

	return s.ReprocessAll(ctx, req)
}

// ReprocessAll plans a reprocessing run over the entire current
// dead-letter queue using the requested (or default) strategy.
//
//encore:api public method=POST path=/dlq/reprocess-all
func ReprocessAll(ctx context.Context, req *ReprocessRequest) (*ReprocessResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.ReprocessAll(ctx, req)
}

func (s *Service) ReprocessAll(ctx context.Context, req *ReprocessRequest) (*ReprocessResponse, error) {
	if s.emergencyStop.Load() {
		return nil, errors.New("dlq reprocessing in emergency stop mode")
	}

	s.mu.RLock()
	source := s.source
	s.mu.RUnlock()
	if source == nil {
		return nil, errors.New("dead-letter queue source not configured")
	}

	entries := source.DeadLetterEntries()
	if len(entries) == 0 {
		return &ReprocessResponse{Success: true}, nil
	}

	strategyName := req.Strategy
	if strategyName == "" {
		strategyName = s.config.DefaultStrategy
	}
	strategy, exists := s.strategies[strategyName]
	if !exists {
		return nil, fmt.Errorf("unknown strategy: %s", strategyName)
	}

	limit := req.Limit
	if limit <= 0 || limit > s.config.MaxBatchSize {
		limit = s.config.MaxBatchSize
	}

	tasks, err := strategy.Plan(ctx, PlanOptions{Entries: entries, Priority: req.Priority, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("strategy planning failed: %w", err)
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.DeliveryID)
	}

	return s.queueTasks(tasks, ids)
}

func (s *Service) queueTasks(tasks []ReprocessTask, ids []string) (*ReprocessResponse, error) {
	jobID := generateJobID()
	queued := s.workerPool.QueueTasks(tasks)
	s.metrics.JobsTotal.Add(int64(queued))

	return &ReprocessResponse{
		Success:     true,
		Queued:      queued,
		DeliveryIDs: ids,
		JobID:       jobID,
	}, nil
}

// GetStatus returns current reprocessing status and metrics.
//
//encore:api public method=GET path=/dlq/status
func GetStatus(ctx context.Context) (*StatusResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetStatus(ctx)
}

func (s *Service) GetStatus(ctx context.Context) (*StatusResponse, error) {
	jobs := s.metrics.JobsTotal.Load()
	success := s.metrics.SuccessTotal.Load()
	successRate := 0.0
	if jobs > 0 {
		successRate = float64(success) / float64(jobs)
	}

	avgDuration := 0.0
	if success > 0 {
		avgDuration = float64(s.metrics.TotalDuration.Load()) / float64(success)
	}

	return &StatusResponse{
		ActiveJobs:    s.workerPool.ActiveCount(),
		QueuedTasks:   s.workerPool.QueueSize(),
		WorkerStatus:  s.workerPool.GetWorkerStatus(),
		EmergencyStop: s.emergencyStop.Load(),
		Metrics: MetricsSnapshot{
			JobsTotal:      jobs,
			SuccessTotal:   success,
			FailureTotal:   s.metrics.FailureTotal.Load(),
			SuccessRate:    successRate,
			RateLimitHits:  s.metrics.RateLimitHits.Load(),
			EmergencyStops: s.metrics.EmergencyStops.Load(),
			AvgDurationMs:  avgDuration,
		},
	}, nil
}

// GetConfig returns current service configuration.
//
//encore:api public method=GET path=/dlq/config
func GetConfig(ctx context.Context) (*ConfigResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetConfig(ctx)
}

func (s *Service) GetConfig(ctx context.Context) (*ConfigResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &ConfigResponse{Config: s.config}, nil
}

// UpdateConfig updates service configuration at runtime.
//
//encore:api public method=POST path=/dlq/config
func UpdateConfig(ctx context.Context, req *UpdateConfigRequest) (*ConfigResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.UpdateConfig(ctx, req)
}

func (s *Service) UpdateConfig(ctx context.Context, req *UpdateConfigRequest) (*ConfigResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.MaxReprocessRPS != nil {
		s.config.MaxReprocessRPS = *req.MaxReprocessRPS
		s.rateLimiter = rate.NewLimiter(rate.Limit(*req.MaxReprocessRPS), *req.MaxReprocessRPS)
	}
	if req.MaxBatchSize != nil {
		s.config.MaxBatchSize = *req.MaxBatchSize
	}
	if req.ConcurrentWorkers != nil {
		s.config.ConcurrentWorkers = *req.ConcurrentWorkers
		// Note: changing worker count requires a pool restart; not
		// implemented here (TODO: dynamic worker pool resizing).
	}
	if req.DefaultStrategy != "" {
		if _, exists := s.strategies[req.DefaultStrategy]; !exists {
			return nil, fmt.Errorf("unknown strategy: %s", req.DefaultStrategy)
		}
		s.config.DefaultStrategy = req.DefaultStrategy
	}

	return &ConfigResponse{Config: s.config}, nil
}

// generateJobID creates a unique job identifier.
func generateJobID() string {
	return fmt.Sprintf("dlq-%d-%d", time.Now().UnixNano(), time.Now().Nanosecond()%1000)
}

// ExecuteReprocessTask re-enqueues a single dead-letter entry. It is called
// by workers and includes deduplication, rate limiting, and emergency-stop
// tracking.
func (s *Service) ExecuteReprocessTask(task ReprocessTask) error {
	startTime := time.Now()

	if s.emergencyStop.Load() {
		return errors.New("emergency stop active")
	}

	_, err, _ := s.deduper.Do(task.DeliveryID, func() (interface{}, error) {
		return nil, s.executeReprocessTaskInternal(task)
	})

	duration := time.Since(startTime)
	s.metrics.TotalDuration.Add(duration.Milliseconds())

	if err != nil {
		s.metrics.FailureTotal.Add(1)
		if s.consecutiveFailures.Add(1) >= s.config.EmergencyThreshold {
			s.emergencyStop.Store(true)
			s.metrics.EmergencyStops.Add(1)
		}
		return err
	}

	s.consecutiveFailures.Store(0)
	s.metrics.SuccessTotal.Add(1)
	go s.publishReprocessCompletion(task.DeliveryID, "success", duration, task.Strategy)

	return nil
}

func (s *Service) executeReprocessTaskInternal(task ReprocessTask) error {
	if !s.rateLimiter.Allow() {
		s.metrics.RateLimitHits.Add(1)
		return fmt.Errorf("rate limit: dlq reprocessing paced below %d/s", s.config.MaxReprocessRPS)
	}

	s.mu.RLock()
	source := s.source
	s.mu.RUnlock()
	if source == nil {
		return errors.New("dead-letter queue source not configured")
	}

	if err := source.ReprocessOne(task.DeliveryID); err != nil {
		return fmt.Errorf("re-enqueue failed: %w", err)
	}

	return nil
}

// publishReprocessCompletion publishes a reprocessing completion event.
func (s *Service) publishReprocessCompletion(deliveryID, status string, duration time.Duration, strategy string) {
	event := &DLQReprocessCompletedEvent{
		DeliveryID: deliveryID,
		Status:     status,
		DurationMs: duration.Milliseconds(),
		Strategy:   strategy,
		Timestamp:  time.Now(),
	}
	_, _ = DLQReprocessCompletedTopic.Publish(context.Background(), event)
}

// DLQReprocessCompletedEvent represents a single dead-letter reprocessing
// outcome.
type DLQReprocessCompletedEvent struct {
	DeliveryID string    `json:"delivery_id"`
	Status     string    `json:"status"` // "success", "failure"
	DurationMs int64     `json:"duration_ms"`
	Strategy   string    `json:"strategy"`
	Timestamp  time.Time `json:"timestamp"`
}

// DLQReprocessCompletedTopic publishes one event per reprocessed
// dead-letter entry.
var DLQReprocessCompletedTopic = pubsub.NewTopic[*DLQReprocessCompletedEvent](
	"dlq-reprocess-completed",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Shutdown gracefully stops the reprocessing service.
func (s *Service) Shutdown() {
	s.workerPool.Shutdown()
	s.scheduler.Stop()
}
