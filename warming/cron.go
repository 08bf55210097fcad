package warming

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// Scheduler manages custom, strategy-driven dead-letter reprocessing jobs.
// It is a registry and a manual trigger point (RunJob), not a ticking
// scheduler in its own right: the fixed-interval entry point is
// ReprocessDLQ (see dlq_scheduler.go), which Encore cron or StartDLQTicker
// drives directly. Scheduler exists for operators who want a named,
// parameterized job (strategy, webhook filter, limit) they can inspect and
// trigger on demand, e.g. from an admin endpoint.
type Scheduler struct {
	service  *Service
	jobs     map[string]*ScheduledJob
	mu       sync.RWMutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// ScheduledJob describes a named, parameterized reprocessing run.
type ScheduledJob struct {
	ID         string
	Name       string
	Schedule   string // cron expression, descriptive only (see Validate)
	Strategy   string
	WebhookID  string // optional: restrict to entries for this webhook
	Limit      int
	Priority   int
	Enabled    bool
	LastRun    *time.Time
	RunCount   int64
	FailCount  int64
}

var cronFieldPattern = regexp.MustCompile(`^[0-9*/,-]+$`)

// ValidateSchedule checks that a cron expression has five whitespace
// separated fields using the standard minute/hour/day/month/weekday
// character set. It does not compute next-run times; Scheduler triggers
// jobs via RunJob rather than ticking on Schedule itself.
func ValidateSchedule(expr string) error {
	fields := splitFields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("cron schedule %q must have 5 fields, got %d", expr, len(fields))
	}
	for _, f := range fields {
		if !cronFieldPattern.MatchString(f) {
			return fmt.Errorf("cron schedule %q: invalid field %q", expr, f)
		}
	}
	return nil
}

func splitFields(expr string) []string {
	var fields []string
	start := -1
	for i, r := range expr {
		if r == ' ' || r == '\t' {
			if start >= 0 {
				fields = append(fields, expr[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, expr[start:])
	}
	return fields
}

// NewScheduler creates a new job registry bound to service.
func NewScheduler(service *Service) *Scheduler {
	return &Scheduler{
		service:  service,
		jobs:     make(map[string]*ScheduledJob),
		stopChan: make(chan struct{}),
	}
}

// RegisterJob registers a custom scheduled reprocessing job after
// validating its cron expression.
func (s *Scheduler) RegisterJob(job *ScheduledJob) error {
	if err := ValidateSchedule(job.Schedule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	s.jobs[job.ID] = job
	return nil
}

// UnregisterJob removes a scheduled job.
func (s *Scheduler) UnregisterJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobID]; !exists {
		return fmt.Errorf("job %s not found", jobID)
	}

	delete(s.jobs, jobID)
	return nil
}

// ListJobs returns all registered jobs.
func (s *Scheduler) ListJobs() []*ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

// RunJob executes a registered job immediately: it plans a reprocessing
// run over the current dead-letter queue (optionally filtered to one
// webhook) using the job's strategy, and queues the resulting tasks.
func (s *Scheduler) RunJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	job, exists := s.jobs[jobID]
	s.mu.Unlock()
	if !exists {
		return fmt.Errorf("job %s not found", jobID)
	}
	return s.executeJob(ctx, job)
}

func (s *Scheduler) executeJob(ctx context.Context, job *ScheduledJob) error {
	if !job.Enabled {
		return nil
	}

	now := time.Now()
	job.LastRun = &now

	strategy, exists := s.service.strategies[job.Strategy]
	if !exists {
		job.FailCount++
		return fmt.Errorf("unknown strategy: %s", job.Strategy)
	}

	s.service.mu.RLock()
	source := s.service.source
	s.service.mu.RUnlock()
	if source == nil {
		job.FailCount++
		return fmt.Errorf("dead-letter queue source not configured")
	}

	entries := source.DeadLetterEntries()
	if job.WebhookID != "" {
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.WebhookID == job.WebhookID {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	if len(entries) == 0 {
		return nil
	}

	tasks, err := strategy.Plan(ctx, PlanOptions{
		Entries:  entries,
		Priority: job.Priority,
		Limit:    job.Limit,
	})
	if err != nil {
		job.FailCount++
		return fmt.Errorf("planning failed: %w", err)
	}

	queued := s.service.workerPool.QueueTasks(tasks)
	if queued > 0 {
		job.RunCount++
		s.service.metrics.JobsTotal.Add(int64(queued))
	}

	return nil
}
