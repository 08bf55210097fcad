package warming

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meridian-cache/meridian/pkg/models"
	"golang.org/x/time/rate"
)

// fakeDLQEntrySource simulates the delivery engine's dead-letter queue.
type fakeDLQEntrySource struct {
	mu       sync.Mutex
	entries  map[string]models.DeadLetterEntry
	calls    atomic.Int64
	failures map[string]int // delivery id -> remaining failures
}

func newFakeDLQEntrySource() *fakeDLQEntrySource {
	return &fakeDLQEntrySource{
		entries:  make(map[string]models.DeadLetterEntry),
		failures: make(map[string]int),
	}
}

func (f *fakeDLQEntrySource) Add(e models.DeadLetterEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.DeliveryID] = e
}

func (f *fakeDLQEntrySource) SetFailures(deliveryID string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[deliveryID] = count
}

func (f *fakeDLQEntrySource) DeadLetterEntries() []models.DeadLetterEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.DeadLetterEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out
}

func (f *fakeDLQEntrySource) ReprocessOne(deliveryID string) error {
	f.calls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()

	if remaining, exists := f.failures[deliveryID]; exists && remaining > 0 {
		f.failures[deliveryID]--
		return errors.New("simulated reprocess failure")
	}
	if _, exists := f.entries[deliveryID]; !exists {
		return errors.New("delivery not in dead-letter queue")
	}
	delete(f.entries, deliveryID)
	return nil
}

func (f *fakeDLQEntrySource) CallCount() int64 {
	return f.calls.Load()
}

// setupTestService creates a test service with a fake DLQ source.
func setupTestService() (*Service, *fakeDLQEntrySource) {
	config := DefaultConfig()
	config.ConcurrentWorkers = 5
	config.MaxReprocessRPS = 1000

	source := newFakeDLQEntrySource()

	svc := &Service{
		config: config,
		strategies: map[string]ReprocessStrategy{
			"oldest-first": NewOldestFirstStrategy(),
			"round-robin":  NewPerWebhookRoundRobinStrategy(),
			"weighted-age": NewWeightedAgeStrategy(),
		},
		source:      source,
		metrics:     &Metrics{},
		rateLimiter: rate.NewLimiter(rate.Limit(config.MaxReprocessRPS), config.MaxReprocessRPS),
	}

	svc.workerPool = NewWorkerPool(svc, config.ConcurrentWorkers)
	svc.scheduler = NewScheduler(svc)

	return svc, source
}

func waitForQueueDrain(pool *WorkerPool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pool.QueueSize() == 0 && pool.ActiveCount() == 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestService_ReprocessEntries_Success(t *testing.T) {
	svc, source := setupTestService()
	defer svc.workerPool.Shutdown()

	source.Add(models.DeadLetterEntry{DeliveryID: "d1", WebhookID: "w1", EnqueuedAt: time.Now()})

	resp, err := svc.ReprocessEntries(context.Background(), &ReprocessRequest{DeliveryIDs: []string{"d1"}})
	if err != nil {
		t.Fatalf("ReprocessEntries() error = %v", err)
	}
	if resp.Queued != 1 {
		t.Errorf("Queued = %d, want 1", resp.Queued)
	}

	if !waitForQueueDrain(svc.workerPool, time.Second) {
		t.Fatal("worker pool did not drain")
	}

	if got := svc.metrics.SuccessTotal.Load(); got != 1 {
		t.Errorf("SuccessTotal = %d, want 1", got)
	}
	if source.CallCount() != 1 {
		t.Errorf("ReprocessOne calls = %d, want 1", source.CallCount())
	}
}

func TestService_ReprocessEntries_Multiple(t *testing.T) {
	svc, source := setupTestService()
	defer svc.workerPool.Shutdown()

	ids := []string{"d1", "d2", "d3"}
	for _, id := range ids {
		source.Add(models.DeadLetterEntry{DeliveryID: id, WebhookID: "w1", EnqueuedAt: time.Now()})
	}

	resp, err := svc.ReprocessEntries(context.Background(), &ReprocessRequest{DeliveryIDs: ids})
	if err != nil {
		t.Fatalf("ReprocessEntries() error = %v", err)
	}
	if resp.Queued != 3 {
		t.Errorf("Queued = %d, want 3", resp.Queued)
	}

	waitForQueueDrain(svc.workerPool, time.Second)

	if got := svc.metrics.SuccessTotal.Load(); got != 3 {
		t.Errorf("SuccessTotal = %d, want 3", got)
	}
}

func TestService_ReprocessAll_UsesStrategy(t *testing.T) {
	svc, source := setupTestService()
	defer svc.workerPool.Shutdown()

	base := time.Now().Add(-time.Hour)
	source.Add(models.DeadLetterEntry{DeliveryID: "old", WebhookID: "w1", EnqueuedAt: base})
	source.Add(models.DeadLetterEntry{DeliveryID: "new", WebhookID: "w1", EnqueuedAt: base.Add(50 * time.Minute)})

	resp, err := svc.ReprocessAll(context.Background(), &ReprocessRequest{Strategy: "oldest-first"})
	if err != nil {
		t.Fatalf("ReprocessAll() error = %v", err)
	}
	if resp.Queued != 2 {
		t.Fatalf("Queued = %d, want 2", resp.Queued)
	}
	if resp.DeliveryIDs[0] != "old" {
		t.Errorf("DeliveryIDs[0] = %s, want %q (oldest first)", resp.DeliveryIDs[0], "old")
	}
}

func TestService_ReprocessAll_EmptyQueueIsNoop(t *testing.T) {
	svc, _ := setupTestService()
	defer svc.workerPool.Shutdown()

	resp, err := svc.ReprocessAll(context.Background(), &ReprocessRequest{})
	if err != nil {
		t.Fatalf("ReprocessAll() error = %v", err)
	}
	if resp.Queued != 0 {
		t.Errorf("Queued = %d, want 0", resp.Queued)
	}
}

func TestService_ReprocessAll_UnknownStrategy(t *testing.T) {
	svc, source := setupTestService()
	defer svc.workerPool.Shutdown()

	source.Add(models.DeadLetterEntry{DeliveryID: "d1", WebhookID: "w1", EnqueuedAt: time.Now()})

	_, err := svc.ReprocessAll(context.Background(), &ReprocessRequest{Strategy: "nonexistent"})
	if err == nil {
		t.Fatal("ReprocessAll() error = nil, want unknown strategy error")
	}
}

func TestService_RateLimiting(t *testing.T) {
	svc, source := setupTestService()
	defer svc.workerPool.Shutdown()

	svc.config.MaxReprocessRPS = 1
	svc.rateLimiter = rate.NewLimiter(rate.Limit(1), 1)

	source.Add(models.DeadLetterEntry{DeliveryID: "d1", WebhookID: "w1", EnqueuedAt: time.Now()})
	source.Add(models.DeadLetterEntry{DeliveryID: "d2", WebhookID: "w1", EnqueuedAt: time.Now()})

	if err := svc.ExecuteReprocessTask(ReprocessTask{DeliveryID: "d1"}); err != nil {
		t.Fatalf("first ExecuteReprocessTask() error = %v", err)
	}
	if err := svc.ExecuteReprocessTask(ReprocessTask{DeliveryID: "d2"}); err == nil {
		t.Fatal("second ExecuteReprocessTask() error = nil, want rate limit error")
	}
	if svc.metrics.RateLimitHits.Load() != 1 {
		t.Errorf("RateLimitHits = %d, want 1", svc.metrics.RateLimitHits.Load())
	}
}

func TestService_Deduplication(t *testing.T) {
	svc, source := setupTestService()
	defer svc.workerPool.Shutdown()

	source.Add(models.DeadLetterEntry{DeliveryID: "d1", WebhookID: "w1", EnqueuedAt: time.Now()})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.ExecuteReprocessTask(ReprocessTask{DeliveryID: "d1"})
		}()
	}
	wg.Wait()

	if calls := source.CallCount(); calls > 10 {
		t.Errorf("CallCount = %d, want deduplication to limit concurrent calls", calls)
	}
}

func TestService_EmergencyStop(t *testing.T) {
	svc, source := setupTestService()
	defer svc.workerPool.Shutdown()

	svc.config.EmergencyThreshold = 3

	for i := 0; i < 5; i++ {
		_ = svc.ExecuteReprocessTask(ReprocessTask{DeliveryID: "unknown"})
	}
	_ = source // entries absent, every ReprocessOne call fails

	if !svc.emergencyStop.Load() {
		t.Fatal("emergencyStop = false, want true after repeated failures")
	}
	if svc.metrics.EmergencyStops.Load() == 0 {
		t.Error("EmergencyStops = 0, want at least 1")
	}

	_, err := svc.ReprocessEntries(context.Background(), &ReprocessRequest{DeliveryIDs: []string{"d1"}})
	if err == nil {
		t.Fatal("ReprocessEntries() error = nil, want emergency stop error")
	}
}

func TestService_RetryOnFailure(t *testing.T) {
	svc, source := setupTestService()
	defer svc.workerPool.Shutdown()

	svc.config.RetryAttempts = 3
	svc.config.BackoffBase = time.Millisecond

	source.Add(models.DeadLetterEntry{DeliveryID: "d1", WebhookID: "w1", EnqueuedAt: time.Now()})
	source.SetFailures("d1", 2)

	resp, err := svc.ReprocessEntries(context.Background(), &ReprocessRequest{DeliveryIDs: []string{"d1"}})
	if err != nil {
		t.Fatalf("ReprocessEntries() error = %v", err)
	}
	if resp.Queued != 1 {
		t.Fatalf("Queued = %d, want 1", resp.Queued)
	}

	waitForQueueDrain(svc.workerPool, time.Second)

	if got := svc.metrics.SuccessTotal.Load(); got != 1 {
		t.Errorf("SuccessTotal = %d, want 1 (success after retries)", got)
	}
}

func TestService_GetStatus(t *testing.T) {
	svc, source := setupTestService()
	defer svc.workerPool.Shutdown()

	source.Add(models.DeadLetterEntry{DeliveryID: "d1", WebhookID: "w1", EnqueuedAt: time.Now()})
	if _, err := svc.ReprocessEntries(context.Background(), &ReprocessRequest{DeliveryIDs: []string{"d1"}}); err != nil {
		t.Fatalf("ReprocessEntries() error = %v", err)
	}
	waitForQueueDrain(svc.workerPool, time.Second)

	status, err := svc.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status.Metrics.JobsTotal != 1 {
		t.Errorf("JobsTotal = %d, want 1", status.Metrics.JobsTotal)
	}
	if len(status.WorkerStatus) != svc.config.ConcurrentWorkers {
		t.Errorf("len(WorkerStatus) = %d, want %d", len(status.WorkerStatus), svc.config.ConcurrentWorkers)
	}
}

func TestService_ConfigUpdate(t *testing.T) {
	svc, _ := setupTestService()
	defer svc.workerPool.Shutdown()

	newRPS := 25
	resp, err := svc.UpdateConfig(context.Background(), &UpdateConfigRequest{MaxReprocessRPS: &newRPS, DefaultStrategy: "round-robin"})
	if err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	if resp.Config.MaxReprocessRPS != 25 {
		t.Errorf("MaxReprocessRPS = %d, want 25", resp.Config.MaxReprocessRPS)
	}
	if resp.Config.DefaultStrategy != "round-robin" {
		t.Errorf("DefaultStrategy = %s, want round-robin", resp.Config.DefaultStrategy)
	}

	_, err = svc.UpdateConfig(context.Background(), &UpdateConfigRequest{DefaultStrategy: "nonexistent"})
	if err == nil {
		t.Fatal("UpdateConfig() error = nil, want unknown strategy error")
	}
}

func TestOldestFirstStrategy_Plan(t *testing.T) {
	strategy := NewOldestFirstStrategy()
	base := time.Now()
	entries := []models.DeadLetterEntry{
		{DeliveryID: "newest", WebhookID: "w1", EnqueuedAt: base.Add(time.Minute)},
		{DeliveryID: "oldest", WebhookID: "w1", EnqueuedAt: base},
	}

	tasks, err := strategy.Plan(context.Background(), PlanOptions{Entries: entries})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(tasks))
	}
	if tasks[0].DeliveryID != "oldest" {
		t.Errorf("tasks[0].DeliveryID = %s, want oldest", tasks[0].DeliveryID)
	}
	if tasks[0].Priority <= tasks[1].Priority {
		t.Errorf("tasks[0].Priority = %d, want > tasks[1].Priority = %d", tasks[0].Priority, tasks[1].Priority)
	}
}

func TestPerWebhookRoundRobinStrategy_Plan(t *testing.T) {
	strategy := NewPerWebhookRoundRobinStrategy()
	base := time.Now()
	entries := []models.DeadLetterEntry{
		{DeliveryID: "w1-a", WebhookID: "w1", EnqueuedAt: base},
		{DeliveryID: "w1-b", WebhookID: "w1", EnqueuedAt: base.Add(time.Second)},
		{DeliveryID: "w1-c", WebhookID: "w1", EnqueuedAt: base.Add(2 * time.Second)},
		{DeliveryID: "w2-a", WebhookID: "w2", EnqueuedAt: base},
	}

	tasks, err := strategy.Plan(context.Background(), PlanOptions{Entries: entries})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("len(tasks) = %d, want 4", len(tasks))
	}
	// w2's single entry should not be starved behind all of w1's backlog.
	w2Index := -1
	for i, task := range tasks {
		if task.WebhookID == "w2" {
			w2Index = i
			break
		}
	}
	if w2Index != 1 {
		t.Errorf("w2 entry appeared at index %d, want 1 (round-robin)", w2Index)
	}
}

func TestWeightedAgeStrategy_Plan(t *testing.T) {
	strategy := NewWeightedAgeStrategy()
	base := time.Now()
	entries := []models.DeadLetterEntry{
		{DeliveryID: "fresh", WebhookID: "w1", EnqueuedAt: base},
		{DeliveryID: "stale", WebhookID: "w1", EnqueuedAt: base.Add(-2 * time.Hour)},
	}

	tasks, err := strategy.Plan(context.Background(), PlanOptions{Entries: entries})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(tasks))
	}
	if tasks[0].DeliveryID != "stale" {
		t.Errorf("tasks[0].DeliveryID = %s, want stale (older entries score higher)", tasks[0].DeliveryID)
	}
}

func TestScheduler_RegisterJob_RejectsInvalidSchedule(t *testing.T) {
	svc, _ := setupTestService()
	defer svc.workerPool.Shutdown()

	err := svc.scheduler.RegisterJob(&ScheduledJob{ID: "bad", Schedule: "not-a-cron-expr"})
	if err == nil {
		t.Fatal("RegisterJob() error = nil, want invalid schedule error")
	}
}

func TestScheduler_RunJob(t *testing.T) {
	svc, source := setupTestService()
	defer svc.workerPool.Shutdown()

	source.Add(models.DeadLetterEntry{DeliveryID: "d1", WebhookID: "w1", EnqueuedAt: time.Now()})

	job := &ScheduledJob{ID: "nightly", Schedule: "0 2 * * *", Strategy: "oldest-first", Enabled: true, Limit: 10}
	if err := svc.scheduler.RegisterJob(job); err != nil {
		t.Fatalf("RegisterJob() error = %v", err)
	}

	if err := svc.scheduler.RunJob(context.Background(), "nightly"); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if job.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", job.RunCount)
	}
}
