package warming

import (
	"sync"
	"sync/atomic"
	"time"
)

// WorkerPool manages a pool of concurrent workers that re-enqueue
// dead-letter entries.
type WorkerPool struct {
	service     *Service
	workers     []*Worker
	taskQueue   chan ReprocessTask
	activeCount atomic.Int32
	mu          sync.RWMutex
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// Worker represents a single reprocessing worker goroutine.
type Worker struct {
	id         int
	state      string // "idle", "busy", "stopped"
	currentID  string // delivery id currently being reprocessed
	startedAt  *time.Time
	mu         sync.RWMutex
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(service *Service, numWorkers int) *WorkerPool {
	pool := &WorkerPool{
		service:   service,
		workers:   make([]*Worker, numWorkers),
		taskQueue: make(chan ReprocessTask, 1000),
		stopChan:  make(chan struct{}),
	}

	for i := 0; i < numWorkers; i++ {
		worker := &Worker{id: i, state: "idle"}
		pool.workers[i] = worker

		pool.wg.Add(1)
		go pool.runWorker(worker)
	}

	return pool
}

// QueueTasks adds tasks to the worker pool queue. Tasks that don't fit are
// dropped; the caller's DLQ entry remains in the dead-letter queue and will
// be picked up on the next scheduled or manual run.
func (p *WorkerPool) QueueTasks(tasks []ReprocessTask) int {
	queued := 0
	for _, task := range tasks {
		select {
		case p.taskQueue <- task:
			queued++
		default:
		}
	}
	return queued
}

// runWorker is the main worker loop.
func (p *WorkerPool) runWorker(worker *Worker) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			worker.setState("stopped")
			return

		case task := <-p.taskQueue:
			worker.startTask(task.DeliveryID)
			p.activeCount.Add(1)

			err := p.service.ExecuteReprocessTask(task)
			if err != nil {
				p.retryTask(task)
			}

			worker.finishTask()
			p.activeCount.Add(-1)
		}
	}
}

// retryTask retries a failed re-enqueue with exponential backoff, aborting
// early if the pool is shutting down.
func (p *WorkerPool) retryTask(task ReprocessTask) {
	maxRetries := p.service.config.RetryAttempts
	backoff := p.service.config.BackoffBase

	for attempt := 1; attempt <= maxRetries; attempt++ {
		sleep := backoff * time.Duration(1<<uint(attempt-1))
		jitter := time.Duration(time.Now().UnixNano() % int64(sleep/2+1))

		select {
		case <-p.stopChan:
			return
		case <-time.After(sleep + jitter):
		}

		if err := p.service.ExecuteReprocessTask(task); err == nil {
			return
		} else if attempt == maxRetries {
			p.service.publishReprocessCompletion(task.DeliveryID, "failure", 0, task.Strategy)
		}
	}
}

// ActiveCount returns the number of currently active workers.
func (p *WorkerPool) ActiveCount() int {
	return int(p.activeCount.Load())
}

// QueueSize returns the number of tasks waiting in the queue.
func (p *WorkerPool) QueueSize() int {
	return len(p.taskQueue)
}

// GetWorkerStatus returns the status of all workers.
func (p *WorkerPool) GetWorkerStatus() []WorkerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := make([]WorkerStatus, len(p.workers))
	for i, worker := range p.workers {
		worker.mu.RLock()
		status[i] = WorkerStatus{
			ID:          worker.id,
			State:       worker.state,
			CurrentItem: worker.currentID,
			StartedAt:   worker.startedAt,
		}
		worker.mu.RUnlock()
	}

	return status
}

// Shutdown gracefully stops all workers.
func (p *WorkerPool) Shutdown() {
	close(p.stopChan)
	p.wg.Wait()
}

func (w *Worker) startTask(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.state = "busy"
	w.currentID = id
	w.startedAt = &now
}

func (w *Worker) finishTask() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = "idle"
	w.currentID = ""
	w.startedAt = nil
}

func (w *Worker) setState(state string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
}
