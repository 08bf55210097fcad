package delivery

import (
	"testing"
	"time"

	"github.com/meridian-cache/meridian/webhookstore"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	repo, err := webhookstore.NewRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewRepository() error = %v", err)
	}
	e, err := NewEngine(cfg, repo, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func TestBatchManager_FlushesOnSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	cfg.BatchWindow = time.Hour
	e := newTestEngine(t, cfg)

	for i := 0; i < 3; i++ {
		if err := e.batch.add("w1", "order.created", []byte(`{}`), 0); err != nil {
			t.Fatalf("add() error = %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for e.queue.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.queue.Len() != 1 {
		t.Errorf("queue.Len() = %d, want 1 flushed batch task", e.queue.Len())
	}
}

func TestBatchManager_FlushesOnTimer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 100
	cfg.BatchWindow = 20 * time.Millisecond
	e := newTestEngine(t, cfg)

	if err := e.batch.add("w1", "order.created", []byte(`{}`), 0); err != nil {
		t.Fatalf("add() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for e.queue.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.queue.Len() != 1 {
		t.Errorf("queue.Len() = %d, want 1 flushed batch task after window elapses", e.queue.Len())
	}
}

func TestDebounceManager_CollapsesBurstToLatestPayload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DebounceWindow = 20 * time.Millisecond
	e := newTestEngine(t, cfg)

	e.debounce.schedule("k1", "w1", "order.updated", []byte(`{"v":1}`), 0)
	e.debounce.schedule("k1", "w1", "order.updated", []byte(`{"v":2}`), 0)
	e.debounce.schedule("k1", "w1", "order.updated", []byte(`{"v":3}`), 0)

	deadline := time.Now().Add(time.Second)
	for e.queue.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.queue.Len() != 1 {
		t.Fatalf("queue.Len() = %d, want exactly 1 task after debounce collapse", e.queue.Len())
	}
	task, ok := e.queue.Pop()
	if !ok {
		t.Fatal("Pop() returned ok=false")
	}
	if string(task.Payload) != `{"v":3}` {
		t.Errorf("task.Payload = %s, want the latest scheduled payload", task.Payload)
	}
}
