package delivery

import "testing"

func TestBoundedPriorityQueue_PriorityOrder(t *testing.T) {
	q := newBoundedPriorityQueue(10)
	_ = q.Push(&Task{DeliveryID: "low", Priority: 1})
	_ = q.Push(&Task{DeliveryID: "high", Priority: 5})
	_ = q.Push(&Task{DeliveryID: "mid", Priority: 3})

	first, _ := q.Pop()
	if first.DeliveryID != "high" {
		t.Errorf("first = %q, want high", first.DeliveryID)
	}
	second, _ := q.Pop()
	if second.DeliveryID != "mid" {
		t.Errorf("second = %q, want mid", second.DeliveryID)
	}
	third, _ := q.Pop()
	if third.DeliveryID != "low" {
		t.Errorf("third = %q, want low", third.DeliveryID)
	}
}

func TestBoundedPriorityQueue_FIFOTiebreak(t *testing.T) {
	q := newBoundedPriorityQueue(10)
	_ = q.Push(&Task{DeliveryID: "a", Priority: 1})
	_ = q.Push(&Task{DeliveryID: "b", Priority: 1})
	_ = q.Push(&Task{DeliveryID: "c", Priority: 1})

	for _, want := range []string{"a", "b", "c"} {
		task, ok := q.Pop()
		if !ok || task.DeliveryID != want {
			t.Errorf("Pop() = %v, ok=%v, want %q", task, ok, want)
		}
	}
}

func TestBoundedPriorityQueue_FullReturnsErrQueueFull(t *testing.T) {
	q := newBoundedPriorityQueue(2)
	if err := q.Push(&Task{DeliveryID: "a"}); err != nil {
		t.Fatalf("Push(a) error = %v", err)
	}
	if err := q.Push(&Task{DeliveryID: "b"}); err != nil {
		t.Fatalf("Push(b) error = %v", err)
	}
	if err := q.Push(&Task{DeliveryID: "c"}); err != ErrQueueFull {
		t.Errorf("Push(c) error = %v, want ErrQueueFull", err)
	}
}

func TestBoundedPriorityQueue_CloseUnblocksPop(t *testing.T) {
	q := newBoundedPriorityQueue(2)
	done := make(chan bool)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()
	q.Close()
	if ok := <-done; ok {
		t.Error("Pop() after Close() should return ok=false")
	}
}

func TestBoundedPriorityQueue_PushAfterCloseFails(t *testing.T) {
	q := newBoundedPriorityQueue(2)
	q.Close()
	if err := q.Push(&Task{DeliveryID: "a"}); err != ErrStopped {
		t.Errorf("Push() after Close() error = %v, want ErrStopped", err)
	}
}

func TestBoundedPriorityQueue_Snapshot(t *testing.T) {
	q := newBoundedPriorityQueue(10)
	_ = q.Push(&Task{DeliveryID: "a"})
	_ = q.Push(&Task{DeliveryID: "b"})

	snap := q.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2", len(snap))
	}
	if q.Len() != 2 {
		t.Errorf("Len() after Snapshot() = %d, want 2 (snapshot must not drain)", q.Len())
	}
}
