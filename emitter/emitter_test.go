package emitter

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeTrigger struct {
	mu     sync.Mutex
	calls  int
	events []string
	err    error
}

func (f *fakeTrigger) TriggerEvent(ctx context.Context, event string, data interface{}) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.events = append(f.events, event)
	if f.err != nil {
		return 0, f.err
	}
	return 1, nil
}

func TestEmitter_OnInvokedInRegistrationOrder(t *testing.T) {
	e := New(nil)
	var order []int

	e.On("order.created", func(event string, data interface{}) { order = append(order, 1) })
	e.On("order.created", func(event string, data interface{}) { order = append(order, 2) })
	e.On("order.created", func(event string, data interface{}) { order = append(order, 3) })

	e.Emit(context.Background(), "order.created", nil)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestEmitter_OnFiresOnEveryEmit(t *testing.T) {
	e := New(nil)
	count := 0
	e.On("x", func(event string, data interface{}) { count++ })

	e.Emit(context.Background(), "x", nil)
	e.Emit(context.Background(), "x", nil)
	e.Emit(context.Background(), "x", nil)

	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestEmitter_OnceFiresOnlyOnFirstEmit(t *testing.T) {
	e := New(nil)
	count := 0
	e.Once("x", func(event string, data interface{}) { count++ })

	e.Emit(context.Background(), "x", nil)
	e.Emit(context.Background(), "x", nil)

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if n := e.ListenerCount("x"); n != 0 {
		t.Errorf("ListenerCount(x) = %d, want 0 after once fires", n)
	}
}

func TestEmitter_UnsubscribeRemovesListener(t *testing.T) {
	e := New(nil)
	count := 0
	unsub := e.On("x", func(event string, data interface{}) { count++ })

	e.Emit(context.Background(), "x", nil)
	unsub()
	e.Emit(context.Background(), "x", nil)

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestEmitter_ListenerPanicDoesNotStopOthers(t *testing.T) {
	e := New(nil)
	secondRan := false

	e.On("x", func(event string, data interface{}) { panic("boom") })
	e.On("x", func(event string, data interface{}) { secondRan = true })

	e.Emit(context.Background(), "x", nil) // must not panic out of Emit

	if !secondRan {
		t.Error("second listener should still run after the first panics")
	}
}

func TestEmitter_EmitCallsWebhookTriggerAfterListeners(t *testing.T) {
	var listenerRan bool
	trigger := &fakeTrigger{}
	e := New(trigger)
	e.On("order.created", func(event string, data interface{}) { listenerRan = true })

	e.Emit(context.Background(), "order.created", map[string]string{"id": "1"})

	if !listenerRan {
		t.Error("local listener should run")
	}
	if trigger.calls != 1 {
		t.Errorf("trigger.calls = %d, want 1", trigger.calls)
	}
	if trigger.events[0] != "order.created" {
		t.Errorf("trigger event = %q, want order.created", trigger.events[0])
	}
}

func TestEmitter_TriggerErrorDoesNotPanic(t *testing.T) {
	trigger := &fakeTrigger{err: errors.New("queue full")}
	e := New(trigger)
	e.Emit(context.Background(), "x", nil) // must not panic
	if trigger.calls != 1 {
		t.Errorf("trigger.calls = %d, want 1", trigger.calls)
	}
}

func TestEmitter_SetTrigger(t *testing.T) {
	e := New(nil)
	e.Emit(context.Background(), "x", nil) // no trigger wired, must not panic

	trigger := &fakeTrigger{}
	e.SetTrigger(trigger)
	e.Emit(context.Background(), "x", nil)

	if trigger.calls != 1 {
		t.Errorf("trigger.calls = %d, want 1", trigger.calls)
	}
}

func TestEmitter_DistinctEventsDoNotCrossFire(t *testing.T) {
	e := New(nil)
	var aCount, bCount int
	e.On("a", func(event string, data interface{}) { aCount++ })
	e.On("b", func(event string, data interface{}) { bCount++ })

	e.Emit(context.Background(), "a", nil)

	if aCount != 1 || bCount != 0 {
		t.Errorf("aCount=%d bCount=%d, want 1 0", aCount, bCount)
	}
}
