// Package emitter is the process-wide event emitter: local listener fan-out
// in registration order, plus the webhook trigger path that creates one
// delivery task per subscribing webhook after local listeners have run.
package emitter

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Listener is invoked synchronously, in registration order, each time a
// matching event is emitted.
type Listener func(event string, data interface{})

// Unsubscribe removes the listener it was returned for.
type Unsubscribe func()

// WebhookTrigger is implemented by the code that fans an event out to
// subscribed webhooks (see EngineTrigger). TriggerEvent returns the number
// of webhooks a delivery task was successfully queued for.
type WebhookTrigger interface {
	TriggerEvent(ctx context.Context, event string, data interface{}) (int, error)
}

type registration struct {
	id       int64
	listener Listener
	once     bool
}

// Emitter is a singleton within a process: On, Once, and Emit all operate
// on a shared event -> list<listener> map guarded by a single mutex.
type Emitter struct {
	mu      sync.Mutex
	nextID  int64
	byEvent map[string][]*registration

	trigger WebhookTrigger
}

// New constructs an Emitter. trigger may be nil; wire it later with
// SetTrigger once the delivery engine is ready, rather than relying on
// module-load-time construction order.
func New(trigger WebhookTrigger) *Emitter {
	return &Emitter{byEvent: make(map[string][]*registration), trigger: trigger}
}

// SetTrigger wires (or rewires) the webhook trigger path.
func (e *Emitter) SetTrigger(trigger WebhookTrigger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trigger = trigger
}

// On registers listener for event, invoked in registration order on every
// future Emit call. The returned Unsubscribe removes it.
func (e *Emitter) On(event string, listener Listener) Unsubscribe {
	return e.register(event, listener, false)
}

// Once registers listener for event; it deregisters itself right after its
// first invocation.
func (e *Emitter) Once(event string, listener Listener) Unsubscribe {
	return e.register(event, listener, true)
}

func (e *Emitter) register(event string, listener Listener, once bool) Unsubscribe {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	reg := &registration{id: id, listener: listener, once: once}
	e.byEvent[event] = append(e.byEvent[event], reg)
	return func() { e.remove(event, id) }
}

func (e *Emitter) remove(event string, id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	regs := e.byEvent[event]
	for i, r := range regs {
		if r.id == id {
			e.byEvent[event] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// ListenerCount returns how many listeners are currently registered for
// event (including once-listeners not yet fired).
func (e *Emitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byEvent[event])
}

// Emit invokes every listener registered for event, in registration order.
// A listener that panics is recovered and logged; it never prevents later
// listeners, or the webhook trigger, from running. Once local notification
// completes, Emit asks the webhook trigger to create one delivery task per
// webhook subscribed to event.
func (e *Emitter) Emit(ctx context.Context, event string, data interface{}) {
	e.mu.Lock()
	regs := append([]*registration(nil), e.byEvent[event]...)
	trigger := e.trigger
	e.mu.Unlock()

	var fired []int64
	for _, r := range regs {
		e.invoke(event, data, r)
		if r.once {
			fired = append(fired, r.id)
		}
	}
	for _, id := range fired {
		e.remove(event, id)
	}

	if trigger == nil {
		return
	}
	if _, err := trigger.TriggerEvent(ctx, event, data); err != nil {
		log.Printf(`{"level":"warn","component":"emitter","msg":"webhook trigger failed","event":%q,"error":%q}`, event, err.Error())
	}
}

func (e *Emitter) invoke(event string, data interface{}, r *registration) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf(`{"level":"error","component":"emitter","msg":"listener panicked","event":%q,"recovered":%q}`, event, recoveredString(rec))
		}
	}()
	r.listener(event, data)
}

func recoveredString(v interface{}) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", v)
}
