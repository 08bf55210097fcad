package delivery

import (
	"sync"
	"time"
)

// batchBuffer accumulates events for one (webhook, event type) pair until
// it reaches BatchSize or its flush timer fires.
type batchBuffer struct {
	mu       sync.Mutex
	events   [][]byte
	timer    *time.Timer
	webhook  string
	evType   string
	priority int
}

// batchManager owns one batchBuffer per (webhook, event type) key.
type batchManager struct {
	mu      sync.Mutex
	buffers map[string]*batchBuffer
	engine  *Engine
}

func newBatchManager(e *Engine) *batchManager {
	return &batchManager{buffers: make(map[string]*batchBuffer), engine: e}
}

func batchKey(webhookID, eventType string) string {
	return webhookID + "\x00" + eventType
}

// add appends payload to the batch for (webhookID, eventType), flushing
// immediately once the batch has reached BatchSize. Per the backpressure
// rule, no new batch opens while the queue is near capacity: the event is
// enqueued on its own instead. An already-open batch keeps accepting events
// until BatchSize or its window timer flushes it.
func (m *batchManager) add(webhookID, eventType string, payload []byte, priority int) error {
	key := batchKey(webhookID, eventType)

	m.mu.Lock()
	buf, ok := m.buffers[key]
	if !ok {
		if m.engine.cfg.nearCapacity(m.engine.queue.Len()) {
			m.mu.Unlock()
			return m.engine.enqueueImmediate(webhookID, eventType, payload, priority, "")
		}
		buf = &batchBuffer{webhook: webhookID, evType: eventType, priority: priority}
		m.buffers[key] = buf
		buf.timer = time.AfterFunc(m.engine.cfg.BatchWindow, func() {
			m.flush(key)
		})
	}
	m.mu.Unlock()

	buf.mu.Lock()
	buf.events = append(buf.events, payload)
	shouldFlush := len(buf.events) >= m.engine.cfg.BatchSize
	buf.mu.Unlock()

	if shouldFlush {
		m.flush(key)
	}
	return nil
}

func (m *batchManager) flush(key string) {
	m.mu.Lock()
	buf, ok := m.buffers[key]
	if ok {
		delete(m.buffers, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	buf.mu.Lock()
	events := buf.events
	buf.mu.Unlock()
	if buf.timer != nil {
		buf.timer.Stop()
	}
	if len(events) == 0 {
		return
	}

	_ = m.engine.enqueueBatch(buf.webhook, buf.evType, events, buf.priority)
}

// debounceManager replaces a pending task for a debounce key with the
// latest event each time one arrives, so only the last event in a burst is
// ultimately dispatched.
type debounceManager struct {
	mu      sync.Mutex
	pending map[string]*debouncedTask
	engine  *Engine
}

type debouncedTask struct {
	timer     *time.Timer
	webhookID string
	eventType string
	payload   []byte
	priority  int
}

func newDebounceManager(e *Engine) *debounceManager {
	return &debounceManager{pending: make(map[string]*debouncedTask), engine: e}
}

// schedule replaces any pending task for key with payload, restarting the
// debounce window from now. Near capacity, a pending task's payload is
// simply replaced without restarting the timer, so a hot key still
// eventually flushes instead of being starved.
func (m *debounceManager) schedule(key, webhookID, eventType string, payload []byte, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pending[key]; ok {
		existing.payload = payload
		if !m.engine.cfg.nearCapacity(m.engine.queue.Len()) {
			existing.timer.Reset(m.engine.cfg.DebounceWindow)
		}
		return
	}

	dt := &debouncedTask{webhookID: webhookID, eventType: eventType, payload: payload, priority: priority}
	dt.timer = time.AfterFunc(m.engine.cfg.DebounceWindow, func() {
		m.fire(key)
	})
	m.pending[key] = dt
}

func (m *debounceManager) fire(key string) {
	m.mu.Lock()
	dt, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = m.engine.enqueueImmediate(dt.webhookID, dt.eventType, dt.payload, dt.priority, "")
}
