package cachemanager

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// RequestCoalescer prevents cache stampede: multiple concurrent requests
// for the same key are coalesced into a single execution, with all callers
// receiving the same result. This is critical on cache miss, where many
// goroutines simultaneously request the same expired/missing key — without
// coalescing that's N identical origin fetches instead of 1.
//
// Backed directly by golang.org/x/sync/singleflight.Group rather than a
// hand-rolled wait-group-per-key map; the package already is this
// primitive.
type RequestCoalescer struct {
	mu    sync.Mutex
	group *singleflight.Group
}

// NewRequestCoalescer creates a new request coalescer.
func NewRequestCoalescer() *RequestCoalescer {
	return &RequestCoalescer{group: &singleflight.Group{}}
}

func (c *RequestCoalescer) current() *singleflight.Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group
}

// Clear drops every in-flight key at once, so later calls start fresh
// executions. Callers already waiting on an execution still receive its
// result.
func (c *RequestCoalescer) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.group = &singleflight.Group{}
}

// Do executes fn, ensuring only one execution is in-flight for key at a
// time; duplicate callers block and receive the same result.
//
// Complexity: O(1) coordination overhead plus fn()'s own cost, paid once
// per burst of concurrent callers rather than once per caller.
func (c *RequestCoalescer) Do(key string, fn func() (interface{}, error)) (interface{}, error) {
	v, err, _ := c.current().Do(key, fn)
	return v, err
}

// Forget removes key so a future call starts a fresh execution instead of
// joining a stale in-flight one. Useful when the cache is explicitly
// cleared while a fetch for the same key is still in flight.
func (c *RequestCoalescer) Forget(key string) {
	c.current().Forget(key)
}
