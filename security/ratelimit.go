package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// window holds the pruned timestamp list for one rate-limited key.
type window struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// SlidingWindowLimiter enforces a maximum number of requests per key within
// a trailing time window. Unlike a token bucket, the limit is computed by
// pruning timestamps older than the window on every call rather than by
// refill arithmetic.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration

	mu      sync.RWMutex
	buckets map[string]*window

	// degraded marks the limiter as running against a failed backing
	// store (see MarkDegraded); new keys are held to half the configured
	// limit (minimum one) until cleared.
	degraded bool
}

// NewSlidingWindowLimiter constructs a limiter allowing at most limit
// requests per key within the trailing window duration.
func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*window),
	}
}

// MarkDegraded switches the limiter into a conservative mode, used when a
// consulted backing store (e.g. a shared counter) is unreachable. Call
// ClearDegraded once the store recovers.
func (l *SlidingWindowLimiter) MarkDegraded() {
	l.mu.Lock()
	l.degraded = true
	l.mu.Unlock()
}

// ClearDegraded restores the configured limit.
func (l *SlidingWindowLimiter) ClearDegraded() {
	l.mu.Lock()
	l.degraded = false
	l.mu.Unlock()
}

func (l *SlidingWindowLimiter) effectiveLimit() int {
	l.mu.RLock()
	degraded := l.degraded
	l.mu.RUnlock()
	if !degraded {
		return l.limit
	}
	half := l.limit / 2
	if half < 1 {
		half = 1
	}
	return half
}

func (l *SlidingWindowLimiter) getOrCreate(key string) *window {
	l.mu.RLock()
	w, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.buckets[key]; ok {
		return w
	}
	w = &window{}
	l.buckets[key] = w
	return w
}

func (w *window) prune(now time.Time, cutoff time.Duration) {
	threshold := now.Add(-cutoff)
	i := 0
	for i < len(w.timestamps) && w.timestamps[i].Before(threshold) {
		i++
	}
	if i > 0 {
		w.timestamps = w.timestamps[i:]
	}
}

// IsRateLimited reports whether key has already reached its limit within
// the current window, without recording a new request.
func (l *SlidingWindowLimiter) IsRateLimited(key string) bool {
	w := l.getOrCreate(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.prune(now, l.window)
	return len(w.timestamps) >= l.effectiveLimit()
}

// AddRequest records a request for key, returning true if it was admitted
// (the key was under its limit) or false if it was rejected.
func (l *SlidingWindowLimiter) AddRequest(key string) bool {
	w := l.getOrCreate(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.prune(now, l.window)
	if len(w.timestamps) >= l.effectiveLimit() {
		return false
	}
	w.timestamps = append(w.timestamps, now)
	return true
}

// Remaining reports how many more requests key may make within the current
// window.
func (l *SlidingWindowLimiter) Remaining(key string) int {
	w := l.getOrCreate(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.prune(now, l.window)
	remaining := l.effectiveLimit() - len(w.timestamps)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// ResetTime reports when key's oldest recorded request will age out of the
// window, i.e. the earliest time at which Remaining would increase. Returns
// the zero time if key has no recorded requests.
func (l *SlidingWindowLimiter) ResetTime(key string) time.Time {
	w := l.getOrCreate(key)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.prune(now, l.window)
	if len(w.timestamps) == 0 {
		return time.Time{}
	}
	return w.timestamps[0].Add(l.window)
}

// EvictStaleKeys removes keys that have no requests left in the current
// window and whose last request is older than staleDuration, bounding memory
// growth from one-off callers. Returns the count evicted.
func (l *SlidingWindowLimiter) EvictStaleKeys(staleDuration time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	evicted := 0
	for key, w := range l.buckets {
		w.mu.Lock()
		var lastSeen time.Time
		if n := len(w.timestamps); n > 0 {
			lastSeen = w.timestamps[n-1]
		}
		w.prune(now, l.window)
		stale := len(w.timestamps) == 0
		w.mu.Unlock()

		if stale && (lastSeen.IsZero() || now.Sub(lastSeen) > staleDuration) {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}

// AttemptPacer bounds the rate at which the delivery engine's outbound HTTP
// client issues connection attempts. It holds one limiter shared by all
// destinations, independent of the per-key sliding-window limits above.
type AttemptPacer struct {
	limiter *rate.Limiter
}

// NewAttemptPacer constructs a pacer allowing attemptsPerSecond sustained
// attempts with a burst of burst.
func NewAttemptPacer(attemptsPerSecond float64, burst int) *AttemptPacer {
	return &AttemptPacer{limiter: rate.NewLimiter(rate.Limit(attemptsPerSecond), burst)}
}

// Wait blocks until an attempt may proceed or ctx is done.
func (p *AttemptPacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
