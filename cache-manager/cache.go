package cachemanager

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// EvictionPolicyKind selects the eviction strategy MemoryBackend applies
// when a Set would exceed MaxEntries.
type EvictionPolicyKind int

const (
	// EvictLRU evicts the entry with the smallest last-access time among
	// non-expired entries. Default for an unset/unrecognized policy kind.
	EvictLRU EvictionPolicyKind = iota
	// EvictLFU evicts the entry with the smallest access count, breaking
	// ties by oldest last-access.
	EvictLFU
	// EvictFIFO evicts the first non-expired entry in insertion order.
	EvictFIFO
)

type memEntry struct {
	key         string
	value       interface{}
	expiresAt   time.Time // zero means no expiration
	accessCount int64
	lastAccess  time.Time
	insertOrder uint64
	element     *list.Element // LRU list element, only populated under EvictLRU
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryBackend is a thread-safe in-memory Backend with selectable
// LRU/LFU/FIFO eviction and lazy TTL expiration.
//
// Trade-offs:
//   - RWMutex chosen over sync.Map for better control over eviction and TTL.
//     sync.Map lacks ordered iteration needed for LRU/FIFO, and atomic
//     multi-field updates (value+access-count+last-access) are awkward
//     without one lock.
//   - A global lock on write is acceptable below roughly 100K ops/sec;
//     shard for higher loads.
type MemoryBackend struct {
	mu         sync.RWMutex
	entries    map[string]*memEntry
	lruList    *list.List // front = most recently used; only meaningful under EvictLRU
	policy     EvictionPolicyKind
	maxEntries int
	nextOrder  uint64
	stats      Stats
}

// NewMemoryBackend creates an in-memory backend. maxEntries<=0 means
// unbounded (eviction never triggers).
func NewMemoryBackend(maxEntries int, policy EvictionPolicyKind) *MemoryBackend {
	return &MemoryBackend{
		entries:    make(map[string]*memEntry, maxPositive(maxEntries)),
		lruList:    list.New(),
		policy:     policy,
		maxEntries: maxEntries,
	}
}

func maxPositive(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// Get retrieves a value and updates recency/frequency bookkeeping.
// Complexity: O(1) average.
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		b.stats.Misses++
		return nil, false, nil
	}
	if e.expired(time.Now()) {
		b.deleteLocked(key)
		b.stats.Misses++
		return nil, false, nil
	}

	e.accessCount++
	e.lastAccess = time.Now()
	if e.element != nil {
		b.lruList.MoveToFront(e.element)
	}
	b.stats.Hits++

	raw, ok := e.value.([]byte)
	if !ok {
		return nil, false, nil
	}
	value := make([]byte, len(raw))
	copy(value, raw)
	return value, true, nil
}

// Set stores value under key, evicting per policy if at capacity.
// Complexity: O(1) average (O(n) worst case for the LFU scan).
func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	if e, exists := b.entries[key]; exists {
		e.value = stored
		e.expiresAt = expiresAt
		e.lastAccess = now
		if e.element != nil {
			b.lruList.MoveToFront(e.element)
		}
		b.stats.Sets++
		return true, nil
	}

	if b.maxEntries > 0 && len(b.entries) >= b.maxEntries {
		b.evictOneLocked()
	}

	b.nextOrder++
	e := &memEntry{
		key:         key,
		value:       stored,
		expiresAt:   expiresAt,
		lastAccess:  now,
		insertOrder: b.nextOrder,
	}
	if b.policy == EvictLRU {
		e.element = b.lruList.PushFront(e)
	}
	b.entries[key] = e
	b.stats.Sets++
	return true, nil
}

// Delete removes key. Complexity: O(1).
func (b *MemoryBackend) Delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ok := b.deleteLocked(key)
	if ok {
		b.stats.Deletes++
	}
	return ok, nil
}

// deleteLocked is the non-locking internal delete. Must be called with mu held.
func (b *MemoryBackend) deleteLocked(key string) bool {
	e, ok := b.entries[key]
	if !ok {
		return false
	}
	if e.element != nil {
		b.lruList.Remove(e.element)
	}
	delete(b.entries, key)
	return true
}

// Exists reports whether key is present and not expired.
func (b *MemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return false, nil
	}
	if e.expired(time.Now()) {
		b.deleteLocked(key)
		return false, nil
	}
	return true, nil
}

// Clear removes every entry.
func (b *MemoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]*memEntry)
	b.lruList = list.New()
	b.stats.Clears++
	return nil
}

// Size returns the number of live entries, sweeping expired ones first.
func (b *MemoryBackend) Size(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepExpiredLocked()
	return len(b.entries), nil
}

// Keys returns stored keys matching pattern.
func (b *MemoryBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	match := compileKeyPattern(pattern)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepExpiredLocked()

	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		if match(k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Stats returns the backend's counters.
func (b *MemoryBackend) Stats(_ context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats, nil
}

// GetTTL returns the remaining TTL for key.
func (b *MemoryBackend) GetTTL(_ context.Context, key string) (*time.Duration, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	if e.expiresAt.IsZero() {
		return nil, true, nil
	}
	remaining := time.Until(e.expiresAt)
	if remaining < 0 {
		remaining = 0
	}
	return &remaining, true, nil
}

// SetTTL updates the TTL of an existing key without changing its value.
// ttl<=0 clears the expiration.
func (b *MemoryBackend) SetTTL(_ context.Context, key string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok || e.expired(time.Now()) {
		return false, nil
	}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	return true, nil
}

// sweepExpiredLocked removes every expired entry. Must be called with mu held.
func (b *MemoryBackend) sweepExpiredLocked() {
	now := time.Now()
	for k, e := range b.entries {
		if e.expired(now) {
			b.deleteLocked(k)
		}
	}
}

// evictOneLocked removes one entry per the configured policy, reclaiming
// any already-expired entry it passes over along the way instead of
// counting it as an eviction. Must be called with mu held on a non-empty map.
func (b *MemoryBackend) evictOneLocked() {
	now := time.Now()

	switch b.policy {
	case EvictFIFO:
		var oldestKey string
		var oldestOrder uint64 = ^uint64(0)
		found := false
		for k, e := range b.entries {
			if e.expired(now) {
				b.deleteLocked(k)
				continue
			}
			if !found || e.insertOrder < oldestOrder {
				oldestOrder = e.insertOrder
				oldestKey = k
				found = true
			}
		}
		if found {
			b.deleteLocked(oldestKey)
			b.stats.Evictions++
		}
	case EvictLFU:
		var victim *memEntry
		for k, e := range b.entries {
			if e.expired(now) {
				b.deleteLocked(k)
				continue
			}
			if victim == nil ||
				e.accessCount < victim.accessCount ||
				(e.accessCount == victim.accessCount && e.lastAccess.Before(victim.lastAccess)) {
				victim = e
			}
		}
		if victim != nil {
			b.deleteLocked(victim.key)
			b.stats.Evictions++
		}
	default: // EvictLRU and fallback for any unrecognized policy kind
		for b.lruList.Len() > 0 {
			back := b.lruList.Back()
			e := back.Value.(*memEntry)
			if e.expired(now) {
				b.deleteLocked(e.key)
				continue
			}
			b.deleteLocked(e.key)
			b.stats.Evictions++
			return
		}
		var victim *memEntry
		for k, e := range b.entries {
			if e.expired(now) {
				b.deleteLocked(k)
				continue
			}
			if victim == nil || e.lastAccess.Before(victim.lastAccess) {
				victim = e
			}
		}
		if victim != nil {
			b.deleteLocked(victim.key)
			b.stats.Evictions++
		}
	}
}
