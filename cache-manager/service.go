// Package cachemanager implements a pluggable cache engine with uniform
// CRUD+TTL+stats semantics over four interchangeable storage backends
// (in-memory, on-disk, embedded-SQL, remote key-value), a namespace version
// manager for instantaneous invalidation, and request coalescing to prevent
// cache-stampede on concurrent misses.
//
// Design Choices:
//   - Backends are independent types satisfying one capability interface
//     (Backend) rather than subclasses of a common base — construction-time
//     selection, no inheritance.
//   - Request coalescing via golang.org/x/sync/singleflight prevents
//     thundering herd on cache misses.
//   - Namespace versioning (see version.go) gives O(1) invalidation of an
//     entire namespace without a delete-by-prefix scan.
//   - A registered namespace hook gates every operation; this replaces a
//     module-level global caching policy with an explicit, injected one.
//
// Performance Characteristics:
//   - In-memory backend: O(1) average get/set, sub-microsecond for hot keys.
//   - Disk/SQL/remote backends: bounded by their I/O, never worse than O(1)
//     in-process work plus the underlying call.
package cachemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridian-cache/meridian/monitoring"
)

// BackendKind selects which storage backend a Config constructs.
type BackendKind string

const (
	BackendMemory BackendKind = "memory"
	BackendDisk   BackendKind = "disk"
	BackendSQL    BackendKind = "sql"
	BackendRemote BackendKind = "remote"
)

// Config configures a Service's backend, defaults, and policy.
type Config struct {
	Enabled        bool
	Backend        BackendKind
	DefaultTTL     time.Duration
	MaxSize        int
	EvictionPolicy string // "lru" | "lfu" | "fifo"
	PolicyLevel    CachingPolicyLevel

	// ModelAllowlist and OperationAllowlist restrict shouldCache when
	// non-empty; an empty list allows everything.
	ModelAllowlist     []string
	OperationAllowlist []string

	// Backend-specific options.
	DiskDir      string
	RemoteClient RemoteClient
	SQLHandle    SQLHandle
}

// Metrics tracks cache performance counters at the service level, layered
// on top of whatever the active backend reports via Stats().
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Sets      atomic.Int64
	Deletes   atomic.Int64
	Evictions atomic.Int64
	Clears    atomic.Int64
}

// Service orchestrates one active Backend, the namespace version manager,
// request coalescing, and the namespace hook / policy level gate.
//encore:service
type Service struct {
	mu         sync.RWMutex
	backend    Backend
	config     Config
	versions   *VersionManager
	coalescer  *RequestCoalescer
	metrics    *Metrics
	hook       NamespaceHook
	logger     func(level, msg string, fields map[string]interface{})
}

var (
	svc  *Service
	once sync.Once
)

// initService constructs the process-wide Service with a safe default
// configuration (in-memory backend, balanced policy). Called automatically
// by Encore at startup; tests construct their own via NewService instead of
// relying on module-load-time state, per the "explicit lifecycle" rule.
func initService() (*Service, error) {
	var err error
	once.Do(func() {
		svc, err = NewService(Config{
			Enabled:        true,
			Backend:        BackendMemory,
			DefaultTTL:     5 * time.Minute,
			MaxSize:        10000,
			EvictionPolicy: "lru",
			PolicyLevel:    PolicyBalanced,
		})
	})
	return svc, err
}

// NewService constructs a Service from cfg, selecting and constructing the
// backend named by cfg.Backend. A remote/disk/sql backend that cannot be
// constructed falls back to an in-memory one (ErrBackendUnavailable is
// logged, never returned, matching spec.md §4.5's fallback contract).
func NewService(cfg Config) (*Service, error) {
	s := &Service{
		config:    cfg,
		versions:  NewVersionManager(),
		coalescer: NewRequestCoalescer(),
		metrics:   &Metrics{},
		hook:      allowAllHook,
		logger:    defaultLogger,
	}
	backend, err := buildBackend(cfg)
	if err != nil {
		s.logger("warn", "backend unavailable, falling back to memory", map[string]interface{}{"error": err.Error()})
		backend = NewMemoryBackend(cfg.MaxSize, parseEvictionPolicy(cfg.EvictionPolicy))
	}
	s.backend = backend
	return s, nil
}

func defaultLogger(level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{"level": level, "message": msg}
	for k, v := range fields {
		entry[k] = v
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[%s] %s", level, msg)
		return
	}
	log.Printf("%s", string(data))
}

// SetLogger overrides the structured logging sink used by the service and
// its backend operations.
func (s *Service) SetLogger(logger func(level, msg string, fields map[string]interface{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetNamespaceHook installs the gate described in spec.md §4.8: when it
// returns false for a namespace, Get behaves as a miss and Set is a
// no-op success.
func (s *Service) SetNamespaceHook(hook NamespaceHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hook == nil {
		hook = allowAllHook
	}
	s.hook = hook
}

// buildBackend constructs the concrete Backend named by cfg.Backend.
func buildBackend(cfg Config) (Backend, error) {
	switch cfg.Backend {
	case BackendDisk:
		return NewDiskBackend(cfg.DiskDir)
	case BackendSQL:
		if cfg.SQLHandle == nil {
			return nil, fmt.Errorf("%w: sql backend requires a handle", ErrBackendUnavailable)
		}
		return NewSQLBackend(cfg.SQLHandle)
	case BackendRemote:
		if cfg.RemoteClient == nil {
			return nil, fmt.Errorf("%w: remote backend requires a client", ErrBackendUnavailable)
		}
		return NewRemoteBackend(cfg.RemoteClient, "cache:")
	case BackendMemory, "":
		return NewMemoryBackend(cfg.MaxSize, parseEvictionPolicy(cfg.EvictionPolicy)), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrBackendUnavailable, cfg.Backend)
	}
}

// shouldCache reports whether modelID/operation are allowed to be cached
// under the current allowlists and namespace hook.
func (s *Service) shouldCache(modelID, operation string) bool {
	if !s.config.Enabled || s.config.PolicyLevel == PolicyDisabled {
		return false
	}
	if !s.hook(modelID) {
		return false
	}
	if len(s.config.ModelAllowlist) > 0 && !contains(s.config.ModelAllowlist, modelID) {
		return false
	}
	if len(s.config.OperationAllowlist) > 0 && !contains(s.config.OperationAllowlist, operation) {
		return false
	}
	return true
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

// versionedCacheKey builds the (namespace, op, inputs, params) composite
// key and wraps it with the namespace's current version.
func (s *Service) versionedCacheKey(modelID, operation string, inputs interface{}, params map[string]interface{}) (string, error) {
	raw, err := BuildKey(modelID, operation, inputs, params)
	if err != nil {
		return "", err
	}
	return s.versions.VersionedKey(modelID, raw), nil
}

// Get fetches a cached value. A gated namespace, a true cache miss, and a
// backend fault are all reported the same way: ok=false, err=nil — misses
// are never errors per spec.md §7.
func (s *Service) Get(ctx context.Context, modelID, operation string, inputs interface{}, params map[string]interface{}) (value []byte, ok bool, err error) {
	start := time.Now()
	if !s.shouldCache(modelID, operation) {
		s.metrics.Misses.Add(1)
		return nil, false, nil
	}

	key, err := s.versionedCacheKey(modelID, operation, inputs, params)
	if err != nil {
		return nil, false, err
	}

	result, err := s.coalescer.Do(key, func() (interface{}, error) {
		s.mu.RLock()
		backend := s.backend
		s.mu.RUnlock()

		v, found, berr := backend.Get(ctx, key)
		if berr != nil {
			s.logger("error", "backend get failed", map[string]interface{}{"key": key, "error": berr.Error()})
			return nil, nil
		}
		if !found {
			return nil, nil
		}
		return v, nil
	})
	if err != nil {
		s.metrics.Misses.Add(1)
		s.publishCacheMetric(ctx, "get", key, false, start, 0)
		return nil, false, nil
	}
	if result == nil {
		s.metrics.Misses.Add(1)
		s.publishCacheMetric(ctx, "get", key, false, start, 0)
		return nil, false, nil
	}

	s.metrics.Hits.Add(1)
	value = result.([]byte)
	s.publishCacheMetric(ctx, "get", key, true, start, len(value))
	return value, true, nil
}

// Set stores value under the versioned composite key. A gated namespace is
// a silent no-op success; a backend write fault returns ok=false.
func (s *Service) Set(ctx context.Context, modelID, operation string, inputs interface{}, params map[string]interface{}, value []byte, ttl time.Duration) (bool, error) {
	start := time.Now()
	if !s.shouldCache(modelID, operation) {
		return true, nil
	}

	key, err := s.versionedCacheKey(modelID, operation, inputs, params)
	if err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = defaultTTLFor(s.config.PolicyLevel, s.config.DefaultTTL)
	}

	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()

	ok, err := backend.Set(ctx, key, value, ttl)
	if err != nil {
		s.logger("error", "backend set failed", map[string]interface{}{"key": key, "error": err.Error()})
		return false, nil
	}
	if ok {
		s.metrics.Sets.Add(1)
		s.publishCacheMetric(ctx, "set", key, true, start, len(value))
	}
	return ok, nil
}

// Delete removes one composite key.
func (s *Service) Delete(ctx context.Context, modelID, operation string, inputs interface{}, params map[string]interface{}) (bool, error) {
	start := time.Now()
	key, err := s.versionedCacheKey(modelID, operation, inputs, params)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()

	ok, err := backend.Delete(ctx, key)
	if err != nil {
		return false, nil
	}
	if ok {
		s.metrics.Deletes.Add(1)
		s.coalescer.Forget(key)
		s.publishCacheMetric(ctx, "delete", key, true, start, 0)
	}
	return ok, nil
}

// publishCacheMetric feeds the monitoring service's shared stats surface
// (C1) with this operation's outcome. Publish failures are logged, never
// surfaced to the caller — metrics are best-effort and must not affect
// cache correctness.
func (s *Service) publishCacheMetric(ctx context.Context, operation, key string, hit bool, start time.Time, size int) {
	event := &monitoring.CacheMetricEvent{
		Operation: operation,
		Key:       key,
		Hit:       hit,
		Latency:   float64(time.Since(start).Microseconds()) / 1000.0,
		Size:      size,
		Timestamp: time.Now(),
		Instance:  "cache-manager",
	}
	if _, err := monitoring.CacheMetricsTopic.Publish(ctx, event); err != nil {
		s.logger("warn", "cache metric publish failed", map[string]interface{}{"operation": operation, "error": err.Error()})
	}
}

// Exists reports whether the composite key is present and not expired.
func (s *Service) Exists(ctx context.Context, modelID, operation string, inputs interface{}, params map[string]interface{}) (bool, error) {
	key, err := s.versionedCacheKey(modelID, operation, inputs, params)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()
	return backend.Exists(ctx, key)
}

// Clear removes every key across the entire active backend.
func (s *Service) Clear(ctx context.Context) error {
	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()
	if err := backend.Clear(ctx); err != nil {
		return err
	}
	s.metrics.Clears.Add(1)
	s.coalescer.Clear()
	return nil
}

// ClearNamespace deletes every stored key whose structured form has
// model_id == ns, per spec.md §4.8. An empty namespace with no matching
// keys is a no-op success, not an error.
func (s *Service) ClearNamespace(ctx context.Context, ns string) (int, error) {
	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()

	keys, err := backend.Keys(ctx, "")
	if err != nil {
		return 0, err
	}

	count := 0
	for _, stored := range keys {
		inner, _, ok := StripVersion(stored)
		if !ok {
			continue
		}
		parts, err := ParseKey(inner)
		if err != nil || parts.ModelID != ns {
			continue
		}
		if deleted, _ := backend.Delete(ctx, stored); deleted {
			count++
			s.coalescer.Forget(stored)
		}
	}
	s.versions.BumpVersion(ns)
	s.metrics.Deletes.Add(int64(count))
	return count, nil
}

// Keys returns stored keys matching pattern (a regular expression).
func (s *Service) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()
	return backend.Keys(ctx, pattern)
}

// Size returns the number of live keys in the active backend.
func (s *Service) Size(ctx context.Context) (int, error) {
	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()
	return backend.Size(ctx)
}

// Stats returns the active backend's counters. The service-level Metrics
// (which also count gated misses) are not merged in.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()

	stats, err := backend.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// SetConfig fully replaces the live backend. In-flight operations against
// the old backend complete; their results are discarded only where they
// would have touched the new backend (spec.md §4.8).
func (s *Service) SetConfig(cfg Config) error {
	backend, err := buildBackend(cfg)
	if err != nil {
		s.logger("warn", "set_config backend unavailable, falling back to memory", map[string]interface{}{"error": err.Error()})
		backend = NewMemoryBackend(cfg.MaxSize, parseEvictionPolicy(cfg.EvictionPolicy))
	}

	s.mu.Lock()
	s.config = cfg
	s.backend = backend
	s.mu.Unlock()
	s.coalescer.Clear()
	return nil
}

// CachedFunc is the computation Cached wraps. The cache key comes from the
// explicit modelID/operation/inputs/params arguments passed to Cached, not
// from reflection-based argument introspection (spec.md §9 "Dynamic
// argument mapping ... → explicit configuration").
type CachedFunc func(ctx context.Context, inputs interface{}) ([]byte, error)

// Cached wraps fn so repeated calls with the same (modelID, operation,
// inputs, params, sourceText) are served from cache. sourceText feeds the
// version manager's code-identity digest, so a change to fn's source
// invalidates every previously cached result for it. forceRefresh bypasses
// the cache read but still stores the recomputed result.
func (s *Service) Cached(ctx context.Context, modelID, operation, sourceText string, inputs interface{}, params map[string]interface{}, ttl time.Duration, forceRefresh bool, fn CachedFunc) ([]byte, error) {
	s.versions.BumpCodeVersion(modelID, sourceText)

	if !forceRefresh {
		if v, ok, err := s.Get(ctx, modelID, operation, inputs, params); err != nil {
			return nil, err
		} else if ok {
			return v, nil
		}
	}

	value, err := fn(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("cachemanager: cached function failed: %w", err)
	}
	if _, err := s.Set(ctx, modelID, operation, inputs, params, value, ttl); err != nil {
		s.logger("error", "cached: store failed", map[string]interface{}{"model_id": modelID, "error": err.Error()})
	}
	return value, nil
}
