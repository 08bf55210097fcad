package cachemanager

import (
	"time"
)

// CachingPolicyLevel is the system-wide caching posture. It shifts default
// TTLs and can gate whole categories of namespaces off without touching
// call sites — see spec.md §4.8's "namespace hook".
type CachingPolicyLevel string

const (
	PolicyDisabled  CachingPolicyLevel = "disabled"
	PolicyMinimal   CachingPolicyLevel = "minimal"
	PolicyBalanced  CachingPolicyLevel = "balanced"
	PolicyAggressive CachingPolicyLevel = "aggressive"
)

// defaultTTLFor returns the TTL a policy level implies when Config does not
// set one explicitly. Disabled has no meaningful TTL since nothing is ever
// stored; minimal favors freshness, aggressive favors hit rate.
func defaultTTLFor(level CachingPolicyLevel, configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	switch level {
	case PolicyMinimal:
		return 30 * time.Second
	case PolicyBalanced:
		return 5 * time.Minute
	case PolicyAggressive:
		return 1 * time.Hour
	default:
		return 5 * time.Minute
	}
}

// NamespaceHook gates every cache operation by namespace. A false result
// makes Get behave as a miss and Set a no-op success, without the caller
// needing to know the policy is active.
type NamespaceHook func(namespace string) bool

// allowAllHook is the default hook installed when none is registered.
func allowAllHook(string) bool { return true }

// parseEvictionPolicy maps the configuration string to an EvictionPolicyKind,
// defaulting to LRU for an empty or unrecognized value per spec.md §4.2
// ("ties not covered by policy default to LRU").
func parseEvictionPolicy(name string) EvictionPolicyKind {
	switch name {
	case "lfu":
		return EvictLFU
	case "fifo":
		return EvictFIFO
	case "lru", "":
		return EvictLRU
	default:
		return EvictLRU
	}
}
