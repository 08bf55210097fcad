package cachemanager

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RemoteClient is the subset of redis.UniversalClient the remote-KV backend
// needs. UniversalClient already covers single-node, cluster, and
// sentinel/failover modes (see redis.NewUniversalClient), so callers
// construct whichever topology they need and hand it in here.
type RemoteClient = redis.UniversalClient

// remoteMetadata mirrors diskMetadata, stored as a JSON hash value at
// {prefix}metadata:{key}.
type remoteMetadata struct {
	AccessCount int64     `json:"access_count"`
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
}

// RemoteBackend stores values at "{prefix}value:{key}" and metadata at
// "{prefix}metadata:{key}", using server-side TTL (SET EX / EXPIRE) rather
// than application-level expiration bookkeeping, per spec.md §4.5.
type RemoteBackend struct {
	client RemoteClient
	prefix string
}

// NewRemoteBackend wraps client. A failed PING at construction time returns
// ErrBackendUnavailable so the caller (cachemanager.Service) can fall back
// to an in-memory backend instead.
func NewRemoteBackend(client RemoteClient, prefix string) (*RemoteBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil redis client", ErrBackendUnavailable)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return &RemoteBackend{client: client, prefix: prefix}, nil
}

func (b *RemoteBackend) valueKey(key string) string    { return b.prefix + "value:" + key }
func (b *RemoteBackend) metadataKey(key string) string { return b.prefix + "metadata:" + key }
func (b *RemoteBackend) statsKey() string              { return b.prefix + "stats" }

// Get fetches the value and, on a hit, atomically increments the access
// counter in the sibling metadata hash.
func (b *RemoteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := b.client.Get(ctx, b.valueKey(key)).Bytes()
	if err == redis.Nil {
		b.incrStat(ctx, "misses")
		return nil, false, nil
	}
	if err != nil {
		b.incrStat(ctx, "misses")
		return nil, false, nil
	}

	b.client.HIncrBy(ctx, b.metadataKey(key), "access_count", 1)
	b.client.HSet(ctx, b.metadataKey(key), "last_access", time.Now().Format(time.RFC3339Nano))
	b.incrStat(ctx, "hits")
	return value, true, nil
}

// Set writes the value with server-side TTL and a fresh metadata hash.
func (b *RemoteBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	expiration := ttl
	if expiration <= 0 {
		expiration = 0 // redis: 0 means no expiration
	}
	if err := b.client.Set(ctx, b.valueKey(key), value, expiration).Err(); err != nil {
		return false, nil
	}

	now := time.Now().Format(time.RFC3339Nano)
	b.client.HSet(ctx, b.metadataKey(key), map[string]interface{}{
		"created_at":  now,
		"last_access": now,
	})
	if ttl > 0 {
		b.client.Expire(ctx, b.metadataKey(key), ttl)
	}
	b.incrStat(ctx, "sets")
	return true, nil
}

// Delete removes both the value and metadata keys.
func (b *RemoteBackend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Del(ctx, b.valueKey(key), b.metadataKey(key)).Result()
	if err != nil {
		return false, nil
	}
	ok := n > 0
	if ok {
		b.incrStat(ctx, "deletes")
	}
	return ok, nil
}

// Exists checks the value key only; Redis expires keys server-side so a
// present key is always live.
func (b *RemoteBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.valueKey(key)).Result()
	if err != nil {
		return false, nil
	}
	return n > 0, nil
}

// Clear deletes every value/metadata key under this backend's prefix.
func (b *RemoteBackend) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, b.prefix+"*", 200).Result()
		if err != nil {
			return fmt.Errorf("cachemanager: remote clear scan: %w", err)
		}
		if len(keys) > 0 {
			if err := b.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cachemanager: remote clear del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	b.incrStat(ctx, "clears")
	return nil
}

// Size scans the keyspace and counts distinct value keys under this prefix.
func (b *RemoteBackend) Size(ctx context.Context) (int, error) {
	keys, err := b.Keys(ctx, "")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Keys scans the value-key namespace and returns the bare keys matching
// pattern.
func (b *RemoteBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	match := compileKeyPattern(pattern)
	valuePrefix := b.valueKey("")

	var cursor uint64
	var keys []string
	for {
		batch, next, err := b.client.Scan(ctx, cursor, valuePrefix+"*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("cachemanager: remote keys scan: %w", err)
		}
		for _, full := range batch {
			bare := full[len(valuePrefix):]
			if match(bare) {
				keys = append(keys, bare)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Stats reads the counters hash.
func (b *RemoteBackend) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	data, err := b.client.HGetAll(ctx, b.statsKey()).Result()
	if err != nil {
		return s, nil
	}
	for k, v := range data {
		var n int64
		fmt.Sscanf(v, "%d", &n)
		switch k {
		case "hits":
			s.Hits = n
		case "misses":
			s.Misses = n
		case "sets":
			s.Sets = n
		case "deletes":
			s.Deletes = n
		case "evictions":
			s.Evictions = n
		case "clears":
			s.Clears = n
		}
	}
	return s, nil
}

func (b *RemoteBackend) incrStat(ctx context.Context, field string) {
	b.client.HIncrBy(ctx, b.statsKey(), field, 1)
}

// GetTTL returns the remaining server-side TTL for key.
func (b *RemoteBackend) GetTTL(ctx context.Context, key string) (*time.Duration, bool, error) {
	ttl, err := b.client.TTL(ctx, b.valueKey(key)).Result()
	if err != nil {
		return nil, false, nil
	}
	switch {
	case ttl == -2: // key does not exist
		return nil, false, nil
	case ttl == -1: // exists, no expiration
		return nil, true, nil
	default:
		return &ttl, true, nil
	}
}

// SetTTL updates the value key's expiration in place.
func (b *RemoteBackend) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ok, err := b.client.Persist(ctx, b.valueKey(key)).Result()
		return ok, err
	}
	ok, err := b.client.Expire(ctx, b.valueKey(key), ttl).Result()
	if err != nil {
		return false, nil
	}
	return ok, nil
}
