package cachemanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const diskMetadataDir = "_metadata"
const diskStatsFile = "stats.json"

// diskMetadata is the sidecar record written alongside each value file.
type diskMetadata struct {
	Key         string     `json:"key"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastAccess  time.Time  `json:"last_access"`
	AccessCount int64      `json:"access_count"`
}

func (m *diskMetadata) expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// DiskBackend stores each cache entry as two files under dir: the raw JSON
// value at {dir}/{sha256(key)}, and metadata at
// {dir}/_metadata/{sha256(key)}.json. Only JSON values are accepted —
// arbitrary-object deserialization (e.g. a pickle-style format) is
// forbidden by spec.md §4.3 precisely because it is a deserialization
// attack surface.
//
// A process-local (non-reentrant) mutex serializes operations; the layout itself
// tolerates concurrent readers across processes but assumes a single
// writer per key.
type DiskBackend struct {
	mu    sync.Mutex
	dir   string
	stats Stats
}

// NewDiskBackend creates (if needed) dir and its _metadata subdirectory and
// loads the persisted stats file, if any.
func NewDiskBackend(dir string) (*DiskBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: disk backend requires a directory", ErrBackendUnavailable)
	}
	if err := os.MkdirAll(filepath.Join(dir, diskMetadataDir), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	b := &DiskBackend{dir: dir}
	b.loadStats()
	return b, nil
}

func (b *DiskBackend) hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (b *DiskBackend) valuePath(key string) string {
	return filepath.Join(b.dir, b.hashKey(key))
}

func (b *DiskBackend) metadataPath(key string) string {
	return filepath.Join(b.dir, diskMetadataDir, b.hashKey(key)+".json")
}

func (b *DiskBackend) statsPath() string {
	return filepath.Join(b.dir, diskMetadataDir, diskStatsFile)
}

// writeFileAtomic writes data to path via a temp file followed by rename,
// so a crash mid-write never leaves a torn file behind.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *DiskBackend) readMetadata(key string) (*diskMetadata, bool) {
	data, err := os.ReadFile(b.metadataPath(key))
	if err != nil {
		return nil, false
	}
	var meta diskMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		// Corrupted metadata is treated as a miss, per spec.md §4.3.
		return nil, false
	}
	return &meta, true
}

func (b *DiskBackend) removeLocked(key string) bool {
	vp, mp := b.valuePath(key), b.metadataPath(key)
	_, vErr := os.Stat(vp)
	existed := vErr == nil
	os.Remove(vp)
	os.Remove(mp)
	return existed
}

// Get reads a value, treating a missing or corrupted value/metadata file
// as a miss rather than an error.
func (b *DiskBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	meta, ok := b.readMetadata(key)
	if !ok {
		b.stats.Misses++
		return nil, false, nil
	}
	if meta.expired(time.Now()) {
		b.removeLocked(key)
		b.stats.Misses++
		return nil, false, nil
	}

	raw, err := os.ReadFile(b.valuePath(key))
	if err != nil {
		// Metadata exists but the value file is gone/corrupted: miss,
		// without touching sibling entries.
		b.stats.Misses++
		return nil, false, nil
	}
	var value json.RawMessage
	if err := json.Unmarshal(raw, &value); err != nil {
		b.stats.Misses++
		return nil, false, nil
	}

	meta.AccessCount++
	meta.LastAccess = time.Now()
	b.writeMetadataLocked(key, meta)
	b.stats.Hits++
	b.persistStatsLocked()

	return []byte(value), true, nil
}

func (b *DiskBackend) writeMetadataLocked(key string, meta *diskMetadata) {
	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	_ = writeFileAtomic(b.metadataPath(key), data)
}

// Set writes value, which must already be valid JSON, and its metadata
// file. A value that is not valid JSON returns ok=false rather than an
// error, per spec.md §4.3.
func (b *DiskBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !json.Valid(value) {
		return false, nil
	}

	now := time.Now()
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	existing, hadMeta := b.readMetadata(key)
	created := now
	if hadMeta {
		created = existing.CreatedAt
	}

	if err := writeFileAtomic(b.valuePath(key), value); err != nil {
		return false, nil
	}

	meta := &diskMetadata{
		Key:        key,
		ExpiresAt:  expiresAt,
		CreatedAt:  created,
		LastAccess: now,
	}
	if hadMeta {
		meta.AccessCount = existing.AccessCount
	}
	b.writeMetadataLocked(key, meta)

	b.stats.Sets++
	b.persistStatsLocked()
	return true, nil
}

// Delete removes both files for key.
func (b *DiskBackend) Delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ok := b.removeLocked(key)
	if ok {
		b.stats.Deletes++
		b.persistStatsLocked()
	}
	return ok, nil
}

// Exists reports whether key has live (non-expired) metadata.
func (b *DiskBackend) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	meta, ok := b.readMetadata(key)
	if !ok {
		return false, nil
	}
	if meta.expired(time.Now()) {
		b.removeLocked(key)
		return false, nil
	}
	return true, nil
}

// Clear removes every value and metadata file, recreating an empty tree.
func (b *DiskBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("cachemanager: disk clear: %w", err)
	}
	for _, e := range entries {
		if e.Name() == diskMetadataDir {
			continue
		}
		os.Remove(filepath.Join(b.dir, e.Name()))
	}
	metaEntries, err := os.ReadDir(filepath.Join(b.dir, diskMetadataDir))
	if err == nil {
		for _, e := range metaEntries {
			if e.Name() == diskStatsFile {
				continue
			}
			os.Remove(filepath.Join(b.dir, diskMetadataDir, e.Name()))
		}
	}
	b.stats.Clears++
	b.persistStatsLocked()
	return nil
}

// Size sweeps expired entries and returns the number of remaining keys.
func (b *DiskBackend) Size(ctx context.Context) (int, error) {
	keys, err := b.Keys(ctx, "")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Keys lists stored keys matching pattern, sweeping expired entries along
// the way per spec.md §4.3.
func (b *DiskBackend) Keys(_ context.Context, pattern string) ([]string, error) {
	match := compileKeyPattern(pattern)

	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(b.dir, diskMetadataDir))
	if err != nil {
		return nil, fmt.Errorf("cachemanager: disk keys: %w", err)
	}

	now := time.Now()
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || e.Name() == diskStatsFile {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, diskMetadataDir, e.Name()))
		if err != nil {
			continue
		}
		var meta diskMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		if meta.expired(now) {
			b.removeLocked(meta.Key)
			continue
		}
		if match(meta.Key) {
			keys = append(keys, meta.Key)
		}
	}
	return keys, nil
}

// Stats returns the persisted counters.
func (b *DiskBackend) Stats(_ context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats, nil
}

func (b *DiskBackend) loadStats() {
	data, err := os.ReadFile(b.statsPath())
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, &b.stats)
}

func (b *DiskBackend) persistStatsLocked() {
	data, err := json.Marshal(b.stats)
	if err != nil {
		return
	}
	_ = writeFileAtomic(b.statsPath(), data)
}

// GetTTL returns the remaining TTL for key.
func (b *DiskBackend) GetTTL(_ context.Context, key string) (*time.Duration, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	meta, ok := b.readMetadata(key)
	if !ok || meta.expired(time.Now()) {
		return nil, false, nil
	}
	if meta.ExpiresAt == nil {
		return nil, true, nil
	}
	remaining := time.Until(*meta.ExpiresAt)
	if remaining < 0 {
		remaining = 0
	}
	return &remaining, true, nil
}

// SetTTL updates the TTL of an existing key without rewriting its value.
func (b *DiskBackend) SetTTL(_ context.Context, key string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	meta, ok := b.readMetadata(key)
	if !ok || meta.expired(time.Now()) {
		return false, nil
	}
	if ttl > 0 {
		t := time.Now().Add(ttl)
		meta.ExpiresAt = &t
	} else {
		meta.ExpiresAt = nil
	}
	b.writeMetadataLocked(key, meta)
	return true, nil
}
