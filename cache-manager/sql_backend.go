package cachemanager

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLHandle is the subset of *encore.dev/storage/sqldb.Database that
// SQLBackend needs. Declaring it as an interface (rather than depending on
// the concrete *sqldb.Database type directly in every signature) lets tests
// substitute a plain *sql.DB-backed fake without standing up Encore's
// runtime, while production wiring passes the real database handle, which
// satisfies this interface as-is.
type SQLHandle interface {
	Exec(ctx context.Context, query string, args ...interface{}) (sqlResult, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) sqlRow
	Query(ctx context.Context, query string, args ...interface{}) (sqlRows, error)
	Begin(ctx context.Context) (SQLTx, error)
}

// SQLTx is the transactional handle returned by SQLHandle.Begin.
type SQLTx interface {
	Exec(ctx context.Context, query string, args ...interface{}) (sqlResult, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) sqlRow
	Commit() error
	Rollback() error
}

type sqlResult interface {
	RowsAffected() int64
}

type sqlRow interface {
	Scan(dest ...interface{}) error
}

type sqlRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// SQLBackend stores cache entries in a single `cache` table and counters in
// a single `stats` table, per spec.md §4.4. Every operation executes inside
// an explicit transaction, committing or rolling back — matching the
// teacher's invalidation.AuditLogger's one-statement-per-call style but
// wrapped in a transaction since get() additionally updates access columns.
type SQLBackend struct {
	db SQLHandle
}

// NewSQLBackend wraps db, ensuring the cache and stats tables exist.
func NewSQLBackend(db SQLHandle) (*SQLBackend, error) {
	b := &SQLBackend{db: db}
	if err := b.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return b, nil
}

func (b *SQLBackend) ensureSchema(ctx context.Context) error {
	_, err := b.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			expiration TIMESTAMPTZ,
			creation TIMESTAMPTZ NOT NULL,
			last_access TIMESTAMPTZ NOT NULL,
			update_time TIMESTAMPTZ NOT NULL,
			access_count BIGINT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS stats (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL DEFAULT 0
		);
	`)
	return err
}

// Get selects the row and, on a live hit, updates access columns within the
// same transaction (spec.md §4.4).
func (b *SQLBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return nil, false, nil
	}

	var value []byte
	var expiration sql.NullTime
	err = tx.QueryRow(ctx, `SELECT value, expiration FROM cache WHERE key = $1`, key).Scan(&value, &expiration)
	if err != nil {
		tx.Rollback()
		b.bumpStat(ctx, "misses", 1)
		return nil, false, nil
	}

	if expiration.Valid && time.Now().After(expiration.Time) {
		tx.Exec(ctx, `DELETE FROM cache WHERE key = $1`, key)
		tx.Commit()
		b.bumpStat(ctx, "misses", 1)
		return nil, false, nil
	}

	now := time.Now()
	if _, err := tx.Exec(ctx, `UPDATE cache SET last_access = $1, access_count = access_count + 1 WHERE key = $2`, now, key); err != nil {
		tx.Rollback()
		return nil, false, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, false, nil
	}
	b.bumpStat(ctx, "hits", 1)
	return value, true, nil
}

// Set upserts key with value and ttl inside one transaction.
func (b *SQLBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return false, nil
	}

	now := time.Now()
	var expiration *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiration = &t
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO cache (key, value, expiration, creation, last_access, update_time, access_count)
		VALUES ($1, $2, $3, $4, $4, $4, 0)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expiration = EXCLUDED.expiration,
			update_time = EXCLUDED.update_time
	`, key, value, expiration, now)
	if err != nil {
		tx.Rollback()
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, nil
	}
	b.bumpStat(ctx, "sets", 1)
	return true, nil
}

// Delete removes a row, reporting whether it existed.
func (b *SQLBackend) Delete(ctx context.Context, key string) (bool, error) {
	res, err := b.db.Exec(ctx, `DELETE FROM cache WHERE key = $1`, key)
	if err != nil {
		return false, nil
	}
	ok := res.RowsAffected() > 0
	if ok {
		b.bumpStat(ctx, "deletes", 1)
	}
	return ok, nil
}

// Exists uses a covering select on expiration only, per spec.md §4.4.
func (b *SQLBackend) Exists(ctx context.Context, key string) (bool, error) {
	var expiration sql.NullTime
	err := b.db.QueryRow(ctx, `SELECT expiration FROM cache WHERE key = $1`, key).Scan(&expiration)
	if err != nil {
		return false, nil
	}
	if expiration.Valid && time.Now().After(expiration.Time) {
		b.db.Exec(ctx, `DELETE FROM cache WHERE key = $1`, key)
		return false, nil
	}
	return true, nil
}

// Clear deletes every row from cache.
func (b *SQLBackend) Clear(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, `DELETE FROM cache`); err != nil {
		return fmt.Errorf("cachemanager: sql clear: %w", err)
	}
	b.bumpStat(ctx, "clears", 1)
	return nil
}

// sweepExpired deletes rows past their expiration, as Size and Keys must
// per spec.md §4.4.
func (b *SQLBackend) sweepExpired(ctx context.Context) {
	b.db.Exec(ctx, `DELETE FROM cache WHERE expiration IS NOT NULL AND expiration < $1`, time.Now())
}

// Size returns the live row count after a sweep.
func (b *SQLBackend) Size(ctx context.Context) (int, error) {
	b.sweepExpired(ctx)
	var count int
	if err := b.db.QueryRow(ctx, `SELECT COUNT(*) FROM cache`).Scan(&count); err != nil {
		return 0, fmt.Errorf("cachemanager: sql size: %w", err)
	}
	return count, nil
}

// Keys returns live keys matching pattern after a sweep.
func (b *SQLBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	b.sweepExpired(ctx)
	match := compileKeyPattern(pattern)

	rows, err := b.db.Query(ctx, `SELECT key FROM cache`)
	if err != nil {
		return nil, fmt.Errorf("cachemanager: sql keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			continue
		}
		if match(k) {
			keys = append(keys, k)
		}
	}
	return keys, rows.Err()
}

// Stats reads the counters table.
func (b *SQLBackend) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := b.db.Query(ctx, `SELECT name, value FROM stats`)
	if err != nil {
		return s, fmt.Errorf("cachemanager: sql stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			continue
		}
		switch name {
		case "hits":
			s.Hits = value
		case "misses":
			s.Misses = value
		case "sets":
			s.Sets = value
		case "deletes":
			s.Deletes = value
		case "evictions":
			s.Evictions = value
		case "clears":
			s.Clears = value
		}
	}
	return s, rows.Err()
}

func (b *SQLBackend) bumpStat(ctx context.Context, name string, delta int64) {
	b.db.Exec(ctx, `
		INSERT INTO stats (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = stats.value + EXCLUDED.value
	`, name, delta)
}

// GetTTL returns the remaining TTL for key.
func (b *SQLBackend) GetTTL(ctx context.Context, key string) (*time.Duration, bool, error) {
	var expiration sql.NullTime
	err := b.db.QueryRow(ctx, `SELECT expiration FROM cache WHERE key = $1`, key).Scan(&expiration)
	if err != nil {
		return nil, false, nil
	}
	if !expiration.Valid {
		return nil, true, nil
	}
	if time.Now().After(expiration.Time) {
		b.db.Exec(ctx, `DELETE FROM cache WHERE key = $1`, key)
		return nil, false, nil
	}
	remaining := time.Until(expiration.Time)
	if remaining < 0 {
		remaining = 0
	}
	return &remaining, true, nil
}

// SetTTL updates the expiration column for an existing row.
func (b *SQLBackend) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var expiration *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiration = &t
	}
	res, err := b.db.Exec(ctx, `UPDATE cache SET expiration = $1 WHERE key = $2`, expiration, key)
	if err != nil {
		return false, nil
	}
	return res.RowsAffected() > 0, nil
}
