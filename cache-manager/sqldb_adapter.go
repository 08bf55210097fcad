package cachemanager

import (
	"context"

	"encore.dev/storage/sqldb"
)

// sqldbAdapter adapts *sqldb.Database (Encore's managed Postgres handle,
// the same one invalidation.AuditLogger uses) to the SQLHandle interface
// SQLBackend depends on.
type sqldbAdapter struct {
	db *sqldb.Database
}

// NewSQLHandleFromEncore wraps an Encore-managed database for use as the
// embedded-SQL cache backend's storage.
func NewSQLHandleFromEncore(db *sqldb.Database) SQLHandle {
	return &sqldbAdapter{db: db}
}

func (a *sqldbAdapter) Exec(ctx context.Context, query string, args ...interface{}) (sqlResult, error) {
	res, err := a.db.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return execResultAdapter{res}, nil
}

func (a *sqldbAdapter) QueryRow(ctx context.Context, query string, args ...interface{}) sqlRow {
	return a.db.QueryRow(ctx, query, args...)
}

func (a *sqldbAdapter) Query(ctx context.Context, query string, args ...interface{}) (sqlRows, error) {
	rows, err := a.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (a *sqldbAdapter) Begin(ctx context.Context) (SQLTx, error) {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return sqldbTxAdapter{tx}, nil
}

type execResultAdapter struct {
	res interface{ RowsAffected() int64 }
}

func (e execResultAdapter) RowsAffected() int64 { return e.res.RowsAffected() }

type sqldbTxAdapter struct {
	tx *sqldb.Tx
}

func (t sqldbTxAdapter) Exec(ctx context.Context, query string, args ...interface{}) (sqlResult, error) {
	res, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return execResultAdapter{res}, nil
}

func (t sqldbTxAdapter) QueryRow(ctx context.Context, query string, args ...interface{}) sqlRow {
	return t.tx.QueryRow(ctx, query, args...)
}

func (t sqldbTxAdapter) Commit() error   { return t.tx.Commit() }
func (t sqldbTxAdapter) Rollback() error { return t.tx.Rollback() }
