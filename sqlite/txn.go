package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/persistkit/persistkit/backend"
)

// Txn is an explicit transaction handle over a pinned connection. All
// statements issued through it run inside one BEGIN IMMEDIATE transaction.
// A Txn must not be used concurrently and must not outlive the Transact
// callback that created it.
type Txn struct {
	db   *DB
	conn *sql.Conn
	done bool
}

// ExecContext runs a statement inside the transaction, retrying lock
// contention the same way top-level statements do.
func (t *Txn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.db.execRetry(ctx, t.conn, query, args...)
}

// QueryContext runs a query inside the transaction.
func (t *Txn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.db.queryRetry(ctx, t.conn, query, args...)
}

func (d *DB) begin(ctx context.Context, retry bool) (*Txn, error) {
	conn, err := d.sqldb.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquiring connection")
	}
	start := time.Now()
	for {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return &Txn{db: d, conn: conn}, nil
		}
		if !isBusy(err) {
			conn.Close()
			return nil, errors.Wrap(err, "beginning transaction")
		}
		if !retry || time.Since(start) > d.busyTimeout {
			conn.Close()
			return nil, backend.ErrTimeout
		}
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		case <-time.After(busyRetryInterval):
		}
	}
}

func (t *Txn) commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	_, err := t.conn.ExecContext(ctx, "COMMIT")
	t.conn.Close()
	if err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	return nil
}

func (t *Txn) rollback(ctx context.Context) {
	if t.done {
		return
	}
	t.done = true
	if _, err := t.conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		t.db.log.Warn("rollback failed: %v", err)
	}
	t.conn.Close()
}

// Transact runs fn inside a write transaction. When retry is false a held
// write lock fails immediately with ErrTimeout instead of waiting. The
// transaction commits when fn returns nil and rolls back otherwise.
// Nested Transact calls deadlock; pass the Txn down instead.
func (d *DB) Transact(ctx context.Context, retry bool, fn func(*Txn) error) error {
	if err := d.ensureConfigured(ctx); err != nil {
		return err
	}
	txn, err := d.begin(ctx, retry)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.rollback(ctx)
		return err
	}
	return txn.commit(ctx)
}
