package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/persistkit/persistkit/backend"
)

// Queue keys are 15-digit zero-padded integers centered on the midpoint so
// both ends can grow. Zero padding keeps lexicographic key order equal to
// numeric order.
const (
	queueMidpoint = int64(500_000_000_000_000)
	queueDigits   = 15
)

func queueKey(prefix string, n int64) string {
	if prefix == "" {
		return fmt.Sprintf("%0*d", queueDigits, n)
	}
	return fmt.Sprintf("%s-%0*d", prefix, queueDigits, n)
}

func queueBounds(prefix string) (lo, hi string) {
	return queueKey(prefix, 0), queueKey(prefix, 999_999_999_999_999)
}

func parseQueueKey(prefix, key string) (int64, error) {
	digits := key
	if prefix != "" {
		digits = strings.TrimPrefix(key, prefix+"-")
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "malformed queue key %s", key)
	}
	return n, nil
}

// Push appends value to the queue named by prefix and returns the key it
// was stored under. With front set the value is prepended instead.
func (d *DB) Push(ctx context.Context, value []byte, prefix string, front bool, expire time.Duration, tag string) (string, error) {
	lo, hi := queueBounds(prefix)
	order, step := "DESC", int64(1)
	if front {
		order, step = "ASC", -1
	}
	var key string
	err := d.Transact(ctx, true, func(txn *Txn) error {
		now := nowSeconds()
		rows, err := txn.QueryContext(ctx, fmt.Sprintf(
			`SELECT key FROM "%s" WHERE key BETWEEN ? AND ? ORDER BY key %s LIMIT 1`,
			d.table, order), []byte(lo), []byte(hi))
		if err != nil {
			return err
		}
		num := queueMidpoint
		if rows.Next() {
			var extreme []byte
			if err := rows.Scan(&extreme); err != nil {
				rows.Close()
				return err
			}
			n, err := parseQueueKey(prefix, string(extreme))
			if err != nil {
				rows.Close()
				return err
			}
			num = n + step
		}
		rows.Close()
		key = queueKey(prefix, num)
		if err := d.upsert(ctx, txn, now, key, value, expire, tag); err != nil {
			return err
		}
		if d.bgCull {
			return nil
		}
		_, err = d.cullIn(ctx, txn, now, d.cullLimit)
		return err
	})
	if err != nil {
		return "", err
	}
	if d.bgCull {
		d.spawnCull()
	}
	return key, nil
}

// Pull removes and returns the entry at the front of the queue named by
// prefix, or the back with back set. Expired entries are discarded along
// the way. An empty queue fails with ErrKeyNotFound.
func (d *DB) Pull(ctx context.Context, prefix string, back bool) (string, []byte, error) {
	return d.queueTake(ctx, prefix, back, true)
}

// Peek returns the entry at the end of the queue without removing it,
// lazily deleting expired entries it skips over.
func (d *DB) Peek(ctx context.Context, prefix string, back bool) (string, []byte, error) {
	return d.queueTake(ctx, prefix, back, false)
}

func (d *DB) queueTake(ctx context.Context, prefix string, back, remove bool) (string, []byte, error) {
	lo, hi := queueBounds(prefix)
	order := "ASC"
	if back {
		order = "DESC"
	}
	sel := fmt.Sprintf(
		`SELECT rowid, key, expire_time, value FROM "%s"`+
			` WHERE key BETWEEN ? AND ? ORDER BY key %s LIMIT 1`, d.table, order)
	for {
		var key string
		var value []byte
		var found, expired bool
		err := d.Transact(ctx, true, func(txn *Txn) error {
			now := nowSeconds()
			rows, err := txn.QueryContext(ctx, sel, []byte(lo), []byte(hi))
			if err != nil {
				return err
			}
			var rowid int64
			var rawKey []byte
			var expireTime sql.NullFloat64
			found = rows.Next()
			if found {
				if err := rows.Scan(&rowid, &rawKey, &expireTime, &value); err != nil {
					rows.Close()
					return err
				}
			}
			rows.Close()
			if !found {
				return nil
			}
			key = string(rawKey)
			expired = expireTime.Valid && expireTime.Float64 <= now
			if remove || expired {
				_, err = txn.ExecContext(ctx, fmt.Sprintf(
					`DELETE FROM "%s" WHERE rowid = ?`, d.table), rowid)
				return err
			}
			return nil
		})
		if err != nil {
			return "", nil, err
		}
		if !found {
			return "", nil, errors.Wrapf(backend.ErrKeyNotFound, "queue %q is empty", prefix)
		}
		if expired {
			continue
		}
		return key, value, nil
	}
}

// PeekItem returns the oldest entry in insertion order, or the newest with
// last set, sweeping expired entries it encounters. An empty table fails
// with ErrKeyNotFound.
func (d *DB) PeekItem(ctx context.Context, last bool) (Item, error) {
	order := "ASC"
	if last {
		order = "DESC"
	}
	sel := fmt.Sprintf(
		`SELECT rowid, key, expire_time, tag, access_count, hit_count, value FROM "%s" ORDER BY rowid %s LIMIT 1`,
		d.table, order)
	for {
		var item Item
		var found, expired bool
		err := d.Transact(ctx, true, func(txn *Txn) error {
			now := nowSeconds()
			rows, err := txn.QueryContext(ctx, sel)
			if err != nil {
				return err
			}
			var rowid int64
			var rawKey, tag []byte
			var expireTime sql.NullFloat64
			found = rows.Next()
			if found {
				if err := rows.Scan(&rowid, &rawKey, &expireTime, &tag, &item.AccessCount, &item.HitCount, &item.Value); err != nil {
					rows.Close()
					return err
				}
			}
			rows.Close()
			if !found {
				return nil
			}
			item.Key = string(rawKey)
			item.Tag = string(tag)
			if expireTime.Valid {
				item.ExpireTime = expireTime.Float64
			}
			expired = item.Expired(now)
			if expired {
				_, err = txn.ExecContext(ctx, fmt.Sprintf(
					`DELETE FROM "%s" WHERE rowid = ?`, d.table), rowid)
				return err
			}
			return nil
		})
		if err != nil {
			return Item{}, err
		}
		if !found {
			return Item{}, errors.Wrap(backend.ErrKeyNotFound, "table is empty")
		}
		if expired {
			continue
		}
		return item, nil
	}
}
