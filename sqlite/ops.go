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

// selectDeleteBatch bounds how many rows a single bulk-delete transaction
// removes so long-running clears do not starve other writers.
const selectDeleteBatch = 100

// Entry is one key and value for batch writes.
type Entry struct {
	Key   string
	Value []byte
}

// Item is a cache row with its metadata. The counts reflect the row as it
// was read, before the read's own bookkeeping lands.
type Item struct {
	Key         string
	Value       []byte
	Tag         string
	ExpireTime  float64
	AccessCount int64
	HitCount    int64
}

// Expired reports whether the item had an expiry in the past at time now.
func (i Item) Expired(now float64) bool {
	return i.ExpireTime != 0 && i.ExpireTime <= now
}

func tagArg(tag string) any {
	if tag == "" {
		return nil
	}
	return []byte(tag)
}

// Set stores value under key, replacing any existing row. A zero expire
// means the entry never expires. An empty tag stores NULL. Every write
// triggers a cull pass, inline or in the background.
func (d *DB) Set(ctx context.Context, key string, value []byte, expire time.Duration, tag string) error {
	err := d.Transact(ctx, true, func(txn *Txn) error {
		now := nowSeconds()
		if err := d.upsert(ctx, txn, now, key, value, expire, tag); err != nil {
			return err
		}
		if d.bgCull {
			return nil
		}
		_, err := d.cullIn(ctx, txn, now, d.cullLimit)
		return err
	})
	if err != nil {
		return err
	}
	if d.bgCull {
		d.spawnCull()
	}
	return nil
}

// SetMany stores the entries in order inside one transaction, with a
// single cull pass at the end.
func (d *DB) SetMany(ctx context.Context, entries []Entry, expire time.Duration, tag string) error {
	err := d.Transact(ctx, true, func(txn *Txn) error {
		now := nowSeconds()
		for _, e := range entries {
			if err := d.upsert(ctx, txn, now, e.Key, e.Value, expire, tag); err != nil {
				return err
			}
		}
		if d.bgCull {
			return nil
		}
		_, err := d.cullIn(ctx, txn, now, d.cullLimit)
		return err
	})
	if err != nil {
		return err
	}
	if d.bgCull {
		d.spawnCull()
	}
	return nil
}

func (d *DB) upsert(ctx context.Context, q queryer, now float64, key string, value []byte, expire time.Duration, tag string) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO "%s"`+
			` (key, value, store_time, expire_time, access_time, access_count, hit_count, tag, size)`+
			` VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)`+
			` ON CONFLICT(key) DO UPDATE SET`+
			` value = excluded.value,`+
			` store_time = excluded.store_time,`+
			` expire_time = excluded.expire_time,`+
			` access_time = excluded.access_time,`+
			` access_count = 0,`+
			` tag = excluded.tag,`+
			` size = excluded.size`, d.table),
		[]byte(key), value, now, expireAt(now, expire), now, tagArg(tag), len(value))
	if err != nil {
		return errors.Wrapf(err, "storing key %s", key)
	}
	return nil
}

// Add stores value under key only when no live entry exists. It reports
// whether the value was stored.
func (d *DB) Add(ctx context.Context, key string, value []byte, expire time.Duration, tag string) (bool, error) {
	var added bool
	err := d.Transact(ctx, true, func(txn *Txn) error {
		now := nowSeconds()
		rows, err := txn.QueryContext(ctx, fmt.Sprintf(
			`SELECT rowid FROM "%s" WHERE key = ? AND (expire_time IS NULL OR expire_time > ?)`,
			d.table), []byte(key), now)
		if err != nil {
			return err
		}
		exists := rows.Next()
		rows.Close()
		if exists {
			return nil
		}
		added = true
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
		return false, err
	}
	if added && d.bgCull {
		d.spawnCull()
	}
	return added, nil
}

const itemColumns = "rowid, expire_time, tag, access_count, hit_count, value"

func scanItem(rows *sql.Rows, key string) (rowid int64, item Item, err error) {
	var expire sql.NullFloat64
	var tag []byte
	item.Key = key
	if err = rows.Scan(&rowid, &expire, &tag, &item.AccessCount, &item.HitCount, &item.Value); err != nil {
		return 0, Item{}, err
	}
	if expire.Valid {
		item.ExpireTime = expire.Float64
	}
	item.Tag = string(tag)
	return rowid, item, nil
}

// Get returns the live value stored under key, or ErrKeyNotFound. When
// statistics are off and the eviction policy does not order by access data
// the lookup runs outside a transaction, with the hit bookkeeping applied
// as a bare update.
func (d *DB) Get(ctx context.Context, key string) ([]byte, error) {
	item, err := d.GetItem(ctx, key)
	if err != nil {
		return nil, err
	}
	return item.Value, nil
}

// GetItem is Get with the row's tag, expiry, and read counters.
func (d *DB) GetItem(ctx context.Context, key string) (Item, error) {
	if err := d.ensureConfigured(ctx); err != nil {
		return Item{}, err
	}
	now := nowSeconds()
	sel := fmt.Sprintf(
		`SELECT %s FROM "%s" WHERE key = ? AND (expire_time IS NULL OR expire_time > ?)`,
		itemColumns, d.table)

	if !d.statistics && !d.policy.tracksAccess() {
		rows, err := d.queryRetry(ctx, d.sqldb, sel, []byte(key), now)
		if err != nil {
			return Item{}, err
		}
		if !rows.Next() {
			rows.Close()
			return Item{}, errors.Wrapf(backend.ErrKeyNotFound, "key %s", key)
		}
		rowid, item, err := scanItem(rows, key)
		// The single connection cannot run the bookkeeping update while the
		// result set is still open.
		rows.Close()
		if err != nil {
			return Item{}, err
		}
		_, err = d.execRetry(ctx, d.sqldb, fmt.Sprintf(
			`UPDATE "%s" SET %s WHERE rowid = ?`, d.table, d.policy.get(now)), rowid)
		return item, err
	}

	var item Item
	var found bool
	err := d.Transact(ctx, true, func(txn *Txn) error {
		rows, err := txn.QueryContext(ctx, sel, []byte(key), now)
		if err != nil {
			return err
		}
		found = rows.Next()
		var rowid int64
		if found {
			rowid, item, err = scanItem(rows, key)
			if err != nil {
				rows.Close()
				return err
			}
		}
		rows.Close()
		if !found {
			// Commit so the miss counter sticks; the caller still sees
			// ErrKeyNotFound via the found flag.
			if d.statistics {
				return d.bumpStat(ctx, txn, "misses")
			}
			return nil
		}
		if d.statistics {
			if err := d.bumpStat(ctx, txn, "hits"); err != nil {
				return err
			}
		}
		_, err = txn.ExecContext(ctx, fmt.Sprintf(
			`UPDATE "%s" SET %s WHERE rowid = ?`, d.table, d.policy.get(now)), rowid)
		return err
	})
	if err != nil {
		return Item{}, err
	}
	if !found {
		return Item{}, errors.Wrapf(backend.ErrKeyNotFound, "key %s", key)
	}
	return item, nil
}

func (d *DB) bumpStat(ctx context.Context, txn *Txn, key string) error {
	_, err := txn.ExecContext(ctx, fmt.Sprintf(
		`UPDATE "%s" SET value = value + 1 WHERE key = ?`, d.settingsTbl), key)
	return err
}

// Touch updates the expiry of a live entry and reports whether the entry
// existed. A zero expire clears the expiry.
func (d *DB) Touch(ctx context.Context, key string, expire time.Duration) (bool, error) {
	var touched bool
	err := d.Transact(ctx, true, func(txn *Txn) error {
		now := nowSeconds()
		res, err := txn.ExecContext(ctx, fmt.Sprintf(
			`UPDATE "%s" SET expire_time = ? WHERE key = ? AND (expire_time IS NULL OR expire_time > ?)`,
			d.table), expireAt(now, expire), []byte(key), now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		touched = n > 0
		return err
	})
	return touched, err
}

// Pop removes and returns the live value stored under key.
func (d *DB) Pop(ctx context.Context, key string) ([]byte, error) {
	item, err := d.popItem(ctx, key)
	if err != nil {
		return nil, err
	}
	return item.Value, nil
}

func (d *DB) popItem(ctx context.Context, key string) (Item, error) {
	var item Item
	var found bool
	err := d.Transact(ctx, true, func(txn *Txn) error {
		now := nowSeconds()
		rows, err := txn.QueryContext(ctx, fmt.Sprintf(
			`SELECT %s FROM "%s" WHERE key = ? AND (expire_time IS NULL OR expire_time > ?)`,
			itemColumns, d.table), []byte(key), now)
		if err != nil {
			return err
		}
		var rowid int64
		if rows.Next() {
			rowid, item, err = scanItem(rows, key)
			if err != nil {
				rows.Close()
				return err
			}
			found = true
		}
		rows.Close()
		if !found {
			return nil
		}
		_, err = txn.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM "%s" WHERE rowid = ?`, d.table), rowid)
		return err
	})
	if err != nil {
		return Item{}, err
	}
	if !found {
		return Item{}, errors.Wrapf(backend.ErrKeyNotFound, "key %s", key)
	}
	return item, nil
}

// IncrBy adds delta to the integer stored under key and returns the new
// value. A missing or expired entry starts from def when provided and
// fails with ErrKeyNotFound otherwise.
func (d *DB) IncrBy(ctx context.Context, key string, delta int64, def *int64) (int64, error) {
	var result int64
	err := d.Transact(ctx, true, func(txn *Txn) error {
		now := nowSeconds()
		rows, err := txn.QueryContext(ctx, fmt.Sprintf(
			`SELECT rowid, value FROM "%s" WHERE key = ? AND (expire_time IS NULL OR expire_time > ?)`,
			d.table), []byte(key), now)
		if err != nil {
			return err
		}
		var rowid int64
		var raw []byte
		found := rows.Next()
		if found {
			if err := rows.Scan(&rowid, &raw); err != nil {
				rows.Close()
				return err
			}
		}
		rows.Close()
		if !found {
			if def == nil {
				return errors.Wrapf(backend.ErrKeyNotFound, "key %s", key)
			}
			result = *def + delta
			return d.upsert(ctx, txn, now, key, []byte(strconv.FormatInt(result, 10)), 0, "")
		}
		current, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return errors.Wrapf(err, "key %s does not hold an integer", key)
		}
		result = current + delta
		_, err = txn.ExecContext(ctx, fmt.Sprintf(
			`UPDATE "%s" SET store_time = ?, value = ?, size = ?, %s WHERE rowid = ?`,
			d.table, d.policy.get(now)),
			now, []byte(strconv.FormatInt(result, 10)), len(strconv.FormatInt(result, 10)), rowid)
		return err
	})
	return result, err
}

// DecrBy subtracts delta from the integer stored under key.
func (d *DB) DecrBy(ctx context.Context, key string, delta int64, def *int64) (int64, error) {
	return d.IncrBy(ctx, key, -delta, def)
}

// Delete removes key and reports whether a row was removed.
func (d *DB) Delete(ctx context.Context, key string) (bool, error) {
	var deleted bool
	err := d.Transact(ctx, true, func(txn *Txn) error {
		res, err := txn.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM "%s" WHERE key = ?`, d.table), []byte(key))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	return deleted, err
}

// DeleteKeys removes the given keys in batched transactions and returns
// how many rows were removed. On lock timeout the error carries the count
// removed so far.
func (d *DB) DeleteKeys(ctx context.Context, keys ...string) (int64, error) {
	var total int64
	for start := 0; start < len(keys); start += selectDeleteBatch {
		end := start + selectDeleteBatch
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = []byte(k)
		}
		err := d.Transact(ctx, true, func(txn *Txn) error {
			res, err := txn.ExecContext(ctx, fmt.Sprintf(
				`DELETE FROM "%s" WHERE key IN (%s)`, d.table, placeholders(len(chunk))), args...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			total += n
			return err
		})
		if err != nil {
			if errors.Is(err, backend.ErrTimeout) {
				return total, backend.NewTimeoutError(int(total))
			}
			return total, err
		}
	}
	return total, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Contains reports whether a live entry exists for key without touching
// statistics or eviction bookkeeping.
func (d *DB) Contains(ctx context.Context, key string) (bool, error) {
	if err := d.ensureConfigured(ctx); err != nil {
		return false, err
	}
	rows, err := d.queryRetry(ctx, d.sqldb, fmt.Sprintf(
		`SELECT rowid FROM "%s" WHERE key = ? AND (expire_time IS NULL OR expire_time > ?)`,
		d.table), []byte(key), nowSeconds())
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// FetchKeys returns the live keys in insertion order, filtered by a SQL
// LIKE pattern when pattern is non-empty. Backslash escapes a literal
// wildcard in the pattern.
func (d *DB) FetchKeys(ctx context.Context, pattern string) ([]string, error) {
	if err := d.ensureConfigured(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		`SELECT key FROM "%s" WHERE (expire_time IS NULL OR expire_time > ?)`, d.table)
	args := []any{nowSeconds()}
	if pattern != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, pattern)
	}
	query += " ORDER BY rowid"
	rows, err := d.queryRetry(ctx, d.sqldb, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key []byte
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, string(key))
	}
	return keys, rows.Err()
}

// FetchItems returns every live item in insertion order.
func (d *DB) FetchItems(ctx context.Context) ([]Item, error) {
	if err := d.ensureConfigured(ctx); err != nil {
		return nil, err
	}
	rows, err := d.queryRetry(ctx, d.sqldb, fmt.Sprintf(
		`SELECT key, expire_time, tag, access_count, hit_count, value FROM "%s"`+
			` WHERE (expire_time IS NULL OR expire_time > ?) ORDER BY rowid`,
		d.table), nowSeconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var key, tag, value []byte
		var expire sql.NullFloat64
		var accessCount, hitCount int64
		if err := rows.Scan(&key, &expire, &tag, &accessCount, &hitCount, &value); err != nil {
			return nil, err
		}
		item := Item{Key: string(key), Tag: string(tag), Value: value, AccessCount: accessCount, HitCount: hitCount}
		if expire.Valid {
			item.ExpireTime = expire.Float64
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SelectTags returns every live entry whose tag is in the given set, one
// query, applying the same read bookkeeping Get does.
func (d *DB) SelectTags(ctx context.Context, tags ...string) (map[string][]byte, error) {
	if len(tags) == 0 {
		return map[string][]byte{}, nil
	}
	args := make([]any, 0, len(tags)+1)
	args = append(args, nowSeconds())
	for _, tag := range tags {
		args = append(args, []byte(tag))
	}
	data := make(map[string][]byte)
	err := d.Transact(ctx, true, func(txn *Txn) error {
		now := nowSeconds()
		rows, err := txn.QueryContext(ctx, fmt.Sprintf(
			`SELECT rowid, key, value FROM "%s"`+
				` WHERE (expire_time IS NULL OR expire_time > ?) AND tag IN (%s)`,
			d.table, placeholders(len(tags))), args...)
		if err != nil {
			return err
		}
		var rowids []int64
		for rows.Next() {
			var rowid int64
			var key, value []byte
			if err := rows.Scan(&rowid, &key, &value); err != nil {
				rows.Close()
				return err
			}
			rowids = append(rowids, rowid)
			data[string(key)] = value
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(rowids) == 0 {
			return nil
		}
		idArgs := make([]any, len(rowids))
		for i, id := range rowids {
			idArgs[i] = id
		}
		_, err = txn.ExecContext(ctx, fmt.Sprintf(
			`UPDATE "%s" SET %s WHERE rowid IN (%s)`,
			d.table, d.policy.get(now), placeholders(len(rowids))), idArgs...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// EvictTag removes every entry carrying tag, in bounded batches, and
// returns the number removed.
func (d *DB) EvictTag(ctx context.Context, tag string) (int64, error) {
	return d.selectDelete(ctx, "tag = ?", []byte(tag))
}

// Clear removes every entry in bounded batches and returns the number
// removed.
func (d *DB) Clear(ctx context.Context) (int64, error) {
	return d.selectDelete(ctx, "")
}

// RemoveExpired deletes entries whose expiry has passed and returns the
// number removed.
func (d *DB) RemoveExpired(ctx context.Context) (int64, error) {
	return d.selectDelete(ctx, "expire_time IS NOT NULL AND expire_time < ?", nowSeconds())
}

// selectDelete deletes matching rows in batches of selectDeleteBatch, each
// batch in its own transaction so other writers can interleave. A lock
// timeout surfaces as a TimeoutError carrying the partial count.
func (d *DB) selectDelete(ctx context.Context, where string, args ...any) (int64, error) {
	clause := ""
	if where != "" {
		clause = " WHERE " + where
	}
	stmt := fmt.Sprintf(
		`DELETE FROM "%[1]s" WHERE rowid IN`+
			` (SELECT rowid FROM "%[1]s"%[2]s ORDER BY rowid LIMIT %[3]d)`,
		d.table, clause, selectDeleteBatch)
	var total int64
	for {
		var n int64
		err := d.Transact(ctx, true, func(txn *Txn) error {
			res, err := txn.ExecContext(ctx, stmt, args...)
			if err != nil {
				return err
			}
			n, err = res.RowsAffected()
			return err
		})
		if err != nil {
			if errors.Is(err, backend.ErrTimeout) {
				return total, backend.NewTimeoutError(int(total))
			}
			return total, err
		}
		total += n
		if n < selectDeleteBatch {
			return total, nil
		}
	}
}

// Cull removes expired entries, then evicts per policy until the volume is
// back under the size limit. It returns the number of rows removed.
func (d *DB) Cull(ctx context.Context) (int64, error) {
	expired, err := d.RemoveExpired(ctx)
	if err != nil {
		return expired, err
	}
	total := expired
	if !d.policy.hasCull() {
		return total, nil
	}
	for {
		volume, err := d.Volume(ctx)
		if err != nil {
			return total, err
		}
		if volume <= d.sizeLimit {
			return total, nil
		}
		var n int64
		err = d.Transact(ctx, true, func(txn *Txn) error {
			res, err := txn.ExecContext(ctx, fmt.Sprintf(
				`DELETE FROM "%s" WHERE rowid IN (%s)`,
				d.table, d.policy.cull("rowid")), int64(10))
			if err != nil {
				return err
			}
			n, err = res.RowsAffected()
			return err
		})
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
	}
}

// cullIn is the write-path cull: expired rows first, then policy victims
// while over the size limit, all bounded by limit and inside the caller's
// transaction.
func (d *DB) cullIn(ctx context.Context, txn *Txn, now float64, limit int64) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	res, err := txn.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM "%[1]s" WHERE rowid IN`+
			` (SELECT rowid FROM "%[1]s" WHERE expire_time IS NOT NULL AND expire_time < ?`+
			` ORDER BY expire_time LIMIT ?)`, d.table), now, limit)
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return removed, err
	}
	remaining := limit - removed
	if remaining <= 0 || !d.policy.hasCull() {
		return removed, nil
	}
	volume, err := d.volumeOn(ctx, txn)
	if err != nil {
		return removed, err
	}
	if volume <= d.sizeLimit {
		return removed, nil
	}
	res, err = txn.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM "%s" WHERE rowid IN (%s)`, d.table, d.policy.cull("rowid")), remaining)
	if err != nil {
		return removed, err
	}
	n, err := res.RowsAffected()
	return removed + n, err
}

func (d *DB) spawnCull() {
	d.cullWG.Add(1)
	go func() {
		defer d.cullWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.busyTimeout)
		defer cancel()
		err := d.Transact(ctx, true, func(txn *Txn) error {
			_, err := d.cullIn(ctx, txn, nowSeconds(), d.cullLimit)
			return err
		})
		if err != nil {
			d.log.Warn("background cull failed: %v", err)
		}
	}()
}
