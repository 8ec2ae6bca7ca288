package sqlite

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/persistkit/persistkit/backend"
	"github.com/persistkit/persistkit/logger"
	"github.com/persistkit/persistkit/serializer"
)

// defaultRemotePort is the rqlite HTTP API port used when the DSN names a
// host without one.
const defaultRemotePort = 4001

// Backend adapts a DB to the backend.Backend contract: values pass through
// a serializer, reads degrade to the caller's default on codec failures,
// and the key namespace is one table.
type Backend struct {
	name              string
	db                *DB
	ser               serializer.Serializer
	log               logger.Logger
	expiration        time.Duration
	autoDeleteInvalid bool
}

var _ backend.Backend = (*Backend)(nil)

// Open is a backend.OpenFunc for the sqlite scheme.
func Open(dsn string) (backend.Backend, error) {
	return NewBackend(dsn)
}

// NewBackend opens a backend from a DSN of the form
//
//	sqlite://path/to.db?table=mytable
//	sqlite://host:port?table=mytable
//
// A path ending in .db is a local database file; anything else is treated
// as an rqlite cluster address. Recognized query parameters: table,
// expiration (Go duration, also accepts d and w units), serializer,
// async_enabled and auto_delete_invalid. Engine options apply on top of
// the DSN.
func NewBackend(dsn string, opts ...Option) (*Backend, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, errors.Wrapf(backend.ErrInvalidConfig, "parsing dsn %s: %v", dsn, err)
	}
	if u.Scheme != "sqlite" {
		return nil, errors.Wrapf(backend.ErrInvalidConfig, "unexpected scheme %q", u.Scheme)
	}

	b := &Backend{
		name: "sqlite",
		log:  logger.NewConsoleLogger(),
	}
	table := "cache"
	serName := "json"
	optimization := OptimizationCache
	bgCull := false

	q := u.Query()
	if v := q.Get("table"); v != "" {
		table = v
	}
	if v := q.Get("expiration"); v != "" {
		ex, err := str2duration.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrapf(backend.ErrInvalidConfig, "expiration %q: %v", v, err)
		}
		b.expiration = ex
	}
	if v := q.Get("serializer"); v != "" {
		serName = v
	}
	if v := q.Get("async_enabled"); v != "" {
		bgCull = parseBool(v)
	}
	if v := q.Get("auto_delete_invalid"); v != "" {
		b.autoDeleteInvalid = parseBool(v)
	}

	b.ser, err = serializer.New(serName)
	if err != nil {
		return nil, err
	}

	engineOpts := []Option{WithOptimization(optimization), WithLogger(b.log)}
	if bgCull {
		engineOpts = append(engineOpts, WithBackgroundCull(true))
	}
	engineOpts = append(engineOpts, opts...)

	target := u.Host + u.Path
	if strings.HasSuffix(target, ".db") {
		b.db, err = New(target, table, engineOpts...)
	} else {
		port := defaultRemotePort
		if p := u.Port(); p != "" {
			port, err = strconv.Atoi(p)
			if err != nil {
				return nil, errors.Wrapf(backend.ErrInvalidConfig, "port %q", p)
			}
		}
		b.db, err = NewRemote(u.Hostname(), port, table, engineOpts...)
	}
	if err != nil {
		return nil, err
	}
	b.log = b.log.With(map[string]interface{}{"backend": b.name, "table": table})
	return b, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "t", "y", "yes":
		return true
	}
	return false
}

// DB exposes the underlying engine for callers that need engine-level
// operations like queues or tag eviction.
func (b *Backend) DB() *DB { return b.db }

// Name identifies the backend implementation.
func (b *Backend) Name() string { return b.name }

func (b *Backend) decode(key string, data []byte) (any, bool) {
	var out any
	err := b.ser.Decode(data, &out)
	if err == nil {
		return out, true
	}
	b.log.Warn("failed to decode value for key %s: %v", key, err)
	if b.autoDeleteInvalid {
		if _, err := b.db.Delete(context.Background(), key); err != nil {
			b.log.Warn("failed to delete invalid key %s: %v", key, err)
		}
	}
	return nil, false
}

// Get returns the decoded value for key, degrading to def when the key is
// missing, expired, or its stored bytes cannot be decoded.
func (b *Backend) Get(ctx context.Context, key string, def any) (any, error) {
	raw, err := b.db.Get(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrKeyNotFound) {
			return def, nil
		}
		return def, err
	}
	if out, ok := b.decode(key, raw); ok {
		return out, nil
	}
	return def, nil
}

// Fetch returns the decoded value for key or ErrKeyNotFound. An
// undecodable entry is an error rather than a silent default.
func (b *Backend) Fetch(ctx context.Context, key string) (any, error) {
	raw, err := b.db.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var out any
	if err := b.ser.Decode(raw, &out); err != nil {
		if b.autoDeleteInvalid {
			if _, derr := b.db.Delete(ctx, key); derr != nil {
				b.log.Warn("failed to delete invalid key %s: %v", key, derr)
			}
		}
		return nil, errors.Wrapf(err, "decoding value for key %s", key)
	}
	return out, nil
}

// Set encodes and stores value under key. A zero ex falls back to the
// backend's configured default expiration.
func (b *Backend) Set(ctx context.Context, key string, value any, ex time.Duration) error {
	data, err := b.ser.Encode(value)
	if err != nil {
		return errors.Wrapf(err, "encoding value for key %s", key)
	}
	if ex == 0 {
		ex = b.expiration
	}
	return b.db.Set(ctx, key, data, ex, "")
}

// SetBatch stores every encodable entry of data in one transaction and
// returns the number stored. Entries that fail to encode are skipped with
// a warning.
func (b *Backend) SetBatch(ctx context.Context, data map[string]any, ex time.Duration) (int, error) {
	if ex == 0 {
		ex = b.expiration
	}
	entries := make([]Entry, 0, len(data))
	for key, value := range data {
		raw, err := b.ser.Encode(value)
		if err != nil {
			b.log.Warn("skipping key %s: %v", key, err)
			continue
		}
		entries = append(entries, Entry{Key: key, Value: raw})
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := b.db.SetMany(ctx, entries, ex, ""); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Values returns one decoded value per requested key, preserving input
// order and substituting def for missing or undecodable entries.
func (b *Backend) Values(ctx context.Context, keys []string, def any) ([]any, error) {
	out := make([]any, len(keys))
	for i, key := range keys {
		v, err := b.Get(ctx, key, def)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *Backend) Delete(ctx context.Context, key string) error {
	_, err := b.db.Delete(ctx, key)
	return err
}

// Clear removes the given keys, or every key when none are given, and
// returns the number removed.
func (b *Backend) Clear(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		n, err := b.db.Clear(ctx)
		return int(n), err
	}
	n, err := b.db.DeleteKeys(ctx, keys...)
	return int(n), err
}

// Contains reports whether key holds a live value.
func (b *Backend) Contains(ctx context.Context, key string) (bool, error) {
	return b.db.Contains(ctx, key)
}

// Expire sets the time to live of an existing key, failing with
// ErrKeyNotFound when the key is missing or already expired.
func (b *Backend) Expire(ctx context.Context, key string, ex time.Duration) error {
	touched, err := b.db.Touch(ctx, key, ex)
	if err != nil {
		return err
	}
	if !touched {
		return errors.Wrapf(backend.ErrKeyNotFound, "key %s", key)
	}
	return nil
}

// Keys returns the live keys matching a glob pattern where * matches any
// run and ? matches one character.
func (b *Backend) Keys(ctx context.Context, pattern string) ([]string, error) {
	return b.db.FetchKeys(ctx, globToLike(pattern))
}

// AllKeys returns every live key in insertion order.
func (b *Backend) AllKeys(ctx context.Context) ([]string, error) {
	return b.db.FetchKeys(ctx, "")
}

// AllData returns every live key with its decoded value. Undecodable
// entries are skipped with a warning.
func (b *Backend) AllData(ctx context.Context) (map[string]any, error) {
	items, err := b.db.FetchItems(ctx)
	if err != nil {
		return nil, err
	}
	data := make(map[string]any, len(items))
	for _, item := range items {
		if v, ok := b.decode(item.Key, item.Value); ok {
			data[item.Key] = v
		}
	}
	return data, nil
}

// AllValues returns every live decoded value in insertion order.
func (b *Backend) AllValues(ctx context.Context) ([]any, error) {
	items, err := b.db.FetchItems(ctx)
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, len(items))
	for _, item := range items {
		if v, ok := b.decode(item.Key, item.Value); ok {
			values = append(values, v)
		}
	}
	return values, nil
}

// Length returns the number of keys, including entries that expired but
// have not yet been swept.
func (b *Backend) Length(ctx context.Context) (int, error) {
	n, err := b.db.Length(ctx)
	return int(n), err
}

// Child returns a sibling backend bound to its own table on the shared
// database handle.
func (b *Backend) Child(name string) (backend.Backend, error) {
	child, err := b.db.Child(name)
	if err != nil {
		return nil, err
	}
	return &Backend{
		name:              b.name,
		db:                child,
		ser:               b.ser,
		log:               b.log.With(map[string]interface{}{"table": child.Table()}),
		expiration:        b.expiration,
		autoDeleteInvalid: b.autoDeleteInvalid,
	}, nil
}

// Close closes the underlying engine. Closing a child leaves the shared
// database handle open.
func (b *Backend) Close() error {
	return b.db.Close()
}

func globToLike(pattern string) string {
	var sb strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteByte('%')
		case '?':
			sb.WriteByte('_')
		case '%', '_', '\\':
			// Literal LIKE metacharacters match themselves only.
			sb.WriteByte('\\')
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
