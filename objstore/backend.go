package objstore

import (
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"golang.org/x/sync/errgroup"

	"github.com/persistkit/persistkit/backend"
	"github.com/persistkit/persistkit/logger"
	"github.com/persistkit/persistkit/serializer"
)

// defaultConcurrency bounds multi-key fan-out so a large batch does not
// open an unbounded number of files or connections.
const defaultConcurrency = 8

// Backend stores one file per key on a billy.Filesystem with expiry
// tracked by an ExpirationBackend.
type Backend struct {
	name              string
	fs                billy.Filesystem
	ser               serializer.Serializer
	exp               ExpirationBackend
	log               logger.Logger
	filePre           string
	fileExt           string
	expiration        time.Duration
	autoDeleteInvalid bool
	concurrency       int
	cfg               backendConfig
}

var _ backend.Backend = (*Backend)(nil)

type backendConfig struct {
	log               logger.Logger
	indexName         string
	serializerName    string
	compressionLevel  int
	compress          bool
	filePre           string
	fileExt           string
	expirationKind    string
	redisClient       RedisClient
	expiration        time.Duration
	autoDeleteInvalid bool
	concurrency       int
}

// BackendOption customizes New.
type BackendOption func(*backendConfig)

// WithBackendLogger sets the backend logger.
func WithBackendLogger(log logger.Logger) BackendOption {
	return func(c *backendConfig) {
		c.log = log
	}
}

// WithSerializer selects the value codec by name (json or msgpack).
func WithSerializer(name string) BackendOption {
	return func(c *backendConfig) {
		c.serializerName = name
	}
}

// WithCompressionLevel wraps the codec in gzip at the given level.
func WithCompressionLevel(level int) BackendOption {
	return func(c *backendConfig) {
		c.compress = true
		c.compressionLevel = level
	}
}

// WithFilePrefix prepends a fixed prefix to every key's file name.
func WithFilePrefix(pre string) BackendOption {
	return func(c *backendConfig) {
		c.filePre = pre
	}
}

// WithFileExt overrides the file extension, dot included.
func WithFileExt(ext string) BackendOption {
	return func(c *backendConfig) {
		c.fileExt = ext
	}
}

// WithExpirationKind selects the expiration index: file, redis, or auto.
func WithExpirationKind(kind string) BackendOption {
	return func(c *backendConfig) {
		c.expirationKind = kind
	}
}

// WithBackendRedisClient supplies the redis client the redis expiration
// index uses.
func WithBackendRedisClient(client RedisClient) BackendOption {
	return func(c *backendConfig) {
		c.redisClient = client
	}
}

// WithDefaultExpiration sets the TTL applied when Set is called with a
// zero duration.
func WithDefaultExpiration(ex time.Duration) BackendOption {
	return func(c *backendConfig) {
		c.expiration = ex
	}
}

// WithAutoDeleteInvalid removes entries whose stored bytes fail to decode.
func WithAutoDeleteInvalid(enabled bool) BackendOption {
	return func(c *backendConfig) {
		c.autoDeleteInvalid = enabled
	}
}

// WithConcurrency bounds the fan-out of multi-key operations.
func WithConcurrency(n int) BackendOption {
	return func(c *backendConfig) {
		c.concurrency = n
	}
}

// WithIndexName scopes the expiration index document and hash name.
func WithIndexName(name string) BackendOption {
	return func(c *backendConfig) {
		c.indexName = name
	}
}

// New builds an object-storage backend over fs.
func New(ctx context.Context, fs billy.Filesystem, opts ...BackendOption) (*Backend, error) {
	c := backendConfig{
		log:            logger.NewConsoleLogger(),
		indexName:      "cache",
		serializerName: "json",
		expirationKind: ExpirationAuto,
		concurrency:    defaultConcurrency,
	}
	for _, opt := range opts {
		opt(&c)
	}
	var serOpts []serializer.Option
	if c.compress {
		serOpts = append(serOpts, serializer.WithCompression(c.compressionLevel))
	}
	ser, err := serializer.New(c.serializerName, serOpts...)
	if err != nil {
		return nil, err
	}
	ext := c.fileExt
	if ext == "" {
		ext = "." + strings.SplitN(ser.Name(), "+", 2)[0]
	}
	exp, err := NewExpiration(ctx, c.expirationKind, fs, c.indexName,
		WithExpirationLogger(c.log),
		WithRedisClient(c.redisClient),
	)
	if err != nil {
		return nil, err
	}
	return &Backend{
		name:              "objstore",
		fs:                fs,
		ser:               ser,
		exp:               exp,
		log:               c.log.WithPrefix("objstore"),
		filePre:           c.filePre,
		fileExt:           ext,
		expiration:        c.expiration,
		autoDeleteInvalid: c.autoDeleteInvalid,
		concurrency:       c.concurrency,
		cfg:               c,
	}, nil
}

// Name identifies the backend implementation.
func (b *Backend) Name() string { return b.name }

// Expiration exposes the expiration index, mainly for sweeps and tests.
func (b *Backend) Expiration() ExpirationBackend { return b.exp }

func (b *Backend) keyPath(key string) string {
	return b.filePre + key + b.fileExt
}

func (b *Backend) keyFromPath(p string) (string, bool) {
	p = strings.TrimPrefix(p, "/")
	base := path.Base(p)
	if strings.HasPrefix(base, ".") {
		return "", false
	}
	if !strings.HasSuffix(p, b.fileExt) {
		return "", false
	}
	key := strings.TrimSuffix(p, b.fileExt)
	if b.filePre != "" {
		if !strings.HasPrefix(key, b.filePre) {
			return "", false
		}
		key = strings.TrimPrefix(key, b.filePre)
	}
	return key, true
}

func (b *Backend) removeFile(key string) {
	if err := b.fs.Remove(b.keyPath(key)); err != nil && !os.IsNotExist(err) {
		b.log.Warn("failed to remove file for key %s: %v", key, err)
	}
}

// read returns the stored bytes for key after enforcing expiry. Missing
// and expired keys fail with ErrKeyNotFound.
func (b *Backend) read(ctx context.Context, key string) ([]byte, error) {
	expired, err := b.exp.Check(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		b.removeFile(key)
		return nil, errors.Wrapf(backend.ErrKeyNotFound, "key %s expired", key)
	}
	file, err := b.fs.Open(b.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(backend.ErrKeyNotFound, "key %s", key)
		}
		return nil, errors.Wrapf(err, "opening key %s", key)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.Wrapf(err, "reading key %s", key)
	}
	return data, nil
}

// Get returns the decoded value for key, degrading to def when the key is
// missing, expired, or its stored bytes cannot be decoded.
func (b *Backend) Get(ctx context.Context, key string, def any) (any, error) {
	data, err := b.read(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrKeyNotFound) {
			return def, nil
		}
		return def, err
	}
	var out any
	if err := b.ser.Decode(data, &out); err != nil {
		b.log.Warn("failed to decode value for key %s: %v", key, err)
		if b.autoDeleteInvalid {
			b.removeFile(key)
			if rerr := b.exp.Remove(ctx, key); rerr != nil {
				b.log.Warn("failed to drop expiry for key %s: %v", key, rerr)
			}
		}
		return def, nil
	}
	return out, nil
}

// Fetch returns the decoded value for key or ErrKeyNotFound.
func (b *Backend) Fetch(ctx context.Context, key string) (any, error) {
	data, err := b.read(ctx, key)
	if err != nil {
		return nil, err
	}
	var out any
	if err := b.ser.Decode(data, &out); err != nil {
		if b.autoDeleteInvalid {
			b.removeFile(key)
			if rerr := b.exp.Remove(ctx, key); rerr != nil {
				b.log.Warn("failed to drop expiry for key %s: %v", key, rerr)
			}
		}
		return nil, errors.Wrapf(err, "decoding value for key %s", key)
	}
	return out, nil
}

// Set encodes and writes value under key. A zero ex falls back to the
// backend's default expiration; no expiration clears any recorded expiry.
func (b *Backend) Set(ctx context.Context, key string, value any, ex time.Duration) error {
	data, err := b.ser.Encode(value)
	if err != nil {
		return errors.Wrapf(err, "encoding value for key %s", key)
	}
	p := b.keyPath(key)
	if dir := path.Dir(p); dir != "." && dir != "/" {
		if err := b.fs.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "creating directory for key %s", key)
		}
	}
	if err := util.WriteFile(b.fs, p, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing key %s", key)
	}
	if ex == 0 {
		ex = b.expiration
	}
	if ex > 0 {
		return b.exp.Set(ctx, ex, key)
	}
	return b.exp.Remove(ctx, key)
}

// SetBatch stores every entry of data with bounded fan-out and returns the
// number stored. Entries that fail to encode or write are skipped with a
// warning.
func (b *Backend) SetBatch(ctx context.Context, data map[string]any, ex time.Duration) (int, error) {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	stored := make([]bool, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			if err := b.Set(gctx, key, data[key], ex); err != nil {
				b.log.Warn("skipping key %s: %v", key, err)
				return nil
			}
			stored[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	count := 0
	for _, ok := range stored {
		if ok {
			count++
		}
	}
	return count, nil
}

// Values returns one decoded value per requested key with bounded fan-out,
// preserving input order and substituting def for missing or undecodable
// entries.
func (b *Backend) Values(ctx context.Context, keys []string, def any) ([]any, error) {
	out := make([]any, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			v, err := b.Get(gctx, key, def)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.fs.Remove(b.keyPath(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing key %s", key)
	}
	return b.exp.Remove(ctx, key)
}

// Clear removes the given keys, or every key at the backend's own level
// when none are given, and returns the number removed.
func (b *Backend) Clear(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		all, err := b.listKeys()
		if err != nil {
			return 0, err
		}
		keys = all
	}
	count := 0
	for _, key := range keys {
		err := b.fs.Remove(b.keyPath(key))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return count, errors.Wrapf(err, "removing key %s", key)
		}
		count++
	}
	if err := b.exp.Remove(ctx, keys...); err != nil {
		return count, err
	}
	return count, nil
}

// Contains reports whether key holds a live value.
func (b *Backend) Contains(ctx context.Context, key string) (bool, error) {
	expired, err := b.exp.Check(ctx, key)
	if err != nil {
		return false, err
	}
	if len(expired) > 0 {
		b.removeFile(key)
		return false, nil
	}
	if _, err := b.fs.Stat(b.keyPath(key)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Expire sets the time to live of an existing key.
func (b *Backend) Expire(ctx context.Context, key string, ex time.Duration) error {
	ok, err := b.Contains(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(backend.ErrKeyNotFound, "key %s", key)
	}
	return b.exp.Set(ctx, ex, key)
}

// listKeys enumerates the data files at this backend's own level. Sub-paths
// are namespaces owned by children and are never crossed, so a child's keys
// stay invisible to the parent's listings.
func (b *Backend) listKeys() ([]string, error) {
	entries, err := b.fs.ReadDir("/")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "listing keys")
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if key, ok := b.keyFromPath(entry.Name()); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Keys returns the live keys matching pattern (glob style, * and ?).
func (b *Backend) Keys(ctx context.Context, pattern string) ([]string, error) {
	all, err := b.AllKeys(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, key := range all {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, errors.Wrapf(backend.ErrInvalidConfig, "pattern %q: %v", pattern, err)
		}
		if ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// AllKeys returns every live key, sweeping expired entries first.
func (b *Backend) AllKeys(ctx context.Context) ([]string, error) {
	if _, err := b.Validate(ctx); err != nil {
		return nil, err
	}
	return b.listKeys()
}

// AllData returns every live key with its decoded value. Undecodable
// entries are skipped with a warning.
func (b *Backend) AllData(ctx context.Context) (map[string]any, error) {
	keys, err := b.AllKeys(ctx)
	if err != nil {
		return nil, err
	}
	values, err := b.Values(ctx, keys, nil)
	if err != nil {
		return nil, err
	}
	data := make(map[string]any, len(keys))
	for i, key := range keys {
		if values[i] != nil {
			data[key] = values[i]
		}
	}
	return data, nil
}

// AllValues returns every live decoded value in key order.
func (b *Backend) AllValues(ctx context.Context) ([]any, error) {
	keys, err := b.AllKeys(ctx)
	if err != nil {
		return nil, err
	}
	return b.Values(ctx, keys, nil)
}

// Length returns the number of live keys.
func (b *Backend) Length(ctx context.Context) (int, error) {
	keys, err := b.AllKeys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Validate sweeps the expiration index, removes the files of expired keys,
// and returns how many were swept.
func (b *Backend) Validate(ctx context.Context) (int, error) {
	expired, err := b.exp.Validate(ctx)
	if err != nil {
		return 0, err
	}
	for _, key := range expired {
		b.removeFile(key)
	}
	return len(expired), nil
}

// Purge removes every file under the backend's root, index included.
func (b *Backend) Purge(ctx context.Context) error {
	keys, err := b.listKeys()
	if err != nil {
		return err
	}
	if err := b.exp.Remove(ctx, keys...); err != nil {
		return err
	}
	entries, err := b.fs.ReadDir("/")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "listing root")
	}
	for _, entry := range entries {
		if err := util.RemoveAll(b.fs, entry.Name()); err != nil {
			return errors.Wrapf(err, "removing %s", entry.Name())
		}
	}
	return nil
}

// Child returns a backend rooted at the named sub-path of this backend's
// filesystem, with its own expiration index.
func (b *Backend) Child(name string) (backend.Backend, error) {
	chroot, err := b.fs.Chroot(name)
	if err != nil {
		return nil, errors.Wrapf(err, "chrooting to %s", name)
	}
	cfg := b.cfg
	opts := []BackendOption{
		WithBackendLogger(cfg.log),
		WithIndexName(cfg.indexName),
		WithSerializer(cfg.serializerName),
		WithFilePrefix(cfg.filePre),
		WithFileExt(b.fileExt),
		WithExpirationKind(b.exp.Name()),
		WithBackendRedisClient(cfg.redisClient),
		WithDefaultExpiration(cfg.expiration),
		WithAutoDeleteInvalid(cfg.autoDeleteInvalid),
		WithConcurrency(cfg.concurrency),
	}
	if cfg.compress {
		opts = append(opts, WithCompressionLevel(cfg.compressionLevel))
	}
	return New(context.Background(), chroot, opts...)
}

// Close releases the expiration index.
func (b *Backend) Close() error {
	return b.exp.Close()
}
