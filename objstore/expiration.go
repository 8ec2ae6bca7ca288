// Package objstore implements a key-value backend over an object-storage
// style filesystem. Each key is one file; per-key expiration lives in a
// separate index since object stores have no native TTL. The filesystem is
// abstracted behind billy.Filesystem so disk, in-memory, and bucket-backed
// implementations are interchangeable.
package objstore

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/persistkit/persistkit/backend"
	"github.com/persistkit/persistkit/env"
	"github.com/persistkit/persistkit/logger"
)

// ExpirationBackend tracks per-key expiry for an object-storage backend.
// Expiry is enforced lazily: Check and Validate report which keys have
// expired and drop them from the index, and the owning backend sweeps the
// corresponding files. There is no background timer.
type ExpirationBackend interface {
	// Name identifies the index implementation.
	Name() string

	// Check returns the subset of keys whose expiry has passed, removing
	// them from the index.
	Check(ctx context.Context, keys ...string) ([]string, error)

	// Set records an expiry of now+ex for each key. A zero ex removes any
	// recorded expiry instead.
	Set(ctx context.Context, ex time.Duration, keys ...string) error

	// Remove drops the keys from the index.
	Remove(ctx context.Context, keys ...string) error

	// Validate sweeps the whole index and returns every expired key not
	// listed in ignore, removing them from the index.
	Validate(ctx context.Context, ignore ...string) ([]string, error)

	// Close releases the index's resources.
	Close() error
}

// Expiration index kinds accepted by NewExpiration. The set is sealed:
// anything else fails with ErrInvalidConfig.
const (
	ExpirationFile  = "file"
	ExpirationRedis = "redis"
	ExpirationAuto  = "auto"
)

type expirationConfig struct {
	log         logger.Logger
	redisClient RedisClient
	basePath    string
}

// ExpirationOption customizes NewExpiration.
type ExpirationOption func(*expirationConfig)

// WithExpirationLogger sets the index logger.
func WithExpirationLogger(log logger.Logger) ExpirationOption {
	return func(c *expirationConfig) {
		c.log = log
	}
}

// WithRedisClient supplies the redis client for the redis index instead of
// resolving one from REDIS_URL.
func WithRedisClient(client RedisClient) ExpirationOption {
	return func(c *expirationConfig) {
		c.redisClient = client
	}
}

// WithBasePath sets the base path that names the redis hash and lock.
func WithBasePath(path string) ExpirationOption {
	return func(c *expirationConfig) {
		c.basePath = path
	}
}

var (
	autoOnce sync.Once
	autoKind string
)

// resolveAuto picks the index kind from the environment once per process:
// redis when REDIS_URL is set outside CI, file otherwise.
func resolveAuto(log logger.Logger) string {
	autoOnce.Do(func() {
		autoKind = ExpirationFile
		settings, err := env.Load()
		if err == nil && settings.RedisURL != "" && !settings.CI {
			autoKind = ExpirationRedis
		}
		log.Info("expiration index resolved to %s", autoKind)
	})
	return autoKind
}

// NewExpiration builds an expiration index of the given kind over fs. The
// name scopes the index document within the filesystem so sibling backends
// do not share state.
func NewExpiration(ctx context.Context, kind string, fs billy.Filesystem, name string, opts ...ExpirationOption) (ExpirationBackend, error) {
	c := &expirationConfig{log: logger.NewConsoleLogger()}
	for _, opt := range opts {
		opt(c)
	}
	if kind == ExpirationAuto {
		kind = resolveAuto(c.log)
	}
	switch kind {
	case ExpirationFile:
		return newFileExpiration(fs, name, c.log), nil
	case ExpirationRedis:
		return newRedisExpiration(ctx, fs, name, c)
	default:
		return nil, errors.Wrapf(backend.ErrInvalidConfig, "unknown expiration kind %q", kind)
	}
}

// fileExpiration keeps the index in one JSON document alongside the data
// files. Read-modify-write under a process-local mutex; concurrent writers
// from other processes are not coordinated.
type fileExpiration struct {
	fs   billy.Filesystem
	path string
	log  logger.Logger
	mu   sync.Mutex
}

func newFileExpiration(fs billy.Filesystem, name string, log logger.Logger) *fileExpiration {
	return &fileExpiration{
		fs:   fs,
		path: "." + name + ".metadata.expires",
		log:  log.WithPrefix("expiration.file"),
	}
}

func (f *fileExpiration) Name() string { return ExpirationFile }

func (f *fileExpiration) load() (map[string]float64, error) {
	file, err := f.fs.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]float64{}, nil
		}
		return nil, errors.Wrap(err, "opening expiration index")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.Wrap(err, "reading expiration index")
	}
	index := map[string]float64{}
	if len(data) == 0 {
		return index, nil
	}
	if err := json.Unmarshal(data, &index); err != nil {
		// A corrupt index only costs early expiry checks; start fresh.
		f.log.Warn("resetting corrupt expiration index: %v", err)
		return map[string]float64{}, nil
	}
	return index, nil
}

func (f *fileExpiration) save(index map[string]float64) error {
	data, err := json.Marshal(index)
	if err != nil {
		return errors.Wrap(err, "encoding expiration index")
	}
	if err := util.WriteFile(f.fs, f.path, data, 0o644); err != nil {
		return errors.Wrap(err, "writing expiration index")
	}
	return nil
}

func (f *fileExpiration) Check(_ context.Context, keys ...string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index, err := f.load()
	if err != nil {
		return nil, err
	}
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	var expired []string
	for _, key := range keys {
		if at, ok := index[key]; ok && at <= now {
			expired = append(expired, key)
			delete(index, key)
		}
	}
	if len(expired) == 0 {
		return nil, nil
	}
	return expired, f.save(index)
}

func (f *fileExpiration) Set(_ context.Context, ex time.Duration, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	index, err := f.load()
	if err != nil {
		return err
	}
	changed := false
	if ex <= 0 {
		for _, key := range keys {
			if _, ok := index[key]; ok {
				delete(index, key)
				changed = true
			}
		}
	} else {
		at := float64(time.Now().Add(ex).UnixNano()) / float64(time.Second)
		for _, key := range keys {
			index[key] = at
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return f.save(index)
}

func (f *fileExpiration) Remove(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	index, err := f.load()
	if err != nil {
		return err
	}
	changed := false
	for _, key := range keys {
		if _, ok := index[key]; ok {
			delete(index, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return f.save(index)
}

func (f *fileExpiration) Validate(_ context.Context, ignore ...string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index, err := f.load()
	if err != nil {
		return nil, err
	}
	ignored := make(map[string]struct{}, len(ignore))
	for _, key := range ignore {
		ignored[key] = struct{}{}
	}
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	var expired []string
	for key, at := range index {
		if _, skip := ignored[key]; skip {
			continue
		}
		if at <= now {
			expired = append(expired, key)
			delete(index, key)
		}
	}
	if len(expired) == 0 {
		return nil, nil
	}
	return expired, f.save(index)
}

func (f *fileExpiration) Close() error { return nil }
