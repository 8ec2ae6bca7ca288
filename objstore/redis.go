package objstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-billy/v5"
	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/persistkit/persistkit/backend"
	"github.com/persistkit/persistkit/env"
	"github.com/persistkit/persistkit/logger"
)

// RedisClient is the client surface the redis expiration index needs.
type RedisClient = redis.UniversalClient

// validateLockExpiry bounds how long a validate sweep or migration may
// hold the distributed lock.
const validateLockExpiry = 30 * time.Second

// redisExpiration keeps the index in one redis hash per base path so
// multiple processes sharing the same object store agree on expiry. The
// hash is named after the base path with slashes flattened to dots.
type redisExpiration struct {
	client     RedisClient
	rs         *redsync.Redsync
	hashKey    string
	lockKey    string
	log        logger.Logger
	ownsClient bool
}

func hashKeyFor(basePath string) string {
	flat := strings.ReplaceAll(strings.Trim(basePath, "/"), "/", ".")
	if flat == "" {
		flat = "root"
	}
	return "_fexp_:" + flat
}

func newRedisExpiration(ctx context.Context, fs billy.Filesystem, name string, c *expirationConfig) (*redisExpiration, error) {
	base := c.basePath
	if base == "" {
		base = fs.Root()
	}
	r := &redisExpiration{
		client:  c.redisClient,
		hashKey: hashKeyFor(base),
		lockKey: strings.Trim(base, "/") + ":lock",
		log:     c.log.WithPrefix("expiration.redis"),
	}
	if r.client == nil {
		settings, err := env.Load()
		if err != nil {
			return nil, err
		}
		if settings.RedisURL == "" {
			return nil, errors.Wrap(backend.ErrInvalidConfig, "redis expiration requires REDIS_URL")
		}
		opts, err := redis.ParseURL(settings.RedisURL)
		if err != nil {
			return nil, errors.Wrap(backend.ErrInvalidConfig, err.Error())
		}
		r.client = redis.NewClient(opts)
		r.ownsClient = true
	}
	r.rs = redsync.New(goredis.NewPool(r.client))
	if err := r.migrate(ctx, fs, name); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// migrate copies a pre-existing file index into the hash exactly once,
// gated on the hash not existing yet. The source file is left in place so
// a rollback to the file index keeps working.
func (r *redisExpiration) migrate(ctx context.Context, fs billy.Filesystem, name string) error {
	exists, err := r.client.Exists(ctx, r.hashKey).Result()
	if err != nil {
		return errors.Wrap(err, "checking expiration hash")
	}
	if exists > 0 {
		return nil
	}
	file := newFileExpiration(fs, name, r.log)
	index, err := file.load()
	if err != nil || len(index) == 0 {
		return err
	}
	mutex := r.rs.NewMutex(r.lockKey, redsync.WithExpiry(validateLockExpiry))
	if err := mutex.LockContext(ctx); err != nil {
		return errors.Wrap(err, "locking for migration")
	}
	defer mutex.UnlockContext(ctx)

	// Another process may have migrated while we waited on the lock.
	exists, err = r.client.Exists(ctx, r.hashKey).Result()
	if err != nil {
		return errors.Wrap(err, "rechecking expiration hash")
	}
	if exists > 0 {
		return nil
	}
	pairs := make([]any, 0, len(index)*2)
	for key, at := range index {
		pairs = append(pairs, key, strconv.FormatFloat(at, 'f', -1, 64))
	}
	if err := r.client.HSet(ctx, r.hashKey, pairs...).Err(); err != nil {
		return errors.Wrap(err, "migrating expiration index")
	}
	r.log.Info("migrated %d expiration entries from file index", len(index))
	return nil
}

func (r *redisExpiration) Name() string { return ExpirationRedis }

func (r *redisExpiration) Check(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := r.client.HMGet(ctx, r.hashKey, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "reading expiration hash")
	}
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	var expired []string
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		at, err := strconv.ParseFloat(s, 64)
		if err != nil {
			r.log.Warn("malformed expiry for key %s: %v", keys[i], err)
			continue
		}
		if at <= now {
			expired = append(expired, keys[i])
		}
	}
	if len(expired) == 0 {
		return nil, nil
	}
	if err := r.client.HDel(ctx, r.hashKey, expired...).Err(); err != nil {
		return expired, errors.Wrap(err, "pruning expiration hash")
	}
	return expired, nil
}

func (r *redisExpiration) Set(ctx context.Context, ex time.Duration, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if ex <= 0 {
		return r.Remove(ctx, keys...)
	}
	at := float64(time.Now().Add(ex).UnixNano()) / float64(time.Second)
	pairs := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		pairs = append(pairs, key, strconv.FormatFloat(at, 'f', -1, 64))
	}
	return errors.Wrap(r.client.HSet(ctx, r.hashKey, pairs...).Err(), "writing expiration hash")
}

func (r *redisExpiration) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return errors.Wrap(r.client.HDel(ctx, r.hashKey, keys...).Err(), "pruning expiration hash")
}

func (r *redisExpiration) Validate(ctx context.Context, ignore ...string) ([]string, error) {
	mutex := r.rs.NewMutex(r.lockKey, redsync.WithExpiry(validateLockExpiry))
	if err := mutex.LockContext(ctx); err != nil {
		return nil, errors.Wrap(err, "locking for validate")
	}
	defer mutex.UnlockContext(ctx)

	index, err := r.client.HGetAll(ctx, r.hashKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "reading expiration hash")
	}
	ignored := make(map[string]struct{}, len(ignore))
	for _, key := range ignore {
		ignored[key] = struct{}{}
	}
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	var expired []string
	for key, s := range index {
		if _, skip := ignored[key]; skip {
			continue
		}
		at, err := strconv.ParseFloat(s, 64)
		if err != nil {
			r.log.Warn("malformed expiry for key %s: %v", key, err)
			continue
		}
		if at <= now {
			expired = append(expired, key)
		}
	}
	if len(expired) == 0 {
		return nil, nil
	}
	if err := r.client.HDel(ctx, r.hashKey, expired...).Err(); err != nil {
		return expired, errors.Wrap(err, "pruning expiration hash")
	}
	return expired, nil
}

func (r *redisExpiration) Close() error {
	if !r.ownsClient {
		return nil
	}
	return r.client.Close()
}
