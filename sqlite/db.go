package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	sqlite3 "modernc.org/sqlite"

	"github.com/persistkit/persistkit/backend"
	"github.com/persistkit/persistkit/logger"
)

const (
	// busyRetryInterval is the fixed backoff between attempts while the
	// database write lock is held elsewhere.
	busyRetryInterval = time.Millisecond
	// defaultBusyTimeout caps how long an operation waits on the write
	// lock before ErrTimeout.
	defaultBusyTimeout = 60 * time.Second
)

// DB is the cache engine bound to one table of a SQL database. A DB is
// created unconfigured; the first operation inspects the table and either
// creates the schema or reconciles drifted settings.
type DB struct {
	log         logger.Logger
	sqldb       *sql.DB
	table       string
	settingsTbl string

	optimization string
	overrides    map[string]any
	busyTimeout  time.Duration
	bgCull       bool
	isRemote     bool
	isChild      bool
	ownsDB       bool

	mu         sync.Mutex
	configured bool
	policy     evictionPolicy
	statistics bool
	tagIndex   bool
	cullLimit  int64
	sizeLimit  int64
	pageSize   int64

	cullWG sync.WaitGroup
}

type config struct {
	log          logger.Logger
	optimization string
	overrides    map[string]any
	busyTimeout  time.Duration
	bgCull       bool
}

// Option customizes a DB.
type Option func(*config)

// WithLogger sets the engine logger.
func WithLogger(log logger.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithOptimization applies one of the optimization presets.
func WithOptimization(name string) Option {
	return func(c *config) {
		c.optimization = name
	}
}

// WithSetting overrides one settings-table entry, for example
// "eviction_policy" or "size_limit". Keys with the sqlite_ prefix set the
// corresponding pragma.
func WithSetting(key string, value any) Option {
	return func(c *config) {
		c.overrides[key] = value
	}
}

// WithEvictionPolicy selects the eviction policy.
func WithEvictionPolicy(policy string) Option {
	return WithSetting("eviction_policy", policy)
}

// WithSizeLimit sets the volume ceiling in bytes that triggers culling.
func WithSizeLimit(limit int64) Option {
	return WithSetting("size_limit", limit)
}

// WithCullLimit caps how many rows one write-path cull pass may evict.
func WithCullLimit(limit int64) Option {
	return WithSetting("cull_limit", limit)
}

// WithStatistics toggles hit and miss counting.
func WithStatistics(enabled bool) Option {
	v := int64(0)
	if enabled {
		v = 1
	}
	return WithSetting("statistics", v)
}

// WithTagIndex toggles the index backing tag selection and eviction.
func WithTagIndex(enabled bool) Option {
	v := int64(0)
	if enabled {
		v = 1
	}
	return WithSetting("tag_index", v)
}

// WithBusyTimeout bounds how long operations wait for the write lock.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *config) {
		c.busyTimeout = d
	}
}

// WithBackgroundCull moves the write-path cull onto a goroutine so Set
// returns before eviction completes.
func WithBackgroundCull(enabled bool) Option {
	return func(c *config) {
		c.bgCull = enabled
	}
}

func newConfig(opts ...Option) *config {
	c := &config{
		log:         logger.NewConsoleLogger(),
		overrides:   make(map[string]any),
		busyTimeout: defaultBusyTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// New opens (or creates) the SQLite database at path and binds the engine
// to the given logical table name.
func New(path, table string, opts ...Option) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening sqlite database %s", path)
	}
	// BEGIN IMMEDIATE serializes writers on a pinned connection; a single
	// connection also keeps session pragmas in effect.
	sqldb.SetMaxOpenConns(1)
	d, err := fromSQLDB(sqldb, table, false, opts...)
	if err != nil {
		sqldb.Close()
		return nil, err
	}
	d.ownsDB = true
	return d, nil
}

func fromSQLDB(sqldb *sql.DB, table string, isRemote bool, opts ...Option) (*DB, error) {
	c := newConfig(opts...)
	physical := FormatTableName(table)
	if err := validateIdentifier(physical); err != nil {
		return nil, err
	}
	return &DB{
		log:          c.log.WithPrefix(physical),
		sqldb:        sqldb,
		table:        physical,
		settingsTbl:  physical + "_settings",
		optimization: c.optimization,
		overrides:    c.overrides,
		busyTimeout:  c.busyTimeout,
		bgCull:       c.bgCull,
		isRemote:     isRemote,
	}, nil
}

// Table returns the physical table name.
func (d *DB) Table() string { return d.table }

// Child returns an engine bound to a different table on the same database
// handle. The child inherits the parent's options and skips pragma
// application since pragmas are connection scoped.
func (d *DB) Child(table string, opts ...Option) (*DB, error) {
	merged := make([]Option, 0, len(opts)+3)
	merged = append(merged,
		WithLogger(d.log),
		WithOptimization(d.optimization),
		WithBusyTimeout(d.busyTimeout),
	)
	for k, v := range d.overrides {
		merged = append(merged, WithSetting(k, v))
	}
	if d.bgCull {
		merged = append(merged, WithBackgroundCull(true))
	}
	merged = append(merged, opts...)
	child, err := fromSQLDB(d.sqldb, table, d.isRemote, merged...)
	if err != nil {
		return nil, err
	}
	child.isChild = true
	return child, nil
}

// Close waits for background culls and, if this engine owns the database
// handle, closes it. Children leave the shared handle open.
func (d *DB) Close() error {
	d.cullWG.Wait()
	if !d.ownsDB {
		return nil
	}
	return d.sqldb.Close()
}

// queryer is satisfied by *sql.DB, *sql.Conn and *Txn.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == 5 || code == 6 // SQLITE_BUSY, SQLITE_LOCKED
	}
	return strings.Contains(err.Error(), "database is locked")
}

// execRetry runs a statement, retrying lock contention at a fixed 1ms
// interval until the busy timeout elapses.
func (d *DB) execRetry(ctx context.Context, q queryer, stmt string, args ...any) (sql.Result, error) {
	start := time.Now()
	for {
		res, err := q.ExecContext(ctx, stmt, args...)
		if err == nil || !isBusy(err) {
			return res, err
		}
		if time.Since(start) > d.busyTimeout {
			return nil, backend.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(busyRetryInterval):
		}
	}
}

func (d *DB) queryRetry(ctx context.Context, q queryer, stmt string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	for {
		rows, err := q.QueryContext(ctx, stmt, args...)
		if err == nil || !isBusy(err) {
			return rows, err
		}
		if time.Since(start) > d.busyTimeout {
			return nil, backend.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(busyRetryInterval):
		}
	}
}

// ensureConfigured runs the configure state machine once.
func (d *DB) ensureConfigured(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.configured {
		return nil
	}
	if err := d.configure(ctx); err != nil {
		return err
	}
	d.configured = true
	return nil
}

func (d *DB) configure(ctx context.Context) error {
	requested := resolveSettings(d.optimization, d.overrides)

	// Pragmas first, before any tables exist. Children share the parent's
	// connection and remote clusters have no session pragmas.
	if !d.isChild && !d.isRemote {
		for _, key := range sortedKeys(requested) {
			if !strings.HasPrefix(key, pragmaPrefix) {
				continue
			}
			if err := d.applyPragma(ctx, key, requested[key]); err != nil {
				return err
			}
		}
	}

	if _, err := d.execRetry(ctx, d.sqldb, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS "%s" ( key TEXT NOT NULL UNIQUE, value)`, d.settingsTbl)); err != nil {
		return errors.Wrap(err, "creating settings table")
	}

	current, err := d.readSettings(ctx)
	if err != nil {
		return err
	}

	if len(current) > 0 {
		// Existing table: reconcile drifted non-pragma settings only.
		drift := driftedSettings(current, requested)
		for _, key := range sortedKeys(drift) {
			d.log.Debug("settings drift: %s = %v", key, drift[key])
			if _, err := d.execRetry(ctx, d.sqldb, fmt.Sprintf(
				`UPDATE "%s" SET value = ? WHERE key = ?`, d.settingsTbl), drift[key], key); err != nil {
				return errors.Wrapf(err, "updating setting %s", key)
			}
			current[key] = drift[key]
		}
	} else {
		for _, key := range sortedKeys(requested) {
			if _, err := d.execRetry(ctx, d.sqldb, fmt.Sprintf(
				`INSERT OR REPLACE INTO "%s" VALUES (?, ?)`, d.settingsTbl), key, requested[key]); err != nil {
				return errors.Wrapf(err, "seeding setting %s", key)
			}
		}
		current = requested
	}

	meta := metadataSettings()
	for _, key := range sortedKeys(meta) {
		if _, err := d.execRetry(ctx, d.sqldb, fmt.Sprintf(
			`INSERT OR IGNORE INTO "%s" VALUES (?, ?)`, d.settingsTbl), key, meta[key]); err != nil {
			return errors.Wrapf(err, "seeding metadata %s", key)
		}
	}

	policyName, _ := current["eviction_policy"].(string)
	policy, err := policyFor(policyName, d.table)
	if err != nil {
		return err
	}

	schema := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (`+
			` rowid INTEGER PRIMARY KEY,`+
			` key BLOB UNIQUE,`+
			` value BLOB,`+
			` store_time REAL,`+
			` expire_time REAL,`+
			` access_time REAL,`+
			` access_count INTEGER DEFAULT 0,`+
			` hit_count INTEGER DEFAULT 0,`+
			` tag BLOB,`+
			` size INTEGER DEFAULT 0)`, d.table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS "%[1]s_key_rowid" ON "%[1]s"(key, rowid)`, d.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "%[1]s_expire_time" ON "%[1]s" (expire_time) WHERE expire_time IS NOT NULL`, d.table),
	}
	if policy.initSQL != "" {
		schema = append(schema, policy.initSQL)
	}
	schema = append(schema,
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS "%[1]s_settings_count_insert"`+
			` AFTER INSERT ON "%[2]s" FOR EACH ROW BEGIN`+
			` UPDATE "%[1]s" SET value = value + 1 WHERE key = 'count'; END`, d.settingsTbl, d.table),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS "%[1]s_settings_count_delete"`+
			` AFTER DELETE ON "%[2]s" FOR EACH ROW BEGIN`+
			` UPDATE "%[1]s" SET value = value - 1 WHERE key = 'count'; END`, d.settingsTbl, d.table),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS "%[1]s_settings_size_insert"`+
			` AFTER INSERT ON "%[2]s" FOR EACH ROW BEGIN`+
			` UPDATE "%[1]s" SET value = value + NEW.size WHERE key = 'size'; END`, d.settingsTbl, d.table),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS "%[1]s_settings_size_update"`+
			` AFTER UPDATE ON "%[2]s" FOR EACH ROW BEGIN`+
			` UPDATE "%[1]s" SET value = value + NEW.size - OLD.size WHERE key = 'size'; END`, d.settingsTbl, d.table),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS "%[1]s_settings_size_delete"`+
			` AFTER DELETE ON "%[2]s" FOR EACH ROW BEGIN`+
			` UPDATE "%[1]s" SET value = value - OLD.size WHERE key = 'size'; END`, d.settingsTbl, d.table),
	)
	for _, stmt := range schema {
		if _, err := d.execRetry(ctx, d.sqldb, stmt); err != nil {
			return errors.Wrap(err, "creating cache schema")
		}
	}

	d.policy = policy
	d.statistics = settingBool(current["statistics"])
	d.tagIndex = settingBool(current["tag_index"])
	d.cullLimit = settingInt(current["cull_limit"])
	d.sizeLimit = settingInt(current["size_limit"])

	if d.tagIndex {
		if _, err := d.execRetry(ctx, d.sqldb, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS "%[1]s_tag_rowid" ON "%[1]s"(tag, rowid) WHERE tag IS NOT NULL`, d.table)); err != nil {
			return errors.Wrap(err, "creating tag index")
		}
	}

	if err := d.sqldb.QueryRowContext(ctx, "PRAGMA page_size").Scan(&d.pageSize); err != nil {
		return errors.Wrap(err, "reading page size")
	}

	d.log.Debug("configured table (policy=%s, size_limit=%d)", policy.name, d.sizeLimit)
	return nil
}

func (d *DB) applyPragma(ctx context.Context, key string, value any) error {
	pragma := strings.TrimPrefix(key, pragmaPrefix)
	if err := validateIdentifier(pragma); err != nil {
		return err
	}
	// Skip pragmas whose value already matches. journal_mode and
	// auto_vacuum can be slow or ineffective once tables exist.
	var old any
	if err := d.sqldb.QueryRowContext(ctx, "PRAGMA "+pragma).Scan(&old); err == nil {
		if settingEqual(old, value) {
			return nil
		}
	}
	start := time.Now()
	for {
		rows, err := d.sqldb.QueryContext(ctx, fmt.Sprintf("PRAGMA %s = %v", pragma, value))
		if err == nil {
			rows.Close()
			return nil
		}
		if !isBusy(err) {
			return errors.Wrapf(err, "setting pragma %s", pragma)
		}
		if time.Since(start) > d.busyTimeout {
			return backend.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyRetryInterval):
		}
	}
}

func (d *DB) readSettings(ctx context.Context) (map[string]any, error) {
	rows, err := d.queryRetry(ctx, d.sqldb, fmt.Sprintf(`SELECT key, value FROM "%s"`, d.settingsTbl))
	if err != nil {
		return nil, errors.Wrap(err, "reading settings")
	}
	defer rows.Close()
	settings := make(map[string]any)
	for rows.Next() {
		var key string
		var value any
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		if b, ok := value.([]byte); ok {
			value = string(b)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// Reset returns a settings-table value, reloading it from the database.
func (d *DB) Reset(ctx context.Context, key string) (any, error) {
	if err := d.ensureConfigured(ctx); err != nil {
		return nil, err
	}
	return d.settingOn(ctx, d.sqldb, key)
}

func (d *DB) settingOn(ctx context.Context, q queryer, key string) (any, error) {
	rows, err := d.queryRetry(ctx, q, fmt.Sprintf(
		`SELECT value FROM "%s" WHERE key = ?`, d.settingsTbl), key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, errors.Wrapf(backend.ErrKeyNotFound, "setting %s", key)
	}
	var value any
	if err := rows.Scan(&value); err != nil {
		return nil, err
	}
	if b, ok := value.([]byte); ok {
		value = string(b)
	}
	return value, rows.Err()
}

// SetSetting updates a settings-table value. Keys with the sqlite_ prefix
// additionally execute the corresponding pragma. The cached engine state is
// refreshed for the keys it mirrors.
func (d *DB) SetSetting(ctx context.Context, key string, value any) error {
	if err := d.ensureConfigured(ctx); err != nil {
		return err
	}
	if _, err := d.execRetry(ctx, d.sqldb, fmt.Sprintf(
		`UPDATE "%s" SET value = ? WHERE key = ?`, d.settingsTbl), value, key); err != nil {
		return err
	}
	if strings.HasPrefix(key, pragmaPrefix) && !d.isChild && !d.isRemote {
		if err := d.applyPragma(ctx, key, value); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch key {
	case "statistics":
		d.statistics = settingBool(value)
	case "tag_index":
		d.tagIndex = settingBool(value)
	case "cull_limit":
		d.cullLimit = settingInt(value)
	case "size_limit":
		d.sizeLimit = settingInt(value)
	case "eviction_policy":
		name, _ := value.(string)
		policy, err := policyFor(name, d.table)
		if err != nil {
			return err
		}
		d.policy = policy
	}
	return nil
}

// Stats returns the hit and miss counters, optionally resetting them, and
// sets whether statistics collection is enabled going forward.
func (d *DB) Stats(ctx context.Context, enable, reset bool) (hits, misses int64, err error) {
	if err := d.ensureConfigured(ctx); err != nil {
		return 0, 0, err
	}
	h, err := d.settingOn(ctx, d.sqldb, "hits")
	if err != nil {
		return 0, 0, err
	}
	m, err := d.settingOn(ctx, d.sqldb, "misses")
	if err != nil {
		return 0, 0, err
	}
	hits, misses = settingInt(h), settingInt(m)
	if reset {
		for _, key := range []string{"hits", "misses"} {
			if _, err := d.execRetry(ctx, d.sqldb, fmt.Sprintf(
				`UPDATE "%s" SET value = 0 WHERE key = ?`, d.settingsTbl), key); err != nil {
				return hits, misses, err
			}
		}
	}
	v := int64(0)
	if enable {
		v = 1
	}
	if err := d.SetSetting(ctx, "statistics", v); err != nil {
		return hits, misses, err
	}
	return hits, misses, nil
}

// Volume estimates the total size of the cache on disk as the database
// page footprint plus the trigger-tracked value size.
func (d *DB) Volume(ctx context.Context) (int64, error) {
	if err := d.ensureConfigured(ctx); err != nil {
		return 0, err
	}
	return d.volumeOn(ctx, d.sqldb)
}

func (d *DB) volumeOn(ctx context.Context, q queryer) (int64, error) {
	rows, err := d.queryRetry(ctx, q, "PRAGMA page_count")
	if err != nil {
		return 0, err
	}
	var pageCount int64
	if rows.Next() {
		if err := rows.Scan(&pageCount); err != nil {
			rows.Close()
			return 0, err
		}
	}
	rows.Close()
	size, err := d.settingOn(ctx, q, "size")
	if err != nil {
		return 0, err
	}
	return d.pageSize*pageCount + settingInt(size), nil
}

// Length returns the trigger-maintained row count, including rows that
// have expired but not yet been swept.
func (d *DB) Length(ctx context.Context) (int64, error) {
	count, err := d.Reset(ctx, "count")
	if err != nil {
		return 0, err
	}
	return settingInt(count), nil
}

func settingBool(v any) bool {
	n, ok := asInt64(v)
	return ok && n != 0
}

func settingInt(v any) int64 {
	n, _ := asInt64(v)
	return n
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func expireAt(now float64, expire time.Duration) sql.NullFloat64 {
	if expire <= 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: now + expire.Seconds(), Valid: true}
}
