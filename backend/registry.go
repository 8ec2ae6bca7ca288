package backend

import (
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/persistkit/persistkit/logger"
)

// OpenFunc opens a Backend for a connection string.
type OpenFunc func(dsn string) (Backend, error)

// Registry opens backends by connection string and shares them: two calls
// with equivalent connection strings return the same Backend instance.
// Equivalence is decided on the canonical form of the string, so query
// parameter order does not matter.
type Registry struct {
	id       string
	log      logger.Logger
	mu       sync.Mutex
	openers  map[string]OpenFunc
	backends map[string]Backend
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used by the registry.
func WithLogger(log logger.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = log
	}
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		id:       uuid.New().String(),
		log:      logger.NewConsoleLogger(),
		openers:  make(map[string]OpenFunc),
		backends: make(map[string]Backend),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(map[string]interface{}{"registry": r.id})
	return r
}

// RegisterScheme installs the opener used for connection strings with the
// given URL scheme. Registering a scheme twice replaces the opener.
func (r *Registry) RegisterScheme(scheme string, open OpenFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[strings.ToLower(scheme)] = open
}

// Backend returns the backend for dsn, opening it on first use.
func (r *Registry) Backend(dsn string) (Backend, error) {
	canonical, scheme, err := canonicalize(dsn)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[canonical]; ok {
		return b, nil
	}
	open, ok := r.openers[scheme]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidConfig, "no backend registered for scheme %q", scheme)
	}
	b, err := open(dsn)
	if err != nil {
		return nil, err
	}
	r.backends[canonical] = b
	r.log.Debug("opened %s backend for %s", b.Name(), canonical)
	return b, nil
}

// Len returns the number of open backends.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backends)
}

// Close closes every open backend and empties the registry. It returns the
// first close error encountered.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for dsn, b := range r.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing backend %s", dsn)
		}
		delete(r.backends, dsn)
	}
	return firstErr
}

func canonicalize(dsn string) (canonical string, scheme string, err error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", "", errors.Wrapf(ErrInvalidConfig, "unparseable connection string %q: %v", dsn, err)
	}
	if u.Scheme == "" {
		return "", "", errors.Wrapf(ErrInvalidConfig, "connection string %q has no scheme", dsn)
	}
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(k))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	u.RawQuery = sb.String()
	return u.String(), strings.ToLower(u.Scheme), nil
}
