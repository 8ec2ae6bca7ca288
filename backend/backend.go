// Package backend defines the contract shared by all persistent key-value
// backends along with their typed errors and an explicit registry for
// sharing opened backends by connection string.
package backend

import (
	"context"
	"time"
)

// Backend is a persistent key-value store with optional per-key expiration.
//
// Read operations come in two flavors: Get and Values degrade to the caller
// supplied default when a key is missing or its stored bytes cannot be
// decoded, while Fetch is strict and returns ErrKeyNotFound.
type Backend interface {
	// Name identifies the backend implementation.
	Name() string

	// Get returns the value for key, or def when the key is missing,
	// expired, or undecodable.
	Get(ctx context.Context, key string, def any) (any, error)

	// Fetch returns the value for key or ErrKeyNotFound.
	Fetch(ctx context.Context, key string) (any, error)

	// Set stores value under key. A non-zero ex sets the time to live.
	Set(ctx context.Context, key string, value any, ex time.Duration) error

	// SetBatch stores every entry of data and returns the number stored.
	SetBatch(ctx context.Context, data map[string]any, ex time.Duration) (int, error)

	// Values returns one value per requested key, preserving input order
	// and substituting def for missing or undecodable entries.
	Values(ctx context.Context, keys []string, def any) ([]any, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes the given keys, or every key when none are given, and
	// returns the number removed.
	Clear(ctx context.Context, keys ...string) (int, error)

	// Contains reports whether key holds a live value.
	Contains(ctx context.Context, key string) (bool, error)

	// Expire sets or replaces the time to live of an existing key.
	Expire(ctx context.Context, key string, ex time.Duration) error

	// Keys returns the live keys matching pattern (glob style, * and ?).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// AllKeys returns every live key.
	AllKeys(ctx context.Context) ([]string, error)

	// AllData returns every live key with its decoded value.
	AllData(ctx context.Context) (map[string]any, error)

	// AllValues returns every live value.
	AllValues(ctx context.Context) ([]any, error)

	// Length returns the number of live keys.
	Length(ctx context.Context) (int, error)

	// Child returns a namespaced sibling backend. Keys written through the
	// child are invisible to the parent and vice versa.
	Child(name string) (Backend, error)

	// Close releases the backend's resources.
	Close() error
}
