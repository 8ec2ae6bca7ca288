package objstore

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/persistkit/persistkit/backend"
	"github.com/persistkit/persistkit/logger"
)

func newTestBackend(t *testing.T, opts ...BackendOption) *Backend {
	t.Helper()
	all := append([]BackendOption{
		WithBackendLogger(logger.NewTestLogger()),
		WithExpirationKind(ExpirationFile),
	}, opts...)
	b, err := New(context.Background(), memfs.New(), all...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRoundtrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "name", "gopher", 0))
	v, err := b.Fetch(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "gopher", v)

	// One file per key, named by the codec's extension.
	_, err = b.fs.Stat("name.json")
	require.NoError(t, err)

	_, err = b.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, backend.ErrKeyNotFound)

	v, err = b.Get(ctx, "missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestNestedKeys(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "users/42/profile", map[string]any{"name": "ada"}, 0))
	v, err := b.Fetch(ctx, "users/42/profile")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "ada"}, v)

	// Keys under a sub-path belong to that namespace; listings stay at the
	// backend's own level.
	require.NoError(t, b.Set(ctx, "top", "level", 0))
	keys, err := b.AllKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"top"}, keys)
}

func TestExpiration(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "short", "x", 10*time.Millisecond))
	ok, err := b.Contains(ctx, "short")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(25 * time.Millisecond)

	ok, err = b.Contains(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)

	// The file was swept when the expired key was checked.
	_, err = b.fs.Stat(b.keyPath("short"))
	assert.Error(t, err)
}

func TestDefaultExpiration(t *testing.T) {
	b := newTestBackend(t, WithDefaultExpiration(10*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", "v", 0))
	time.Sleep(25 * time.Millisecond)

	v, err := b.Get(ctx, "k", "gone")
	require.NoError(t, err)
	assert.Equal(t, "gone", v)
}

func TestExpire(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	err := b.Expire(ctx, "missing", time.Minute)
	assert.ErrorIs(t, err, backend.ErrKeyNotFound)

	require.NoError(t, b.Set(ctx, "k", "v", 0))
	require.NoError(t, b.Expire(ctx, "k", 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	ok, err := b.Contains(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValuesOrderAndDegrade(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	n, err := b.SetBatch(ctx, map[string]any{"a": 1, "b": 2, "c": 3}, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	values, err := b.Values(ctx, []string{"c", "missing", "a"}, "?")
	require.NoError(t, err)
	assert.Equal(t, []any{float64(3), "?", float64(1)}, values)
}

func TestSetBatchSkipsUnencodable(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	n, err := b.SetBatch(ctx, map[string]any{
		"good": "value",
		"bad":  func() {},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestKeysGlob(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for _, key := range []string{"user-1", "user-2", "order-1"} {
		require.NoError(t, b.Set(ctx, key, key, 0))
	}

	keys, err := b.Keys(ctx, "user-*")
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1", "user-2"}, keys)

	n, err := b.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAllDataSkipsIndexDoc(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "a", "first", 10*time.Minute))
	require.NoError(t, b.Set(ctx, "b", "second", 0))

	data, err := b.AllData(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "first", "b": "second"}, data)

	values, err := b.AllValues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"first", "second"}, values)
}

func TestClear(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, b.Set(ctx, key, key, 0))
	}

	n, err := b.Clear(ctx, "a", "missing")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = b.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = b.Length(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAutoDeleteInvalid(t *testing.T) {
	b := newTestBackend(t, WithAutoDeleteInvalid(true))
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "corrupt", "ok", 0))
	f, err := b.fs.Create(b.keyPath("corrupt"))
	require.NoError(t, err)
	_, err = f.Write([]byte("{not json"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	v, err := b.Get(ctx, "corrupt", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", v)

	ok, err := b.Contains(ctx, "corrupt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChildIsolation(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	child, err := b.Child("tenant-a")
	require.NoError(t, err)

	require.NoError(t, b.Set(ctx, "k", "parent", 0))
	require.NoError(t, child.Set(ctx, "k", "child", 0))

	v, err := b.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "parent", v)

	v, err = child.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "child", v)

	// Parent listings see only top-level data files, not the child's.
	keys, err := b.Keys(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	keys, err = b.AllKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	n, err := b.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Clearing the parent leaves the child's data intact.
	n, err = b.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err = child.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "child", v)
}

func TestPurge(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, b.Set(ctx, "nested/b", "2", 0))

	require.NoError(t, b.Purge(ctx))

	n, err := b.Length(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Unlike Clear, Purge takes the whole tree, sub-paths included.
	_, err = b.fs.Stat(b.keyPath("nested/b"))
	assert.Error(t, err)
}

func TestValidateSweepsFiles(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "stale", "x", 5*time.Millisecond))
	require.NoError(t, b.Set(ctx, "fresh", "y", time.Minute))
	time.Sleep(15 * time.Millisecond)

	n, err := b.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = b.fs.Stat(b.keyPath("stale"))
	assert.Error(t, err)
	_, err = b.fs.Stat(b.keyPath("fresh"))
	assert.NoError(t, err)
}

func TestMsgpackSerializer(t *testing.T) {
	b := newTestBackend(t, WithSerializer("msgpack"))
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", "v", 0))
	_, err := b.fs.Stat("k.msgpack")
	require.NoError(t, err)

	v, err := b.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}
