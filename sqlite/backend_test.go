package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/persistkit/persistkit/backend"
)

func newTestBackend(t *testing.T, params string) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	b, err := NewBackend(fmt.Sprintf("sqlite://%s?%s", path, params))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBackendRoundtrip(t *testing.T) {
	b := newTestBackend(t, "table=t1&serializer=json")
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "name", "gopher", 0))
	v, err := b.Get(ctx, "name", nil)
	require.NoError(t, err)
	assert.Equal(t, "gopher", v)

	require.NoError(t, b.Set(ctx, "config", map[string]any{"retries": 3}, 0))
	v, err = b.Fetch(ctx, "config")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"retries": float64(3)}, v)

	// Get degrades to the default, Fetch is strict.
	v, err = b.Get(ctx, "missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
	_, err = b.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, backend.ErrKeyNotFound)
}

func TestBackendValuesOrder(t *testing.T) {
	b := newTestBackend(t, "serializer=json")
	ctx := context.Background()

	n, err := b.SetBatch(ctx, map[string]any{"a": 1, "b": 2, "c": 3}, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	values, err := b.Values(ctx, []string{"c", "missing", "a"}, "?")
	require.NoError(t, err)
	assert.Equal(t, []any{float64(3), "?", float64(1)}, values)
}

func TestBackendKeysGlob(t *testing.T) {
	b := newTestBackend(t, "serializer=json")
	ctx := context.Background()

	for _, k := range []string{"user:1", "user:2", "order:1"} {
		require.NoError(t, b.Set(ctx, k, k, 0))
	}

	keys, err := b.Keys(ctx, "user:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:1", "user:2"}, keys)

	keys, err = b.Keys(ctx, "user:?")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = b.AllKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestBackendAllDataAndValues(t *testing.T) {
	b := newTestBackend(t, "serializer=json")
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "a", "first", 0))
	require.NoError(t, b.Set(ctx, "b", "second", 0))

	data, err := b.AllData(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "first", "b": "second"}, data)

	values, err := b.AllValues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"first", "second"}, values)

	n, err := b.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBackendExpire(t *testing.T) {
	b := newTestBackend(t, "serializer=json")
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

func TestBackendDefaultExpiration(t *testing.T) {
	b := newTestBackend(t, "serializer=json&expiration=30ms")
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", "v", 0))
	ok, err := b.Contains(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	ok, err = b.Contains(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackendClear(t *testing.T) {
	b := newTestBackend(t, "serializer=json")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Set(ctx, fmt.Sprintf("k%d", i), i, 0))
	}

	n, err := b.Clear(ctx, "k0", "k2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = b.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBackendChild(t *testing.T) {
	b := newTestBackend(t, "serializer=json")
	ctx := context.Background()

	child, err := b.Child("sessions")
	require.NoError(t, err)

	require.NoError(t, b.Set(ctx, "k", "parent", 0))
	require.NoError(t, child.Set(ctx, "k", "child", 0))

	v, err := b.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "parent", v)

	v, err = child.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "child", v)
}

func TestBackendAutoDeleteInvalid(t *testing.T) {
	b := newTestBackend(t, "serializer=json&auto_delete_invalid=true")
	ctx := context.Background()

	// Plant bytes the serializer cannot decode.
	require.NoError(t, b.DB().Set(ctx, "corrupt", []byte("{not json"), 0, ""))

	v, err := b.Get(ctx, "corrupt", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", v)

	ok, err := b.Contains(ctx, "corrupt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackendDSNValidation(t *testing.T) {
	_, err := NewBackend("redis://localhost")
	assert.ErrorIs(t, err, backend.ErrInvalidConfig)

	_, err = NewBackend("sqlite://x.db?expiration=bogus")
	assert.ErrorIs(t, err, backend.ErrInvalidConfig)

	_, err = NewBackend("sqlite://x.db?serializer=bogus")
	assert.Error(t, err)
}

func TestRegistryIntegration(t *testing.T) {
	r := backend.NewRegistry()
	r.RegisterScheme("sqlite", Open)
	t.Cleanup(func() { r.Close() })

	path := filepath.Join(t.TempDir(), "cache.db")
	dsn := fmt.Sprintf("sqlite://%s?serializer=json&table=t1", path)

	b1, err := r.Backend(dsn)
	require.NoError(t, err)
	b2, err := r.Backend(fmt.Sprintf("sqlite://%s?table=t1&serializer=json", path))
	require.NoError(t, err)
	assert.Same(t, b1, b2)

	ctx := context.Background()
	require.NoError(t, b1.Set(ctx, "k", "v", 0))
	v, err := b2.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestGlobToLike(t *testing.T) {
	assert.Equal(t, "user:%", globToLike("user:*"))
	assert.Equal(t, "k_", globToLike("k?"))
	assert.Equal(t, "plain", globToLike("plain"))
	assert.Equal(t, `a\_b`, globToLike("a_b"))
	assert.Equal(t, `100\%`, globToLike("100%"))
	assert.Equal(t, `c:\\%`, globToLike(`c:\*`))
}

func TestBackendKeysLiteralWildcards(t *testing.T) {
	b := newTestBackend(t, "serializer=json")
	ctx := context.Background()

	for _, k := range []string{"a_b", "axb", "a%b"} {
		require.NoError(t, b.Set(ctx, k, k, 0))
	}

	keys, err := b.Keys(ctx, "a_b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b"}, keys)

	keys, err = b.Keys(ctx, "a%b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a%b"}, keys)

	keys, err = b.Keys(ctx, "a?b")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a_b", "axb", "a%b"}, keys)
}
