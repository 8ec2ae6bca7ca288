package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/persistkit/persistkit/logger"
)

type fakeBackend struct {
	Backend
	dsn    string
	closed bool
}

func (f *fakeBackend) Name() string { return "fake" }
func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func TestRegistryReuse(t *testing.T) {
	r := NewRegistry(WithLogger(logger.NewTestLogger()))
	opened := 0
	r.RegisterScheme("fake", func(dsn string) (Backend, error) {
		opened++
		return &fakeBackend{dsn: dsn}, nil
	})

	a, err := r.Backend("fake://db/file.db?b=2&a=1")
	assert.NoError(t, err)
	b, err := r.Backend("fake://db/file.db?a=1&b=2")
	assert.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, r.Len())

	c, err := r.Backend("fake://db/other.db")
	assert.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, opened)
}

func TestRegistryUnknownScheme(t *testing.T) {
	r := NewRegistry(WithLogger(logger.NewTestLogger()))
	_, err := r.Backend("mystery://x")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry(WithLogger(logger.NewTestLogger()))
	r.RegisterScheme("fake", func(dsn string) (Backend, error) {
		return &fakeBackend{dsn: dsn}, nil
	})
	b, err := r.Backend("fake://one")
	assert.NoError(t, err)
	assert.NoError(t, r.Close())
	assert.True(t, b.(*fakeBackend).closed)
	assert.Equal(t, 0, r.Len())
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError(42)
	assert.ErrorIs(t, err, ErrTimeout)
	count, ok := TimeoutCount(err)
	assert.True(t, ok)
	assert.Equal(t, 42, count)

	_, ok = TimeoutCount(ErrKeyNotFound)
	assert.False(t, ok)
}
