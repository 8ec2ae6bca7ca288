package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("CI", "true")
	s, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", s.RedisURL)
	assert.True(t, s.CI)

	t.Setenv("CI", "false")
	s, err = Load()
	assert.NoError(t, err)
	assert.False(t, s.CI)

	// some CI systems export CI=1
	t.Setenv("CI", "1")
	s, err = Load()
	assert.NoError(t, err)
	assert.True(t, s.CI)
}

func TestGetters(t *testing.T) {
	t.Setenv("PK_STR", "hello")
	assert.Equal(t, "hello", GetString("PK_STR", "x"))
	assert.Equal(t, "x", GetString("PK_MISSING", "x"))

	t.Setenv("PK_BOOL", "true")
	assert.True(t, GetBool("PK_BOOL", false))
	assert.True(t, GetBool("PK_MISSING", true))

	t.Setenv("PK_INT", "42")
	assert.Equal(t, 42, GetInt("PK_INT", 1))
	assert.Equal(t, 1, GetInt("PK_MISSING", 1))

	t.Setenv("PK_DUR", "90s")
	assert.Equal(t, 90*time.Second, GetDuration("PK_DUR", time.Minute))
	t.Setenv("PK_DUR", "1d")
	assert.Equal(t, 24*time.Hour, GetDuration("PK_DUR", time.Minute))
	assert.Equal(t, time.Minute, GetDuration("PK_MISSING", time.Minute))
}
