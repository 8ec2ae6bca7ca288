package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLevelFromEnv(t *testing.T) {
	t.Setenv("PERSISTKIT_LOG_LEVEL", "")
	assert.Equal(t, LevelInfo, GetLevelFromEnv())
	t.Setenv("PERSISTKIT_LOG_LEVEL", "trace")
	assert.Equal(t, LevelTrace, GetLevelFromEnv())
	t.Setenv("PERSISTKIT_LOG_LEVEL", "WARN")
	assert.Equal(t, LevelWarn, GetLevelFromEnv())
	t.Setenv("PERSISTKIT_LOG_LEVEL", "bogus")
	assert.Equal(t, LevelInfo, GetLevelFromEnv())
}

func TestConsoleLoggerLevelFilter(t *testing.T) {
	l := NewConsoleLogger(LevelWarn)
	assert.False(t, l.IsLevelEnabled(LevelDebug))
	assert.False(t, l.IsLevelEnabled(LevelInfo))
	assert.True(t, l.IsLevelEnabled(LevelWarn))
	assert.True(t, l.IsLevelEnabled(LevelError))
}

func TestTestLoggerCapture(t *testing.T) {
	l := NewTestLogger()
	child := l.WithPrefix("db").With(map[string]interface{}{"table": "cache"})
	child.Info("configured %d settings", 12)
	child.Error("boom")

	logs := l.Logs()
	assert.Len(t, logs, 2)
	assert.Equal(t, "INFO", logs[0].Severity)
	assert.Equal(t, "configured 12 settings", logs[0].Message)
	assert.Equal(t, "cache", logs[0].Metadata["table"])
	assert.Equal(t, "ERROR", logs[1].Severity)
}
