package logger

import (
	"fmt"
	"sync"
)

// TestLogEntry is a log record captured by TestLogger.
type TestLogEntry struct {
	Severity string
	Message  string
	Metadata map[string]interface{}
}

// TestLogger captures log entries in memory for assertions in tests.
type TestLogger struct {
	mu       *sync.Mutex
	entries  *[]TestLogEntry
	prefixes []string
	metadata map[string]interface{}
}

var _ Logger = (*TestLogger)(nil)

func NewTestLogger() *TestLogger {
	return &TestLogger{
		mu:      &sync.Mutex{},
		entries: &[]TestLogEntry{},
	}
}

// Logs returns a copy of all captured entries.
func (t *TestLogger) Logs() []TestLogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TestLogEntry, len(*t.entries))
	copy(out, *t.entries)
	return out
}

func (t *TestLogger) clone() *TestLogger {
	prefixes := make([]string, len(t.prefixes))
	copy(prefixes, t.prefixes)
	metadata := make(map[string]interface{}, len(t.metadata))
	for k, v := range t.metadata {
		metadata[k] = v
	}
	return &TestLogger{
		mu:       t.mu,
		entries:  t.entries,
		prefixes: prefixes,
		metadata: metadata,
	}
}

func (t *TestLogger) With(metadata map[string]interface{}) Logger {
	l := t.clone()
	for k, v := range metadata {
		l.metadata[k] = v
	}
	return l
}

func (t *TestLogger) WithPrefix(prefix string) Logger {
	l := t.clone()
	l.prefixes = append(l.prefixes, prefix)
	return l
}

func (t *TestLogger) IsLevelEnabled(LogLevel) bool { return true }

func (t *TestLogger) record(severity, msg string, args ...interface{}) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	metadata := make(map[string]interface{}, len(t.metadata))
	for k, v := range t.metadata {
		metadata[k] = v
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	*t.entries = append(*t.entries, TestLogEntry{Severity: severity, Message: msg, Metadata: metadata})
}

func (t *TestLogger) Trace(msg string, args ...interface{}) { t.record("TRACE", msg, args...) }
func (t *TestLogger) Debug(msg string, args ...interface{}) { t.record("DEBUG", msg, args...) }
func (t *TestLogger) Info(msg string, args ...interface{})  { t.record("INFO", msg, args...) }
func (t *TestLogger) Warn(msg string, args ...interface{})  { t.record("WARN", msg, args...) }
func (t *TestLogger) Error(msg string, args ...interface{}) { t.record("ERROR", msg, args...) }
