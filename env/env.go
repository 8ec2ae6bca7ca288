package env

import (
	"os"
	"strconv"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// Settings carries the process environment values that influence backend
// selection.
type Settings struct {
	RedisURL string `env:"REDIS_URL"`
	CI       bool   `env:"CI"`
}

// Load parses Settings from the process environment.
func Load() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, err
	}
	// CI systems disagree on the value; presence of a non-false value counts.
	if raw, ok := os.LookupEnv("CI"); ok && raw != "" && !strings.EqualFold(raw, "false") && raw != "0" {
		s.CI = true
	}
	return s, nil
}

// IsCI returns true when the process appears to run under a CI system.
func IsCI() bool {
	s, err := Load()
	if err != nil {
		return false
	}
	return s.CI
}

// GetString returns the value of key or def when unset or empty.
func GetString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetBool returns the boolean value of key or def when unset or unparseable.
func GetBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetInt returns the integer value of key or def when unset or unparseable.
func GetInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetDuration returns the duration value of key or def. Values accept both
// Go syntax (90s, 1h30m) and extended day/week units (1d, 2w).
func GetDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := str2duration.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
