package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/persistkit/persistkit/backend"
)

func TestFormatTableName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"cache", "cache"},
		{"my.test.table_name", "my_test_tableName"},
		{"a.b", "a_b"},
		{"snake_case_name", "snakeCaseName"},
		{"kebab-case-name", "kebabCaseName"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatTableName(tc.in), "input %q", tc.in)
	}
}

func TestValidateIdentifier(t *testing.T) {
	require.NoError(t, validateIdentifier("cache_01"))
	for _, bad := range []string{"", "drop table", `x";--`, "a.b"} {
		err := validateIdentifier(bad)
		require.Error(t, err, "input %q", bad)
		assert.ErrorIs(t, err, backend.ErrInvalidConfig)
	}
}

func TestResolveSettings(t *testing.T) {
	s := resolveSettings(OptimizationCache, map[string]any{"cull_limit": int64(25)})
	assert.Equal(t, PolicyLeastFrequentlyUsed, s["eviction_policy"])
	assert.Equal(t, int64(5<<30), s["size_limit"])
	assert.Equal(t, int64(25), s["cull_limit"])
	// Untouched defaults survive the preset.
	assert.Equal(t, "wal", s["sqlite_journal_mode"])
}

func TestDriftedSettingsSkipsPragmas(t *testing.T) {
	current := map[string]any{
		"size_limit":          int64(100),
		"sqlite_journal_mode": "delete",
	}
	requested := map[string]any{
		"size_limit":          int64(200),
		"sqlite_journal_mode": "wal",
	}
	drift := driftedSettings(current, requested)
	assert.Equal(t, map[string]any{"size_limit": int64(200)}, drift)
}

func TestPolicyFor(t *testing.T) {
	p, err := policyFor(PolicyLeastRecentlyUsed, "t")
	require.NoError(t, err)
	assert.True(t, p.hasCull())
	assert.True(t, p.tracksAccess())
	assert.Contains(t, p.get(1700000000.5), "access_time = 1700000000.5")
	assert.Contains(t, p.cull("rowid"), "SELECT rowid")

	none, err := policyFor(PolicyNone, "t")
	require.NoError(t, err)
	assert.False(t, none.hasCull())
	assert.False(t, none.tracksAccess())

	_, err = policyFor("bogus", "t")
	assert.ErrorIs(t, err, backend.ErrInvalidConfig)
}

func TestQueueKeyFormat(t *testing.T) {
	assert.Equal(t, "500000000000000", queueKey("", queueMidpoint))
	assert.Equal(t, "jobs-000000000000042", queueKey("jobs", 42))
	n, err := parseQueueKey("jobs", "jobs-000000000000042")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}
