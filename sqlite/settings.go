package sqlite

import (
	"sort"
	"strings"
)

// Optimization presets tune the default settings for a workload shape.
const (
	OptimizationStandard = "standard"
	OptimizationBalanced = "balanced"
	OptimizationCache    = "cache"
	OptimizationWrite    = "write"
	OptimizationRead     = "read"
)

// Settings rows with the sqlite_ prefix are applied as pragmas and are
// excluded from drift reconciliation since pragma values are session
// scoped.
const pragmaPrefix = "sqlite_"

func defaultSettings() map[string]any {
	return map[string]any{
		"statistics":          int64(1),
		"tag_index":           int64(1),
		"eviction_policy":     PolicyLeastRecentlyStored,
		"size_limit":          int64(1 << 30),
		"cull_limit":          int64(10),
		"sqlite_auto_vacuum":  int64(1),
		"sqlite_cache_size":   int64(1 << 13),
		"sqlite_journal_mode": "wal",
		"sqlite_mmap_size":    int64(1 << 26),
		"sqlite_synchronous":  int64(1),
	}
}

var optimizedSettings = map[string]map[string]any{
	OptimizationStandard: {
		"statistics": int64(0),
		"tag_index":  int64(0),
	},
	OptimizationBalanced: {
		"sqlite_mmap_size": int64(1024 * 128),
	},
	OptimizationCache: {
		"eviction_policy":  PolicyLeastFrequentlyUsed,
		"sqlite_mmap_size": int64(1024 * 512),
		"size_limit":       int64(5 << 30),
	},
	OptimizationWrite: {
		"sqlite_mmap_size": int64(1024 * 256),
		"size_limit":       int64(2 << 30),
	},
	OptimizationRead: {
		"sqlite_mmap_size": int64(1024 * 128),
		"size_limit":       int64(1 << 30),
	},
}

// metadataSettings are maintained by the engine and its triggers, never by
// user configuration.
func metadataSettings() map[string]any {
	return map[string]any{
		"count":  int64(0),
		"size":   int64(0),
		"hits":   int64(0),
		"misses": int64(0),
	}
}

// resolveSettings layers an optimization preset and explicit overrides on
// top of the defaults.
func resolveSettings(optimization string, overrides map[string]any) map[string]any {
	settings := defaultSettings()
	if preset, ok := optimizedSettings[optimization]; ok {
		for k, v := range preset {
			settings[k] = v
		}
	}
	for k, v := range overrides {
		settings[k] = v
	}
	return settings
}

// sortedKeys returns the map keys in stable order so pragma application and
// settings writes are deterministic.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// driftedSettings returns the non-pragma keys whose requested value differs
// from what the settings table currently holds.
func driftedSettings(current, requested map[string]any) map[string]any {
	diff := make(map[string]any)
	for k, want := range requested {
		if strings.HasPrefix(k, pragmaPrefix) {
			continue
		}
		have, ok := current[k]
		if !ok || !settingEqual(have, want) {
			diff[k] = want
		}
	}
	return diff
}

// settingEqual compares setting values loosely since SQLite hands back
// integers where configuration may carry other numeric types.
func settingEqual(a, b any) bool {
	if ai, ok := asInt64(a); ok {
		if bi, bok := asInt64(b); bok {
			return ai == bi
		}
		return false
	}
	return a == b
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
