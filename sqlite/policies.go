package sqlite

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/persistkit/persistkit/backend"
)

// Eviction policy names accepted by the engine.
const (
	PolicyNone                = "none"
	PolicyLeastRecentlyStored = "least-recently-stored"
	PolicyLeastRecentlyUsed   = "least-recently-used"
	PolicyLeastFrequentlyUsed = "least-frequently-used"
)

// evictionPolicy binds the three SQL fragments a policy contributes: the
// index created at configure time, the bookkeeping columns updated on
// reads, and the cull ordering used to pick victims.
type evictionPolicy struct {
	name string
	// initSQL creates the policy's index. Empty for PolicyNone.
	initSQL string
	// getSQL is the SET fragment applied to a row on read. The {now}
	// token is replaced with the current time.
	getSQL string
	// cullSQL selects victim rows in eviction order. The {fields} token is
	// replaced with the selected columns. Empty for PolicyNone.
	cullSQL string
}

func (p evictionPolicy) get(now float64) string {
	return strings.ReplaceAll(p.getSQL, "{now}", strconv.FormatFloat(now, 'f', -1, 64))
}

func (p evictionPolicy) cull(fields string) string {
	return strings.ReplaceAll(p.cullSQL, "{fields}", fields)
}

// hasCull reports whether the policy evicts beyond expired rows.
func (p evictionPolicy) hasCull() bool { return p.cullSQL != "" }

// tracksAccess reports whether reads must update eviction bookkeeping
// inside a transaction.
func (p evictionPolicy) tracksAccess() bool {
	return p.name == PolicyLeastRecentlyUsed || p.name == PolicyLeastFrequentlyUsed
}

func policyFor(name, table string) (evictionPolicy, error) {
	switch name {
	case PolicyNone:
		return evictionPolicy{
			name:   name,
			getSQL: "hit_count = hit_count + 1",
		}, nil
	case PolicyLeastRecentlyStored:
		return evictionPolicy{
			name: name,
			initSQL: fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS "%[1]s_store_time" ON "%[1]s" (store_time)`, table),
			getSQL:  "hit_count = hit_count + 1",
			cullSQL: fmt.Sprintf(`SELECT {fields} FROM "%s" ORDER BY store_time LIMIT ?`, table),
		}, nil
	case PolicyLeastRecentlyUsed:
		return evictionPolicy{
			name: name,
			initSQL: fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS "%[1]s_access_time" ON "%[1]s" (access_time)`, table),
			getSQL:  "access_time = {now}, hit_count = hit_count + 1",
			cullSQL: fmt.Sprintf(`SELECT {fields} FROM "%s" ORDER BY access_time LIMIT ?`, table),
		}, nil
	case PolicyLeastFrequentlyUsed:
		return evictionPolicy{
			name: name,
			initSQL: fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS "%[1]s_access_count" ON "%[1]s" (access_count)`, table),
			getSQL:  "access_count = access_count + 1, hit_count = hit_count + 1",
			cullSQL: fmt.Sprintf(`SELECT {fields} FROM "%s" ORDER BY access_count LIMIT ?`, table),
		}, nil
	default:
		return evictionPolicy{}, errors.Wrapf(backend.ErrInvalidConfig, "unknown eviction policy %q", name)
	}
}
