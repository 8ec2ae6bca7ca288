// Package sqlite implements a transactional key-value cache engine on a
// SQL database. The default configuration targets an embedded SQLite file
// through the pure Go modernc.org/sqlite driver; NewRemote swaps the
// connection target for an rqlite cluster while sharing every algorithm.
//
// Each logical table gets two physical tables: the cache table itself and a
// settings table whose count and size rows are maintained by triggers.
package sqlite

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/persistkit/persistkit/backend"
)

// FormatTableName derives the physical table name from a dotted logical
// name. Each segment is camelCased and the segments are joined with an
// underscore, so "my.test.table_name" becomes "my_test_tableName".
func FormatTableName(name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		parts[i] = toCamel(part)
	}
	return strings.Join(parts, "_")
}

func toCamel(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	upper := false
	for i, r := range s {
		if r == '_' || r == '-' {
			upper = true
			continue
		}
		if upper && i > 0 {
			sb.WriteString(strings.ToUpper(string(r)))
		} else {
			sb.WriteRune(r)
		}
		upper = false
	}
	return sb.String()
}

// validateIdentifier rejects table names that are not limited to
// [A-Za-z0-9_]. Identifiers are interpolated into statements, never bound,
// so the character set is enforced at construction.
func validateIdentifier(name string) error {
	if name == "" {
		return errors.Wrap(backend.ErrInvalidConfig, "empty table name")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return errors.Wrapf(backend.ErrInvalidConfig, "invalid character %q in table name %q", r, name)
		}
	}
	return nil
}
