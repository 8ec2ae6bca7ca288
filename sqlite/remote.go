package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/cockroachdb/errors"
	_ "github.com/rqlite/gorqlite/stdlib"
)

// NewRemote binds the engine to a table on an rqlite cluster node. The
// remote engine shares the local engine's schema and operations but never
// applies session pragmas since the cluster manages its own journal.
func NewRemote(host string, port int, table string, opts ...Option) (*DB, error) {
	sqldb, err := sql.Open("rqlite", fmt.Sprintf("http://%s:%d", host, port))
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to rqlite at %s:%d", host, port)
	}
	d, err := fromSQLDB(sqldb, table, true, opts...)
	if err != nil {
		sqldb.Close()
		return nil, err
	}
	d.ownsDB = true
	return d, nil
}
