package statuscache

import (
	"database/sql"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// sqlitePragmas are applied to every SQLite database opened by Open.
var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
}

// Open opens a database for dialect. SQLite databases are switched to WAL
// mode with a busy timeout so concurrent writers wait rather than fail.
// MySQL requires the caller to link a driver registered as "mysql".
func Open(dialect Dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", dialect)
	}
	if dialect == SQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY
		// between pooled connections of the same process.
		db.SetMaxOpenConns(1)
		for _, p := range sqlitePragmas {
			if _, err := db.Exec(p); err != nil {
				db.Close()
				return nil, errors.Wrapf(err, "apply %q", p)
			}
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s database", dialect)
	}
	return db, nil
}
