package statuscache

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Dialect selects SQL syntax for a database/sql driver.
type Dialect string

// Supported dialects, named after their database/sql driver.
const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// ParseDialect validates a driver name.
func ParseDialect(driver string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(driver)); d {
	case SQLite, Postgres, MySQL:
		return d, nil
	case "sqlite":
		return SQLite, nil
	case "postgresql", "pgx":
		return Postgres, nil
	default:
		return "", errors.Newf("unsupported database driver %q", driver)
	}
}

// placeholder returns the bind marker for the 1-based argument n.
func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// placeholders returns count comma separated markers starting at from.
func (d Dialect) placeholders(from, count int) string {
	var b strings.Builder
	for i := range count {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.placeholder(from + i))
	}
	return b.String()
}

// insertIgnore returns an insert that silently skips rows whose primary
// key already exists.
func (d Dialect) insertIgnore() string {
	cols := "(file_sha1, file_name, validation_key, validation_status) VALUES (" + d.placeholders(1, 4) + ")"
	switch d {
	case Postgres:
		return "INSERT INTO validated_dependencies " + cols + " ON CONFLICT (file_sha1, validation_key) DO NOTHING"
	case MySQL:
		return "INSERT IGNORE INTO validated_dependencies " + cols
	default:
		return "INSERT OR IGNORE INTO validated_dependencies " + cols
	}
}

// selectStatuses returns the lookup query for n hashes.
func (d Dialect) selectStatuses(n int) string {
	return "SELECT file_sha1, validation_status FROM validated_dependencies WHERE validation_key = " +
		d.placeholder(1) + " AND file_sha1 IN (" + d.placeholders(2, n) + ")"
}
