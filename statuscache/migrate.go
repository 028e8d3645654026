package statuscache

import (
	"context"
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies pending schema migrations. Each migration runs in its own
// transaction together with its schema_migrations record.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		version := strings.SplitN(name, "_", 2)[0]

		var applied int
		err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE version = "+dialect.placeholder(1), version).Scan(&applied)
		if err != nil && version != "000" {
			return errors.Wrapf(err, "schema_migrations missing before %s", name)
		}
		if err == nil && applied > 0 {
			logger.Debug("skipping applied migration", zap.String("migration", name))
			continue
		}

		body, err := migrations.ReadFile(path.Join("migrations", name))
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		logger.Info("applying migration", zap.String("migration", name), zap.String("version", version))

		if err := applyMigration(ctx, db, dialect, version, string(body)); err != nil {
			return errors.Wrapf(err, "apply %s", name)
		}
	}
	logger.Debug("migrations complete", zap.Int("total", len(files)))
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, dialect Dialect, version, body string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, stmt := range strings.Split(body, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "execute")
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version) VALUES ("+dialect.placeholder(1)+")", version); err != nil {
		return errors.Wrap(err, "record version")
	}
	return errors.Wrap(tx.Commit(), "commit")
}
