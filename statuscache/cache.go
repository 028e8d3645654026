// Package statuscache records validation outcomes for dependencies in a
// relational database.
//
// Rows are keyed by (file_sha1, validation_key). A missing row means the
// dependency is NEW for that key. Writes use insert-ignore semantics so
// concurrent writers recording the same outcome never fail each other.
package statuscache

import (
	"context"
	"database/sql"
	"sort"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/meigma/unthin/dependency"
)

var (
	// ErrQuery marks failures looking up cached statuses.
	ErrQuery = errors.New("statuscache: query failed")

	// ErrUpdate marks failures recording statuses.
	ErrUpdate = errors.New("statuscache: update failed")
)

// defaultMaxParams keeps IN lists under SQLite's historical bind limit.
const defaultMaxParams = 900

// Cache is a database backed validation status cache. It is safe for
// concurrent use.
type Cache struct {
	db        *sql.DB
	dialect   Dialect
	maxParams int
	log       *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger. Nil disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l == nil {
			l = zap.NewNop()
		}
		c.log = l
	}
}

// WithMaxParams bounds the number of hashes bound into one lookup query.
func WithMaxParams(n int) Option {
	return func(c *Cache) {
		c.maxParams = n
	}
}

// New creates a Cache over db. The schema must already exist; see Migrate.
func New(db *sql.DB, dialect Dialect, opts ...Option) (*Cache, error) {
	if db == nil {
		return nil, errors.New("statuscache: db is nil")
	}
	if _, err := ParseDialect(string(dialect)); err != nil {
		return nil, err
	}
	c := &Cache{db: db, dialect: dialect, maxParams: defaultMaxParams, log: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxParams < 1 {
		return nil, errors.New("statuscache: max params must be >= 1")
	}
	return c, nil
}

// Statuses returns the cached status of every dependency in deps under key.
// Dependencies without a row are StatusNew. Manifests up to the parameter
// bound are resolved with a single query. Any failure fails the whole call.
func (c *Cache) Statuses(ctx context.Context, deps []dependency.Dependency, key string) (map[dependency.Dependency]dependency.ValidationStatus, error) {
	out := make(map[dependency.Dependency]dependency.ValidationStatus, len(deps))
	byHash := make(map[string][]dependency.Dependency, len(deps))
	hashes := make([]string, 0, len(deps))
	for _, d := range deps {
		out[d] = dependency.StatusNew
		if _, seen := byHash[d.Key()]; !seen {
			hashes = append(hashes, d.Key())
		}
		byHash[d.Key()] = append(byHash[d.Key()], d)
	}

	for start := 0; start < len(hashes); start += c.maxParams {
		end := min(start+c.maxParams, len(hashes))
		found, err := c.lookup(ctx, hashes[start:end], key)
		if err != nil {
			return nil, err
		}
		for hash, st := range found {
			for _, d := range byHash[hash] {
				out[d] = st
			}
		}
	}
	c.log.Debug("validation statuses loaded",
		zap.String("validation_key", key),
		zap.Int("dependencies", len(deps)))
	return out, nil
}

func (c *Cache) lookup(ctx context.Context, hashes []string, key string) (map[string]dependency.ValidationStatus, error) {
	args := make([]any, 0, len(hashes)+1)
	args = append(args, key)
	for _, h := range hashes {
		args = append(args, h)
	}

	rows, err := c.db.QueryContext(ctx, c.dialect.selectStatuses(len(hashes)), args...)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "select validation statuses"), ErrQuery)
	}
	defer rows.Close()

	found := make(map[string]dependency.ValidationStatus, len(hashes))
	for rows.Next() {
		var (
			hash string
			code int
		)
		if err := rows.Scan(&hash, &code); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "scan validation status"), ErrQuery)
		}
		st, err := dependency.StatusFromCode(code)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "row for %s", hash), ErrQuery)
		}
		found[hash] = st
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "iterate validation statuses"), ErrQuery)
	}
	return found, nil
}

// Update records statuses under key in one transaction. Rows that already
// exist are left untouched, so a concurrent writer inserting the same row
// does not fail the batch. An empty map is a no-op.
func (c *Cache) Update(ctx context.Context, statuses map[dependency.Dependency]dependency.ValidationStatus, key string) error {
	if len(statuses) == 0 {
		return nil
	}

	type row struct {
		hash, name string
		code       int
	}
	rowsByHash := make(map[string]row, len(statuses))
	for d, st := range statuses {
		code, ok := st.Code()
		if !ok {
			return errors.Wrapf(ErrUpdate, "cannot record status %s for %s", st, d.Key())
		}
		// Removed wins over valid for the same content.
		if prev, dup := rowsByHash[d.Key()]; dup && prev.code != code && st != dependency.StatusRemoved {
			continue
		}
		rowsByHash[d.Key()] = row{hash: d.Key(), name: d.FileName, code: code}
	}
	hashes := make([]string, 0, len(rowsByHash))
	for h := range rowsByHash {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "begin transaction"), ErrUpdate)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, c.dialect.insertIgnore())
	if err != nil {
		return errors.Mark(errors.Wrap(err, "prepare insert"), ErrUpdate)
	}
	defer stmt.Close()

	inserted := int64(0)
	for _, h := range hashes {
		r := rowsByHash[h]
		res, err := stmt.ExecContext(ctx, r.hash, r.name, key, r.code)
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "insert %s", r.hash), ErrUpdate)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Mark(errors.Wrap(err, "commit"), ErrUpdate)
	}

	c.log.Debug("validation statuses recorded",
		zap.String("validation_key", key),
		zap.Int("rows", len(hashes)),
		zap.Int64("inserted", inserted))
	return nil
}
