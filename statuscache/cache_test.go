package statuscache

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/unthin/dependency"
)

var (
	depA = dependency.Dependency{
		FileName:       "a.jar",
		Destination:    "lib",
		Type:           "jar",
		IvyCoordinates: "com.linkedin.test:testera:1.0.1",
		SHA1:           "131bd316a77423e6b80d93262b576c139c72b4c3",
	}
	depB = dependency.Dependency{
		FileName:       "b.jar",
		Destination:    "lib",
		Type:           "jar",
		IvyCoordinates: "com.linkedin.test:testerb:1.0.1",
		SHA1:           "9461919846e1e7c8fc74fee95aa6ac74993be71e",
	}
)

func openSQLite(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := Open(SQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(context.Background(), db, SQLite, nil))
	return db
}

func newSQLiteCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(openSQLite(t, filepath.Join(t.TempDir(), "cache.db")), SQLite)
	require.NoError(t, err)
	return c
}

func TestStatusesDefaultToNew(t *testing.T) {
	t.Parallel()

	c := newSQLiteCache(t)
	got, err := c.Statuses(context.Background(), []dependency.Dependency{depA, depB}, "key")
	require.NoError(t, err)
	assert.Equal(t, map[dependency.Dependency]dependency.ValidationStatus{
		depA: dependency.StatusNew,
		depB: dependency.StatusNew,
	}, got)
}

func TestUpdateThenStatuses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newSQLiteCache(t)

	require.NoError(t, c.Update(ctx, map[dependency.Dependency]dependency.ValidationStatus{
		depA: dependency.StatusValid,
		depB: dependency.StatusRemoved,
	}, "key"))

	got, err := c.Statuses(ctx, []dependency.Dependency{depA, depB}, "key")
	require.NoError(t, err)
	assert.Equal(t, dependency.StatusValid, got[depA])
	assert.Equal(t, dependency.StatusRemoved, got[depB])

	other, err := c.Statuses(ctx, []dependency.Dependency{depA, depB}, "other-key")
	require.NoError(t, err)
	assert.Equal(t, dependency.StatusNew, other[depA])
	assert.Equal(t, dependency.StatusNew, other[depB])
}

func TestStatusesMatchByHashOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newSQLiteCache(t)
	require.NoError(t, c.Update(ctx, map[dependency.Dependency]dependency.ValidationStatus{
		depA: dependency.StatusValid,
	}, "key"))

	renamed := depA
	renamed.FileName = "a-renamed.jar"
	renamed.SHA1 = "131BD316A77423E6B80D93262B576C139C72B4C3"
	got, err := c.Statuses(ctx, []dependency.Dependency{renamed}, "key")
	require.NoError(t, err)
	assert.Equal(t, dependency.StatusValid, got[renamed])
}

func TestUpdateIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newSQLiteCache(t)
	batch := map[dependency.Dependency]dependency.ValidationStatus{
		depA: dependency.StatusValid,
		depB: dependency.StatusValid,
	}
	require.NoError(t, c.Update(ctx, batch, "key"))
	require.NoError(t, c.Update(ctx, batch, "key"))

	// A duplicate row does not block the rest of the batch.
	depC := depB
	depC.FileName = "c.jar"
	depC.SHA1 = "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"
	require.NoError(t, c.Update(ctx, map[dependency.Dependency]dependency.ValidationStatus{
		depA: dependency.StatusValid,
		depC: dependency.StatusRemoved,
	}, "key"))

	got, err := c.Statuses(ctx, []dependency.Dependency{depA, depB, depC}, "key")
	require.NoError(t, err)
	assert.Equal(t, dependency.StatusValid, got[depA])
	assert.Equal(t, dependency.StatusValid, got[depB])
	assert.Equal(t, dependency.StatusRemoved, got[depC])
}

func TestConcurrentWritersDoNotConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	openSQLite(t, path)

	const writers = 4
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		db, err := Open(SQLite, path)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		c, err := New(db, SQLite)
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Update(ctx, map[dependency.Dependency]dependency.ValidationStatus{
				depA: dependency.StatusValid,
				depB: dependency.StatusValid,
			}, "key")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestUpdateEmptyIsNoop(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c, err := New(db, SQLite)
	require.NoError(t, err)
	require.NoError(t, c.Update(context.Background(), nil, "key"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRejectsNew(t *testing.T) {
	t.Parallel()

	c := newSQLiteCache(t)
	err := c.Update(context.Background(), map[dependency.Dependency]dependency.ValidationStatus{
		depA: dependency.StatusNew,
	}, "key")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpdate))
}

func TestStatusesSingleQuery(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT file_sha1, validation_status FROM validated_dependencies WHERE validation_key = $1 AND file_sha1 IN ($2, $3)").
		WithArgs("key", depA.Key(), depB.Key()).
		WillReturnRows(sqlmock.NewRows([]string{"file_sha1", "validation_status"}).AddRow(depA.Key(), 1))

	c, err := New(db, Postgres)
	require.NoError(t, err)
	got, err := c.Statuses(context.Background(), []dependency.Dependency{depA, depB}, "key")
	require.NoError(t, err)
	assert.Equal(t, dependency.StatusValid, got[depA])
	assert.Equal(t, dependency.StatusNew, got[depB])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusesChunksAboveParamBound(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	q := "SELECT file_sha1, validation_status FROM validated_dependencies WHERE validation_key = ? AND file_sha1 IN (?)"
	mock.ExpectQuery(q).WithArgs("key", depA.Key()).
		WillReturnRows(sqlmock.NewRows([]string{"file_sha1", "validation_status"}))
	mock.ExpectQuery(q).WithArgs("key", depB.Key()).
		WillReturnRows(sqlmock.NewRows([]string{"file_sha1", "validation_status"}).AddRow(depB.Key(), 0))

	c, err := New(db, MySQL, WithMaxParams(1))
	require.NoError(t, err)
	got, err := c.Statuses(context.Background(), []dependency.Dependency{depA, depB}, "key")
	require.NoError(t, err)
	assert.Equal(t, dependency.StatusRemoved, got[depB])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusesQueryError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection reset"))

	c, err := New(db, SQLite)
	require.NoError(t, err)
	_, err = c.Statuses(context.Background(), []dependency.Dependency{depA}, "key")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuery))
}

func TestStatusesUnknownCode(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"file_sha1", "validation_status"}).AddRow(depA.Key(), 42))

	c, err := New(db, SQLite)
	require.NoError(t, err)
	_, err = c.Statuses(context.Background(), []dependency.Dependency{depA}, "key")
	assert.True(t, errors.Is(err, ErrQuery))
}

func TestUpdateUsesInsertIgnoreInTransaction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dialect Dialect
		insert  string
	}{
		{SQLite, "INSERT OR IGNORE INTO validated_dependencies (file_sha1, file_name, validation_key, validation_status) VALUES (?, ?, ?, ?)"},
		{MySQL, "INSERT IGNORE INTO validated_dependencies (file_sha1, file_name, validation_key, validation_status) VALUES (?, ?, ?, ?)"},
		{Postgres, "INSERT INTO validated_dependencies (file_sha1, file_name, validation_key, validation_status) VALUES ($1, $2, $3, $4) ON CONFLICT (file_sha1, validation_key) DO NOTHING"},
	}
	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			t.Parallel()

			db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
			require.NoError(t, err)
			defer db.Close()

			mock.ExpectBegin()
			prep := mock.ExpectPrepare(tt.insert)
			prep.ExpectExec().WithArgs(depA.Key(), "a.jar", "key", 1).WillReturnResult(sqlmock.NewResult(0, 1))
			prep.ExpectExec().WithArgs(depB.Key(), "b.jar", "key", 0).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectCommit()

			c, err := New(db, tt.dialect)
			require.NoError(t, err)
			require.NoError(t, c.Update(context.Background(), map[dependency.Dependency]dependency.ValidationStatus{
				depA: dependency.StatusValid,
				depB: dependency.StatusRemoved,
			}, "key"))
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpdateFailureRollsBack(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT OR IGNORE")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	c, err := New(db, SQLite)
	require.NoError(t, err)
	err = c.Update(context.Background(), map[dependency.Dependency]dependency.ValidationStatus{
		depA: dependency.StatusValid,
		depB: dependency.StatusValid,
	}, "key")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpdate))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemovedWinsWithinBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newSQLiteCache(t)
	twin := depA
	twin.FileName = "a-copy.jar"
	require.NoError(t, c.Update(ctx, map[dependency.Dependency]dependency.ValidationStatus{
		depA: dependency.StatusValid,
		twin: dependency.StatusRemoved,
	}, "key"))

	got, err := c.Statuses(ctx, []dependency.Dependency{depA}, "key")
	require.NoError(t, err)
	assert.Equal(t, dependency.StatusRemoved, got[depA])
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, SQLite)
	require.Error(t, err)

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, err = New(db, Dialect("oracle"))
	require.Error(t, err)
	_, err = New(db, SQLite, WithMaxParams(0))
	require.Error(t, err)
}

func TestMigrateIsRepeatable(t *testing.T) {
	t.Parallel()

	db := openSQLite(t, filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, Migrate(context.Background(), db, SQLite, nil))

	var versions int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 2, versions)
}

func TestParseDialect(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Dialect{"sqlite3": SQLite, "SQLite": SQLite, "postgres": Postgres, "pgx": Postgres, "mysql": MySQL} {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseDialect("mssql")
	require.Error(t, err)
}
