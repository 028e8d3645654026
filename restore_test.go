package unthin

import (
	"context"
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/unthin/dependency"
	"github.com/meigma/unthin/download"
)

func newStorageDownloader(t *testing.T, f *fixture) *download.Downloader {
	t.Helper()
	d, err := download.New("http://127.0.0.1:1/repo", download.WithStorage(f.store), download.WithTries(1))
	require.NoError(t, err)
	return d
}

func TestRestoreAfterRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.reconcile(t)
	require.NoError(t, err)
	require.False(t, f.exists(f.a))

	res, err := Restore(context.Background(), newStorageDownloader(t, f), f.dir, f.manifest, RestoreOptions{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, []dependency.Dependency{f.a, f.b}, res.Fetched)
	assert.Empty(t, res.Present)

	got, err := os.ReadFile(f.a.LocalPath(f.dir))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(got))

	res, err = Restore(context.Background(), newStorageDownloader(t, f), f.dir, f.manifest, RestoreOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Fetched)
	assert.Equal(t, []dependency.Dependency{f.a, f.b}, res.Present)
}

func TestRestoreMissingBlob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.Seed("alpha")

	_, err := Restore(context.Background(), newStorageDownloader(t, f), f.dir, f.manifest, RestoreOptions{})
	require.Error(t, err)
	var ue *UploadError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, StageRestore, ue.Stage)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, f.exists(f.b))
}

func TestRestoreBadManifest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.manifest, []byte(`{"dependencies": 1}`), 0o600))

	_, err := Restore(context.Background(), newStorageDownloader(t, f), f.dir, f.manifest, RestoreOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrManifest))
}
