package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/unthin/dependency"
	"github.com/meigma/unthin/internal/testutil"
	"github.com/meigma/unthin/storage"
)

const (
	contentA = "blahblah12"
	pathA    = "/com/linkedin/test/testera/1.0.1/a.jar"
)

func fileA(t *testing.T) dependency.File {
	t.Helper()
	d := dependency.Dependency{
		FileName:       "a.jar",
		Destination:    "lib",
		Type:           "jar",
		IvyCoordinates: "com.linkedin.test:testera:1.0.1",
		SHA1:           "131bd316a77423e6b80d93262b576c139c72b4c3",
	}
	return dependency.File{Dependency: d, Path: d.LocalPath(t.TempDir())}
}

// serve responds with bodies[i] for the i-th request, repeating the last.
func serve(t *testing.T, hits *atomic.Int32, bodies ...func(http.ResponseWriter, *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathA {
			http.NotFound(w, r)
			return
		}
		n := int(hits.Add(1)) - 1
		bodies[min(n, len(bodies)-1)](w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func ok(body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}
}

func status(code int) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestDownloadSuccess(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := serve(t, &hits, ok(contentA))
	d, err := New(srv.URL)
	require.NoError(t, err)

	f := fileA(t)
	require.NoError(t, d.Download(context.Background(), f))
	assert.Equal(t, contentA, readFile(t, f.Path))
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownloadRetriesTransportFailure(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := serve(t, &hits, status(http.StatusInternalServerError), ok(contentA))
	d, err := New(srv.URL)
	require.NoError(t, err)

	f := fileA(t)
	require.NoError(t, d.Download(context.Background(), f))
	assert.Equal(t, contentA, readFile(t, f.Path))
	assert.Equal(t, int32(2), hits.Load())
}

func TestDownloadRetriesHashMismatch(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := serve(t, &hits, ok("corrupted!"), ok(contentA))
	d, err := New(srv.URL)
	require.NoError(t, err)

	f := fileA(t)
	require.NoError(t, d.Download(context.Background(), f))
	assert.Equal(t, contentA, readFile(t, f.Path))
	assert.Equal(t, int32(2), hits.Load())
}

func TestDownloadHashMismatchExhausted(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := serve(t, &hits, ok("corrupted!"))
	d, err := New(srv.URL)
	require.NoError(t, err)

	f := fileA(t)
	err = d.Download(context.Background(), f)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHashMismatch))
	assert.False(t, errors.Is(err, ErrTransport))
	assert.Equal(t, int32(DefaultTries), hits.Load())

	_, statErr := os.Stat(f.Path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "corrupt file must not be left behind")
}

func TestDownloadTransportExhausted(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := serve(t, &hits, status(http.StatusBadGateway))
	d, err := New(srv.URL, WithTries(3))
	require.NoError(t, err)

	f := fileA(t)
	err = d.Download(context.Background(), f)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Equal(t, int32(3), hits.Load())
}

func TestDownloadOverwritesExistingFile(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := serve(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		http.ServeContent(w, r, "a.jar", time.Time{}, strings.NewReader(contentA))
	})
	d, err := New(srv.URL)
	require.NoError(t, err)

	f := fileA(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.Path), 0o750))
	require.NoError(t, os.WriteFile(f.Path, []byte("XXXXXXXXXX"), 0o600))

	require.NoError(t, d.Download(context.Background(), f))
	assert.Equal(t, contentA, readFile(t, f.Path))
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownloadAttemptTimeoutIsRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := serve(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}, ok(contentA))
	d, err := New(srv.URL, WithAttemptTimeout(200*time.Millisecond))
	require.NoError(t, err)

	f := fileA(t)
	require.NoError(t, d.Download(context.Background(), f))
	assert.Equal(t, contentA, readFile(t, f.Path))
}

func TestDownloadFromFileURL(t *testing.T) {
	t.Parallel()

	repo := t.TempDir()
	testutil.WriteFile(t, repo, pathA, contentA)
	d, err := New((&url.URL{Scheme: "file", Path: repo}).String())
	require.NoError(t, err)

	f := fileA(t)
	require.NoError(t, d.Download(context.Background(), f))
	assert.Equal(t, contentA, readFile(t, f.Path))
}

func TestDownloadFromStorage(t *testing.T) {
	t.Parallel()

	mem := testutil.NewMemStorage()
	mem.Seed(contentA)
	d, err := New("https://repo.example.com/artifactory", WithStorage(mem))
	require.NoError(t, err)

	f := fileA(t)
	require.NoError(t, d.DownloadFrom(context.Background(), f, OriginStorage))
	assert.Equal(t, contentA, readFile(t, f.Path))
}

func TestDownloadFromStorageMissing(t *testing.T) {
	t.Parallel()

	d, err := New("https://repo.example.com", WithStorage(testutil.NewMemStorage()))
	require.NoError(t, err)

	err = d.DownloadFrom(context.Background(), fileA(t), OriginStorage)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestDownloadFromStorageUnconfigured(t *testing.T) {
	t.Parallel()

	d, err := New("https://repo.example.com")
	require.NoError(t, err)
	require.Error(t, d.DownloadFrom(context.Background(), fileA(t), OriginStorage))
}

func TestURLFor(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://repo.example.com/artifactory/")
	require.NoError(t, err)
	u, err := URLFor(base, fileA(t).Dependency)
	require.NoError(t, err)
	assert.Equal(t, "https://repo.example.com/artifactory/com/linkedin/test/testera/1.0.1/a.jar", u.String())
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New("ftp://example.com")
	require.Error(t, err)
	_, err = New("https://example.com", WithTries(0))
	require.Error(t, err)
	_, err = New("https://example.com", WithAttemptTimeout(-time.Second))
	require.Error(t, err)
}
