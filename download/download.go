// Package download fetches dependency content into project directories.
//
// A download resolves the dependency's coordinate against a repository base
// URL, streams it to the destination file, and verifies the SHA-1. Failed
// attempts are retried a bounded number of times; each attempt starts from
// an empty destination and runs under its own timeout.
package download

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	getter "github.com/hashicorp/go-getter"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meigma/unthin/dependency"
	"github.com/meigma/unthin/internal/fileops"
	"github.com/meigma/unthin/storage"
)

const (
	// DefaultTries is the number of attempts made per download.
	DefaultTries = 2

	// DefaultAttemptTimeout bounds a single attempt.
	DefaultAttemptTimeout = 2 * time.Minute

	defaultDirPerm = 0o750
)

var (
	// ErrTransport marks downloads that failed after exhausting retries
	// for reasons other than content mismatch.
	ErrTransport = errors.New("download: transport failed")

	// ErrHashMismatch marks downloads whose content never matched the
	// expected SHA-1.
	ErrHashMismatch = fileops.ErrHashMismatch
)

// Origin selects where dependency content is read from.
type Origin uint8

const (
	// OriginRemote reads from the artifact repository.
	OriginRemote Origin = iota
	// OriginStorage reads from blob storage.
	OriginStorage
)

// String returns the origin name.
func (o Origin) String() string {
	if o == OriginStorage {
		return "storage"
	}
	return "remote"
}

// Downloader fetches dependencies. It is safe for concurrent use.
type Downloader struct {
	baseURL        *url.URL
	tries          int
	attemptTimeout time.Duration
	limiter        *rate.Limiter
	httpClient     *http.Client
	header         http.Header
	netrc          bool
	maxBytes       int64
	storage        storage.Storage
	log            *zap.Logger
}

// New creates a Downloader resolving coordinates against baseURL. Supported
// schemes are http, https and file.
func New(baseURL string, opts ...Option) (*Downloader, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse base url %q", baseURL)
	}
	switch u.Scheme {
	case "http", "https", "file":
	default:
		return nil, errors.Newf("base url %q: unsupported scheme %q", baseURL, u.Scheme)
	}

	d := &Downloader{
		baseURL:        u,
		tries:          DefaultTries,
		attemptTimeout: DefaultAttemptTimeout,
		limiter:        rate.NewLimiter(rate.Inf, 0),
		httpClient:     &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tries < 1 {
		return nil, errors.New("tries must be >= 1")
	}
	if d.attemptTimeout < 0 {
		return nil, errors.New("attempt timeout must be >= 0")
	}
	return d, nil
}

// URLFor returns the repository URL of dep under base.
func URLFor(base *url.URL, dep dependency.Dependency) (*url.URL, error) {
	p, err := dep.CoordinatePath()
	if err != nil {
		return nil, err
	}
	return base.JoinPath(p), nil
}

// Download fetches f from the remote repository into f.Path.
func (d *Downloader) Download(ctx context.Context, f dependency.File) error {
	return d.DownloadFrom(ctx, f, OriginRemote)
}

// DownloadFrom fetches f from origin into f.Path, verifying its SHA-1.
// After the final failed attempt the destination is removed, so a file left
// at f.Path is always complete and verified.
func (d *Downloader) DownloadFrom(ctx context.Context, f dependency.File, origin Origin) error {
	if origin == OriginStorage && d.storage == nil {
		return errors.New("download from storage: no storage configured")
	}
	log := d.log.With(
		zap.String("sha1", f.Key()),
		zap.String("file", f.FileName),
		zap.Stringer("origin", origin))

	var lastErr error
	attempt := 0
	for attempt < d.tries {
		attempt++
		if err := d.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		err := d.attempt(ctx, f, origin)
		if err == nil {
			log.Debug("dependency downloaded", zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		log.Warn("download attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}

	_ = os.Remove(f.Path)
	if errors.Is(lastErr, fileops.ErrHashMismatch) {
		return errors.Wrapf(lastErr, "download %s after %d attempts", f.RelPath(), attempt)
	}
	return errors.Mark(errors.Wrapf(lastErr, "download %s after %d attempts", f.RelPath(), attempt), ErrTransport)
}

func (d *Downloader) attempt(ctx context.Context, f dependency.File, origin Origin) error {
	if d.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.attemptTimeout)
		defer cancel()
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "clear destination")
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), defaultDirPerm); err != nil {
		return errors.Wrap(err, "create destination dir")
	}

	var err error
	if origin == OriginStorage {
		err = d.fromStorage(ctx, f)
	} else {
		err = d.fromRemote(ctx, f)
	}
	if err != nil {
		return err
	}
	return fileops.VerifySHA1(f.Path, f.SHA1)
}

func (d *Downloader) fromRemote(ctx context.Context, f dependency.File) error {
	src, err := URLFor(d.baseURL, f.Dependency)
	if err != nil {
		return err
	}
	// The destination was just removed; HEAD probing would only enable
	// resuming a partial file.
	httpGetter := &getter.HttpGetter{
		Client:              d.httpClient,
		Header:              d.header,
		Netrc:               d.netrc,
		MaxBytes:            d.maxBytes,
		DoNotCheckHeadFirst: true,
	}
	client := &getter.Client{
		Ctx:  ctx,
		Src:  src.String(),
		Dst:  f.Path,
		Mode: getter.ClientModeFile,
		Getters: map[string]getter.Getter{
			"http":  httpGetter,
			"https": httpGetter,
			"file":  &getter.FileGetter{Copy: true},
		},
		// Dependencies are stored as-is, never unpacked.
		Decompressors: map[string]getter.Decompressor{},
	}
	if err := client.Get(); err != nil {
		return errors.Wrapf(err, "get %s", src.Redacted())
	}
	return nil
}

func (d *Downloader) fromStorage(ctx context.Context, f dependency.File) error {
	rc, err := d.storage.GetDependency(ctx, f.Dependency)
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(f.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) //nolint:gosec // path validated by caller
	if err != nil {
		return errors.Wrap(err, "create destination")
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return errors.Wrap(err, "copy from storage")
	}
	return errors.Wrap(out.Close(), "close destination")
}
