package unthin

import (
	"context"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/unthin/dependency"
	"github.com/meigma/unthin/download"
	"github.com/meigma/unthin/internal/fileops"
	"github.com/meigma/unthin/manifest"
)

// Fetcher copies a dependency from a download origin into f.Path.
// *download.Downloader implements it.
type Fetcher interface {
	DownloadFrom(ctx context.Context, f dependency.File, origin download.Origin) error
}

// RestoreOptions configures Restore.
type RestoreOptions struct {
	// Workers bounds concurrent fetches. Zero means 1.
	Workers int
	// Logger receives progress. Nil disables logging.
	Logger *zap.Logger
}

// RestoreResult summarizes a Restore.
type RestoreResult struct {
	Fetched []dependency.Dependency
	Present []dependency.Dependency
}

// Restore materializes every dependency in the manifest at manifestPath
// under dir, fetching from blob storage. Files already present with the
// expected SHA-1 are left alone.
func Restore(ctx context.Context, fetcher Fetcher, dir, manifestPath string, opts RestoreOptions) (*RestoreResult, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	workers := max(opts.Workers, 1)
	fail := func(err error, mark error) error {
		if mark != nil && !errors.Is(err, mark) {
			err = errors.Mark(err, mark)
		}
		return &UploadError{Project: filepath.Base(dir), Stage: StageRestore, Err: err}
	}

	deps, err := manifest.Read(manifestPath)
	if err != nil {
		return nil, fail(err, ErrManifest)
	}

	present := make([]bool, len(deps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, d := range deps {
		g.Go(func() error {
			f := dependency.File{Dependency: d, Path: d.LocalPath(dir)}
			if fileops.VerifySHA1(f.Path, d.SHA1) == nil {
				present[i] = true
				return nil
			}
			if err := fetcher.DownloadFrom(gctx, f, download.OriginStorage); err != nil {
				return errors.Wrapf(err, "restore %s", d.RelPath())
			}
			log.Debug("dependency restored", zap.String("sha1", d.Key()), zap.String("file", d.RelPath()))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fail(err, nil)
	}

	res := &RestoreResult{}
	for i, d := range deps {
		if present[i] {
			res.Present = append(res.Present, d)
		} else {
			res.Fetched = append(res.Fetched, d)
		}
	}
	log.Info("dependencies restored",
		zap.String("dir", dir),
		zap.Int("fetched", len(res.Fetched)),
		zap.Int("present", len(res.Present)))
	return res, nil
}
