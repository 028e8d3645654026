package unthin

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/unthin/dependency"
	"github.com/meigma/unthin/manifest"
	"github.com/meigma/unthin/storage"
	"github.com/meigma/unthin/validation"
)

// StatusCache is the validation status cache consumed by the pipeline.
type StatusCache interface {
	Statuses(ctx context.Context, deps []dependency.Dependency, key string) (map[dependency.Dependency]dependency.ValidationStatus, error)
	Update(ctx context.Context, statuses map[dependency.Dependency]dependency.ValidationStatus, key string) error
}

// Downloader fetches a dependency into f.Path and verifies it.
type Downloader interface {
	Download(ctx context.Context, f dependency.File) error
}

// Outcome describes what a run decided. Dependency lists keep manifest order.
type Outcome struct {
	Reports map[string]*validation.Report
	// Key is the validation key the run used.
	Key string
	// Rejected is set when a report had status ERROR; nothing after
	// validation ran.
	Rejected bool

	ValidCached   []dependency.Dependency
	RemovedCached []dependency.Dependency
	Downloaded    []dependency.Dependency
	Removed       []dependency.Dependency
	Modified      []dependency.Dependency
	Untouched     []dependency.Dependency
	// Persisted are untouched dependencies observed CLOSED and recorded VALID.
	Persisted []dependency.Dependency
	// Deferred are untouched dependencies another writer holds open.
	Deferred []dependency.Dependency

	ManifestRewritten bool
}

// Unthinner runs the unthinning pipeline. It is safe for concurrent use;
// each Run is independent.
type Unthinner struct {
	cache           StatusCache
	downloader      Downloader
	storage         storage.Storage
	validator       validation.ProjectValidator
	log             *zap.Logger
	downloadWorkers int
	persistWorkers  int
	metrics         *metrics
}

// New creates an Unthinner.
func New(cache StatusCache, downloader Downloader, store storage.Storage, validator validation.ProjectValidator, opts ...Option) (*Unthinner, error) {
	if cache == nil || downloader == nil || store == nil || validator == nil {
		return nil, errors.New("unthin: cache, downloader, storage and validator are required")
	}
	u := &Unthinner{
		cache:           cache,
		downloader:      downloader,
		storage:         store,
		validator:       validator,
		log:             zap.NewNop(),
		downloadWorkers: 1,
		persistWorkers:  1,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(u); err != nil {
			return nil, err
		}
	}
	if u.metrics == nil {
		u.metrics = newMetrics()
	}
	return u, nil
}

// Run reconciles the project in dir against its manifest and returns the
// validator reports. A report with status ERROR is returned without error;
// in that case no dependency is persisted and neither the cache nor the
// manifest is changed. Fatal failures are returned as *UploadError.
func (u *Unthinner) Run(ctx context.Context, project validation.Project, dir, manifestPath string, extra map[string]string) (map[string]*validation.Report, error) {
	out, err := u.Reconcile(ctx, project, dir, manifestPath, extra)
	if err != nil {
		return nil, err
	}
	return out.Reports, nil
}

// Reconcile is Run returning the full Outcome.
func (u *Unthinner) Reconcile(ctx context.Context, project validation.Project, dir, manifestPath string, extra map[string]string) (*Outcome, error) {
	start := time.Now()
	r := &run{
		u:       u,
		project: project,
		dir:     dir,
		log: u.log.With(
			zap.String("run_id", uuid.NewString()),
			zap.String("project", project.Name),
			zap.Int("project_id", project.ID)),
	}
	out, err := r.execute(ctx, manifestPath, extra)
	u.metrics.observeRun(out, err, time.Since(start))
	if err != nil {
		r.log.Error("unthin failed", zap.Error(err))
		return nil, err
	}
	r.log.Info("unthin complete",
		zap.String("validation_key", out.Key),
		zap.Bool("rejected", out.Rejected),
		zap.Int("valid_cached", len(out.ValidCached)),
		zap.Int("removed_cached", len(out.RemovedCached)),
		zap.Int("downloaded", len(out.Downloaded)),
		zap.Int("persisted", len(out.Persisted)),
		zap.Int("deferred", len(out.Deferred)),
		zap.Bool("manifest_rewritten", out.ManifestRewritten),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

type run struct {
	u       *Unthinner
	project validation.Project
	dir     string
	log     *zap.Logger
}

func (r *run) fail(stage Stage, err error, mark error) error {
	if mark != nil && !errors.Is(err, mark) {
		err = errors.Mark(err, mark)
	}
	name := r.project.Name
	if name == "" {
		name = filepath.Base(r.dir)
	}
	return &UploadError{Project: name, Stage: stage, Err: err}
}

func (r *run) execute(ctx context.Context, manifestPath string, extra map[string]string) (*Outcome, error) {
	deps, err := manifest.Read(manifestPath)
	if err != nil {
		return nil, r.fail(StageManifest, err, ErrManifest)
	}

	key, err := r.u.validator.CacheKey(ctx, r.project, r.dir, extra)
	if err != nil {
		return nil, r.fail(StageCacheKey, err, ErrValidator)
	}
	out := &Outcome{Key: key}
	r.log = r.log.With(zap.String("validation_key", key))

	statuses, err := r.u.cache.Statuses(ctx, deps, key)
	if err != nil {
		return nil, r.fail(StageStatuses, err, ErrCacheQuery)
	}

	var fresh []dependency.Dependency
	for _, d := range deps {
		switch statuses[d] {
		case dependency.StatusValid:
			out.ValidCached = append(out.ValidCached, d)
		case dependency.StatusRemoved:
			out.RemovedCached = append(out.RemovedCached, d)
		default:
			fresh = append(fresh, d)
		}
	}
	r.log.Debug("dependencies partitioned",
		zap.Int("valid_cached", len(out.ValidCached)),
		zap.Int("removed_cached", len(out.RemovedCached)),
		zap.Int("new", len(fresh)))

	files, err := r.download(ctx, fresh)
	if err != nil {
		return nil, r.fail(StageDownload, err, nil)
	}
	out.Downloaded = fresh

	reports, err := r.u.validator.Validate(ctx, r.project, r.dir, extra)
	if err != nil {
		return nil, r.fail(StageValidate, err, ErrValidator)
	}
	out.Reports = reports
	if validation.HasError(reports) {
		r.log.Info("project rejected by validator")
		out.Rejected = true
		return out, nil
	}

	untouched := r.classify(out, files, reports)

	guaranteed, err := r.persist(ctx, untouched)
	if err != nil {
		return nil, r.fail(StagePersist, err, ErrStorage)
	}
	for i, f := range untouched {
		if guaranteed[i] {
			out.Persisted = append(out.Persisted, f.Dependency)
		} else {
			out.Deferred = append(out.Deferred, f.Dependency)
		}
	}

	updates := make(map[dependency.Dependency]dependency.ValidationStatus, len(out.Persisted)+len(out.Removed)+len(out.RemovedCached))
	for _, d := range out.Persisted {
		updates[d] = dependency.StatusValid
	}
	for _, d := range out.Removed {
		updates[d] = dependency.StatusRemoved
	}
	for _, d := range out.RemovedCached {
		updates[d] = dependency.StatusRemoved
	}
	if len(updates) > 0 {
		if err := r.u.cache.Update(ctx, updates, key); err != nil {
			return nil, r.fail(StageUpdate, err, ErrCacheUpdate)
		}
	}

	if len(untouched) < len(files) || len(out.RemovedCached) > 0 {
		keep := make(map[dependency.Dependency]bool, len(out.ValidCached)+len(untouched))
		for _, d := range out.ValidCached {
			keep[d] = true
		}
		for _, f := range untouched {
			keep[f.Dependency] = true
		}
		var next []dependency.Dependency
		for _, d := range deps {
			if keep[d] {
				next = append(next, d)
			}
		}
		if err := manifest.Write(manifestPath, next); err != nil {
			return nil, r.fail(StageRewrite, err, ErrRewrite)
		}
		out.ManifestRewritten = true
		r.log.Info("manifest rewritten", zap.Int("dependencies", len(next)))
	}

	for _, f := range untouched {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("could not delete persisted dependency file", zap.String("file", f.Path), zap.Error(err))
		}
	}
	return out, nil
}

// download fetches deps concurrently. On failure every file this run
// fetched is removed before returning.
func (r *run) download(ctx context.Context, deps []dependency.Dependency) ([]dependency.File, error) {
	files := make([]dependency.File, len(deps))
	for i, d := range deps {
		files[i] = dependency.File{Dependency: d, Path: d.LocalPath(r.dir)}
	}
	if len(files) == 0 {
		return files, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.u.downloadWorkers)
	for _, f := range files {
		g.Go(func() error {
			if err := r.u.downloader.Download(gctx, f); err != nil {
				r.u.metrics.dependency("download_failed")
				return err
			}
			r.u.metrics.dependency("downloaded")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, f := range files {
			_ = os.Remove(f.Path)
		}
		return nil, err
	}
	return files, nil
}

// classify splits downloaded files by the reports' removed and modified
// paths, records the split in out, and returns the untouched files.
func (r *run) classify(out *Outcome, files []dependency.File, reports map[string]*validation.Report) []dependency.File {
	removed := make(map[string]bool)
	modified := make(map[string]bool)
	for _, rep := range reports {
		if rep == nil {
			continue
		}
		for _, p := range rep.RemovedFiles() {
			removed[canonicalPath(r.dir, p)] = true
		}
		for _, p := range rep.ModifiedFiles() {
			modified[canonicalPath(r.dir, p)] = true
		}
	}

	var untouched []dependency.File
	for _, f := range files {
		p := canonicalPath(r.dir, f.Path)
		switch {
		case removed[p]:
			out.Removed = append(out.Removed, f.Dependency)
			r.u.metrics.dependency("removed")
		case modified[p]:
			out.Modified = append(out.Modified, f.Dependency)
			r.u.metrics.dependency("modified")
		default:
			out.Untouched = append(out.Untouched, f.Dependency)
			untouched = append(untouched, f)
		}
	}
	return untouched
}

// persist stores files and reports which are guaranteed durable.
func (r *run) persist(ctx context.Context, files []dependency.File) ([]bool, error) {
	guaranteed := make([]bool, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.u.persistWorkers)
	for i, f := range files {
		g.Go(func() error {
			st, err := r.persistOne(gctx, f)
			if err != nil {
				return errors.Wrapf(err, "persist %s", f.RelPath())
			}
			guaranteed[i] = st == dependency.Closed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return guaranteed, nil
}

func (r *run) persistOne(ctx context.Context, f dependency.File) (dependency.FileStatus, error) {
	log := r.log.With(zap.String("sha1", f.Key()), zap.String("file", f.RelPath()))
	st, err := r.u.storage.DependencyStatus(ctx, f.Dependency)
	if err != nil {
		return dependency.NonExistent, err
	}
	if st == dependency.NonExistent {
		res, err := r.u.storage.PutDependency(ctx, f)
		if err != nil {
			return dependency.NonExistent, err
		}
		st = res.Status()
		log.Debug("dependency put", zap.Stringer("result", res))
	}
	switch st {
	case dependency.Closed:
		r.u.metrics.dependency("persisted")
	default:
		log.Info("dependency held open by another writer; deferring cache update", zap.Stringer("status", st))
		r.u.metrics.dependency("deferred")
	}
	return st, nil
}

// canonicalPath resolves p against dir and resolves symlinks in its parent
// directory, so report paths and download paths compare equal.
func canonicalPath(dir, p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	p = filepath.Clean(p)
	if parent, err := filepath.EvalSymlinks(filepath.Dir(p)); err == nil {
		p = filepath.Join(parent, filepath.Base(p))
	}
	return p
}
