// Package local implements storage.Storage on a local or mounted filesystem.
//
// Dependency blobs live under <dir>/startup_dependencies/<aa>/<sha1>, sharded
// by the first two hex characters. A write holds an exclusively created
// <sha1>.inprogress marker, whose presence is the backend's OPEN signal,
// while it copies into a private temp file. The temp file is hard linked
// into place when complete, so the first complete, verified copy wins.
package local

import (
	"context"
	"crypto/sha1" //nolint:gosec // content address
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/meigma/unthin/dependency"
	"github.com/meigma/unthin/internal/fileops"
	"github.com/meigma/unthin/storage"
)

const (
	dependencyDir      = "startup_dependencies"
	inProgressSuffix   = ".inprogress"
	projectSuffix      = ".zip"
	shardPrefixLen     = 2
	defaultDirPerm     = 0o750
	defaultFilePerm    = 0o640
	projectTempPattern = ".project-*"
	tempSuffixPattern  = "-*.tmp"
)

// Storage stores blobs on a filesystem. It is safe for concurrent use by
// multiple goroutines and multiple processes sharing the directory.
type Storage struct {
	dir         string
	dirPerm     os.FileMode
	compression Compression
	staleAfter  time.Duration
	log         *zap.Logger
}

var _ storage.Storage = (*Storage)(nil)

// Option configures a Storage.
type Option func(*Storage)

// WithCompression sets how newly written dependency blobs are stored.
// Blobs written with either setting remain readable.
func WithCompression(c Compression) Option {
	return func(s *Storage) {
		s.compression = c
	}
}

// WithStaleWriteTimeout treats in-progress markers older than d as
// abandoned: they report NON_EXISTENT and are reclaimed by the next put.
// Zero, the default, never reclaims.
func WithStaleWriteTimeout(d time.Duration) Option {
	return func(s *Storage) {
		s.staleAfter = d
	}
}

// WithDirPerm sets the permissions used for created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Storage) {
		s.dirPerm = mode
	}
}

// WithLogger sets the logger. Nil disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(s *Storage) {
		if l == nil {
			l = zap.NewNop()
		}
		s.log = l
	}
}

// New creates a Storage rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Storage, error) {
	if dir == "" {
		return nil, errors.New("storage dir is empty")
	}
	s := &Storage{
		dir:     dir,
		dirPerm: defaultDirPerm,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.staleAfter < 0 {
		return nil, errors.New("stale write timeout must be >= 0")
	}
	if err := os.MkdirAll(filepath.Join(dir, dependencyDir), s.dirPerm); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "create %s", dir), storage.ErrStorage)
	}
	return s, nil
}

// blobPath returns the final path of d's blob without compression suffix.
func (s *Storage) blobPath(d dependency.Dependency) (string, error) {
	if !dependency.ValidSHA1(d.SHA1) {
		return "", errors.Wrapf(dependency.ErrInvalid, "sha1 %q", d.SHA1)
	}
	key := d.Key()
	return filepath.Join(s.dir, dependencyDir, key[:shardPrefixLen], key), nil
}

// closedPath returns the path of an existing closed blob for base, trying
// the configured encoding first.
func (s *Storage) closedPath(base string) (string, Compression, bool, error) {
	order := []Compression{s.compression, CompressionNone}
	if s.compression == CompressionNone {
		order[1] = CompressionZstd
	}
	for _, c := range order {
		p := base + c.suffix()
		_, err := os.Stat(p)
		if err == nil {
			return p, c, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", 0, false, errors.Mark(errors.Wrapf(err, "stat %s", p), storage.ErrStorage)
		}
	}
	return "", 0, false, nil
}

// markerState reports whether an in-progress marker exists and is live.
func (s *Storage) markerState(marker string) (exists, stale bool, err error) {
	info, err := os.Stat(marker)
	if errors.Is(err, os.ErrNotExist) {
		return false, false, nil
	}
	if err != nil {
		return false, false, errors.Mark(errors.Wrapf(err, "stat %s", marker), storage.ErrStorage)
	}
	stale = s.staleAfter > 0 && time.Since(info.ModTime()) > s.staleAfter
	return true, stale, nil
}

// DependencyStatus implements storage.Storage.
func (s *Storage) DependencyStatus(_ context.Context, d dependency.Dependency) (dependency.FileStatus, error) {
	base, err := s.blobPath(d)
	if err != nil {
		return dependency.NonExistent, err
	}
	if _, _, ok, err := s.closedPath(base); err != nil {
		return dependency.NonExistent, err
	} else if ok {
		return dependency.Closed, nil
	}
	exists, stale, err := s.markerState(base + inProgressSuffix)
	if err != nil {
		return dependency.NonExistent, err
	}
	if exists && !stale {
		return dependency.Open, nil
	}
	return dependency.NonExistent, nil
}

// ExistsDependency implements storage.Storage.
func (s *Storage) ExistsDependency(ctx context.Context, d dependency.Dependency) (bool, error) {
	st, err := s.DependencyStatus(ctx, d)
	return st == dependency.Closed, err
}

// GetDependency implements storage.Storage.
func (s *Storage) GetDependency(_ context.Context, d dependency.Dependency) (io.ReadCloser, error) {
	base, err := s.blobPath(d)
	if err != nil {
		return nil, err
	}
	p, c, ok, err := s.closedPath(base)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "dependency %s", d.Key())
	}
	f, err := os.Open(p) //nolint:gosec // path is derived from hash
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(storage.ErrNotFound, "dependency %s", d.Key())
		}
		return nil, errors.Mark(errors.Wrapf(err, "open %s", p), storage.ErrStorage)
	}
	if c == CompressionZstd {
		rc, err := newZstdReadCloser(f)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "zstd reader %s", p), storage.ErrStorage)
		}
		return rc, nil
	}
	return f, nil
}

// PutDependency implements storage.Storage.
func (s *Storage) PutDependency(ctx context.Context, f dependency.File) (storage.PutResult, error) {
	base, err := s.blobPath(f.Dependency)
	if err != nil {
		return 0, err
	}
	log := s.log.With(zap.String("sha1", f.Key()), zap.String("file", f.FileName))

	if _, _, ok, err := s.closedPath(base); err != nil {
		return 0, err
	} else if ok {
		return storage.PutAlreadyExists, nil
	}

	if err := os.MkdirAll(filepath.Dir(base), s.dirPerm); err != nil {
		return 0, errors.Mark(errors.Wrap(err, "create shard dir"), storage.ErrStorage)
	}

	w, err := s.begin(base, log)
	if err != nil {
		return 0, err
	}
	if w == nil {
		return storage.PutAlreadyWriting, nil
	}

	// A writer may have closed the blob between our check and the marker.
	if _, _, ok, err := s.closedPath(base); err != nil || ok {
		w.abort()
		if err != nil {
			return 0, err
		}
		return storage.PutAlreadyExists, nil
	}

	if err := s.fill(ctx, w.tmp, f); err != nil {
		w.abort()
		return 0, err
	}
	res, err := w.commit()
	if err != nil {
		return 0, err
	}
	if res == storage.PutWritten {
		log.Debug("dependency stored", zap.Stringer("compression", s.compression))
	}
	return res, nil
}

// pendingWrite is one writer's claim on a blob. The marker is only the
// OPEN signal; content goes to a temp file private to this writer and is
// linked into place on commit, so a writer whose marker was reclaimed can
// never publish another writer's partial data.
type pendingWrite struct {
	marker     string
	markerInfo os.FileInfo
	tmp        *os.File
	final      string
}

// begin claims base for writing. It returns nil, nil when a live writer
// already holds the marker.
func (s *Storage) begin(base string, log *zap.Logger) (*pendingWrite, error) {
	marker := base + inProgressSuffix
	info, err := s.acquire(marker, log)
	if err != nil || info == nil {
		return nil, err
	}
	w := &pendingWrite{
		marker:     marker,
		markerInfo: info,
		final:      base + s.compression.suffix(),
	}
	w.tmp, err = os.CreateTemp(filepath.Dir(base), tempName(base))
	if err != nil {
		w.release()
		return nil, errors.Mark(errors.Wrap(err, "create temp blob"), storage.ErrStorage)
	}
	return w, nil
}

// commit publishes the temp file as the closed blob. Linking fails if the
// blob already exists, in which case another writer won.
func (w *pendingWrite) commit() (storage.PutResult, error) {
	defer w.release()
	tmp := w.tmp.Name()
	defer os.Remove(tmp) //nolint:errcheck // best effort
	if err := w.tmp.Close(); err != nil {
		return 0, errors.Mark(errors.Wrap(err, "close blob"), storage.ErrStorage)
	}
	if err := os.Link(tmp, w.final); err != nil {
		if errors.Is(err, os.ErrExist) {
			return storage.PutAlreadyExists, nil
		}
		return 0, errors.Mark(errors.Wrapf(err, "commit %s", w.final), storage.ErrStorage)
	}
	return storage.PutWritten, nil
}

func (w *pendingWrite) abort() {
	_ = w.tmp.Close()
	_ = os.Remove(w.tmp.Name())
	w.release()
}

// release removes the marker unless another writer has since reclaimed
// and recreated it.
func (w *pendingWrite) release() {
	info, err := os.Stat(w.marker)
	if err != nil || !os.SameFile(info, w.markerInfo) {
		return
	}
	_ = os.Remove(w.marker)
}

func tempName(base string) string {
	return "." + filepath.Base(base) + tempSuffixPattern
}

// acquire creates marker exclusively and returns its identity. It returns
// nil, nil when a live writer already holds it.
func (s *Storage) acquire(marker string, log *zap.Logger) (os.FileInfo, error) {
	for range 2 {
		out, err := os.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, defaultFilePerm) //nolint:gosec // path is derived from hash
		if err == nil {
			info, err := out.Stat()
			out.Close()
			if err != nil {
				_ = os.Remove(marker)
				return nil, errors.Mark(errors.Wrapf(err, "stat %s", marker), storage.ErrStorage)
			}
			return info, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, errors.Mark(errors.Wrapf(err, "create %s", marker), storage.ErrStorage)
		}
		exists, stale, err := s.markerState(marker)
		if err != nil {
			return nil, err
		}
		if exists && !stale {
			return nil, nil
		}
		if stale {
			log.Warn("reclaiming abandoned in-progress write", zap.String("marker", marker))
			if err := os.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, errors.Mark(errors.Wrapf(err, "remove %s", marker), storage.ErrStorage)
			}
			s.sweepTemps(strings.TrimSuffix(marker, inProgressSuffix), log)
		}
	}
	return nil, nil
}

// sweepTemps removes temp files for base that have not been written to
// within the stale timeout. Live writers keep touching theirs.
func (s *Storage) sweepTemps(base string, log *zap.Logger) {
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(base), tempName(base)))
	if err != nil {
		return
	}
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || time.Since(info.ModTime()) <= s.staleAfter {
			continue
		}
		if err := os.Remove(m); err == nil {
			log.Debug("removed abandoned temp blob", zap.String("path", m))
		}
	}
}

// fill copies f's content into out, verifying the SHA-1 as it streams.
func (s *Storage) fill(ctx context.Context, out *os.File, f dependency.File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(f.Path)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "open %s", f.Path), storage.ErrStorage)
	}
	defer src.Close()

	hr := fileops.NewHashingReader(src, sha1.New()) //nolint:gosec // content address
	if err := s.compression.compressTo(out, hr); err != nil {
		return errors.Mark(errors.Wrapf(err, "copy %s", f.Path), storage.ErrStorage)
	}
	if got := hr.HexSum(); got != f.Key() {
		return errors.Wrapf(fileops.ErrHashMismatch, "%s: got %s, want %s", f.Path, got, f.Key())
	}
	if err := out.Sync(); err != nil {
		return errors.Mark(errors.Wrap(err, "sync blob"), storage.ErrStorage)
	}
	return nil
}

func projectKey(meta storage.ProjectMetadata, dgst digest.Digest) string {
	id := strconv.Itoa(meta.ProjectID)
	return filepath.ToSlash(filepath.Join(id, id+"-"+dgst.Encoded()+projectSuffix))
}

func (s *Storage) projectPath(key string) (string, error) {
	p := filepath.FromSlash(key)
	if !filepath.IsLocal(p) || filepath.Ext(p) != projectSuffix {
		return "", errors.Wrapf(storage.ErrNotFound, "invalid project key %q", key)
	}
	return filepath.Join(s.dir, p), nil
}

// PutProject implements storage.Storage. Archives are stored as
// <projectID>/<projectID>-<sha256 hex>.zip.
func (s *Storage) PutProject(_ context.Context, meta storage.ProjectMetadata, archivePath string) (string, error) {
	src, err := os.Open(archivePath) //nolint:gosec // caller controls path
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "open %s", archivePath), storage.ErrStorage)
	}
	defer src.Close()

	dgst, err := digest.SHA256.FromReader(src)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "hash %s", archivePath), storage.ErrStorage)
	}
	key := projectKey(meta, dgst)
	dst := filepath.Join(s.dir, filepath.FromSlash(key))
	if _, err := os.Stat(dst); err == nil {
		s.log.Info("project archive already stored", zap.String("key", key))
		return key, nil
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return "", errors.Mark(errors.Wrap(err, "rewind archive"), storage.ErrStorage)
	}
	if err := os.MkdirAll(filepath.Dir(dst), s.dirPerm); err != nil {
		return "", errors.Mark(errors.Wrap(err, "create project dir"), storage.ErrStorage)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), projectTempPattern)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "create temp archive"), storage.ErrStorage)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", errors.Mark(errors.Wrap(err, "copy archive"), storage.ErrStorage)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", errors.Mark(errors.Wrap(err, "close archive"), storage.ErrStorage)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return "", errors.Mark(errors.Wrap(err, "commit archive"), storage.ErrStorage)
	}
	s.log.Info("project archive stored",
		zap.Int("project_id", meta.ProjectID),
		zap.Int("version", meta.Version),
		zap.String("key", key))
	return key, nil
}

// GetProject implements storage.Storage.
func (s *Storage) GetProject(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.projectPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) //nolint:gosec // key validated as local
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(storage.ErrNotFound, "project %s", key)
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "open %s", p), storage.ErrStorage)
	}
	return f, nil
}

// DeleteProject implements storage.Storage.
func (s *Storage) DeleteProject(_ context.Context, key string) (bool, error) {
	p, err := s.projectPath(key)
	if err != nil {
		return false, err
	}
	err = os.Remove(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Mark(errors.Wrapf(err, "remove %s", p), storage.ErrStorage)
	}
	return true, nil
}
