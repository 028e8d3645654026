// Package oci implements storage.Storage on an OCI registry using ORAS.
//
// Each dependency is pushed as a single-layer artifact tagged
// "sha1-<hex>", and each project archive as an artifact tagged
// "project-<id>-<sha256 hex>". A tag only resolves after its manifest and
// layer are fully pushed, so the backend never reports OPEN: a blob is
// either CLOSED or NON_EXISTENT.
package oci

import (
	"context"
	"crypto/sha1" //nolint:gosec // content address
	"encoding/json"
	"io"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"

	"github.com/meigma/unthin/dependency"
	"github.com/meigma/unthin/internal/fileops"
	"github.com/meigma/unthin/storage"
)

// Media types used for stored artifacts.
const (
	ArtifactTypeDependency = "application/vnd.meigma.unthin.dependency.v1"
	ArtifactTypeProject    = "application/vnd.meigma.unthin.project.v1"
	MediaTypeDependency    = "application/vnd.meigma.unthin.dependency.layer.v1"
	MediaTypeProject       = "application/vnd.meigma.unthin.project.layer.v1+zip"
)

// Annotation keys set on stored manifests.
const (
	AnnotationSHA1        = "dev.meigma.unthin.sha1"
	AnnotationCoordinates = "dev.meigma.unthin.coordinates"
	AnnotationProjectID   = "dev.meigma.unthin.project.id"
	AnnotationVersion     = "dev.meigma.unthin.project.version"
	AnnotationUploader    = "dev.meigma.unthin.project.uploader"
)

// epoch pins the created annotation so identical content packs to an
// identical manifest digest across writers.
const epoch = "1970-01-01T00:00:00Z"

const maxManifestSize = 4 << 20

// Storage stores blobs in an oras.Target.
type Storage struct {
	target oras.Target
	log    *zap.Logger
}

var _ storage.Storage = (*Storage)(nil)

// Option configures a Storage.
type Option func(*Storage)

// WithLogger sets the logger. Nil disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(s *Storage) {
		if l == nil {
			l = zap.NewNop()
		}
		s.log = l
	}
}

// New creates a Storage over target, typically a remote repository or an
// in-memory store.
func New(target oras.Target, opts ...Option) (*Storage, error) {
	if target == nil {
		return nil, errors.New("oci target is nil")
	}
	s := &Storage{target: target, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func dependencyTag(d dependency.Dependency) (string, error) {
	if !dependency.ValidSHA1(d.SHA1) {
		return "", errors.Wrapf(dependency.ErrInvalid, "sha1 %q", d.SHA1)
	}
	return "sha1-" + d.Key(), nil
}

// mapError classifies ORAS errors.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return errors.Wrapf(storage.ErrNotFound, "%s: %v", what, err)
	}
	return errors.Mark(errors.Wrap(err, what), storage.ErrStorage)
}

// DependencyStatus implements storage.Storage.
func (s *Storage) DependencyStatus(ctx context.Context, d dependency.Dependency) (dependency.FileStatus, error) {
	tag, err := dependencyTag(d)
	if err != nil {
		return dependency.NonExistent, err
	}
	_, err = s.target.Resolve(ctx, tag)
	switch {
	case err == nil:
		return dependency.Closed, nil
	case errors.Is(err, errdef.ErrNotFound):
		return dependency.NonExistent, nil
	default:
		return dependency.NonExistent, mapError(err, "resolve "+tag)
	}
}

// ExistsDependency implements storage.Storage.
func (s *Storage) ExistsDependency(ctx context.Context, d dependency.Dependency) (bool, error) {
	st, err := s.DependencyStatus(ctx, d)
	return st == dependency.Closed, err
}

// GetDependency implements storage.Storage.
func (s *Storage) GetDependency(ctx context.Context, d dependency.Dependency) (io.ReadCloser, error) {
	tag, err := dependencyTag(d)
	if err != nil {
		return nil, err
	}
	return s.fetchLayer(ctx, tag)
}

// PutDependency implements storage.Storage.
func (s *Storage) PutDependency(ctx context.Context, f dependency.File) (storage.PutResult, error) {
	tag, err := dependencyTag(f.Dependency)
	if err != nil {
		return 0, err
	}
	st, err := s.DependencyStatus(ctx, f.Dependency)
	if err != nil {
		return 0, err
	}
	if st == dependency.Closed {
		return storage.PutAlreadyExists, nil
	}

	layer, err := s.pushFile(ctx, f.Path, MediaTypeDependency, f.Key())
	if err != nil {
		return 0, err
	}
	layer.Annotations = map[string]string{ocispec.AnnotationTitle: f.FileName}

	annotations := map[string]string{
		ocispec.AnnotationCreated: epoch,
		AnnotationSHA1:            f.Key(),
		AnnotationCoordinates:     f.IvyCoordinates,
	}
	if err := s.packAndTag(ctx, ArtifactTypeDependency, layer, annotations, tag); err != nil {
		return 0, err
	}
	s.log.Debug("dependency pushed",
		zap.String("sha1", f.Key()),
		zap.String("tag", tag),
		zap.Stringer("layer", layer.Digest))
	return storage.PutWritten, nil
}

// pushFile pushes the file at path as a blob. When wantSHA1 is set the
// file's SHA-1 must match it.
func (s *Storage) pushFile(ctx context.Context, path, mediaType, wantSHA1 string) (ocispec.Descriptor, error) {
	fh, err := os.Open(path) //nolint:gosec // caller controls path
	if err != nil {
		return ocispec.Descriptor{}, errors.Mark(errors.Wrapf(err, "open %s", path), storage.ErrStorage)
	}
	defer fh.Close()

	hr := fileops.NewHashingReader(fh, sha1.New()) //nolint:gosec // content address
	counter := &countingReader{r: hr}
	dgst, err := digest.SHA256.FromReader(counter)
	if err != nil {
		return ocispec.Descriptor{}, errors.Mark(errors.Wrapf(err, "hash %s", path), storage.ErrStorage)
	}
	if wantSHA1 != "" && hr.HexSum() != wantSHA1 {
		return ocispec.Descriptor{}, errors.Wrapf(fileops.ErrHashMismatch, "%s: got %s, want %s", path, hr.HexSum(), wantSHA1)
	}
	desc := ocispec.Descriptor{MediaType: mediaType, Digest: dgst, Size: counter.n}

	exists, err := s.target.Exists(ctx, desc)
	if err != nil {
		return ocispec.Descriptor{}, mapError(err, "check blob")
	}
	if exists {
		return desc, nil
	}
	if _, err := fh.Seek(0, io.SeekStart); err != nil {
		return ocispec.Descriptor{}, errors.Mark(errors.Wrap(err, "rewind"), storage.ErrStorage)
	}
	if err := s.target.Push(ctx, desc, fh); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return ocispec.Descriptor{}, mapError(err, "push blob")
	}
	return desc, nil
}

func (s *Storage) packAndTag(ctx context.Context, artifactType string, layer ocispec.Descriptor, annotations map[string]string, tag string) error {
	manifest, err := oras.PackManifest(ctx, s.target, oras.PackManifestVersion1_1, artifactType, oras.PackManifestOptions{
		Layers:              []ocispec.Descriptor{layer},
		ManifestAnnotations: annotations,
	})
	if err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return mapError(err, "pack manifest")
	}
	if err := s.target.Tag(ctx, manifest, tag); err != nil {
		return mapError(err, "tag "+tag)
	}
	return nil
}

// fetchLayer resolves ref and opens the single layer of its manifest.
func (s *Storage) fetchLayer(ctx context.Context, ref string) (io.ReadCloser, error) {
	desc, err := s.target.Resolve(ctx, ref)
	if err != nil {
		return nil, mapError(err, "resolve "+ref)
	}
	raw, err := content.FetchAll(ctx, s.target, desc)
	if err != nil {
		return nil, mapError(err, "fetch manifest "+ref)
	}
	if len(raw) > maxManifestSize {
		return nil, errors.Wrapf(storage.ErrStorage, "manifest %s exceeds %d bytes", ref, maxManifestSize)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "decode manifest %s", ref), storage.ErrStorage)
	}
	if len(manifest.Layers) != 1 {
		return nil, errors.Wrapf(storage.ErrStorage, "manifest %s has %d layers, want 1", ref, len(manifest.Layers))
	}
	rc, err := s.target.Fetch(ctx, manifest.Layers[0])
	if err != nil {
		return nil, mapError(err, "fetch layer "+ref)
	}
	return rc, nil
}

// PutProject implements storage.Storage. The returned key is the tag.
func (s *Storage) PutProject(ctx context.Context, meta storage.ProjectMetadata, archivePath string) (string, error) {
	layer, err := s.pushFile(ctx, archivePath, MediaTypeProject, "")
	if err != nil {
		return "", err
	}
	id := strconv.Itoa(meta.ProjectID)
	key := "project-" + id + "-" + layer.Digest.Encoded()
	if _, err := s.target.Resolve(ctx, key); err == nil {
		return key, nil
	}
	annotations := map[string]string{
		ocispec.AnnotationCreated: epoch,
		AnnotationProjectID:       id,
		AnnotationVersion:         strconv.Itoa(meta.Version),
		AnnotationUploader:        meta.Uploader,
	}
	if err := s.packAndTag(ctx, ArtifactTypeProject, layer, annotations, key); err != nil {
		return "", err
	}
	s.log.Info("project archive pushed", zap.Int("project_id", meta.ProjectID), zap.String("key", key))
	return key, nil
}

// GetProject implements storage.Storage.
func (s *Storage) GetProject(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.fetchLayer(ctx, key)
}

// DeleteProject implements storage.Storage. The target must support
// deletion.
func (s *Storage) DeleteProject(ctx context.Context, key string) (bool, error) {
	desc, err := s.target.Resolve(ctx, key)
	if errors.Is(err, errdef.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err, "resolve "+key)
	}
	deleter, ok := s.target.(content.Deleter)
	if !ok {
		return false, errors.Wrap(storage.ErrStorage, "target does not support deletion")
	}
	if err := deleter.Delete(ctx, desc); err != nil {
		if errors.Is(err, errdef.ErrNotFound) {
			return false, nil
		}
		return false, mapError(err, "delete "+key)
	}
	return true, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
