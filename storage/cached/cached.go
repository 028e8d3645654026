// Package cached decorates a storage.Storage with an in-process cache of
// dependencies known to be durably stored.
//
// The cache only ever remembers CLOSED blobs and is never authoritative:
// a miss always falls through to the wrapped backend, and an empty cache
// (for example after a restart) is correct, only slower. Concurrent status
// lookups for the same hash are collapsed into one backend call.
package cached

import (
	"context"
	"io"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/unthin/dependency"
	"github.com/meigma/unthin/storage"
)

const defaultTTL = 10 * time.Minute

var closedMarker = []byte{1}

// Storage wraps a backend with an existence cache.
type Storage struct {
	base     storage.Storage
	known    *bigcache.BigCache
	inflight singleflight.Group
	ttl      time.Duration
	log      *zap.Logger
}

var _ storage.Storage = (*Storage)(nil)

// Option configures a Storage.
type Option func(*Storage)

// WithTTL sets how long a CLOSED observation is remembered.
func WithTTL(d time.Duration) Option {
	return func(s *Storage) {
		s.ttl = d
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

// New wraps base. Close releases the cache.
func New(ctx context.Context, base storage.Storage, opts ...Option) (*Storage, error) {
	if base == nil {
		return nil, errors.New("base storage is nil")
	}
	s := &Storage{base: base, ttl: defaultTTL, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.ttl <= 0 {
		return nil, errors.New("existence cache ttl must be > 0")
	}
	cfg := bigcache.DefaultConfig(s.ttl)
	cfg.CleanWindow = s.ttl
	cfg.Verbose = false
	known, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create existence cache")
	}
	s.known = known
	return s, nil
}

// Close releases the cache. It does not close the wrapped backend.
func (s *Storage) Close() error {
	return s.known.Close()
}

// Stats returns cache hit and miss counters.
func (s *Storage) Stats() bigcache.Stats {
	return s.known.Stats()
}

func (s *Storage) isKnown(d dependency.Dependency) bool {
	_, err := s.known.Get(d.Key())
	return err == nil
}

func (s *Storage) remember(d dependency.Dependency) {
	if err := s.known.Set(d.Key(), closedMarker); err != nil {
		s.log.Debug("existence cache set failed", zap.String("sha1", d.Key()), zap.Error(err))
	}
}

// DependencyStatus implements storage.Storage.
func (s *Storage) DependencyStatus(ctx context.Context, d dependency.Dependency) (dependency.FileStatus, error) {
	if s.isKnown(d) {
		return dependency.Closed, nil
	}
	// The shared lookup must not inherit one caller's cancellation.
	lookupCtx := context.WithoutCancel(ctx)
	ch := s.inflight.DoChan(d.Key(), func() (any, error) {
		st, err := s.base.DependencyStatus(lookupCtx, d)
		if err != nil {
			return dependency.NonExistent, err
		}
		if st == dependency.Closed {
			s.remember(d)
		}
		return st, nil
	})
	select {
	case <-ctx.Done():
		return dependency.NonExistent, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return dependency.NonExistent, r.Err
		}
		return r.Val.(dependency.FileStatus), nil
	}
}

// ExistsDependency implements storage.Storage.
func (s *Storage) ExistsDependency(ctx context.Context, d dependency.Dependency) (bool, error) {
	st, err := s.DependencyStatus(ctx, d)
	return st == dependency.Closed, err
}

// PutDependency implements storage.Storage.
func (s *Storage) PutDependency(ctx context.Context, f dependency.File) (storage.PutResult, error) {
	res, err := s.base.PutDependency(ctx, f)
	if err != nil {
		return res, err
	}
	if res.Status() == dependency.Closed {
		s.remember(f.Dependency)
	}
	return res, nil
}

// GetDependency implements storage.Storage.
func (s *Storage) GetDependency(ctx context.Context, d dependency.Dependency) (io.ReadCloser, error) {
	return s.base.GetDependency(ctx, d)
}

// PutProject implements storage.Storage.
func (s *Storage) PutProject(ctx context.Context, meta storage.ProjectMetadata, archivePath string) (string, error) {
	return s.base.PutProject(ctx, meta, archivePath)
}

// GetProject implements storage.Storage.
func (s *Storage) GetProject(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.base.GetProject(ctx, key)
}

// DeleteProject implements storage.Storage.
func (s *Storage) DeleteProject(ctx context.Context, key string) (bool, error) {
	return s.base.DeleteProject(ctx, key)
}
