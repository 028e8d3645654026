// Package storage defines the content-addressed blob storage contract used
// by the unthinning pipeline.
//
// Dependencies are addressed by their SHA-1 digest alone. Backends expose a
// tri-state status so callers can tell an in-flight write (Open) from a
// durable one (Closed); plain existence is not proof of completeness.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/meigma/unthin/dependency"
)

var (
	// ErrNotFound is returned when a dependency or project is not stored,
	// or not yet closed.
	ErrNotFound = errors.New("storage: not found")

	// ErrStorage marks backend failures.
	ErrStorage = errors.New("storage: backend failure")
)

// PutResult is the outcome of PutDependency. Races with other writers are
// ordinary results, not errors.
type PutResult uint8

const (
	// PutWritten means this call wrote the blob and it is now closed.
	PutWritten PutResult = iota
	// PutAlreadyWriting means another writer holds the blob open.
	PutAlreadyWriting
	// PutAlreadyExists means the blob was already closed.
	PutAlreadyExists
)

// String returns the result name.
func (r PutResult) String() string {
	switch r {
	case PutWritten:
		return "written"
	case PutAlreadyWriting:
		return "already-writing"
	case PutAlreadyExists:
		return "already-exists"
	default:
		return fmt.Sprintf("PutResult(%d)", r)
	}
}

// Status maps the result to the blob status this writer observed after
// its attempt.
func (r PutResult) Status() dependency.FileStatus {
	switch r {
	case PutWritten, PutAlreadyExists:
		return dependency.Closed
	default:
		return dependency.Open
	}
}

// ProjectMetadata identifies an uploaded project archive.
type ProjectMetadata struct {
	ProjectID int
	Version   int
	Uploader  string
}

// Storage is the blob storage capability set.
type Storage interface {
	// PutDependency stores the content of f under f's SHA-1. The content is
	// expected to already match the digest.
	PutDependency(ctx context.Context, f dependency.File) (PutResult, error)

	// DependencyStatus reports whether d is absent, being written, or durable.
	DependencyStatus(ctx context.Context, d dependency.Dependency) (dependency.FileStatus, error)

	// ExistsDependency reports whether d is durably stored.
	ExistsDependency(ctx context.Context, d dependency.Dependency) (bool, error)

	// GetDependency opens d's content. Returns ErrNotFound unless d is closed.
	GetDependency(ctx context.Context, d dependency.Dependency) (io.ReadCloser, error)

	// PutProject stores a project archive and returns its storage key.
	// Storing identical content twice returns the same key.
	PutProject(ctx context.Context, meta ProjectMetadata, archivePath string) (string, error)

	// GetProject opens the project archive stored under key.
	GetProject(ctx context.Context, key string) (io.ReadCloser, error)

	// DeleteProject removes the archive stored under key and reports
	// whether anything was removed.
	DeleteProject(ctx context.Context, key string) (bool, error)
}
