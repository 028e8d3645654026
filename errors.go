package unthin

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/meigma/unthin/download"
	"github.com/meigma/unthin/manifest"
	"github.com/meigma/unthin/storage"
)

// Errors re-exported from subpackages.
var (
	// ErrManifest is returned when the manifest cannot be read or parsed.
	ErrManifest = manifest.ErrParse

	// ErrTransport is returned when a download fails after all attempts.
	ErrTransport = download.ErrTransport

	// ErrHashMismatch is returned when downloaded content never matched
	// the manifest's SHA-1.
	ErrHashMismatch = download.ErrHashMismatch

	// ErrStorage is returned when blob storage fails.
	ErrStorage = storage.ErrStorage

	// ErrNotFound is returned when a dependency is not in blob storage.
	ErrNotFound = storage.ErrNotFound
)

var (
	// ErrCacheQuery is returned when validation statuses cannot be read.
	ErrCacheQuery = errors.New("unthin: validation status query failed")

	// ErrCacheUpdate is returned when validation statuses cannot be recorded.
	ErrCacheUpdate = errors.New("unthin: validation status update failed")

	// ErrValidator is returned when the validator fails to run. A project
	// the validator rejects is not an error.
	ErrValidator = errors.New("unthin: validator failed")

	// ErrRewrite is returned when the manifest cannot be rewritten.
	ErrRewrite = errors.New("unthin: manifest rewrite failed")
)

// Stage names the pipeline step an UploadError came from.
type Stage string

// Pipeline stages.
const (
	StageManifest Stage = "read manifest"
	StageCacheKey Stage = "compute validation key"
	StageStatuses Stage = "query validation statuses"
	StageDownload Stage = "download dependencies"
	StageValidate Stage = "validate project"
	StagePersist  Stage = "persist dependencies"
	StageUpdate   Stage = "update validation statuses"
	StageRewrite  Stage = "rewrite manifest"
	StageRestore  Stage = "restore dependencies"
)

// UploadError is returned for every fatal pipeline failure. It unwraps to
// the classified cause, so errors.Is works against the package sentinels.
type UploadError struct {
	Project string
	Stage   Stage
	Err     error
}

// Error implements error.
func (e *UploadError) Error() string {
	return fmt.Sprintf("unthin %s: %s: %v", e.Project, e.Stage, e.Err)
}

// Unwrap returns the cause.
func (e *UploadError) Unwrap() error {
	return e.Err
}
