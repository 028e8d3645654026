// Package dependency defines the value types shared by the unthinning
// pipeline: manifest entries, their on-disk files, and the two status
// enumerations tracked by the validation cache and blob storage.
package dependency

import (
	"encoding/hex"
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// SHA1HexLen is the length of a hex encoded SHA-1 digest.
const SHA1HexLen = 40

// ErrInvalid is returned when a dependency descriptor is malformed.
var ErrInvalid = errors.New("dependency: invalid descriptor")

// Dependency describes an external binary listed in a thin archive manifest.
//
// Identity is the SHA-1 digest alone: two dependencies with the same digest
// are interchangeable regardless of file name.
type Dependency struct {
	FileName       string
	Destination    string
	Type           string
	IvyCoordinates string
	SHA1           string
}

// Key returns the content identity of d, the lowercase hex SHA-1.
func (d Dependency) Key() string {
	return strings.ToLower(d.SHA1)
}

// RelPath returns the project relative path of the dependency's file,
// using forward slashes.
func (d Dependency) RelPath() string {
	return path.Join(d.Destination, d.FileName)
}

// LocalPath returns the dependency's file location under projectDir.
func (d Dependency) LocalPath(projectDir string) string {
	return filepath.Join(projectDir, filepath.FromSlash(d.RelPath()))
}

// Digest decodes the SHA-1 hex string.
func (d Dependency) Digest() ([]byte, error) {
	b, err := hex.DecodeString(d.SHA1)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "sha1 %q: %v", d.SHA1, err)
	}
	return b, nil
}

// Coordinates splits IvyCoordinates into group, artifact and version.
func (d Dependency) Coordinates() (group, artifact, version string, err error) {
	parts := strings.Split(d.IvyCoordinates, ":")
	if len(parts) != 3 {
		return "", "", "", errors.Wrapf(ErrInvalid, "ivy coordinates %q: want group:artifact:version", d.IvyCoordinates)
	}
	for _, p := range parts {
		if p == "" {
			return "", "", "", errors.Wrapf(ErrInvalid, "ivy coordinates %q: empty component", d.IvyCoordinates)
		}
	}
	return parts[0], parts[1], parts[2], nil
}

// CoordinatePath returns the repository layout path for d:
// group with dots as slashes, then artifact, version and file name.
func (d Dependency) CoordinatePath() (string, error) {
	group, artifact, version, err := d.Coordinates()
	if err != nil {
		return "", err
	}
	return path.Join(strings.ReplaceAll(group, ".", "/"), artifact, version, d.FileName), nil
}

// Validate checks the fields needed to download, verify and place d.
func (d Dependency) Validate() error {
	if d.FileName == "" {
		return errors.Wrap(ErrInvalid, "file is empty")
	}
	if strings.ContainsAny(d.FileName, `/\`) || d.FileName == "." || d.FileName == ".." {
		return errors.Wrapf(ErrInvalid, "file %q is not a plain file name", d.FileName)
	}
	if !ValidSHA1(d.SHA1) {
		return errors.Wrapf(ErrInvalid, "sha1 %q is not %d hex characters", d.SHA1, SHA1HexLen)
	}
	if !localRel(d.Destination) {
		return errors.Wrapf(ErrInvalid, "destination %q escapes the project directory", d.Destination)
	}
	return nil
}

// ValidSHA1 reports whether s is a 40 character hex string of either case.
func ValidSHA1(s string) bool {
	if len(s) != SHA1HexLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func localRel(p string) bool {
	if p == "" || p == "." {
		return true
	}
	if path.IsAbs(p) || strings.Contains(p, `\`) {
		return false
	}
	return filepath.IsLocal(filepath.FromSlash(p))
}

// File pairs a dependency with its local file.
type File struct {
	Dependency
	Path string
}
