// Package manifest reads and writes the thin archive dependency manifest.
//
// The manifest is a JSON object of the form
//
//	{"dependencies": [{"file": "...", "destination": "...", "type": "...",
//	  "ivyCoordinates": "group:artifact:version", "sha1": "..."}]}
//
// Entry order is preserved across Parse and Encode.
package manifest

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/meigma/unthin/dependency"
)

// ErrParse is returned when a manifest is unreadable or malformed.
var ErrParse = errors.New("manifest: parse failed")

type document struct {
	Dependencies []entry `json:"dependencies"`
}

type entry struct {
	File           string `json:"file"`
	Destination    string `json:"destination"`
	Type           string `json:"type"`
	IvyCoordinates string `json:"ivyCoordinates"`
	SHA1           string `json:"sha1"`
}

// Parse decodes a manifest from r. Every entry is validated and entries
// sharing a SHA-1 are rejected, since dependencies are identified by hash.
func Parse(r io.Reader) ([]dependency.Dependency, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode manifest"), ErrParse)
	}
	if dec.More() {
		return nil, errors.Wrap(ErrParse, "trailing data after manifest object")
	}
	if doc.Dependencies == nil {
		return nil, errors.Wrap(ErrParse, `missing "dependencies"`)
	}

	deps := make([]dependency.Dependency, 0, len(doc.Dependencies))
	seen := make(map[string]int, len(doc.Dependencies))
	paths := make(map[string]int, len(doc.Dependencies))
	for i, e := range doc.Dependencies {
		d := dependency.Dependency{
			FileName:       e.File,
			Destination:    e.Destination,
			Type:           e.Type,
			IvyCoordinates: e.IvyCoordinates,
			SHA1:           e.SHA1,
		}
		if err := d.Validate(); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "dependency %d", i), ErrParse)
		}
		if j, dup := seen[d.Key()]; dup {
			return nil, errors.Wrapf(ErrParse, "dependency %d duplicates sha1 %s of dependency %d", i, d.Key(), j)
		}
		if j, dup := paths[d.RelPath()]; dup {
			return nil, errors.Wrapf(ErrParse, "dependency %d duplicates path %s of dependency %d", i, d.RelPath(), j)
		}
		seen[d.Key()] = i
		paths[d.RelPath()] = i
		deps = append(deps, d)
	}
	return deps, nil
}

// Read parses the manifest file at path.
func Read(path string) ([]dependency.Dependency, error) {
	f, err := os.Open(path) //nolint:gosec // caller controls path
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "open manifest %s", path), ErrParse)
	}
	defer f.Close()
	return Parse(f)
}

// Encode writes deps to w as an indented manifest document.
func Encode(w io.Writer, deps []dependency.Dependency) error {
	doc := document{Dependencies: make([]entry, 0, len(deps))}
	for _, d := range deps {
		doc.Dependencies = append(doc.Dependencies, entry{
			File:           d.FileName,
			Destination:    d.Destination,
			Type:           d.Type,
			IvyCoordinates: d.IvyCoordinates,
			SHA1:           d.SHA1,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return errors.Wrap(enc.Encode(doc), "encode manifest")
}

// Write replaces the manifest at path with deps. The new content is written
// to a temporary file in the same directory and renamed into place.
func Write(path string, deps []dependency.Dependency) error {
	var buf bytes.Buffer
	if err := Encode(&buf, deps); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return errors.Wrap(err, "create temp manifest")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "write temp manifest")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "close temp manifest")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "replace manifest %s", path)
	}
	return nil
}
