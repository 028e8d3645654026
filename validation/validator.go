package validation

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/opencontainers/go-digest"
)

// Project identifies the project being validated.
type Project struct {
	ID      int
	Name    string
	Version int
}

// Validator inspects a project directory.
type Validator interface {
	// Name is the report name. Names must be unique within a Set.
	Name() string
	// Fingerprint identifies the validator's configuration. Changing
	// behavior must change the fingerprint.
	Fingerprint() string
	// Validate inspects dir. Errors are system faults; rejections are
	// reported through the Report.
	Validate(ctx context.Context, project Project, dir string, extra map[string]string) (*Report, error)
}

// ProjectValidator is the contract the pipeline consumes.
type ProjectValidator interface {
	// CacheKey returns the key under which outcomes for this project may be
	// shared. Projects with equal keys must validate identically.
	CacheKey(ctx context.Context, project Project, dir string, extra map[string]string) (string, error)
	// Validate runs every validator and returns reports by name.
	Validate(ctx context.Context, project Project, dir string, extra map[string]string) (map[string]*Report, error)
}

// DefaultBinaryExtensions are excluded from content keys.
var DefaultBinaryExtensions = []string{".jar", ".zip", ".war", ".ear", ".tar", ".gz", ".tgz", ".so", ".class"}

// Set runs a fixed list of validators.
type Set struct {
	validators []Validator
	binaryExts []string
}

var _ ProjectValidator = (*Set)(nil)

// NewSet creates a Set. Validator names must be unique.
func NewSet(validators ...Validator) (*Set, error) {
	seen := make(map[string]bool, len(validators))
	for _, v := range validators {
		if v == nil {
			return nil, errors.New("validator is nil")
		}
		if seen[v.Name()] {
			return nil, errors.Newf("duplicate validator name %q", v.Name())
		}
		seen[v.Name()] = true
	}
	return &Set{validators: slices.Clone(validators), binaryExts: DefaultBinaryExtensions}, nil
}

// Validate implements ProjectValidator. Validators run in order; the first
// system error aborts.
func (s *Set) Validate(ctx context.Context, project Project, dir string, extra map[string]string) (map[string]*Report, error) {
	reports := make(map[string]*Report, len(s.validators))
	for _, v := range s.validators {
		r, err := v.Validate(ctx, project, dir, extra)
		if err != nil {
			return nil, errors.Wrapf(err, "validator %s", v.Name())
		}
		if r == nil {
			r = NewReportBuilder().Build()
		}
		reports[v.Name()] = r
	}
	return reports, nil
}

// CacheKey implements ProjectValidator. The key covers the validator names
// and fingerprints plus ContentKey of dir.
func (s *Set) CacheKey(ctx context.Context, _ Project, dir string, extra map[string]string) (string, error) {
	content, err := ContentKey(ctx, dir, extra, s.binaryExts)
	if err != nil {
		return "", err
	}
	type part struct{ name, fp string }
	parts := make([]part, 0, len(s.validators))
	for _, v := range s.validators {
		parts = append(parts, part{v.Name(), v.Fingerprint()})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].name < parts[j].name })

	d := digest.SHA256.Digester()
	h := d.Hash()
	for _, p := range parts {
		writeField(h, "validator", p.name, p.fp)
	}
	writeField(h, "content", content)
	return d.Digest().Encoded(), nil
}

// ContentKey hashes the non-binary files under dir and the extra
// configuration. Adding, removing or changing files whose extension is in
// binaryExts never changes the key.
func ContentKey(ctx context.Context, dir string, extra map[string]string, binaryExts []string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.Type().IsRegular() || isBinary(p, binaryExts) {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "walk %s", dir)
	}
	sort.Strings(files)

	d := digest.SHA256.Digester()
	h := d.Hash()
	for _, rel := range files {
		fd, err := fileDigest(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return "", err
		}
		writeField(h, "file", rel, fd.Encoded())
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(h, "extra", k, extra[k])
	}
	return d.Digest().Encoded(), nil
}

func fileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path) //nolint:gosec // walked from project dir
	if err != nil {
		return "", errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	d, err := digest.SHA256.FromReader(f)
	return d, errors.Wrapf(err, "hash %s", path)
}

func isBinary(p string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	return slices.Contains(exts, ext)
}

// writeField writes NUL separated fields terminated by a newline.
func writeField(w io.Writer, fields ...string) {
	_, _ = io.WriteString(w, strings.Join(fields, "\x00")+"\n") //nolint:errcheck // hash writes never fail
}
