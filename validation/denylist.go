package validation

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"
)

// DenylistName is the report name of the Denylist validator.
const DenylistName = "denylist"

// Denylist removes or rejects files by glob pattern. Patterns use
// path.Match syntax and are tried against both the slash separated project
// relative path and the base name.
type Denylist struct {
	remove []string
	reject []string
	log    *zap.Logger
}

var _ Validator = (*Denylist)(nil)

// NewDenylist creates a Denylist. Files matching remove are deleted and
// reported as removed; files matching reject fail validation.
func NewDenylist(remove, reject []string, log *zap.Logger) (*Denylist, error) {
	for _, p := range append(append([]string(nil), remove...), reject...) {
		if _, err := path.Match(p, ""); err != nil {
			return nil, errors.Wrapf(err, "pattern %q", p)
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Denylist{remove: remove, reject: reject, log: log}, nil
}

// Name implements Validator.
func (d *Denylist) Name() string { return DenylistName }

// Fingerprint implements Validator.
func (d *Denylist) Fingerprint() string {
	return digest.FromString("remove\x00" + strings.Join(d.remove, "\x00") +
		"\nreject\x00" + strings.Join(d.reject, "\x00")).Encoded()
}

func matchAny(patterns []string, rel string) bool {
	base := path.Base(rel)
	for _, p := range patterns {
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
		if ok, _ := path.Match(p, base); ok {
			return true
		}
	}
	return false
}

// Validate implements Validator.
func (d *Denylist) Validate(ctx context.Context, project Project, dir string, _ map[string]string) (*Report, error) {
	b := NewReportBuilder()
	err := filepath.WalkDir(dir, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		switch {
		case matchAny(d.reject, rel):
			b.Error("%s is not allowed", rel)
		case matchAny(d.remove, rel):
			if err := os.Remove(p); err != nil {
				return errors.Wrapf(err, "remove %s", rel)
			}
			d.log.Info("removed denylisted file", zap.String("project", project.Name), zap.String("file", rel))
			b.Warn("%s was removed", rel).Removed(p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", dir)
	}
	return b.Build(), nil
}
