package dependency

import (
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDep() Dependency {
	return Dependency{
		FileName:       "a.jar",
		Destination:    "lib",
		Type:           "jar",
		IvyCoordinates: "com.linkedin.test:testera:1.0.1",
		SHA1:           "131BD316A77423E6B80D93262B576C139C72B4C3",
	}
}

func TestDependencyKeyIsLowercaseHash(t *testing.T) {
	t.Parallel()

	d := testDep()
	assert.Equal(t, "131bd316a77423e6b80d93262b576c139c72b4c3", d.Key())

	other := d
	other.FileName = "renamed.jar"
	assert.Equal(t, d.Key(), other.Key())
}

func TestDependencyPaths(t *testing.T) {
	t.Parallel()

	d := testDep()
	assert.Equal(t, "lib/a.jar", d.RelPath())
	assert.Equal(t, filepath.Join("/proj", "lib", "a.jar"), d.LocalPath("/proj"))

	p, err := d.CoordinatePath()
	require.NoError(t, err)
	assert.Equal(t, "com/linkedin/test/testera/1.0.1/a.jar", p)
}

func TestDependencyCoordinatesInvalid(t *testing.T) {
	t.Parallel()

	for _, coords := range []string{"", "a:b", "a:b:c:d", "a::c"} {
		d := testDep()
		d.IvyCoordinates = coords
		_, err := d.CoordinatePath()
		require.Error(t, err, coords)
		assert.True(t, errors.Is(err, ErrInvalid))
	}
}

func TestDependencyValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Dependency)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Dependency) {}},
		{name: "root destination", mutate: func(d *Dependency) { d.Destination = "" }},
		{name: "empty file", mutate: func(d *Dependency) { d.FileName = "" }, wantErr: true},
		{name: "file with slash", mutate: func(d *Dependency) { d.FileName = "x/a.jar" }, wantErr: true},
		{name: "short sha1", mutate: func(d *Dependency) { d.SHA1 = "abc" }, wantErr: true},
		{name: "non hex sha1", mutate: func(d *Dependency) { d.SHA1 = "zz1bd316a77423e6b80d93262b576c139c72b4c3" }, wantErr: true},
		{name: "escaping destination", mutate: func(d *Dependency) { d.Destination = "../outside" }, wantErr: true},
		{name: "absolute destination", mutate: func(d *Dependency) { d.Destination = "/etc" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := testDep()
			tt.mutate(&d)
			err := d.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalid))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidationStatusCodes(t *testing.T) {
	t.Parallel()

	_, ok := StatusNew.Code()
	assert.False(t, ok)

	for _, s := range []ValidationStatus{StatusValid, StatusRemoved} {
		code, ok := s.Code()
		require.True(t, ok)
		got, err := StatusFromCode(code)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := StatusFromCode(7)
	require.Error(t, err)
}

func TestStatusStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "REMOVED", StatusRemoved.String())
	assert.Equal(t, "OPEN", Open.String())
	assert.Equal(t, "FileStatus(9)", FileStatus(9).String())
}
