package fileops

import (
	"crypto/sha1" //nolint:gosec // test vectors
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloSHA1 = "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f.jar")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestHashingReader(t *testing.T) {
	t.Parallel()

	hr := NewHashingReader(strings.NewReader("hello"), sha1.New()) //nolint:gosec // test
	buf := make([]byte, 2)
	for {
		_, err := hr.Read(buf)
		if err != nil {
			break
		}
	}
	assert.Equal(t, helloSHA1, hr.HexSum())
}

func TestSHA1File(t *testing.T) {
	t.Parallel()

	got, err := SHA1File(writeFile(t, "hello"))
	require.NoError(t, err)
	assert.Equal(t, helloSHA1, got)
}

func TestVerifySHA1(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "hello")
	require.NoError(t, VerifySHA1(path, helloSHA1))
	require.NoError(t, VerifySHA1(path, strings.ToUpper(helloSHA1)))

	err := VerifySHA1(path, "131bd316a77423e6b80d93262b576c139c72b4c3")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHashMismatch))
}

func TestVerifySHA1MissingFile(t *testing.T) {
	t.Parallel()

	err := VerifySHA1(filepath.Join(t.TempDir(), "missing"), helloSHA1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrHashMismatch))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
