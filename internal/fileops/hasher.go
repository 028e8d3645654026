// Package fileops hashes and verifies dependency files.
package fileops

import (
	"crypto/sha1" //nolint:gosec // SHA-1 is the manifest's content address, not a security boundary
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrHashMismatch is returned when file content does not match the expected digest.
var ErrHashMismatch = errors.New("fileops: hash verification failed")

// HashingReader wraps an io.Reader and computes a hash of all data read.
type HashingReader struct {
	r io.Reader
	h hash.Hash
}

// NewHashingReader creates a reader that computes a hash while reading.
func NewHashingReader(r io.Reader, h hash.Hash) *HashingReader {
	return &HashingReader{r: r, h: h}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.h.Write(p[:n]) //nolint:errcheck // hash writes never fail
	}
	return n, err
}

// Sum returns the hash sum computed so far.
func (hr *HashingReader) Sum() []byte {
	return hr.h.Sum(nil)
}

// HexSum returns the lowercase hex encoding of Sum.
func (hr *HashingReader) HexSum() string {
	return hex.EncodeToString(hr.Sum())
}

// HashFile streams the file at path through h and returns the digest.
func HashFile(path string, h hash.Hash) ([]byte, error) {
	f, err := os.Open(path) //nolint:gosec // caller controls path
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	hr := NewHashingReader(f, h)
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return hr.Sum(), nil
}

// SHA1File returns the lowercase hex SHA-1 of the file at path.
func SHA1File(path string) (string, error) {
	sum, err := HashFile(path, sha1.New()) //nolint:gosec // content address
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// VerifySHA1 checks that the file at path hashes to expected. The
// comparison is case-insensitive. A mismatch is reported as ErrHashMismatch.
func VerifySHA1(path, expected string) error {
	got, err := SHA1File(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, expected) {
		return errors.Wrapf(ErrHashMismatch, "%s: got %s, want %s", path, got, strings.ToLower(expected))
	}
	return nil
}
