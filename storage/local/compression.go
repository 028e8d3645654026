package local

import (
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how dependency blobs are stored at rest.
type Compression uint8

const (
	// CompressionNone stores blobs verbatim.
	CompressionNone Compression = iota
	// CompressionZstd stores blobs zstd-compressed with a ".zst" suffix.
	CompressionZstd
)

const zstdSuffix = ".zst"

// String returns the configuration name of c.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", c)
	}
}

// ParseCompression parses a configuration value. The empty string means none.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, errors.Newf("unknown compression %q", s)
	}
}

func (c Compression) suffix() string {
	if c == CompressionZstd {
		return zstdSuffix
	}
	return ""
}

// compressTo copies r into w, compressing according to c.
func (c Compression) compressTo(w io.Writer, r io.Reader) error {
	if c != CompressionZstd {
		_, err := io.Copy(w, r)
		return err
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

type zstdReadCloser struct {
	*zstd.Decoder
	f io.Closer
}

func (z *zstdReadCloser) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}

func newZstdReadCloser(rc io.ReadCloser) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(rc, zstd.WithDecoderConcurrency(1))
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &zstdReadCloser{Decoder: dec, f: rc}, nil
}
