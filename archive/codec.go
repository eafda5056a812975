package archive

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies the stream compression wrapped around the tar data.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// CompressionForPath infers the compression from an archive file name.
// Unrecognized suffixes, including ".tar", mean no compression.
func CompressionForPath(name string) Compression {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return CompressionGzip
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return CompressionZstd
	default:
		return CompressionNone
	}
}

// ParseCompression parses a compression name as printed by String.
// "auto" and "" return ok=false so the caller can fall back to the path.
func ParseCompression(s string) (c Compression, ok bool, err error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return CompressionNone, false, nil
	case "none":
		return CompressionNone, true, nil
	case "gzip", "gz":
		return CompressionGzip, true, nil
	case "zstd", "zst":
		return CompressionZstd, true, nil
	default:
		return CompressionNone, false, fmt.Errorf("unknown compression %q", s)
	}
}

// errEmptyStream reports a compressed stream with no bytes at all, which is
// treated as an empty archive.
var errEmptyStream = errors.New("empty stream")

// newDecompressor wraps r according to c. The returned close function
// releases decoder resources and must be called.
func newDecompressor(r io.Reader, c Compression) (io.Reader, func(), error) {
	switch c {
	case CompressionNone:
		return r, func() {}, nil
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil, errEmptyStream
			}
			return nil, nil, fmt.Errorf("%w: gzip: %v", ErrCorruptArchive, err)
		}
		return zr, func() { _ = zr.Close() }, nil //nolint:errcheck // read side
	case CompressionZstd:
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: zstd: %v", ErrCorruptArchive, err)
		}
		return zr, zr.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported compression %d", c)
	}
}

// newCompressor wraps w according to c. Closing the returned writer flushes
// the compressed stream but does not close w.
func newCompressor(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return zw, nil
	default:
		return nil, fmt.Errorf("unsupported compression %d", c)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
