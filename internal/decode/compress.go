package decode

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"logferry/internal/failure"
	"logferry/internal/task"
)

type Compression string

const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// DetectCompression looks at the key suffix first, then at the content encoding.
func DetectCompression(obj task.ObjectRef) Compression {
	key := strings.ToLower(obj.Key)
	switch {
	case strings.HasSuffix(key, ".gz"):
		return CompressionGzip
	case strings.HasSuffix(key, ".zst"):
		return CompressionZstd
	}
	switch strings.ToLower(obj.ContentEncoding) {
	case "gzip", "x-gzip":
		return CompressionGzip
	case "zstd":
		return CompressionZstd
	}
	return CompressionNone
}

// StripCompressionSuffix drops .gz / .zst so routing sees the inner name.
func StripCompressionSuffix(key string) string {
	lower := strings.ToLower(key)
	for _, ext := range []string{".gz", ".zst"} {
		if strings.HasSuffix(lower, ext) {
			return key[:len(key)-len(ext)]
		}
	}
	return key
}

// Decompress wraps r according to c. The returned closer releases the
// decompressor only; r is owned by the caller.
func Decompress(r io.Reader, c Compression) (io.Reader, func(), error) {
	switch c {
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, failure.Permanent(fmt.Errorf("gzip: %w", err))
		}
		return zr, func() { _ = zr.Close() }, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, failure.Permanent(fmt.Errorf("zstd: %w", err))
		}
		return zr, zr.Close, nil
	default:
		return r, func() {}, nil
	}
}
