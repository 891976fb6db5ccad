package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/oxiqms/oxiqms/internal/audit"
)

// ErrCompressionUnsupported is returned by compressors that do nothing.
// Cleanup skips such files without reporting an error.
var ErrCompressionUnsupported = errors.New("archive compression not supported")

// Compressor compresses one archive file in place and returns the path
// of the compressed file. The original is removed on success.
type Compressor interface {
	Name() string
	Compress(path string) (string, error)
}

// NewCompressor returns the compressor registered under name. An empty
// name or "none" selects NopCompressor.
func NewCompressor(name string) (Compressor, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return NopCompressor{}, nil
	case "brotli":
		return BrotliCompressor{Quality: brotli.DefaultCompression}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q (use none or brotli)", name)
	}
}

// NopCompressor leaves archives as they are.
type NopCompressor struct{}

func (NopCompressor) Name() string { return "none" }

func (NopCompressor) Compress(string) (string, error) {
	return "", ErrCompressionUnsupported
}

// BrotliCompressor writes <path>.br. Compressed archives stay searchable
// and verifiable; readers decompress them on the fly.
type BrotliCompressor struct {
	Quality int
}

func (BrotliCompressor) Name() string { return "brotli" }

func (c BrotliCompressor) Compress(path string) (string, error) {
	if strings.HasSuffix(path, audit.CompressedExt) {
		return path, nil
	}
	dst := path + audit.CompressedExt
	tmp := dst + ".tmp"

	if err := c.compressTo(path, tmp); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("renaming compressed archive %s: %w", dst, err)
	}
	if err := os.Remove(path); err != nil {
		return dst, fmt.Errorf("removing uncompressed archive %s: %w", path, err)
	}
	return dst, nil
}

func (c BrotliCompressor) compressTo(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer out.Close()

	w := brotli.NewWriterLevel(out, c.Quality)
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("compressing %s: %w", src, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing %s: %w", dst, err)
	}
	return out.Sync()
}
