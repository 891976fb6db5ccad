package audit

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/andybalholm/brotli"
)

// CompressedExt is the suffix of brotli-compressed archive files.
const CompressedExt = ".br"

// maxLineSize bounds a single record line. Snapshots of large documents
// can be big, so this is well above bufio's default.
const maxLineSize = 16 * 1024 * 1024

// brotliFile closes the underlying file of a decompressing reader.
type brotliFile struct {
	*brotli.Reader
	f *os.File
}

func (b *brotliFile) Close() error {
	return b.f.Close()
}

// openLog opens a live log or archive for reading. Archives ending in
// CompressedExt are decompressed transparently.
func openLog(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, CompressedExt) {
		return &brotliFile{Reader: brotli.NewReader(f), f: f}, nil
	}
	return f, nil
}

// scanLines calls fn for every physical line of r with its 1-based line
// number. The line slice is only valid for the duration of the call.
// Returning an error from fn stops the scan and is passed through.
func scanLines(r io.Reader, fn func(lineNo int, line []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := fn(lineNo, scanner.Bytes()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func isBlank(line []byte) bool {
	return len(bytes.TrimSpace(line)) == 0
}

// ReadRecords returns every decodable record of the file at path in file
// order. Malformed lines are skipped. A missing file yields no records.
func ReadRecords(path string) ([]Record, error) {
	rc, err := openLog(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit file %s: %w", path, err)
	}
	defer rc.Close()

	var records []Record
	err = scanLines(rc, func(lineNo int, line []byte) error {
		if isBlank(line) {
			return nil
		}
		r, err := Parse(line)
		if err != nil {
			slog.Warn("skipping malformed audit line", "file", path, "line", lineNo, "error", err)
			return nil
		}
		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading audit file %s: %w", path, err)
	}
	return records, nil
}

// Tail returns the last n records of the file at path, oldest first.
// n <= 0 returns every record.
func Tail(path string, n int) ([]Record, error) {
	records, err := ReadRecords(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}
