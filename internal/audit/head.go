package audit

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
)

// headState is the cached chain head of one log file. It is only trusted
// while the file still has the size and modification time recorded here.
type headState struct {
	Checksum        string `json:"checksum"`
	Size            int64  `json:"size"`
	ModTime         int64  `json:"mod_time"`
	TrailingNewline bool   `json:"trailing_newline"`
}

func (h *headState) matches(info os.FileInfo) bool {
	return h.Size == info.Size() && h.ModTime == info.ModTime().UnixNano()
}

// sidecarPath returns where the head of logPath is persisted between runs.
func sidecarPath(logPath string) string {
	return logPath + ".head"
}

func loadSidecar(logPath string) (headState, bool) {
	data, err := os.ReadFile(sidecarPath(logPath))
	if err != nil {
		return headState{}, false
	}
	var h headState
	if err := json.Unmarshal(data, &h); err != nil {
		return headState{}, false
	}
	return h, true
}

// saveSidecar writes the head atomically via a temp file and rename.
func saveSidecar(logPath string, h headState) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshaling chain head: %w", err)
	}
	path := sidecarPath(logPath)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing chain head: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming chain head: %w", err)
	}
	return nil
}

// scanHead reads the whole file and returns the stored checksum of the
// last decodable record. Blank and malformed lines are skipped: finding
// the head is lenient, verification is strict.
func scanHead(path string) (headState, error) {
	f, err := os.Open(path)
	if err != nil {
		return headState{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return headState{}, err
	}

	var h headState
	err = scanLines(f, func(_ int, line []byte) error {
		if isBlank(line) {
			return nil
		}
		if r, err := Parse(line); err == nil {
			h.Checksum = r.Checksum
		}
		return nil
	})
	if err != nil {
		return headState{}, fmt.Errorf("scanning chain head of %s: %w", path, err)
	}

	h.Size = info.Size()
	h.ModTime = info.ModTime().UnixNano()
	h.TrailingNewline = true
	if h.Size > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, h.Size-1); err != nil && err != io.EOF {
			return headState{}, fmt.Errorf("reading tail of %s: %w", path, err)
		}
		h.TrailingNewline = last[0] == '\n'
	}
	return h, nil
}
