package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backend persists sealed records. FileBackend is the production chain;
// MemoryBackend keeps records in memory for tests. Both seal records with
// the same Seal logic, so tests exercise the real linking.
type Backend interface {
	Append(rec *Record) error
	Head() (string, error)
}

// FileBackend appends to one log file through a shared Appender.
type FileBackend struct {
	appender *Appender
	path     string
}

func NewFileBackend(appender *Appender, path string) *FileBackend {
	return &FileBackend{appender: appender, path: path}
}

func (b *FileBackend) Append(rec *Record) error {
	return b.appender.Append(b.path, rec)
}

func (b *FileBackend) Head() (string, error) {
	return b.appender.Head(b.path)
}

// Path returns the log file this backend writes to.
func (b *FileBackend) Path() string {
	return b.path
}

// MemoryBackend is an in-memory chain.
type MemoryBackend struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Append(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	Seal(rec, m.headLocked())
	m.records = append(m.records, *rec)
	return nil
}

func (m *MemoryBackend) Head() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headLocked(), nil
}

func (m *MemoryBackend) headLocked() string {
	if len(m.records) == 0 {
		return ""
	}
	return m.records[len(m.records)-1].Checksum
}

// Records returns a copy of every record appended so far.
func (m *MemoryBackend) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}
