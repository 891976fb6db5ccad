package audit

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func appendN(t *testing.T, a *Appender, path string, ids ...string) []Record {
	t.Helper()
	var out []Record
	for _, id := range ids {
		r := NewRecord("alice", ActionUpdate, "document", "DOC-1")
		r.ID = id
		if err := a.Append(path, r); err != nil {
			t.Fatalf("Append(%s): %v", id, err)
		}
		out = append(out, *r)
	}
	return out
}

func TestAppender_LinksRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	a := NewAppender()

	recs := appendN(t, a, path, "A", "B", "C")

	if recs[0].PreviousHash != "" {
		t.Errorf("first record should have no previous hash, got %q", recs[0].PreviousHash)
	}
	if recs[1].PreviousHash != recs[0].Checksum {
		t.Error("B should link to A")
	}
	if recs[2].PreviousHash != recs[1].Checksum {
		t.Error("C should link to B")
	}

	head, err := a.Head(path)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != recs[2].Checksum {
		t.Errorf("head = %q, want %q", head, recs[2].Checksum)
	}

	stored, err := ReadRecords(path)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 stored records, got %d", len(stored))
	}
	for i := range stored {
		if stored[i].Checksum != recs[i].Checksum {
			t.Errorf("record %d stored checksum differs from returned one", i)
		}
	}
}

func TestAppender_FillsIDAndTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a := NewAppender()

	r := &Record{ActorID: "alice", Action: ActionRead, EntityType: "document", EntityID: "DOC-1"}
	if err := a.Append(path, r); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if r.ID == "" {
		t.Error("ID should be filled in")
	}
	if r.Timestamp.IsZero() {
		t.Error("timestamp should be filled in")
	}
}

func TestAppender_HeadOfMissingFile(t *testing.T) {
	a := NewAppender()
	head, err := a.Head(filepath.Join(t.TempDir(), "nope.log"))
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != "" {
		t.Errorf("missing file should have empty head, got %q", head)
	}
}

func TestAppender_ResumesFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	first := appendN(t, NewAppender(), path, "A")

	// A fresh appender has an empty cache and must recover the head.
	second := appendN(t, NewAppender(), path, "B")
	if second[0].PreviousHash != first[0].Checksum {
		t.Error("new appender should link to the record written by the old one")
	}

	// Without the sidecar the head comes from a full scan.
	os.Remove(sidecarPath(path))
	third := appendN(t, NewAppender(), path, "C")
	if third[0].PreviousHash != second[0].Checksum {
		t.Error("rescanned head should link to B")
	}

	rep, err := Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !rep.IsValid {
		t.Errorf("chain should be valid: %+v", rep)
	}
}

func TestAppender_StaleSidecarIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a := NewAppender()
	recs := appendN(t, a, path, "A")

	// Another writer appends behind our back; the sidecar no longer
	// matches the file size and must not be trusted.
	other := NewRecord("bob", ActionCreate, "capa", "CAPA-1")
	Seal(other, recs[0].Checksum)
	line, _ := Encode(other)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write(append(line, '\n'))
	f.Close()

	next := appendN(t, NewAppender(), path, "C")
	if next[0].PreviousHash != other.Checksum {
		t.Error("append should link to the externally written record, not the stale sidecar head")
	}
}

func TestAppender_PartialLastLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a := NewAppender()
	recs := appendN(t, a, path, "A")

	// Simulate a crash mid-write.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"id":"half","timest`)
	f.Close()

	next := appendN(t, NewAppender(), path, "B")
	if next[0].PreviousHash != recs[0].Checksum {
		t.Error("partial line must not become the chain head")
	}

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 physical lines, got %d: %q", len(lines), data)
	}
	if _, err := Decode([]byte(lines[2])); err != nil {
		t.Errorf("new record should be on its own line: %v", err)
	}

	rep, err := Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if rep.IsValid {
		t.Error("partial line should make the file invalid")
	}
	if len(rep.TamperedEntries) != 1 || rep.TamperedEntries[0] != "Line 2 - Invalid" {
		t.Errorf("expected the partial line to be reported, got %v", rep.TamperedEntries)
	}
	if len(rep.BrokenChains) != 0 {
		t.Errorf("chain links should be intact around the partial line, got %+v", rep.BrokenChains)
	}
}

func TestAppender_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a := NewAppender()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				r := NewRecord("alice", ActionRead, "document", "DOC-1")
				if err := a.Append(path, r); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	rep, err := Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !rep.IsValid {
		t.Errorf("concurrent appends forked the chain: %d broken links", len(rep.BrokenChains))
	}
	if rep.TotalEntries != writers*perWriter {
		t.Errorf("expected %d records, got %d", writers*perWriter, rep.TotalEntries)
	}
}

func TestAppender_SeparateAppendersSameFile(t *testing.T) {
	// Two appenders stand in for two processes; the file lock keeps
	// their appends serialized.
	path := filepath.Join(t.TempDir(), "audit.log")
	a1, a2 := NewAppender(), NewAppender()

	var wg sync.WaitGroup
	for _, a := range []*Appender{a1, a2} {
		wg.Add(1)
		go func(a *Appender) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := a.Append(path, NewRecord("bob", ActionCreate, "capa", "CAPA-1")); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}(a)
	}
	wg.Wait()

	rep, err := Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !rep.IsValid || rep.TotalEntries != 40 {
		t.Errorf("expected 40 valid records, got valid=%v total=%d", rep.IsValid, rep.TotalEntries)
	}
}

func TestAppender_Invalidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a := NewAppender()
	appendN(t, a, path, "A")

	a.Invalidate(path)
	if _, err := os.Stat(sidecarPath(path)); !os.IsNotExist(err) {
		t.Error("Invalidate should remove the sidecar")
	}

	// Truncate and start a new chain.
	os.WriteFile(path, nil, 0o644)
	recs := appendN(t, a, path, "B")
	if recs[0].PreviousHash != "" {
		t.Errorf("record in emptied file should start a new chain, got %q", recs[0].PreviousHash)
	}
}

func TestMemoryBackend_Links(t *testing.T) {
	m := NewMemoryBackend()
	for i := 0; i < 3; i++ {
		if err := m.Append(NewRecord("alice", ActionRead, "document", "DOC-1")); err != nil {
			t.Fatal(err)
		}
	}
	recs := m.Records()
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	head, _ := m.Head()
	if head != recs[2].Checksum {
		t.Error("head should be the last checksum")
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].PreviousHash != recs[i-1].Checksum {
			t.Errorf("record %d is not linked", i)
		}
	}
}
