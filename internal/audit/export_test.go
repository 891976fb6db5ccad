package audit

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func exportRecords() []Record {
	a := NewRecord("alice", ActionCreate, "document", "DOC-1").WithNewValue(`{"title":"SOP, v1"}`)
	Seal(a, "")
	b := NewRecord("bob", ActionApprove, "document", "DOC-1").WithDetails("approved\nwith note")
	Seal(b, a.Checksum)
	return []Record{*a, *b}
}

func TestExport_JSONL(t *testing.T) {
	recs := exportRecords()
	var buf bytes.Buffer
	if err := Export(&buf, recs, "jsonl"); err != nil {
		t.Fatal(err)
	}

	rep, err := VerifyReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.IsValid || rep.TotalEntries != 2 {
		t.Errorf("exported jsonl should verify as a chain: %+v", rep)
	}
}

func TestExport_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Export(&buf, exportRecords(), "json"); err != nil {
		t.Fatal(err)
	}
	var got []Record
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not a JSON array: %v", err)
	}
	if len(got) != 2 || got[1].ActorID != "bob" {
		t.Errorf("unexpected records: %+v", got)
	}

	buf.Reset()
	Export(&buf, nil, "json")
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty export should be [], got %q", buf.String())
	}
}

func TestExport_CSV(t *testing.T) {
	var buf bytes.Buffer
	if err := Export(&buf, exportRecords(), "csv"); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("invalid csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "id" || rows[0][12] != "checksum" {
		t.Errorf("unexpected header %v", rows[0])
	}
	if rows[1][7] != `{"title":"SOP, v1"}` {
		t.Errorf("new_value not preserved: %q", rows[1][7])
	}
	if rows[2][8] != "approved\nwith note" {
		t.Errorf("details not preserved: %q", rows[2][8])
	}
}

func TestExport_UnknownFormat(t *testing.T) {
	if err := Export(&bytes.Buffer{}, nil, "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
