package audit

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// BrokenLink is a record whose previous_hash does not point at the
// checksum of the record stored before it.
type BrokenLink struct {
	EntryID      string `json:"entry_id"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	LineNumber   int    `json:"line_number"`
}

// ChainReport is the outcome of verifying one file. Every anomaly found
// in the file is listed; verification never stops at the first one.
type ChainReport struct {
	Path            string       `json:"path,omitempty"`
	IsValid         bool         `json:"is_valid"`
	TotalEntries    int          `json:"total_entries"`
	VerifiedEntries int          `json:"verified_entries"`
	BrokenChains    []BrokenLink `json:"broken_chains"`
	TamperedEntries []string     `json:"tampered_entries"`
}

func newReport() *ChainReport {
	return &ChainReport{
		IsValid:         true,
		BrokenChains:    []BrokenLink{},
		TamperedEntries: []string{},
	}
}

// Verify checks the chain stored in the file at path. An absent or empty
// file is trivially valid. Integrity problems are reported in the
// ChainReport; only I/O failures are returned as errors.
func Verify(path string) (*ChainReport, error) {
	rc, err := openLog(path)
	if err != nil {
		if os.IsNotExist(err) {
			rep := newReport()
			rep.Path = path
			return rep, nil
		}
		return nil, fmt.Errorf("opening audit file %s: %w", path, err)
	}
	defer rc.Close()

	rep, err := VerifyReader(rc)
	if err != nil {
		return nil, fmt.Errorf("verifying %s: %w", path, err)
	}
	rep.Path = path
	return rep, nil
}

// VerifyReader checks a chain read from r. Line numbers in the report are
// 1-based physical lines of r.
func VerifyReader(r io.Reader) (*ChainReport, error) {
	rep := newReport()

	// prev is the last record that decoded, tampered or not. Links are
	// checked against its stored checksum.
	var prev *Record

	err := scanLines(r, func(lineNo int, line []byte) error {
		if isBlank(line) {
			return nil
		}
		rep.TotalEntries++

		rec, err := Decode(line)
		switch {
		case errors.Is(err, ErrChecksumMismatch):
			rep.IsValid = false
			rep.TamperedEntries = append(rep.TamperedEntries, rec.ID)
		case err != nil:
			rep.IsValid = false
			rep.TamperedEntries = append(rep.TamperedEntries, fmt.Sprintf("Line %d - Invalid", lineNo))
			return nil
		default:
			rep.VerifiedEntries++
		}

		expected := ""
		if prev != nil {
			expected = prev.Checksum
		}
		if rec.PreviousHash != expected {
			rep.IsValid = false
			rep.BrokenChains = append(rep.BrokenChains, BrokenLink{
				EntryID:      rec.ID,
				ExpectedHash: expected,
				ActualHash:   rec.PreviousHash,
				LineNumber:   lineNo,
			})
		}
		prev = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// Format writes a human-readable, itemized version of the report.
func (r *ChainReport) Format(w io.Writer) error {
	status := "VALID"
	if !r.IsValid {
		status = "INVALID"
	}
	if r.Path != "" {
		if _, err := fmt.Fprintf(w, "Audit chain: %s\n", r.Path); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "Status:   %s\nEntries:  %d total, %d verified\n",
		status, r.TotalEntries, r.VerifiedEntries); err != nil {
		return err
	}

	if len(r.TamperedEntries) > 0 {
		fmt.Fprintf(w, "\nTampered entries (%d):\n", len(r.TamperedEntries))
		for _, t := range r.TamperedEntries {
			fmt.Fprintf(w, "  - %s\n", t)
		}
	}
	if len(r.BrokenChains) > 0 {
		fmt.Fprintf(w, "\nBroken chain links (%d):\n", len(r.BrokenChains))
		for _, b := range r.BrokenChains {
			fmt.Fprintf(w, "  - line %d, entry %s\n", b.LineNumber, b.EntryID)
			fmt.Fprintf(w, "      expected previous hash: %s\n", orNone(b.ExpectedHash))
			fmt.Fprintf(w, "      actual previous hash:   %s\n", orNone(b.ActualHash))
		}
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
