package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
)

// Export writes records to w in the given format.
// Supported formats: "jsonl" (default), "json", "csv".
func Export(w io.Writer, records []Record, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if records == nil {
			records = []Record{}
		}
		return enc.Encode(records)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{
			"id", "timestamp", "actor_id", "action", "entity_type", "entity_id",
			"old_value", "new_value", "details", "session_id", "ip_address",
			"previous_hash", "checksum",
		}); err != nil {
			return err
		}
		for _, r := range records {
			if err := cw.Write([]string{
				r.ID,
				r.Timestamp.UTC().Format(time.RFC3339Nano),
				r.ActorID,
				string(r.Action),
				r.EntityType,
				r.EntityID,
				r.OldValue,
				r.NewValue,
				r.Details,
				r.SessionID,
				r.IPAddress,
				r.PreviousHash,
				r.Checksum,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		for i := range records {
			line, err := Encode(&records[i])
			if err != nil {
				return err
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}
