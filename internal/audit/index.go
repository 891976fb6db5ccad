package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/glebarez/go-sqlite"
)

// indexTimeLayout is fixed-width so timestamps compare correctly as text.
const indexTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Index is a sqlite projection of the live log for fast searches. The
// JSONL file is the source of truth; the index can always be rebuilt
// from it and is never consulted by verification.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) the index database at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	// rowid preserves append order; the raw line lets search re-check
	// checksums and return records exactly as stored.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			id          TEXT NOT NULL UNIQUE,
			ts          TEXT NOT NULL,
			actor_id    TEXT NOT NULL DEFAULT '',
			action      TEXT NOT NULL DEFAULT '',
			entity_type TEXT NOT NULL DEFAULT '',
			entity_id   TEXT NOT NULL DEFAULT '',
			line        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_actor ON records(actor_id);
		CREATE INDEX IF NOT EXISTS idx_action ON records(action);
		CREATE INDEX IF NOT EXISTS idx_entity ON records(entity_type, entity_id);
		CREATE INDEX IF NOT EXISTS idx_ts ON records(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	return &Index{db: db}, nil
}

const insertSQL = `INSERT OR IGNORE INTO records (id, ts, actor_id, action, entity_type, entity_id, line)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// Insert adds r to the index. Records already present are ignored.
func (idx *Index) Insert(r *Record) error {
	return insert(idx.db, r)
}

func insert(db execer, r *Record) error {
	line, err := Encode(r)
	if err != nil {
		return err
	}
	_, err = db.Exec(insertSQL,
		r.ID, r.Timestamp.UTC().Format(indexTimeLayout), r.ActorID, string(r.Action),
		r.EntityType, r.EntityID, string(line),
	)
	if err != nil {
		return fmt.Errorf("indexing record %s: %w", r.ID, err)
	}
	return nil
}

// Count returns the number of indexed records.
func (idx *Index) Count() (int, error) {
	var n int
	if err := idx.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting indexed records: %w", err)
	}
	return n, nil
}

func (idx *Index) indexedIDs() (map[string]bool, error) {
	rows, err := idx.db.Query("SELECT id FROM records")
	if err != nil {
		return nil, fmt.Errorf("listing indexed records: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning indexed id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// Sync reconciles the index with the live log by record ID and returns
// the number of records inserted.
//
// When the index holds exactly a prefix of the log, the missing tail is
// appended. Any other shape (a record of another writer missing between
// indexed ones, or indexed records no longer in the log) rebuilds the
// index in log order, so rowid order always matches file order.
func (idx *Index) Sync(liveLog string) (int, error) {
	records, err := ReadRecords(liveLog)
	if err != nil {
		return 0, err
	}
	indexed, err := idx.indexedIDs()
	if err != nil {
		return 0, err
	}

	first := len(records)
	for i := range records {
		if !indexed[records[i].ID] {
			first = i
			break
		}
	}
	prefix := len(indexed) == first
	for i := first; prefix && i < len(records); i++ {
		if indexed[records[i].ID] {
			prefix = false
		}
	}

	tx, err := idx.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("starting index sync: %w", err)
	}
	defer tx.Rollback()

	if !prefix {
		slog.Warn("audit index out of step with live log, rebuilding",
			"indexed", len(indexed), "records", len(records))
		if _, err := tx.Exec("DELETE FROM records"); err != nil {
			return 0, fmt.Errorf("clearing sqlite index: %w", err)
		}
		first = 0
	}

	for i := first; i < len(records); i++ {
		if err := insert(tx, &records[i]); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing index sync: %w", err)
	}
	return len(records) - first, nil
}

// Search answers c from the index, newest first. Exact-match criteria are
// pushed into SQL; patterns, date bounds and checksum checks go through
// the same matcher as the file search so results are identical.
func (idx *Index) Search(c Criteria) ([]Record, error) {
	m, err := c.compile()
	if err != nil {
		return nil, err
	}

	query := "SELECT line FROM records WHERE 1=1"
	var args []any
	if c.Action != "" {
		query += " AND action = ?"
		args = append(args, string(c.Action))
	}
	if c.EntityType != "" {
		query += " AND entity_type = ? COLLATE NOCASE"
		args = append(args, c.EntityType)
	}
	if c.ActorID != "" && !hasGlobMeta(c.ActorID) {
		query += " AND actor_id = ?"
		args = append(args, c.ActorID)
	}
	if c.EntityID != "" && !hasGlobMeta(c.EntityID) {
		query += " AND entity_id = ?"
		args = append(args, c.EntityID)
	}
	if !c.From.IsZero() {
		query += " AND ts >= ?"
		args = append(args, c.From.UTC().Format(indexTimeLayout))
	}
	if !c.To.IsZero() {
		query += " AND ts <= ?"
		args = append(args, c.To.UTC().Format(indexTimeLayout))
	}
	query += " ORDER BY rowid DESC"

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite index: %w", err)
	}
	defer rows.Close()

	limit := c.limit()
	var out []Record
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		r, err := Parse([]byte(line))
		if err != nil || !m.match(&r) {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func hasGlobMeta(s string) bool {
	return strings.ContainsAny(s, `*?[]{}\!`)
}
