package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// DefaultSearchLimit bounds a search when the caller sets no limit.
const DefaultSearchLimit = 100

// ArchiveDateLayout is the date format of daily archive file names.
const ArchiveDateLayout = "2006-01-02"

var archiveNameRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\.log(\.br)?$`)

// Criteria selects records in a search. Zero values mean "no filter".
// ActorID and EntityID accept glob patterns such as "DOC-*".
type Criteria struct {
	ActorID    string
	Action     Action
	EntityType string // case-insensitive
	EntityID   string
	From       time.Time // inclusive
	To         time.Time // inclusive
	Limit      int

	// RequireChecksum drops records whose checksum does not verify.
	RequireChecksum bool
}

func (c Criteria) limit() int {
	if c.Limit <= 0 {
		return DefaultSearchLimit
	}
	return c.Limit
}

// matcher holds the compiled form of Criteria. Patterns are compiled once
// per search rather than once per record.
type matcher struct {
	c      Criteria
	actor  glob.Glob
	entity glob.Glob
}

func (c Criteria) compile() (*matcher, error) {
	m := &matcher{c: c}
	if c.ActorID != "" {
		g, err := glob.Compile(c.ActorID)
		if err != nil {
			return nil, fmt.Errorf("invalid actor pattern %q: %w", c.ActorID, err)
		}
		m.actor = g
	}
	if c.EntityID != "" {
		g, err := glob.Compile(c.EntityID)
		if err != nil {
			return nil, fmt.Errorf("invalid entity pattern %q: %w", c.EntityID, err)
		}
		m.entity = g
	}
	return m, nil
}

// match reports whether r satisfies every non-empty criterion (AND logic).
func (m *matcher) match(r *Record) bool {
	c := m.c
	if m.actor != nil && !m.actor.Match(r.ActorID) {
		return false
	}
	if c.Action != "" && r.Action != c.Action {
		return false
	}
	if c.EntityType != "" && !strings.EqualFold(c.EntityType, r.EntityType) {
		return false
	}
	if m.entity != nil && !m.entity.Match(r.EntityID) {
		return false
	}
	if !c.From.IsZero() && r.Timestamp.Before(c.From) {
		return false
	}
	if !c.To.IsZero() && r.Timestamp.After(c.To) {
		return false
	}
	if c.RequireChecksum && !VerifyChecksum(r) {
		return false
	}
	return true
}

// Search returns records matching c, newest first, from the live log and
// then every archive in archiveDir from newest to oldest. Scanning stops
// once the limit is reached. Unparseable lines are skipped.
//
// Archives are snapshots of the live chain, so a record is returned at
// most once even if several files hold it.
func Search(liveLog, archiveDir string, c Criteria) ([]Record, error) {
	m, err := c.compile()
	if err != nil {
		return nil, err
	}

	files := []string{liveLog}
	archives, err := ArchiveFiles(archiveDir)
	if err != nil {
		return nil, err
	}
	files = append(files, archives...)

	limit := c.limit()
	seen := make(map[string]struct{})
	var results []Record
	for _, file := range files {
		matches, err := scanMatches(file, m)
		if err != nil {
			return nil, err
		}
		for i := len(matches) - 1; i >= 0; i-- {
			if _, dup := seen[matches[i].ID]; dup {
				continue
			}
			seen[matches[i].ID] = struct{}{}
			results = append(results, matches[i])
			if len(results) >= limit {
				return results, nil
			}
		}
	}
	return results, nil
}

// scanMatches returns matching records of one file in file order.
func scanMatches(path string, m *matcher) ([]Record, error) {
	rc, err := openLog(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit file %s: %w", path, err)
	}
	defer rc.Close()

	var out []Record
	err = scanLines(rc, func(_ int, line []byte) error {
		if isBlank(line) {
			return nil
		}
		r, err := Parse(line)
		if err != nil {
			return nil
		}
		if m.match(&r) {
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", path, err)
	}
	return out, nil
}

// ArchiveFiles lists the daily archives in dir, newest date first. Files
// not named <YYYY-MM-DD>.log or <YYYY-MM-DD>.log.br are ignored. A
// missing directory has no archives.
func ArchiveFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing archives in %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !archiveNameRe.MatchString(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	// Names start with the date, so lexical order is chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	files := make([]string, len(names))
	for i, n := range names {
		files[i] = filepath.Join(dir, n)
	}
	return files, nil
}

// ArchiveDate extracts the date from an archive file name.
func ArchiveDate(name string) (time.Time, bool) {
	m := archiveNameRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse(ArchiveDateLayout, m[1])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
