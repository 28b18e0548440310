// Package notworkers keeps a history of proxy targets that failed
// verification, in a SQLite database.
//
// Targets are recorded under a normalized key (see target.ProxyTarget.Key)
// together with the raw line or link they came from. Each failure bumps
// the entry's fail count and last-seen time; a later success forgets it.
// Old entries are dropped by age or by keeping only the newest rows.
package notworkers

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// TimeFormat is how timestamps are stored: UTC, second precision, so
// string order matches time order.
const TimeFormat = "2006-01-02T15:04:05Z"

// DefaultPath is the database location used when none is configured.
const DefaultPath = "configs/notworkers.db"

// nowFn is the clock, replaced in tests.
var nowFn = time.Now

const schema = `
CREATE TABLE IF NOT EXISTS notworkers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL UNIQUE,
	raw TEXT NOT NULL,
	first_seen TEXT NOT NULL,
	last_seen TEXT NOT NULL,
	fail_count INTEGER NOT NULL DEFAULT 1,
	source TEXT
);
CREATE INDEX IF NOT EXISTS idx_notworkers_last_seen ON notworkers(last_seen);
`

// ErrNoStore is returned by methods called on a nil Store.
var ErrNoStore = errors.New("notworkers: no store")

// Entry is one recorded target.
type Entry struct {
	Key       string    `json:"key"`
	Raw       string    `json:"raw"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	FailCount int       `json:"fail_count"`
	Source    string    `json:"source,omitempty"`
}

// Stats summarizes the store.
type Stats struct {
	Total        int       `json:"total"`
	MinFirstSeen time.Time `json:"min_first_seen,omitzero"`
	MaxLastSeen  time.Time `json:"max_last_seen,omitzero"`
}

// Store is a SQLite backed failure history. It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path, creating parent
// directories as needed.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("notworkers: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("notworkers: open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection serializes callers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("notworkers: init %s: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) conn() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNoStore
	}
	return s.db, nil
}

// Upsert records a failure of key. A new key starts with a fail count of
// one; an existing key has its raw text and last-seen time replaced and its
// count incremented. An empty source keeps the stored one. An empty key is
// ignored.
func (s *Store) Upsert(ctx context.Context, key, raw, source string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	seen := nowFn().UTC().Format(TimeFormat)
	_, err = db.ExecContext(ctx, `
		INSERT INTO notworkers (key, raw, first_seen, last_seen, fail_count, source)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			raw = excluded.raw,
			last_seen = excluded.last_seen,
			fail_count = notworkers.fail_count + 1,
			source = COALESCE(excluded.source, notworkers.source)`,
		key, raw, seen, seen, nullable(source))
	if err != nil {
		return fmt.Errorf("notworkers: upsert %s: %w", key, err)
	}
	return nil
}

// Contains reports whether key is recorded.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// Get returns the entry for key.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool, error) {
	db, err := s.conn()
	if err != nil {
		return Entry{}, false, err
	}
	if key == "" {
		return Entry{}, false, nil
	}
	row := db.QueryRowContext(ctx, `
		SELECT key, raw, first_seen, last_seen, fail_count, source
		FROM notworkers WHERE key = ? LIMIT 1`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("notworkers: get %s: %w", key, err)
	}
	return e, true, nil
}

// Forget removes key, reporting whether it was present.
func (s *Store) Forget(ctx context.Context, key string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM notworkers WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("notworkers: forget %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Expire deletes entries last seen more than maxAge ago and returns how
// many were removed. A non-positive maxAge removes nothing.
func (s *Store) Expire(ctx context.Context, maxAge time.Duration) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := nowFn().UTC().Add(-maxAge).Format(TimeFormat)
	res, err := db.ExecContext(ctx, `DELETE FROM notworkers WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("notworkers: expire: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Prune keeps the maxRows most recently seen entries and returns how many
// were removed. A non-positive maxRows removes nothing.
func (s *Store) Prune(ctx context.Context, maxRows int) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	if maxRows <= 0 {
		return 0, nil
	}
	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notworkers`).Scan(&total); err != nil {
		return 0, fmt.Errorf("notworkers: prune: %w", err)
	}
	if total <= maxRows {
		return 0, nil
	}
	res, err := db.ExecContext(ctx, `
		DELETE FROM notworkers WHERE id IN (
			SELECT id FROM notworkers ORDER BY last_seen ASC, id ASC LIMIT ?
		)`, total-maxRows)
	if err != nil {
		return 0, fmt.Errorf("notworkers: prune: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Vacuum compacts the database file.
func (s *Store) Vacuum(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `VACUUM`)
	return err
}

// Stats returns the entry count and the oldest first-seen and newest
// last-seen times.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	db, err := s.conn()
	if err != nil {
		return Stats{}, err
	}
	var (
		st       Stats
		minFirst sql.NullString
		maxLast  sql.NullString
	)
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(first_seen), MAX(last_seen) FROM notworkers`).
		Scan(&st.Total, &minFirst, &maxLast)
	if err != nil {
		return Stats{}, fmt.Errorf("notworkers: stats: %w", err)
	}
	if st.MinFirstSeen, err = parseTime(minFirst); err != nil {
		return Stats{}, err
	}
	if st.MaxLastSeen, err = parseTime(maxLast); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// ExportFlat writes the raw text of every entry, one per line, ordered by
// key, and returns the number written.
func (s *Store) ExportFlat(ctx context.Context, w io.Writer) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	rows, err := db.QueryContext(ctx, `SELECT raw FROM notworkers ORDER BY key`)
	if err != nil {
		return 0, fmt.Errorf("notworkers: export: %w", err)
	}
	defer rows.Close()

	bw := bufio.NewWriter(w)
	count := 0
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return count, err
		}
		if !strings.HasSuffix(raw, "\n") {
			raw += "\n"
		}
		if _, err := bw.WriteString(raw); err != nil {
			return count, err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, err
	}
	return count, bw.Flush()
}

// ImportFlat records every non-blank, non-comment line of r, keyed by
// keyFn. Lines keyFn rejects are skipped. It returns how many keys were new
// and how many already existed.
func (s *Store) ImportFlat(ctx context.Context, r io.Reader, source string, keyFn func(line string) (string, error)) (inserted, updated int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, kerr := keyFn(line)
		if kerr != nil || key == "" {
			continue
		}
		exists, err := s.Contains(ctx, key)
		if err != nil {
			return inserted, updated, err
		}
		if err := s.Upsert(ctx, key, line, source); err != nil {
			return inserted, updated, err
		}
		if exists {
			updated++
		} else {
			inserted++
		}
	}
	return inserted, updated, sc.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e           Entry
		first, last string
		source      sql.NullString
	)
	if err := row.Scan(&e.Key, &e.Raw, &first, &last, &e.FailCount, &source); err != nil {
		return Entry{}, err
	}
	var err error
	if e.FirstSeen, err = time.Parse(TimeFormat, first); err != nil {
		return Entry{}, err
	}
	if e.LastSeen, err = time.Parse(TimeFormat, last); err != nil {
		return Entry{}, err
	}
	e.Source = source.String
	return e, nil
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimeFormat, s.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("notworkers: bad timestamp %q: %w", s.String, err)
	}
	return t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
