package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default persistent cache, a single-file SQLite database
// that can be copied alongside the photo collection to another machine.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the cache database and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("cache path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS cache_entries (
			fingerprint TEXT NOT NULL,
			kind        TEXT NOT NULL,
			version     TEXT NOT NULL,
			payload     BLOB NOT NULL,
			checksum    TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			PRIMARY KEY (fingerprint, kind)
		)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Get looks up an entry. Stale versions, unreadable rows and checksum
// mismatches are all reported as misses so they get recomputed and replaced.
func (s *SQLiteStore) Get(ctx context.Context, fp string, kind Kind, version string) (Entry, bool, error) {
	var (
		entry       Entry
		checksumHex string
		createdAt   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, kind, version, payload, checksum, created_at
		 FROM cache_entries WHERE fingerprint = ? AND kind = ?`,
		fp, string(kind),
	).Scan(&entry.Fingerprint, (*string)(&entry.Kind), &entry.Version, &entry.Payload, &checksumHex, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		// Unreadable row is a miss, not a failure of the run.
		return Entry{}, false, nil
	}

	if entry.Version != version {
		return Entry{}, false, nil
	}

	checksum, err := strconv.ParseUint(checksumHex, 16, 64)
	if err != nil {
		return Entry{}, false, nil
	}
	entry.Checksum = checksum
	if !entry.Valid() {
		return Entry{}, false, nil
	}

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		entry.CreatedAt = t
	}
	return entry, true, nil
}

// Put stores an entry, replacing any previous row for the same fingerprint
// and kind in one statement. Racing writers for the same fingerprint
// converge on last-write-wins without partial rows.
func (s *SQLiteStore) Put(ctx context.Context, entry Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (fingerprint, kind, version, payload, checksum, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (fingerprint, kind) DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			checksum = excluded.checksum,
			created_at = excluded.created_at`,
		entry.Fingerprint,
		string(entry.Kind),
		entry.Version,
		entry.Payload,
		fmt.Sprintf("%016x", entry.Checksum),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return nil
}

// Prune removes entries older than maxAge and returns how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	return int(n), nil
}

// Count returns the number of stored entries.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_entries").Scan(&count); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return count, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
