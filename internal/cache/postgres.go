package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore is the shared cache backend for teams running one cache for
// several machines. Embedding payloads are additionally stored in a pgvector
// column so the cache itself can answer similarity queries.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to the shared cache and applies pending migrations.
func OpenPostgres(url string) (*PostgresStore, error) {
	if url == "" {
		return nil, errors.New("cache database URL is required")
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres cache: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres cache: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// migrate applies embedded .sql migrations in filename order.
func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate applied migrations: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") && !applied[e.Name()] {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := migrationsFS.ReadFile("migrations/" + file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO schema_migrations (version) VALUES ($1)", file); err != nil {
			return fmt.Errorf("record migration %s: %w", file, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, fp string, kind Kind, version string) (Entry, bool, error) {
	var (
		entry       Entry
		checksumHex string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, kind, version, payload, checksum, created_at
		 FROM cache_entries WHERE fingerprint = $1 AND kind = $2`,
		fp, string(kind),
	).Scan(&entry.Fingerprint, (*string)(&entry.Kind), &entry.Version, &entry.Payload, &checksumHex, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
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
	return entry, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, entry Entry) error {
	var vec any
	if entry.Kind == KindEmbedding {
		if p, err := DecodeEmbedding(entry); err == nil && len(p.Vector) > 0 {
			vec = pgvector.NewVector(p.Vector)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (fingerprint, kind, version, payload, checksum, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (fingerprint, kind) DO UPDATE SET
			version = EXCLUDED.version,
			payload = EXCLUDED.payload,
			checksum = EXCLUDED.checksum,
			embedding = EXCLUDED.embedding,
			created_at = EXCLUDED.created_at`,
		entry.Fingerprint,
		string(entry.Kind),
		entry.Version,
		entry.Payload,
		fmt.Sprintf("%016x", entry.Checksum),
		vec,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	res, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_entries").Scan(&count); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return count, nil
}

// SimilarFingerprint is one result of a cache-side similarity query.
type SimilarFingerprint struct {
	Fingerprint string
	Distance    float64
}

// FindSimilar returns the cached embeddings closest to the query vector by
// cosine distance, computed inside Postgres via pgvector.
func (s *PostgresStore) FindSimilar(ctx context.Context, embedding []float32, limit int) ([]SimilarFingerprint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, embedding <=> $1 AS distance
		 FROM cache_entries
		 WHERE kind = $2 AND embedding IS NOT NULL
		 ORDER BY distance
		 LIMIT $3`,
		pgvector.NewVector(embedding), string(KindEmbedding), limit)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}
	defer rows.Close()

	var results []SimilarFingerprint
	for rows.Next() {
		var r SimilarFingerprint
		if err := rows.Scan(&r.Fingerprint, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan similarity row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similarity rows: %w", err)
	}
	return results, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
