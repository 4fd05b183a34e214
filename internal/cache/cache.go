// Package cache is the content-addressed analysis cache. Entries are keyed
// by image fingerprint, entry kind and producer version; a lookup is a hit
// only when all three match. Misses are first-class return values, and any
// unreadable or corrupt entry is a miss as well, never an error.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Kind identifies what an entry's payload contains.
type Kind string

const (
	KindEmbedding    Kind = "embedding"
	KindQualityScore Kind = "quality-score"
)

// Entry is one fingerprint-keyed cache record. Entries are replaced
// wholesale, never mutated in place.
type Entry struct {
	Fingerprint string
	Kind        Kind
	Version     string // producer version tag (model or algorithm version)
	Payload     []byte // JSON-encoded payload
	Checksum    uint64 // xxhash64 of Payload, for corruption detection
	CreatedAt   time.Time
}

// NewEntry builds an entry with its checksum and creation timestamp set.
func NewEntry(fp string, kind Kind, version string, payload []byte) Entry {
	return Entry{
		Fingerprint: fp,
		Kind:        kind,
		Version:     version,
		Payload:     payload,
		Checksum:    xxhash.Sum64(payload),
		CreatedAt:   time.Now().UTC(),
	}
}

// Valid reports whether the stored payload still matches its checksum.
func (e *Entry) Valid() bool {
	return e.Checksum == xxhash.Sum64(e.Payload)
}

// Store is the cache contract shared by all backends. Get returns
// (entry, true) on a hit and (zero, false) on a miss; a miss is never an
// error. Put is idempotent and must replace atomically. Implementations must
// support concurrent access for distinct fingerprints.
type Store interface {
	Get(ctx context.Context, fp string, kind Kind, version string) (Entry, bool, error)
	Put(ctx context.Context, entry Entry) error
	Prune(ctx context.Context, maxAge time.Duration) (int, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// EmbeddingPayload is the stored form of a computed embedding.
type EmbeddingPayload struct {
	Vector []float32 `json:"vector"`
	Model  string    `json:"model"`
	Dim    int       `json:"dim"`
}

// ScorePayload is the stored form of a Stage-1 quality score.
type ScorePayload struct {
	Score  float64 `json:"score"`
	Scorer string  `json:"scorer"`
}

// EncodePayload serializes a payload for storage.
func EncodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode cache payload: %w", err)
	}
	return data, nil
}

// DecodeEmbedding deserializes an embedding payload. A failure means the
// entry is unusable and the caller should treat the lookup as a miss.
func DecodeEmbedding(entry Entry) (*EmbeddingPayload, error) {
	var p EmbeddingPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode embedding payload: %w", err)
	}
	return &p, nil
}

// DecodeScore deserializes a quality score payload.
func DecodeScore(entry Entry) (*ScorePayload, error) {
	var p ScorePayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode score payload: %w", err)
	}
	return &p, nil
}

// Options selects and configures a backend.
type Options struct {
	Backend  string // "sqlite", "postgres" or "memory"
	Location string // sqlite file path
	URL      string // postgres connection URL
	Required bool   // fail instead of degrading when the store is unusable
}

// Open creates the configured store. When the persistent backend cannot be
// opened and Required is false, the run degrades to an in-memory store so
// analysis still completes; the degradation is logged, not fatal.
func Open(opts Options, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cache")

	var (
		store Store
		err   error
	)
	switch opts.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		store, err = OpenPostgres(opts.URL)
	default:
		store, err = OpenSQLite(opts.Location)
	}
	if err == nil {
		return store, nil
	}
	if opts.Required {
		return nil, fmt.Errorf("cache store required but unavailable: %w", err)
	}

	logger.Warn("cache store unavailable, degrading to in-memory cache for this run",
		"backend", opts.Backend, "error", err)
	return NewMemoryStore(), nil
}
