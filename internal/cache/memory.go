package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store used by tests and as the degradation
// target when the persistent backend is unusable. Contents do not survive
// the process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry // keyed by fingerprint + "/" + kind
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func memKey(fp string, kind Kind) string {
	return fp + "/" + string(kind)
}

func (m *MemoryStore) Get(_ context.Context, fp string, kind Kind, version string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[memKey(fp, kind)]
	if !ok || entry.Version != version || !entry.Valid() {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (m *MemoryStore) Put(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[memKey(entry.Fingerprint, entry.Kind)] = entry
	return nil
}

func (m *MemoryStore) Prune(_ context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, entry := range m.entries {
		if entry.CreatedAt.Before(cutoff) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryStore) Close() error {
	return nil
}
