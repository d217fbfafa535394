package store

import (
	"context"
	"sync"
	"time"
)

// Store is the shared key-value store behind the rate-limit counters,
// the user-agent burst counter and the token nonce registry. Both
// primitives must be atomic: the engine does no in-process locking and
// relies on the store for correctness under concurrent submissions.
//
// A backend without an atomic increment would have to fall back to a
// read-increment-write cycle and may over-count under races; that is an
// acceptable, documented degradation, never a crash. Both bundled
// implementations are atomic, so the degraded path is unreachable here.
type Store interface {
	// IncrWithTTL increments key, creating it at 1 with the given TTL
	// when absent. The TTL is not refreshed on subsequent increments.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// AddNX inserts key with the given TTL only when absent.
	// Returns true when the insert won.
	AddNX(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Size returns the number of live entries, or -1 when counting is
	// impractical for the backend.
	Size() int

	Close()
}

type memoryEntry struct {
	count  int64
	expiry time.Time
}

// MemoryStore is an in-process Store backed by a map with expiry
// timestamps. Suitable for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	cancel  context.CancelFunc
}

// NewMemoryStore creates a new in-memory store. It starts a background
// cleanup goroutine; stop it with Close.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	ms := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		cancel:  cancel,
	}
	go ms.cleanup(ctx, cleanupInterval)
	return ms
}

// IncrWithTTL increments the counter for key, resetting expired entries.
func (ms *MemoryStore) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	if ent, ok := ms.entries[key]; ok && now.Before(ent.expiry) {
		ent.count++
		return ent.count, nil
	}

	ms.entries[key] = &memoryEntry{count: 1, expiry: now.Add(ttl)}
	return 1, nil
}

// AddNX inserts key only when absent or expired.
func (ms *MemoryStore) AddNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	if ent, ok := ms.entries[key]; ok && now.Before(ent.expiry) {
		return false, nil
	}

	ms.entries[key] = &memoryEntry{count: 1, expiry: now.Add(ttl)}
	return true, nil
}

// Size returns the number of entries (including expired ones not yet
// cleaned up).
func (ms *MemoryStore) Size() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.entries)
}

// Close stops the cleanup goroutine.
func (ms *MemoryStore) Close() {
	ms.cancel()
}

func (ms *MemoryStore) cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ms.mu.Lock()
			now := time.Now()
			for key, ent := range ms.entries {
				if now.After(ent.expiry) {
					delete(ms.entries, key)
				}
			}
			ms.mu.Unlock()
		}
	}
}
