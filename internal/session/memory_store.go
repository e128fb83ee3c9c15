package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
)

// SweepInterval is how often the memory store purges expired entries while
// serving normal calls.
const SweepInterval = 5 * time.Minute

type memoryEntry struct {
	session   model.Session
	expiresAt time.Time
}

// MemoryStore keeps sessions in process memory. Sessions are copied on the way
// in and out so callers never share state with the store. Expiry is evaluated
// on every access; a full sweep piggybacks on calls once SweepInterval has
// passed.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	now       func() time.Time
	lastSweep time.Time
}

// NewMemoryStore returns an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries:   make(map[string]memoryEntry),
		now:       now,
		lastSweep: now(),
	}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Store(_ context.Context, id string, s model.Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.maybeSweep(now)
	m.entries[id] = memoryEntry{session: s.Clone(), expiresAt: now.Add(ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(id, m.now())
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return entry.session.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(id, m.now())
	delete(m.entries, id)
	return ok, nil
}

func (m *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(id, m.now())
	return ok, nil
}

func (m *MemoryStore) TTL(_ context.Context, id string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	entry, ok := m.live(id, now)
	if !ok {
		return 0, ErrNotFound
	}
	return entry.expiresAt.Sub(now), nil
}

func (m *MemoryStore) ExtendTTL(_ context.Context, id string, extra time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(id, m.now())
	if !ok {
		return false, nil
	}
	entry.expiresAt = entry.expiresAt.Add(extra)
	m.entries[id] = entry
	return true, nil
}

func (m *MemoryStore) ListIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(m.now())
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) CleanupExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purge(m.now()), nil
}

func (m *MemoryStore) HealthCheck(_ context.Context) BackendHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(m.now())
	return BackendHealth{
		Name:           m.Name(),
		Status:         StatusHealthy,
		Kind:           "in_memory",
		ActiveSessions: len(m.entries),
	}
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry)
	return nil
}

// live returns the entry if present and unexpired, evicting it otherwise.
// Callers hold m.mu.
func (m *MemoryStore) live(id string, now time.Time) (memoryEntry, bool) {
	m.maybeSweep(now)
	entry, ok := m.entries[id]
	if !ok {
		return memoryEntry{}, false
	}
	if !now.Before(entry.expiresAt) {
		delete(m.entries, id)
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *MemoryStore) maybeSweep(now time.Time) {
	if now.Sub(m.lastSweep) >= SweepInterval {
		m.purge(now)
	}
}

func (m *MemoryStore) purge(now time.Time) int {
	removed := 0
	for id, entry := range m.entries {
		if !now.Before(entry.expiresAt) {
			delete(m.entries, id)
			removed++
		}
	}
	m.lastSweep = now
	return removed
}
