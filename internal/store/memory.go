package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store fake for tests that don't need a
// database. It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	keys     map[string]APIKey // digest -> key
	limits   map[uuid.UUID]UserLimits
	counters map[string]int // userID|dayUTC -> count
	logs     []RequestLog

	// Unavailable, when true, makes every method return ErrStoreUnavailable.
	Unavailable bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:     make(map[string]APIKey),
		limits:   make(map[uuid.UUID]UserLimits),
		counters: make(map[string]int),
	}
}

// PutKey registers an API key for lookup by digest.
func (m *MemoryStore) PutKey(k APIKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[k.KeyHash] = k
}

// PutLimits registers a user's plan and overrides.
func (m *MemoryStore) PutLimits(u UserLimits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[u.ID] = u
}

// Logs returns a copy of every inserted log record, for assertions.
func (m *MemoryStore) Logs() []RequestLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RequestLog, len(m.logs))
	copy(out, m.logs)
	return out
}

func (m *MemoryStore) FindActiveKey(_ context.Context, digest string) (APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return APIKey{}, ErrStoreUnavailable
	}
	k, ok := m.keys[digest]
	if !ok {
		return APIKey{}, ErrNotFound
	}
	return k, nil
}

func (m *MemoryStore) GetUserLimits(_ context.Context, userID uuid.UUID) (UserLimits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return UserLimits{}, ErrStoreUnavailable
	}
	u, ok := m.limits[userID]
	if !ok {
		return UserLimits{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) CounterIncrement(_ context.Context, userID uuid.UUID, dayUTC time.Time) (CounterResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return CounterResult{}, ErrStoreUnavailable
	}
	key := userID.String() + "|" + dayUTC.Format("2006-01-02")
	m.counters[key]++
	return CounterResult{RequestCount: m.counters[key]}, nil
}

func (m *MemoryStore) InsertLog(_ context.Context, r RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return ErrStoreUnavailable
	}
	m.logs = append(m.logs, r)
	return nil
}
