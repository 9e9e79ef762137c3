package store

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/i474232898/weather-gateway/internal/weather"
)

var (
	// ErrNotFound is returned when a lookup has no match.
	ErrNotFound = errors.New("not found")
)

type hotEntry struct {
	record    weather.HotRecord
	expiresAt time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryHotStore is a bounded, process-local hot cache. Least recently used
// entries are evicted once maxEntries is reached. It also holds the circuit
// breaker counters, which expire the same way hot records do but are never
// evicted by record pressure.
type MemoryHotStore struct {
	records *lru.Cache[string, hotEntry]

	mu       sync.Mutex // guards counters
	counters map[string]counterEntry

	now func() time.Time
}

// NewMemoryHotStore creates a MemoryHotStore. now defaults to time.Now.
func NewMemoryHotStore(maxEntries int, now func() time.Time) (*MemoryHotStore, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if now == nil {
		now = time.Now
	}
	records, err := lru.New[string, hotEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &MemoryHotStore{records: records, counters: make(map[string]counterEntry), now: now}, nil
}

func (s *MemoryHotStore) GetHot(_ context.Context, key string) (weather.HotRecord, bool, error) {
	e, ok := s.records.Get(key)
	if !ok {
		return weather.HotRecord{}, false, nil
	}
	// Expired entries stay until overwritten or evicted.
	if !s.now().Before(e.expiresAt) {
		return weather.HotRecord{}, false, nil
	}
	return e.record, true, nil
}

func (s *MemoryHotStore) PutHot(_ context.Context, key string, rec weather.HotRecord, ttl time.Duration) error {
	s.records.Add(key, hotEntry{record: rec, expiresAt: s.now().Add(ttl)})
	return nil
}

// Increment bumps the counter, starting a new window if none is live.
func (s *MemoryHotStore) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneCounters(now)
	e, ok := s.counters[key]
	if !ok || !now.Before(e.expiresAt) {
		e = counterEntry{expiresAt: now.Add(window)}
	}
	e.count++
	s.counters[key] = e
	return e.count, nil
}

func (s *MemoryHotStore) Count(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.counters[key]
	if !ok || !s.now().Before(e.expiresAt) {
		return 0, nil
	}
	return e.count, nil
}

func (s *MemoryHotStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.counters, key)
	return nil
}

// pruneCounters drops counters whose window has passed. Callers hold s.mu.
func (s *MemoryHotStore) pruneCounters(now time.Time) {
	for key, e := range s.counters {
		if !now.Before(e.expiresAt) {
			delete(s.counters, key)
		}
	}
}

// MemoryColdStore is a concurrency-safe in-memory last-known-good store.
// Records live until overwritten.
type MemoryColdStore struct {
	mu sync.RWMutex

	// key: cache key, value: last successful record
	data map[string]weather.ColdRecord
}

// NewMemoryColdStore creates an empty MemoryColdStore.
func NewMemoryColdStore() *MemoryColdStore {
	return &MemoryColdStore{
		data: make(map[string]weather.ColdRecord),
	}
}

func (s *MemoryColdStore) GetCold(_ context.Context, key string) (weather.ColdRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[key]
	return rec, ok, nil
}

func (s *MemoryColdStore) PutCold(_ context.Context, rec weather.ColdRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.LastError = ""
	s.data[rec.Key] = rec
	return nil
}

func (s *MemoryColdStore) MarkError(_ context.Context, key, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[key]
	if !ok {
		return nil
	}
	rec.LastError = message
	s.data[key] = rec
	return nil
}

// MemoryLocker grants per-key locks within one process. Locks carry a lease
// so a holder that never releases cannot wedge a key forever.
type MemoryLocker struct {
	mu      sync.Mutex
	held    map[string]memoryLease
	lease   time.Duration
	poll    time.Duration
	now     func() time.Time
	counter uint64
}

type memoryLease struct {
	id        uint64
	expiresAt time.Time
}

// NewMemoryLocker creates a MemoryLocker with the given lease.
func NewMemoryLocker(lease time.Duration, now func() time.Time) *MemoryLocker {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryLocker{
		held:  make(map[string]memoryLease),
		lease: lease,
		poll:  25 * time.Millisecond,
		now:   now,
	}
}

func (l *MemoryLocker) TryLock(ctx context.Context, key string, wait time.Duration) (weather.Lock, bool, error) {
	deadline := time.Now().Add(wait)
	for {
		if lock, ok := l.tryOnce(key); ok {
			return lock, true, nil
		}
		if !time.Now().Before(deadline) {
			return nil, false, nil
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *MemoryLocker) tryOnce(key string) (weather.Lock, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expiresAt) {
		return nil, false
	}
	l.counter++
	l.held[key] = memoryLease{id: l.counter, expiresAt: now.Add(l.lease)}
	return &memoryLock{locker: l, key: key, id: l.counter}, true
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
	id     uint64
}

// Release frees the key if this lock still holds it.
func (m *memoryLock) Release(context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()

	if cur, ok := m.locker.held[m.key]; ok && cur.id == m.id {
		delete(m.locker.held, m.key)
	}
	return nil
}

var (
	_ weather.HotStore     = (*MemoryHotStore)(nil)
	_ weather.CounterStore = (*MemoryHotStore)(nil)
	_ weather.ColdStore    = (*MemoryColdStore)(nil)
	_ weather.Locker       = (*MemoryLocker)(nil)
)
