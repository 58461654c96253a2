package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// memoryStore is the single-process Store used by default and in tests.
// Expired entries are pruned lazily on access.
type memoryStore struct {
	mtx  sync.Mutex
	data map[string]memoryEntry

	now func() time.Time
}

func NewMemory() Store {
	return &memoryStore{
		data: map[string]memoryEntry{},
		now:  time.Now,
	}
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	e, ok := m.live(key)
	if !ok {
		return nil, ErrNotFound
	}

	val := make([]byte, len(e.value))
	copy(val, e.value)
	return val, nil
}

func (m *memoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	delete(m.data, key)
	return nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	_, ok := m.live(key)
	return ok, nil
}

func (m *memoryStore) Scan(_ context.Context, prefix string) ([]string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var keys []string
	for k := range m.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := m.live(k); ok {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

func (m *memoryStore) RangeGet(_ context.Context, from, to string, limit int) ([]KV, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var pairs []KV
	for k := range m.data {
		if k < from || (to != "" && k >= to) {
			continue
		}
		if e, ok := m.live(k); ok {
			pairs = append(pairs, KV{Key: k, Value: append([]byte(nil), e.value...)})
		}
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs, nil
}

func (m *memoryStore) Close() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.data = map[string]memoryEntry{}
	return nil
}

// live returns the entry for key, pruning it first if expired. Callers must
// hold the mutex.
func (m *memoryStore) live(key string) (memoryEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.data, key)
		return memoryEntry{}, false
	}
	return e, true
}
