package store

import "sync"

// MemMetastore is a process-local Metastore backed by a mutex-guarded map,
// the zero-config default and the backend used by the test suite. One lock
// is held for the duration of a read-modify-write, since there is no
// cross-key consistency requirement.
type MemMetastore struct {
	mu sync.Mutex
	db map[string][]Variant
}

// NewMemMetastore returns a ready-to-use MemMetastore.
func NewMemMetastore() *MemMetastore {
	return &MemMetastore{db: make(map[string][]Variant)}
}

func (m *MemMetastore) Load(key string) ([]Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneVariants(m.db[key]), nil
}

func (m *MemMetastore) Swap(key string, fn func(old []Variant) []Variant) ([]Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := fn(cloneVariants(m.db[key]))
	if next == nil {
		delete(m.db, key)
	} else {
		m.db[key] = next
	}
	return cloneVariants(next), nil
}

func cloneVariants(in []Variant) []Variant {
	if in == nil {
		return nil
	}
	out := make([]Variant, len(in))
	for i, v := range in {
		out[i] = Variant{
			RequestHeader:  v.RequestHeader.Clone(),
			ResponseHeader: v.ResponseHeader.Clone(),
		}
	}
	return out
}

// MemEntitystore is a process-local Entitystore backed by a mutex-guarded
// map, keyed by content digest.
type MemEntitystore struct {
	mu sync.RWMutex
	db map[string][]byte
}

// NewMemEntitystore returns a ready-to-use MemEntitystore.
func NewMemEntitystore() *MemEntitystore {
	return &MemEntitystore{db: make(map[string][]byte)}
}

func (m *MemEntitystore) Load(digest string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.db[digest]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), body...), true, nil
}

func (m *MemEntitystore) Store(digest string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.db[digest]; exists {
		return nil
	}
	m.db[digest] = append([]byte(nil), body...)
	return nil
}
