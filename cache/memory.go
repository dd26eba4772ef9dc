package cache

import (
	"context"
	"sync"
)

type memPartition struct {
	name    string
	mutex   *sync.RWMutex
	db      map[string]Entry
	order   []string
	deleted bool
}

// MemStorage keeps all partitions in process memory.
type MemStorage struct {
	mutex      *sync.RWMutex
	partitions map[string]*memPartition
	order      []string
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:      &sync.RWMutex{},
		partitions: make(map[string]*memPartition),
	}
}

func (m *MemStorage) Open(ctx context.Context, name string) (Partition, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if p, ok := m.partitions[name]; ok {
		return p, nil
	}
	p := &memPartition{
		name:  name,
		mutex: m.mutex,
		db:    make(map[string]Entry),
	}
	m.partitions[name] = p
	m.order = append(m.order, name)
	return p, nil
}

func (m *MemStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.partitions[name]
	return ok, nil
}

func (m *MemStorage) Keys(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, len(m.order))
	copy(keys, m.order)
	return keys, nil
}

func (m *MemStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	p, ok := m.partitions[name]
	if !ok {
		return false, nil
	}
	p.deleted = true
	delete(m.partitions, name)
	m.order = removeString(m.order, name)
	return true, nil
}

func (m *MemStorage) Close() error {
	return nil
}

func (p *memPartition) Name() string {
	return p.name
}

func (p *memPartition) Get(ctx context.Context, key string) (Entry, bool, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	entry, ok := p.db[key]
	return entry, ok, nil
}

func (p *memPartition) Put(ctx context.Context, entry Entry) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.put(entry)
	return nil
}

func (p *memPartition) PutAll(ctx context.Context, entries []Entry) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, entry := range entries {
		p.put(entry)
	}
	return nil
}

// put must be called with the write lock held.
// Writes to a deleted partition are dropped, like writes to a detached cache.
func (p *memPartition) put(entry Entry) {
	if p.deleted {
		return
	}
	if _, ok := p.db[entry.Key]; ok {
		p.order = removeString(p.order, entry.Key)
	}
	p.db[entry.Key] = entry
	p.order = append(p.order, entry.Key)
}

func (p *memPartition) Delete(ctx context.Context, key string) (bool, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if _, ok := p.db[key]; !ok {
		return false, nil
	}
	delete(p.db, key)
	p.order = removeString(p.order, key)
	return true, nil
}

func (p *memPartition) Keys(ctx context.Context) ([]string, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	keys := make([]string, len(p.order))
	copy(keys, p.order)
	return keys, nil
}

func (p *memPartition) Size(ctx context.Context) (int, int64, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	var size int64
	for _, entry := range p.db {
		size += int64(len(entry.Bytes))
	}
	return len(p.db), size, nil
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
