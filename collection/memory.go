package collection

import (
	"context"
	"slices"
	"sync"
)

// MemoryBackend keeps collections in process memory. It is used for
// single node deployments and tests; several in-process "nodes" can
// share one instance to simulate replication.
type MemoryBackend struct {
	mu   sync.Mutex
	sets map[string]*memorySet
	maps map[string]*memoryMap
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sets: map[string]*memorySet{},
		maps: map[string]*memoryMap{},
	}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Set(key string) Set {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[key]
	if !ok {
		s = &memorySet{members: map[string]struct{}{}}
		m.sets[key] = s
	}
	return s
}

func (m *MemoryBackend) Map(key string) Map {
	m.mu.Lock()
	defer m.mu.Unlock()

	mm, ok := m.maps[key]
	if !ok {
		mm = &memoryMap{entries: map[string]string{}}
		m.maps[key] = mm
	}
	return mm
}

func (m *MemoryBackend) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryBackend) Close(ctx context.Context) error { return nil }

type memorySet struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

func (s *memorySet) Add(ctx context.Context, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[member] = struct{}{}
	return nil
}

func (s *memorySet) Remove(ctx context.Context, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, member)
	return nil
}

func (s *memorySet) Contains(ctx context.Context, member string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[member]
	return ok, nil
}

func (s *memorySet) Members(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]string, 0, len(s.members))
	for member := range s.members {
		members = append(members, member)
	}
	slices.Sort(members)
	return members, nil
}

type memoryMap struct {
	mu      sync.RWMutex
	entries map[string]string
}

func (m *memoryMap) Put(ctx context.Context, field string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[field] = value
	return nil
}

func (m *memoryMap) Get(ctx context.Context, field string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[field]
	return v, ok, nil
}

func (m *memoryMap) Delete(ctx context.Context, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, field)
	return nil
}

func (m *memoryMap) Entries(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		entries[k] = v
	}
	return entries, nil
}
