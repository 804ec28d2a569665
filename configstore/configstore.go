// Package configstore reads and writes the key/value configurations
// ("pids") that drive synchronization: sync policies and event filter
// rules for every group.
package configstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"cellarsync/collection"
)

// GroupsPID is the configuration holding the per group settings.
const GroupsPID = "org.apache.karaf.cellar.groups"

const configCategory = collection.ReservedCategory + ".config"

var ErrNotFound = errors.New("configuration not found")

// Store is a mutable configuration source. Reads may fail (I/O); a
// missing configuration returns ErrNotFound.
type Store interface {
	Configuration(ctx context.Context, pid string) (map[string]string, error)
	Update(ctx context.Context, pid string, props map[string]string) error
}

// CollectionStore keeps configurations in distributed maps, so an
// update made on one node is seen by every node.
type CollectionStore struct {
	backend collection.Backend
}

func NewCollectionStore(backend collection.Backend) *CollectionStore {
	return &CollectionStore{backend: backend}
}

func (s *CollectionStore) Configuration(ctx context.Context, pid string) (map[string]string, error) {
	props, err := s.backend.Map(collection.Key(configCategory, pid)).Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", pid, err)
	}
	if len(props) == 0 {
		return nil, ErrNotFound
	}
	return props, nil
}

// Update merges props into the configuration. An empty value deletes
// the key.
func (s *CollectionStore) Update(ctx context.Context, pid string, props map[string]string) error {
	m := s.backend.Map(collection.Key(configCategory, pid))
	for k, v := range props {
		var err error
		if v == "" {
			err = m.Delete(ctx, k)
		} else {
			err = m.Put(ctx, k, v)
		}
		if err != nil {
			return fmt.Errorf("failed to update %s in configuration %s: %w", k, pid, err)
		}
	}
	return nil
}

// Static is a process local store, loaded from the daemon config file.
type Static struct {
	mu   sync.RWMutex
	pids map[string]map[string]string
}

func NewStatic(pids map[string]map[string]string) *Static {
	s := &Static{pids: map[string]map[string]string{}}
	for pid, props := range pids {
		s.pids[pid] = maps.Clone(props)
	}
	return s
}

func (s *Static) Configuration(ctx context.Context, pid string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	props, ok := s.pids[pid]
	if !ok {
		return nil, ErrNotFound
	}
	return maps.Clone(props), nil
}

func (s *Static) Update(ctx context.Context, pid string, props map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.pids[pid]
	if !ok {
		current = map[string]string{}
		s.pids[pid] = current
	}
	for k, v := range props {
		if v == "" {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	return nil
}

// Layered merges the configuration of every store, earlier stores
// taking precedence, and writes to the first store.
type Layered []Store

func (l Layered) Configuration(ctx context.Context, pid string) (map[string]string, error) {
	merged := map[string]string{}
	found := false
	// Later layers have lower priority, so apply them first.
	for i := len(l) - 1; i >= 0; i-- {
		props, err := l[i].Configuration(ctx, pid)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = true
		maps.Copy(merged, props)
	}
	if !found {
		return nil, ErrNotFound
	}
	return merged, nil
}

func (l Layered) Update(ctx context.Context, pid string, props map[string]string) error {
	if len(l) == 0 {
		return fmt.Errorf("no configuration store to update %s", pid)
	}
	return l[0].Update(ctx, pid, props)
}
