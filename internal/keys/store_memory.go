package keys

import (
	"context"
	"sort"
	"sync"

	"custodia/internal/sentinel"
)

// InMemoryStore keeps keys in memory for tests and single-node development.
// Rotation swaps statuses under one lock so readers never observe zero or two
// active keys for a usage.
type InMemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*Key // by key id
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{keys: make(map[string]*Key)}
}

func (s *InMemoryStore) CreateActive(_ context.Context, key *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Usage == key.Usage && k.Status == StatusActive {
			return sentinel.ErrConflict
		}
	}
	copyKey := *key
	s.keys[key.ID.String()] = &copyKey
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, keyID string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	copyKey := *key
	return &copyKey, nil
}

func (s *InMemoryStore) FindActive(_ context.Context, usage string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Usage == usage && k.Status == StatusActive {
			copyKey := *k
			return &copyKey, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) Rotate(_ context.Context, usage string, newKey *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.Usage == usage && k.Status == StatusActive {
			k.Status = StatusDeprecated
		}
	}
	copyKey := *newKey
	copyKey.Status = StatusActive
	s.keys[newKey.ID.String()] = &copyKey
	return nil
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, keyID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return sentinel.ErrNotFound
	}
	key.Status = status
	return nil
}

func (s *InMemoryStore) ListByUsage(_ context.Context, usage string) ([]*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Key
	for _, k := range s.keys {
		if k.Usage == usage {
			copyKey := *k
			out = append(out, &copyKey)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (s *InMemoryStore) MaxVersion(_ context.Context, usage string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, k := range s.keys {
		if k.Usage == usage && k.Version > max {
			max = k.Version
		}
	}
	return max, nil
}

// Purge removes a key entirely, simulating administrative deletion of revoked
// key material. Decryption with its id then reports unavailability.
func (s *InMemoryStore) Purge(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[keyID]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.keys, keyID)
	return nil
}
