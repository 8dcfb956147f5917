package memory

import (
	"context"
	"sort"
	"sync"

	audit "custodia/pkg/platform/audit"
)

// Store keeps ledger entries in memory for tests and single-node development.
// Entries are immutable once appended; Tamper exists so integrity tests can
// simulate out-of-band modification.
type Store struct {
	mu      sync.RWMutex
	entries []audit.Entry
}

func New() *Store {
	return &Store{}
}

func (s *Store) Append(_ context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *Store) LastChecksum(_ context.Context, entityType, entityID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.EntityType == entityType && e.EntityID == entityID {
			return e.Checksum, nil
		}
	}
	return "", nil
}

func (s *Store) ListByEntity(_ context.Context, entityType, entityID string) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	sortByTimestamp(out)
	return out, nil
}

func (s *Store) List(_ context.Context, filter audit.Filter) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	sortByTimestamp(out)
	return out, nil
}

func (s *Store) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *Store) PurgeEntity(_ context.Context, entityType, entityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	purged := 0
	for _, e := range s.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return purged, nil
}

// Tamper mutates the stored payload of the entry at position idx within an
// entity's trail. Test helper only; a real store never exposes mutation.
func (s *Store) Tamper(entityType, entityID string, idx int, mutate func(*audit.Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.entries {
		if s.entries[i].EntityType == entityType && s.entries[i].EntityID == entityID {
			if n == idx {
				mutate(&s.entries[i])
				return true
			}
			n++
		}
	}
	return false
}

func sortByTimestamp(entries []audit.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}
