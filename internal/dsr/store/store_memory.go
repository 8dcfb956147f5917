package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"custodia/internal/dsr/models"
	"custodia/internal/sentinel"
	id "custodia/pkg/domain"
)

// InMemoryStore stores request records in memory for tests and local runs.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[id.RequestID]*models.Record
}

// NewInMemoryStore constructs an empty in-memory request store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[id.RequestID]*models.Record),
	}
}

func (s *InMemoryStore) Save(_ context.Context, record *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneRecord(record)
	cp.Version = 1
	s.records[record.ID] = cp
	record.Version = 1
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, requestID id.RequestID) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[requestID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneRecord(record), nil
}

func (s *InMemoryStore) Update(_ context.Context, record *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[record.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if existing.Version != record.Version {
		return sentinel.ErrConflict
	}
	cp := cloneRecord(record)
	cp.Version = record.Version + 1
	s.records[record.ID] = cp
	record.Version = cp.Version
	return nil
}

func (s *InMemoryStore) List(_ context.Context, filter *Filter) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Record
	for _, record := range s.records {
		if filter.Matches(record) {
			out = append(out, cloneRecord(record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *InMemoryStore) ListOverdue(_ context.Context, now time.Time) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Record
	for _, record := range s.records {
		if record.IsOverdue(now) {
			out = append(out, cloneRecord(record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

func (s *InMemoryStore) OpenForSubject(_ context.Context, subjectID id.SubjectID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, record := range s.records {
		if record.SubjectID != nil && *record.SubjectID == subjectID && !record.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

func (s *InMemoryStore) CountByStatus(_ context.Context, status models.Status) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, record := range s.records {
		if record.Status == status {
			count++
		}
	}
	return count, nil
}

func cloneRecord(r *models.Record) *models.Record {
	cp := *r
	cp.ActionsTaken = append([]string(nil), r.ActionsTaken...)
	if r.SubjectID != nil {
		v := *r.SubjectID
		cp.SubjectID = &v
	}
	if r.VerifiedAt != nil {
		t := *r.VerifiedAt
		cp.VerifiedAt = &t
	}
	if r.Assignee != nil {
		a := *r.Assignee
		cp.Assignee = &a
	}
	if r.ProcessedAt != nil {
		t := *r.ProcessedAt
		cp.ProcessedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
