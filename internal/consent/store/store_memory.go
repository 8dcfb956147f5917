package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"custodia/internal/consent/models"
	"custodia/internal/sentinel"
	id "custodia/pkg/domain"
)

// InMemoryStore stores consent records in memory for tests and local runs.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[id.ConsentID]*models.Record
	prefs   map[id.SubjectID][]*models.Preferences
}

// NewInMemoryStore constructs an empty in-memory consent store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[id.ConsentID]*models.Record),
		prefs:   make(map[id.SubjectID][]*models.Preferences),
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

func (s *InMemoryStore) FindByID(_ context.Context, consentID id.ConsentID) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[consentID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneRecord(record), nil
}

func (s *InMemoryStore) FindByTokenDigest(_ context.Context, digest string) (*models.Record, models.VerificationStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, record := range s.records {
		if record.FirstTokenDigest == digest {
			return cloneRecord(record), models.StepFirst, nil
		}
		if record.SecondTokenDigest == digest {
			return cloneRecord(record), models.StepSecond, nil
		}
	}
	return nil, "", sentinel.ErrNotFound
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

func (s *InMemoryStore) ListExpirable(_ context.Context, now time.Time) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Record
	for _, record := range s.records {
		if record.Status != models.StatusPending && record.Status != models.StatusFirstVerified {
			continue
		}
		if record.IsExpired(now) {
			out = append(out, cloneRecord(record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *InMemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

func (s *InMemoryStore) SavePreferences(_ context.Context, prefs *models.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *prefs
	s.prefs[prefs.SubjectID] = append(s.prefs[prefs.SubjectID], &cp)
	return nil
}

func (s *InMemoryStore) ListPreferences(_ context.Context, subjectID id.SubjectID) ([]*models.Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshots := s.prefs[subjectID]
	out := make([]*models.Preferences, 0, len(snapshots))
	for _, p := range snapshots {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (s *InMemoryStore) MaxPreferencesVersion(_ context.Context, subjectID id.SubjectID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, p := range s.prefs[subjectID] {
		if p.Version > max {
			max = p.Version
		}
	}
	return max, nil
}

func cloneRecord(r *models.Record) *models.Record {
	cp := *r
	cp.ConsentTypes = append([]models.Type(nil), r.ConsentTypes...)
	if r.FirstConsentDate != nil {
		t := *r.FirstConsentDate
		cp.FirstConsentDate = &t
	}
	if r.SecondConsentDate != nil {
		t := *r.SecondConsentDate
		cp.SecondConsentDate = &t
	}
	if r.RevokedAt != nil {
		t := *r.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}
