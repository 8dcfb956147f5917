package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"custodia/internal/retention/models"
	"custodia/internal/sentinel"
	id "custodia/pkg/domain"
)

// InMemoryStore stores retention policies in memory for tests and local runs.
type InMemoryStore struct {
	mu       sync.RWMutex
	policies map[id.PolicyID]*models.Policy
}

// NewInMemoryStore constructs an empty in-memory policy store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{policies: make(map[id.PolicyID]*models.Policy)}
}

func (s *InMemoryStore) Save(_ context.Context, policy *models.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.ID] = clonePolicy(policy)
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, policyID id.PolicyID) (*models.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	policy, ok := s.policies[policyID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clonePolicy(policy), nil
}

func (s *InMemoryStore) ListActive(_ context.Context) ([]*models.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Policy
	for _, policy := range s.policies {
		if policy.Active {
			out = append(out, clonePolicy(policy))
		}
	}
	sortPolicies(out)
	return out, nil
}

func (s *InMemoryStore) List(_ context.Context) ([]*models.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Policy
	for _, policy := range s.policies {
		out = append(out, clonePolicy(policy))
	}
	sortPolicies(out)
	return out, nil
}

// sortPolicies orders by priority descending, then name, so sweeps visit
// equal-priority policies in a stable order.
func sortPolicies(out []*models.Policy) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
}

func (s *InMemoryStore) RecordExecution(_ context.Context, policyID id.PolicyID, executedAt time.Time, processed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	policy, ok := s.policies[policyID]
	if !ok {
		return sentinel.ErrNotFound
	}
	t := executedAt
	policy.LastExecuted = &t
	policy.RecordsProcessed += int64(processed)
	return nil
}

func (s *InMemoryStore) SetActive(_ context.Context, policyID id.PolicyID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	policy, ok := s.policies[policyID]
	if !ok {
		return sentinel.ErrNotFound
	}
	policy.Active = active
	return nil
}

func clonePolicy(p *models.Policy) *models.Policy {
	cp := *p
	cp.Exceptions = append([]string(nil), p.Exceptions...)
	if p.LastExecuted != nil {
		t := *p.LastExecuted
		cp.LastExecuted = &t
	}
	return &cp
}
