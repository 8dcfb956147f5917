package store

import (
	"context"
	"time"

	"custodia/internal/retention/models"
	id "custodia/pkg/domain"
)

// Store defines the persistence interface for retention policies.
//
// Error Contract:
// - FindByID returns sentinel.ErrNotFound when no policy exists
// - Other methods return nil on success or wrapped errors on failure
type Store interface {
	Save(ctx context.Context, policy *models.Policy) error
	FindByID(ctx context.Context, policyID id.PolicyID) (*models.Policy, error)
	// ListActive returns active policies, highest priority first.
	ListActive(ctx context.Context) ([]*models.Policy, error)
	List(ctx context.Context) ([]*models.Policy, error)
	// RecordExecution updates the policy's sweep statistics, once per sweep.
	RecordExecution(ctx context.Context, policyID id.PolicyID, executedAt time.Time, processed int) error
	SetActive(ctx context.Context, policyID id.PolicyID, active bool) error
}
