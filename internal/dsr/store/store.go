package store

import (
	"context"
	"time"

	"custodia/internal/dsr/models"
	id "custodia/pkg/domain"
)

// Store defines the persistence interface for request records.
//
// Error Contract:
// - Find* methods return sentinel.ErrNotFound when no record exists
// - Update returns sentinel.ErrConflict on an optimistic-lock version
//   mismatch
// - Other methods return nil on success or wrapped errors on failure
type Store interface {
	Save(ctx context.Context, record *models.Record) error
	FindByID(ctx context.Context, requestID id.RequestID) (*models.Record, error)
	// Update persists the record if its Version still matches, then
	// increments it.
	Update(ctx context.Context, record *models.Record) error
	List(ctx context.Context, filter *Filter) ([]*models.Record, error)
	// ListOverdue returns non-terminal records whose due date has passed,
	// oldest deadline first.
	ListOverdue(ctx context.Context, now time.Time) ([]*models.Record, error)
	// OpenForSubject reports whether the subject has any non-terminal
	// request. Retention deletion is blocked while one exists.
	OpenForSubject(ctx context.Context, subjectID id.SubjectID) (bool, error)
	Count(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context, status models.Status) (int64, error)
}

// Filter narrows List results.
type Filter struct {
	Status   *models.Status
	Type     *models.Type
	Priority *models.Priority
	Assignee *id.ActorID
}

// Matches reports whether a record passes the filter.
func (f *Filter) Matches(r *models.Record) bool {
	if f == nil {
		return true
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.Type != nil && r.Type != *f.Type {
		return false
	}
	if f.Priority != nil && r.Priority != *f.Priority {
		return false
	}
	if f.Assignee != nil {
		if r.Assignee == nil || *r.Assignee != *f.Assignee {
			return false
		}
	}
	return true
}
