package store

import (
	"context"
	"time"

	"custodia/internal/consent/models"
	id "custodia/pkg/domain"
)

// Store defines the persistence interface for consent records and preference
// snapshots.
//
// Error Contract:
// - Find* methods return sentinel.ErrNotFound when no record exists
// - Update returns sentinel.ErrConflict when the record's Version does not
//   match the persisted row (optimistic concurrency)
// - Other methods return nil on success or wrapped errors on failure
type Store interface {
	Save(ctx context.Context, record *models.Record) error
	FindByID(ctx context.Context, consentID id.ConsentID) (*models.Record, error)
	// FindByTokenDigest locates a record through either of its token digests
	// and reports which opt-in step the digest belongs to.
	FindByTokenDigest(ctx context.Context, digest string) (*models.Record, models.VerificationStep, error)
	// Update persists the record if its Version still matches, then
	// increments it. Returns sentinel.ErrConflict otherwise.
	Update(ctx context.Context, record *models.Record) error
	List(ctx context.Context, filter *Filter) ([]*models.Record, error)
	// ListExpirable returns pending and first_verified records whose expiry
	// has passed at the given instant.
	ListExpirable(ctx context.Context, now time.Time) ([]*models.Record, error)
	Count(ctx context.Context) (int64, error)

	SavePreferences(ctx context.Context, prefs *models.Preferences) error
	// ListPreferences returns a subject's snapshots, newest version first.
	ListPreferences(ctx context.Context, subjectID id.SubjectID) ([]*models.Preferences, error)
	// MaxPreferencesVersion returns 0 when the subject has no snapshots.
	MaxPreferencesVersion(ctx context.Context, subjectID id.SubjectID) (int, error)
}

// Filter narrows List results.
type Filter struct {
	Status      *models.Status
	ConsentType *models.Type
}

// Matches reports whether a record passes the filter.
func (f *Filter) Matches(r *models.Record) bool {
	if f == nil {
		return true
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.ConsentType != nil {
		found := false
		for _, t := range r.ConsentTypes {
			if t == *f.ConsentType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
