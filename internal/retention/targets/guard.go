package targets

import (
	"context"

	id "custodia/pkg/domain"
)

// OpenRequestChecker reports whether a subject has a request still in flight.
// Satisfied by the request service.
type OpenRequestChecker interface {
	OpenForSubject(ctx context.Context, subjectID id.SubjectID) (bool, error)
}

// RequestGuard blocks deletion of any subject-scoped entity referenced by an
// open data-subject request. Erasing the data out from under an active access
// or portability request would make the request unanswerable.
type RequestGuard struct {
	checker OpenRequestChecker

	// guarded maps the entity types whose ids are subject ids.
	guarded map[string]bool
}

// NewRequestGuard constructs a guard over the given subject-scoped entity
// types, typically "student" and "subject".
func NewRequestGuard(checker OpenRequestChecker, entityTypes ...string) *RequestGuard {
	guarded := make(map[string]bool, len(entityTypes))
	for _, t := range entityTypes {
		guarded[t] = true
	}
	return &RequestGuard{checker: checker, guarded: guarded}
}

func (g *RequestGuard) DeletionBlocked(ctx context.Context, entityType, entityID string) (bool, string, error) {
	if !g.guarded[entityType] {
		return false, "", nil
	}
	subjectID, err := id.ParseSubjectID(entityID)
	if err != nil {
		// Not a subject-shaped id, nothing to hold the deletion for.
		return false, "", nil
	}
	open, err := g.checker.OpenForSubject(ctx, subjectID)
	if err != nil {
		return false, "", err
	}
	if open {
		return true, "open_request", nil
	}
	return false, "", nil
}
