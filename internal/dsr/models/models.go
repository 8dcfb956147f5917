package models

import (
	"time"

	id "custodia/pkg/domain"
)

// Deadline windows. The due date is computed once at submission and frozen:
// a later rule change must not move deadlines already promised to requesters.
const (
	UrgentWindow  = 3 * 24 * time.Hour
	DefaultWindow = 30 * 24 * time.Hour
)

// typeWindows overrides the default window per request type. All seven
// currently share the statutory 30 days; the table exists so a shorter
// window for one type is a data change, not a code change.
var typeWindows = map[Type]time.Duration{}

// DueDate computes the deadline for a request submitted at the given time.
func DueDate(t Type, urgent bool, submittedAt time.Time) time.Time {
	if urgent {
		return submittedAt.Add(UrgentWindow)
	}
	if w, ok := typeWindows[t]; ok {
		return submittedAt.Add(w)
	}
	return submittedAt.Add(DefaultWindow)
}

// Record is a data-subject request moving through its lifecycle.
//
// RequesterContact and Details hold ciphertext at rest; both routinely
// contain personal data. Everything else is workflow state.
type Record struct {
	ID               id.RequestID
	Type             Type
	RequesterRole    Role
	RequesterContact string
	SubjectID        *id.SubjectID
	Details          string
	Urgent           bool
	Status           Status
	Priority         Priority
	SubmittedAt      time.Time
	DueDate          time.Time
	TokenDigest      string
	VerifiedAt       *time.Time
	Assignee         *id.ActorID
	ProcessedAt      *time.Time
	CompletedAt      *time.Time
	ResponseDetails  string
	ActionsTaken     []string
	RejectionReason  string
	LegalBasis       string
	OriginAddr       string
	ClientSignature  string

	// Version backs optimistic concurrency, same contract as consent records.
	Version int
}

// IsOverdue reports whether the deadline has passed without completion.
func (r Record) IsOverdue(now time.Time) bool {
	return !r.Status.IsTerminal() && now.After(r.DueDate)
}

// StatusView is the read-only projection returned by status lookups.
type StatusView struct {
	RequestID           id.RequestID
	Status              Status
	Priority            Priority
	SubmittedAt         time.Time
	DueDate             time.Time
	EstimatedCompletion time.Time
}
