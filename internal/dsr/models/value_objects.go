package models

// Type is one of the recognized data-subject request kinds.
type Type string

const (
	TypeAccess          Type = "access"
	TypeRectification   Type = "rectification"
	TypeErasure         Type = "erasure"
	TypeRestriction     Type = "restriction"
	TypePortability     Type = "portability"
	TypeObjection       Type = "objection"
	TypeWithdrawConsent Type = "withdraw_consent"
)

// ValidTypes is the single source of truth for all valid request types.
var ValidTypes = map[Type]bool{
	TypeAccess:          true,
	TypeRectification:   true,
	TypeErasure:         true,
	TypeRestriction:     true,
	TypePortability:     true,
	TypeObjection:       true,
	TypeWithdrawConsent: true,
}

// IsValid checks if the request type is one of the supported enum values.
func (t Type) IsValid() bool {
	return ValidTypes[t]
}

// Role identifies who is making the request on the subject's behalf.
type Role string

const (
	RoleParent                Role = "parent"
	RoleLegalGuardian         Role = "legal_guardian"
	RoleDataProtectionOfficer Role = "data_protection_officer"
	RoleSelf                  Role = "self"
)

// IsValid checks if the role is one of the supported enum values.
func (r Role) IsValid() bool {
	switch r {
	case RoleParent, RoleLegalGuardian, RoleDataProtectionOfficer, RoleSelf:
		return true
	}
	return false
}

// Status represents the lifecycle state of a request record.
type Status string

const (
	StatusPending     Status = "pending"
	StatusVerified    Status = "verified"
	StatusUnderReview Status = "under_review"
	StatusProcessed   Status = "processed"
	StatusCompleted   Status = "completed"
	StatusRejected    Status = "rejected"
)

// IsTerminal reports whether the request can advance no further.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// transitions is the happy-path state graph. Rejection is handled separately
// because it is reachable from every non-terminal state.
var transitions = map[Status]Status{
	StatusPending:     StatusVerified,
	StatusVerified:    StatusUnderReview,
	StatusUnderReview: StatusProcessed,
	StatusProcessed:   StatusCompleted,
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	if next == StatusRejected {
		return !s.IsTerminal()
	}
	return transitions[s] == next
}

// Priority orders the operator queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// DerivePriority maps type and urgency onto a queue priority. Erasure and
// restriction outrank the rest because they halt ongoing processing.
func DerivePriority(t Type, urgent bool) Priority {
	if urgent {
		return PriorityUrgent
	}
	if t == TypeErasure || t == TypeRestriction {
		return PriorityHigh
	}
	return PriorityMedium
}

// VerificationMethod states how the requester proves their identity.
type VerificationMethod string

const (
	MethodEmail         VerificationMethod = "email"
	MethodAuthenticated VerificationMethod = "authenticated"
)

// IsValid checks if the method is one of the supported enum values.
func (m VerificationMethod) IsValid() bool {
	return m == MethodEmail || m == MethodAuthenticated
}

// RequiresToken reports whether the request needs an emailed token before it
// can advance. Anyone acting on another person's behalf always verifies by
// token, whatever method they asked for.
func (m VerificationMethod) RequiresToken(role Role) bool {
	return m == MethodEmail || role != RoleSelf
}
