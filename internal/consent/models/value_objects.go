package models

// Type labels what a parent is consenting to. Binding consent to a type
// allows selective revocation without affecting other processing.
type Type string

const (
	TypeDataProcessing   Type = "data_processing"
	TypeProgressTracking Type = "progress_tracking"
	TypeCommunication    Type = "communication"
	TypeAnalytics        Type = "analytics"
	TypeMarketing        Type = "marketing"
)

// ValidTypes is the single source of truth for all valid consent types.
var ValidTypes = map[Type]bool{
	TypeDataProcessing:   true,
	TypeProgressTracking: true,
	TypeCommunication:    true,
	TypeAnalytics:        true,
	TypeMarketing:        true,
}

// IsValid checks if the consent type is one of the supported enum values.
func (t Type) IsValid() bool {
	return ValidTypes[t]
}

// Status represents the lifecycle state of a consent record.
type Status string

const (
	StatusPending       Status = "pending"
	StatusFirstVerified Status = "first_verified"
	StatusVerified      Status = "verified"
	StatusExpired       Status = "expired"
	StatusRevoked       Status = "revoked"
)

// IsValid checks if the status is one of the supported enum values.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusFirstVerified, StatusVerified, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// IsTerminal reports whether no further verification step can follow.
func (s Status) IsTerminal() bool {
	return s == StatusVerified || s == StatusExpired || s == StatusRevoked
}

// transitions is the full legal state graph. Expiry is a side exit from the
// two pre-verified states; revocation only ever follows full verification.
var transitions = map[Status][]Status{
	StatusPending:       {StatusFirstVerified, StatusExpired},
	StatusFirstVerified: {StatusVerified, StatusExpired},
	StatusVerified:      {StatusRevoked},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// VerificationStep distinguishes which of the two opt-in tokens matched.
type VerificationStep string

const (
	StepFirst  VerificationStep = "first"
	StepSecond VerificationStep = "second"
)
