// Package domain provides type-safe identifiers to prevent mixing up IDs at compile time.
package domain

import (
	"github.com/google/uuid"

	dErrors "custodia/pkg/domain-errors"
)

// Distinct ID types - compiler prevents passing a ConsentID where a RequestID is expected.
type (
	SubjectID uuid.UUID
	ConsentID uuid.UUID
	RequestID uuid.UUID
	PolicyID  uuid.UUID
	KeyID     uuid.UUID
	EntryID   uuid.UUID
	ActorID   uuid.UUID
)

// Parse functions - use at trust boundaries (handlers, API inputs).

func ParseSubjectID(s string) (SubjectID, error) {
	id, err := parseUUID(s, "subject ID")
	return SubjectID(id), err
}

func ParseConsentID(s string) (ConsentID, error) {
	id, err := parseUUID(s, "consent ID")
	return ConsentID(id), err
}

func ParseRequestID(s string) (RequestID, error) {
	id, err := parseUUID(s, "request ID")
	return RequestID(id), err
}

func ParsePolicyID(s string) (PolicyID, error) {
	id, err := parseUUID(s, "policy ID")
	return PolicyID(id), err
}

func ParseKeyID(s string) (KeyID, error) {
	id, err := parseUUID(s, "key ID")
	return KeyID(id), err
}

func ParseActorID(s string) (ActorID, error) {
	id, err := parseUUID(s, "actor ID")
	return ActorID(id), err
}

// New functions - generate fresh identifiers at the service layer.

func NewSubjectID() SubjectID { return SubjectID(uuid.New()) }
func NewConsentID() ConsentID { return ConsentID(uuid.New()) }
func NewRequestID() RequestID { return RequestID(uuid.New()) }
func NewPolicyID() PolicyID   { return PolicyID(uuid.New()) }
func NewKeyID() KeyID         { return KeyID(uuid.New()) }
func NewEntryID() EntryID     { return EntryID(uuid.New()) }
func NewActorID() ActorID     { return ActorID(uuid.New()) }

// String methods - for logging and debugging.

func (id SubjectID) String() string { return uuid.UUID(id).String() }
func (id ConsentID) String() string { return uuid.UUID(id).String() }
func (id RequestID) String() string { return uuid.UUID(id).String() }
func (id PolicyID) String() string  { return uuid.UUID(id).String() }
func (id KeyID) String() string     { return uuid.UUID(id).String() }
func (id EntryID) String() string   { return uuid.UUID(id).String() }
func (id ActorID) String() string   { return uuid.UUID(id).String() }

// IsNil checks - used for service-layer validation.

func (id SubjectID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id ConsentID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id RequestID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id PolicyID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id KeyID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id EntryID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id ActorID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }

// parseUUID is the shared validation logic.
// Note: Nil UUIDs are allowed here. Use IsNil() at the service layer for
// business validation, which allows store lookups to return proper
// "not found" errors for consistency.
func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label+" format")
	}
	return id, nil
}
