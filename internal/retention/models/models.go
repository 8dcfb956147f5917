package models

import (
	"time"

	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
)

// Trigger says which timestamp on the governed entity starts the retention
// clock.
type Trigger string

const (
	TriggerCreationDate Trigger = "creation_date"
	TriggerLastAccess   Trigger = "last_access"
	TriggerExpiryDate   Trigger = "expiry_date"
)

// IsValid checks if the trigger is one of the supported enum values.
func (t Trigger) IsValid() bool {
	return t == TriggerCreationDate || t == TriggerLastAccess || t == TriggerExpiryDate
}

// Action is what the sweep does to a matching entity.
type Action string

const (
	// ActionAnonymize scrubs PII fields in place, leaving a statistical husk.
	ActionAnonymize Action = "anonymize"
	// ActionDelete removes the record entirely. Blocked while an open
	// request record references the entity.
	ActionDelete Action = "delete"
	// ActionArchive moves the record to cold storage.
	ActionArchive Action = "archive"
)

// IsValid checks if the action is one of the supported enum values.
func (a Action) IsValid() bool {
	return a == ActionAnonymize || a == ActionDelete || a == ActionArchive
}

// Policy configures one retention rule. Mutated only by administrative
// configuration and by the sweep updating its execution statistics.
type Policy struct {
	ID                   id.PolicyID
	Name                 string
	EntityType           string
	RetentionDays        int
	Trigger              Trigger
	Action               Action
	Priority             int
	Active               bool
	NotificationLeadDays int
	LegalBasis           string
	// Exceptions lists entity ids the policy must never touch.
	Exceptions []string

	LastExecuted     *time.Time
	RecordsProcessed int64
}

// Validate checks the policy's configured fields.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "policy name is required")
	}
	if p.EntityType == "" {
		return dErrors.New(dErrors.CodeValidation, "policy entity type is required")
	}
	if p.RetentionDays < 0 {
		return dErrors.New(dErrors.CodeValidation, "retention period cannot be negative")
	}
	if !p.Trigger.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unrecognized trigger condition: "+string(p.Trigger))
	}
	if !p.Action.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unrecognized retention action: "+string(p.Action))
	}
	return nil
}

// Cutoff returns the instant before which an entity's trigger timestamp
// makes it eligible. A zero retention period means everything governed by
// the policy is already eligible.
func (p *Policy) Cutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(p.RetentionDays) * 24 * time.Hour)
}

// Excepted reports whether the entity id is on the exception list.
func (p *Policy) Excepted(entityID string) bool {
	for _, e := range p.Exceptions {
		if e == entityID {
			return true
		}
	}
	return false
}

// SweepStats summarizes one sweep run.
type SweepStats struct {
	PoliciesEvaluated int
	RecordsProcessed  int
	RecordsSkipped    int
	RecordsFailed     int
	ConsentsExpired   int
	StartedAt         time.Time
	Duration          time.Duration
}
