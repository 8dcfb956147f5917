package audit

import (
	"time"

	id "custodia/pkg/domain"
)

// Severity grades how compliance-relevant an entry is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Category groups entries by the subsystem that produced them.
type Category string

const (
	CategoryConsent    Category = "consent"
	CategoryRequest    Category = "data_request"
	CategoryRetention  Category = "retention"
	CategoryEncryption Category = "encryption"
	CategorySystem     Category = "system"
)

// Action names for ledger entries. Services reference these constants so the
// ledger stays greppable; free-form actions are still accepted.
const (
	ActionConsentSubmitted      = "consent_submitted"
	ActionConsentFirstVerified  = "consent_first_verified"
	ActionConsentVerified       = "consent_verified"
	ActionConsentRevoked        = "consent_revoked"
	ActionConsentExpired        = "consent_expired"
	ActionPreferencesRecorded   = "consent_preferences_recorded"
	ActionRequestSubmitted      = "request_submitted"
	ActionRequestVerified       = "request_verified"
	ActionRequestAssigned       = "request_assigned"
	ActionRequestProcessed      = "request_processed"
	ActionRequestCompleted      = "request_completed"
	ActionRequestRejected       = "request_rejected"
	ActionDataExported          = "data_exported"
	ActionRetentionApplied      = "retention_action_applied"
	ActionRetentionSkipped      = "retention_action_skipped"
	ActionKeyCreated            = "encryption_key_created"
	ActionKeyRotated            = "encryption_key_rotated"
	ActionKeyRevoked            = "encryption_key_revoked"
	ActionLedgerPurged          = "audit_entries_purged"
)

// Entry is a single immutable line in the compliance ledger.
//
// # Integrity Invariant
//
// Checksum is a deterministic function of every other field plus the checksum
// of the immediately preceding entry for the same entity, forming a per-entity
// hash chain. Any retroactive edit of a stored entry breaks verification of
// every later entry in that entity's chain.
type Entry struct {
	ID            id.EntryID
	EntityType    string
	EntityID      string
	Action        string
	ActorID       *id.ActorID // nil for system-initiated actions
	Details       map[string]any
	Severity      Severity
	Category      Category
	CorrelationID string
	Timestamp     time.Time
	Checksum      string
}

// EntityKey identifies the hash chain an entry belongs to.
func (e Entry) EntityKey() string {
	return e.EntityType + "/" + e.EntityID
}

// Filter narrows ledger queries. Zero values mean "no constraint".
type Filter struct {
	EntityType    string
	EntityID      string
	Category      Category
	Action        string
	CorrelationID string
	Since         time.Time
	Until         time.Time
}

// Matches reports whether an entry satisfies the filter.
func (f Filter) Matches(e Entry) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}
