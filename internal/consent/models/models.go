package models

import (
	"sort"
	"time"

	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
)

// Record is a parental-consent workflow instance.
//
// # Double Opt-In Invariant
//
// Two independently issued, single-use tokens prove unambiguous consent: a
// single token cannot distinguish an intercepted link from a genuine second
// confirmation. SecondTokenDigest is only ever set together with
// FirstConsentDate, and Status=verified implies both consent dates are set
// and the record had not expired when they were recorded.
//
// Records are never deleted by the workflow. Expiry and revocation mark the
// record; the full history stays as legal proof of process.
//
// ParentContact, ParentName, and ChildName hold ciphertext at rest. The
// service encrypts them before Save and decrypts on read; stores never see
// plaintext PII.
type Record struct {
	ID                id.ConsentID
	ParentContact     string
	ParentName        string
	ChildName         string
	ChildAge          int
	ConsentTypes      []Type
	Status            Status
	FirstTokenDigest  string
	SecondTokenDigest string
	FirstConsentDate  *time.Time
	SecondConsentDate *time.Time
	ExpiresAt         time.Time
	SubmittedAt       time.Time
	OriginAddr        string
	ClientSignature   string
	RevokedAt         *time.Time
	RevocationReason  string

	// Version backs optimistic concurrency. Stores reject an Update whose
	// Version does not match the persisted row and increment it on success.
	Version int
}

// IsExpired reports whether the verification window has closed.
func (r Record) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Preferences is a point-in-time snapshot of per-category consent flags.
// Snapshots are immutable; an update appends a new version rather than
// mutating an old row, forming an append-only history per subject.
type Preferences struct {
	ID              id.ConsentID
	SubjectID       id.SubjectID
	Essential       bool
	Functional      bool
	Analytics       bool
	Marketing       bool
	Personalization bool
	Version         int
	RecordedAt      time.Time
	OriginAddr      string
	ClientSignature string
}

// NormalizeTypes collapses duplicates, validates each entry, and returns the
// set in deterministic order.
func NormalizeTypes(raw []Type) ([]Type, error) {
	seen := make(map[Type]bool, len(raw))
	out := make([]Type, 0, len(raw))
	for _, t := range raw {
		if !t.IsValid() {
			return nil, dErrors.New(dErrors.CodeValidation, "invalid consent type: "+string(t))
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one consent type is required")
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
