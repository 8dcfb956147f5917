package testutil

import (
	"time"

	"github.com/google/uuid"

	consentmodels "custodia/internal/consent/models"
	dsrmodels "custodia/internal/dsr/models"
	retentionmodels "custodia/internal/retention/models"
	id "custodia/pkg/domain"
)

// TestIDs provides convenient pre-generated IDs for tests.
// Use these for deterministic test data.
var TestIDs = struct {
	ConsentID1 id.ConsentID
	ConsentID2 id.ConsentID
	RequestID1 id.RequestID
	RequestID2 id.RequestID
	SubjectID1 id.SubjectID
	SubjectID2 id.SubjectID
	PolicyID1  id.PolicyID
	ActorID1   id.ActorID
}{
	ConsentID1: id.ConsentID(uuid.MustParse("11111111-1111-1111-1111-111111111111")),
	ConsentID2: id.ConsentID(uuid.MustParse("22222222-2222-2222-2222-222222222222")),
	RequestID1: id.RequestID(uuid.MustParse("aaaa0000-0000-0000-0000-000000000001")),
	RequestID2: id.RequestID(uuid.MustParse("aaaa0000-0000-0000-0000-000000000002")),
	SubjectID1: id.SubjectID(uuid.MustParse("bbbb0000-0000-0000-0000-000000000001")),
	SubjectID2: id.SubjectID(uuid.MustParse("bbbb0000-0000-0000-0000-000000000002")),
	PolicyID1:  id.PolicyID(uuid.MustParse("cccc0000-0000-0000-0000-000000000001")),
	ActorID1:   id.ActorID(uuid.MustParse("dddd0000-0000-0000-0000-000000000001")),
}

// ConsentBuilder provides a fluent interface for building test consent records.
type ConsentBuilder struct {
	record *consentmodels.Record
}

// NewConsentBuilder creates a new ConsentBuilder with sensible defaults.
func NewConsentBuilder() *ConsentBuilder {
	now := time.Now().UTC()
	return &ConsentBuilder{
		record: &consentmodels.Record{
			ID:            id.NewConsentID(),
			ParentContact: "parent@example.com",
			ParentName:    "Test Parent",
			ChildName:     "Test Child",
			ChildAge:      10,
			ConsentTypes:  []consentmodels.Type{consentmodels.TypeDataProcessing},
			Status:        consentmodels.StatusPending,
			SubmittedAt:   now,
			ExpiresAt:     now.Add(7 * 24 * time.Hour),
			Version:       1,
		},
	}
}

func (b *ConsentBuilder) WithID(consentID id.ConsentID) *ConsentBuilder {
	b.record.ID = consentID
	return b
}

func (b *ConsentBuilder) WithParentContact(contact string) *ConsentBuilder {
	b.record.ParentContact = contact
	return b
}

func (b *ConsentBuilder) WithChildAge(age int) *ConsentBuilder {
	b.record.ChildAge = age
	return b
}

func (b *ConsentBuilder) WithTypes(types ...consentmodels.Type) *ConsentBuilder {
	b.record.ConsentTypes = types
	return b
}

func (b *ConsentBuilder) WithStatus(status consentmodels.Status) *ConsentBuilder {
	b.record.Status = status
	return b
}

func (b *ConsentBuilder) WithTokenDigests(first, second string) *ConsentBuilder {
	b.record.FirstTokenDigest = first
	b.record.SecondTokenDigest = second
	return b
}

func (b *ConsentBuilder) SubmittedAt(t time.Time) *ConsentBuilder {
	b.record.SubmittedAt = t
	return b
}

func (b *ConsentBuilder) ExpiresAt(t time.Time) *ConsentBuilder {
	b.record.ExpiresAt = t
	return b
}

func (b *ConsentBuilder) Verified(at time.Time) *ConsentBuilder {
	first := at.Add(-time.Hour)
	b.record.Status = consentmodels.StatusVerified
	b.record.FirstConsentDate = &first
	b.record.SecondConsentDate = &at
	return b
}

func (b *ConsentBuilder) Revoked(at time.Time, reason string) *ConsentBuilder {
	b.record.Status = consentmodels.StatusRevoked
	b.record.RevokedAt = &at
	b.record.RevocationReason = reason
	return b
}

func (b *ConsentBuilder) Build() *consentmodels.Record {
	return b.record
}

// RequestBuilder provides a fluent interface for building test data-subject
// request records.
type RequestBuilder struct {
	record *dsrmodels.Record
}

// NewRequestBuilder creates a new RequestBuilder with sensible defaults.
func NewRequestBuilder() *RequestBuilder {
	now := time.Now().UTC()
	return &RequestBuilder{
		record: &dsrmodels.Record{
			ID:               id.NewRequestID(),
			Type:             dsrmodels.TypeAccess,
			RequesterRole:    dsrmodels.RoleParent,
			RequesterContact: "parent@example.com",
			Details:          "Requesting a copy of all records held about my child.",
			Status:           dsrmodels.StatusPending,
			Priority:         dsrmodels.PriorityMedium,
			SubmittedAt:      now,
			DueDate:          now.Add(30 * 24 * time.Hour),
			Version:          1,
		},
	}
}

func (b *RequestBuilder) WithID(requestID id.RequestID) *RequestBuilder {
	b.record.ID = requestID
	return b
}

func (b *RequestBuilder) WithType(t dsrmodels.Type) *RequestBuilder {
	b.record.Type = t
	return b
}

func (b *RequestBuilder) WithRole(role dsrmodels.Role) *RequestBuilder {
	b.record.RequesterRole = role
	return b
}

func (b *RequestBuilder) WithSubjectID(subjectID id.SubjectID) *RequestBuilder {
	b.record.SubjectID = &subjectID
	return b
}

func (b *RequestBuilder) WithStatus(status dsrmodels.Status) *RequestBuilder {
	b.record.Status = status
	return b
}

func (b *RequestBuilder) WithPriority(priority dsrmodels.Priority) *RequestBuilder {
	b.record.Priority = priority
	return b
}

func (b *RequestBuilder) WithDueDate(due time.Time) *RequestBuilder {
	b.record.DueDate = due
	return b
}

func (b *RequestBuilder) WithTokenDigest(digest string) *RequestBuilder {
	b.record.TokenDigest = digest
	return b
}

func (b *RequestBuilder) VerifiedAt(at time.Time) *RequestBuilder {
	b.record.Status = dsrmodels.StatusVerified
	b.record.VerifiedAt = &at
	return b
}

func (b *RequestBuilder) AssignedTo(actor id.ActorID) *RequestBuilder {
	b.record.Status = dsrmodels.StatusUnderReview
	b.record.Assignee = &actor
	return b
}

func (b *RequestBuilder) Build() *dsrmodels.Record {
	return b.record
}

// PolicyBuilder provides a fluent interface for building test retention
// policies.
type PolicyBuilder struct {
	policy *retentionmodels.Policy
}

// NewPolicyBuilder creates a new PolicyBuilder with sensible defaults.
func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{
		policy: &retentionmodels.Policy{
			ID:            id.NewPolicyID(),
			Name:          "test policy",
			EntityType:    "student",
			RetentionDays: 1095,
			Trigger:       retentionmodels.TriggerLastAccess,
			Action:        retentionmodels.ActionAnonymize,
			Active:        true,
		},
	}
}

func (b *PolicyBuilder) WithID(policyID id.PolicyID) *PolicyBuilder {
	b.policy.ID = policyID
	return b
}

func (b *PolicyBuilder) WithName(name string) *PolicyBuilder {
	b.policy.Name = name
	return b
}

func (b *PolicyBuilder) WithEntityType(entityType string) *PolicyBuilder {
	b.policy.EntityType = entityType
	return b
}

func (b *PolicyBuilder) WithRetentionDays(days int) *PolicyBuilder {
	b.policy.RetentionDays = days
	return b
}

func (b *PolicyBuilder) WithTrigger(trigger retentionmodels.Trigger) *PolicyBuilder {
	b.policy.Trigger = trigger
	return b
}

func (b *PolicyBuilder) WithAction(action retentionmodels.Action) *PolicyBuilder {
	b.policy.Action = action
	return b
}

func (b *PolicyBuilder) WithPriority(priority int) *PolicyBuilder {
	b.policy.Priority = priority
	return b
}

func (b *PolicyBuilder) Inactive() *PolicyBuilder {
	b.policy.Active = false
	return b
}

func (b *PolicyBuilder) WithExceptions(entityIDs ...string) *PolicyBuilder {
	b.policy.Exceptions = entityIDs
	return b
}

func (b *PolicyBuilder) WithNotificationLead(days int) *PolicyBuilder {
	b.policy.NotificationLeadDays = days
	return b
}

func (b *PolicyBuilder) Build() *retentionmodels.Policy {
	return b.policy
}

// Quick helper functions for simple test cases

// NewTestConsent creates a pending consent record with the given ID.
func NewTestConsent(consentID id.ConsentID) *consentmodels.Record {
	return NewConsentBuilder().
		WithID(consentID).
		Build()
}

// NewTestRequest creates a pending access request with the given IDs.
func NewTestRequest(requestID id.RequestID, subjectID id.SubjectID) *dsrmodels.Record {
	return NewRequestBuilder().
		WithID(requestID).
		WithSubjectID(subjectID).
		Build()
}

// NewTestPolicy creates an active anonymize policy with the given ID.
func NewTestPolicy(policyID id.PolicyID) *retentionmodels.Policy {
	return NewPolicyBuilder().
		WithID(policyID).
		Build()
}
