package httptransport

import (
	"time"

	consentmodels "custodia/internal/consent/models"
	dsrmodels "custodia/internal/dsr/models"
	retentionmodels "custodia/internal/retention/models"
)

// ConsentRecordView is the staff-facing projection of a consent record.
// Listing never exposes decrypted PII; the single-record read does, because
// it is the DPO surface for answering access requests.
type ConsentRecordView struct {
	ConsentID         string     `json:"consentId"`
	Status            string     `json:"status"`
	ConsentTypes      []string   `json:"consentTypes"`
	ChildAge          int        `json:"childAge"`
	SubmittedAt       time.Time  `json:"submittedAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	FirstConsentDate  *time.Time `json:"firstConsentDate,omitempty"`
	SecondConsentDate *time.Time `json:"secondConsentDate,omitempty"`
	RevokedAt         *time.Time `json:"revokedAt,omitempty"`
	RevocationReason  string     `json:"revocationReason,omitempty"`

	ParentContact string `json:"parentContact,omitempty"`
	ParentName    string `json:"parentName,omitempty"`
	ChildName     string `json:"childName,omitempty"`
}

func consentRecordView(r *consentmodels.Record, includePII bool) ConsentRecordView {
	types := make([]string, 0, len(r.ConsentTypes))
	for _, t := range r.ConsentTypes {
		types = append(types, string(t))
	}
	view := ConsentRecordView{
		ConsentID:         r.ID.String(),
		Status:            string(r.Status),
		ConsentTypes:      types,
		ChildAge:          r.ChildAge,
		SubmittedAt:       r.SubmittedAt,
		ExpiresAt:         r.ExpiresAt,
		FirstConsentDate:  r.FirstConsentDate,
		SecondConsentDate: r.SecondConsentDate,
		RevokedAt:         r.RevokedAt,
		RevocationReason:  r.RevocationReason,
	}
	if includePII {
		view.ParentContact = r.ParentContact
		view.ParentName = r.ParentName
		view.ChildName = r.ChildName
	}
	return view
}

// PreferencesView projects a preference snapshot.
type PreferencesView struct {
	PreferencesID   string    `json:"preferencesId"`
	Version         int       `json:"version"`
	Essential       bool      `json:"essential"`
	Functional      bool      `json:"functional"`
	Analytics       bool      `json:"analytics"`
	Marketing       bool      `json:"marketing"`
	Personalization bool      `json:"personalization"`
	RecordedAt      time.Time `json:"recordedAt"`
}

func preferencesView(p *consentmodels.Preferences) PreferencesView {
	return PreferencesView{
		PreferencesID:   p.ID.String(),
		Version:         p.Version,
		Essential:       p.Essential,
		Functional:      p.Functional,
		Analytics:       p.Analytics,
		Marketing:       p.Marketing,
		Personalization: p.Personalization,
		RecordedAt:      p.RecordedAt,
	}
}

// RequestRecordView is the staff-facing projection of a request record.
type RequestRecordView struct {
	RequestID        string     `json:"requestId"`
	Type             string     `json:"type"`
	Status           string     `json:"status"`
	Priority         string     `json:"priority"`
	RequesterRole    string     `json:"requesterRole"`
	SubjectID        string     `json:"subjectId,omitempty"`
	Assignee         string     `json:"assignee,omitempty"`
	SubmittedAt      time.Time  `json:"submittedAt"`
	DueDate          time.Time  `json:"dueDate"`
	VerifiedAt       *time.Time `json:"verifiedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	RequesterContact string     `json:"requesterContact,omitempty"`
	Details          string     `json:"details,omitempty"`
	ResponseDetails  string     `json:"responseDetails,omitempty"`
	ActionsTaken     []string   `json:"actionsTaken,omitempty"`
	RejectionReason  string     `json:"rejectionReason,omitempty"`
}

func requestRecordView(r *dsrmodels.Record, includePII bool) RequestRecordView {
	view := RequestRecordView{
		RequestID:       r.ID.String(),
		Type:            string(r.Type),
		Status:          string(r.Status),
		Priority:        string(r.Priority),
		RequesterRole:   string(r.RequesterRole),
		SubmittedAt:     r.SubmittedAt,
		DueDate:         r.DueDate,
		VerifiedAt:      r.VerifiedAt,
		CompletedAt:     r.CompletedAt,
		ResponseDetails: r.ResponseDetails,
		ActionsTaken:    r.ActionsTaken,
		RejectionReason: r.RejectionReason,
	}
	if r.SubjectID != nil {
		view.SubjectID = r.SubjectID.String()
	}
	if r.Assignee != nil {
		view.Assignee = r.Assignee.String()
	}
	if includePII {
		view.RequesterContact = r.RequesterContact
		view.Details = r.Details
	}
	return view
}

// StatusResponse is the public request status read.
type StatusResponse struct {
	RequestID           string    `json:"requestId"`
	Status              string    `json:"status"`
	Priority            string    `json:"priority"`
	SubmittedAt         time.Time `json:"submittedAt"`
	DueDate             time.Time `json:"dueDate"`
	EstimatedCompletion time.Time `json:"estimatedCompletion"`
}

// PolicyView projects a retention policy.
type PolicyView struct {
	PolicyID             string     `json:"policyId"`
	Name                 string     `json:"name"`
	EntityType           string     `json:"entityType"`
	RetentionDays        int        `json:"retentionDays"`
	Trigger              string     `json:"trigger"`
	Action               string     `json:"action"`
	Priority             int        `json:"priority"`
	Active               bool       `json:"active"`
	NotificationLeadDays int        `json:"notificationLeadDays"`
	LegalBasis           string     `json:"legalBasis,omitempty"`
	Exceptions           []string   `json:"exceptions,omitempty"`
	LastExecuted         *time.Time `json:"lastExecuted,omitempty"`
	RecordsProcessed     int64      `json:"recordsProcessed"`
}

func policyView(p *retentionmodels.Policy) PolicyView {
	return PolicyView{
		PolicyID:             p.ID.String(),
		Name:                 p.Name,
		EntityType:           p.EntityType,
		RetentionDays:        p.RetentionDays,
		Trigger:              string(p.Trigger),
		Action:               string(p.Action),
		Priority:             p.Priority,
		Active:               p.Active,
		NotificationLeadDays: p.NotificationLeadDays,
		LegalBasis:           p.LegalBasis,
		Exceptions:           p.Exceptions,
		LastExecuted:         p.LastExecuted,
		RecordsProcessed:     p.RecordsProcessed,
	}
}

// HealthResponse is the compliance health surface.
type HealthResponse struct {
	GDPREnabled             bool      `json:"gdprEnabled"`
	ParentalConsentRequired bool      `json:"parentalConsentRequired"`
	DataRetentionDays       int       `json:"dataRetentionDays"`
	AuditLogRetentionDays   int       `json:"auditLogRetentionDays"`
	EncryptionEnabled       bool      `json:"encryptionEnabled"`
	TotalConsentRecords     int64     `json:"totalConsentRecords"`
	TotalGDPRRequests       int64     `json:"totalGdprRequests"`
	PendingRequests         int64     `json:"pendingRequests"`
	Timestamp               time.Time `json:"timestamp"`
}
