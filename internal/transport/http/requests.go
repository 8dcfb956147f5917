package httptransport

import (
	"strings"

	consentmodels "custodia/internal/consent/models"
	consentservice "custodia/internal/consent/service"
	dsrmodels "custodia/internal/dsr/models"
	dsrservice "custodia/internal/dsr/service"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/validation"
)

// ConsentSubmitRequest is the public consent submission body.
type ConsentSubmitRequest struct {
	ParentContact string   `json:"parentContact" validate:"required,email,max=255"`
	ParentName    string   `json:"parentName" validate:"required,notblank,max=200"`
	ChildName     string   `json:"childName" validate:"required,notblank,max=200"`
	ChildAge      int      `json:"childAge" validate:"min=0,max=17"`
	ConsentTypes  []string `json:"consentTypes" validate:"required,min=1,max=10,dive,notblank"`
}

func (r *ConsentSubmitRequest) Normalize() {
	if r == nil {
		return
	}
	r.ParentContact = strings.TrimSpace(r.ParentContact)
	r.ParentName = strings.TrimSpace(r.ParentName)
	r.ChildName = strings.TrimSpace(r.ChildName)
	for i, t := range r.ConsentTypes {
		r.ConsentTypes[i] = strings.ToLower(strings.TrimSpace(t))
	}
}

func (r *ConsentSubmitRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	return validation.Validate(r)
}

// ToService converts the DTO into the service submission, attaching origin
// metadata captured by the middleware.
func (r *ConsentSubmitRequest) ToService(originAddr, clientSignature string) consentservice.SubmitRequest {
	types := make([]consentmodels.Type, 0, len(r.ConsentTypes))
	for _, t := range r.ConsentTypes {
		types = append(types, consentmodels.Type(t))
	}
	return consentservice.SubmitRequest{
		ParentContact:   r.ParentContact,
		ParentName:      r.ParentName,
		ChildName:       r.ChildName,
		ChildAge:        r.ChildAge,
		ConsentTypes:    types,
		OriginAddr:      originAddr,
		ClientSignature: clientSignature,
	}
}

// PreferencesRequest carries per-category consent flags for a subject.
type PreferencesRequest struct {
	Essential       bool `json:"essential"`
	Functional      bool `json:"functional"`
	Analytics       bool `json:"analytics"`
	Marketing       bool `json:"marketing"`
	Personalization bool `json:"personalization"`
}

func (r *PreferencesRequest) ToModel(originAddr, clientSignature string) consentmodels.Preferences {
	return consentmodels.Preferences{
		Essential:       r.Essential,
		Functional:      r.Functional,
		Analytics:       r.Analytics,
		Marketing:       r.Marketing,
		Personalization: r.Personalization,
		OriginAddr:      originAddr,
		ClientSignature: clientSignature,
	}
}

// RevokeConsentRequest carries the revocation reason.
type RevokeConsentRequest struct {
	Reason string `json:"reason" validate:"required,notblank,max=1000"`
}

func (r *RevokeConsentRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	return validation.Validate(r)
}

// RequestSubmitRequest is the public data-subject request submission body.
type RequestSubmitRequest struct {
	Type               string  `json:"type" validate:"required,oneof=access rectification erasure restriction portability objection withdraw_consent"`
	RequesterRole      string  `json:"requesterRole" validate:"required,oneof=parent legal_guardian data_protection_officer self"`
	RequesterContact   string  `json:"requesterContact" validate:"required,email,max=255"`
	SubjectID          *string `json:"subjectId,omitempty" validate:"omitempty,uuid"`
	Details            string  `json:"details" validate:"required,min=10,max=5000"`
	Urgent             bool    `json:"urgent"`
	VerificationMethod string  `json:"verificationMethod" validate:"omitempty,oneof=email authenticated"`
	LegalBasis         string  `json:"legalBasis" validate:"max=1000"`
}

func (r *RequestSubmitRequest) Normalize() {
	if r == nil {
		return
	}
	r.Type = strings.ToLower(strings.TrimSpace(r.Type))
	r.RequesterRole = strings.ToLower(strings.TrimSpace(r.RequesterRole))
	r.RequesterContact = strings.TrimSpace(r.RequesterContact)
	r.Details = strings.TrimSpace(r.Details)
	if r.VerificationMethod == "" {
		r.VerificationMethod = string(dsrmodels.MethodEmail)
	}
}

func (r *RequestSubmitRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	return validation.Validate(r)
}

func (r *RequestSubmitRequest) ToService(originAddr, clientSignature string) (dsrservice.SubmitRequest, error) {
	req := dsrservice.SubmitRequest{
		Type:               dsrmodels.Type(r.Type),
		RequesterRole:      dsrmodels.Role(r.RequesterRole),
		RequesterContact:   r.RequesterContact,
		Details:            r.Details,
		Urgent:             r.Urgent,
		VerificationMethod: dsrmodels.VerificationMethod(r.VerificationMethod),
		LegalBasis:         r.LegalBasis,
		OriginAddr:         originAddr,
		ClientSignature:    clientSignature,
	}
	if r.SubjectID != nil {
		subjectID, err := id.ParseSubjectID(*r.SubjectID)
		if err != nil {
			return dsrservice.SubmitRequest{}, err
		}
		req.SubjectID = &subjectID
	}
	return req, nil
}

// AssignRequest names the staff member taking the request.
type AssignRequest struct {
	Assignee string `json:"assignee" validate:"required,uuid"`
}

func (r *AssignRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	return validation.Validate(r)
}

// ProcessRequest records the work performed on a request.
type ProcessRequest struct {
	ResponseDetails string   `json:"responseDetails" validate:"required,notblank,max=5000"`
	ActionsTaken    []string `json:"actionsTaken" validate:"max=50,dive,notblank"`
}

func (r *ProcessRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	return validation.Validate(r)
}

// RejectRequest carries the rejection reason.
type RejectRequest struct {
	Reason string `json:"reason" validate:"required,notblank,max=1000"`
}

func (r *RejectRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	return validation.Validate(r)
}

// RotateKeyRequest names the usage whose key should rotate.
type RotateKeyRequest struct {
	Usage string `json:"usage" validate:"required,notblank,max=100"`
}

func (r *RotateKeyRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	return validation.Validate(r)
}

// PolicyRequest creates or replaces a retention policy.
type PolicyRequest struct {
	ID                   *string  `json:"id,omitempty" validate:"omitempty,uuid"`
	Name                 string   `json:"name" validate:"required,notblank,max=200"`
	EntityType           string   `json:"entityType" validate:"required,notblank,max=100"`
	RetentionDays        int      `json:"retentionDays" validate:"min=0"`
	Trigger              string   `json:"trigger" validate:"required,oneof=creation_date last_access expiry_date"`
	Action               string   `json:"action" validate:"required,oneof=anonymize delete archive"`
	Priority             int      `json:"priority"`
	Active               bool     `json:"active"`
	NotificationLeadDays int      `json:"notificationLeadDays" validate:"min=0"`
	LegalBasis           string   `json:"legalBasis" validate:"max=1000"`
	Exceptions           []string `json:"exceptions" validate:"max=1000,dive,notblank"`
}

func (r *PolicyRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	return validation.Validate(r)
}
