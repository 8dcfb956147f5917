package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"custodia/internal/dsr/export"
	"custodia/internal/dsr/metrics"
	"custodia/internal/dsr/models"
	"custodia/internal/dsr/store"
	"custodia/internal/notify"
	"custodia/internal/platform/clock"
	"custodia/internal/sentinel"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	audit "custodia/pkg/platform/audit"
	"custodia/pkg/platform/token"
	"custodia/pkg/platform/validation"
)

// Bounded retry for optimistic-lock races, same discipline as the consent
// workflow.
const maxUpdateAttempts = 3

const piiUsage = "student-data"

// Ledger is the contract the lifecycle needs from the audit ledger.
type Ledger interface {
	Append(ctx context.Context, entry audit.Entry) (id.EntryID, error)
	Query(ctx context.Context, filter audit.Filter) iter.Seq2[audit.Entry, error]
}

// Encrypter protects PII fields before they reach the store.
type Encrypter interface {
	Encrypt(ctx context.Context, usage string, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, ciphertext string) ([]byte, error)
}

type Option func(*Service)

// Service governs the lifecycle of the seven data-subject request types:
// submission, verification, assignment, processing, completion, rejection,
// and the portability export. Deadlines are frozen at submission and every
// transition is audited before it is acknowledged.
type Service struct {
	store    store.Store
	ledger   Ledger
	crypter  Encrypter
	notifier notify.Sink
	source   export.Source
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewService(st store.Store, ledger Ledger, crypter Encrypter, notifier notify.Sink, source export.Source, clk clock.Clock, opts ...Option) *Service {
	svc := &Service{
		store:    st,
		ledger:   ledger,
		crypter:  crypter,
		notifier: notifier,
		source:   source,
		clock:    clk,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// WithMetrics sets the metrics instance for the service.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger instance for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// SubmitRequest carries a new data-subject request.
type SubmitRequest struct {
	Type               models.Type
	RequesterRole      models.Role
	RequesterContact   string
	SubjectID          *id.SubjectID
	Details            string
	Urgent             bool
	VerificationMethod models.VerificationMethod
	LegalBasis         string
	OriginAddr         string
	ClientSignature    string
}

// SubmitResult reports what the requester needs to know after submission.
type SubmitResult struct {
	RequestID            id.RequestID
	DueDate              time.Time
	VerificationRequired bool
}

// Submit validates and persists a new pending request. The due date and
// priority are derived here and never recomputed.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := s.validateSubmit(&req); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	record := &models.Record{
		ID:              id.NewRequestID(),
		Type:            req.Type,
		RequesterRole:   req.RequesterRole,
		SubjectID:       req.SubjectID,
		Urgent:          req.Urgent,
		Status:          models.StatusPending,
		Priority:        models.DerivePriority(req.Type, req.Urgent),
		SubmittedAt:     now,
		DueDate:         models.DueDate(req.Type, req.Urgent, now),
		LegalBasis:      req.LegalBasis,
		OriginAddr:      req.OriginAddr,
		ClientSignature: req.ClientSignature,
	}

	verificationRequired := req.VerificationMethod.RequiresToken(req.RequesterRole)
	var rawToken string
	if verificationRequired {
		var digest string
		var err error
		rawToken, digest, err = token.New()
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue verification token")
		}
		record.TokenDigest = digest
	} else {
		// Authenticated self-service requests skip the token round trip.
		record.Status = models.StatusVerified
		record.VerifiedAt = &now
	}

	if err := s.encryptPII(ctx, record, req); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, record); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save request record")
	}

	if err := s.audit(ctx, record, audit.ActionRequestSubmitted, severityFor(record), map[string]any{
		"request_type": string(record.Type),
		"priority":     string(record.Priority),
		"urgent":       record.Urgent,
		"due_date":     record.DueDate,
	}); err != nil {
		s.abandon(ctx, record)
		return nil, err
	}

	if verificationRequired {
		s.notify(ctx, notify.Intent{
			Kind:      notify.KindRequestVerification,
			Recipient: req.RequesterContact,
			Token:     rawToken,
			EntityID:  record.ID.String(),
			CreatedAt: now,
		})
	}
	if s.metrics != nil {
		s.metrics.IncrementSubmitted(string(record.Type), string(record.Priority))
	}
	s.log(ctx, "data-subject request submitted",
		"request_id", record.ID.String(),
		"type", record.Type,
		"priority", record.Priority,
		"due", record.DueDate,
	)
	return &SubmitResult{
		RequestID:            record.ID,
		DueDate:              record.DueDate,
		VerificationRequired: verificationRequired,
	}, nil
}

// Verify redeems the emailed token and moves the request to verified.
func (s *Service) Verify(ctx context.Context, requestID id.RequestID, rawToken string) error {
	if rawToken == "" {
		return dErrors.New(dErrors.CodeValidation, "verification token is required")
	}
	return s.transition(ctx, requestID, models.StatusVerified, func(record *models.Record, now time.Time) error {
		if record.TokenDigest == "" {
			return dErrors.New(dErrors.CodeInvalidTransition, "request does not use token verification")
		}
		if record.Status != models.StatusPending {
			s.countFailure("already_verified")
			return dErrors.New(dErrors.CodeAlreadyVerified, "request already verified")
		}
		if !token.Matches(rawToken, record.TokenDigest) {
			s.countFailure("token_mismatch")
			return dErrors.New(dErrors.CodeNotFound, "verification token not recognized")
		}
		// Tokens live as long as the request deadline; a request nobody
		// verified within its own window is dead anyway.
		if now.After(record.DueDate) {
			s.countFailure("token_expired")
			return dErrors.New(dErrors.CodeTokenExpired, "verification window has closed")
		}
		record.VerifiedAt = &now
		return nil
	}, audit.ActionRequestVerified, nil)
}

// Assign hands a verified request to an operator for review.
func (s *Service) Assign(ctx context.Context, requestID id.RequestID, assignee id.ActorID) error {
	if assignee.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "assignee is required")
	}
	return s.transition(ctx, requestID, models.StatusUnderReview, func(record *models.Record, _ time.Time) error {
		record.Assignee = &assignee
		return nil
	}, audit.ActionRequestAssigned, map[string]any{
		"assignee": assignee.String(),
	})
}

// Process records the operator's outcome. The action list rides into the
// audit entry; it is the later legal proof of what was actually done.
func (s *Service) Process(ctx context.Context, requestID id.RequestID, responseDetails string, actionsTaken []string) error {
	if err := validation.CheckRequired("response details", responseDetails); err != nil {
		return err
	}
	if err := validation.CheckSliceCount("actions taken", len(actionsTaken), validation.MaxActionsTaken); err != nil {
		return err
	}
	return s.transition(ctx, requestID, models.StatusProcessed, func(record *models.Record, now time.Time) error {
		record.ResponseDetails = responseDetails
		record.ActionsTaken = append([]string(nil), actionsTaken...)
		record.ProcessedAt = &now
		return nil
	}, audit.ActionRequestProcessed, map[string]any{
		"actions_taken": actionsTaken,
	})
}

// Complete closes out a processed request.
func (s *Service) Complete(ctx context.Context, requestID id.RequestID) error {
	return s.transition(ctx, requestID, models.StatusCompleted, func(record *models.Record, now time.Time) error {
		record.CompletedAt = &now
		if s.metrics != nil {
			s.metrics.ObserveCompletionDays(now.Sub(record.SubmittedAt).Hours() / 24)
		}
		return nil
	}, audit.ActionRequestCompleted, nil)
}

// Reject declines a request. Legal from any non-terminal state.
func (s *Service) Reject(ctx context.Context, requestID id.RequestID, reason string) error {
	if err := validation.CheckRequired("reason", reason); err != nil {
		return err
	}
	if err := validation.CheckStringLength("reason", reason, validation.MaxReasonLength); err != nil {
		return err
	}
	return s.transition(ctx, requestID, models.StatusRejected, func(record *models.Record, _ time.Time) error {
		record.RejectionReason = reason
		return nil
	}, audit.ActionRequestRejected, map[string]any{
		"reason": reason,
	})
}

// transition runs one state-machine step under optimistic concurrency:
// load, check legality, apply, persist, audit, roll back on audit failure.
func (s *Service) transition(ctx context.Context, requestID id.RequestID, to models.Status,
	apply func(*models.Record, time.Time) error, action string, details map[string]any) error {

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		record, err := s.store.FindByID(ctx, requestID)
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "request not found")
		}
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load request record")
		}

		// apply runs before the legality check so operation-specific failures
		// (wrong token, already verified) surface with their own codes
		// instead of a generic transition error.
		now := s.clock.Now()
		prior := *record
		if err := apply(record, now); err != nil {
			return err
		}
		if !prior.Status.CanTransition(to) {
			s.countFailure("invalid_transition")
			return dErrors.New(dErrors.CodeInvalidTransition,
				fmt.Sprintf("cannot move request from %s to %s", prior.Status, to))
		}
		record.Status = to

		err = s.store.Update(ctx, record)
		if errors.Is(err, sentinel.ErrConflict) {
			continue
		}
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update request record")
		}

		if err := s.audit(ctx, record, action, severityFor(record), details); err != nil {
			s.rollback(ctx, record, &prior)
			return err
		}
		if s.metrics != nil {
			s.metrics.IncrementTransition(string(to))
		}
		s.log(ctx, "request transitioned",
			"request_id", requestID.String(), "to", to)
		return nil
	}
	return dErrors.New(dErrors.CodeConcurrentModification, "request record changed during transition")
}

// Status returns the read-only projection of a request's progress.
func (s *Service) Status(ctx context.Context, requestID id.RequestID) (*models.StatusView, error) {
	record, err := s.store.FindByID(ctx, requestID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "request not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load request record")
	}
	return &models.StatusView{
		RequestID:           record.ID,
		Status:              record.Status,
		Priority:            record.Priority,
		SubmittedAt:         record.SubmittedAt,
		DueDate:             record.DueDate,
		EstimatedCompletion: record.DueDate,
	}, nil
}

// Get returns a request record with PII fields decrypted.
func (s *Service) Get(ctx context.Context, requestID id.RequestID) (*models.Record, error) {
	record, err := s.store.FindByID(ctx, requestID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "request not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load request record")
	}
	contact, err := s.crypter.Decrypt(ctx, record.RequesterContact)
	if err != nil {
		return nil, err
	}
	details, err := s.crypter.Decrypt(ctx, record.Details)
	if err != nil {
		return nil, err
	}
	record.RequesterContact = string(contact)
	record.Details = string(details)
	return record, nil
}

// List returns matching request records with PII left encrypted.
func (s *Service) List(ctx context.Context, filter *store.Filter) ([]*models.Record, error) {
	records, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list request records")
	}
	return records, nil
}

// ListOverdue returns non-terminal requests past their deadline and updates
// the overdue gauge.
func (s *Service) ListOverdue(ctx context.Context) ([]*models.Record, error) {
	records, err := s.store.ListOverdue(ctx, s.clock.Now())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list overdue requests")
	}
	if s.metrics != nil {
		s.metrics.SetOverdue(float64(len(records)))
	}
	return records, nil
}

// ExportData materializes the portability bundle for a subject. A pure read;
// the only side effect is the audit entry recording that an export happened.
func (s *Service) ExportData(ctx context.Context, subjectID id.SubjectID, format export.Format, includeProgress, includeAuditLogs bool) ([]byte, *export.Bundle, error) {
	if subjectID.IsNil() {
		return nil, nil, dErrors.New(dErrors.CodeValidation, "subject id is required")
	}
	if !format.IsValid() {
		return nil, nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unsupported export format: %s", format))
	}

	student, err := s.source.Student(ctx, subjectID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil, dErrors.New(dErrors.CodeNotFound, "subject not found")
	}
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load subject")
	}

	bundle := &export.Bundle{
		Student:    student,
		Progress:   []export.ProgressRecord{},
		AuditLogs:  []export.AuditEvent{},
		ExportedAt: s.clock.Now(),
	}
	if includeProgress {
		progress, err := s.source.Progress(ctx, subjectID)
		if err != nil {
			return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load progress records")
		}
		if len(progress) > 0 {
			bundle.Progress = progress
		}
	}
	if includeAuditLogs {
		for entry, err := range s.ledger.Query(ctx, audit.Filter{EntityID: subjectID.String()}) {
			if err != nil {
				return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read audit history")
			}
			bundle.AuditLogs = append(bundle.AuditLogs, export.AuditEvent{
				Action:    entry.Action,
				Severity:  string(entry.Severity),
				Timestamp: entry.Timestamp,
			})
		}
	}

	encoded, err := export.Encode(bundle, format)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode export bundle")
	}

	_, err = s.ledger.Append(ctx, audit.Entry{
		EntityType: "subject",
		EntityID:   subjectID.String(),
		Action:     audit.ActionDataExported,
		Category:   audit.CategoryRequest,
		Severity:   audit.SeverityMedium,
		Details: map[string]any{
			"format":             string(format),
			"include_progress":   includeProgress,
			"include_audit_logs": includeAuditLogs,
		},
	})
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeAuditWriteFailed, "data export not audited")
	}
	if s.metrics != nil {
		s.metrics.IncrementExports(string(format))
	}
	return encoded, bundle, nil
}

// OpenForSubject reports whether the subject has a non-terminal request.
// Retention deletion calls this before removing anything.
func (s *Service) OpenForSubject(ctx context.Context, subjectID id.SubjectID) (bool, error) {
	return s.store.OpenForSubject(ctx, subjectID)
}

// Count reports the total number of requests, for the health surface.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.Count(ctx)
}

// CountPending reports requests still awaiting verification.
func (s *Service) CountPending(ctx context.Context) (int64, error) {
	return s.store.CountByStatus(ctx, models.StatusPending)
}

func (s *Service) validateSubmit(req *SubmitRequest) error {
	if !req.Type.IsValid() {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unrecognized request type: %s", req.Type))
	}
	if !req.RequesterRole.IsValid() {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unrecognized requester role: %s", req.RequesterRole))
	}
	if !req.VerificationMethod.IsValid() {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unrecognized verification method: %s", req.VerificationMethod))
	}
	if err := validation.CheckContact("requester contact", req.RequesterContact); err != nil {
		return err
	}
	if err := validation.CheckMinLength("details", req.Details, validation.MinDetailsLength); err != nil {
		return err
	}
	if err := validation.CheckStringLength("details", req.Details, validation.MaxDetailsLength); err != nil {
		return err
	}
	if err := validation.CheckRequired("origin address", req.OriginAddr); err != nil {
		return err
	}
	return validation.CheckStringLength("client signature", req.ClientSignature, validation.MaxClientSignatureLength)
}

func (s *Service) encryptPII(ctx context.Context, record *models.Record, req SubmitRequest) error {
	var err error
	if record.RequesterContact, err = s.crypter.Encrypt(ctx, piiUsage, []byte(req.RequesterContact)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to encrypt requester contact")
	}
	if record.Details, err = s.crypter.Encrypt(ctx, piiUsage, []byte(req.Details)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to encrypt request details")
	}
	return nil
}

func (s *Service) audit(ctx context.Context, record *models.Record, action string, severity audit.Severity, details map[string]any) error {
	_, err := s.ledger.Append(ctx, audit.Entry{
		EntityType: "request_record",
		EntityID:   record.ID.String(),
		Action:     action,
		Category:   audit.CategoryRequest,
		Severity:   severity,
		Details:    details,
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeAuditWriteFailed, "request state change not audited")
	}
	return nil
}

// rollback restores the prior field values after a failed audit write.
func (s *Service) rollback(ctx context.Context, current *models.Record, prior *models.Record) {
	restored := *prior
	restored.Version = current.Version
	if err := s.store.Update(ctx, &restored); err != nil {
		s.log(ctx, "failed to roll back request record after audit failure",
			"request_id", current.ID.String(), "error", err)
	}
}

// abandon rejects a freshly saved record whose submission audit failed.
func (s *Service) abandon(ctx context.Context, record *models.Record) {
	dead := *record
	dead.Status = models.StatusRejected
	dead.RejectionReason = "submission could not be audited"
	if err := s.store.Update(ctx, &dead); err != nil {
		s.log(ctx, "failed to abandon unaudited request record",
			"request_id", record.ID.String(), "error", err)
	}
}

// severityFor grades audit entries: erasure and restriction halt processing
// and land higher than the informational request types.
func severityFor(record *models.Record) audit.Severity {
	if record.Urgent {
		return audit.SeverityHigh
	}
	if record.Type == models.TypeErasure || record.Type == models.TypeRestriction {
		return audit.SeverityHigh
	}
	return audit.SeverityMedium
}

func (s *Service) notify(ctx context.Context, intent notify.Intent) {
	if s.notifier == nil {
		return
	}
	s.notifier.Send(ctx, intent)
}

func (s *Service) countFailure(reason string) {
	if s.metrics != nil {
		s.metrics.IncrementTransitionFailed(reason)
	}
}

func (s *Service) log(ctx context.Context, msg string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.InfoContext(ctx, msg, args...)
}
