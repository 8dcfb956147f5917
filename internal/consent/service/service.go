package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"custodia/internal/consent/metrics"
	"custodia/internal/consent/models"
	"custodia/internal/consent/store"
	"custodia/internal/notify"
	"custodia/internal/platform/clock"
	"custodia/internal/sentinel"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	audit "custodia/pkg/platform/audit"
	"custodia/pkg/platform/token"
	"custodia/pkg/platform/validation"
)

const (
	defaultVerificationWindow = 7 * 24 * time.Hour

	// Bounded retry for optimistic-lock races. One retry is usually enough;
	// three keeps pathological contention from looping forever.
	maxUpdateAttempts = 3

	piiUsage = "student-data"
)

// Ledger is the append contract the workflow needs from the audit ledger.
type Ledger interface {
	Append(ctx context.Context, entry audit.Entry) (id.EntryID, error)
}

// Encrypter protects PII fields before they reach the store.
type Encrypter interface {
	Encrypt(ctx context.Context, usage string, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, ciphertext string) ([]byte, error)
}

type Option func(*Service)

// Service runs the double opt-in parental consent workflow. Every state
// change is audited before the operation returns; an audit write failure
// rolls the record back and fails the operation, because an unaudited
// compliance action is not a legally valid one.
type Service struct {
	store    store.Store
	ledger   Ledger
	crypter  Encrypter
	notifier notify.Sink
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
	window   time.Duration
}

func NewService(st store.Store, ledger Ledger, crypter Encrypter, notifier notify.Sink, clk clock.Clock, opts ...Option) *Service {
	svc := &Service{
		store:    st,
		ledger:   ledger,
		crypter:  crypter,
		notifier: notifier,
		clock:    clk,
		window:   defaultVerificationWindow,
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

// WithVerificationWindow configures how long parents have to complete both
// opt-in steps. Defaults to 7 days.
func WithVerificationWindow(window time.Duration) Option {
	return func(s *Service) {
		if window > 0 {
			s.window = window
		}
	}
}

// SubmitRequest carries a new consent submission.
type SubmitRequest struct {
	ParentContact   string
	ParentName      string
	ChildName       string
	ChildAge        int
	ConsentTypes    []models.Type
	OriginAddr      string
	ClientSignature string
}

// VerificationResult reports the outcome of a successful opt-in step.
type VerificationResult struct {
	ConsentID id.ConsentID
	Step      models.VerificationStep
	Status    models.Status
	Message   string
}

// Submit validates and persists a new pending consent record, issues the
// first verification token, and raises a notification intent carrying it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (id.ConsentID, error) {
	start := time.Now()
	if err := s.validateSubmit(&req); err != nil {
		return id.ConsentID{}, err
	}
	types, err := models.NormalizeTypes(req.ConsentTypes)
	if err != nil {
		return id.ConsentID{}, err
	}

	rawToken, digest, err := token.New()
	if err != nil {
		return id.ConsentID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue verification token")
	}

	now := s.clock.Now()
	record := &models.Record{
		ID:               id.NewConsentID(),
		ChildAge:         req.ChildAge,
		ConsentTypes:     types,
		Status:           models.StatusPending,
		FirstTokenDigest: digest,
		ExpiresAt:        now.Add(s.window),
		SubmittedAt:      now,
		OriginAddr:       req.OriginAddr,
		ClientSignature:  req.ClientSignature,
	}
	if err := s.encryptPII(ctx, record, req); err != nil {
		return id.ConsentID{}, err
	}
	if err := s.store.Save(ctx, record); err != nil {
		return id.ConsentID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save consent record")
	}

	if err := s.audit(ctx, record, audit.ActionConsentSubmitted, audit.SeverityMedium, map[string]any{
		"child_age":     record.ChildAge,
		"consent_types": typesAsStrings(types),
		"expires_at":    record.ExpiresAt,
	}); err != nil {
		// The record exists but the submission is not proven. Expire it so
		// the tokens can never be used, then fail the operation.
		s.abandon(ctx, record)
		return id.ConsentID{}, err
	}

	s.notify(ctx, notify.Intent{
		Kind:      notify.KindConsentFirstVerification,
		Recipient: req.ParentContact,
		Token:     rawToken,
		EntityID:  record.ID.String(),
		CreatedAt: now,
	})
	if s.metrics != nil {
		s.metrics.IncrementSubmitted()
		s.metrics.ObserveSubmitLatency(time.Since(start).Seconds())
	}
	s.log(ctx, "consent submitted", "consent_id", record.ID.String(), "child_age", record.ChildAge)
	return record.ID, nil
}

// Verify resolves which opt-in step the token belongs to and applies it.
// Concurrent calls with the same token produce exactly one transition; the
// loser observes the already-advanced state and fails with AlreadyVerified.
func (s *Service) Verify(ctx context.Context, rawToken string) (*VerificationResult, error) {
	if rawToken == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "verification token is required")
	}
	digest := token.Digest(rawToken)

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		record, step, err := s.store.FindByTokenDigest(ctx, digest)
		if errors.Is(err, sentinel.ErrNotFound) {
			s.countFailure("token_not_found")
			return nil, dErrors.New(dErrors.CodeNotFound, "verification token not recognized")
		}
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up verification token")
		}

		var result *VerificationResult
		switch step {
		case models.StepFirst:
			result, err = s.verifyFirst(ctx, record)
		case models.StepSecond:
			result, err = s.verifySecond(ctx, record)
		default:
			return nil, dErrors.New(dErrors.CodeInternal, "unknown verification step")
		}
		if errors.Is(err, sentinel.ErrConflict) {
			continue // re-read and re-evaluate against the advanced state
		}
		if err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.IncrementVerified(string(step))
		}
		return result, nil
	}
	return nil, dErrors.New(dErrors.CodeConcurrentModification, "consent record changed during verification")
}

func (s *Service) verifyFirst(ctx context.Context, record *models.Record) (*VerificationResult, error) {
	now := s.clock.Now()
	if record.Status == models.StatusExpired || record.IsExpired(now) {
		s.countFailure("token_expired")
		return nil, dErrors.New(dErrors.CodeTokenExpired, "verification window has closed")
	}
	if record.Status != models.StatusPending {
		s.countFailure("already_verified")
		return nil, dErrors.New(dErrors.CodeAlreadyVerified, "first opt-in step already completed")
	}

	secondRaw, secondDigest, err := token.New()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue second verification token")
	}

	prior := *record
	record.Status = models.StatusFirstVerified
	record.FirstConsentDate = &now
	record.SecondTokenDigest = secondDigest

	if err := s.store.Update(ctx, record); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, sentinel.ErrConflict
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update consent record")
	}
	if err := s.audit(ctx, record, audit.ActionConsentFirstVerified, audit.SeverityMedium, map[string]any{
		"first_consent_date": now,
	}); err != nil {
		s.rollback(ctx, record, &prior)
		return nil, err
	}

	recipient, decErr := s.crypter.Decrypt(ctx, record.ParentContact)
	if decErr != nil {
		s.log(ctx, "cannot decrypt parent contact for second opt-in notice",
			"consent_id", record.ID.String(), "error", decErr)
	} else {
		s.notify(ctx, notify.Intent{
			Kind:      notify.KindConsentSecondVerification,
			Recipient: string(recipient),
			Token:     secondRaw,
			EntityID:  record.ID.String(),
			CreatedAt: now,
		})
	}
	return &VerificationResult{
		ConsentID: record.ID,
		Step:      models.StepFirst,
		Status:    record.Status,
		Message:   "First confirmation recorded. A second confirmation link has been sent.",
	}, nil
}

func (s *Service) verifySecond(ctx context.Context, record *models.Record) (*VerificationResult, error) {
	now := s.clock.Now()
	if record.Status == models.StatusExpired || record.IsExpired(now) {
		s.countFailure("token_expired")
		return nil, dErrors.New(dErrors.CodeTokenExpired, "verification window has closed")
	}
	switch record.Status {
	case models.StatusFirstVerified:
		// the only state the second token is valid in
	case models.StatusPending:
		s.countFailure("first_step_missing")
		return nil, dErrors.New(dErrors.CodeFirstStepMissing, "first opt-in step has not been completed")
	default:
		s.countFailure("already_verified")
		return nil, dErrors.New(dErrors.CodeAlreadyVerified, "consent already fully verified")
	}

	prior := *record
	record.Status = models.StatusVerified
	record.SecondConsentDate = &now

	if err := s.store.Update(ctx, record); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, sentinel.ErrConflict
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update consent record")
	}
	if err := s.audit(ctx, record, audit.ActionConsentVerified, audit.SeverityHigh, map[string]any{
		"verification_date": now,
	}); err != nil {
		s.rollback(ctx, record, &prior)
		return nil, err
	}
	s.log(ctx, "consent fully verified", "consent_id", record.ID.String())
	return &VerificationResult{
		ConsentID: record.ID,
		Step:      models.StepSecond,
		Status:    record.Status,
		Message:   "Consent verified. Thank you for confirming twice.",
	}, nil
}

// Revoke withdraws a fully verified consent. Only legal from verified.
func (s *Service) Revoke(ctx context.Context, consentID id.ConsentID, reason string) error {
	if err := validation.CheckStringLength("reason", reason, validation.MaxReasonLength); err != nil {
		return err
	}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		record, err := s.store.FindByID(ctx, consentID)
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "consent record not found")
		}
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load consent record")
		}
		if !record.Status.CanTransition(models.StatusRevoked) {
			return dErrors.New(dErrors.CodeInvalidTransition,
				"consent cannot be revoked from status "+string(record.Status))
		}

		now := s.clock.Now()
		prior := *record
		record.Status = models.StatusRevoked
		record.RevokedAt = &now
		record.RevocationReason = reason

		err = s.store.Update(ctx, record)
		if errors.Is(err, sentinel.ErrConflict) {
			continue
		}
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update consent record")
		}
		if err := s.audit(ctx, record, audit.ActionConsentRevoked, audit.SeverityHigh, map[string]any{
			"reason": reason,
		}); err != nil {
			s.rollback(ctx, record, &prior)
			return err
		}
		if s.metrics != nil {
			s.metrics.IncrementRevoked()
		}
		s.log(ctx, "consent revoked", "consent_id", consentID.String())
		return nil
	}
	return dErrors.New(dErrors.CodeConcurrentModification, "consent record changed during revocation")
}

// SetPreferences appends a new versioned preference snapshot. A submission
// that tries to switch off the essential category is rejected outright
// rather than silently overridden.
func (s *Service) SetPreferences(ctx context.Context, subjectID id.SubjectID, prefs models.Preferences) (id.ConsentID, error) {
	if subjectID.IsNil() {
		return id.ConsentID{}, dErrors.New(dErrors.CodeValidation, "subject id is required")
	}
	if !prefs.Essential {
		return id.ConsentID{}, dErrors.New(dErrors.CodeValidation,
			"essential category cannot be disabled")
	}

	maxVersion, err := s.store.MaxPreferencesVersion(ctx, subjectID)
	if err != nil {
		return id.ConsentID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to determine preferences version")
	}

	snapshot := prefs
	snapshot.ID = id.NewConsentID()
	snapshot.SubjectID = subjectID
	snapshot.Version = maxVersion + 1
	snapshot.RecordedAt = s.clock.Now()

	if err := s.store.SavePreferences(ctx, &snapshot); err != nil {
		return id.ConsentID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save preferences")
	}
	_, err = s.ledger.Append(ctx, audit.Entry{
		EntityType: "consent_preferences",
		EntityID:   subjectID.String(),
		Action:     audit.ActionPreferencesRecorded,
		Category:   audit.CategoryConsent,
		Severity:   audit.SeverityLow,
		Details: map[string]any{
			"version":         snapshot.Version,
			"functional":      snapshot.Functional,
			"analytics":       snapshot.Analytics,
			"marketing":       snapshot.Marketing,
			"personalization": snapshot.Personalization,
		},
	})
	if err != nil {
		return id.ConsentID{}, dErrors.Wrap(err, dErrors.CodeAuditWriteFailed, "preference change not audited")
	}
	if s.metrics != nil {
		s.metrics.IncrementPreferencesRecorded()
	}
	return snapshot.ID, nil
}

// Get returns a consent record with PII fields decrypted.
func (s *Service) Get(ctx context.Context, consentID id.ConsentID) (*models.Record, error) {
	record, err := s.store.FindByID(ctx, consentID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "consent record not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load consent record")
	}
	if err := s.decryptPII(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// List returns matching consent records. PII fields stay encrypted; listing
// is an administrative overview, not a data export.
func (s *Service) List(ctx context.Context, filter *store.Filter) ([]*models.Record, error) {
	records, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list consent records")
	}
	return records, nil
}

// ListPreferences returns a subject's preference history, newest first.
func (s *Service) ListPreferences(ctx context.Context, subjectID id.SubjectID) ([]*models.Preferences, error) {
	prefs, err := s.store.ListPreferences(ctx, subjectID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list preferences")
	}
	return prefs, nil
}

// ExpirePending marks overdue pending and first_verified records expired.
// Called by the retention scheduler; each expiry is individually audited and
// one record's failure never aborts the rest.
func (s *Service) ExpirePending(ctx context.Context) (int, error) {
	now := s.clock.Now()
	records, err := s.store.ListExpirable(ctx, now)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list expirable consents")
	}

	expired := 0
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		prior := *record
		record.Status = models.StatusExpired
		if err := s.store.Update(ctx, record); err != nil {
			if !errors.Is(err, sentinel.ErrConflict) {
				s.log(ctx, "failed to expire consent record",
					"consent_id", record.ID.String(), "error", err)
			}
			continue
		}
		if err := s.audit(ctx, record, audit.ActionConsentExpired, audit.SeverityLow, map[string]any{
			"expired_at": record.ExpiresAt,
		}); err != nil {
			s.rollback(ctx, record, &prior)
			continue
		}
		expired++
	}
	if s.metrics != nil && expired > 0 {
		s.metrics.IncrementExpired(expired)
	}
	return expired, nil
}

// Count reports the total number of consent records, for the health surface.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.Count(ctx)
}

func (s *Service) validateSubmit(req *SubmitRequest) error {
	if err := validation.CheckContact("parent contact", req.ParentContact); err != nil {
		return err
	}
	if err := validation.CheckRequired("parent name", req.ParentName); err != nil {
		return err
	}
	if err := validation.CheckStringLength("parent name", req.ParentName, validation.MaxNameLength); err != nil {
		return err
	}
	if err := validation.CheckRequired("child name", req.ChildName); err != nil {
		return err
	}
	if err := validation.CheckStringLength("child name", req.ChildName, validation.MaxNameLength); err != nil {
		return err
	}
	if err := id.ValidateChildAge(req.ChildAge); err != nil {
		return err
	}
	if err := validation.CheckSliceCount("consent types", len(req.ConsentTypes), validation.MaxConsentTypes); err != nil {
		return err
	}
	if err := validation.CheckRequired("origin address", req.OriginAddr); err != nil {
		return err
	}
	return validation.CheckStringLength("client signature", req.ClientSignature, validation.MaxClientSignatureLength)
}

func (s *Service) encryptPII(ctx context.Context, record *models.Record, req SubmitRequest) error {
	var err error
	if record.ParentContact, err = s.crypter.Encrypt(ctx, piiUsage, []byte(req.ParentContact)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to encrypt parent contact")
	}
	if record.ParentName, err = s.crypter.Encrypt(ctx, piiUsage, []byte(req.ParentName)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to encrypt parent name")
	}
	if record.ChildName, err = s.crypter.Encrypt(ctx, piiUsage, []byte(req.ChildName)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to encrypt child name")
	}
	return nil
}

func (s *Service) decryptPII(ctx context.Context, record *models.Record) error {
	contact, err := s.crypter.Decrypt(ctx, record.ParentContact)
	if err != nil {
		return err
	}
	name, err := s.crypter.Decrypt(ctx, record.ParentName)
	if err != nil {
		return err
	}
	child, err := s.crypter.Decrypt(ctx, record.ChildName)
	if err != nil {
		return err
	}
	record.ParentContact = string(contact)
	record.ParentName = string(name)
	record.ChildName = string(child)
	return nil
}

func (s *Service) audit(ctx context.Context, record *models.Record, action string, severity audit.Severity, details map[string]any) error {
	_, err := s.ledger.Append(ctx, audit.Entry{
		EntityType: "consent_record",
		EntityID:   record.ID.String(),
		Action:     action,
		Category:   audit.CategoryConsent,
		Severity:   severity,
		Details:    details,
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeAuditWriteFailed, "consent state change not audited")
	}
	return nil
}

// rollback restores the prior field values after a failed audit write.
// Best effort: the compensating update carries the advanced version so it
// lands cleanly, and a failure here is only loggable.
func (s *Service) rollback(ctx context.Context, current *models.Record, prior *models.Record) {
	restored := *prior
	restored.Version = current.Version
	if err := s.store.Update(ctx, &restored); err != nil {
		s.log(ctx, "failed to roll back consent record after audit failure",
			"consent_id", current.ID.String(), "error", err)
	}
}

// abandon expires a freshly saved record whose submission audit failed, so
// its tokens can never be redeemed.
func (s *Service) abandon(ctx context.Context, record *models.Record) {
	dead := *record
	dead.Status = models.StatusExpired
	if err := s.store.Update(ctx, &dead); err != nil {
		s.log(ctx, "failed to abandon unaudited consent record",
			"consent_id", record.ID.String(), "error", err)
	}
}

func (s *Service) notify(ctx context.Context, intent notify.Intent) {
	if s.notifier == nil {
		return
	}
	s.notifier.Send(ctx, intent)
}

func (s *Service) countFailure(reason string) {
	if s.metrics != nil {
		s.metrics.IncrementVerificationFailed(reason)
	}
}

func (s *Service) log(ctx context.Context, msg string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.InfoContext(ctx, msg, args...)
}

func typesAsStrings(types []models.Type) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}
