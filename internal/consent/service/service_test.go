package service

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"custodia/internal/consent/models"
	"custodia/internal/consent/store"
	"custodia/internal/keys"
	"custodia/internal/notify"
	"custodia/internal/platform/clock"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	audit "custodia/pkg/platform/audit"
	auditmemory "custodia/pkg/platform/audit/store/memory"
	"custodia/pkg/testutil"
)

// ConsentSuite tests the double opt-in workflow end to end against the
// in-memory store.
//
// Justification: parental consent is the legal gate for processing any
// child's data. The two-token sequence, the expiry window, and the
// exactly-one-transition guarantee under concurrent verification are the
// properties an audit would check first.
type ConsentSuite struct {
	suite.Suite

	store   *store.InMemoryStore
	clock   *clock.Fake
	ledger  *audit.Ledger
	sink    *notify.CaptureSink
	service *Service
	ctx     context.Context
}

func TestConsentSuite(t *testing.T) {
	suite.Run(t, new(ConsentSuite))
}

func (s *ConsentSuite) SetupTest() {
	s.store = store.NewInMemoryStore()
	s.clock = clock.NewFake(time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC))
	s.ledger = audit.New(auditmemory.New(), s.clock)
	s.sink = &notify.CaptureSink{}

	master := make([]byte, 32)
	_, err := rand.Read(master)
	s.Require().NoError(err)
	manager, err := keys.NewManager(keys.NewInMemoryStore(), s.ledger, s.clock, master)
	s.Require().NoError(err)

	s.service = NewService(s.store, s.ledger, manager, s.sink, s.clock)
	s.ctx = context.Background()
}

func (s *ConsentSuite) submit() id.ConsentID {
	consentID, err := s.service.Submit(s.ctx, SubmitRequest{
		ParentContact:   "parent@example.com",
		ParentName:      "Ana García",
		ChildName:       "Lucía García",
		ChildAge:        8,
		ConsentTypes:    []models.Type{models.TypeDataProcessing, models.TypeProgressTracking},
		OriginAddr:      "203.0.113.10",
		ClientSignature: "Mozilla/5.0",
	})
	s.Require().NoError(err)
	return consentID
}

// firstToken returns the raw first verification token from the captured
// notification intent.
func (s *ConsentSuite) firstToken() string {
	sent := s.sink.Sent()
	s.Require().NotEmpty(sent)
	intent := sent[len(sent)-1]
	s.Require().Equal(notify.KindConsentFirstVerification, intent.Kind)
	return intent.Token
}

func (s *ConsentSuite) secondToken() string {
	sent := s.sink.Sent()
	s.Require().NotEmpty(sent)
	intent := sent[len(sent)-1]
	s.Require().Equal(notify.KindConsentSecondVerification, intent.Kind)
	return intent.Token
}

func (s *ConsentSuite) TestSubmit() {
	s.Run("creates pending record with deduplicated types", func() {
		consentID, err := s.service.Submit(s.ctx, SubmitRequest{
			ParentContact: "parent@example.com",
			ParentName:    "Ana García",
			ChildName:     "Lucía García",
			ChildAge:      8,
			ConsentTypes: []models.Type{
				models.TypeDataProcessing,
				models.TypeDataProcessing,
				models.TypeProgressTracking,
			},
			OriginAddr: "203.0.113.10",
		})
		s.Require().NoError(err)

		record, err := s.service.Get(s.ctx, consentID)
		s.Require().NoError(err)
		s.Equal(models.StatusPending, record.Status)
		s.Len(record.ConsentTypes, 2)
		s.Equal("parent@example.com", record.ParentContact)
		s.Equal(s.clock.Now().Add(7*24*time.Hour), record.ExpiresAt)
	})

	s.Run("stores PII encrypted", func() {
		consentID := s.submit()
		stored, err := s.store.FindByID(s.ctx, consentID)
		s.Require().NoError(err)
		s.NotEqual("parent@example.com", stored.ParentContact)
		s.NotEqual("Ana García", stored.ParentName)
		s.NotEqual("Lucía García", stored.ChildName)
	})

	s.Run("raises a notification intent carrying the first token", func() {
		s.submit()
		s.NotEmpty(s.firstToken())
	})

	s.Run("rejects age above the child bound", func() {
		_, err := s.service.Submit(s.ctx, SubmitRequest{
			ParentContact: "parent@example.com",
			ParentName:    "Ana",
			ChildName:     "Lucía",
			ChildAge:      18,
			ConsentTypes:  []models.Type{models.TypeDataProcessing},
			OriginAddr:    "203.0.113.10",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects empty consent type set", func() {
		_, err := s.service.Submit(s.ctx, SubmitRequest{
			ParentContact: "parent@example.com",
			ParentName:    "Ana",
			ChildName:     "Lucía",
			ChildAge:      8,
			OriginAddr:    "203.0.113.10",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects malformed contact", func() {
		_, err := s.service.Submit(s.ctx, SubmitRequest{
			ParentContact: "not-an-email",
			ParentName:    "Ana",
			ChildName:     "Lucía",
			ChildAge:      8,
			ConsentTypes:  []models.Type{models.TypeDataProcessing},
			OriginAddr:    "203.0.113.10",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ConsentSuite) TestVerifyFirst() {
	s.Run("transitions to first_verified and issues a distinct second token", func() {
		consentID := s.submit()
		first := s.firstToken()

		result, err := s.service.Verify(s.ctx, first)
		s.Require().NoError(err)
		s.Equal(consentID, result.ConsentID)
		s.Equal(models.StepFirst, result.Step)
		s.Equal(models.StatusFirstVerified, result.Status)

		second := s.secondToken()
		s.NotEqual(first, second)

		record, err := s.service.Get(s.ctx, consentID)
		s.Require().NoError(err)
		s.NotNil(record.FirstConsentDate)
		s.Nil(record.SecondConsentDate)
	})

	s.Run("consumed first token reports already verified", func() {
		s.submit()
		first := s.firstToken()
		_, err := s.service.Verify(s.ctx, first)
		s.Require().NoError(err)

		_, err = s.service.Verify(s.ctx, first)
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyVerified))
	})

	s.Run("unknown token reports not found", func() {
		_, err := s.service.Verify(s.ctx, "no-such-token")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("expired window reports token expired", func() {
		s.submit()
		first := s.firstToken()
		s.clock.Advance(8 * 24 * time.Hour)

		_, err := s.service.Verify(s.ctx, first)
		s.True(dErrors.HasCode(err, dErrors.CodeTokenExpired))
	})

	s.Run("record expired by the sweep reports token expired", func() {
		s.submit()
		first := s.firstToken()
		s.clock.Advance(8 * 24 * time.Hour)
		_, err := s.service.ExpirePending(s.ctx)
		s.Require().NoError(err)

		_, err = s.service.Verify(s.ctx, first)
		s.True(dErrors.HasCode(err, dErrors.CodeTokenExpired))
	})
}

func (s *ConsentSuite) TestVerifySecond() {
	s.Run("completes the double opt-in", func() {
		consentID := s.submit()
		_, err := s.service.Verify(s.ctx, s.firstToken())
		s.Require().NoError(err)

		result, err := s.service.Verify(s.ctx, s.secondToken())
		s.Require().NoError(err)
		s.Equal(models.StepSecond, result.Step)
		s.Equal(models.StatusVerified, result.Status)

		record, err := s.service.Get(s.ctx, consentID)
		s.Require().NoError(err)
		s.NotNil(record.FirstConsentDate)
		s.NotNil(record.SecondConsentDate)
		s.True(record.SecondConsentDate.Before(record.ExpiresAt))
	})

	s.Run("expired window between steps reports token expired", func() {
		s.submit()
		_, err := s.service.Verify(s.ctx, s.firstToken())
		s.Require().NoError(err)
		second := s.secondToken()

		s.clock.Advance(8 * 24 * time.Hour)
		_, err = s.service.Verify(s.ctx, second)
		s.True(dErrors.HasCode(err, dErrors.CodeTokenExpired))
	})

	s.Run("record expired by the sweep reports token expired", func() {
		s.submit()
		_, err := s.service.Verify(s.ctx, s.firstToken())
		s.Require().NoError(err)
		second := s.secondToken()
		s.clock.Advance(8 * 24 * time.Hour)
		_, err = s.service.ExpirePending(s.ctx)
		s.Require().NoError(err)

		_, err = s.service.Verify(s.ctx, second)
		s.True(dErrors.HasCode(err, dErrors.CodeTokenExpired))
	})

	s.Run("second token after full verification reports already verified", func() {
		s.submit()
		_, err := s.service.Verify(s.ctx, s.firstToken())
		s.Require().NoError(err)
		second := s.secondToken()
		_, err = s.service.Verify(s.ctx, second)
		s.Require().NoError(err)

		_, err = s.service.Verify(s.ctx, second)
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyVerified))
	})
}

func (s *ConsentSuite) TestConcurrentVerification() {
	s.submit()
	first := s.firstToken()

	result := testutil.RunConcurrent(2, func(int) error {
		_, err := s.service.Verify(s.ctx, first)
		return err
	})

	// Exactly one transition; the loser re-reads and sees the advanced state.
	s.Equal(int32(1), result.Successes)
	s.Equal(int32(1), result.Stale)
}

func (s *ConsentSuite) TestRevoke() {
	s.Run("revokes a fully verified consent", func() {
		consentID := s.submit()
		_, err := s.service.Verify(s.ctx, s.firstToken())
		s.Require().NoError(err)
		_, err = s.service.Verify(s.ctx, s.secondToken())
		s.Require().NoError(err)

		s.Require().NoError(s.service.Revoke(s.ctx, consentID, "parent request"))

		record, err := s.service.Get(s.ctx, consentID)
		s.Require().NoError(err)
		s.Equal(models.StatusRevoked, record.Status)
		s.NotNil(record.RevokedAt)
		s.Equal("parent request", record.RevocationReason)
	})

	s.Run("pending consent cannot be revoked", func() {
		consentID := s.submit()
		err := s.service.Revoke(s.ctx, consentID, "changed mind")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})
}

func (s *ConsentSuite) TestSetPreferences() {
	subjectID := id.NewSubjectID()

	s.Run("rejects disabling the essential category", func() {
		_, err := s.service.SetPreferences(s.ctx, subjectID, models.Preferences{
			Essential: false,
			Analytics: true,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("appends versioned snapshots", func() {
		_, err := s.service.SetPreferences(s.ctx, subjectID, models.Preferences{
			Essential:  true,
			Functional: true,
		})
		s.Require().NoError(err)
		_, err = s.service.SetPreferences(s.ctx, subjectID, models.Preferences{
			Essential: true,
			Analytics: true,
		})
		s.Require().NoError(err)

		history, err := s.service.ListPreferences(s.ctx, subjectID)
		s.Require().NoError(err)
		s.Require().Len(history, 2)
		s.Equal(2, history[0].Version)
		s.True(history[0].Analytics)
		s.Equal(1, history[1].Version)
		s.True(history[1].Functional)
	})
}

func (s *ConsentSuite) TestExpirePending() {
	staleID := s.submit()
	s.clock.Advance(3 * 24 * time.Hour)
	freshID := s.submit()
	s.clock.Advance(5 * 24 * time.Hour) // stale is past its window, fresh is not

	expired, err := s.service.ExpirePending(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, expired)

	stale, err := s.service.Get(s.ctx, staleID)
	s.Require().NoError(err)
	s.Equal(models.StatusExpired, stale.Status)

	fresh, err := s.service.Get(s.ctx, freshID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, fresh.Status)
}

func (s *ConsentSuite) TestAuditTrail() {
	consentID := s.submit()
	_, err := s.service.Verify(s.ctx, s.firstToken())
	s.Require().NoError(err)
	_, err = s.service.Verify(s.ctx, s.secondToken())
	s.Require().NoError(err)

	ok, err := s.ledger.VerifyChain(s.ctx, "consent_record", consentID.String())
	s.Require().NoError(err)
	s.True(ok)
}

// failingLedger simulates an unavailable audit store.
type failingLedger struct{}

func (failingLedger) Append(context.Context, audit.Entry) (id.EntryID, error) {
	return id.EntryID{}, dErrors.New(dErrors.CodeAuditWriteFailed, "ledger unavailable")
}

func (s *ConsentSuite) TestAuditWriteFailureAbortsSubmission() {
	svc := NewService(s.store, failingLedger{}, s.service.crypter, s.sink, s.clock)

	_, err := svc.Submit(s.ctx, SubmitRequest{
		ParentContact: "parent@example.com",
		ParentName:    "Ana García",
		ChildName:     "Lucía García",
		ChildAge:      8,
		ConsentTypes:  []models.Type{models.TypeDataProcessing},
		OriginAddr:    "203.0.113.10",
	})
	s.True(dErrors.HasCode(err, dErrors.CodeAuditWriteFailed))
	// No intent goes out for an unproven submission.
	s.Empty(s.sink.Sent())
}
