package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"custodia/internal/dsr/export"
	"custodia/internal/dsr/models"
	"custodia/internal/dsr/store"
	"custodia/internal/keys"
	"custodia/internal/notify"
	"custodia/internal/platform/clock"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	audit "custodia/pkg/platform/audit"
	auditmemory "custodia/pkg/platform/audit/store/memory"
	"custodia/pkg/testutil"
)

// RequestSuite tests the data-subject request lifecycle.
//
// Justification: the due-date bounds and the one-transition-per-token
// guarantee are the regulator-facing promises of this system. A request that
// slips its statutory window, or verifies twice, is a reportable incident.
type RequestSuite struct {
	suite.Suite

	store   *store.InMemoryStore
	clock   *clock.Fake
	ledger  *audit.Ledger
	sink    *notify.CaptureSink
	source  *export.InMemorySource
	service *Service
	ctx     context.Context
}

func TestRequestSuite(t *testing.T) {
	suite.Run(t, new(RequestSuite))
}

func (s *RequestSuite) SetupTest() {
	s.store = store.NewInMemoryStore()
	s.clock = clock.NewFake(time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC))
	s.ledger = audit.New(auditmemory.New(), s.clock)
	s.sink = &notify.CaptureSink{}
	s.source = export.NewInMemorySource()

	master := make([]byte, 32)
	_, err := rand.Read(master)
	s.Require().NoError(err)
	manager, err := keys.NewManager(keys.NewInMemoryStore(), s.ledger, s.clock, master)
	s.Require().NoError(err)

	s.service = NewService(s.store, s.ledger, manager, s.sink, s.source, s.clock)
	s.ctx = context.Background()
}

func (s *RequestSuite) submit(t models.Type, urgent bool) *SubmitResult {
	result, err := s.service.Submit(s.ctx, SubmitRequest{
		Type:               t,
		RequesterRole:      models.RoleParent,
		RequesterContact:   "parent@example.com",
		Details:            "Please act on my child's data under our regional data law.",
		Urgent:             urgent,
		VerificationMethod: models.MethodEmail,
		OriginAddr:         "203.0.113.20",
	})
	s.Require().NoError(err)
	return result
}

func (s *RequestSuite) lastToken() string {
	sent := s.sink.Sent()
	s.Require().NotEmpty(sent)
	intent := sent[len(sent)-1]
	s.Require().Equal(notify.KindRequestVerification, intent.Kind)
	return intent.Token
}

func (s *RequestSuite) TestSubmit() {
	s.Run("urgent erasure is due within 3 days", func() {
		result := s.submit(models.TypeErasure, true)
		s.True(result.VerificationRequired)
		s.Equal(s.clock.Now().Add(3*24*time.Hour), result.DueDate)

		view, err := s.service.Status(s.ctx, result.RequestID)
		s.Require().NoError(err)
		s.Equal(models.PriorityUrgent, view.Priority)
	})

	s.Run("non-urgent rectification is due within 30 days but past 3", func() {
		result := s.submit(models.TypeRectification, false)
		window := result.DueDate.Sub(s.clock.Now())
		s.LessOrEqual(window, 30*24*time.Hour)
		s.Greater(window, 3*24*time.Hour)

		view, err := s.service.Status(s.ctx, result.RequestID)
		s.Require().NoError(err)
		s.Equal(models.PriorityMedium, view.Priority)
	})

	s.Run("non-urgent restriction gets high priority", func() {
		result := s.submit(models.TypeRestriction, false)
		view, err := s.service.Status(s.ctx, result.RequestID)
		s.Require().NoError(err)
		s.Equal(models.PriorityHigh, view.Priority)
	})

	s.Run("authenticated self request skips token verification", func() {
		result, err := s.service.Submit(s.ctx, SubmitRequest{
			Type:               models.TypeAccess,
			RequesterRole:      models.RoleSelf,
			RequesterContact:   "student@example.com",
			Details:            "I want a copy of everything stored about me.",
			VerificationMethod: models.MethodAuthenticated,
			OriginAddr:         "203.0.113.20",
		})
		s.Require().NoError(err)
		s.False(result.VerificationRequired)

		view, err := s.service.Status(s.ctx, result.RequestID)
		s.Require().NoError(err)
		s.Equal(models.StatusVerified, view.Status)
	})

	s.Run("guardian requests always verify by token", func() {
		result, err := s.service.Submit(s.ctx, SubmitRequest{
			Type:               models.TypeAccess,
			RequesterRole:      models.RoleLegalGuardian,
			RequesterContact:   "guardian@example.com",
			Details:            "Acting on behalf of my ward, requesting data access.",
			VerificationMethod: models.MethodAuthenticated,
			OriginAddr:         "203.0.113.20",
		})
		s.Require().NoError(err)
		s.True(result.VerificationRequired)
	})

	s.Run("rejects short details", func() {
		_, err := s.service.Submit(s.ctx, SubmitRequest{
			Type:               models.TypeAccess,
			RequesterRole:      models.RoleParent,
			RequesterContact:   "parent@example.com",
			Details:            "too short",
			VerificationMethod: models.MethodEmail,
			OriginAddr:         "203.0.113.20",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects unrecognized type", func() {
		_, err := s.service.Submit(s.ctx, SubmitRequest{
			Type:               "deletion",
			RequesterRole:      models.RoleParent,
			RequesterContact:   "parent@example.com",
			Details:            "Please delete everything about my child now.",
			VerificationMethod: models.MethodEmail,
			OriginAddr:         "203.0.113.20",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("stores requester PII encrypted", func() {
		result := s.submit(models.TypeAccess, false)
		raw, err := s.store.FindByID(s.ctx, result.RequestID)
		s.Require().NoError(err)
		s.NotEqual("parent@example.com", raw.RequesterContact)
		s.NotContains(raw.Details, "regional data law")
	})
}

func (s *RequestSuite) TestVerify() {
	s.Run("redeems the emailed token", func() {
		result := s.submit(models.TypeAccess, false)
		s.Require().NoError(s.service.Verify(s.ctx, result.RequestID, s.lastToken()))

		view, err := s.service.Status(s.ctx, result.RequestID)
		s.Require().NoError(err)
		s.Equal(models.StatusVerified, view.Status)
	})

	s.Run("second redemption reports already verified", func() {
		result := s.submit(models.TypeAccess, false)
		tok := s.lastToken()
		s.Require().NoError(s.service.Verify(s.ctx, result.RequestID, tok))

		err := s.service.Verify(s.ctx, result.RequestID, tok)
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyVerified))
	})

	s.Run("wrong token reports not found", func() {
		result := s.submit(models.TypeAccess, false)
		err := s.service.Verify(s.ctx, result.RequestID, "bogus")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("token past the deadline reports expired", func() {
		result := s.submit(models.TypeErasure, true)
		tok := s.lastToken()
		s.clock.Advance(4 * 24 * time.Hour)

		err := s.service.Verify(s.ctx, result.RequestID, tok)
		s.True(dErrors.HasCode(err, dErrors.CodeTokenExpired))
	})
}

func (s *RequestSuite) TestConcurrentVerification() {
	result := s.submit(models.TypeAccess, false)
	tok := s.lastToken()

	outcome := testutil.RunConcurrent(2, func(int) error {
		return s.service.Verify(s.ctx, result.RequestID, tok)
	})
	s.Equal(int32(1), outcome.Successes)
	s.Equal(int32(1), outcome.Stale)
}

func (s *RequestSuite) TestLifecycle() {
	assignee := id.NewActorID()

	s.Run("full happy path", func() {
		result := s.submit(models.TypeErasure, false)
		s.Require().NoError(s.service.Verify(s.ctx, result.RequestID, s.lastToken()))
		s.Require().NoError(s.service.Assign(s.ctx, result.RequestID, assignee))
		s.Require().NoError(s.service.Process(s.ctx, result.RequestID,
			"All records anonymized.", []string{"anonymized_progress", "deleted_contact"}))
		s.Require().NoError(s.service.Complete(s.ctx, result.RequestID))

		view, err := s.service.Status(s.ctx, result.RequestID)
		s.Require().NoError(err)
		s.Equal(models.StatusCompleted, view.Status)

		ok, err := s.ledger.VerifyChain(s.ctx, "request_record", result.RequestID.String())
		s.Require().NoError(err)
		s.True(ok)
	})

	s.Run("skipping review is an invalid transition", func() {
		result := s.submit(models.TypeAccess, false)
		s.Require().NoError(s.service.Verify(s.ctx, result.RequestID, s.lastToken()))

		err := s.service.Process(s.ctx, result.RequestID, "done", nil)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))

		// Failed transition leaves the record where it was.
		view, err := s.service.Status(s.ctx, result.RequestID)
		s.Require().NoError(err)
		s.Equal(models.StatusVerified, view.Status)
	})

	s.Run("rejection is legal from any non-terminal state", func() {
		result := s.submit(models.TypeObjection, false)
		s.Require().NoError(s.service.Reject(s.ctx, result.RequestID, "duplicate request"))

		view, err := s.service.Status(s.ctx, result.RequestID)
		s.Require().NoError(err)
		s.Equal(models.StatusRejected, view.Status)
	})

	s.Run("rejection of a completed request fails", func() {
		result := s.submit(models.TypeAccess, false)
		s.Require().NoError(s.service.Verify(s.ctx, result.RequestID, s.lastToken()))
		s.Require().NoError(s.service.Assign(s.ctx, result.RequestID, assignee))
		s.Require().NoError(s.service.Process(s.ctx, result.RequestID, "provided", nil))
		s.Require().NoError(s.service.Complete(s.ctx, result.RequestID))

		err := s.service.Reject(s.ctx, result.RequestID, "too late")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})
}

func (s *RequestSuite) TestListOverdue() {
	stale := s.submit(models.TypeErasure, true) // due in 3 days
	s.submit(models.TypeAccess, false)          // due in 30 days
	s.clock.Advance(5 * 24 * time.Hour)

	overdue, err := s.service.ListOverdue(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(overdue, 1)
	s.Equal(stale.RequestID, overdue[0].ID)
}

func (s *RequestSuite) TestExportData() {
	subjectID := id.NewSubjectID()
	s.source.Add(subjectID, export.Student{
		ID:         subjectID.String(),
		Name:       "Lucía García",
		Contact:    "parent@example.com",
		Age:        8,
		EnrolledAt: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
	}, []export.ProgressRecord{
		{Course: "math-1", Lesson: "fractions", Score: 0.92, CompletedAt: s.clock.Now()},
	})

	s.Run("json round trip preserves identity and progress", func() {
		encoded, _, err := s.service.ExportData(s.ctx, subjectID, export.FormatJSON, true, false)
		s.Require().NoError(err)

		var parsed export.Bundle
		s.Require().NoError(json.Unmarshal(encoded, &parsed))
		s.Equal(subjectID.String(), parsed.Student.ID)
		s.Require().Len(parsed.Progress, 1)
		s.Equal("math-1", parsed.Progress[0].Course)
		s.False(parsed.ExportedAt.IsZero())
	})

	s.Run("excluded progress is an empty array, not omitted", func() {
		encoded, _, err := s.service.ExportData(s.ctx, subjectID, export.FormatJSON, false, false)
		s.Require().NoError(err)

		var raw map[string]json.RawMessage
		s.Require().NoError(json.Unmarshal(encoded, &raw))
		s.Require().Contains(raw, "progress")
		s.JSONEq("[]", string(raw["progress"]))
	})

	s.Run("audit history rides along when requested", func() {
		_, bundle, err := s.service.ExportData(s.ctx, subjectID, export.FormatJSON, false, true)
		s.Require().NoError(err)
		// Earlier exports in this test audited against the subject.
		s.NotEmpty(bundle.AuditLogs)
	})

	s.Run("csv and xml encode without error", func() {
		for _, format := range []export.Format{export.FormatCSV, export.FormatXML} {
			encoded, _, err := s.service.ExportData(s.ctx, subjectID, format, true, false)
			s.Require().NoError(err)
			s.NotEmpty(encoded)
		}
	})

	s.Run("unknown subject reports not found", func() {
		_, _, err := s.service.ExportData(s.ctx, id.NewSubjectID(), export.FormatJSON, true, false)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("unsupported format is rejected", func() {
		_, _, err := s.service.ExportData(s.ctx, subjectID, "yaml", true, false)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *RequestSuite) TestOpenForSubject() {
	subjectID := id.NewSubjectID()
	result, err := s.service.Submit(s.ctx, SubmitRequest{
		Type:               models.TypeAccess,
		RequesterRole:      models.RoleParent,
		RequesterContact:   "parent@example.com",
		SubjectID:          &subjectID,
		Details:            "Requesting a copy of my child's stored data.",
		VerificationMethod: models.MethodEmail,
		OriginAddr:         "203.0.113.20",
	})
	s.Require().NoError(err)

	open, err := s.service.OpenForSubject(s.ctx, subjectID)
	s.Require().NoError(err)
	s.True(open)

	s.Require().NoError(s.service.Reject(s.ctx, result.RequestID, "test closure"))
	open, err = s.service.OpenForSubject(s.ctx, subjectID)
	s.Require().NoError(err)
	s.False(open)
}
