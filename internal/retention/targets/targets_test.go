package targets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"custodia/internal/platform/clock"
	"custodia/internal/retention/models"
	id "custodia/pkg/domain"
	audit "custodia/pkg/platform/audit"
	auditmemory "custodia/pkg/platform/audit/store/memory"
)

// AuditTargetSuite tests ledger self-retention.
//
// Justification: audit entries are themselves personal data with a retention
// clock, but the trail of an active entity must survive and every purge must
// leave a chained record behind.
type AuditTargetSuite struct {
	suite.Suite

	clock  *clock.Fake
	ledger *audit.Ledger
	target *AuditTarget
	policy *models.Policy
	ctx    context.Context
}

func TestAuditTargetSuite(t *testing.T) {
	suite.Run(t, new(AuditTargetSuite))
}

func (s *AuditTargetSuite) SetupTest() {
	s.clock = clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	s.ledger = audit.New(auditmemory.New(), s.clock)
	s.target = NewAuditTarget(s.ledger)
	s.policy = &models.Policy{
		ID:            id.NewPolicyID(),
		Name:          "audit log retention",
		EntityType:    "audit",
		RetentionDays: 365,
		Trigger:       models.TriggerLastAccess,
		Action:        models.ActionDelete,
		Active:        true,
	}
	s.ctx = context.Background()
}

func (s *AuditTargetSuite) append(entityType, entityID string) {
	_, err := s.ledger.Append(s.ctx, audit.Entry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     audit.ActionConsentSubmitted,
		Category:   audit.CategoryConsent,
	})
	s.Require().NoError(err)
}

func (s *AuditTargetSuite) TestScanUsesNewestEntry() {
	s.append("consent", "dormant")
	s.append("consent", "active")

	s.clock.Advance(2 * 365 * 24 * time.Hour)
	// A fresh entry keeps the whole trail alive.
	s.append("consent", "active")

	cutoff := s.policy.Cutoff(s.clock.Now())
	matches, err := s.target.Scan(s.ctx, s.policy, cutoff)
	s.Require().NoError(err)
	s.Equal([]string{"consent/dormant"}, matches)
}

func (s *AuditTargetSuite) TestDeletePurgesAndLeavesRecord() {
	s.append("consent", "dormant")
	s.append("consent", "dormant")
	s.clock.Advance(2 * 365 * 24 * time.Hour)

	matches, err := s.target.Scan(s.ctx, s.policy, s.policy.Cutoff(s.clock.Now()))
	s.Require().NoError(err)
	s.Require().Equal([]string{"consent/dormant"}, matches)

	s.Require().NoError(s.target.Delete(s.ctx, matches[0]))

	var remaining []audit.Entry
	for entry, err := range s.ledger.Query(s.ctx, audit.Filter{EntityType: "consent", EntityID: "dormant"}) {
		s.Require().NoError(err)
		remaining = append(remaining, entry)
	}
	s.Require().Len(remaining, 1)
	s.Equal(audit.ActionLedgerPurged, remaining[0].Action)
	s.Equal(s.policy.ID.String(), remaining[0].Details["policy_id"])
	s.NotEmpty(remaining[0].CorrelationID)

	// The purge record restarts the chain and still verifies.
	ok, err := s.ledger.VerifyChain(s.ctx, "consent", "dormant")
	s.Require().NoError(err)
	s.True(ok)

	// An already purged trail does not come back on the next scan.
	matches, err = s.target.Scan(s.ctx, s.policy, s.clock.Now().Add(time.Hour))
	s.Require().NoError(err)
	s.Empty(matches)
}

func (s *AuditTargetSuite) TestRejectsMalformedKey() {
	s.Error(s.target.Delete(s.ctx, "no-separator"))
}

func (s *AuditTargetSuite) TestOnlyDeleteSupported() {
	s.Error(s.target.Anonymize(s.ctx, "consent/x"))
	s.Error(s.target.Archive(s.ctx, "consent/x"))
}

type stubChecker struct {
	open map[id.SubjectID]bool
	err  error
}

func (c *stubChecker) OpenForSubject(_ context.Context, subjectID id.SubjectID) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	return c.open[subjectID], nil
}

// RequestGuardSuite tests the open-request deletion veto.
//
// Justification: deleting a student while their access request is in flight
// would leave the request unanswerable and the platform out of compliance on
// both counts at once.
type RequestGuardSuite struct {
	suite.Suite

	subjectID id.SubjectID
	checker   *stubChecker
	guard     *RequestGuard
	ctx       context.Context
}

func TestRequestGuardSuite(t *testing.T) {
	suite.Run(t, new(RequestGuardSuite))
}

func (s *RequestGuardSuite) SetupTest() {
	s.subjectID = id.NewSubjectID()
	s.checker = &stubChecker{open: map[id.SubjectID]bool{}}
	s.guard = NewRequestGuard(s.checker, "student")
	s.ctx = context.Background()
}

func (s *RequestGuardSuite) TestBlocksSubjectWithOpenRequest() {
	s.checker.open[s.subjectID] = true

	blocked, reason, err := s.guard.DeletionBlocked(s.ctx, "student", s.subjectID.String())
	s.Require().NoError(err)
	s.True(blocked)
	s.Equal("open_request", reason)
}

func (s *RequestGuardSuite) TestAllowsSubjectWithoutOpenRequest() {
	blocked, _, err := s.guard.DeletionBlocked(s.ctx, "student", s.subjectID.String())
	s.Require().NoError(err)
	s.False(blocked)
}

func (s *RequestGuardSuite) TestIgnoresUnguardedEntityTypes() {
	s.checker.open[s.subjectID] = true

	blocked, _, err := s.guard.DeletionBlocked(s.ctx, "audit", s.subjectID.String())
	s.Require().NoError(err)
	s.False(blocked)
}

func (s *RequestGuardSuite) TestIgnoresNonSubjectIds() {
	blocked, _, err := s.guard.DeletionBlocked(s.ctx, "student", "not-a-uuid")
	s.Require().NoError(err)
	s.False(blocked)
}
