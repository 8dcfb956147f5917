package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"custodia/internal/notify"
	"custodia/internal/platform/clock"
	"custodia/internal/retention/models"
	"custodia/internal/retention/store"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	audit "custodia/pkg/platform/audit"
	auditmemory "custodia/pkg/platform/audit/store/memory"
)

// fakeTarget is an in-memory Target recording what the sweep did to it.
type fakeTarget struct {
	mu sync.Mutex

	// records maps entity id to its trigger timestamp.
	records map[string]time.Time

	anonymized []string
	deleted    []string
	archived   []string

	failOn  string
	scanErr error
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{records: map[string]time.Time{}}
}

func (t *fakeTarget) add(entityID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[entityID] = at
}

func (t *fakeTarget) Scan(ctx context.Context, policy *models.Policy, cutoff time.Time) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scanErr != nil {
		return nil, t.scanErr
	}
	var out []string
	for entityID, at := range t.records {
		if at.Before(cutoff) {
			out = append(out, entityID)
		}
	}
	return out, nil
}

func (t *fakeTarget) apply(entityID string, dst *[]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entityID == t.failOn {
		return errors.New("storage hiccup")
	}
	delete(t.records, entityID)
	*dst = append(*dst, entityID)
	return nil
}

func (t *fakeTarget) Anonymize(_ context.Context, entityID string) error {
	return t.apply(entityID, &t.anonymized)
}

func (t *fakeTarget) Delete(_ context.Context, entityID string) error {
	return t.apply(entityID, &t.deleted)
}

func (t *fakeTarget) Archive(_ context.Context, entityID string) error {
	return t.apply(entityID, &t.archived)
}

// fakeGuard blocks deletion for a fixed set of entity ids.
type fakeGuard struct {
	blocked map[string]string
}

func (g *fakeGuard) DeletionBlocked(_ context.Context, _, entityID string) (bool, string, error) {
	reason, ok := g.blocked[entityID]
	return ok, reason, nil
}

type fakeExpirer struct {
	expired int
	err     error
}

func (e *fakeExpirer) ExpirePending(context.Context) (int, error) {
	return e.expired, e.err
}

// EngineSuite tests the sweep behavior against fake targets.
//
// Justification: the sweep touches data it can never get back. The properties
// worth proving are that it only touches what a policy makes eligible, that
// exceptions and open requests hold it off, that one bad record never aborts
// the pass, and that every action leaves an audit entry behind.
type EngineSuite struct {
	suite.Suite

	store  *store.InMemoryStore
	clock  *clock.Fake
	ledger *audit.Ledger
	target *fakeTarget
	engine *Engine
	ctx    context.Context
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.store = store.NewInMemoryStore()
	s.clock = clock.NewFake(time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC))
	s.ledger = audit.New(auditmemory.New(), s.clock)
	s.target = newFakeTarget()
	s.engine = New(s.store, map[string]Target{"student": s.target}, s.ledger, s.clock)
	s.ctx = context.Background()
}

func (s *EngineSuite) savePolicy(action models.Action, retentionDays int, mutate ...func(*models.Policy)) *models.Policy {
	policy := &models.Policy{
		ID:            id.NewPolicyID(),
		Name:          "inactive students",
		EntityType:    "student",
		RetentionDays: retentionDays,
		Trigger:       models.TriggerLastAccess,
		Action:        action,
		Priority:      10,
		Active:        true,
		LegalBasis:    "storage limitation",
	}
	for _, fn := range mutate {
		fn(policy)
	}
	s.Require().NoError(policy.Validate())
	s.Require().NoError(s.store.Save(s.ctx, policy))
	return policy
}

func (s *EngineSuite) daysAgo(days int) time.Time {
	return s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
}

// auditEntries collects the ledger entries matching the filter.
func (s *EngineSuite) auditEntries(filter audit.Filter) []audit.Entry {
	var out []audit.Entry
	for entry, err := range s.ledger.Query(s.ctx, filter) {
		s.Require().NoError(err)
		out = append(out, entry)
	}
	return out
}

func (s *EngineSuite) TestSweepAppliesActions() {
	s.Run("anonymizes stale records and leaves fresh ones", func() {
		s.SetupTest()
		s.savePolicy(models.ActionAnonymize, 365)
		s.target.add("stale-1", s.daysAgo(400))
		s.target.add("stale-2", s.daysAgo(366))
		s.target.add("fresh", s.daysAgo(10))

		stats, err := s.engine.Sweep(s.ctx)
		s.Require().NoError(err)

		s.Equal(1, stats.PoliciesEvaluated)
		s.Equal(2, stats.RecordsProcessed)
		s.Zero(stats.RecordsFailed)
		s.ElementsMatch([]string{"stale-1", "stale-2"}, s.target.anonymized)
		s.Contains(s.target.records, "fresh")
	})

	s.Run("deletes and archives per the policy action", func() {
		s.SetupTest()
		deletePolicy := s.savePolicy(models.ActionDelete, 30)
		s.target.add("old", s.daysAgo(31))

		stats, err := s.engine.Sweep(s.ctx)
		s.Require().NoError(err)
		s.Equal(1, stats.RecordsProcessed)
		s.Equal([]string{"old"}, s.target.deleted)

		// Retire the delete policy so the second sweep exercises the
		// archive action alone.
		s.Require().NoError(s.store.SetActive(s.ctx, deletePolicy.ID, false))
		s.savePolicy(models.ActionArchive, 30)
		s.target.add("dusty", s.daysAgo(90))
		_, err = s.engine.Sweep(s.ctx)
		s.Require().NoError(err)
		s.Equal([]string{"dusty"}, s.target.archived)
		s.Equal([]string{"old"}, s.target.deleted)
	})

	s.Run("zero retention period makes everything eligible", func() {
		s.SetupTest()
		s.savePolicy(models.ActionAnonymize, 0)
		s.target.add("brand-new", s.daysAgo(0).Add(-time.Minute))

		stats, err := s.engine.Sweep(s.ctx)
		s.Require().NoError(err)
		s.Equal(1, stats.RecordsProcessed)
	})
}

func (s *EngineSuite) TestSweepAudits() {
	policy := s.savePolicy(models.ActionDelete, 30)
	s.target.add("old", s.daysAgo(45))

	_, err := s.engine.Sweep(s.ctx)
	s.Require().NoError(err)

	entries := s.auditEntries(audit.Filter{EntityType: "student", EntityID: "old"})
	s.Require().Len(entries, 1)
	s.Equal(audit.ActionRetentionApplied, entries[0].Action)
	s.Equal(audit.CategoryRetention, entries[0].Category)
	s.Equal(audit.SeverityHigh, entries[0].Severity)
	s.Equal(policy.ID.String(), entries[0].Details["policy_id"])
	s.Equal("delete", entries[0].Details["retention_action"])
	s.NotEmpty(entries[0].CorrelationID)

	ok, err := s.ledger.VerifyChain(s.ctx, "student", "old")
	s.Require().NoError(err)
	s.True(ok)
}

func (s *EngineSuite) TestExceptionList() {
	s.savePolicy(models.ActionDelete, 30, func(p *models.Policy) {
		p.Exceptions = []string{"litigation-hold"}
	})
	s.target.add("litigation-hold", s.daysAgo(100))
	s.target.add("ordinary", s.daysAgo(100))

	stats, err := s.engine.Sweep(s.ctx)
	s.Require().NoError(err)

	s.Equal(1, stats.RecordsProcessed)
	s.Equal(1, stats.RecordsSkipped)
	s.Contains(s.target.records, "litigation-hold")

	entries := s.auditEntries(audit.Filter{EntityID: "litigation-hold"})
	s.Require().Len(entries, 1)
	s.Equal(audit.ActionRetentionSkipped, entries[0].Action)
	s.Equal("exception_list", entries[0].Details["reason"])
}

func (s *EngineSuite) TestGuardBlocksDeletion() {
	guard := &fakeGuard{blocked: map[string]string{"contested": "open_request"}}
	s.engine = New(s.store, map[string]Target{"student": s.target}, s.ledger, s.clock, WithGuard(guard))

	s.savePolicy(models.ActionDelete, 30)
	s.target.add("contested", s.daysAgo(60))
	s.target.add("clear", s.daysAgo(60))

	stats, err := s.engine.Sweep(s.ctx)
	s.Require().NoError(err)

	s.Equal(1, stats.RecordsProcessed)
	s.Equal(1, stats.RecordsSkipped)
	s.Contains(s.target.records, "contested")
	s.Equal([]string{"clear"}, s.target.deleted)

	entries := s.auditEntries(audit.Filter{EntityID: "contested"})
	s.Require().Len(entries, 1)
	s.Equal("open_request", entries[0].Details["reason"])
}

func (s *EngineSuite) TestGuardDoesNotBlockAnonymization() {
	guard := &fakeGuard{blocked: map[string]string{"contested": "open_request"}}
	s.engine = New(s.store, map[string]Target{"student": s.target}, s.ledger, s.clock, WithGuard(guard))

	s.savePolicy(models.ActionAnonymize, 30)
	s.target.add("contested", s.daysAgo(60))

	stats, err := s.engine.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.RecordsProcessed)
	s.Equal([]string{"contested"}, s.target.anonymized)
}

func (s *EngineSuite) TestFailureDoesNotAbortSweep() {
	s.savePolicy(models.ActionAnonymize, 30)
	s.target.add("healthy-1", s.daysAgo(40))
	s.target.add("broken", s.daysAgo(40))
	s.target.add("healthy-2", s.daysAgo(40))
	s.target.failOn = "broken"

	stats, err := s.engine.Sweep(s.ctx)
	s.Require().NoError(err)

	s.Equal(2, stats.RecordsProcessed)
	s.Equal(1, stats.RecordsFailed)
	s.ElementsMatch([]string{"healthy-1", "healthy-2"}, s.target.anonymized)
}

func (s *EngineSuite) TestMissingTargetSkipsPolicy() {
	s.savePolicy(models.ActionDelete, 30, func(p *models.Policy) {
		p.EntityType = "classroom"
	})
	s.target.add("old", s.daysAgo(60))

	stats, err := s.engine.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.PoliciesEvaluated)
	s.Zero(stats.RecordsProcessed)
	s.Contains(s.target.records, "old")
}

func (s *EngineSuite) TestRecordsExecutionOncePerSweep() {
	policy := s.savePolicy(models.ActionAnonymize, 30)
	s.target.add("a", s.daysAgo(40))
	s.target.add("b", s.daysAgo(40))

	_, err := s.engine.Sweep(s.ctx)
	s.Require().NoError(err)

	stored, err := s.store.FindByID(s.ctx, policy.ID)
	s.Require().NoError(err)
	s.Require().NotNil(stored.LastExecuted)
	s.Equal(s.clock.Now(), *stored.LastExecuted)
	s.Equal(int64(2), stored.RecordsProcessed)

	// A later empty sweep still stamps the execution time.
	s.clock.Advance(24 * time.Hour)
	_, err = s.engine.Sweep(s.ctx)
	s.Require().NoError(err)

	stored, err = s.store.FindByID(s.ctx, policy.ID)
	s.Require().NoError(err)
	s.Equal(s.clock.Now(), *stored.LastExecuted)
	s.Equal(int64(2), stored.RecordsProcessed)
}

func (s *EngineSuite) TestInactivePoliciesIgnored() {
	s.savePolicy(models.ActionDelete, 30, func(p *models.Policy) {
		p.Active = false
	})
	s.target.add("old", s.daysAgo(60))

	stats, err := s.engine.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Zero(stats.PoliciesEvaluated)
	s.Contains(s.target.records, "old")
}

func (s *EngineSuite) TestConsentExpiryPass() {
	expirer := &fakeExpirer{expired: 3}
	s.engine = New(s.store, map[string]Target{"student": s.target}, s.ledger, s.clock, WithExpirer(expirer))

	stats, err := s.engine.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, stats.ConsentsExpired)

	expirer.err = errors.New("store unavailable")
	_, err = s.engine.Sweep(s.ctx)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

func (s *EngineSuite) TestAdvanceNotices() {
	sink := &notify.CaptureSink{}
	s.engine = New(s.store, map[string]Target{"student": s.target}, s.ledger, s.clock, WithNotifier(sink))

	s.savePolicy(models.ActionDelete, 30, func(p *models.Policy) {
		p.NotificationLeadDays = 7
	})
	s.target.add("eligible-now", s.daysAgo(45))
	s.target.add("eligible-soon", s.daysAgo(27))
	s.target.add("far-off", s.daysAgo(5))

	_, err := s.engine.Sweep(s.ctx)
	s.Require().NoError(err)

	sent := sink.Sent()
	s.Require().Len(sent, 1)
	s.Equal(notify.KindRetentionNotice, sent[0].Kind)
	s.Equal("eligible-soon", sent[0].EntityID)
	s.Equal(7, sent[0].Fields["lead_days"])
}

func (s *EngineSuite) TestCancellationStopsBetweenRecords() {
	s.savePolicy(models.ActionAnonymize, 30)
	for _, entityID := range []string{"a", "b", "c", "d"} {
		s.target.add(entityID, s.daysAgo(40))
	}

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	stats, err := s.engine.Sweep(ctx)
	s.Require().Error(err)
	s.ErrorIs(err, context.Canceled)
	s.Zero(stats.RecordsProcessed)
	s.Empty(s.target.anonymized)
}

func (s *EngineSuite) TestStartStop() {
	engine := New(s.store, map[string]Target{"student": s.target}, s.ledger, s.clock,
		WithInterval(time.Hour))
	engine.Start()

	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	s.Require().NoError(engine.Stop(ctx))
}
