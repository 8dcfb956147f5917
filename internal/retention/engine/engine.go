// Package engine runs the scheduled retention sweep: it evaluates every
// active policy against the entities it governs and applies the configured
// anonymize, delete, or archive action through the registered targets.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"custodia/internal/notify"
	"custodia/internal/platform/clock"
	"custodia/internal/platform/tracer"
	"custodia/internal/retention/metrics"
	"custodia/internal/retention/models"
	"custodia/internal/retention/store"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	audit "custodia/pkg/platform/audit"
)

const defaultSweepInterval = 24 * time.Hour

// Target applies retention actions to one entity type. Scan returns the ids
// of entities whose trigger timestamp lies before the cutoff.
type Target interface {
	Scan(ctx context.Context, policy *models.Policy, cutoff time.Time) ([]string, error)
	Anonymize(ctx context.Context, entityID string) error
	Delete(ctx context.Context, entityID string) error
	Archive(ctx context.Context, entityID string) error
}

// Guard vetoes deletions. The engine consults it before every delete so an
// entity referenced by an open data-subject request survives the sweep.
type Guard interface {
	DeletionBlocked(ctx context.Context, entityType, entityID string) (blocked bool, reason string, err error)
}

// Expirer marks overdue consent records expired. Satisfied by the consent
// service; the sweep drives it on the same cadence as the policies.
type Expirer interface {
	ExpirePending(ctx context.Context) (int, error)
}

// Ledger is the append contract the engine needs from the audit ledger.
type Ledger interface {
	Append(ctx context.Context, entry audit.Entry) (id.EntryID, error)
}

// Option configures the Engine.
type Option func(*Engine)

// WithInterval sets the sweep cadence. Defaults to daily.
func WithInterval(interval time.Duration) Option {
	return func(e *Engine) {
		if interval > 0 {
			e.interval = interval
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTracer sets the tracer for sweep spans.
func WithTracer(t tracer.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithExpirer wires the consent expiry pass into the sweep.
func WithExpirer(expirer Expirer) Option {
	return func(e *Engine) { e.expirer = expirer }
}

// WithGuard sets the deletion guard.
func WithGuard(guard Guard) Option {
	return func(e *Engine) { e.guard = guard }
}

// WithNotifier enables advance retention notices for policies with a
// notification lead time.
func WithNotifier(sink notify.Sink) Option {
	return func(e *Engine) { e.notifier = sink }
}

// Engine owns the background sweep loop. It never blocks foreground
// operations and is cancellable between records.
type Engine struct {
	store    store.Store
	targets  map[string]Target
	ledger   Ledger
	clock    clock.Clock
	guard    Guard
	expirer  Expirer
	notifier notify.Sink
	tracer   tracer.Tracer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a retention engine. Targets maps entity type to the applier
// for that type; a policy whose entity type has no target fails its sweep
// pass without aborting the others.
func New(st store.Store, targets map[string]Target, ledger Ledger, clk clock.Clock, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    st,
		targets:  targets,
		ledger:   ledger,
		clock:    clk,
		tracer:   tracer.NewNoop(),
		interval: defaultSweepInterval,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins the sweep loop in a background goroutine.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop cancels the loop and waits for an in-flight sweep to reach its next
// checkpoint, or for ctx to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(e.ctx); err != nil && e.logger != nil {
				e.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one full pass over the active policies. A record that errors
// is logged and counted, never aborting the rest of the sweep; the returned
// error is reserved for scheduler-level failures (policy listing,
// cancellation).
func (e *Engine) Sweep(ctx context.Context) (*models.SweepStats, error) {
	start := time.Now()
	now := e.clock.Now()
	correlationID := uuid.New().String()

	ctx, span := e.tracer.Start(ctx, tracer.SpanSweep)
	stats := &models.SweepStats{StartedAt: now}
	var sweepErr error
	defer func() {
		stats.Duration = time.Since(start)
		span.SetAttributes(
			tracer.Int64(tracer.AttrProcessed, int64(stats.RecordsProcessed)),
			tracer.Int64(tracer.AttrSkipped, int64(stats.RecordsSkipped)),
			tracer.Int64(tracer.AttrFailed, int64(stats.RecordsFailed)),
		)
		span.End(sweepErr)
		if e.metrics != nil {
			e.metrics.ObserveSweepDuration(stats.Duration.Seconds())
		}
	}()
	if e.metrics != nil {
		e.metrics.IncrementSweeps()
	}

	if e.expirer != nil {
		expired, err := e.expireConsents(ctx)
		if err != nil {
			sweepErr = err
			return stats, err
		}
		stats.ConsentsExpired = expired
	}

	policies, err := e.store.ListActive(ctx)
	if err != nil {
		sweepErr = dErrors.Wrap(err, dErrors.CodeInternal, "failed to list active policies")
		return stats, sweepErr
	}

	for _, policy := range policies {
		if err := ctx.Err(); err != nil {
			sweepErr = err
			return stats, err
		}
		e.sweepPolicy(ctx, policy, now, correlationID, stats)
		stats.PoliciesEvaluated++
	}
	e.log(ctx, "retention sweep finished",
		"policies", stats.PoliciesEvaluated,
		"processed", stats.RecordsProcessed,
		"skipped", stats.RecordsSkipped,
		"failed", stats.RecordsFailed,
		"consents_expired", stats.ConsentsExpired,
	)
	return stats, nil
}

func (e *Engine) expireConsents(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, tracer.SpanConsentScan)
	expired, err := e.expirer.ExpirePending(ctx)
	span.End(err)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "consent expiry pass failed")
	}
	if e.metrics != nil && expired > 0 {
		e.metrics.AddConsentsExpired(expired)
	}
	return expired, nil
}

// sweepPolicy evaluates one policy. Stats on the policy row are updated once
// at the end of the pass, not per record.
func (e *Engine) sweepPolicy(ctx context.Context, policy *models.Policy, now time.Time, correlationID string, stats *models.SweepStats) {
	ctx, span := e.tracer.Start(ctx, tracer.SpanPolicy,
		tracer.String(tracer.AttrPolicyID, policy.ID.String()),
		tracer.String(tracer.AttrEntityType, policy.EntityType),
		tracer.String(tracer.AttrAction, string(policy.Action)),
	)
	var policyErr error
	defer func() { span.End(policyErr) }()

	target, ok := e.targets[policy.EntityType]
	if !ok {
		policyErr = fmt.Errorf("no retention target registered for entity type %q", policy.EntityType)
		e.warn(ctx, "skipping policy", "policy_id", policy.ID.String(), "error", policyErr)
		return
	}

	matches, err := target.Scan(ctx, policy, policy.Cutoff(now))
	if err != nil {
		policyErr = err
		e.warn(ctx, "policy scan failed", "policy_id", policy.ID.String(), "error", err)
		return
	}

	processed := 0
	for _, entityID := range matches {
		// Cooperative checkpoint: shutdown between records, never inside one.
		if err := ctx.Err(); err != nil {
			policyErr = err
			break
		}
		switch e.applyOne(ctx, policy, target, entityID, correlationID) {
		case outcomeApplied:
			processed++
			stats.RecordsProcessed++
		case outcomeSkipped:
			stats.RecordsSkipped++
		case outcomeFailed:
			stats.RecordsFailed++
		}
	}

	if e.notifier != nil && policy.NotificationLeadDays > 0 {
		e.sendAdvanceNotices(ctx, policy, target, now, matches)
	}

	if err := e.store.RecordExecution(ctx, policy.ID, now, processed); err != nil {
		e.warn(ctx, "failed to record policy execution", "policy_id", policy.ID.String(), "error", err)
	}
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (e *Engine) applyOne(ctx context.Context, policy *models.Policy, target Target, entityID, correlationID string) outcome {
	if policy.Excepted(entityID) {
		e.auditSkip(ctx, policy, entityID, correlationID, "exception_list")
		if e.metrics != nil {
			e.metrics.IncrementSkipped("exception_list")
		}
		return outcomeSkipped
	}

	if policy.Action == models.ActionDelete && e.guard != nil {
		blocked, reason, err := e.guard.DeletionBlocked(ctx, policy.EntityType, entityID)
		if err != nil {
			e.recordFailure(ctx, policy, entityID, err)
			return outcomeFailed
		}
		if blocked {
			e.auditSkip(ctx, policy, entityID, correlationID, reason)
			if e.metrics != nil {
				e.metrics.IncrementSkipped(reason)
			}
			return outcomeSkipped
		}
	}

	var err error
	switch policy.Action {
	case models.ActionAnonymize:
		err = target.Anonymize(ctx, entityID)
	case models.ActionDelete:
		err = target.Delete(ctx, entityID)
	case models.ActionArchive:
		err = target.Archive(ctx, entityID)
	default:
		err = fmt.Errorf("unrecognized retention action %q", policy.Action)
	}
	if err != nil {
		e.recordFailure(ctx, policy, entityID, err)
		return outcomeFailed
	}

	_, err = e.ledger.Append(ctx, audit.Entry{
		EntityType:    policy.EntityType,
		EntityID:      entityID,
		Action:        audit.ActionRetentionApplied,
		Category:      audit.CategoryRetention,
		Severity:      audit.SeverityHigh,
		CorrelationID: correlationID,
		Details: map[string]any{
			"policy_id":        policy.ID.String(),
			"retention_action": string(policy.Action),
			"legal_basis":      policy.LegalBasis,
		},
	})
	if err != nil {
		// The action already happened; an unaudited retention action is a
		// failure even though the record was handled.
		e.recordFailure(ctx, policy, entityID, err)
		return outcomeFailed
	}
	if e.metrics != nil {
		e.metrics.IncrementProcessed(string(policy.Action))
	}
	return outcomeApplied
}

// sendAdvanceNotices raises intents for entities that will become eligible
// within the policy's notification lead time.
func (e *Engine) sendAdvanceNotices(ctx context.Context, policy *models.Policy, target Target, now time.Time, alreadyEligible []string) {
	lead := time.Duration(policy.NotificationLeadDays) * 24 * time.Hour
	upcoming, err := target.Scan(ctx, policy, policy.Cutoff(now).Add(lead))
	if err != nil {
		e.warn(ctx, "advance notice scan failed", "policy_id", policy.ID.String(), "error", err)
		return
	}
	eligible := make(map[string]bool, len(alreadyEligible))
	for _, entityID := range alreadyEligible {
		eligible[entityID] = true
	}
	for _, entityID := range upcoming {
		if eligible[entityID] || policy.Excepted(entityID) {
			continue
		}
		e.notifier.Send(ctx, notify.Intent{
			Kind:     notify.KindRetentionNotice,
			EntityID: entityID,
			Fields: map[string]any{
				"policy_id": policy.ID.String(),
				"action":    string(policy.Action),
				"lead_days": policy.NotificationLeadDays,
			},
			CreatedAt: now,
		})
	}
}

func (e *Engine) auditSkip(ctx context.Context, policy *models.Policy, entityID, correlationID, reason string) {
	_, err := e.ledger.Append(ctx, audit.Entry{
		EntityType:    policy.EntityType,
		EntityID:      entityID,
		Action:        audit.ActionRetentionSkipped,
		Category:      audit.CategoryRetention,
		Severity:      audit.SeverityLow,
		CorrelationID: correlationID,
		Details: map[string]any{
			"policy_id": policy.ID.String(),
			"reason":    reason,
		},
	})
	if err != nil {
		e.warn(ctx, "failed to audit retention skip",
			"policy_id", policy.ID.String(), "entity_id", entityID, "error", err)
	}
}

func (e *Engine) recordFailure(ctx context.Context, policy *models.Policy, entityID string, err error) {
	wrapped := dErrors.Wrap(err, dErrors.CodeRetentionActionFailed, "retention action failed")
	e.warn(ctx, "retention action failed",
		"policy_id", policy.ID.String(),
		"entity_id", entityID,
		"action", string(policy.Action),
		"error", wrapped,
	)
	if e.metrics != nil {
		e.metrics.IncrementFailed(string(policy.Action))
	}
}

func (e *Engine) log(ctx context.Context, msg string, args ...any) {
	if e.logger != nil {
		e.logger.InfoContext(ctx, msg, args...)
	}
}

func (e *Engine) warn(ctx context.Context, msg string, args ...any) {
	if e.logger != nil {
		e.logger.WarnContext(ctx, msg, args...)
	}
}
