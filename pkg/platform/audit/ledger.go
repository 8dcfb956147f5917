package audit

import (
	"context"
	"iter"
	"log/slog"

	"custodia/internal/platform/clock"
	id "custodia/pkg/domain"
	dErrors "custodia/pkg/domain-errors"
	psync "custodia/pkg/platform/sync"
)

// Store defines persistence for ledger entries.
// Error Contract:
// - Append returns nil on success or a wrapped error on infrastructure failure
// - LastChecksum returns "" with nil error when the entity has no entries yet
// - ListByEntity and List return entries ordered by timestamp ascending
type Store interface {
	Append(ctx context.Context, entry Entry) error
	LastChecksum(ctx context.Context, entityType, entityID string) (string, error)
	ListByEntity(ctx context.Context, entityType, entityID string) ([]Entry, error)
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Count(ctx context.Context) (int, error)
	PurgeEntity(ctx context.Context, entityType, entityID string) (int, error)
}

// Mirror receives successfully appended entries for best-effort fan-out
// (Kafka, SIEM). Mirroring is never part of the append's fatal contract.
type Mirror interface {
	Enqueue(entry Entry)
}

// Ledger is the append-only, checksum-chained compliance log. Every workflow
// component writes here; a failed append is fatal to the triggering operation
// because a compliance action without an audit trail is worse than rejecting
// the action.
type Ledger struct {
	store  Store
	locks  *psync.ShardedMutex
	clock  clock.Clock
	logger *slog.Logger
	mirror Mirror
}

// Option configures the Ledger.
type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithMirror(m Mirror) Option {
	return func(l *Ledger) { l.mirror = m }
}

// New constructs a Ledger over the given store and clock.
func New(store Store, clk clock.Clock, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		locks: psync.NewShardedMutex(),
		clock: clk,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append writes an entry, chaining its checksum to the previous entry for the
// same entity. The per-entity lock serializes same-entity appends so the chain
// has a well-defined predecessor; different entities append concurrently.
func (l *Ledger) Append(ctx context.Context, entry Entry) (id.EntryID, error) {
	if entry.EntityType == "" || entry.EntityID == "" {
		return id.EntryID{}, dErrors.New(dErrors.CodeInvalidInput, "audit entry requires entity type and id")
	}
	if entry.Action == "" {
		return id.EntryID{}, dErrors.New(dErrors.CodeInvalidInput, "audit entry requires an action")
	}
	if entry.ID.IsNil() {
		entry.ID = id.NewEntryID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock.Now()
	}
	if entry.Severity == "" {
		entry.Severity = SeverityMedium
	}

	key := entry.EntityKey()
	l.locks.Lock(key)
	defer l.locks.Unlock(key)

	prev, err := l.store.LastChecksum(ctx, entry.EntityType, entry.EntityID)
	if err != nil {
		return id.EntryID{}, dErrors.Wrap(err, dErrors.CodeAuditWriteFailed, "failed to read chain head")
	}
	entry.Checksum = Checksum(prev, entry)

	if err := l.store.Append(ctx, entry); err != nil {
		if l.logger != nil {
			l.logger.ErrorContext(ctx, "audit append failed",
				"entity", key,
				"action", entry.Action,
				"error", err,
			)
		}
		return id.EntryID{}, dErrors.Wrap(err, dErrors.CodeAuditWriteFailed, "failed to append audit entry")
	}

	if l.mirror != nil {
		l.mirror.Enqueue(entry)
	}
	return entry.ID, nil
}

// VerifyChain recomputes the hash chain for an entity's entries and reports
// whether every stored checksum matches. It returns false on the first
// mismatch, which indicates an out-of-band modification.
func (l *Ledger) VerifyChain(ctx context.Context, entityType, entityID string) (bool, error) {
	entries, err := l.store.ListByEntity(ctx, entityType, entityID)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load entity audit trail")
	}
	prev := ""
	for _, e := range entries {
		if Checksum(prev, e) != e.Checksum {
			return false, nil
		}
		prev = e.Checksum
	}
	return true, nil
}

// Query returns a lazy, restartable sequence of entries matching the filter,
// ordered by timestamp ascending. Iteration stops early when the consumer
// breaks; re-ranging the sequence restarts the query.
func (l *Ledger) Query(ctx context.Context, filter Filter) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		entries, err := l.store.List(ctx, filter)
		if err != nil {
			yield(Entry{}, dErrors.Wrap(err, dErrors.CodeInternal, "audit query failed"))
			return
		}
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Purge removes an entity's entries as part of a retention-policy deletion.
// The purge itself is recorded as a new entry referencing the governing policy,
// so even erasure leaves a legally required trace.
func (l *Ledger) Purge(ctx context.Context, entityType, entityID string, policyID id.PolicyID, correlationID string) (int, error) {
	key := entityType + "/" + entityID
	l.locks.Lock(key)
	defer l.locks.Unlock(key)

	purged, err := l.store.PurgeEntity(ctx, entityType, entityID)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to purge audit entries")
	}

	record := Entry{
		ID:            id.NewEntryID(),
		EntityType:    entityType,
		EntityID:      entityID,
		Action:        ActionLedgerPurged,
		Details:       map[string]any{"purged_entries": purged, "policy_id": policyID.String()},
		Severity:      SeverityCritical,
		Category:      CategoryRetention,
		CorrelationID: correlationID,
		Timestamp:     l.clock.Now(),
	}
	// Chain restarts: the purge record is the new genesis for this entity.
	record.Checksum = Checksum("", record)
	if err := l.store.Append(ctx, record); err != nil {
		return purged, dErrors.Wrap(err, dErrors.CodeAuditWriteFailed, "failed to record purge")
	}
	return purged, nil
}
