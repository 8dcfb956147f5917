package targets

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"custodia/internal/retention/models"
	id "custodia/pkg/domain"
	audit "custodia/pkg/platform/audit"
)

// AuditTarget applies retention to the audit ledger itself. An entity's trail
// becomes eligible when its newest entry predates the cutoff, so an actively
// audited entity is never purged mid-history.
//
// Only delete is supported. Purging goes through the ledger so the erasure
// leaves a chained purge record behind.
type AuditTarget struct {
	ledger *audit.Ledger

	// pending remembers, per composite key returned by the last Scan, which
	// policy governed it. The sweep calls Scan before Delete on the same
	// goroutine; the purge record references the governing policy.
	mu      sync.Mutex
	pending map[string]purgeContext
}

type purgeContext struct {
	policyID      id.PolicyID
	correlationID string
}

// NewAuditTarget constructs a ledger retention target.
func NewAuditTarget(ledger *audit.Ledger) *AuditTarget {
	return &AuditTarget{ledger: ledger, pending: map[string]purgeContext{}}
}

func (t *AuditTarget) Scan(ctx context.Context, policy *models.Policy, cutoff time.Time) ([]string, error) {
	newest := map[string]audit.Entry{}
	for entry, err := range t.ledger.Query(ctx, audit.Filter{}) {
		if err != nil {
			return nil, fmt.Errorf("scan audit trails: %w", err)
		}
		key := entry.EntityKey()
		if prev, ok := newest[key]; !ok || entry.Timestamp.After(prev.Timestamp) {
			newest[key] = entry
		}
	}

	correlationID := uuid.New().String()
	var out []string
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, entry := range newest {
		// A trail whose only remaining entry is the purge record has
		// already been handled.
		if entry.Action == audit.ActionLedgerPurged {
			continue
		}
		if !entry.Timestamp.Before(cutoff) {
			continue
		}
		t.pending[key] = purgeContext{policyID: policy.ID, correlationID: correlationID}
		out = append(out, key)
	}
	return out, nil
}

func (t *AuditTarget) Delete(ctx context.Context, entityKey string) error {
	entityType, entityID, ok := strings.Cut(entityKey, "/")
	if !ok {
		return fmt.Errorf("malformed audit entity key %q", entityKey)
	}

	t.mu.Lock()
	pc, found := t.pending[entityKey]
	delete(t.pending, entityKey)
	t.mu.Unlock()
	if !found {
		pc.correlationID = uuid.New().String()
	}

	if _, err := t.ledger.Purge(ctx, entityType, entityID, pc.policyID, pc.correlationID); err != nil {
		return fmt.Errorf("purge audit trail: %w", err)
	}
	return nil
}

func (t *AuditTarget) Anonymize(context.Context, string) error {
	return fmt.Errorf("audit entries cannot be anonymized, configure a delete policy")
}

func (t *AuditTarget) Archive(context.Context, string) error {
	return fmt.Errorf("audit entries cannot be archived, configure a delete policy")
}
