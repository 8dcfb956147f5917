package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"custodia/internal/retention/models"
	"custodia/internal/sentinel"
	id "custodia/pkg/domain"
)

// PostgresStore persists retention policies in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed policy store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const policyColumns = `id, name, entity_type, retention_days, trigger_condition,
	action, priority, active, notification_lead_days, legal_basis, exceptions,
	last_executed, records_processed`

func (s *PostgresStore) Save(ctx context.Context, policy *models.Policy) error {
	query := `
		INSERT INTO retention_policies (` + policyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			entity_type = EXCLUDED.entity_type,
			retention_days = EXCLUDED.retention_days,
			trigger_condition = EXCLUDED.trigger_condition,
			action = EXCLUDED.action,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active,
			notification_lead_days = EXCLUDED.notification_lead_days,
			legal_basis = EXCLUDED.legal_basis,
			exceptions = EXCLUDED.exceptions
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(policy.ID),
		policy.Name,
		policy.EntityType,
		policy.RetentionDays,
		string(policy.Trigger),
		string(policy.Action),
		policy.Priority,
		policy.Active,
		policy.NotificationLeadDays,
		policy.LegalBasis,
		pq.Array(policy.Exceptions),
		policy.LastExecuted,
		policy.RecordsProcessed,
	)
	if err != nil {
		return fmt.Errorf("save retention policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, policyID id.PolicyID) (*models.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM retention_policies WHERE id = $1`
	return scanPolicy(s.db.QueryRowContext(ctx, query, uuid.UUID(policyID)))
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*models.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM retention_policies
		WHERE active ORDER BY priority DESC, name`
	return s.queryPolicies(ctx, query)
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM retention_policies ORDER BY priority DESC, name`
	return s.queryPolicies(ctx, query)
}

func (s *PostgresStore) RecordExecution(ctx context.Context, policyID id.PolicyID, executedAt time.Time, processed int) error {
	query := `
		UPDATE retention_policies
		SET last_executed = $2, records_processed = records_processed + $3
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, uuid.UUID(policyID), executedAt, processed)
	if err != nil {
		return fmt.Errorf("record policy execution: %w", err)
	}
	return requireAffected(res)
}

func (s *PostgresStore) SetActive(ctx context.Context, policyID id.PolicyID, active bool) error {
	query := `UPDATE retention_policies SET active = $2 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, uuid.UUID(policyID), active)
	if err != nil {
		return fmt.Errorf("set policy active: %w", err)
	}
	return requireAffected(res)
}

func (s *PostgresStore) queryPolicies(ctx context.Context, query string) ([]*models.Policy, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list retention policies: %w", err)
	}
	defer rows.Close()

	var out []*models.Policy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, policy)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*models.Policy, error) {
	var p models.Policy
	var policyID uuid.UUID
	var trigger, action string
	var exceptions pq.StringArray
	err := row.Scan(
		&policyID,
		&p.Name,
		&p.EntityType,
		&p.RetentionDays,
		&trigger,
		&action,
		&p.Priority,
		&p.Active,
		&p.NotificationLeadDays,
		&p.LegalBasis,
		&exceptions,
		&p.LastExecuted,
		&p.RecordsProcessed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan retention policy: %w", err)
	}
	p.ID = id.PolicyID(policyID)
	p.Trigger = models.Trigger(trigger)
	p.Action = models.Action(action)
	p.Exceptions = []string(exceptions)
	return &p, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
