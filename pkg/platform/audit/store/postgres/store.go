package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	id "custodia/pkg/domain"
	audit "custodia/pkg/platform/audit"
)

// Store implements audit.Store using PostgreSQL (pgx stdlib driver).
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const entryColumns = `id, entity_type, entity_id, action, actor_id, details,
	severity, category, correlation_id, timestamp, checksum`

// Append inserts a ledger entry into audit_entries.
func (s *Store) Append(ctx context.Context, entry audit.Entry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal entry details: %w", err)
	}
	var actorID *uuid.UUID
	if entry.ActorID != nil {
		a := uuid.UUID(*entry.ActorID)
		actorID = &a
	}

	query := `
		INSERT INTO audit_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.ExecContext(ctx, query,
		uuid.UUID(entry.ID),
		entry.EntityType,
		entry.EntityID,
		entry.Action,
		actorID,
		details,
		string(entry.Severity),
		string(entry.Category),
		entry.CorrelationID,
		entry.Timestamp,
		entry.Checksum,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// LastChecksum returns the checksum of the newest entry for an entity,
// or "" when the entity has no entries yet.
func (s *Store) LastChecksum(ctx context.Context, entityType, entityID string) (string, error) {
	query := `
		SELECT checksum FROM audit_entries
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`
	var checksum string
	err := s.db.QueryRowContext(ctx, query, entityType, entityID).Scan(&checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query chain head: %w", err)
	}
	return checksum, nil
}

// ListByEntity returns an entity's entries ordered by timestamp ascending.
func (s *Store) ListByEntity(ctx context.Context, entityType, entityID string) ([]audit.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM audit_entries
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY timestamp ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query entity audit trail: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// List returns entries matching the filter ordered by timestamp ascending.
func (s *Store) List(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if filter.EntityType != "" {
		add("entity_type", filter.EntityType)
	}
	if filter.EntityID != "" {
		add("entity_id", filter.EntityID)
	}
	if filter.Category != "" {
		add("category", string(filter.Category))
	}
	if filter.Action != "" {
		add("action", filter.Action)
	}
	if filter.CorrelationID != "" {
		add("correlation_id", filter.CorrelationID)
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conds = append(conds, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		conds = append(conds, fmt.Sprintf("timestamp <= $%d", len(args)))
	}

	query := `SELECT ` + entryColumns + ` FROM audit_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Count returns the total number of ledger entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// PurgeEntity deletes an entity's entries and reports how many were removed.
func (s *Store) PurgeEntity(ctx context.Context, entityType, entityID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE entity_type = $1 AND entity_id = $2`,
		entityType, entityID,
	)
	if err != nil {
		return 0, fmt.Errorf("purge audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return int(n), nil
}

func scanEntries(rows *sql.Rows) ([]audit.Entry, error) {
	var entries []audit.Entry
	for rows.Next() {
		var (
			entry        audit.Entry
			entryID      uuid.UUID
			actorID      *uuid.UUID
			details      []byte
			severity     string
			category     string
		)
		err := rows.Scan(
			&entryID,
			&entry.EntityType,
			&entry.EntityID,
			&entry.Action,
			&actorID,
			&details,
			&severity,
			&category,
			&entry.CorrelationID,
			&entry.Timestamp,
			&entry.Checksum,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.ID = id.EntryID(entryID)
		if actorID != nil {
			a := id.ActorID(*actorID)
			entry.ActorID = &a
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("unmarshal entry details: %w", err)
			}
		}
		entry.Severity = audit.Severity(severity)
		entry.Category = audit.Category(category)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}
