package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"custodia/internal/dsr/models"
	"custodia/internal/sentinel"
	id "custodia/pkg/domain"
)

// PostgresStore persists request records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed request store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, request_type, requester_role, requester_contact,
	subject_id, details, urgent, status, priority, submitted_at, due_date,
	token_digest, verified_at, assignee, processed_at, completed_at,
	response_details, actions_taken, rejection_reason, legal_basis,
	origin_addr, client_signature, version`

func (s *PostgresStore) Save(ctx context.Context, record *models.Record) error {
	if record == nil {
		return fmt.Errorf("request record is required")
	}
	query := `
		INSERT INTO request_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, 1)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(record.ID),
		string(record.Type),
		string(record.RequesterRole),
		record.RequesterContact,
		subjectUUID(record.SubjectID),
		record.Details,
		record.Urgent,
		string(record.Status),
		string(record.Priority),
		record.SubmittedAt,
		record.DueDate,
		nullableString(record.TokenDigest),
		record.VerifiedAt,
		actorUUID(record.Assignee),
		record.ProcessedAt,
		record.CompletedAt,
		nullableString(record.ResponseDetails),
		pq.Array(record.ActionsTaken),
		nullableString(record.RejectionReason),
		nullableString(record.LegalBasis),
		record.OriginAddr,
		record.ClientSignature,
	)
	if err != nil {
		return fmt.Errorf("save request record: %w", err)
	}
	record.Version = 1
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, requestID id.RequestID) (*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM request_records WHERE id = $1`
	return scanRecord(s.db.QueryRowContext(ctx, query, uuid.UUID(requestID)))
}

func (s *PostgresStore) Update(ctx context.Context, record *models.Record) error {
	query := `
		UPDATE request_records SET
			status = $2,
			verified_at = $3,
			assignee = $4,
			processed_at = $5,
			completed_at = $6,
			response_details = $7,
			actions_taken = $8,
			rejection_reason = $9,
			version = version + 1
		WHERE id = $1 AND version = $10
	`
	res, err := s.db.ExecContext(ctx, query,
		uuid.UUID(record.ID),
		string(record.Status),
		record.VerifiedAt,
		actorUUID(record.Assignee),
		record.ProcessedAt,
		record.CompletedAt,
		nullableString(record.ResponseDetails),
		pq.Array(record.ActionsTaken),
		nullableString(record.RejectionReason),
		record.Version,
	)
	if err != nil {
		return fmt.Errorf("update request record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update request record: %w", err)
	}
	if affected == 0 {
		if _, err := s.FindByID(ctx, record.ID); errors.Is(err, sentinel.ErrNotFound) {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrConflict
	}
	record.Version++
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter *Filter) ([]*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM request_records`
	var args []any
	var where []string
	if filter != nil {
		if filter.Status != nil {
			args = append(args, string(*filter.Status))
			where = append(where, fmt.Sprintf("status = $%d", len(args)))
		}
		if filter.Type != nil {
			args = append(args, string(*filter.Type))
			where = append(where, fmt.Sprintf("request_type = $%d", len(args)))
		}
		if filter.Priority != nil {
			args = append(args, string(*filter.Priority))
			where = append(where, fmt.Sprintf("priority = $%d", len(args)))
		}
		if filter.Assignee != nil {
			args = append(args, uuid.UUID(*filter.Assignee))
			where = append(where, fmt.Sprintf("assignee = $%d", len(args)))
		}
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY submitted_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list request records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) ListOverdue(ctx context.Context, now time.Time) ([]*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM request_records
		WHERE status NOT IN ('completed', 'rejected') AND due_date < $1
		ORDER BY due_date ASC`
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list overdue request records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) OpenForSubject(ctx context.Context, subjectID id.SubjectID) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM request_records
		WHERE subject_id = $1 AND status NOT IN ('completed', 'rejected')
	)`
	var open bool
	if err := s.db.QueryRowContext(ctx, query, uuid.UUID(subjectID)).Scan(&open); err != nil {
		return false, fmt.Errorf("check open requests for subject: %w", err)
	}
	return open, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_records`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count request records: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, status models.Status) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM request_records WHERE status = $1`
	err := s.db.QueryRowContext(ctx, query, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count request records by status: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var r models.Record
	var recordID uuid.UUID
	var subjectID, assignee *uuid.UUID
	var reqType, role, status, priority string
	var tokenDigest, responseDetails, rejectionReason, legalBasis sql.NullString
	var actions pq.StringArray
	err := row.Scan(
		&recordID,
		&reqType,
		&role,
		&r.RequesterContact,
		&subjectID,
		&r.Details,
		&r.Urgent,
		&status,
		&priority,
		&r.SubmittedAt,
		&r.DueDate,
		&tokenDigest,
		&r.VerifiedAt,
		&assignee,
		&r.ProcessedAt,
		&r.CompletedAt,
		&responseDetails,
		&actions,
		&rejectionReason,
		&legalBasis,
		&r.OriginAddr,
		&r.ClientSignature,
		&r.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan request record: %w", err)
	}
	r.ID = id.RequestID(recordID)
	r.Type = models.Type(reqType)
	r.RequesterRole = models.Role(role)
	r.Status = models.Status(status)
	r.Priority = models.Priority(priority)
	r.TokenDigest = tokenDigest.String
	r.ResponseDetails = responseDetails.String
	r.RejectionReason = rejectionReason.String
	r.LegalBasis = legalBasis.String
	r.ActionsTaken = []string(actions)
	if subjectID != nil {
		v := id.SubjectID(*subjectID)
		r.SubjectID = &v
	}
	if assignee != nil {
		a := id.ActorID(*assignee)
		r.Assignee = &a
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*models.Record, error) {
	var out []*models.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func subjectUUID(s *id.SubjectID) any {
	if s == nil {
		return nil
	}
	return uuid.UUID(*s)
}

func actorUUID(a *id.ActorID) any {
	if a == nil {
		return nil
	}
	return uuid.UUID(*a)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
