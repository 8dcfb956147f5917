package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"custodia/internal/consent/models"
	"custodia/internal/sentinel"
	id "custodia/pkg/domain"
)

// PostgresStore persists consent records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed consent store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, parent_contact, parent_name, child_name, child_age,
	consent_types, status, first_token_digest, second_token_digest,
	first_consent_date, second_consent_date, expires_at, submitted_at,
	origin_addr, client_signature, revoked_at, revocation_reason, version`

func (s *PostgresStore) Save(ctx context.Context, record *models.Record) error {
	if record == nil {
		return fmt.Errorf("consent record is required")
	}
	query := `
		INSERT INTO consent_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(record.ID),
		record.ParentContact,
		record.ParentName,
		record.ChildName,
		record.ChildAge,
		pq.Array(typesToStrings(record.ConsentTypes)),
		string(record.Status),
		record.FirstTokenDigest,
		nullableString(record.SecondTokenDigest),
		record.FirstConsentDate,
		record.SecondConsentDate,
		record.ExpiresAt,
		record.SubmittedAt,
		record.OriginAddr,
		record.ClientSignature,
		record.RevokedAt,
		nullableString(record.RevocationReason),
	)
	if err != nil {
		return fmt.Errorf("save consent record: %w", err)
	}
	record.Version = 1
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, consentID id.ConsentID) (*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM consent_records WHERE id = $1`
	return scanRecord(s.db.QueryRowContext(ctx, query, uuid.UUID(consentID)))
}

func (s *PostgresStore) FindByTokenDigest(ctx context.Context, digest string) (*models.Record, models.VerificationStep, error) {
	query := `SELECT ` + recordColumns + ` FROM consent_records
		WHERE first_token_digest = $1 OR second_token_digest = $1`
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, digest))
	if err != nil {
		return nil, "", err
	}
	if record.FirstTokenDigest == digest {
		return record, models.StepFirst, nil
	}
	return record, models.StepSecond, nil
}

// Update applies the record if the stored version still matches, then bumps
// it. Zero rows affected means another writer got there first.
func (s *PostgresStore) Update(ctx context.Context, record *models.Record) error {
	query := `
		UPDATE consent_records SET
			status = $2,
			second_token_digest = $3,
			first_consent_date = $4,
			second_consent_date = $5,
			revoked_at = $6,
			revocation_reason = $7,
			version = version + 1
		WHERE id = $1 AND version = $8
	`
	res, err := s.db.ExecContext(ctx, query,
		uuid.UUID(record.ID),
		string(record.Status),
		nullableString(record.SecondTokenDigest),
		record.FirstConsentDate,
		record.SecondConsentDate,
		record.RevokedAt,
		nullableString(record.RevocationReason),
		record.Version,
	)
	if err != nil {
		return fmt.Errorf("update consent record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update consent record: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing row from a version race.
		if _, err := s.FindByID(ctx, record.ID); errors.Is(err, sentinel.ErrNotFound) {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrConflict
	}
	record.Version++
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter *Filter) ([]*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM consent_records`
	var args []any
	var where []string
	if filter != nil && filter.Status != nil {
		args = append(args, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter != nil && filter.ConsentType != nil {
		args = append(args, string(*filter.ConsentType))
		where = append(where, fmt.Sprintf("$%d = ANY(consent_types)", len(args)))
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
		return nil, fmt.Errorf("list consent records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) ListExpirable(ctx context.Context, now time.Time) ([]*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM consent_records
		WHERE status IN ('pending', 'first_verified') AND expires_at < $1
		ORDER BY submitted_at ASC`
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list expirable consent records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM consent_records`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count consent records: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) SavePreferences(ctx context.Context, prefs *models.Preferences) error {
	query := `
		INSERT INTO consent_preferences (id, subject_id, essential, functional,
			analytics, marketing, personalization, version, recorded_at,
			origin_addr, client_signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(prefs.ID),
		uuid.UUID(prefs.SubjectID),
		prefs.Essential,
		prefs.Functional,
		prefs.Analytics,
		prefs.Marketing,
		prefs.Personalization,
		prefs.Version,
		prefs.RecordedAt,
		prefs.OriginAddr,
		prefs.ClientSignature,
	)
	if err != nil {
		return fmt.Errorf("save consent preferences: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPreferences(ctx context.Context, subjectID id.SubjectID) ([]*models.Preferences, error) {
	query := `
		SELECT id, subject_id, essential, functional, analytics, marketing,
			personalization, version, recorded_at, origin_addr, client_signature
		FROM consent_preferences
		WHERE subject_id = $1
		ORDER BY version DESC
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(subjectID))
	if err != nil {
		return nil, fmt.Errorf("list consent preferences: %w", err)
	}
	defer rows.Close()

	var out []*models.Preferences
	for rows.Next() {
		var p models.Preferences
		var prefID, subID uuid.UUID
		if err := rows.Scan(&prefID, &subID, &p.Essential, &p.Functional,
			&p.Analytics, &p.Marketing, &p.Personalization, &p.Version,
			&p.RecordedAt, &p.OriginAddr, &p.ClientSignature); err != nil {
			return nil, fmt.Errorf("scan consent preferences: %w", err)
		}
		p.ID = id.ConsentID(prefID)
		p.SubjectID = id.SubjectID(subID)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MaxPreferencesVersion(ctx context.Context, subjectID id.SubjectID) (int, error) {
	var max int
	query := `SELECT COALESCE(MAX(version), 0) FROM consent_preferences WHERE subject_id = $1`
	if err := s.db.QueryRowContext(ctx, query, uuid.UUID(subjectID)).Scan(&max); err != nil {
		return 0, fmt.Errorf("max preferences version: %w", err)
	}
	return max, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var r models.Record
	var recordID uuid.UUID
	var types pq.StringArray
	var status string
	var secondDigest, revocationReason sql.NullString
	err := row.Scan(
		&recordID,
		&r.ParentContact,
		&r.ParentName,
		&r.ChildName,
		&r.ChildAge,
		&types,
		&status,
		&r.FirstTokenDigest,
		&secondDigest,
		&r.FirstConsentDate,
		&r.SecondConsentDate,
		&r.ExpiresAt,
		&r.SubmittedAt,
		&r.OriginAddr,
		&r.ClientSignature,
		&r.RevokedAt,
		&revocationReason,
		&r.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan consent record: %w", err)
	}
	r.ID = id.ConsentID(recordID)
	r.Status = models.Status(status)
	r.SecondTokenDigest = secondDigest.String
	r.RevocationReason = revocationReason.String
	r.ConsentTypes = make([]models.Type, 0, len(types))
	for _, t := range types {
		r.ConsentTypes = append(r.ConsentTypes, models.Type(t))
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

func typesToStrings(types []models.Type) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
