// Package targets holds the retention-action appliers for the entity types
// the platform governs.
package targets

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"custodia/internal/retention/models"
)

// StudentTarget applies retention actions to student records and their
// progress rows.
//
// Anonymize scrubs the identity columns in place and leaves the progress
// rows for aggregate statistics. Delete removes the student and every
// progress row. Archive copies both into the archive tables before deleting
// the live rows.
type StudentTarget struct {
	db *sql.DB
}

// NewStudentTarget constructs a student retention target.
func NewStudentTarget(db *sql.DB) *StudentTarget {
	return &StudentTarget{db: db}
}

// triggerColumn maps the policy trigger onto the students schema.
func triggerColumn(trigger models.Trigger) (string, error) {
	switch trigger {
	case models.TriggerCreationDate:
		return "enrolled_at", nil
	case models.TriggerLastAccess:
		return "last_access_at", nil
	default:
		return "", fmt.Errorf("student records have no %q timestamp", trigger)
	}
}

func (t *StudentTarget) Scan(ctx context.Context, policy *models.Policy, cutoff time.Time) ([]string, error) {
	column, err := triggerColumn(policy.Trigger)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id FROM students WHERE %s < $1 AND NOT anonymized ORDER BY %s ASC`, column, column)
	rows, err := t.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scan students: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var studentID uuid.UUID
		if err := rows.Scan(&studentID); err != nil {
			return nil, fmt.Errorf("scan student id: %w", err)
		}
		out = append(out, studentID.String())
	}
	return out, rows.Err()
}

func (t *StudentTarget) Anonymize(ctx context.Context, entityID string) error {
	studentID, err := uuid.Parse(entityID)
	if err != nil {
		return fmt.Errorf("anonymize student: %w", err)
	}
	query := `
		UPDATE students
		SET name = 'redacted', contact = '', anonymized = TRUE
		WHERE id = $1
	`
	if _, err := t.db.ExecContext(ctx, query, studentID); err != nil {
		return fmt.Errorf("anonymize student: %w", err)
	}
	return nil
}

func (t *StudentTarget) Delete(ctx context.Context, entityID string) error {
	studentID, err := uuid.Parse(entityID)
	if err != nil {
		return fmt.Errorf("delete student: %w", err)
	}
	return t.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM progress_records WHERE student_id = $1`, studentID); err != nil {
			return fmt.Errorf("delete progress records: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, studentID); err != nil {
			return fmt.Errorf("delete student: %w", err)
		}
		return nil
	})
}

func (t *StudentTarget) Archive(ctx context.Context, entityID string) error {
	studentID, err := uuid.Parse(entityID)
	if err != nil {
		return fmt.Errorf("archive student: %w", err)
	}
	return t.inTx(ctx, func(tx *sql.Tx) error {
		copies := []string{
			`INSERT INTO students_archive SELECT *, NOW() AS archived_at FROM students WHERE id = $1`,
			`INSERT INTO progress_records_archive SELECT *, NOW() AS archived_at FROM progress_records WHERE student_id = $1`,
			`DELETE FROM progress_records WHERE student_id = $1`,
			`DELETE FROM students WHERE id = $1`,
		}
		for _, query := range copies {
			if _, err := tx.ExecContext(ctx, query, studentID); err != nil {
				return fmt.Errorf("archive student: %w", err)
			}
		}
		return nil
	})
}

func (t *StudentTarget) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
