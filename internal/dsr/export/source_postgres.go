package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"custodia/internal/sentinel"
	id "custodia/pkg/domain"
)

// PostgresSource reads subject data from the platform's students and
// progress tables.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource constructs a PostgreSQL-backed subject source.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) Student(ctx context.Context, subjectID id.SubjectID) (Student, error) {
	query := `SELECT id, name, contact, age, enrolled_at FROM students WHERE id = $1`
	var student Student
	var studentID uuid.UUID
	err := s.db.QueryRowContext(ctx, query, uuid.UUID(subjectID)).Scan(
		&studentID, &student.Name, &student.Contact, &student.Age, &student.EnrolledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Student{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Student{}, fmt.Errorf("load student: %w", err)
	}
	student.ID = studentID.String()
	return student, nil
}

func (s *PostgresSource) Progress(ctx context.Context, subjectID id.SubjectID) ([]ProgressRecord, error) {
	query := `
		SELECT course, lesson, score, completed_at
		FROM progress_records
		WHERE student_id = $1
		ORDER BY completed_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(subjectID))
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	defer rows.Close()

	var out []ProgressRecord
	for rows.Next() {
		var p ProgressRecord
		if err := rows.Scan(&p.Course, &p.Lesson, &p.Score, &p.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan progress record: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
