package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"custodia/internal/sentinel"
	id "custodia/pkg/domain"
)

// PostgresStore persists encryption keys in PostgreSQL. Rotation runs in a
// transaction so the single-active-key invariant holds for concurrent readers.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, usage, algorithm, version, status, created_at, expires_at, wrapped`

func (s *PostgresStore) CreateActive(ctx context.Context, key *Key) error {
	// Partial unique index on (usage) WHERE status = 'active' enforces the
	// invariant; a violation means we lost the lazy-creation race.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO encryption_keys (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		uuid.UUID(key.ID), key.Usage, key.Algorithm, key.Version,
		string(key.Status), key.CreatedAt, key.ExpiresAt, key.Wrapped,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert encryption key: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, keyID string) (*Key, error) {
	parsed, err := uuid.Parse(keyID)
	if err != nil {
		return nil, sentinel.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+` FROM encryption_keys WHERE id = $1
	`, parsed)
	return scanKey(row)
}

func (s *PostgresStore) FindActive(ctx context.Context, usage string) (*Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+` FROM encryption_keys
		WHERE usage = $1 AND status = 'active'
	`, usage)
	return scanKey(row)
}

func (s *PostgresStore) Rotate(ctx context.Context, usage string, newKey *Key) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `
		UPDATE encryption_keys SET status = 'deprecated'
		WHERE usage = $1 AND status = 'active'
	`, usage); err != nil {
		return fmt.Errorf("deprecate active key: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO encryption_keys (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, 'active', $5, $6, $7)
	`,
		uuid.UUID(newKey.ID), newKey.Usage, newKey.Algorithm, newKey.Version,
		newKey.CreatedAt, newKey.ExpiresAt, newKey.Wrapped,
	); err != nil {
		return fmt.Errorf("insert rotated key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, keyID string, status Status) error {
	parsed, err := uuid.Parse(keyID)
	if err != nil {
		return sentinel.ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE encryption_keys SET status = $2 WHERE id = $1
	`, parsed, string(status))
	if err != nil {
		return fmt.Errorf("update key status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update key status rows: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByUsage(ctx context.Context, usage string) ([]*Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM encryption_keys
		WHERE usage = $1
		ORDER BY version DESC
	`, usage)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var out []*Key
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MaxVersion(ctx context.Context, usage string) (int, error) {
	var max int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM encryption_keys WHERE usage = $1
	`, usage).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max key version: %w", err)
	}
	return max, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*Key, error) {
	var (
		key    Key
		keyID  uuid.UUID
		status string
	)
	err := row.Scan(&keyID, &key.Usage, &key.Algorithm, &key.Version,
		&status, &key.CreatedAt, &key.ExpiresAt, &key.Wrapped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan encryption key: %w", err)
	}
	key.ID = id.KeyID(keyID)
	key.Status = Status(status)
	return &key, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
