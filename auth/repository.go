package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrKeyNotFound signals that no active key has the label.
	ErrKeyNotFound = errors.New("auth: oracle key not found")
	// ErrDuplicateLabel signals that the label is already registered.
	ErrDuplicateLabel = errors.New("auth: oracle key label already exists")
)

// Repository handles data access for oracle credentials.
type Repository interface {
	CreateOracleKey(ctx context.Context, label, keyHash string) (OracleKey, error)
	ListActiveOracleKeys(ctx context.Context) ([]OracleKey, error)
	RevokeOracleKey(ctx context.Context, label string) error
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) CreateOracleKey(ctx context.Context, label, keyHash string) (OracleKey, error) {
	const insertSQL = `
		INSERT INTO oracle_keys (label, key_hash)
		VALUES ($1, $2)
		RETURNING id, label, key_hash, created_at, revoked_at
	`

	key, err := scanOracleKey(r.pool.QueryRow(ctx, insertSQL, label, keyHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return OracleKey{}, ErrDuplicateLabel
		}
		return OracleKey{}, fmt.Errorf("auth: create oracle key: %w", err)
	}
	return key, nil
}

func (r *PGRepository) ListActiveOracleKeys(ctx context.Context) ([]OracleKey, error) {
	const selectSQL = `
		SELECT id, label, key_hash, created_at, revoked_at
		FROM oracle_keys
		WHERE revoked_at IS NULL
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, selectSQL)
	if err != nil {
		return nil, fmt.Errorf("auth: list oracle keys: %w", err)
	}
	defer rows.Close()

	var keys []OracleKey
	for rows.Next() {
		key, err := scanOracleKey(rows)
		if err != nil {
			return nil, fmt.Errorf("auth: scan oracle key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auth: iterate oracle keys: %w", err)
	}
	return keys, nil
}

func (r *PGRepository) RevokeOracleKey(ctx context.Context, label string) error {
	const updateSQL = `
		UPDATE oracle_keys SET revoked_at = now()
		WHERE label = $1 AND revoked_at IS NULL
	`

	tag, err := r.pool.Exec(ctx, updateSQL, label)
	if err != nil {
		return fmt.Errorf("auth: revoke oracle key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func scanOracleKey(row pgx.Row) (OracleKey, error) {
	var key OracleKey
	err := row.Scan(
		&key.ID,
		&key.Label,
		&key.KeyHash,
		&key.CreatedAt,
		&key.RevokedAt,
	)
	if err != nil {
		return OracleKey{}, err
	}
	return key, nil
}
