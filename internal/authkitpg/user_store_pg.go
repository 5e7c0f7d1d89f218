package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/playforge/dauth/internal/authkit"
)

// PostgresUserStore persists directory records in PostgreSQL.
type PostgresUserStore struct {
	pool *pgxpool.Pool
}

// NewPostgresUserStore constructs a Postgres-backed directory.
func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

// FindByExternalID returns the record for the provider subject id.
func (store *PostgresUserStore) FindByExternalID(ctx context.Context, externalID string) (authkit.UserRecord, error) {
	var record authkit.UserRecord
	row := store.pool.QueryRow(ctx, `
SELECT external_id, display_name, email
FROM users
WHERE external_id = $1
`, externalID)
	if scanErr := row.Scan(&record.ExternalID, &record.DisplayName, &record.Email); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return authkit.UserRecord{}, fmt.Errorf("user_store.find.pg: %w", authkit.ErrUserNotFound)
		}
		return authkit.UserRecord{}, fmt.Errorf("user_store.find.pg: %w", scanErr)
	}
	return record, nil
}

// Insert writes a new record. ON CONFLICT DO NOTHING makes the
// check-and-insert one atomic statement; a zero row count means the
// external id was already registered.
func (store *PostgresUserStore) Insert(ctx context.Context, record authkit.UserRecord) error {
	if record.ExternalID == "" {
		return fmt.Errorf("user_store.insert.pg: %w", authkit.ErrUserEmptyExternalID)
	}
	tag, execErr := store.pool.Exec(ctx, `
INSERT INTO users (external_id, display_name, email, created_at_unix)
VALUES ($1, $2, $3, $4)
ON CONFLICT (external_id) DO NOTHING
`, record.ExternalID, record.DisplayName, record.Email, time.Now().UTC().Unix())
	if execErr != nil {
		return fmt.Errorf("user_store.insert.pg: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user_store.insert.pg: %w", authkit.ErrUserAlreadyExists)
	}
	return nil
}
