package authkitpg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BuildPool dials a pgx pool sized for the user directory: the workload is
// single-row lookups on login and single-row inserts on signup, so a small
// pool with long-lived recycled connections covers it.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("user_store.pg.parse_config: %w", err)
	}
	config.MinConns = 1
	config.MaxConns = 4
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = time.Minute
	return pgxpool.NewWithConfig(ctx, config)
}
