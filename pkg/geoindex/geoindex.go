// Package geoindex ensures the PostGIS extension and the spatial indexes
// the captain/job proximity queries depend on exist, so a fresh database
// is usable without a separate migration tool run by hand.
package geoindex

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// statements run in order; each is idempotent (IF NOT EXISTS /
// CREATE ... IF NOT EXISTS), safe to run on every startup.
var statements = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis`,
	`CREATE INDEX IF NOT EXISTS idx_captains_location ON captains USING GIST (location)`,
	`CREATE INDEX IF NOT EXISTS idx_captains_home_location ON captains USING GIST (home_location)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_pickup_point ON jobs USING GIST (pickup_point)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_dropoff_point ON jobs USING GIST (dropoff_point)`,
	`CREATE INDEX IF NOT EXISTS idx_restaurants_location ON restaurants USING GIST (location)`,
}

// Ensure runs every statement in statements against pool, stopping at the
// first failure. Callers invoke this once at startup, after the schema's
// base tables already exist (via whatever migration tool manages them).
func Ensure(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("geoindex: %s: %w", stmt, err)
		}
	}
	return nil
}
