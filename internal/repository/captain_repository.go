package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ridecore/dispatch/internal/dispatcherr"
	"github.com/ridecore/dispatch/internal/model"
)

// CaptainRepository persists the `captains` table and runs the PostGIS
// proximity queries the matcher uses for candidate discovery and batch
// pairing. CompareAndAssign and FreeCaptain hold a row lock for the
// duration of one transaction (SELECT ... FOR UPDATE, then a conditional
// UPDATE).
type CaptainRepository struct {
	pool *pgxpool.Pool
}

// NewCaptainRepository constructs a CaptainRepository.
func NewCaptainRepository(pool *pgxpool.Pool) *CaptainRepository {
	return &CaptainRepository{pool: pool}
}

func scanCaptain(row pgx.Row) (*model.Captain, error) {
	var c model.Captain
	var lat, lng float64
	var batched []byte
	var currentJobID *string
	var currentJobType *model.JobType
	var homeLat, homeLng *float64
	err := row.Scan(
		&c.UserID, &c.IsOnline, &c.IsVerified, &c.IsBusy, &c.VehicleType, &c.IsEV,
		&lat, &lng, &currentJobID, &currentJobType, &batched,
		&c.AverageRating, &c.TotalRatings, &c.TotalTrips, &c.Cancellations,
		&c.LastAssignedAt, &c.LastSeen, &c.GoHomeMode, &homeLat, &homeLng,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dispatcherr.New(dispatcherr.KindNotFound, "captain not found")
	}
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindDependency, "scan captain", err)
	}
	c.Location = model.Point{Lat: lat, Lng: lng}
	c.CurrentJobID = currentJobID
	c.CurrentJobType = currentJobType
	if len(batched) > 0 {
		if err := json.Unmarshal(batched, &c.BatchedOrderIDs); err != nil {
			return nil, dispatcherr.Wrap(dispatcherr.KindInternal, "unmarshal batched_order_ids", err)
		}
	}
	if homeLat != nil && homeLng != nil {
		c.HomeLocation = &model.Point{Lat: *homeLat, Lng: *homeLng}
	}
	return &c, nil
}

const captainColumns = `
	user_id, is_online, is_verified, is_busy, vehicle_type, is_ev,
	ST_Y(location::geometry), ST_X(location::geometry),
	current_job_id, current_job_type, batched_order_ids,
	average_rating, total_ratings, total_trips, cancellations,
	last_assigned_at, last_seen, go_home_mode,
	ST_Y(home_location::geometry), ST_X(home_location::geometry)
`

// GetCaptain loads a captain by user id.
func (r *CaptainRepository) GetCaptain(ctx context.Context, captainID string) (*model.Captain, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+captainColumns+` FROM captains WHERE user_id = $1`, captainID)
	return scanCaptain(row)
}

// SaveCaptain upserts a captain's full row.
func (r *CaptainRepository) SaveCaptain(ctx context.Context, c *model.Captain) error {
	batched, err := json.Marshal(c.BatchedOrderIDs)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindInternal, "marshal batched_order_ids", err)
	}
	var homeLat, homeLng *float64
	if c.HomeLocation != nil {
		homeLat, homeLng = &c.HomeLocation.Lat, &c.HomeLocation.Lng
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO captains (
			user_id, is_online, is_verified, is_busy, vehicle_type, is_ev, location,
			current_job_id, current_job_type, batched_order_ids,
			average_rating, total_ratings, total_trips, cancellations,
			last_assigned_at, last_seen, go_home_mode, home_location
		) VALUES (
			$1, $2, $3, $4, $5, $6, ST_SetSRID(ST_MakePoint($8, $7), 4326)::geography,
			$9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			CASE WHEN $19::float8 IS NULL THEN NULL ELSE ST_SetSRID(ST_MakePoint($20, $19), 4326)::geography END
		)
		ON CONFLICT (user_id) DO UPDATE SET
			is_online = EXCLUDED.is_online,
			is_verified = EXCLUDED.is_verified,
			is_busy = EXCLUDED.is_busy,
			vehicle_type = EXCLUDED.vehicle_type,
			is_ev = EXCLUDED.is_ev,
			location = EXCLUDED.location,
			current_job_id = EXCLUDED.current_job_id,
			current_job_type = EXCLUDED.current_job_type,
			batched_order_ids = EXCLUDED.batched_order_ids,
			average_rating = EXCLUDED.average_rating,
			total_ratings = EXCLUDED.total_ratings,
			total_trips = EXCLUDED.total_trips,
			cancellations = EXCLUDED.cancellations,
			last_assigned_at = EXCLUDED.last_assigned_at,
			last_seen = EXCLUDED.last_seen,
			go_home_mode = EXCLUDED.go_home_mode,
			home_location = EXCLUDED.home_location
	`,
		c.UserID, c.IsOnline, c.IsVerified, c.IsBusy, c.VehicleType, c.IsEV,
		c.Location.Lat, c.Location.Lng,
		c.CurrentJobID, c.CurrentJobType, batched,
		c.AverageRating, c.TotalRatings, c.TotalTrips, c.Cancellations,
		c.LastAssignedAt, c.LastSeen, c.GoHomeMode, homeLat, homeLng,
	)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindDependency, "save captain", err)
	}
	return nil
}

// FindCandidates returns online, idle, verified captains within radiusM
// of pickup, ordered nearest first, matching vehicleType when the job
// requires one and otherwise restricted to allowedVehicles for ORDER
// jobs (a courier on foot/bike/scooter/car can carry food; a RIDE job
// requires the rider's requested vehicle_type exactly).
func (r *CaptainRepository) FindCandidates(
	ctx context.Context, jobType model.JobType, pickup model.Point, radiusM, max int,
	vehicleType *string, allowedVehicles []string,
) ([]model.Captain, error) {
	var rows pgx.Rows
	var err error
	switch {
	case vehicleType != nil:
		rows, err = r.pool.Query(ctx, `
			SELECT `+captainColumns+`
			FROM captains
			WHERE is_online AND is_verified AND NOT is_busy
			  AND vehicle_type = $4
			  AND ST_DWithin(location, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography, $3)
			ORDER BY ST_Distance(location, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography)
			LIMIT $5
		`, pickup.Lat, pickup.Lng, radiusM, *vehicleType, max)
	case len(allowedVehicles) > 0:
		rows, err = r.pool.Query(ctx, `
			SELECT `+captainColumns+`
			FROM captains
			WHERE is_online AND is_verified AND NOT is_busy
			  AND vehicle_type = ANY($4)
			  AND ST_DWithin(location, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography, $3)
			ORDER BY ST_Distance(location, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography)
			LIMIT $5
		`, pickup.Lat, pickup.Lng, radiusM, allowedVehicles, max)
	default:
		rows, err = r.pool.Query(ctx, `
			SELECT `+captainColumns+`
			FROM captains
			WHERE is_online AND is_verified AND NOT is_busy
			  AND ST_DWithin(location, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography, $3)
			ORDER BY ST_Distance(location, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography)
			LIMIT $4
		`, pickup.Lat, pickup.Lng, radiusM, max)
	}
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindDependency, "find candidates", err)
	}
	defer rows.Close()

	var out []model.Captain
	for rows.Next() {
		c, err := scanCaptain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindDependency, "find candidates rows", err)
	}
	return out, nil
}

// FindBatchCandidate looks for a busy captain already carrying an ORDER
// job, with room for another, whose current job's restaurant lies within
// radiusM of pickup — a second order from the same kitchen on the same
// run, not a detour across town.
func (r *CaptainRepository) FindBatchCandidate(
	ctx context.Context, pickup model.Point, radiusM, maxBatch int,
) (*model.Captain, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+captainColumns+`
		FROM captains c
		JOIN jobs j ON j.id = c.current_job_id
		WHERE c.is_online AND c.is_verified AND c.is_busy AND c.current_job_type = 'ORDER'
		  AND cardinality(c.batched_order_ids) < $4
		  AND ST_DWithin(j.pickup_point, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography, $3)
		ORDER BY ST_Distance(j.pickup_point, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography)
		LIMIT 1
	`, pickup.Lat, pickup.Lng, radiusM, maxBatch-1)
	c, err := scanCaptain(row)
	if err != nil {
		if dispatcherr.Is(err, dispatcherr.KindNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return c, true, nil
}

// CompareAndAssign atomically claims captainID for job if and only if the
// captain is still online, verified, not already busy, and (when the job
// names a vehicle type) drives that type — the row-level check-then-set
// that prevents two in-flight offers from both succeeding against the
// same captain.
func (r *CaptainRepository) CompareAndAssign(ctx context.Context, captainID string, job *model.Job) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, dispatcherr.Wrap(dispatcherr.KindDependency, "begin assign tx", err)
	}
	defer tx.Rollback(ctx)

	var isOnline, isBusy, isVerified bool
	var vehicleType string
	err = tx.QueryRow(ctx, `
		SELECT is_online, is_busy, is_verified, vehicle_type FROM captains WHERE user_id = $1 FOR UPDATE
	`, captainID).Scan(&isOnline, &isBusy, &isVerified, &vehicleType)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, dispatcherr.Wrap(dispatcherr.KindDependency, "lock captain", err)
	}
	if !isOnline || isBusy || !isVerified {
		return false, nil
	}
	if job.VehicleType != nil && *job.VehicleType != vehicleType {
		return false, nil
	}

	now := time.Now()
	jobType := job.Type
	_, err = tx.Exec(ctx, `
		UPDATE captains
		SET is_busy = true, current_job_id = $2, current_job_type = $3,
		    batched_order_ids = '[]', last_assigned_at = $4
		WHERE user_id = $1
	`, captainID, job.ID, jobType, now)
	if err != nil {
		return false, dispatcherr.Wrap(dispatcherr.KindDependency, "assign captain", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, dispatcherr.Wrap(dispatcherr.KindDependency, "commit assign tx", err)
	}
	return true, nil
}

// FreeCaptain clears a captain's busy state once completingJobID settles.
// If the captain was carrying batched ORDER jobs, the next batched id is
// promoted into current_job_id and the captain stays busy; otherwise the
// captain becomes available again. The returned promoted id is empty
// when there was nothing left to promote.
func (r *CaptainRepository) FreeCaptain(ctx context.Context, captainID, completingJobID string) (string, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return "", dispatcherr.Wrap(dispatcherr.KindDependency, "begin free tx", err)
	}
	defer tx.Rollback(ctx)

	var batchedRaw []byte
	err = tx.QueryRow(ctx, `
		SELECT batched_order_ids FROM captains WHERE user_id = $1 FOR UPDATE
	`, captainID).Scan(&batchedRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", dispatcherr.New(dispatcherr.KindNotFound, "captain not found")
	}
	if err != nil {
		return "", dispatcherr.Wrap(dispatcherr.KindDependency, "lock captain", err)
	}

	var batched []string
	if len(batchedRaw) > 0 {
		if err := json.Unmarshal(batchedRaw, &batched); err != nil {
			return "", dispatcherr.Wrap(dispatcherr.KindInternal, "unmarshal batched_order_ids", err)
		}
	}

	var remaining []string
	for _, id := range batched {
		if id != completingJobID {
			remaining = append(remaining, id)
		}
	}

	var promoted string
	if len(remaining) > 0 {
		promoted = remaining[0]
		remaining = remaining[1:]
		remainingJSON, _ := json.Marshal(remaining)
		_, err = tx.Exec(ctx, `
			UPDATE captains SET current_job_id = $2, batched_order_ids = $3 WHERE user_id = $1
		`, captainID, promoted, remainingJSON)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE captains
			SET is_busy = false, current_job_id = NULL, current_job_type = NULL, batched_order_ids = '[]'
			WHERE user_id = $1
		`, captainID)
	}
	if err != nil {
		return "", dispatcherr.Wrap(dispatcherr.KindDependency, "free captain", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", dispatcherr.Wrap(dispatcherr.KindDependency, "commit free tx", err)
	}
	return promoted, nil
}
