// Package repository provides PostgreSQL-backed persistence for jobs and
// captains, including the PostGIS spatial queries the matcher depends on
// for batching and candidate discovery. Transactional locking is
// SELECT ... FOR UPDATE held for the duration of a single transaction,
// never across round trips.
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

// JobRepository persists the `jobs` table, including the nested
// status_history/SLA/offer state stored as JSONB.
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository constructs a JobRepository.
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// jobRow mirrors the columns of the jobs table for scan/marshal.
type jobRow struct {
	ID                string
	Type              model.JobType
	UserID            string
	CaptainID         *string
	PickupLat         float64
	PickupLng         float64
	DropoffLat        *float64
	DropoffLng        *float64
	VehicleType       *string
	RestaurantID      *string
	AmountSubtotal    int64
	SurgeMultiplier   float64
	SurgeAmount       int64
	AmountTotal       int64
	WalletAmount      int64
	RewardRedeem      int64
	PaymentAmount     int64
	PaymentMode       model.PaymentMode
	IsPaid            bool
	RazorpayPaymentID *string
	Status            model.Status
	JobStatus         model.JobStatus
	CurrentOffer      []byte
	JobAttempts       int
	RejectedCaptains  []byte
	MatchingRetryCount int
	SLA               []byte
	StatusHistory     []byte
	Batched           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// GetJob loads a job by id.
func (r *JobRepository) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, job_type, user_id, captain_id,
		       ST_Y(pickup_point::geometry), ST_X(pickup_point::geometry),
		       ST_Y(dropoff_point::geometry), ST_X(dropoff_point::geometry),
		       vehicle_type, restaurant_id,
		       amount_subtotal, surge_multiplier, surge_amount, amount_total,
		       wallet_amount, reward_redeem_amount, payment_amount, payment_mode, is_paid,
		       razorpay_payment_id, status, job_status, current_offer, job_attempts,
		       rejected_captains, matching_retry_count, sla, status_history, batched,
		       created_at, updated_at
		FROM jobs WHERE id = $1
	`, jobID)
	return scanJob(row)
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var jr jobRow
	var dropoffLat, dropoffLng *float64
	err := row.Scan(
		&jr.ID, &jr.Type, &jr.UserID, &jr.CaptainID,
		&jr.PickupLat, &jr.PickupLng,
		&dropoffLat, &dropoffLng,
		&jr.VehicleType, &jr.RestaurantID,
		&jr.AmountSubtotal, &jr.SurgeMultiplier, &jr.SurgeAmount, &jr.AmountTotal,
		&jr.WalletAmount, &jr.RewardRedeem, &jr.PaymentAmount, &jr.PaymentMode, &jr.IsPaid,
		&jr.RazorpayPaymentID, &jr.Status, &jr.JobStatus, &jr.CurrentOffer, &jr.JobAttempts,
		&jr.RejectedCaptains, &jr.MatchingRetryCount, &jr.SLA, &jr.StatusHistory, &jr.Batched,
		&jr.CreatedAt, &jr.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dispatcherr.New(dispatcherr.KindNotFound, "job not found")
	}
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindDependency, "scan job", err)
	}

	job := &model.Job{
		ID: jr.ID, Type: jr.Type, UserID: jr.UserID, CaptainID: jr.CaptainID,
		PickupPoint:  model.Point{Lat: jr.PickupLat, Lng: jr.PickupLng},
		VehicleType:  jr.VehicleType,
		RestaurantID: jr.RestaurantID,
		AmountSubtotal: jr.AmountSubtotal, SurgeMultiplier: jr.SurgeMultiplier,
		SurgeAmount: jr.SurgeAmount, AmountTotal: jr.AmountTotal,
		WalletAmount: jr.WalletAmount, RewardRedeem: jr.RewardRedeem,
		PaymentAmount: jr.PaymentAmount, PaymentMode: jr.PaymentMode, IsPaid: jr.IsPaid,
		RazorpayPaymentID: jr.RazorpayPaymentID,
		Status: jr.Status, JobStatus: jr.JobStatus,
		JobAttempts: jr.JobAttempts, MatchingRetryCount: jr.MatchingRetryCount,
		Batched: jr.Batched, CreatedAt: jr.CreatedAt, UpdatedAt: jr.UpdatedAt,
	}
	if dropoffLat != nil && dropoffLng != nil {
		job.DropoffPoint = &model.Point{Lat: *dropoffLat, Lng: *dropoffLng}
	}
	if err := unmarshalIfPresent(jr.CurrentOffer, &job.CurrentOffer); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(jr.RejectedCaptains, &job.RejectedCaptains); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(jr.SLA, &job.SLA); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(jr.StatusHistory, &job.StatusHistory); err != nil {
		return nil, err
	}
	return job, nil
}

func unmarshalIfPresent(raw []byte, target interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return dispatcherr.Wrap(dispatcherr.KindInternal, "unmarshal job field", err)
	}
	return nil
}

// SaveJob upserts the full job row. Callers hold no transaction across
// the matcher/cancellation/state-machine mutation and this write — each
// mutation is its own short transaction, matching how the candidate
// store and ledger already serialize concurrent access via Redis/Postgres
// locks rather than long-lived in-process locks.
func (r *JobRepository) SaveJob(ctx context.Context, job *model.Job) error {
	currentOffer, err := json.Marshal(job.CurrentOffer)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindInternal, "marshal current_offer", err)
	}
	rejected, err := json.Marshal(job.RejectedCaptains)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindInternal, "marshal rejected_captains", err)
	}
	sla, err := json.Marshal(job.SLA)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindInternal, "marshal sla", err)
	}
	history, err := json.Marshal(job.StatusHistory)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindInternal, "marshal status_history", err)
	}

	var dropoffLat, dropoffLng *float64
	if job.DropoffPoint != nil {
		dropoffLat, dropoffLng = &job.DropoffPoint.Lat, &job.DropoffPoint.Lng
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO jobs (
			id, job_type, user_id, captain_id, pickup_point, dropoff_point,
			vehicle_type, restaurant_id, amount_subtotal, surge_multiplier,
			surge_amount, amount_total, wallet_amount, reward_redeem_amount,
			payment_amount, payment_mode, is_paid, razorpay_payment_id,
			status, job_status, current_offer, job_attempts, rejected_captains,
			matching_retry_count, sla, status_history, batched, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, ST_SetSRID(ST_MakePoint($6, $5), 4326)::geography,
			CASE WHEN $7::float8 IS NULL THEN NULL ELSE ST_SetSRID(ST_MakePoint($8, $7), 4326)::geography END,
			$9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27, $28, now(), now()
		)
		ON CONFLICT (id) DO UPDATE SET
			captain_id = EXCLUDED.captain_id,
			amount_subtotal = EXCLUDED.amount_subtotal,
			surge_multiplier = EXCLUDED.surge_multiplier,
			surge_amount = EXCLUDED.surge_amount,
			amount_total = EXCLUDED.amount_total,
			wallet_amount = EXCLUDED.wallet_amount,
			reward_redeem_amount = EXCLUDED.reward_redeem_amount,
			payment_amount = EXCLUDED.payment_amount,
			payment_mode = EXCLUDED.payment_mode,
			is_paid = EXCLUDED.is_paid,
			razorpay_payment_id = EXCLUDED.razorpay_payment_id,
			status = EXCLUDED.status,
			job_status = EXCLUDED.job_status,
			current_offer = EXCLUDED.current_offer,
			job_attempts = EXCLUDED.job_attempts,
			rejected_captains = EXCLUDED.rejected_captains,
			matching_retry_count = EXCLUDED.matching_retry_count,
			sla = EXCLUDED.sla,
			status_history = EXCLUDED.status_history,
			batched = EXCLUDED.batched,
			updated_at = now()
	`,
		job.ID, job.Type, job.UserID, job.CaptainID, job.PickupPoint.Lat, job.PickupPoint.Lng,
		dropoffLat, dropoffLng,
		job.VehicleType, job.RestaurantID, job.AmountSubtotal, job.SurgeMultiplier,
		job.SurgeAmount, job.AmountTotal, job.WalletAmount, job.RewardRedeem,
		job.PaymentAmount, job.PaymentMode, job.IsPaid, job.RazorpayPaymentID,
		job.Status, job.JobStatus, currentOffer, job.JobAttempts, rejected,
		job.MatchingRetryCount, sla, history, job.Batched,
	)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindDependency, "save job", err)
	}
	return nil
}

// RestaurantPoint returns a restaurant's stored pickup point.
func (r *JobRepository) RestaurantPoint(ctx context.Context, restaurantID string) (model.Point, error) {
	var lat, lng float64
	err := r.pool.QueryRow(ctx, `
		SELECT ST_Y(location::geometry), ST_X(location::geometry)
		FROM restaurants WHERE id = $1
	`, restaurantID).Scan(&lat, &lng)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Point{}, dispatcherr.New(dispatcherr.KindNotFound, "restaurant not found")
	}
	if err != nil {
		return model.Point{}, dispatcherr.Wrap(dispatcherr.KindDependency, "restaurant point", err)
	}
	return model.Point{Lat: lat, Lng: lng}, nil
}
