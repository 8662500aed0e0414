package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ridecore/dispatch/internal/dispatcherr"
	"github.com/ridecore/dispatch/internal/model"
)

// CancellationRepository persists the append-only cancellations table:
// one row per terminated job recording the actor, the policy decision,
// and the refund/penalty amounts it produced.
type CancellationRepository struct {
	pool *pgxpool.Pool
}

// NewCancellationRepository constructs a CancellationRepository.
func NewCancellationRepository(pool *pgxpool.Pool) *CancellationRepository {
	return &CancellationRepository{pool: pool}
}

// SaveCancellation inserts c as a new row; cancellations are never
// updated or deleted once recorded.
func (r *CancellationRepository) SaveCancellation(ctx context.Context, c model.Cancellation) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cancellations (
			id, job_type, job_id, actor_id, actor_role, reason,
			late_delivery, no_show, refund_amount, penalty_amount, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, uuid.New().String(), c.JobType, c.JobID, c.ActorID, c.ActorRole, c.Reason,
		c.LateDelivery, c.NoShow, c.RefundAmount, c.PenaltyAmount, c.CreatedAt)
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindDependency, "save cancellation", err)
	}
	return nil
}
