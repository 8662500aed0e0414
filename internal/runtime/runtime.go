// Package runtime assembles every component package into one long-lived
// Runtime, replacing the package-level globals this codebase's earlier
// wiring used to favor — each component here is an explicit field
// constructed once in New and passed to handlers, not looked up from a
// singleton.
package runtime

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ridecore/dispatch/config"
	"github.com/ridecore/dispatch/internal/candidate"
	"github.com/ridecore/dispatch/internal/cancellation"
	"github.com/ridecore/dispatch/internal/ledger"
	"github.com/ridecore/dispatch/internal/matcher"
	"github.com/ridecore/dispatch/internal/notify"
	"github.com/ridecore/dispatch/internal/presence"
	"github.com/ridecore/dispatch/internal/pricing"
	"github.com/ridecore/dispatch/internal/pushfanout"
	"github.com/ridecore/dispatch/internal/ratelimit"
	"github.com/ridecore/dispatch/internal/repository"
	"github.com/ridecore/dispatch/internal/statemachine"
	"github.com/ridecore/dispatch/pkg/cache"
	"github.com/ridecore/dispatch/pkg/db"
	"github.com/ridecore/dispatch/pkg/geoindex"
	"github.com/ridecore/dispatch/pkg/pubsub"
)

// Runtime owns every live connection and service the handlers depend on.
type Runtime struct {
	Config *config.Config

	Postgres *pgxpool.Pool
	Redis    *redis.Client

	Jobs     *repository.JobRepository
	Captains *repository.CaptainRepository

	Candidates *candidate.Store
	Ledger     *ledger.Ledger
	Pricing    *pricing.Estimator
	Cancel     *cancellation.Engine
	Notify     *notify.Queue
	Presence   *presence.Registry
	Hub        *pushfanout.Hub
	Matcher    *matcher.Matcher

	Limiter     *ratelimit.Limiter
	Idempotency *ratelimit.IdempotencyStore
}

// New connects to PostgreSQL and Redis and wires every component package
// into a single Runtime. Callers are responsible for calling Close.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	pgPool, err := db.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		pgPool.Close()
		return nil, err
	}
	if err := geoindex.Ensure(ctx, pgPool); err != nil {
		pgPool.Close()
		redisClient.Close()
		return nil, err
	}

	jobs := repository.NewJobRepository(pgPool)
	captains := repository.NewCaptainRepository(pgPool)
	candidates := candidate.New(redisClient)
	led := ledger.New(pgPool)
	priceEst := pricing.New(pgPool, redisClient, cfg.Dispatch.MatchRadiusM, cfg.Dispatch.WeatherFactor)
	pres := presence.New()
	bus := pubsub.New(redisClient)
	hub := pushfanout.New().WithBus(bus)

	notifyQueue := notify.New(notify.Config{
		NumWorkers: 4, QueueSize: 1000, MaxRetries: cfg.Dispatch.NotificationMaxRetries,
	}, logOnlyPushProvider{}, redisClient)

	cancelCaptains := &freeCaptainAdapter{captains: captains}
	cancellations := repository.NewCancellationRepository(pgPool)
	cancelEngine := cancellation.New(led, jobs, cancelCaptains, cancellations, notifyQueue)

	matchCfg := matcher.Config{
		MatchRadiusM:        cfg.Dispatch.MatchRadiusM,
		MaxCandidates:       cfg.Dispatch.MaxCandidates,
		MaxBatchOrders:      cfg.Dispatch.MaxBatchOrders,
		BatchRadiusM:        2000,
		OfferTimeout:        time.Duration(cfg.Dispatch.OfferTimeoutSec) * time.Second,
		WDistance:           cfg.Dispatch.WDistance,
		WRating:             cfg.Dispatch.WRating,
		WFairness:           cfg.Dispatch.WFairness,
		FoodAllowedVehicles: cfg.Dispatch.FoodAllowedVehicles,
		DefaultIdleMinutes:  120,
		SLA: statemachine.SLAConfig{
			AssignTimeout:   time.Duration(cfg.Dispatch.OrderAssignTimeoutSec) * time.Second,
			CompletionSLA:   time.Duration(cfg.Dispatch.OrderDeliverySLAMin) * time.Minute,
			MatchRetryMax:   cfg.Dispatch.MatchRetryMax,
			MatchRetryDelay: time.Duration(cfg.Dispatch.MatchRetryDelaySec) * time.Second,
		},
	}
	match := matcher.New(matchCfg, jobs, captains, candidates, hub, pres, notifyQueue, nil, priceEst)

	return &Runtime{
		Config:      cfg,
		Postgres:    pgPool,
		Redis:       redisClient,
		Jobs:        jobs,
		Captains:    captains,
		Candidates:  candidates,
		Ledger:      led,
		Pricing:     priceEst,
		Cancel:      cancelEngine,
		Notify:      notifyQueue,
		Presence:    pres,
		Hub:         hub,
		Matcher:     match,
		Limiter:     ratelimit.NewLimiter(redisClient, cfg.RateLimit.WindowSec, cfg.RateLimit.MaxRequests),
		Idempotency: ratelimit.NewIdempotencyStore(redisClient, cfg.Dispatch.IdempotencyTTLSec),
	}, nil
}

// Close releases the Postgres pool, Redis client, and notification queue.
func (r *Runtime) Close() {
	r.Notify.Close()
	r.Redis.Close()
	r.Postgres.Close()
}

// freeCaptainAdapter narrows *repository.CaptainRepository's two-return
// FreeCaptain (promoted batched job id, error; the id is used by the
// matcher on a normal completion) down to the single-error signature the
// cancellation engine's CaptainRepository expects. The repository still
// promotes a remaining batched order on cancellation; the adapter only
// discards the promoted id.
type freeCaptainAdapter struct {
	captains *repository.CaptainRepository
}

func (a *freeCaptainAdapter) FreeCaptain(ctx context.Context, captainID, completingJobID string) error {
	_, err := a.captains.FreeCaptain(ctx, captainID, completingJobID)
	return err
}

// PenalizeRating loads the captain, applies the fixed captain-cancellation
// rating penalty, and saves the result — giving the cancellation engine a
// way to persist the decrement cancellation.ApplyCaptainRatingPenalty
// only computes.
func (a *freeCaptainAdapter) PenalizeRating(ctx context.Context, captainID string) error {
	c, err := a.captains.GetCaptain(ctx, captainID)
	if err != nil {
		return err
	}
	c.AverageRating = cancellation.ApplyCaptainRatingPenalty(c.AverageRating)
	return a.captains.SaveCaptain(ctx, c)
}

// logOnlyPushProvider is the development-mode PushProvider: it accepts
// every notification without contacting a real gateway. A production
// deployment supplies an FCM/APNS-backed PushProvider instead.
type logOnlyPushProvider struct{}

func (logOnlyPushProvider) Send(ctx context.Context, userID, message string) error {
	return nil
}
