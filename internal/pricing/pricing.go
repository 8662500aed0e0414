// Package pricing implements the surge estimator (C3): a demand/supply +
// time-of-day + weather multiplier in [1.0, 3.0], generalizing the
// teacher's tiered 1.2x/1.5x pricing steps into a continuous formula.
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ridecore/dispatch/internal/dispatcherr"
	"github.com/ridecore/dispatch/internal/model"
	"github.com/ridecore/dispatch/pkg/metrics"
)

const (
	minMultiplier = 1.0
	maxMultiplier = 3.0

	demandFactorCap   = 1.2
	demandFactorScale = 0.35

	peakTimeFactor     = 0.2
	lateNightFactor    = 0.1
	offPeakTimeFactor  = 0.0
	weatherFactorFloor = 0.8

	cacheTTL = 30 * time.Second
)

// Estimator computes the surge multiplier for a job type and pickup point.
type Estimator struct {
	pool          *pgxpool.Pool
	redis         *redis.Client
	matchRadiusM  int
	weatherFactor float64
}

// New constructs an Estimator. matchRadiusM and weatherFactor are sourced
// from config (MATCH_RADIUS_M / WEATHER_FACTOR).
func New(pool *pgxpool.Pool, rdb *redis.Client, matchRadiusM int, weatherFactor float64) *Estimator {
	return &Estimator{pool: pool, redis: rdb, matchRadiusM: matchRadiusM, weatherFactor: weatherFactor}
}

// Result is the outcome of a surge calculation, including the components
// that produced it — useful for the pricing API response and for the
// rolling history table.
type Result struct {
	Multiplier   float64
	DemandFactor float64
	TimeFactor   float64
	WeatherBonus float64
	Demand       int
	Supply       int
}

// Surge computes the multiplier for jobType at (lat,lng). When
// storeHistory is true the result is appended to the surge_history table
// for later analysis (checkout previews pass storeHistory=false).
func (e *Estimator) Surge(ctx context.Context, jobType model.JobType, lat, lng float64, storeHistory bool) (Result, error) {
	cacheKey := fmt.Sprintf("surge:%s:%.4f:%.4f", jobType, lat, lng)
	if e.redis != nil {
		if cached, err := e.redis.Get(ctx, cacheKey).Float64(); err == nil {
			metrics.SurgeMultiplier.WithLabelValues(string(jobType)).Set(cached)
			return Result{Multiplier: cached}, nil
		}
	}

	demand, supply, err := e.countDemandSupply(ctx, jobType, lat, lng)
	if err != nil {
		return Result{}, err
	}

	demandFactor := demandFactor(demand, supply)
	timeFactor := timeFactorForHour(time.Now().UTC().Hour())
	weatherBonus := weatherBonus(e.weatherFactor)

	multiplier := clamp(1.0+demandFactor+timeFactor+weatherBonus, minMultiplier, maxMultiplier)

	result := Result{
		Multiplier:   multiplier,
		DemandFactor: demandFactor,
		TimeFactor:   timeFactor,
		WeatherBonus: weatherBonus,
		Demand:       demand,
		Supply:       supply,
	}

	metrics.SurgeMultiplier.WithLabelValues(string(jobType)).Set(multiplier)
	if e.redis != nil {
		e.redis.Set(ctx, cacheKey, multiplier, cacheTTL)
	}
	if storeHistory && e.pool != nil {
		if err := e.recordHistory(ctx, jobType, lat, lng, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (e *Estimator) countDemandSupply(ctx context.Context, jobType model.JobType, lat, lng float64) (demand, supply int, err error) {
	if e.pool == nil {
		return 0, 0, nil
	}

	err = e.pool.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE job_type = $1
		  AND job_status IN ('CREATED', 'SEARCHING', 'OFFERED')
		  AND ST_DWithin(pickup_point, ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography, $4)
	`, jobType, lng, lat, e.matchRadiusM).Scan(&demand)
	if err != nil {
		return 0, 0, dispatcherr.Wrap(dispatcherr.KindDependency, "count demand", err)
	}

	err = e.pool.QueryRow(ctx, `
		SELECT count(*) FROM captains
		WHERE is_online AND is_verified AND NOT is_busy
		  AND ST_DWithin(location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)
	`, lng, lat, e.matchRadiusM).Scan(&supply)
	if err != nil {
		return 0, 0, dispatcherr.Wrap(dispatcherr.KindDependency, "count supply", err)
	}
	return demand, supply, nil
}

func (e *Estimator) recordHistory(ctx context.Context, jobType model.JobType, lat, lng float64, r Result) error {
	_, err := e.pool.Exec(ctx, `
		INSERT INTO surge_history (job_type, lat, lng, multiplier, demand, supply, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, jobType, lat, lng, r.Multiplier, r.Demand, r.Supply, time.Now().UTC())
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.KindDependency, "record surge history", err)
	}
	return nil
}

// demandFactor implements min(1.2, (demand/max(supply,1)) * 0.35).
func demandFactor(demand, supply int) float64 {
	denom := supply
	if denom < 1 {
		denom = 1
	}
	ratio := float64(demand) / float64(denom)
	factor := ratio * demandFactorScale
	if factor > demandFactorCap {
		return demandFactorCap
	}
	return factor
}

// timeFactorForHour returns the time-of-day bonus: 0.2 during peaks
// (07-10, 12-14, 18-22, all inclusive), 0.1 late night (23-24, 00-05
// inclusive), 0.0 otherwise.
func timeFactorForHour(hour int) float64 {
	switch {
	case hour >= 7 && hour <= 10:
		return peakTimeFactor
	case hour >= 12 && hour <= 14:
		return peakTimeFactor
	case hour >= 18 && hour <= 22:
		return peakTimeFactor
	case hour >= 23 || hour <= 5:
		return lateNightFactor
	default:
		return offPeakTimeFactor
	}
}

// weatherBonus implements max(0, weather_factor - 1), after flooring
// weather_factor at 0.8.
func weatherBonus(weatherFactor float64) float64 {
	if weatherFactor < weatherFactorFloor {
		weatherFactor = weatherFactorFloor
	}
	bonus := weatherFactor - 1.0
	if bonus < 0 {
		return 0
	}
	return bonus
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
