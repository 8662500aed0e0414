// Package matcher implements the dispatch core (C7): pickup resolution,
// the ORDER batching attempt, candidate discovery and scoring, the
// single-offer FIFO offer loop, accept/reject/complete, and location
// broadcast. The discovery/scoring shape is grounded on this codebase's
// greedy matching service; the offer/timer/accept/decline loop structure
// is grounded on an allocation engine's offer lifecycle, adapted from
// "broadcast to many, first accept wins" to exactly one live offer per
// job at a time.
package matcher

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/ridecore/dispatch/internal/candidate"
	"github.com/ridecore/dispatch/internal/dispatcherr"
	"github.com/ridecore/dispatch/internal/model"
	"github.com/ridecore/dispatch/internal/presence"
	"github.com/ridecore/dispatch/internal/pricing"
	"github.com/ridecore/dispatch/internal/pushfanout"
	"github.com/ridecore/dispatch/internal/statemachine"
	"github.com/ridecore/dispatch/pkg/geo"
	"github.com/ridecore/dispatch/pkg/metrics"
	"github.com/ridecore/dispatch/pkg/tracing"
)

// SurgeEstimator is the subset of pricing.Estimator the matcher needs to
// compute a fresh multiplier before scoring candidates — narrowed to an
// interface so tests can substitute a fixed-value fake.
type SurgeEstimator interface {
	Surge(ctx context.Context, jobType model.JobType, lat, lng float64, storeHistory bool) (pricing.Result, error)
}

// ─── Config ─────────────────────────────────────────────────

// Config carries the tunables from the dispatch configuration that the
// matcher itself consumes.
type Config struct {
	MatchRadiusM        int
	MaxCandidates        int
	MaxBatchOrders       int
	BatchRadiusM         int
	OfferTimeout         time.Duration
	WDistance            float64
	WRating              float64
	WFairness            float64
	FoodAllowedVehicles  []string
	SLA                  statemachine.SLAConfig
	DefaultIdleMinutes   float64
}

// DefaultConfig mirrors config.DispatchConfig's defaults for callers (and
// tests) that don't load from env.
func DefaultConfig() Config {
	return Config{
		MatchRadiusM:       5000,
		MaxCandidates:      20,
		MaxBatchOrders:     3,
		BatchRadiusM:       2000,
		OfferTimeout:       15 * time.Second,
		WDistance:          1.0,
		WRating:            0.4,
		WFairness:          0.2,
		FoodAllowedVehicles: []string{"BIKE", "SCOOTER", "CAR"},
		DefaultIdleMinutes: 120,
		SLA: statemachine.SLAConfig{
			AssignTimeout:   10 * time.Minute,
			CompletionSLA:   45 * time.Minute,
			MatchRetryMax:   2,
			MatchRetryDelay: 20 * time.Second,
		},
	}
}

// ─── Repositories ───────────────────────────────────────────

// JobRepository is the persistence surface the matcher needs for jobs.
type JobRepository interface {
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	SaveJob(ctx context.Context, job *model.Job) error
	RestaurantPoint(ctx context.Context, restaurantID string) (model.Point, error)
}

// CaptainRepository is the persistence surface the matcher needs for
// captains, including the PostGIS-backed discovery queries.
type CaptainRepository interface {
	GetCaptain(ctx context.Context, captainID string) (*model.Captain, error)
	SaveCaptain(ctx context.Context, c *model.Captain) error
	// FindBatchCandidate returns a captain already busy on an ORDER,
	// online/verified, within radiusM of pickup, with room under
	// maxBatch batched orders. ok is false when none match.
	FindBatchCandidate(ctx context.Context, pickup model.Point, radiusM, maxBatch int) (*model.Captain, bool, error)
	// FindCandidates returns online, verified, idle captains within
	// radiusM of pickup matching the vehicle constraint, limited to max.
	FindCandidates(ctx context.Context, jobType model.JobType, pickup model.Point, radiusM, max int, vehicleType *string, allowedVehicles []string) ([]model.Captain, error)
	// CompareAndAssign atomically flips a captain to busy on job iff it
	// is still online∧verified∧idle and, if vehicleType is set, matches
	// it. Returns false on a lost race.
	CompareAndAssign(ctx context.Context, captainID string, job *model.Job) (bool, error)
	// FreeCaptain clears busy/current-job state, optionally promoting
	// the next batched order to current. Returns the promoted job id,
	// if any.
	FreeCaptain(ctx context.Context, captainID, completingJobID string) (promoted string, err error)
}

// ETAProvider is an optional map-provider lookup; the matcher falls back
// to the scored order when it returns an error or is nil.
type ETAProvider interface {
	ETAMinutes(ctx context.Context, from, to model.Point) (float64, error)
}

// offerStore is the subset of candidate.Store the matcher depends on,
// narrowed to an interface so tests can substitute an in-memory fake
// instead of a live Redis instance. *candidate.Store satisfies this
// implicitly.
type offerStore interface {
	SetCandidates(ctx context.Context, jobID string, captainIDs []string) error
	PopCandidate(ctx context.Context, jobID string) (string, bool, error)
	PushFront(ctx context.Context, jobID, captainID string) error
	SetOffer(ctx context.Context, jobID, captainID string, expiresAt time.Time) (bool, error)
	GetOffer(ctx context.Context, jobID string) (*candidate.Offer, error)
	ClearOffer(ctx context.Context, jobID, captainID string) (bool, error)
}

// ─── Matcher ────────────────────────────────────────────────

// Matcher wires the candidate queue, push fanout, presence registry, and
// state machine into the end-to-end dispatch flow.
type Matcher struct {
	cfg       Config
	jobs      JobRepository
	captains  CaptainRepository
	store     offerStore
	hub       *pushfanout.Hub
	presence  *presence.Registry
	notifier  Notifier
	eta       ETAProvider
	surge     SurgeEstimator
}

// Notifier delivers a fallback push notification when presence shows the
// target offline.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, message string) error
}

// New constructs a Matcher. eta may be nil (no ETA re-ranking); surge may
// be nil (candidates are then scored with the job's stored
// SurgeMultiplier, or 1.0 when that is not positive).
func New(cfg Config, jobs JobRepository, captains CaptainRepository, store offerStore, hub *pushfanout.Hub, pres *presence.Registry, notifier Notifier, eta ETAProvider, surge SurgeEstimator) *Matcher {
	return &Matcher{cfg: cfg, jobs: jobs, captains: captains, store: store, hub: hub, presence: pres, notifier: notifier, eta: eta, surge: surge}
}

// ─── Pickup resolution ──────────────────────────────────────

// ResolvePickup fills job.PickupPoint for ORDER jobs from the restaurant's
// stored point (RIDE jobs already carry the user's chosen pickup).
// Unresolvable jobs transition to job_status = NO_LOCATION.
func (m *Matcher) ResolvePickup(ctx context.Context, job *model.Job) error {
	if job.Type == model.JobRide {
		if job.PickupPoint == (model.Point{}) {
			job.JobStatus = model.JobStatusNoLocation
			return m.jobs.SaveJob(ctx, job)
		}
		return nil
	}

	if job.RestaurantID == nil {
		job.JobStatus = model.JobStatusNoLocation
		return m.jobs.SaveJob(ctx, job)
	}
	point, err := m.jobs.RestaurantPoint(ctx, *job.RestaurantID)
	if err != nil {
		job.JobStatus = model.JobStatusNoLocation
		_ = m.jobs.SaveJob(ctx, job)
		return err
	}
	job.PickupPoint = point
	return nil
}

// ─── Dispatch entry point ───────────────────────────────────

// Dispatch runs the full matcher flow for a job freshly placed/requested:
// batching attempt (ORDER only), then candidate discovery + scoring, then
// the offer loop's first iteration.
func (m *Matcher) Dispatch(ctx context.Context, job *model.Job) error {
	ctx, span := tracing.StartSpan(ctx, "matcher.Dispatch")
	defer span.End()

	if job.JobStatus == model.JobStatusNoLocation {
		return nil
	}

	if job.Type == model.JobOrder {
		batched, err := m.tryBatch(ctx, job)
		if err != nil {
			return err
		}
		if batched {
			return nil
		}
	}

	candidates, err := m.discoverAndScore(ctx, job)
	if err != nil {
		return err
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.UserID
	}
	if err := m.store.SetCandidates(ctx, job.ID, ids); err != nil {
		return err
	}

	job.JobStatus = model.JobStatusSearching
	if err := m.jobs.SaveJob(ctx, job); err != nil {
		return err
	}

	return m.offerNext(ctx, job)
}

// tryBatch implements the ORDER-only batching attempt: pick the first
// captain already busy on an ORDER, online, verified, within
// BatchRadiusM of pickup with room under MaxBatchOrders. On success the
// order is appended to batched_order_ids and no offer loop runs.
func (m *Matcher) tryBatch(ctx context.Context, job *model.Job) (bool, error) {
	cap, ok, err := m.captains.FindBatchCandidate(ctx, job.PickupPoint, m.cfg.BatchRadiusM, m.cfg.MaxBatchOrders)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	cap.BatchedOrderIDs = append(cap.BatchedOrderIDs, job.ID)
	if err := m.captains.SaveCaptain(ctx, cap); err != nil {
		return false, err
	}

	captainID := cap.UserID
	job.CaptainID = &captainID
	job.Batched = true
	if err := statemachine.Transition(job, statemachine.AssignedStatus(job.Type), "BATCHED"); err != nil {
		return false, err
	}
	job.JobStatus = model.JobStatusAssigned
	if err := m.jobs.SaveJob(ctx, job); err != nil {
		return false, err
	}

	m.hub.Publish(pushfanout.EventJobAssigned, pushfanout.CaptainGroup(captainID), job)
	m.hub.Publish(pushfanout.EventJobAssigned, pushfanout.UserGroup(job.UserID), job)
	return true, nil
}

// scoredCandidate pairs a captain with its computed score (lower is
// better) and, if available, an ETA.
type scoredCandidate struct {
	model.Captain
	score      float64
	etaMinutes float64
	hasETA     bool
}

// discoverAndScore runs candidate discovery against the geo-filtered
// pool, scores each candidate, and optionally re-ranks by ETA.
func (m *Matcher) discoverAndScore(ctx context.Context, job *model.Job) ([]model.Captain, error) {
	allowed := m.cfg.FoodAllowedVehicles
	if job.Type == model.JobRide {
		allowed = nil // vehicle_type match is exact for RIDE, enforced by the repository query
	}

	pool, err := m.captains.FindCandidates(ctx, job.Type, job.PickupPoint, m.cfg.MatchRadiusM, m.cfg.MaxCandidates, job.VehicleType, allowed)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, nil
	}

	if m.surge != nil {
		if result, err := m.surge.Surge(ctx, job.Type, job.PickupPoint.Lat, job.PickupPoint.Lng, false); err == nil {
			job.SurgeMultiplier = result.Multiplier
		}
	}

	scored := make([]scoredCandidate, len(pool))
	for i, c := range pool {
		scored[i] = scoredCandidate{Captain: c, score: m.score(job, c)}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score < scored[j].score })

	if m.eta != nil {
		m.rerankByETA(ctx, job, scored)
	}

	ordered := make([]model.Captain, len(scored))
	for i, c := range scored {
		ordered[i] = c.Captain
	}
	return ordered, nil
}

// score implements the ranking formula:
//
//	score = distance_km*W_distance*surge_multiplier - rating*W_rating - fairness*W_fairness
func (m *Matcher) score(job *model.Job, c model.Captain) float64 {
	distanceKm := geo.HaversineKm(job.PickupPoint, c.Location)
	surge := job.SurgeMultiplier
	if surge <= 0 {
		surge = 1.0
	}

	idleMinutes := m.cfg.DefaultIdleMinutes
	if c.LastAssignedAt != nil {
		idleMinutes = time.Since(*c.LastAssignedAt).Minutes()
	}
	fairness := math.Min(idleMinutes/60.0, 1.0)

	return distanceKm*m.cfg.WDistance*surge - c.AverageRating*m.cfg.WRating - fairness*m.cfg.WFairness
}

// rerankByETA re-sorts scored ascending by ETA for candidates an ETA
// provider can answer for; candidates without a known ETA keep their
// relative scored order and are appended after. A provider failure for
// every candidate leaves the scored order untouched.
func (m *Matcher) rerankByETA(ctx context.Context, job *model.Job, scored []scoredCandidate) {
	anyETA := false
	for i := range scored {
		eta, err := m.eta.ETAMinutes(ctx, scored[i].Location, job.PickupPoint)
		if err != nil {
			continue
		}
		scored[i].etaMinutes = eta
		scored[i].hasETA = true
		anyETA = true
	}
	if !anyETA {
		return
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].hasETA != scored[j].hasETA {
			return scored[i].hasETA
		}
		if scored[i].hasETA {
			return scored[i].etaMinutes < scored[j].etaMinutes
		}
		return false
	})
}

// ─── Offer loop ─────────────────────────────────────────────

// offerNext pops the next candidate and extends an offer, arming the
// one-shot expiry timer. If the queue is empty it hands off to
// statemachine.HandleNoCaptain.
func (m *Matcher) offerNext(ctx context.Context, job *model.Job) error {
	captainID, ok, err := m.store.PopCandidate(ctx, job.ID)
	if err != nil {
		return err
	}
	if !ok {
		outcome := statemachine.HandleNoCaptain(job, m.cfg.SLA)
		if err := m.jobs.SaveJob(ctx, job); err != nil {
			return err
		}
		if outcome.Retried {
			metrics.NoCaptainOutcomes.WithLabelValues(string(job.Type), "retried").Inc()
			statemachine.ArmDeadline(ctx, time.Now().Add(outcome.RetryDelay), func() {
				m.retryDispatch(job.ID)
			})
		} else {
			metrics.NoCaptainOutcomes.WithLabelValues(string(job.Type), "given_up").Inc()
			if m.notifier != nil {
				_ = m.notifier.NotifyUser(ctx, job.UserID, "No captain could be found for your "+string(job.Type))
			}
		}
		return nil
	}

	expiresAt := time.Now().Add(m.cfg.OfferTimeout)
	written, err := m.store.SetOffer(ctx, job.ID, captainID, expiresAt)
	if err != nil {
		return err
	}
	if !written {
		// Another goroutine already holds a live offer for this job —
		// put the candidate back at the front and stop; the holder's
		// own timer/accept path will continue the loop.
		_ = m.store.PushFront(ctx, job.ID, captainID)
		return nil
	}

	job.JobStatus = model.JobStatusOffered
	job.JobAttempts++
	if err := m.jobs.SaveJob(ctx, job); err != nil {
		return err
	}
	metrics.OffersExtended.WithLabelValues(string(job.Type)).Inc()

	m.pushOffer(ctx, job, captainID)

	statemachine.ArmDeadline(ctx, expiresAt, func() {
		m.expireOffer(job.ID, captainID)
	})
	return nil
}

func (m *Matcher) pushOffer(ctx context.Context, job *model.Job, captainID string) {
	m.hub.Publish(pushfanout.EventJobOffer, pushfanout.CaptainGroup(captainID), job)
	if m.presence != nil && !m.presence.IsOnline(presence.RoleCaptain, captainID) && m.notifier != nil {
		_ = m.notifier.NotifyUser(ctx, captainID, "New "+string(job.Type)+" offer waiting")
	}
}

// retryDispatch re-runs candidate discovery for a job that previously
// emptied its queue without an acceptance, per the no-captain retry
// policy's armed timer.
func (m *Matcher) retryDispatch(jobID string) {
	ctx := context.Background()
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil || job.JobStatus != model.JobStatusRetrying {
		return
	}
	_ = m.Dispatch(ctx, job)
}

// expireOffer fires when an offer's timer elapses: if the offer record
// still names this captain and the job is still OFFERED, the captain is
// rejected and the loop continues with the next candidate.
func (m *Matcher) expireOffer(jobID, captainID string) {
	ctx := context.Background()
	offer, err := m.store.GetOffer(ctx, jobID)
	if err != nil {
		return // already accepted/cleared
	}
	if offer.CaptainID != captainID {
		return
	}

	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil || job.JobStatus != model.JobStatusOffered {
		return
	}

	cleared, err := m.store.ClearOffer(ctx, jobID, captainID)
	if err != nil || !cleared {
		return // an accept won the race
	}

	job.RejectedCaptains = append(job.RejectedCaptains, captainID)
	_ = m.jobs.SaveJob(ctx, job)
	metrics.OffersExpired.WithLabelValues(string(job.Type)).Inc()

	if cap, err := m.captains.GetCaptain(ctx, captainID); err == nil {
		cap.Cancellations++
		_ = m.captains.SaveCaptain(ctx, cap)
	}

	_ = m.offerNext(ctx, job)
}

// ─── Accept / Reject / Complete ─────────────────────────────

// Accept validates that the live offer names captainID, compare-and-sets
// the captain busy, transitions the job to ASSIGNED, and clears the
// candidate/offer records.
func (m *Matcher) Accept(ctx context.Context, jobID, captainID string) (*model.Job, error) {
	offer, err := m.store.GetOffer(ctx, jobID)
	if err != nil {
		return nil, dispatcherr.New(dispatcherr.KindOfferExpired, "no live offer for this job")
	}
	if offer.CaptainID != captainID {
		return nil, dispatcherr.New(dispatcherr.KindOfferExpired, "offer belongs to a different captain")
	}
	if time.Now().After(offer.ExpiresAt) {
		return nil, dispatcherr.New(dispatcherr.KindOfferExpired, "offer has expired")
	}

	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.JobStatus != model.JobStatusOffered {
		return nil, dispatcherr.New(dispatcherr.KindOfferExpired, "job is no longer offered")
	}

	job.CaptainID = &captainID
	assigned, err := m.captains.CompareAndAssign(ctx, captainID, job)
	if err != nil {
		return nil, err
	}
	if !assigned {
		return nil, dispatcherr.New(dispatcherr.KindCaptainUnavailable, "captain is no longer eligible")
	}

	if err := statemachine.Transition(job, statemachine.AssignedStatus(job.Type), "ACCEPTED"); err != nil {
		return nil, err
	}
	job.JobStatus = model.JobStatusAssigned
	if err := m.jobs.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	if _, err := m.store.ClearOffer(ctx, jobID, captainID); err != nil {
		return nil, err
	}

	metrics.OffersAccepted.WithLabelValues(string(job.Type)).Inc()
	if !job.CreatedAt.IsZero() {
		metrics.TimeToAssignSeconds.WithLabelValues(string(job.Type)).Observe(time.Since(job.CreatedAt).Seconds())
	}

	m.hub.Publish(pushfanout.EventJobAssigned, pushfanout.UserGroup(job.UserID), job)
	m.hub.Publish(pushfanout.EventJobAssigned, pushfanout.CaptainGroup(captainID), job)
	return job, nil
}

// Reject validates the same offer ownership as Accept, moves the captain
// to the rejected set, clears the offer, and continues the offer loop.
func (m *Matcher) Reject(ctx context.Context, jobID, captainID string) error {
	offer, err := m.store.GetOffer(ctx, jobID)
	if err != nil {
		return dispatcherr.New(dispatcherr.KindOfferExpired, "no live offer for this job")
	}
	if offer.CaptainID != captainID {
		return dispatcherr.New(dispatcherr.KindOfferExpired, "offer belongs to a different captain")
	}

	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	cleared, err := m.store.ClearOffer(ctx, jobID, captainID)
	if err != nil {
		return err
	}
	if !cleared {
		return nil // a timeout already claimed this offer
	}

	job.RejectedCaptains = append(job.RejectedCaptains, captainID)
	if err := m.jobs.SaveJob(ctx, job); err != nil {
		return err
	}

	return m.offerNext(ctx, job)
}

// Complete is valid only for the currently assigned captain. It frees
// the captain (promoting the next batched order if any), transitions the
// job to its success-terminal status, and increments total_trips.
func (m *Matcher) Complete(ctx context.Context, jobID, captainID string) (*model.Job, error) {
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.CaptainID == nil || *job.CaptainID != captainID {
		return nil, dispatcherr.New(dispatcherr.KindForbidden, "only the assigned captain may complete this job")
	}

	promoted, err := m.captains.FreeCaptain(ctx, captainID, jobID)
	if err != nil {
		return nil, err
	}

	if err := statemachine.Transition(job, statemachine.TerminalDeliveryStatus(job.Type), "COMPLETED"); err != nil {
		return nil, err
	}
	job.JobStatus = model.JobStatusCompleted
	if err := m.jobs.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	if cap, err := m.captains.GetCaptain(ctx, captainID); err == nil {
		cap.TotalTrips++
		_ = m.captains.SaveCaptain(ctx, cap)
	}

	m.hub.Publish(pushfanout.EventJobStatus, pushfanout.UserGroup(job.UserID), job)
	m.hub.Publish(pushfanout.EventJobStatus, pushfanout.CaptainGroup(captainID), job)

	if promoted != "" {
		if next, err := m.jobs.GetJob(ctx, promoted); err == nil {
			m.hub.Publish(pushfanout.EventJobAssigned, pushfanout.CaptainGroup(captainID), next)
		}
	}

	return job, nil
}

// ─── Location broadcast ─────────────────────────────────────

// BroadcastLocation fans out an accepted captain's location update to the
// user and job groups, plus every batched order's group when the captain
// is carrying more than one order.
func (m *Matcher) BroadcastLocation(ctx context.Context, captain *model.Captain, point model.Point) {
	captain.Location = point
	payload := map[string]interface{}{"captain_id": captain.UserID, "location": point}

	if captain.CurrentJobID != nil {
		jobID := *captain.CurrentJobID
		if job, err := m.jobs.GetJob(ctx, jobID); err == nil {
			m.hub.Publish(pushfanout.EventLocationUpdate, pushfanout.UserGroup(job.UserID), payload)
			m.hub.Publish(pushfanout.EventLocationUpdate, groupFor(job), payload)
		}
	}
	for _, orderID := range captain.BatchedOrderIDs {
		m.hub.Publish(pushfanout.EventLocationUpdate, pushfanout.OrderGroup(orderID), payload)
	}
}

func groupFor(job *model.Job) string {
	if job.Type == model.JobRide {
		return pushfanout.RideGroup(job.ID)
	}
	return pushfanout.OrderGroup(job.ID)
}
