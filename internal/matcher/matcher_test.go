package matcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ridecore/dispatch/internal/candidate"
	"github.com/ridecore/dispatch/internal/dispatcherr"
	"github.com/ridecore/dispatch/internal/model"
	"github.com/ridecore/dispatch/internal/pricing"
	"github.com/ridecore/dispatch/internal/pushfanout"
)

// fakeSurgeEstimator returns a fixed multiplier and records whether it was
// asked to persist history, so Dispatch's C3 call can be asserted on.
type fakeSurgeEstimator struct {
	multiplier        float64
	storeHistoryCalls []bool
}

func (f *fakeSurgeEstimator) Surge(ctx context.Context, jobType model.JobType, lat, lng float64, storeHistory bool) (pricing.Result, error) {
	f.storeHistoryCalls = append(f.storeHistoryCalls, storeHistory)
	return pricing.Result{Multiplier: f.multiplier}, nil
}

// ─── In-memory fakes ────────────────────────────────────────

type fakeJobRepo struct {
	mu          sync.Mutex
	jobs        map[string]*model.Job
	restaurants map[string]model.Point
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]*model.Job{}, restaurants: map[string]model.Point{}}
}

func (f *fakeJobRepo) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, dispatcherr.New(dispatcherr.KindNotFound, "job not found")
	}
	return j, nil
}

func (f *fakeJobRepo) SaveJob(ctx context.Context, job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobRepo) RestaurantPoint(ctx context.Context, restaurantID string) (model.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.restaurants[restaurantID]
	if !ok {
		return model.Point{}, dispatcherr.New(dispatcherr.KindNotFound, "restaurant not found")
	}
	return p, nil
}

type fakeCaptainRepo struct {
	mu       sync.Mutex
	captains map[string]*model.Captain
	// batchTarget, when non-empty, is returned by FindBatchCandidate once.
	batchTarget string
}

func newFakeCaptainRepo() *fakeCaptainRepo {
	return &fakeCaptainRepo{captains: map[string]*model.Captain{}}
}

func (f *fakeCaptainRepo) GetCaptain(ctx context.Context, captainID string) (*model.Captain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.captains[captainID]
	if !ok {
		return nil, dispatcherr.New(dispatcherr.KindNotFound, "captain not found")
	}
	return c, nil
}

func (f *fakeCaptainRepo) SaveCaptain(ctx context.Context, c *model.Captain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captains[c.UserID] = c
	return nil
}

func (f *fakeCaptainRepo) FindBatchCandidate(ctx context.Context, pickup model.Point, radiusM, maxBatch int) (*model.Captain, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchTarget == "" {
		return nil, false, nil
	}
	c, ok := f.captains[f.batchTarget]
	if !ok || len(c.BatchedOrderIDs) >= maxBatch {
		return nil, false, nil
	}
	return c, true, nil
}

func (f *fakeCaptainRepo) FindCandidates(ctx context.Context, jobType model.JobType, pickup model.Point, radiusM, max int, vehicleType *string, allowedVehicles []string) ([]model.Captain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Captain
	for _, c := range f.captains {
		if !c.IsOnline || !c.IsVerified || c.IsBusy {
			continue
		}
		out = append(out, *c)
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

func (f *fakeCaptainRepo) CompareAndAssign(ctx context.Context, captainID string, job *model.Job) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.captains[captainID]
	if !ok || !c.IsOnline || !c.IsVerified || c.IsBusy {
		return false, nil
	}
	c.IsBusy = true
	id := job.ID
	c.CurrentJobID = &id
	c.CurrentJobType = &job.Type
	return true, nil
}

func (f *fakeCaptainRepo) FreeCaptain(ctx context.Context, captainID, completingJobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.captains[captainID]
	if !ok {
		return "", dispatcherr.New(dispatcherr.KindNotFound, "captain not found")
	}
	if len(c.BatchedOrderIDs) > 0 {
		next := c.BatchedOrderIDs[0]
		c.BatchedOrderIDs = c.BatchedOrderIDs[1:]
		c.CurrentJobID = &next
		return next, nil
	}
	c.IsBusy = false
	c.CurrentJobID = nil
	c.CurrentJobType = nil
	return "", nil
}

// fakeStore is an in-memory stand-in for candidate.Store, sufficient to
// exercise the offer loop without a live Redis instance.
type fakeStore struct {
	mu     sync.Mutex
	queues map[string][]string
	offers map[string]candidate.Offer
}

func newFakeStore() *fakeStore {
	return &fakeStore{queues: map[string][]string{}, offers: map[string]candidate.Offer{}}
}

func (s *fakeStore) SetCandidates(ctx context.Context, jobID string, captainIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[jobID] = append([]string{}, captainIDs...)
	return nil
}

func (s *fakeStore) PopCandidate(ctx context.Context, jobID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[jobID]
	if len(q) == 0 {
		return "", false, nil
	}
	head := q[0]
	s.queues[jobID] = q[1:]
	return head, true, nil
}

func (s *fakeStore) PushFront(ctx context.Context, jobID, captainID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[jobID] = append([]string{captainID}, s.queues[jobID]...)
	return nil
}

func (s *fakeStore) SetOffer(ctx context.Context, jobID, captainID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.offers[jobID]; ok && time.Now().Before(existing.ExpiresAt) {
		return false, nil
	}
	s.offers[jobID] = candidate.Offer{JobID: jobID, CaptainID: captainID, ExpiresAt: expiresAt}
	return true, nil
}

func (s *fakeStore) GetOffer(ctx context.Context, jobID string) (*candidate.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[jobID]
	if !ok {
		return nil, candidate.ErrNoOffer
	}
	return &o, nil
}

func (s *fakeStore) ClearOffer(ctx context.Context, jobID, captainID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[jobID]
	if !ok || o.CaptainID != captainID {
		return false, nil
	}
	delete(s.offers, jobID)
	return true, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) NotifyUser(ctx context.Context, userID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, userID+":"+message)
	return nil
}

// ─── Fixtures ────────────────────────────────────────────────

func newTestMatcher() (*Matcher, *fakeJobRepo, *fakeCaptainRepo, *fakeStore) {
	jobs := newFakeJobRepo()
	captains := newFakeCaptainRepo()
	store := newFakeStore()
	hub := pushfanout.New()
	m := New(DefaultConfig(), jobs, captains, store, hub, nil, &fakeNotifier{}, nil, nil)
	return m, jobs, captains, store
}

func pickupNear() model.Point { return model.Point{Lat: 12.97, Lng: 77.59} }

// ─── C7 → C3 surge wiring ─────────────────────────────────────

func TestDispatch_FetchesSurgeBeforeScoringWithoutStoringHistory(t *testing.T) {
	jobs := newFakeJobRepo()
	captains := newFakeCaptainRepo()
	store := newFakeStore()
	hub := pushfanout.New()
	surge := &fakeSurgeEstimator{multiplier: 2.5}
	m := New(DefaultConfig(), jobs, captains, store, hub, nil, &fakeNotifier{}, nil, surge)

	pickup := pickupNear()
	captains.captains["c1"] = &model.Captain{UserID: "c1", IsOnline: true, IsVerified: true, Location: pickup, VehicleType: "BIKE"}

	job := &model.Job{ID: "job1", Type: model.JobOrder, UserID: "u1", PickupPoint: pickup, RestaurantID: strptr("r1")}
	jobs.restaurants["r1"] = pickup
	jobs.jobs["job1"] = job

	if err := m.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if job.SurgeMultiplier != 2.5 {
		t.Fatalf("job.SurgeMultiplier = %v, want 2.5 from the surge estimator", job.SurgeMultiplier)
	}
	if len(surge.storeHistoryCalls) != 1 || surge.storeHistoryCalls[0] != false {
		t.Fatalf("Surge called with storeHistory=%v, want a single call with false", surge.storeHistoryCalls)
	}
}

// ─── Scoring / S1 ranking ───────────────────────────────────

func TestScore_DistanceDominatesWithRatingTiebreak(t *testing.T) {
	m, _, _, _ := newTestMatcher()
	pickup := pickupNear()
	job := &model.Job{PickupPoint: pickup, SurgeMultiplier: 1.0}

	c1 := model.Captain{UserID: "c1", Location: model.Point{Lat: 12.974, Lng: 77.59}, AverageRating: 4.8} // ~0.44km
	c2 := model.Captain{UserID: "c2", Location: model.Point{Lat: 12.9654, Lng: 77.59}, AverageRating: 4.6} // ~0.51km
	c3 := model.Captain{UserID: "c3", Location: model.Point{Lat: 12.9592, Lng: 77.602}, AverageRating: 4.9} // further than c1 but higher rating

	scores := map[string]float64{
		"c1": m.score(job, c1),
		"c2": m.score(job, c2),
		"c3": m.score(job, c3),
	}

	if !(scores["c1"] < scores["c3"] && scores["c3"] < scores["c2"]) {
		t.Fatalf("expected c1 < c3 < c2, got %+v", scores)
	}
}

// ─── S1 happy path ───────────────────────────────────────────

func TestDispatch_HappyPath_OffersNearestFirst(t *testing.T) {
	m, jobs, captains, _ := newTestMatcher()
	pickup := pickupNear()

	captains.captains["c1"] = &model.Captain{UserID: "c1", IsOnline: true, IsVerified: true, Location: model.Point{Lat: 12.974, Lng: 77.59}, AverageRating: 4.8, VehicleType: "BIKE"}
	captains.captains["c2"] = &model.Captain{UserID: "c2", IsOnline: true, IsVerified: true, Location: model.Point{Lat: 12.9654, Lng: 77.59}, AverageRating: 4.6, VehicleType: "BIKE"}

	job := &model.Job{ID: "job1", Type: model.JobOrder, UserID: "u1", PickupPoint: pickup, SurgeMultiplier: 1.0, RestaurantID: strptr("r1")}
	jobs.restaurants["r1"] = pickup
	jobs.jobs["job1"] = job

	if err := m.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if job.JobStatus != model.JobStatusOffered {
		t.Fatalf("job_status = %s, want OFFERED", job.JobStatus)
	}
	if job.JobAttempts != 1 {
		t.Fatalf("job_attempts = %d, want 1", job.JobAttempts)
	}

	offer, err := m.store.GetOffer(context.Background(), "job1")
	if err != nil {
		t.Fatalf("GetOffer: %v", err)
	}
	if offer.CaptainID != "c1" {
		t.Fatalf("offered captain = %s, want c1 (nearest)", offer.CaptainID)
	}
}

func strptr(s string) *string { return &s }

// ─── Property 4: second accept fails ─────────────────────────

func TestAccept_SecondAcceptFailsWithOfferExpiredOrCaptainUnavailable(t *testing.T) {
	m, jobs, captains, store := newTestMatcher()
	pickup := pickupNear()

	captains.captains["c1"] = &model.Captain{UserID: "c1", IsOnline: true, IsVerified: true, Location: pickup, AverageRating: 4.8}
	job := &model.Job{ID: "job1", Type: model.JobRide, UserID: "u1", PickupPoint: pickup, SurgeMultiplier: 1.0, Status: "REQUESTED", JobStatus: model.JobStatusOffered}
	jobs.jobs["job1"] = job
	_, _ = store.SetOffer(context.Background(), "job1", "c1", time.Now().Add(15*time.Second))

	if _, err := m.Accept(context.Background(), "job1", "c1"); err != nil {
		t.Fatalf("first accept: %v", err)
	}

	// A second captain racing the same, already-cleared offer must fail.
	_, err := m.Accept(context.Background(), "job1", "c2")
	if err == nil {
		t.Fatal("expected second accept to fail")
	}
	if dispatcherr.KindOf(err) != dispatcherr.KindOfferExpired && dispatcherr.KindOf(err) != dispatcherr.KindCaptainUnavailable {
		t.Fatalf("unexpected error kind: %v", dispatcherr.KindOf(err))
	}
}

// ─── Property 5: expired timer after accept is a no-op ──────

func TestExpireOffer_AfterAcceptIsNoOp(t *testing.T) {
	m, jobs, captains, store := newTestMatcher()
	pickup := pickupNear()

	captains.captains["c1"] = &model.Captain{UserID: "c1", IsOnline: true, IsVerified: true, Location: pickup}
	job := &model.Job{ID: "job1", Type: model.JobRide, UserID: "u1", PickupPoint: pickup, Status: "REQUESTED", JobStatus: model.JobStatusOffered}
	jobs.jobs["job1"] = job
	_, _ = store.SetOffer(context.Background(), "job1", "c1", time.Now().Add(15*time.Second))

	if _, err := m.Accept(context.Background(), "job1", "c1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if job.Status != statemachineRideAssigned() {
		t.Fatalf("status = %s, want ASSIGNED", job.Status)
	}

	// The offer's timer fires after the accept already cleared it.
	m.expireOffer("job1", "c1")

	got, _ := jobs.GetJob(context.Background(), "job1")
	if got.Status != statemachineRideAssigned() {
		t.Fatalf("status regressed to %s after stale timer fired", got.Status)
	}
	for _, rejected := range got.RejectedCaptains {
		if rejected == "c1" {
			t.Fatal("accepted captain must not be pushed to rejected_captains by a stale timeout")
		}
	}
}

// ─── S4 batching ──────────────────────────────────────────────

func TestTryBatch_AppendsSecondOrderWithoutOfferLoop(t *testing.T) {
	m, jobs, captains, store := newTestMatcher()
	pickup := pickupNear()

	captains.batchTarget = "cB"
	captains.captains["cB"] = &model.Captain{
		UserID: "cB", IsOnline: true, IsVerified: true, IsBusy: true,
		Location: pickup, BatchedOrderIDs: []string{"order-old"},
	}

	newOrder := &model.Job{ID: "order-new", Type: model.JobOrder, UserID: "u2", PickupPoint: pickup, Status: "PLACED", RestaurantID: strptr("r2")}
	jobs.restaurants["r2"] = pickup
	jobs.jobs["order-new"] = newOrder

	if err := m.Dispatch(context.Background(), newOrder); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if !newOrder.Batched {
		t.Fatal("expected batched=true")
	}
	if newOrder.JobStatus != model.JobStatusAssigned {
		t.Fatalf("job_status = %s, want ASSIGNED", newOrder.JobStatus)
	}
	if newOrder.CaptainID == nil || *newOrder.CaptainID != "cB" {
		t.Fatalf("captain_id = %v, want cB", newOrder.CaptainID)
	}

	cB, _ := captains.GetCaptain(context.Background(), "cB")
	if len(cB.BatchedOrderIDs) != 2 || cB.BatchedOrderIDs[1] != "order-new" {
		t.Fatalf("batched_order_ids = %v, want [order-old order-new]", cB.BatchedOrderIDs)
	}

	// No offer loop must have run: no candidate queue, no offer record.
	if _, err := store.GetOffer(context.Background(), "order-new"); err == nil {
		t.Fatal("batched job must not have an offer record")
	}
}

// ─── Reject advances the offer loop ──────────────────────────

func TestReject_AdvancesToNextCandidate(t *testing.T) {
	m, jobs, captains, _ := newTestMatcher()
	pickup := pickupNear()

	captains.captains["c1"] = &model.Captain{UserID: "c1", IsOnline: true, IsVerified: true, Location: model.Point{Lat: 12.974, Lng: 77.59}, VehicleType: "BIKE"}
	captains.captains["c2"] = &model.Captain{UserID: "c2", IsOnline: true, IsVerified: true, Location: model.Point{Lat: 12.9654, Lng: 77.59}, VehicleType: "BIKE"}

	job := &model.Job{ID: "job1", Type: model.JobOrder, UserID: "u1", PickupPoint: pickup, SurgeMultiplier: 1.0, RestaurantID: strptr("r1")}
	jobs.restaurants["r1"] = pickup
	jobs.jobs["job1"] = job

	if err := m.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	offer, _ := m.store.GetOffer(context.Background(), "job1")
	first := offer.CaptainID

	if err := m.Reject(context.Background(), "job1", first); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	next, err := m.store.GetOffer(context.Background(), "job1")
	if err != nil {
		t.Fatalf("expected a new offer after reject: %v", err)
	}
	if next.CaptainID == first {
		t.Fatal("expected the offer loop to advance to a different candidate")
	}

	found := false
	for _, r := range job.RejectedCaptains {
		if r == first {
			found = true
		}
	}
	if !found {
		t.Fatal("rejected captain was not recorded in rejected_captains")
	}
}

func statemachineRideAssigned() model.Status { return "ASSIGNED" }
