package cancellation

import (
	"context"
	"testing"

	"github.com/ridecore/dispatch/internal/dispatcherr"
	"github.com/ridecore/dispatch/internal/model"
	"github.com/ridecore/dispatch/internal/statemachine"
)

// ─── In-memory fakes for end-to-end Engine.Cancel coverage ───

type fakeLedger struct {
	debits     []int64
	refunds    []int64
	failDebits map[string]bool // userID -> force ErrInsufficientFunds
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{failDebits: map[string]bool{}}
}

func (l *fakeLedger) Debit(ctx context.Context, userID string, amount int64, reason string, refType model.ReferenceType, refID string) (*model.LedgerTransaction, error) {
	if l.failDebits[userID] {
		return nil, dispatcherr.New(dispatcherr.KindValidation, "insufficient wallet balance")
	}
	l.debits = append(l.debits, amount)
	return &model.LedgerTransaction{}, nil
}

func (l *fakeLedger) Refund(ctx context.Context, userID string, amount int64, jobID string) (*model.LedgerTransaction, error) {
	l.refunds = append(l.refunds, amount)
	return &model.LedgerTransaction{}, nil
}

type fakeJobs struct {
	saved []*model.Job
}

func (f *fakeJobs) SaveJob(ctx context.Context, job *model.Job) error {
	f.saved = append(f.saved, job)
	return nil
}

type fakeCaptains struct {
	freed            []string
	ratingsPenalized []string
	ratings          map[string]float64
}

func newFakeCaptains() *fakeCaptains {
	return &fakeCaptains{ratings: map[string]float64{}}
}

func (f *fakeCaptains) FreeCaptain(ctx context.Context, captainID, completingJobID string) error {
	f.freed = append(f.freed, captainID)
	return nil
}

func (f *fakeCaptains) PenalizeRating(ctx context.Context, captainID string) error {
	f.ratingsPenalized = append(f.ratingsPenalized, captainID)
	f.ratings[captainID] = ApplyCaptainRatingPenalty(f.ratings[captainID])
	return nil
}

type fakeCancellations struct {
	saved []model.Cancellation
}

func (f *fakeCancellations) SaveCancellation(ctx context.Context, c model.Cancellation) error {
	f.saved = append(f.saved, c)
	return nil
}

func newEngineForTest() (*Engine, *fakeLedger, *fakeJobs, *fakeCaptains, *fakeCancellations) {
	led := newFakeLedger()
	jobs := &fakeJobs{}
	captains := newFakeCaptains()
	cancellations := &fakeCancellations{}
	return New(led, jobs, captains, cancellations, nil), led, jobs, captains, cancellations
}

func assignedOrder(amountTotal int64, captainID string) *model.Job {
	return &model.Job{
		ID: "job1", Type: model.JobOrder, UserID: "u1", CaptainID: &captainID,
		AmountTotal: amountTotal, IsPaid: true, PaymentMode: model.PaymentWallet,
		Status: statemachine.AssignedStatus(model.JobOrder),
	}
}

func TestPolicyFor_UserBeforeAssign(t *testing.T) {
	pct, penalty := policyFor(model.ActorUser, false)
	if pct != 1.0 {
		t.Errorf("user before-assign refund = %v, want 1.0", pct)
	}
	if penalty {
		t.Error("user cancellation never carries a captain penalty")
	}
}

func TestPolicyFor_UserAfterAssign(t *testing.T) {
	pct, _ := policyFor(model.ActorUser, true)
	if pct != 0.5 {
		t.Errorf("user after-assign refund = %v, want 0.5", pct)
	}
}

func TestPolicyFor_CaptainCancellation(t *testing.T) {
	pct, penalty := policyFor(model.ActorCaptain, true)
	if pct != 1.0 {
		t.Errorf("captain cancellation refund = %v, want full 1.0", pct)
	}
	if !penalty {
		t.Error("captain cancellation must carry a captain penalty")
	}
}

func TestPolicyFor_RestaurantAndSystem(t *testing.T) {
	for _, actor := range []model.ActorRole{model.ActorRestaurant, model.ActorSystem, model.ActorAdmin} {
		pct, penalty := policyFor(actor, true)
		if pct != 1.0 {
			t.Errorf("%v refund = %v, want 1.0", actor, pct)
		}
		if penalty {
			t.Errorf("%v must not carry a captain penalty", actor)
		}
	}
}

// TestScenarioS5_UserCancelsAfterAssignRazorpay verifies the 50% refund
// math for a user cancellation after assignment (S5 in the end-to-end
// scenario set).
func TestScenarioS5_UserCancelsAfterAssignRazorpay(t *testing.T) {
	amountTotal := int64(30000)
	pct, penalty := policyFor(model.ActorUser, true)
	refund := int64(float64(amountTotal) * pct)
	if refund != 15000 {
		t.Errorf("S5 refund = %d, want 15000", refund)
	}
	if penalty {
		t.Error("S5 must not carry a captain penalty")
	}
}

// TestScenarioS6_CaptainCancelsAfterAccept verifies full refund plus a
// 10% captain penalty (S6).
func TestScenarioS6_CaptainCancelsAfterAccept(t *testing.T) {
	amountTotal := int64(30000)
	pct, penalty := policyFor(model.ActorCaptain, true)
	refund := int64(float64(amountTotal) * pct)
	if refund != 30000 {
		t.Errorf("S6 refund = %d, want full 30000", refund)
	}
	if !penalty {
		t.Fatal("S6 must carry a captain penalty")
	}
	penaltyAmount := int64(float64(amountTotal) * captainPenaltyPct)
	if penaltyAmount != 3000 {
		t.Errorf("S6 penalty = %d, want 3000", penaltyAmount)
	}
}

func TestApplyCaptainRatingPenalty_DecrementsByPointOne(t *testing.T) {
	got := ApplyCaptainRatingPenalty(4.9)
	want := 4.8
	if diff := got - want; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("ApplyCaptainRatingPenalty(4.9) = %v, want %v", got, want)
	}
}

func TestApplyCaptainRatingPenalty_FloorsAtZero(t *testing.T) {
	if got := ApplyCaptainRatingPenalty(0.05); got != 0 {
		t.Errorf("ApplyCaptainRatingPenalty(0.05) = %v, want 0 (floored)", got)
	}
}

func TestLateDelivery_FloorBelowUserAfterAssignBaseline(t *testing.T) {
	pct, _ := policyFor(model.ActorUser, true) // 0.5 baseline, already above floor
	if pct < lateDeliveryMinRefundPct {
		t.Errorf("baseline %v should already exceed late-delivery floor %v", pct, lateDeliveryMinRefundPct)
	}

	beforeAssignPct, _ := policyFor(model.ActorUser, false)
	_ = beforeAssignPct
}

// TestEngineCancel_S5_UserCancelsAfterAssign exercises Engine.Cancel
// end to end: a user cancellation after assignment refunds 50% and
// never touches the captain's rating.
func TestEngineCancel_S5_UserCancelsAfterAssign(t *testing.T) {
	engine, led, jobs, captains, cancellations := newEngineForTest()
	job := assignedOrder(30000, "cap1")

	outcome, err := engine.Cancel(context.Background(), Request{
		JobType: model.JobOrder, Job: job, ActorID: "u1", ActorRole: model.ActorUser, Reason: "changed my mind",
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if outcome.RefundAmount != 15000 {
		t.Errorf("S5 refund = %d, want 15000", outcome.RefundAmount)
	}
	if outcome.PenaltyAmount != 0 {
		t.Errorf("S5 penalty = %d, want 0", outcome.PenaltyAmount)
	}
	if len(led.refunds) != 1 || led.refunds[0] != 15000 {
		t.Errorf("ledger refunds = %v, want [15000]", led.refunds)
	}
	if len(captains.ratingsPenalized) != 0 {
		t.Errorf("user cancellation must not penalize the captain's rating, got %v", captains.ratingsPenalized)
	}
	if len(captains.freed) != 1 || captains.freed[0] != "cap1" {
		t.Errorf("captain must be freed, got %v", captains.freed)
	}
	if len(jobs.saved) != 1 {
		t.Errorf("job must be saved once, got %d saves", len(jobs.saved))
	}
	if len(cancellations.saved) != 1 {
		t.Errorf("cancellation record must be persisted, got %d", len(cancellations.saved))
	}
}

// TestEngineCancel_S6_CaptainCancelsAfterAccept exercises Engine.Cancel
// end to end: a captain cancellation after acceptance fully refunds the
// user, debits the captain a 10% penalty, and decrements the captain's
// average_rating by the fixed 0.1 penalty.
func TestEngineCancel_S6_CaptainCancelsAfterAccept(t *testing.T) {
	engine, led, _, captains, cancellations := newEngineForTest()
	captains.ratings["cap1"] = 4.9
	job := assignedOrder(30000, "cap1")

	outcome, err := engine.Cancel(context.Background(), Request{
		JobType: model.JobOrder, Job: job, ActorID: "cap1", ActorRole: model.ActorCaptain, Reason: "vehicle broke down",
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if outcome.RefundAmount != 30000 {
		t.Errorf("S6 refund = %d, want full 30000", outcome.RefundAmount)
	}
	if outcome.PenaltyAmount != 3000 {
		t.Errorf("S6 penalty = %d, want 3000", outcome.PenaltyAmount)
	}
	if len(led.debits) != 1 || led.debits[0] != 3000 {
		t.Errorf("ledger debits = %v, want [3000] against the captain", led.debits)
	}
	if len(captains.ratingsPenalized) != 1 || captains.ratingsPenalized[0] != "cap1" {
		t.Fatalf("captain rating must be penalized, got %v", captains.ratingsPenalized)
	}
	if got, want := captains.ratings["cap1"], 4.8; got < want-0.0001 || got > want+0.0001 {
		t.Errorf("cap1 average_rating = %v, want %v", got, want)
	}
	if len(cancellations.saved) != 1 || cancellations.saved[0].PenaltyAmount != 3000 {
		t.Fatalf("cancellation record must persist the penalty, got %+v", cancellations.saved)
	}
}

// TestEngineCancel_CaptainPenaltyDebitIsBestEffort verifies a captain
// cancellation still succeeds, and still records/penalizes, even when the
// captain's wallet can't cover the penalty debit.
func TestEngineCancel_CaptainPenaltyDebitIsBestEffort(t *testing.T) {
	engine, _, _, captains, cancellations := newEngineForTest()
	engine.ledger.(*fakeLedger).failDebits["cap1"] = true
	job := assignedOrder(30000, "cap1")

	outcome, err := engine.Cancel(context.Background(), Request{
		JobType: model.JobOrder, Job: job, ActorID: "cap1", ActorRole: model.ActorCaptain, Reason: "no-show",
	})
	if err != nil {
		t.Fatalf("Cancel must succeed even when the captain penalty debit fails: %v", err)
	}
	if outcome.PenaltyAmount != 3000 {
		t.Errorf("penalty must still be recorded at 3000, got %d", outcome.PenaltyAmount)
	}
	if len(captains.ratingsPenalized) != 1 {
		t.Error("rating penalty must still apply when the wallet debit fails")
	}
	if len(cancellations.saved) != 1 {
		t.Error("cancellation record must still be persisted")
	}
}
