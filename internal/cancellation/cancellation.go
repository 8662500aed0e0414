// Package cancellation implements the actor-based refund/penalty policy
// engine (C9): computes refund/penalty amounts per the actor/assignment
// policy table, writes the audit record, frees the captain, and applies
// the ledger side effects. Policy constants and the no-show/late-delivery
// adjustments are grounded on the cancellation service this module
// replaces.
package cancellation

import (
	"context"
	"time"

	"github.com/ridecore/dispatch/internal/dispatcherr"
	"github.com/ridecore/dispatch/internal/model"
	"github.com/ridecore/dispatch/internal/statemachine"
	"github.com/ridecore/dispatch/pkg/metrics"
	"github.com/ridecore/dispatch/pkg/tracing"
)

const (
	refundPctUserBeforeAssign    = 1.0
	refundPctUserAfterAssign     = 0.5
	refundPctCaptainCancellation = 1.0
	refundPctOtherActor          = 1.0
	lateDeliveryMinRefundPct     = 0.20
	noShowWalletDebitPct         = 0.10
	captainPenaltyPct            = 0.10
	captainRatingPenalty         = 0.1
)

// Request describes a cancellation attempt.
type Request struct {
	JobType      model.JobType
	Job          *model.Job
	ActorID      string
	ActorRole    model.ActorRole
	Reason       string
	LateDelivery bool
	NoShow       bool
}

// JobRepository is the subset of job persistence the engine needs.
type JobRepository interface {
	SaveJob(ctx context.Context, job *model.Job) error
}

// CaptainRepository frees a captain's busy/current-job state on cancel and
// applies the rating penalty a captain-initiated cancellation carries.
type CaptainRepository interface {
	FreeCaptain(ctx context.Context, captainID, completingJobID string) error
	// PenalizeRating decrements captainID's average_rating by the fixed
	// captain-cancellation penalty (ApplyCaptainRatingPenalty) and
	// persists the result.
	PenalizeRating(ctx context.Context, captainID string) error
}

// CancellationRepository persists the append-only audit record a
// cancellation produces, including its derived refund/penalty amounts.
type CancellationRepository interface {
	SaveCancellation(ctx context.Context, c model.Cancellation) error
}

// Notifier is the subset of C11 the engine uses to tell the user.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, message string) error
}

// LedgerAccessor is the subset of *ledger.Ledger the engine needs,
// narrowed to an interface so tests can substitute an in-memory fake
// instead of a live Postgres-backed Ledger. *ledger.Ledger satisfies
// this implicitly.
type LedgerAccessor interface {
	Debit(ctx context.Context, userID string, amount int64, reason string, refType model.ReferenceType, refID string) (*model.LedgerTransaction, error)
	Refund(ctx context.Context, userID string, amount int64, jobID string) (*model.LedgerTransaction, error)
}

// Engine wires the ledger, captain repository, cancellation ledger, and
// notifier needed to carry out a cancellation end to end.
type Engine struct {
	ledger        LedgerAccessor
	jobs          JobRepository
	captains      CaptainRepository
	cancellations CancellationRepository
	notifier      Notifier
}

// New constructs an Engine.
func New(l LedgerAccessor, jobs JobRepository, captains CaptainRepository, cancellations CancellationRepository, notifier Notifier) *Engine {
	return &Engine{ledger: l, jobs: jobs, captains: captains, cancellations: cancellations, notifier: notifier}
}

// Outcome reports what the cancellation actually did, for the HTTP
// response and for tests.
type Outcome struct {
	Cancellation  model.Cancellation
	RefundAmount  int64
	PenaltyAmount int64
}

// Cancel guards the job is not already terminal, computes refund/penalty
// per policy, transitions the state machine, frees the captain, and
// applies ledger side effects.
func (e *Engine) Cancel(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "cancellation.Cancel")
	defer span.End()

	job := req.Job
	if statemachine.IsTerminal(job.Type, job.Status) {
		return nil, dispatcherr.New(dispatcherr.KindInvalidTransition, "job already in a terminal state")
	}

	wasAssigned := job.CaptainID != nil
	refundPct, captainPenalty := policyFor(req.ActorRole, wasAssigned)

	if req.LateDelivery && refundPct < lateDeliveryMinRefundPct {
		refundPct = lateDeliveryMinRefundPct
	}

	var refundAmount int64
	var walletDebit int64
	if req.NoShow {
		refundPct = 0
		walletDebit = int64(float64(job.AmountTotal) * noShowWalletDebitPct)
	}
	if job.IsPaid {
		refundAmount = int64(float64(job.AmountTotal) * refundPct)
	}

	penaltyAmount := int64(0)
	if captainPenalty && job.CaptainID != nil {
		penaltyAmount = int64(float64(job.AmountTotal) * captainPenaltyPct)
	}

	if err := statemachine.Transition(job, statemachine.CancelledStatus(job.Type), req.Reason); err != nil {
		return nil, err
	}

	if job.CaptainID != nil {
		captainID := *job.CaptainID
		if err := e.captains.FreeCaptain(ctx, captainID, job.ID); err != nil {
			return nil, err
		}
		if penaltyAmount > 0 {
			if _, err := e.ledger.Debit(ctx, captainID, penaltyAmount, "CANCEL_PENALTY", model.ReferenceCancellation, job.ID); err != nil {
				if !dispatcherr.Is(err, dispatcherr.KindValidation) {
					return nil, err
				}
				// Captain's wallet can't cover the penalty: the
				// cancellation itself must still go through, so the
				// penalty is recorded against the captain without
				// blocking on collection.
			}
		}
		if captainPenalty && req.ActorRole == model.ActorCaptain {
			if err := e.captains.PenalizeRating(ctx, captainID); err != nil {
				return nil, err
			}
		}
	}

	if refundAmount > 0 {
		if err := e.refund(ctx, job, refundAmount); err != nil {
			return nil, err
		}
	}
	if walletDebit > 0 {
		if _, err := e.ledger.Debit(ctx, job.UserID, walletDebit, "NO_SHOW_DEBIT", model.ReferenceCancellation, job.ID); err != nil {
			if dispatcherr.Is(err, dispatcherr.KindValidation) {
				// Wallet can't cover the no-show debit: record it as a
				// penalty instead of failing the cancellation outright.
				penaltyAmount += walletDebit
			} else {
				return nil, err
			}
		}
	}

	job.CaptainID = nil
	if err := e.jobs.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	record := model.Cancellation{
		JobType:       job.Type,
		JobID:         job.ID,
		ActorID:       req.ActorID,
		ActorRole:     req.ActorRole,
		Reason:        req.Reason,
		LateDelivery:  req.LateDelivery,
		NoShow:        req.NoShow,
		RefundAmount:  refundAmount,
		PenaltyAmount: penaltyAmount,
		CreatedAt:     time.Now().UTC(),
	}

	if e.cancellations != nil {
		if err := e.cancellations.SaveCancellation(ctx, record); err != nil {
			return nil, err
		}
	}

	if e.notifier != nil {
		_ = e.notifier.NotifyUser(ctx, job.UserID, "Your "+string(job.Type)+" was cancelled: "+req.Reason)
	}

	metrics.CancellationsTotal.WithLabelValues(string(job.Type), string(req.ActorRole)).Inc()

	return &Outcome{Cancellation: record, RefundAmount: refundAmount, PenaltyAmount: penaltyAmount}, nil
}

func (e *Engine) refund(ctx context.Context, job *model.Job, amount int64) error {
	gatewayEligible := job.PaymentMode == model.PaymentRazorpay || job.PaymentMode == model.PaymentWalletRazorpay
	if gatewayEligible && job.RazorpayPaymentID != nil {
		if err := attemptGatewayRefund(ctx, *job.RazorpayPaymentID, amount); err == nil {
			return nil
		}
		// Gateway refund failed: fall back to a wallet credit, still
		// user-positive.
	}
	_, err := e.ledger.Refund(ctx, job.UserID, amount, job.ID)
	return err
}

// attemptGatewayRefund is a stub: a real deployment would call the
// payment gateway's refund API here. Always fails so callers exercise
// the wallet-credit fallback.
func attemptGatewayRefund(ctx context.Context, paymentID string, amount int64) error {
	return dispatcherr.New(dispatcherr.KindDependency, "gateway refund not configured")
}

// policyFor returns the base refund percentage and whether a captain
// penalty applies, per the actor/assignment policy table.
func policyFor(actor model.ActorRole, wasAssigned bool) (refundPct float64, captainPenalty bool) {
	switch actor {
	case model.ActorUser:
		if wasAssigned {
			return refundPctUserAfterAssign, false
		}
		return refundPctUserBeforeAssign, false
	case model.ActorCaptain:
		return refundPctCaptainCancellation, true
	default: // RESTAURANT, SYSTEM, ADMIN
		return refundPctOtherActor, false
	}
}

// ApplyCaptainRatingPenalty decrements a captain's average_rating by the
// fixed 0.1 penalty applied on captain-initiated cancellations, floored
// at 0.
func ApplyCaptainRatingPenalty(current float64) float64 {
	next := current - captainRatingPenalty
	if next < 0 {
		return 0
	}
	return next
}
