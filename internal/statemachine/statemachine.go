// Package statemachine implements the ORDER and RIDE status graphs (C8):
// allowed transitions, SLA timer arming, and the no-captain retry policy
// that re-runs candidate discovery a bounded number of times before
// giving up. Status names and transition tables are grounded directly on
// the order and ride state machines this module replaces.
package statemachine

import (
	"context"
	"fmt"
	"time"

	"github.com/ridecore/dispatch/internal/dispatcherr"
	"github.com/ridecore/dispatch/internal/model"
)

// Order statuses.
const (
	OrderPendingPayment model.Status = "PENDING_PAYMENT"
	OrderPlaced         model.Status = "PLACED"
	OrderAssigned       model.Status = "ASSIGNED"
	OrderDelivered      model.Status = "DELIVERED"
	OrderCancelled      model.Status = "CANCELLED"
	OrderFailed         model.Status = "FAILED"
)

// Ride statuses.
const (
	RidePendingPayment model.Status = "PENDING_PAYMENT"
	RideRequested      model.Status = "REQUESTED"
	RideAssigned       model.Status = "ASSIGNED"
	RideCompleted      model.Status = "COMPLETED"
	RideCancelled      model.Status = "CANCELLED"
	RideFailed         model.Status = "FAILED"
)

var orderGraph = map[model.Status][]model.Status{
	OrderPendingPayment: {OrderPlaced, OrderFailed, OrderCancelled},
	OrderPlaced:         {OrderAssigned, OrderCancelled},
	OrderAssigned:       {OrderDelivered, OrderCancelled},
}

var rideGraph = map[model.Status][]model.Status{
	RidePendingPayment: {RideRequested, RideFailed, RideCancelled},
	RideRequested:       {RideAssigned, RideCancelled},
	RideAssigned:        {RideCompleted, RideCancelled},
}

func graphFor(jobType model.JobType) map[model.Status][]model.Status {
	if jobType == model.JobRide {
		return rideGraph
	}
	return orderGraph
}

// IsTerminal reports whether status has no outgoing transitions for the
// given job type.
func IsTerminal(jobType model.JobType, status model.Status) bool {
	_, hasOutgoing := graphFor(jobType)[status]
	return !hasOutgoing
}

func allowed(jobType model.JobType, from, to model.Status) bool {
	for _, candidate := range graphFor(jobType)[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Transition attempts from→to on job, appending a status_history entry
// on success. Idempotent when from == to. Fails with InvalidTransition
// otherwise.
func Transition(job *model.Job, to model.Status, reason string) error {
	from := job.Status
	if from == to {
		return nil
	}
	if !allowed(job.Type, from, to) {
		return dispatcherr.New(dispatcherr.KindInvalidTransition,
			fmt.Sprintf("%s: %s -> %s not allowed", job.Type, from, to))
	}
	now := time.Now().UTC()
	job.Status = to
	job.StatusHistory = append(job.StatusHistory, model.StatusTransition{
		From: from, To: to, Reason: reason, At: now,
	})
	job.UpdatedAt = now
	return nil
}

// AssignedStatus returns the job type's "assigned" status, the state a
// successful offer-accept transitions into.
func AssignedStatus(jobType model.JobType) model.Status {
	if jobType == model.JobRide {
		return RideAssigned
	}
	return OrderAssigned
}

// TerminalDeliveryStatus returns the job type's success-terminal status
// (DELIVERED for orders, COMPLETED for rides).
func TerminalDeliveryStatus(jobType model.JobType) model.Status {
	if jobType == model.JobRide {
		return RideCompleted
	}
	return OrderDelivered
}

// CancelledStatus returns the job type's cancelled status.
func CancelledStatus(jobType model.JobType) model.Status {
	if jobType == model.JobRide {
		return RideCancelled
	}
	return OrderCancelled
}

// SLAConfig carries the per-job-type timeout durations used to compute
// and arm SLA deadlines.
type SLAConfig struct {
	AssignTimeout   time.Duration
	CompletionSLA   time.Duration // delivery SLA for orders, completion SLA for rides
	MatchRetryMax   int
	MatchRetryDelay time.Duration
}

// ArmSLA computes assign_by / deliver_by|complete_by from createdAt and
// stores them on job.SLA. Call once, on first transition into
// PLACED/REQUESTED.
func ArmSLA(job *model.Job, cfg SLAConfig) {
	createdAt := job.CreatedAt
	assignBy := createdAt.Add(cfg.AssignTimeout)
	completeBy := createdAt.Add(cfg.AssignTimeout).Add(cfg.CompletionSLA)

	job.SLA.CreatedAt = createdAt
	job.SLA.AssignBy = assignBy
	if job.Type == model.JobRide {
		job.SLA.CompleteBy = &completeBy
	} else {
		job.SLA.DeliverBy = &completeBy
	}
}

// NoCaptainOutcome is the result of HandleNoCaptain: either a retry was
// scheduled, or the job was given up on.
type NoCaptainOutcome struct {
	Retried    bool
	RetryDelay time.Duration
	GivenUp    bool
}

// HandleNoCaptain implements the retry-then-give-up policy: increments
// matching_retry_count; if still below MatchRetryMax, the caller should
// re-run candidate discovery after RetryDelay; otherwise the job
// transitions to CANCELLED with reason NO_CAPTAIN and job_status becomes
// NO_CAPTAIN.
func HandleNoCaptain(job *model.Job, cfg SLAConfig) NoCaptainOutcome {
	job.MatchingRetryCount++
	if job.MatchingRetryCount <= cfg.MatchRetryMax {
		delay := cfg.MatchRetryDelay * time.Duration(job.MatchingRetryCount)
		job.JobStatus = model.JobStatusRetrying
		return NoCaptainOutcome{Retried: true, RetryDelay: delay}
	}

	job.JobStatus = model.JobStatusNoCaptain
	_ = Transition(job, CancelledStatus(job.Type), "NO_CAPTAIN")
	return NoCaptainOutcome{GivenUp: true}
}

// Timer is the subset of time.AfterFunc this package needs, satisfied by
// the standard library and substitutable in tests.
type Timer interface {
	Stop() bool
}

// ArmDeadline schedules fn to run at deadline and returns the timer so
// callers can Stop it if the job transitions before it fires. Every
// deadline callback must tolerate being raced by a concurrent
// accept/reject/cancel — it re-reads authoritative state before acting.
func ArmDeadline(ctx context.Context, deadline time.Time, fn func()) Timer {
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, func() {
		select {
		case <-ctx.Done():
			return
		default:
			fn()
		}
	})
}
