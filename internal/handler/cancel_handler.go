package handler

import (
	"net/http"

	"github.com/ridecore/dispatch/internal/cancellation"
	"github.com/ridecore/dispatch/internal/dispatcherr"
	"github.com/ridecore/dispatch/internal/middleware"
	"github.com/ridecore/dispatch/internal/model"
)

// CancelHandler serves /cancel/policy, /cancel/order, /cancel/ride.
type CancelHandler struct {
	Engine *cancellation.Engine
	Jobs   jobStore
}

// NewCancelHandler constructs a CancelHandler.
func NewCancelHandler(engine *cancellation.Engine, jobs jobStore) *CancelHandler {
	return &CancelHandler{Engine: engine, Jobs: jobs}
}

// policyResponse mirrors the constants cancellation.go applies; exposed
// read-only so clients can show an accurate refund estimate before the
// user confirms a cancellation.
type policyResponse struct {
	RefundPctUserBeforeAssign    float64 `json:"refund_pct_user_before_assign"`
	RefundPctUserAfterAssign     float64 `json:"refund_pct_user_after_assign"`
	RefundPctCaptainCancellation float64 `json:"refund_pct_captain_cancellation"`
	LateDeliveryMinRefundPct     float64 `json:"late_delivery_min_refund_pct"`
	NoShowWalletDebitPct         float64 `json:"no_show_wallet_debit_pct"`
	CaptainPenaltyPct            float64 `json:"captain_penalty_pct"`
}

// Policy handles GET /cancel/policy.
func (h *CancelHandler) Policy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, policyResponse{
		RefundPctUserBeforeAssign:    1.0,
		RefundPctUserAfterAssign:     0.5,
		RefundPctCaptainCancellation: 1.0,
		LateDeliveryMinRefundPct:     0.20,
		NoShowWalletDebitPct:         0.10,
		CaptainPenaltyPct:            0.10,
	})
}

type cancelRequest struct {
	OrderID      string `json:"order_id"`
	RideID       string `json:"ride_id"`
	Actor        string `json:"actor"`
	Reason       string `json:"reason"`
	LateDelivery bool   `json:"late_delivery"`
	NoShow       bool   `json:"no_show"`
}

// CancelOrder handles POST /cancel/order.
func (h *CancelHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, model.JobOrder)
}

// CancelRide handles POST /cancel/ride.
func (h *CancelHandler) CancelRide(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, model.JobRide)
}

func (h *CancelHandler) cancel(w http.ResponseWriter, r *http.Request, jobType model.JobType) {
	var req cancelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	jobID := req.OrderID
	if jobType == model.JobRide {
		jobID = req.RideID
	}
	if jobID == "" {
		writeError(w, dispatcherr.New(dispatcherr.KindValidation, "job id is required"))
		return
	}

	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, dispatcherr.New(dispatcherr.KindUnauthorized, "no authenticated caller"))
		return
	}

	// actorRole defaults to the authenticated caller's own role. An ADMIN
	// caller may override it (e.g. to record a cancellation as having
	// come from SYSTEM or RESTAURANT on a user's behalf); any other
	// caller's actor field is ignored so it can't be used to dodge the
	// captain-penalty policy.
	actorRole := claims.Role
	if claims.Role == model.ActorAdmin && req.Actor != "" {
		actorRole = model.ActorRole(req.Actor)
	}

	job, err := h.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	outcome, err := h.Engine.Cancel(r.Context(), cancellation.Request{
		JobType:      jobType,
		Job:          job,
		ActorID:      claims.Subject,
		ActorRole:    actorRole,
		Reason:       req.Reason,
		LateDelivery: req.LateDelivery,
		NoShow:       req.NoShow,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}
