package handler

import (
	"net/http"

	"github.com/ridecore/dispatch/internal/dispatcherr"
	"github.com/ridecore/dispatch/internal/model"
	"github.com/ridecore/dispatch/internal/pricing"
)

// PricingHandler serves /pricing/calculate and /rides/fare.
type PricingHandler struct {
	Estimator     *pricing.Estimator
	CommissionPct float64
}

// NewPricingHandler constructs a PricingHandler.
func NewPricingHandler(estimator *pricing.Estimator, commissionPct float64) *PricingHandler {
	return &PricingHandler{Estimator: estimator, CommissionPct: commissionPct}
}

type surgeRequest struct {
	JobType model.JobType `json:"job_type"`
	Lat     float64       `json:"lat"`
	Lng     float64       `json:"lng"`
}

// Calculate handles POST /pricing/calculate: a non-persisted surge
// preview shown before the user confirms a job.
func (h *PricingHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	var req surgeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.JobType == "" {
		writeError(w, dispatcherr.New(dispatcherr.KindValidation, "job_type is required"))
		return
	}

	result, err := h.Estimator.Surge(r.Context(), req.JobType, req.Lat, req.Lng, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type fareRequest struct {
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	FareBaseSubtotal int64   `json:"fare_base_subtotal"`
}

type fareResponse struct {
	FareBase        int64   `json:"fare_base"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
	SurgeAmount     int64   `json:"surge_amount"`
	FareTotal       int64   `json:"fare_total"`
}

// Fare handles POST /rides/fare: applies the current surge multiplier at
// the pickup point to a ride's base fare.
func (h *PricingHandler) Fare(w http.ResponseWriter, r *http.Request) {
	var req fareRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.FareBaseSubtotal <= 0 {
		writeError(w, dispatcherr.New(dispatcherr.KindValidation, "fare_base_subtotal must be positive"))
		return
	}

	result, err := h.Estimator.Surge(r.Context(), model.JobRide, req.Lat, req.Lng, true)
	if err != nil {
		writeError(w, err)
		return
	}

	total, surgeAmount := model.AmountTotalFromSurge(req.FareBaseSubtotal, result.Multiplier)
	writeJSON(w, http.StatusOK, fareResponse{
		FareBase:        req.FareBaseSubtotal,
		SurgeMultiplier: result.Multiplier,
		SurgeAmount:     surgeAmount,
		FareTotal:       total,
	})
}
