// Package handler implements the HTTP surface: job
// dispatch, captain presence, cancellation, pricing preview, and the
// push-channel websocket upgrade. Handlers are thin — validation plus a
// single call into matcher/cancellation/pricing/ledger.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ridecore/dispatch/internal/dispatcherr"
	"github.com/ridecore/dispatch/internal/matcher"
	"github.com/ridecore/dispatch/internal/middleware"
	"github.com/ridecore/dispatch/internal/model"
	"github.com/ridecore/dispatch/pkg/metrics"
)

// jobStore is the subset of job persistence handlers read directly; the
// matcher owns every write to a job during dispatch.
type jobStore interface {
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
}

// captainStore is the subset of captain persistence the presence
// endpoints need.
type captainStore interface {
	GetCaptain(ctx context.Context, captainID string) (*model.Captain, error)
	SaveCaptain(ctx context.Context, c *model.Captain) error
}

// DispatchHandler serves /jobs/* and /captains/*.
type DispatchHandler struct {
	Match    *matcher.Matcher
	Jobs     jobStore
	Captains captainStore
}

// NewDispatchHandler constructs a DispatchHandler.
func NewDispatchHandler(match *matcher.Matcher, jobs jobStore, captains captainStore) *DispatchHandler {
	return &DispatchHandler{Match: match, Jobs: jobs, Captains: captains}
}

type jobRefRequest struct {
	JobType model.JobType `json:"job_type"`
	JobID   string        `json:"job_id"`
}

// CreateJob handles POST /jobs/create: resolves pickup and runs the full
// dispatch flow for a job the caller has already persisted in PLACED/
// REQUESTED state. The 201 response carries only job_id and job_status;
// the candidate pool the offer loop was seeded with is not included.
func (h *DispatchHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRefRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.JobID == "" {
		writeError(w, dispatcherr.New(dispatcherr.KindValidation, "job_id is required"))
		return
	}

	job, err := h.Jobs.GetJob(r.Context(), req.JobID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.Match.ResolvePickup(r.Context(), job); err != nil {
		writeError(w, err)
		return
	}
	if err := h.Match.Dispatch(r.Context(), job); err != nil {
		writeError(w, err)
		return
	}
	metrics.JobsCreated.WithLabelValues(string(job.Type)).Inc()

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id":     job.ID,
		"job_status": job.JobStatus,
	})
}

// AcceptJob handles POST /jobs/accept. Captain-only; the captain id comes
// from the authenticated JWT subject, never the request body.
func (h *DispatchHandler) AcceptJob(w http.ResponseWriter, r *http.Request) {
	var req jobRefRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	captainID, ok := callerSubject(w, r)
	if !ok {
		return
	}

	job, err := h.Match.Accept(r.Context(), req.JobID, captainID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

// RejectJob handles POST /jobs/reject.
func (h *DispatchHandler) RejectJob(w http.ResponseWriter, r *http.Request) {
	var req jobRefRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	captainID, ok := callerSubject(w, r)
	if !ok {
		return
	}

	if err := h.Match.Reject(r.Context(), req.JobID, captainID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rejected": true})
}

// CompleteJob handles POST /jobs/complete.
func (h *DispatchHandler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	var req jobRefRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	captainID, ok := callerSubject(w, r)
	if !ok {
		return
	}

	job, err := h.Match.Complete(r.Context(), req.JobID, captainID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

type onlineRequest struct {
	IsOnline bool `json:"is_online"`
}

// SetOnline handles POST /captains/online.
func (h *DispatchHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	captainID, ok := callerSubject(w, r)
	if !ok {
		return
	}

	cap, err := h.Captains.GetCaptain(r.Context(), captainID)
	if err != nil {
		writeError(w, err)
		return
	}
	cap.IsOnline = req.IsOnline
	if err := h.Captains.SaveCaptain(r.Context(), cap); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"is_online": cap.IsOnline})
}

type locationRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// UpdateLocation handles POST /captains/location, persisting the new
// point and fanning it out to whoever is riding/waiting on this captain.
func (h *DispatchHandler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	captainID, ok := callerSubject(w, r)
	if !ok {
		return
	}

	cap, err := h.Captains.GetCaptain(r.Context(), captainID)
	if err != nil {
		writeError(w, err)
		return
	}
	point := model.Point{Lat: req.Lat, Lng: req.Lng}
	h.Match.BroadcastLocation(r.Context(), cap, point)
	if err := h.Captains.SaveCaptain(r.Context(), cap); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"location": point})
}

// callerSubject extracts the authenticated caller id from request
// context claims set by middleware.Auth, writing an Unauthorized
// response and returning ok=false if absent.
func callerSubject(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok || claims.Subject == "" {
		writeError(w, dispatcherr.New(dispatcherr.KindUnauthorized, "no authenticated caller"))
		return "", false
	}
	return claims.Subject, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, dispatcherr.New(dispatcherr.KindValidation, "malformed request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dispatcherr.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": string(dispatcherr.KindOf(err))})
}
