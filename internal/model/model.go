// Package model contains the domain entities shared by every dispatch
// component. These map to the `jobs`, `captains`, and `ledger_entries`
// tables.
package model

import "time"

// ─── Enums ──────────────────────────────────────────────────

// JobType distinguishes a food-delivery order from a ride request. Both
// share the same candidate pool and offer/accept lifecycle.
type JobType string

const (
	JobOrder JobType = "ORDER"
	JobRide  JobType = "RIDE"
)

// JobStatus is the coarse dispatch phase, independent of the ORDER/RIDE
// status graph in package statemachine. It is what the matcher and
// candidate store reason about.
type JobStatus string

const (
	JobStatusNoLocation JobStatus = "NO_LOCATION"
	JobStatusSearching  JobStatus = "SEARCHING"
	JobStatusOffered    JobStatus = "OFFERED"
	JobStatusAssigned   JobStatus = "ASSIGNED"
	JobStatusRetrying   JobStatus = "RETRYING"
	JobStatusNoCaptain  JobStatus = "NO_CAPTAIN"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// Status is the lifecycle status tracked by package statemachine; the set
// of values differs between ORDER and RIDE jobs (see the order and ride
// status constants in package statemachine).
type Status string

// PaymentMode enumerates how a job's payment_amount is settled.
type PaymentMode string

const (
	PaymentRazorpay       PaymentMode = "RAZORPAY"
	PaymentCOD            PaymentMode = "COD" // ORDER only
	PaymentWallet         PaymentMode = "WALLET"
	PaymentWalletRazorpay PaymentMode = "WALLET_RAZORPAY"
)

// ActorRole identifies who initiated a cancellation or state transition.
type ActorRole string

const (
	ActorUser       ActorRole = "USER"
	ActorCaptain    ActorRole = "CAPTAIN"
	ActorRestaurant ActorRole = "RESTAURANT"
	ActorSystem     ActorRole = "SYSTEM"
	ActorAdmin      ActorRole = "ADMIN"
)

// LedgerAccount is one side of a double-entry ledger transaction.
type LedgerAccount string

const (
	AccountUserWallet       LedgerAccount = "USER_WALLET"
	AccountPlatformCash     LedgerAccount = "PLATFORM_CASH"
	AccountPlatformRevenue  LedgerAccount = "PLATFORM_REVENUE"
	AccountRestaurantPayout LedgerAccount = "RESTAURANT_PAYABLE"
	AccountCaptainPayable   LedgerAccount = "CAPTAIN_PAYABLE"
	AccountCustomerPayments LedgerAccount = "CUSTOMER_PAYMENTS"
)

// LedgerDirection is one leg's debit/credit sign.
type LedgerDirection string

const (
	DirectionDebit  LedgerDirection = "DEBIT"
	DirectionCredit LedgerDirection = "CREDIT"
)

// ReferenceType names what a LedgerTransaction is settling against.
type ReferenceType string

const (
	ReferenceWallet       ReferenceType = "WALLET"
	ReferenceOrder        ReferenceType = "ORDER"
	ReferenceRide         ReferenceType = "RIDE"
	ReferenceCancellation ReferenceType = "CANCELLATION"
	ReferencePayout       ReferenceType = "PAYOUT"
)

// ─── Geo ────────────────────────────────────────────────────

// Point is a WGS-84 geographic coordinate (EPSG:4326).
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// GeoJSONPoint is the GeoJSON encoding used on the wire and stored in
// PostGIS geography columns: {type:"Point", coordinates:[lng,lat]}.
type GeoJSONPoint struct {
	Type        string    `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// ToGeoJSON converts a Point to its GeoJSON wire form.
func (p Point) ToGeoJSON() GeoJSONPoint {
	return GeoJSONPoint{Type: "Point", Coordinates: [2]float64{p.Lng, p.Lat}}
}

// FromGeoJSON recovers a Point from a GeoJSON Point.
func FromGeoJSON(g GeoJSONPoint) Point {
	return Point{Lat: g.Coordinates[1], Lng: g.Coordinates[0]}
}

// ─── Job ────────────────────────────────────────────────────

// OfferRecord is the single live offer for a job, mirrored in C4 storage.
type OfferRecord struct {
	JobID      string    `json:"job_id"`
	CaptainID  string    `json:"captain_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// StatusTransition is one appended entry of a job's status_history.
type StatusTransition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// SLA carries the armed-timer deadlines for a job's lifecycle.
type SLA struct {
	CreatedAt time.Time  `json:"created_at"`
	AssignBy  time.Time  `json:"assign_by"`
	// DeliverBy applies to ORDER jobs, CompleteBy to RIDE jobs; exactly one
	// is set depending on Job.Type.
	DeliverBy  *time.Time `json:"deliver_by,omitempty"`
	CompleteBy *time.Time `json:"complete_by,omitempty"`
}

// Job is the tagged {ORDER, RIDE} unit of dispatch described in spec §3.
type Job struct {
	ID        string  `json:"id"`
	Type      JobType `json:"job_type"`
	UserID    string  `json:"user_id"`
	CaptainID *string `json:"captain_id,omitempty"`

	PickupPoint  Point  `json:"pickup_point"`
	DropoffPoint *Point `json:"dropoff_point,omitempty"` // RIDE only

	VehicleType *string `json:"vehicle_type,omitempty"`
	RestaurantID *string `json:"restaurant_id,omitempty"` // ORDER only

	AmountSubtotal   int64   `json:"amount_subtotal"`
	SurgeMultiplier  float64 `json:"surge_multiplier"`
	SurgeAmount      int64   `json:"surge_amount"`
	AmountTotal      int64   `json:"amount_total"`
	WalletAmount     int64   `json:"wallet_amount"`
	RewardRedeem     int64   `json:"reward_redeem_amount"`
	PaymentAmount    int64   `json:"payment_amount"`
	PaymentMode      PaymentMode `json:"payment_mode"`
	IsPaid           bool    `json:"is_paid"`
	RazorpayPaymentID *string `json:"razorpay_payment_id,omitempty"`

	Status    Status    `json:"status"`
	JobStatus JobStatus `json:"job_status"`

	CurrentOffer      *OfferRecord `json:"current_offer,omitempty"`
	JobAttempts       int          `json:"job_attempts"`
	RejectedCaptains  []string     `json:"rejected_captains"`
	MatchingRetryCount int         `json:"matching_retry_count"`

	SLA SLA `json:"sla"`

	StatusHistory []StatusTransition `json:"status_history"`

	Batched bool `json:"batched"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AmountTotalFromSurge computes amount_total = round(subtotal * multiplier)
// and the derived surge_amount, matching spec §3's invariant.
func AmountTotalFromSurge(subtotalPaise int64, multiplier float64) (total, surgeAmount int64) {
	total = int64(roundHalfAwayFromZero(float64(subtotalPaise) * multiplier))
	surgeAmount = total - subtotalPaise
	return total, surgeAmount
}

func roundHalfAwayFromZero(v float64) float64 {
	if v >= 0 {
		return float64(int64(v + 0.5))
	}
	return float64(int64(v - 0.5))
}

// ─── Captain ────────────────────────────────────────────────

// Captain maps to the `captains` table.
type Captain struct {
	UserID       string   `json:"user_id"`
	IsOnline     bool     `json:"is_online"`
	IsVerified   bool     `json:"is_verified"`
	IsBusy       bool     `json:"is_busy"`
	VehicleType  string   `json:"vehicle_type"`
	IsEV         bool     `json:"is_ev"`
	Location     Point    `json:"location"`
	CurrentJobID   *string  `json:"current_job_id,omitempty"`
	CurrentJobType *JobType `json:"current_job_type,omitempty"`
	BatchedOrderIDs []string `json:"batched_order_ids"`
	AverageRating float64 `json:"average_rating"`
	TotalRatings  int     `json:"total_ratings"`
	TotalTrips    int     `json:"total_trips"`
	Cancellations int     `json:"cancellations"`
	LastAssignedAt *time.Time `json:"last_assigned_at,omitempty"`
	LastSeen       time.Time  `json:"last_seen"`
	GoHomeMode     bool       `json:"go_home_mode"`
	HomeLocation   *Point     `json:"home_location,omitempty"`
}

// ─── Ledger ─────────────────────────────────────────────────

// LedgerEntry is one leg of a balanced double-entry monetary fact.
type LedgerEntry struct {
	UserID    *string         `json:"user_id,omitempty"`
	Account   LedgerAccount   `json:"account"`
	Direction LedgerDirection `json:"direction"`
	Amount    int64           `json:"amount"`
}

// LedgerTransaction groups the entries of one monetary fact. Invariant:
// sum of DEBIT amounts equals sum of CREDIT amounts.
type LedgerTransaction struct {
	ID            string        `json:"id"`
	ReferenceType ReferenceType `json:"reference_type"`
	ReferenceID   string        `json:"reference_id"`
	Entries       []LedgerEntry `json:"entries"`
	Amount        int64         `json:"amount"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Balanced reports whether the transaction's debits equal its credits.
func (t LedgerTransaction) Balanced() bool {
	var debit, credit int64
	for _, e := range t.Entries {
		switch e.Direction {
		case DirectionDebit:
			debit += e.Amount
		case DirectionCredit:
			credit += e.Amount
		}
	}
	return debit == credit
}

// ─── Cancellation ───────────────────────────────────────────

// Cancellation is the audit record for a terminated job plus its derived
// monetary effects.
type Cancellation struct {
	JobType      JobType   `json:"job_type"`
	JobID        string    `json:"job_id"`
	ActorID      string    `json:"actor_id"`
	ActorRole    ActorRole `json:"actor_role"`
	Reason       string    `json:"reason"`
	LateDelivery bool      `json:"late_delivery"`
	NoShow       bool      `json:"no_show"`
	RefundAmount  int64    `json:"refund_amount"`
	PenaltyAmount int64    `json:"penalty_amount"`
	CreatedAt    time.Time `json:"created_at"`
}
