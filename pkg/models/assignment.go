package models

import (
	"time"

	"github.com/google/uuid"
)

// AssignmentStatus represents the offer lifecycle state of an assignment
type AssignmentStatus string

const (
	AssignmentStatusOffered   AssignmentStatus = "offered"
	AssignmentStatusAccepted  AssignmentStatus = "accepted"
	AssignmentStatusRejected  AssignmentStatus = "rejected"
	AssignmentStatusExpired   AssignmentStatus = "expired"
	AssignmentStatusCompleted AssignmentStatus = "completed"
	AssignmentStatusCancelled AssignmentStatus = "cancelled"
)

// IsTerminal reports whether the assignment can never be offered again.
// Rejected and Expired rows stay live: a later round rebuilds them in place.
func (s AssignmentStatus) IsTerminal() bool {
	return s == AssignmentStatusCompleted || s == AssignmentStatusCancelled
}

// Rebuildable reports whether a new draft may update this row in place
// instead of inserting a fresh assignment.
func (s AssignmentStatus) Rebuildable() bool {
	return s == AssignmentStatusRejected || s == AssignmentStatusExpired
}

// TimeWindowMethod tags how a time window was derived
type TimeWindowMethod string

const (
	MethodSimpleHeuristic TimeWindowMethod = "simple_heuristic"
	MethodStochasticSAA   TimeWindowMethod = "stochastic_saa"
	MethodRobust          TimeWindowMethod = "distributionally_robust"
)

// TimeWindow is the arrival-window payload attached to an assignment at
// creation. It is written once and never mutated.
type TimeWindow struct {
	EarliestArrival      time.Time        `json:"earliest_arrival"`
	LatestArrival        time.Time        `json:"latest_arrival"`
	ExpectedArrival      time.Time        `json:"expected_arrival"`
	WidthSeconds         float64          `json:"width_seconds"`
	Confidence           float64          `json:"confidence"`
	ViolationProbability float64          `json:"violation_probability"`
	EarlinessPenalty     float64          `json:"earliness_penalty"`
	LatenessPenalty      float64          `json:"lateness_penalty"`
	Method               TimeWindowMethod `json:"method"`
	// SAA details, set only when Method == stochastic_saa.
	SampleCount   int     `json:"sample_count,omitempty"`
	StdDevSeconds float64 `json:"std_dev_seconds,omitempty"`
	CV            float64 `json:"cv,omitempty"`
}

// Assignment pairs an order with a driver at a sequence position in the
// driver's route. There is at most one non-terminal assignment per order.
type Assignment struct {
	ID                  uuid.UUID        `json:"id" db:"id"`
	OrderID             uuid.UUID        `json:"order_id" db:"order_id"`
	DriverID            uuid.UUID        `json:"driver_id" db:"driver_id"`
	Sequence            int              `json:"sequence" db:"sequence"`
	EstimatedPickupAt   time.Time        `json:"estimated_pickup_at" db:"estimated_pickup_at"`
	EstimatedDeliveryAt time.Time        `json:"estimated_delivery_at" db:"estimated_delivery_at"`
	Status              AssignmentStatus `json:"status" db:"status"`
	OfferExpiresAt      *time.Time       `json:"offer_expires_at,omitempty" db:"offer_expires_at"`
	OfferRound          int              `json:"offer_round" db:"offer_round"`
	RespondedAt         *time.Time       `json:"responded_at,omitempty" db:"responded_at"`
	RejectionReason     *string          `json:"rejection_reason,omitempty" db:"rejection_reason"`
	TimeWindow          *TimeWindow      `json:"time_window,omitempty" db:"time_window"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`
}

// RejectAssignmentRequest carries an optional rejection reason
type RejectAssignmentRequest struct {
	Reason *string `json:"reason,omitempty" binding:"omitempty,max=500"`
}

// StopType tags a route stop as the pickup or the delivery of an order
type StopType string

const (
	StopTypePickup   StopType = "pickup"
	StopTypeDelivery StopType = "delivery"
)

// RouteStop is one stop in a driver's route view, with cumulative totals
// walked from the driver's current position.
type RouteStop struct {
	Type                StopType  `json:"type"`
	OrderID             uuid.UUID `json:"order_id"`
	Point               Point     `json:"point"`
	Sequence            int       `json:"sequence"`
	CumulativeDistanceM float64   `json:"cumulative_distance_m"`
	CumulativeSeconds   float64   `json:"cumulative_seconds"`
	ETA                 time.Time `json:"eta"`
}

// DriverRoute is the accepted route of one driver
type DriverRoute struct {
	DriverID       uuid.UUID   `json:"driver_id"`
	Stops          []RouteStop `json:"stops"`
	TotalDistanceM float64     `json:"total_distance_m"`
	TotalSeconds   float64     `json:"total_seconds"`
	GeneratedAt    time.Time   `json:"generated_at"`
}
