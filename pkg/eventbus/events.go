package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// OrderCreatedData is emitted when a new delivery order enters the system.
// This contains all data needed by the matching service to trigger a cycle.
type OrderCreatedData struct {
	OrderID          uuid.UUID `json:"order_id"`
	PickupLatitude   float64   `json:"pickup_latitude"`
	PickupLongitude  float64   `json:"pickup_longitude"`
	PickupAddress    string    `json:"pickup_address"`
	DropoffLatitude  float64   `json:"dropoff_latitude"`
	DropoffLongitude float64   `json:"dropoff_longitude"`
	DropoffAddress   string    `json:"dropoff_address"`
	TimePreference   string    `json:"time_preference,omitempty"`
	BasePriority     int       `json:"base_priority"`
	CreatedAt        time.Time `json:"created_at"`
}

// OrderCancelledData is emitted when an order is cancelled.
type OrderCancelledData struct {
	OrderID     uuid.UUID `json:"order_id"`
	DriverID    uuid.UUID `json:"driver_id"` // zero if not yet assigned
	CancelledBy string    `json:"cancelled_by"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// AssignmentOfferedData is emitted when an order is offered to a driver.
type AssignmentOfferedData struct {
	AssignmentID     uuid.UUID `json:"assignment_id"`
	OrderID          uuid.UUID `json:"order_id"`
	DriverID         uuid.UUID `json:"driver_id"`
	Sequence         int       `json:"sequence"`
	OfferRound       int       `json:"offer_round"`
	PickupLatitude   float64   `json:"pickup_latitude"`
	PickupLongitude  float64   `json:"pickup_longitude"`
	DropoffLatitude  float64   `json:"dropoff_latitude"`
	DropoffLongitude float64   `json:"dropoff_longitude"`
	EstimatedPickup  time.Time `json:"estimated_pickup_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	OfferedAt        time.Time `json:"offered_at"`
}

// AssignmentAcceptedData is emitted when a driver accepts an offer.
type AssignmentAcceptedData struct {
	AssignmentID uuid.UUID `json:"assignment_id"`
	OrderID      uuid.UUID `json:"order_id"`
	DriverID     uuid.UUID `json:"driver_id"`
	OfferRound   int       `json:"offer_round"`
	AcceptedAt   time.Time `json:"accepted_at"`
}

// AssignmentRejectedData is emitted when a driver declines an offer.
// Consumers use it to re-queue the order for the next matching round.
type AssignmentRejectedData struct {
	AssignmentID       uuid.UUID `json:"assignment_id"`
	OrderID            uuid.UUID `json:"order_id"`
	DriverID           uuid.UUID `json:"driver_id"`
	Reason             string    `json:"reason,omitempty"`
	RejectionCount     int       `json:"rejection_count"`
	PriorityMultiplier float64   `json:"priority_multiplier"`
	RejectedAt         time.Time `json:"rejected_at"`
}

// AssignmentExpiredData is emitted when an offer times out unanswered.
type AssignmentExpiredData struct {
	AssignmentID uuid.UUID `json:"assignment_id"`
	OrderID      uuid.UUID `json:"order_id"`
	DriverID     uuid.UUID `json:"driver_id"`
	OfferRound   int       `json:"offer_round"`
	ExpiredAt    time.Time `json:"expired_at"`
}

// MatchingCycleCompletedData summarizes one full matching cycle.
type MatchingCycleCompletedData struct {
	SessionID       uuid.UUID `json:"session_id"`
	RoundsRun       int       `json:"rounds_run"`
	OrdersMatched   int       `json:"orders_matched"`
	OrdersAccepted  int       `json:"orders_accepted"`
	OrdersUnmatched int       `json:"orders_unmatched"`
	DriversEngaged  int       `json:"drivers_engaged"`
	Algorithm       string    `json:"algorithm"`
	DurationMS      int64     `json:"duration_ms"`
	CompletedAt     time.Time `json:"completed_at"`
}

// DraftSelectedData is emitted when the orchestrator picks a winning draft.
type DraftSelectedData struct {
	SessionID         uuid.UUID `json:"session_id"`
	DraftID           uuid.UUID `json:"draft_id"`
	Algorithm         string    `json:"algorithm"`
	TotalDistanceM    float64   `json:"total_distance_m"`
	TotalTravelSec    float64   `json:"total_travel_seconds"`
	AssignedOrders    int       `json:"assigned_orders"`
	UnassignedOrders  int       `json:"unassigned_orders"`
	CandidatesScored  int       `json:"candidates_scored"`
	ComputationTimeMS int64     `json:"computation_time_ms"`
	SelectedAt        time.Time `json:"selected_at"`
}

// DeliveryLegCompletedData is emitted when a driver finishes one leg of a
// route. The observer service persists it as a travel-time observation.
type DeliveryLegCompletedData struct {
	DriverID         uuid.UUID `json:"driver_id"`
	OrderID          uuid.UUID `json:"order_id"`
	FromLatitude     float64   `json:"from_latitude"`
	FromLongitude    float64   `json:"from_longitude"`
	ToLatitude       float64   `json:"to_latitude"`
	ToLongitude      float64   `json:"to_longitude"`
	PredictedSeconds float64   `json:"predicted_seconds"`
	ActualSeconds    float64   `json:"actual_seconds"`
	DistanceM        float64   `json:"distance_m"`
	HourOfDay        int       `json:"hour_of_day"`
	DayOfWeek        int       `json:"day_of_week"`
	CompletedAt      time.Time `json:"completed_at"`
}

// DriverLocationUpdatedData is emitted on significant location changes.
type DriverLocationUpdatedData struct {
	DriverID  uuid.UUID `json:"driver_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Heading   float64   `json:"heading"`
	Speed     float64   `json:"speed"`
	H3Cell    string    `json:"h3_cell"`
	Timestamp time.Time `json:"timestamp"`
}

// DriverStatusChangedData is emitted on driver availability transitions.
type DriverStatusChangedData struct {
	DriverID  uuid.UUID `json:"driver_id"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	ChangedAt time.Time `json:"changed_at"`
}
