package models

import (
	"time"

	"github.com/google/uuid"
)

// Draft algorithm tags.
const (
	AlgorithmSavings = "savings"
	AlgorithmALNS    = "alns"
)

// Constraint violation codes recorded on infeasible draft candidates.
const (
	ViolationPrecedence = "precedence_violated"
	ViolationCapacity   = "capacity_exceeded"
	ViolationRejection  = "rejected_driver"
	ViolationTiming     = "pickup_after_delivery"
)

// DraftGroup is one candidate solution produced during an optimisation run.
// All candidates of a run share a session id; exactly one ends up selected.
type DraftGroup struct {
	ID                  uuid.UUID   `json:"id" db:"id"`
	SessionID           uuid.UUID   `json:"session_id" db:"session_id"`
	Algorithm           string      `json:"algorithm" db:"algorithm"`
	TotalTravelSeconds  float64     `json:"total_travel_seconds" db:"total_travel_seconds"`
	TotalDistanceMeters float64     `json:"total_distance_meters" db:"total_distance_meters"`
	ComputationMS       int64       `json:"computation_ms" db:"computation_ms"`
	QualityScore        float64     `json:"quality_score" db:"quality_score"`
	ConstraintsViolated []string    `json:"constraints_violated" db:"constraints_violated"`
	IsSelected          bool        `json:"is_selected" db:"is_selected"`
	UnassignedOrderIDs  []uuid.UUID `json:"unassigned_order_ids,omitempty" db:"-"`
	CreatedAt           time.Time   `json:"created_at" db:"created_at"`

	Assignments []DraftAssignment `json:"assignments" db:"-"`
}

// Feasible reports whether the candidate violated no hard constraint.
func (g *DraftGroup) Feasible() bool {
	return len(g.ConstraintsViolated) == 0
}

// DraftAssignment is one (order, driver) placement inside a DraftGroup.
type DraftAssignment struct {
	ID                  uuid.UUID `json:"id" db:"id"`
	GroupID             uuid.UUID `json:"group_id" db:"group_id"`
	OrderID             uuid.UUID `json:"order_id" db:"order_id"`
	DriverID            uuid.UUID `json:"driver_id" db:"driver_id"`
	Sequence            int       `json:"sequence" db:"sequence"`
	EstimatedPickupAt   time.Time `json:"estimated_pickup_at" db:"estimated_pickup_at"`
	EstimatedDeliveryAt time.Time `json:"estimated_delivery_at" db:"estimated_delivery_at"`
	InsertionCost       float64   `json:"insertion_cost" db:"insertion_cost"`
	DistanceToPickupM   float64   `json:"distance_to_pickup_m" db:"distance_to_pickup_m"`
	DistanceToDeliveryM float64   `json:"distance_to_delivery_m" db:"distance_to_delivery_m"`
}
