package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus represents the status of a delivery order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOffered   OrderStatus = "offered"
	OrderStatusAssigned  OrderStatus = "assigned"
	OrderStatusPickedUp  OrderStatus = "picked_up"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// orderTransitions is the allowed status graph. Cancelled is reachable from
// any non-terminal state and is handled separately in CanTransitionTo.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:  {OrderStatusOffered},
	OrderStatusOffered:  {OrderStatusAssigned, OrderStatusPending},
	OrderStatusAssigned: {OrderStatusPickedUp, OrderStatusPending},
	OrderStatusPickedUp: {OrderStatusDelivered},
}

// IsTerminal reports whether no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// CanTransitionTo reports whether the status graph permits moving to next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if next == OrderStatusCancelled {
		return !s.IsTerminal()
	}
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order represents a delivery order in the system
type Order struct {
	ID                 uuid.UUID   `json:"id" db:"id"`
	PickupLon          float64     `json:"-" db:"pickup_lon"`
	PickupLat          float64     `json:"-" db:"pickup_lat"`
	DropoffLon         float64     `json:"-" db:"dropoff_lon"`
	DropoffLat         float64     `json:"-" db:"dropoff_lat"`
	RequestedDate      time.Time   `json:"requested_date" db:"requested_date"`
	TimePreference     *string     `json:"time_preference,omitempty" db:"time_preference"`
	BasePriority       int         `json:"base_priority" db:"base_priority"`
	PriorityMultiplier float64     `json:"priority_multiplier" db:"priority_multiplier"`
	RejectionCount     int         `json:"rejection_count" db:"rejection_count"`
	RejectedDriverIDs  []uuid.UUID `json:"rejected_driver_ids" db:"rejected_driver_ids"`
	Status             OrderStatus `json:"status" db:"status"`
	CancellationReason *string     `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at" db:"updated_at"`
	CancelledAt        *time.Time  `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// Pickup returns the pickup point.
func (o *Order) Pickup() Point {
	return Point{Lon: o.PickupLon, Lat: o.PickupLat}
}

// Dropoff returns the dropoff point.
func (o *Order) Dropoff() Point {
	return Point{Lon: o.DropoffLon, Lat: o.DropoffLat}
}

// EffectivePriority is the sort key for pending orders: base priority scaled
// by the rejection-boosted multiplier.
func (o *Order) EffectivePriority() float64 {
	return float64(o.BasePriority) * o.PriorityMultiplier
}

// HasRejected reports whether the driver is blacklisted for this order.
func (o *Order) HasRejected(driverID uuid.UUID) bool {
	for _, id := range o.RejectedDriverIDs {
		if id == driverID {
			return true
		}
	}
	return false
}

// CreateOrderRequest represents an order creation request
type CreateOrderRequest struct {
	Pickup         Point      `json:"pickup" binding:"required"`
	Dropoff        Point      `json:"dropoff" binding:"required"`
	RequestedDate  *time.Time `json:"requested_date,omitempty"`
	TimePreference *string    `json:"time_preference,omitempty" binding:"omitempty,oneof=morning afternoon evening"`
	Priority       int        `json:"priority" binding:"required,min=1,max=10"`
}

// CancelOrderRequest carries an optional cancellation reason
type CancelOrderRequest struct {
	Reason *string `json:"reason,omitempty" binding:"omitempty,max=500"`
}

// OrderResponse is an order with its pickup/dropoff expanded to API points
type OrderResponse struct {
	*Order
	Pickup            Point   `json:"pickup"`
	Dropoff           Point   `json:"dropoff"`
	EffectivePriority float64 `json:"effective_priority"`
}

// NewOrderResponse converts storage coordinates to the API payload shape.
func NewOrderResponse(o *Order) *OrderResponse {
	return &OrderResponse{
		Order:             o,
		Pickup:            o.Pickup(),
		Dropoff:           o.Dropoff(),
		EffectivePriority: o.EffectivePriority(),
	}
}
