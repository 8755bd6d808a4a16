package matching

import (
	"time"

	"github.com/google/uuid"

	"github.com/courierflow/dispatch/pkg/models"
)

// CycleSummary is the dispatcher-facing result of one matching cycle.
type CycleSummary struct {
	CycleID         uuid.UUID      `json:"cycle_id"`
	Trigger         string         `json:"trigger"`
	RoundsRun       int            `json:"rounds_run"`
	OrdersMatched   int            `json:"orders_matched"`
	OrdersAccepted  int            `json:"orders_accepted"`
	OrdersUnmatched int            `json:"orders_unmatched"`
	DriversEngaged  int            `json:"drivers_engaged"`
	TotalDistanceM  float64        `json:"total_distance_m"`
	Routes          []RouteSummary `json:"routes"`
	ElapsedMS       int64          `json:"elapsed_ms"`
	CompletedAt     time.Time      `json:"completed_at"`
}

// RouteSummary is one driver's share of the final plan.
type RouteSummary struct {
	DriverID   uuid.UUID    `json:"driver_id"`
	OrderCount int          `json:"order_count"`
	DistanceM  float64      `json:"distance_m"`
	Stops      []StopDetail `json:"stops,omitempty"`
}

// StopDetail is the verbose per-order breakdown of a route.
type StopDetail struct {
	AssignmentID        uuid.UUID               `json:"assignment_id"`
	OrderID             uuid.UUID               `json:"order_id"`
	Sequence            int                     `json:"sequence"`
	Status              models.AssignmentStatus `json:"status"`
	EstimatedPickupAt   time.Time               `json:"estimated_pickup_at"`
	EstimatedDeliveryAt time.Time               `json:"estimated_delivery_at"`
	DistanceToPickupM   float64                 `json:"distance_to_pickup_m"`
	DistanceToDeliveryM float64                 `json:"distance_to_delivery_m"`
}

// BulkResult reports a bulk accept or reject over all offered assignments.
type BulkResult struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// stopRecord tracks one materialised offer through the cycle. Re-offers of
// the same order overwrite the previous record; the summary builder verifies
// each record against the store before reporting it.
type stopRecord struct {
	assignmentID        uuid.UUID
	orderID             uuid.UUID
	driverID            uuid.UUID
	sequence            int
	estimatedPickupAt   time.Time
	estimatedDeliveryAt time.Time
	distanceToPickupM   float64
	distanceToDeliveryM float64
}

// cycleState accumulates per-cycle bookkeeping across rounds.
type cycleState struct {
	id         uuid.UUID
	trigger    string
	startedAt  time.Time
	rounds     int
	stops      map[uuid.UUID]*stopRecord
	algorithms map[string]struct{}
}

func newCycleState(trigger string, startedAt time.Time) *cycleState {
	return &cycleState{
		id:         uuid.New(),
		trigger:    trigger,
		startedAt:  startedAt,
		stops:      make(map[uuid.UUID]*stopRecord),
		algorithms: make(map[string]struct{}),
	}
}

func (st *cycleState) track(a *models.Assignment, draft models.DraftAssignment) {
	st.stops[a.OrderID] = &stopRecord{
		assignmentID:        a.ID,
		orderID:             a.OrderID,
		driverID:            a.DriverID,
		sequence:            a.Sequence,
		estimatedPickupAt:   a.EstimatedPickupAt,
		estimatedDeliveryAt: a.EstimatedDeliveryAt,
		distanceToPickupM:   draft.DistanceToPickupM,
		distanceToDeliveryM: draft.DistanceToDeliveryM,
	}
}

// algorithm reports which strategy produced the cycle's winners: the single
// strategy when all regions agreed, "mixed" otherwise.
func (st *cycleState) algorithm() string {
	if len(st.algorithms) == 1 {
		for a := range st.algorithms {
			return a
		}
	}
	if len(st.algorithms) > 1 {
		return "mixed"
	}
	return "none"
}
