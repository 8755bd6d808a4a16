package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/courierflow/dispatch/pkg/models"
)

// Service times spent at a stop before departing.
const (
	PickupServiceTime   = 5 * time.Minute
	DeliveryServiceTime = 3 * time.Minute
)

// ScheduledStop is a route stop with its walked arrival estimate and
// cumulative totals from the route start.
type ScheduledStop struct {
	Stop
	ETA                 time.Time
	DepartAt            time.Time
	CumulativeDistanceM float64
	CumulativeSeconds   float64
}

// Schedule walks a route from startAt: each stop's ETA adds the leg's travel
// duration to the previous departure, and the departure adds the service
// time for the stop type.
func (b *Builder) Schedule(ctx context.Context, route *Route, startAt time.Time) ([]ScheduledStop, error) {
	out := make([]ScheduledStop, 0, len(route.Stops))
	current := route.Start
	at := startAt
	var cumDistance float64

	for _, stop := range route.Stops {
		leg, err := b.oracle.Leg(ctx, current, stop.Point())
		if err != nil {
			return nil, fmt.Errorf("failed to schedule stop: %w", err)
		}

		cumDistance += leg.DistanceM
		eta := at.Add(time.Duration(leg.DurationS * float64(time.Second)))

		out = append(out, ScheduledStop{
			Stop:                stop,
			ETA:                 eta,
			DepartAt:            eta.Add(serviceTime(stop.Type)),
			CumulativeDistanceM: cumDistance,
			CumulativeSeconds:   eta.Sub(startAt).Seconds(),
		})

		at = eta.Add(serviceTime(stop.Type))
		current = stop.Point()
	}

	return out, nil
}

// OrderSchedule is the estimated service of one order on a walked route.
type OrderSchedule struct {
	PickupAt            time.Time
	DeliveryAt          time.Time
	DistanceToPickupM   float64
	DistanceToDeliveryM float64
}

// OrderSchedules folds a walked schedule into per-order estimates.
func OrderSchedules(schedule []ScheduledStop) map[uuid.UUID]*OrderSchedule {
	out := make(map[uuid.UUID]*OrderSchedule, len(schedule)/2)
	for _, stop := range schedule {
		entry, ok := out[stop.Order.ID]
		if !ok {
			entry = &OrderSchedule{}
			out[stop.Order.ID] = entry
		}
		if stop.Type == models.StopTypePickup {
			entry.PickupAt = stop.ETA
			entry.DistanceToPickupM = stop.CumulativeDistanceM
		} else {
			entry.DeliveryAt = stop.ETA
			entry.DistanceToDeliveryM = stop.CumulativeDistanceM
		}
	}
	return out
}

func serviceTime(t models.StopType) time.Duration {
	if t == models.StopTypePickup {
		return PickupServiceTime
	}
	return DeliveryServiceTime
}
