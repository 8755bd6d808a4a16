package routing

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/courierflow/dispatch/internal/distance"
	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/models"
)

// Stop is the pickup or the delivery of one order.
type Stop struct {
	Type  models.StopType
	Order *models.Order
}

// Point returns the stop's location.
func (s Stop) Point() models.Point {
	if s.Type == models.StopTypePickup {
		return s.Order.Pickup()
	}
	return s.Order.Dropoff()
}

// Pickup and Delivery build the two stops of an order.
func Pickup(order *models.Order) Stop {
	return Stop{Type: models.StopTypePickup, Order: order}
}

func Delivery(order *models.Order) Stop {
	return Stop{Type: models.StopTypeDelivery, Order: order}
}

// Route is an ordered stop sequence with its traversal totals. Totals cover
// the legs from Start through every stop; service times are not included.
type Route struct {
	Start     models.Point
	Stops     []Stop
	DistanceM float64
	DurationS float64
}

// OrderIDs returns the distinct orders on the route in pickup order.
func (r *Route) OrderIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(r.Stops)/2)
	for _, stop := range r.Stops {
		if stop.Type == models.StopTypePickup {
			out = append(out, stop.Order.ID)
		}
	}
	return out
}

// Builder sequences pickup/delivery stops under precedence and
// concurrent-load constraints.
type Builder struct {
	oracle Oracle
}

// NewBuilder wires a route builder over a distance oracle.
func NewBuilder(oracle Oracle) *Builder {
	return &Builder{oracle: oracle}
}

// BuildRoute produces a feasible stop sequence for one driver by
// nearest-neighbour greedy: from the start location, repeatedly append the
// nearest feasible stop. A pickup is feasible while the concurrent load is
// below capacity; a delivery once its order has been picked up. Ties break
// by order id, then pickups before deliveries, so the walk is deterministic.
// A sequence position with no feasible stop means the order set cannot be
// carried by this driver.
func (b *Builder) BuildRoute(ctx context.Context, start models.Point, orders []*models.Order, capacity, initialLoad int) (*Route, error) {
	route := &Route{Start: start}
	if len(orders) == 0 {
		return route, nil
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: driver capacity %d", common.ErrCapacityExceeded, capacity)
	}

	pickedUp := make(map[uuid.UUID]bool, len(orders))
	delivered := make(map[uuid.UUID]bool, len(orders))
	load := initialLoad
	current := start

	total := 2 * len(orders)
	for len(route.Stops) < total {
		var (
			best    *Stop
			bestLeg *distance.Leg
		)
		for _, order := range orders {
			var candidate Stop
			switch {
			case !pickedUp[order.ID]:
				if load >= capacity {
					continue
				}
				candidate = Pickup(order)
			case !delivered[order.ID]:
				candidate = Delivery(order)
			default:
				continue
			}

			leg, err := b.oracle.Leg(ctx, current, candidate.Point())
			if err != nil {
				return nil, fmt.Errorf("failed to price candidate stop: %w", err)
			}
			if best == nil || lessStop(leg, candidate, bestLeg, *best) {
				c := candidate
				best = &c
				bestLeg = leg
			}
		}

		if best == nil {
			return nil, fmt.Errorf("%w: no feasible stop with %d orders in flight", common.ErrCapacityExceeded, load)
		}

		route.Stops = append(route.Stops, *best)
		route.DistanceM += bestLeg.DistanceM
		route.DurationS += bestLeg.DurationS
		current = best.Point()
		if best.Type == models.StopTypePickup {
			pickedUp[best.Order.ID] = true
			load++
		} else {
			delivered[best.Order.ID] = true
			load--
		}
	}

	return route, nil
}

// EvaluateSequence prices a fixed stop sequence and verifies it is feasible:
// no duplicate stops, every delivery after its pickup, load within capacity
// at every prefix, and no order left undelivered.
func (b *Builder) EvaluateSequence(ctx context.Context, start models.Point, stops []Stop, capacity, initialLoad int) (*Route, error) {
	route := &Route{Start: start, Stops: stops}

	pickedUp := make(map[uuid.UUID]bool, len(stops)/2)
	delivered := make(map[uuid.UUID]bool, len(stops)/2)
	load := initialLoad
	current := start

	for _, stop := range stops {
		switch stop.Type {
		case models.StopTypePickup:
			if pickedUp[stop.Order.ID] {
				return nil, fmt.Errorf("%w: order %s picked up twice", common.ErrPrecedenceViolated, stop.Order.ID)
			}
			if load >= capacity {
				return nil, fmt.Errorf("%w: load %d at capacity %d", common.ErrCapacityExceeded, load, capacity)
			}
			pickedUp[stop.Order.ID] = true
			load++
		case models.StopTypeDelivery:
			if !pickedUp[stop.Order.ID] || delivered[stop.Order.ID] {
				return nil, fmt.Errorf("%w: delivery of order %s out of order", common.ErrPrecedenceViolated, stop.Order.ID)
			}
			delivered[stop.Order.ID] = true
			load--
		default:
			return nil, fmt.Errorf("%w: unknown stop type %q", common.ErrPrecedenceViolated, stop.Type)
		}

		leg, err := b.oracle.Leg(ctx, current, stop.Point())
		if err != nil {
			return nil, fmt.Errorf("failed to price stop: %w", err)
		}
		route.DistanceM += leg.DistanceM
		route.DurationS += leg.DurationS
		current = stop.Point()
	}

	if len(delivered) != len(pickedUp) {
		return nil, fmt.Errorf("%w: %d orders picked up but only %d delivered",
			common.ErrPrecedenceViolated, len(pickedUp), len(delivered))
	}

	return route, nil
}

// lessStop orders candidate stops by leg distance, then order id, then
// pickups before deliveries.
func lessStop(aLeg *distance.Leg, a Stop, bLeg *distance.Leg, b Stop) bool {
	if aLeg.DistanceM != bLeg.DistanceM {
		return aLeg.DistanceM < bLeg.DistanceM
	}
	aID, bID := a.Order.ID.String(), b.Order.ID.String()
	if aID != bID {
		return aID < bID
	}
	return a.Type == models.StopTypePickup && b.Type == models.StopTypeDelivery
}
