package solver

import (
	"time"

	"github.com/google/uuid"

	"github.com/courierflow/dispatch/internal/routing"
	"github.com/courierflow/dispatch/pkg/models"
)

// Input is one region's matching problem: the pending orders, the drivers
// that may serve them, and the instant route schedules are walked from.
type Input struct {
	Orders  []*models.Order
	Drivers []*models.DriverState
	StartAt time.Time
}

// Route is one driver's planned stop sequence within a solution.
type Route struct {
	Driver    *models.DriverState
	Stops     []routing.Stop
	DistanceM float64
	DurationS float64
}

// Empty reports whether the route carries no stops.
func (r *Route) Empty() bool {
	return len(r.Stops) == 0
}

// Orders returns the distinct orders on the route in pickup order.
func (r *Route) Orders() []*models.Order {
	out := make([]*models.Order, 0, len(r.Stops)/2)
	for _, stop := range r.Stops {
		if stop.Type == models.StopTypePickup {
			out = append(out, stop.Order)
		}
	}
	return out
}

func (r *Route) capacity() int {
	return r.Driver.Driver.MaxConcurrent
}

func (r *Route) initialLoad() int {
	return r.Driver.ActiveLoad
}

func (r *Route) clone() *Route {
	stops := make([]routing.Stop, len(r.Stops))
	copy(stops, r.Stops)
	return &Route{
		Driver:    r.Driver,
		Stops:     stops,
		DistanceM: r.DistanceM,
		DurationS: r.DurationS,
	}
}

// Solution is a complete placement of orders onto driver routes plus the
// orders nothing could carry.
type Solution struct {
	Routes     []*Route
	Unassigned []*models.Order
}

// TravelSeconds is the summed travel time across routes.
func (s *Solution) TravelSeconds() float64 {
	var total float64
	for _, r := range s.Routes {
		total += r.DurationS
	}
	return total
}

// DistanceMeters is the summed travel distance across routes.
func (s *Solution) DistanceMeters() float64 {
	var total float64
	for _, r := range s.Routes {
		total += r.DistanceM
	}
	return total
}

// AssignedCount is the number of orders placed on some route.
func (s *Solution) AssignedCount() int {
	count := 0
	for _, r := range s.Routes {
		count += len(r.Stops) / 2
	}
	return count
}

// Cost is the optimisation objective: travel seconds plus a large penalty
// per unassigned order.
func (s *Solution) Cost(penaltySeconds float64) float64 {
	return s.TravelSeconds() + penaltySeconds*float64(len(s.Unassigned))
}

// Clone deep-copies the placement. Orders and drivers are shared; stop
// sequences are not.
func (s *Solution) Clone() *Solution {
	routes := make([]*Route, len(s.Routes))
	for i, r := range s.Routes {
		routes[i] = r.clone()
	}
	unassigned := make([]*models.Order, len(s.Unassigned))
	copy(unassigned, s.Unassigned)
	return &Solution{Routes: routes, Unassigned: unassigned}
}

// routeOf finds the route carrying the order, if any.
func (s *Solution) routeOf(orderID uuid.UUID) *Route {
	for _, r := range s.Routes {
		for _, stop := range r.Stops {
			if stop.Order.ID == orderID {
				return r
			}
		}
	}
	return nil
}

// assignedOrders lists every routed order once, route by route.
func (s *Solution) assignedOrders() []*models.Order {
	out := make([]*models.Order, 0, s.AssignedCount())
	for _, r := range s.Routes {
		out = append(out, r.Orders()...)
	}
	return out
}

func pickupCentroid(orders []*models.Order) models.Point {
	if len(orders) == 0 {
		return models.Point{}
	}
	var sumLat, sumLon float64
	for _, o := range orders {
		sumLat += o.PickupLat
		sumLon += o.PickupLon
	}
	n := float64(len(orders))
	return models.Point{Lat: sumLat / n, Lon: sumLon / n}
}
