package solver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/courierflow/dispatch/internal/routing"
	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/models"
)

// Constructor builds an initial placement with the Clarke-Wright savings
// heuristic adapted to pickup-and-delivery routes. Distances come from the
// same oracle the route builder prices legs with, so a pre-warmed cache
// makes construction purely in-memory.
type Constructor struct {
	builder *routing.Builder
	oracle  routing.Oracle
}

// NewConstructor creates a savings constructor on top of a route builder.
func NewConstructor(builder *routing.Builder, oracle routing.Oracle) *Constructor {
	return &Constructor{builder: builder, oracle: oracle}
}

// Build seeds one route per driver, deals orders round-robin, then merges
// routes in descending savings order while the merged route stays feasible
// for the absorbing driver.
func (c *Constructor) Build(ctx context.Context, input *Input) (*Solution, error) {
	if len(input.Orders) == 0 {
		return nil, common.ErrNoOrders
	}
	if len(input.Drivers) == 0 {
		return nil, common.ErrNoDrivers
	}

	sol := &Solution{Routes: make([]*Route, len(input.Drivers))}
	for i, driver := range input.Drivers {
		sol.Routes[i] = &Route{Driver: driver}
	}

	buckets, unassigned := c.seed(input)
	sol.Unassigned = unassigned

	byOrder := make(map[string]*Route, len(input.Orders))
	for i, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		if err := c.rebuild(ctx, sol.Routes[i], bucket); err != nil {
			return nil, err
		}
		for _, order := range bucket {
			byOrder[order.ID.String()] = sol.Routes[i]
		}
	}

	pairs, err := c.savings(ctx, input.Orders, byOrder)
	if err != nil {
		return nil, err
	}

	for _, pair := range pairs {
		r1 := byOrder[pair.i.ID.String()]
		r2 := byOrder[pair.j.ID.String()]
		if r1 == nil || r2 == nil || r1 == r2 {
			continue
		}
		if rejectsAny(r1.Driver, r2.Orders()) {
			continue
		}
		merged := append(r1.Orders(), r2.Orders()...)
		if err := c.rebuild(ctx, r1, merged); err != nil {
			if errors.Is(err, common.ErrCapacityExceeded) {
				continue
			}
			return nil, err
		}
		for _, order := range r2.Orders() {
			byOrder[order.ID.String()] = r1
		}
		r2.Stops, r2.DistanceM, r2.DurationS = nil, 0, 0
	}

	return sol, nil
}

// seed deals orders onto drivers round-robin. A driver is skipped when the
// order already rejected them or they have no concurrent headroom at all;
// orders no driver can take go to the unassigned pool.
func (c *Constructor) seed(input *Input) ([][]*models.Order, []*models.Order) {
	buckets := make([][]*models.Order, len(input.Drivers))
	var unassigned []*models.Order
	for k, order := range input.Orders {
		placed := false
		for offset := 0; offset < len(input.Drivers); offset++ {
			idx := (k + offset) % len(input.Drivers)
			driver := input.Drivers[idx]
			if driver.RemainingCapacity() == 0 || order.HasRejected(driver.Driver.ID) {
				continue
			}
			buckets[idx] = append(buckets[idx], order)
			placed = true
			break
		}
		if !placed {
			unassigned = append(unassigned, order)
		}
	}
	return buckets, unassigned
}

func (c *Constructor) rebuild(ctx context.Context, r *Route, orders []*models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	plan, err := c.builder.BuildRoute(ctx, r.Driver.Location, orders, r.capacity(), r.initialLoad())
	if err != nil {
		return err
	}
	r.Stops, r.DistanceM, r.DurationS = plan.Stops, plan.DistanceM, plan.DurationS
	return nil
}

type savingsPair struct {
	i, j   *models.Order
	saving float64
}

// savings ranks ordered routed pairs by how much distance chaining i's
// dropoff into j's pickup saves against serving both from the depot, the
// centroid of all pickups.
func (c *Constructor) savings(ctx context.Context, orders []*models.Order, byOrder map[string]*Route) ([]savingsPair, error) {
	depot := pickupCentroid(orders)

	fromDepot := make([]float64, len(orders))
	for i, order := range orders {
		leg, err := c.oracle.Leg(ctx, depot, order.Pickup())
		if err != nil {
			return nil, fmt.Errorf("failed to price depot leg: %w", err)
		}
		fromDepot[i] = leg.DistanceM
	}

	var pairs []savingsPair
	for i, oi := range orders {
		if byOrder[oi.ID.String()] == nil {
			continue
		}
		for j, oj := range orders {
			if i == j || byOrder[oj.ID.String()] == nil {
				continue
			}
			link, err := c.oracle.Leg(ctx, oi.Dropoff(), oj.Pickup())
			if err != nil {
				return nil, fmt.Errorf("failed to price savings leg: %w", err)
			}
			saving := fromDepot[i] + fromDepot[j] - link.DistanceM
			if saving <= 0 {
				continue
			}
			pairs = append(pairs, savingsPair{i: oi, j: oj, saving: saving})
		}
	}

	sort.SliceStable(pairs, func(a, b int) bool {
		if pairs[a].saving != pairs[b].saving {
			return pairs[a].saving > pairs[b].saving
		}
		if pairs[a].i.ID != pairs[b].i.ID {
			return pairs[a].i.ID.String() < pairs[b].i.ID.String()
		}
		return pairs[a].j.ID.String() < pairs[b].j.ID.String()
	})
	return pairs, nil
}

func rejectsAny(driver *models.DriverState, orders []*models.Order) bool {
	for _, order := range orders {
		if order.HasRejected(driver.Driver.ID) {
			return true
		}
	}
	return false
}
