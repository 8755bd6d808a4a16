package solver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/courierflow/dispatch/internal/routing"
	"github.com/courierflow/dispatch/pkg/config"
	"github.com/courierflow/dispatch/pkg/geo"
	"github.com/courierflow/dispatch/pkg/models"
)

// Destroy and repair operators, indexed into the weight table.
const (
	destroyRandom = iota
	destroyWorst
	destroyRelated
	destroyOps
)

const (
	repairGreedy = iota
	repairRegret
	repairOps
)

const (
	coolingRate   = 0.995
	rewardFactor  = 1.5
	decayFactor   = 0.95
	weightCeiling = 5.0
)

// Improver refines a placement with adaptive large-neighbourhood search:
// rip a share of the orders out, reinsert them, accept or revert by
// simulated annealing, and steer operator choice towards what has been
// finding new bests.
type Improver struct {
	builder *routing.Builder
	oracle  routing.Oracle
	cfg     config.SolverConfig
	rng     *rand.Rand
	now     func() time.Time
}

// NewImprover creates an improver. A nil rng is seeded from the configured
// seed, or the clock when the seed is zero.
func NewImprover(builder *routing.Builder, oracle routing.Oracle, cfg config.SolverConfig, rng *rand.Rand) *Improver {
	if rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rng = rand.New(rand.NewSource(seed))
	}
	return &Improver{builder: builder, oracle: oracle, cfg: cfg, rng: rng, now: time.Now}
}

// Improve runs destroy/repair rounds until the time budget runs out or the
// search goes stale, and returns the best placement seen. The result is
// never worse than the input.
func (imp *Improver) Improve(ctx context.Context, initial *Solution, budget time.Duration) (*Solution, error) {
	if budget <= 0 {
		budget = 2 * time.Second
	}
	maxStale := imp.cfg.ALNSMaxStale
	if maxStale <= 0 {
		maxStale = 50
	}
	penalty := imp.cfg.UnassignedPenaltySeconds

	current := initial.Clone()
	best := initial.Clone()
	currentCost := current.Cost(penalty)
	bestCost := currentCost

	weights := newWeightTable(imp.rng)
	temperature := currentCost * 0.05
	if temperature <= 0 {
		temperature = 1
	}

	deadline := imp.now().Add(budget)
	stale := 0
	for stale < maxStale && imp.now().Before(deadline) && ctx.Err() == nil {
		destroyOp := weights.pickDestroy(imp.rng)
		repairOp := weights.pickRepair(imp.rng)

		candidate := current.Clone()
		removed, err := imp.destroy(ctx, candidate, destroyOp)
		if err != nil {
			return nil, err
		}
		if err := imp.repair(ctx, candidate, removed, repairOp); err != nil {
			return nil, err
		}

		candidateCost := candidate.Cost(penalty)
		improvedBest := candidateCost < bestCost
		if improvedBest {
			best = candidate.Clone()
			bestCost = candidateCost
			stale = 0
		} else {
			stale++
		}

		if imp.accept(candidateCost, currentCost, temperature) {
			current = candidate
			currentCost = candidateCost
		}

		weights.update(destroyOp, repairOp, improvedBest)
		temperature *= coolingRate
	}

	return best, nil
}

// accept takes every improvement and a worsening move with probability
// exp(-delta/T).
func (imp *Improver) accept(candidate, current, temperature float64) bool {
	if candidate < current {
		return true
	}
	if temperature <= 0 {
		return false
	}
	return imp.rng.Float64() < math.Exp((current-candidate)/temperature)
}

// ─── destroy ───

func (imp *Improver) destroy(ctx context.Context, sol *Solution, op int) ([]*models.Order, error) {
	assigned := sol.assignedOrders()
	if len(assigned) == 0 {
		return nil, nil
	}
	count := int(math.Ceil(imp.cfg.RemovalFraction * float64(len(assigned))))
	if count < 1 {
		count = 1
	}
	if count > len(assigned) {
		count = len(assigned)
	}

	var victims []*models.Order
	var err error
	switch op {
	case destroyWorst:
		victims, err = imp.worstOrders(ctx, sol, assigned, count)
	case destroyRelated:
		victims = imp.relatedOrders(assigned, count)
	default:
		victims = imp.randomOrders(assigned, count)
	}
	if err != nil {
		return nil, err
	}

	for _, order := range victims {
		if err := imp.remove(ctx, sol, order); err != nil {
			return nil, err
		}
	}
	return victims, nil
}

func (imp *Improver) randomOrders(assigned []*models.Order, count int) []*models.Order {
	perm := imp.rng.Perm(len(assigned))
	out := make([]*models.Order, count)
	for i := 0; i < count; i++ {
		out[i] = assigned[perm[i]]
	}
	return out
}

// worstOrders ranks routed orders by local insertion cost, the distance from
// the preceding stop to each of the order's stops plus the distance onward.
func (imp *Improver) worstOrders(ctx context.Context, sol *Solution, assigned []*models.Order, count int) ([]*models.Order, error) {
	costs := make(map[uuid.UUID]float64, len(assigned))
	for _, r := range sol.Routes {
		if r.Empty() {
			continue
		}
		points := make([]models.Point, 0, len(r.Stops)+1)
		points = append(points, r.Driver.Location)
		for _, stop := range r.Stops {
			points = append(points, stop.Point())
		}
		for k, stop := range r.Stops {
			in, err := imp.oracle.Leg(ctx, points[k], points[k+1])
			if err != nil {
				return nil, fmt.Errorf("failed to price removal candidate: %w", err)
			}
			cost := in.DistanceM
			if k+2 < len(points) {
				out, err := imp.oracle.Leg(ctx, points[k+1], points[k+2])
				if err != nil {
					return nil, fmt.Errorf("failed to price removal candidate: %w", err)
				}
				cost += out.DistanceM
			}
			costs[stop.Order.ID] += cost
		}
	}

	sorted := append([]*models.Order(nil), assigned...)
	sort.SliceStable(sorted, func(a, b int) bool {
		ca, cb := costs[sorted[a].ID], costs[sorted[b].ID]
		if ca != cb {
			return ca > cb
		}
		return sorted[a].ID.String() < sorted[b].ID.String()
	})
	return sorted[:count], nil
}

// relatedOrders removes the orders whose pickups sit closest to a randomly
// chosen seed order, straight-line for speed.
func (imp *Improver) relatedOrders(assigned []*models.Order, count int) []*models.Order {
	seed := assigned[imp.rng.Intn(len(assigned))]
	sorted := append([]*models.Order(nil), assigned...)
	sort.SliceStable(sorted, func(a, b int) bool {
		da := geo.HaversineM(seed.PickupLat, seed.PickupLon, sorted[a].PickupLat, sorted[a].PickupLon)
		db := geo.HaversineM(seed.PickupLat, seed.PickupLon, sorted[b].PickupLat, sorted[b].PickupLon)
		if da != db {
			return da < db
		}
		return sorted[a].ID.String() < sorted[b].ID.String()
	})
	return sorted[:count]
}

func (imp *Improver) remove(ctx context.Context, sol *Solution, order *models.Order) error {
	r := sol.routeOf(order.ID)
	if r == nil {
		return nil
	}
	kept := r.Stops[:0]
	for _, stop := range r.Stops {
		if stop.Order.ID != order.ID {
			kept = append(kept, stop)
		}
	}
	r.Stops = kept
	return imp.reprice(ctx, r)
}

// ─── repair ───

func (imp *Improver) repair(ctx context.Context, sol *Solution, removed []*models.Order, op int) error {
	pool := make([]*models.Order, 0, len(removed)+len(sol.Unassigned))
	pool = append(pool, removed...)
	pool = append(pool, sol.Unassigned...)
	sol.Unassigned = nil

	if op == repairRegret {
		return imp.repairRegret(ctx, sol, pool)
	}
	return imp.repairGreedy(ctx, sol, pool)
}

// repairGreedy places each order at its cheapest feasible position, in pool
// order.
func (imp *Improver) repairGreedy(ctx context.Context, sol *Solution, pool []*models.Order) error {
	for _, order := range pool {
		ins, _, err := imp.bestInsertion(ctx, sol, order)
		if err != nil {
			return err
		}
		if ins == nil {
			sol.Unassigned = append(sol.Unassigned, order)
			continue
		}
		if err := imp.apply(ctx, ins); err != nil {
			return err
		}
	}
	return nil
}

// repairRegret repeatedly places the order that would lose the most if it
// missed its best position, measured against its runner-up.
func (imp *Improver) repairRegret(ctx context.Context, sol *Solution, pool []*models.Order) error {
	remaining := append([]*models.Order(nil), pool...)
	for len(remaining) > 0 {
		bestIdx := -1
		var bestIns *insertion
		bestRegret := math.Inf(-1)
		for i, order := range remaining {
			ins, second, err := imp.bestInsertion(ctx, sol, order)
			if err != nil {
				return err
			}
			if ins == nil {
				continue
			}
			regret := second - ins.seconds
			if bestIdx == -1 || regret > bestRegret ||
				(regret == bestRegret && ins.seconds < bestIns.seconds) {
				bestIdx, bestIns, bestRegret = i, ins, regret
			}
		}
		if bestIdx == -1 {
			sol.Unassigned = append(sol.Unassigned, remaining...)
			return nil
		}
		if err := imp.apply(ctx, bestIns); err != nil {
			return err
		}
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return nil
}

// ─── insertion search ───

type insertion struct {
	route      *Route
	order      *models.Order
	pickupAt   int
	deliveryAt int
	seconds    float64
	meters     float64
}

// bestInsertion scans every feasible position across eligible routes and
// returns the cheapest one plus the runner-up cost. Routes whose driver the
// order has rejected are skipped. A nil insertion means nothing can take
// the order.
func (imp *Improver) bestInsertion(ctx context.Context, sol *Solution, order *models.Order) (*insertion, float64, error) {
	var best *insertion
	second := math.Inf(1)
	for _, r := range sol.Routes {
		ins, runner, err := imp.routeInsertions(ctx, r, order)
		if err != nil {
			return nil, 0, err
		}
		if ins == nil {
			continue
		}
		if best == nil || ins.seconds < best.seconds {
			if best != nil && best.seconds < runner {
				runner = best.seconds
			}
			if runner < second {
				second = runner
			}
			best = ins
		} else if ins.seconds < second {
			second = ins.seconds
		}
	}
	return best, second, nil
}

// routeInsertions finds the cheapest feasible pickup/delivery placement in
// one route and its runner-up cost within the same route.
func (imp *Improver) routeInsertions(ctx context.Context, r *Route, order *models.Order) (*insertion, float64, error) {
	if order.HasRejected(r.Driver.Driver.ID) {
		return nil, 0, nil
	}
	capacity := r.capacity()
	loads := prefixLoads(r)
	n := len(r.Stops)

	var best *insertion
	second := math.Inf(1)
	for pi := 0; pi <= n; pi++ {
		if loads[pi] >= capacity {
			continue
		}
		for di := pi; ; di++ {
			seconds, meters, err := imp.insertionCost(ctx, r, order, pi, di)
			if err != nil {
				return nil, 0, err
			}
			if best == nil || seconds < best.seconds {
				if best != nil && best.seconds < second {
					second = best.seconds
				}
				best = &insertion{route: r, order: order, pickupAt: pi, deliveryAt: di, seconds: seconds, meters: meters}
			} else if seconds < second {
				second = seconds
			}
			if di == n {
				break
			}
			// delivering later means the new order rides along past
			// stop di, which must not starve that pickup of capacity
			if r.Stops[di].Type == models.StopTypePickup && loads[di]+1 >= capacity {
				break
			}
		}
	}
	return best, second, nil
}

// insertionCost prices inserting the order's pickup before original stop
// index pi and its delivery before original stop index di, as the change in
// route duration and distance.
func (imp *Improver) insertionCost(ctx context.Context, r *Route, order *models.Order, pi, di int) (float64, float64, error) {
	pickup := order.Pickup()
	drop := order.Dropoff()
	n := len(r.Stops)

	pointBefore := func(idx int) models.Point {
		if idx == 0 {
			return r.Driver.Location
		}
		return r.Stops[idx-1].Point()
	}

	var seconds, meters float64
	add := func(from, to models.Point, sign float64) error {
		leg, err := imp.oracle.Leg(ctx, from, to)
		if err != nil {
			return fmt.Errorf("failed to price insertion: %w", err)
		}
		seconds += sign * leg.DurationS
		meters += sign * leg.DistanceM
		return nil
	}

	if pi == di {
		a := pointBefore(pi)
		if err := add(a, pickup, 1); err != nil {
			return 0, 0, err
		}
		if err := add(pickup, drop, 1); err != nil {
			return 0, 0, err
		}
		if pi < n {
			b := r.Stops[pi].Point()
			if err := add(drop, b, 1); err != nil {
				return 0, 0, err
			}
			if err := add(a, b, -1); err != nil {
				return 0, 0, err
			}
		}
		return seconds, meters, nil
	}

	a := pointBefore(pi)
	b := r.Stops[pi].Point()
	if err := add(a, pickup, 1); err != nil {
		return 0, 0, err
	}
	if err := add(pickup, b, 1); err != nil {
		return 0, 0, err
	}
	if err := add(a, b, -1); err != nil {
		return 0, 0, err
	}

	a2 := r.Stops[di-1].Point()
	if err := add(a2, drop, 1); err != nil {
		return 0, 0, err
	}
	if di < n {
		b2 := r.Stops[di].Point()
		if err := add(drop, b2, 1); err != nil {
			return 0, 0, err
		}
		if err := add(a2, b2, -1); err != nil {
			return 0, 0, err
		}
	}
	return seconds, meters, nil
}

func (imp *Improver) apply(ctx context.Context, ins *insertion) error {
	r := ins.route
	stops := make([]routing.Stop, 0, len(r.Stops)+2)
	stops = append(stops, r.Stops[:ins.pickupAt]...)
	stops = append(stops, routing.Pickup(ins.order))
	stops = append(stops, r.Stops[ins.pickupAt:ins.deliveryAt]...)
	stops = append(stops, routing.Delivery(ins.order))
	stops = append(stops, r.Stops[ins.deliveryAt:]...)
	r.Stops = stops
	return imp.reprice(ctx, r)
}

// reprice recomputes a route's totals from scratch, keeping accumulated
// float drift out of long searches.
func (imp *Improver) reprice(ctx context.Context, r *Route) error {
	if len(r.Stops) == 0 {
		r.DistanceM, r.DurationS = 0, 0
		return nil
	}
	plan, err := imp.builder.EvaluateSequence(ctx, r.Driver.Location, r.Stops, r.capacity(), r.initialLoad())
	if err != nil {
		return fmt.Errorf("failed to reprice route: %w", err)
	}
	r.DistanceM, r.DurationS = plan.DistanceM, plan.DurationS
	return nil
}

// prefixLoads returns the concurrent load before each stop position,
// including the slot past the last stop.
func prefixLoads(r *Route) []int {
	loads := make([]int, len(r.Stops)+1)
	loads[0] = r.initialLoad()
	for i, stop := range r.Stops {
		if stop.Type == models.StopTypePickup {
			loads[i+1] = loads[i] + 1
		} else {
			loads[i+1] = loads[i] - 1
		}
	}
	return loads
}

// ─── adaptive weights ───

// weightTable holds one weight per operator, nudged up when the pair that
// just ran found a new best and decayed otherwise.
type weightTable struct {
	destroy [destroyOps]float64
	repair  [repairOps]float64
}

func newWeightTable(rng *rand.Rand) *weightTable {
	w := &weightTable{}
	for i := range w.destroy {
		w.destroy[i] = 1.0 + 0.5*rng.Float64()
	}
	for i := range w.repair {
		w.repair[i] = 1.3 + 0.2*rng.Float64()
	}
	return w
}

func (w *weightTable) pickDestroy(rng *rand.Rand) int { return roulette(rng, w.destroy[:]) }
func (w *weightTable) pickRepair(rng *rand.Rand) int  { return roulette(rng, w.repair[:]) }

func (w *weightTable) update(destroyOp, repairOp int, improvedBest bool) {
	factor := decayFactor
	if improvedBest {
		factor = rewardFactor
	}
	w.destroy[destroyOp] = clampWeight(w.destroy[destroyOp] * factor)
	w.repair[repairOp] = clampWeight(w.repair[repairOp] * factor)
}

func clampWeight(v float64) float64 {
	if v > weightCeiling {
		return weightCeiling
	}
	return v
}

func roulette(rng *rand.Rand, weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	target := rng.Float64() * total
	for i, w := range weights {
		target -= w
		if target < 0 {
			return i
		}
	}
	return len(weights) - 1
}
