package solver

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/internal/routing"
	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/config"
	"github.com/courierflow/dispatch/pkg/logger"
	"github.com/courierflow/dispatch/pkg/models"
)

// Orchestrator produces k candidate drafts per matching run: one pure
// savings construction plus ALNS refinements of it under increasing time
// budgets. Candidates are validated, never discarded, and the cheapest
// feasible one wins.
type Orchestrator struct {
	builder *routing.Builder
	oracle  routing.Oracle
	cfg     config.SolverConfig
	seed    int64
	now     func() time.Time
}

// NewOrchestrator creates an orchestrator. A zero configured seed derives
// one from the clock; candidates then differ between runs but stay
// reproducible within one.
func NewOrchestrator(builder *routing.Builder, oracle routing.Oracle, cfg config.SolverConfig) *Orchestrator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Orchestrator{builder: builder, oracle: oracle, cfg: cfg, seed: seed, now: time.Now}
}

// GenerateCandidates builds, validates and ranks the candidate drafts for
// one region. It returns the winner and every candidate for persistence;
// when all candidates violate a hard constraint the winner is nil and the
// error is ErrNoFeasibleDraft.
func (o *Orchestrator) GenerateCandidates(ctx context.Context, input *Input) (*models.DraftGroup, []*models.DraftGroup, error) {
	k := o.cfg.Candidates
	if k <= 0 {
		k = 3
	}
	budgets := o.cfg.ALNSBudgets()
	sessionID := uuid.New()

	constructedAt := o.now()
	base, err := NewConstructor(o.builder, o.oracle).Build(ctx, input)
	if err != nil {
		return nil, nil, err
	}
	constructionTook := o.now().Sub(constructedAt)

	solutions := make([]*Solution, k)
	elapsed := make([]time.Duration, k)
	solutions[0] = base
	elapsed[0] = constructionTook

	// ALNS refinements run in parallel, each on its own PRNG stream so the
	// run stays reproducible for a fixed seed.
	var wg sync.WaitGroup
	var mu sync.Mutex
	var lastErr error
	for i := 1; i < k; i++ {
		budget := time.Duration(0)
		if len(budgets) > 0 {
			bi := i - 1
			if bi >= len(budgets) {
				bi = len(budgets) - 1
			}
			budget = budgets[bi]
		}
		wg.Add(1)
		go func(idx int, budget time.Duration) {
			defer wg.Done()
			startedAt := o.now()
			rng := rand.New(rand.NewSource(o.seed + int64(idx)))
			improved, err := NewImprover(o.builder, o.oracle, o.cfg, rng).Improve(ctx, base, budget)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				return
			}
			solutions[idx] = improved
			elapsed[idx] = constructionTook + o.now().Sub(startedAt)
		}(i, budget)
	}
	wg.Wait()
	if lastErr != nil {
		logger.WarnContext(ctx, "draft candidate improvement failed, continuing with fewer candidates",
			zap.String("session_id", sessionID.String()),
			zap.Error(lastErr))
	}

	groups := make([]*models.DraftGroup, 0, k)
	for i, sol := range solutions {
		if sol == nil {
			continue
		}
		algorithm := models.AlgorithmALNS
		if i == 0 {
			algorithm = models.AlgorithmSavings
		}
		group, err := o.materialise(ctx, sol, algorithm, sessionID, input, elapsed[i])
		if err != nil {
			logger.WarnContext(ctx, "failed to materialise draft candidate",
				zap.String("session_id", sessionID.String()),
				zap.String("algorithm", algorithm),
				zap.Error(err))
			continue
		}
		group.ConstraintsViolated = validate(sol, group)
		groups = append(groups, group)
	}
	if len(groups) == 0 {
		return nil, nil, common.ErrNoFeasibleDraft
	}

	winner := selectWinner(groups)
	if winner == nil {
		return nil, groups, common.ErrNoFeasibleDraft
	}
	winner.IsSelected = true
	return winner, groups, nil
}

// materialise turns a solution into a persistable draft group, walking each
// route's schedule for estimated pickup and delivery times.
func (o *Orchestrator) materialise(ctx context.Context, sol *Solution, algorithm string, sessionID uuid.UUID, input *Input, took time.Duration) (*models.DraftGroup, error) {
	group := &models.DraftGroup{
		ID:                  uuid.New(),
		SessionID:           sessionID,
		Algorithm:           algorithm,
		TotalTravelSeconds:  sol.TravelSeconds(),
		TotalDistanceMeters: sol.DistanceMeters(),
		ComputationMS:       took.Milliseconds(),
		CreatedAt:           o.now(),
	}
	if len(input.Orders) > 0 {
		group.QualityScore = float64(sol.AssignedCount()) / float64(len(input.Orders))
	}
	for _, order := range sol.Unassigned {
		group.UnassignedOrderIDs = append(group.UnassignedOrderIDs, order.ID)
	}

	startAt := input.StartAt
	if startAt.IsZero() {
		startAt = o.now()
	}
	for _, r := range sol.Routes {
		if r.Empty() {
			continue
		}
		plan := &routing.Route{Start: r.Driver.Location, Stops: r.Stops, DistanceM: r.DistanceM, DurationS: r.DurationS}
		schedule, err := o.builder.Schedule(ctx, plan, startAt)
		if err != nil {
			return nil, err
		}
		perOrder := routing.OrderSchedules(schedule)

		seq := 0
		for _, stop := range r.Stops {
			if stop.Type != models.StopTypePickup {
				continue
			}
			seq++
			times := perOrder[stop.Order.ID]
			cost, err := o.marginalCost(ctx, r, stop.Order.ID)
			if err != nil {
				return nil, err
			}
			group.Assignments = append(group.Assignments, models.DraftAssignment{
				ID:                  uuid.New(),
				GroupID:             group.ID,
				OrderID:             stop.Order.ID,
				DriverID:            r.Driver.Driver.ID,
				Sequence:            seq,
				EstimatedPickupAt:   times.PickupAt,
				EstimatedDeliveryAt: times.DeliveryAt,
				InsertionCost:       cost,
				DistanceToPickupM:   times.DistanceToPickupM,
				DistanceToDeliveryM: times.DistanceToDeliveryM,
			})
		}
	}
	return group, nil
}

// marginalCost is the travel seconds the route would shed if the order were
// dropped, the order's cost attribution within the final plan.
func (o *Orchestrator) marginalCost(ctx context.Context, r *Route, orderID uuid.UUID) (float64, error) {
	without := make([]routing.Stop, 0, len(r.Stops))
	for _, stop := range r.Stops {
		if stop.Order.ID != orderID {
			without = append(without, stop)
		}
	}
	if len(without) == 0 {
		return r.DurationS, nil
	}
	plan, err := o.builder.EvaluateSequence(ctx, r.Driver.Location, without, r.capacity(), r.initialLoad())
	if err != nil {
		return 0, err
	}
	return r.DurationS - plan.DurationS, nil
}

// validate re-checks every hard constraint on a finished candidate and
// returns the distinct violation codes found.
func validate(sol *Solution, group *models.DraftGroup) []string {
	seen := map[string]bool{}
	record := func(code string) {
		seen[code] = true
	}

	for _, r := range sol.Routes {
		if r.Empty() {
			continue
		}
		load := r.initialLoad()
		picked := map[uuid.UUID]bool{}
		dropped := map[uuid.UUID]bool{}
		for _, stop := range r.Stops {
			switch stop.Type {
			case models.StopTypePickup:
				if picked[stop.Order.ID] {
					record(models.ViolationPrecedence)
				}
				picked[stop.Order.ID] = true
				load++
				if load > r.capacity() {
					record(models.ViolationCapacity)
				}
			case models.StopTypeDelivery:
				if !picked[stop.Order.ID] || dropped[stop.Order.ID] {
					record(models.ViolationPrecedence)
				}
				dropped[stop.Order.ID] = true
				load--
			}
			if stop.Order.HasRejected(r.Driver.Driver.ID) {
				record(models.ViolationRejection)
			}
		}
		if len(picked) != len(dropped) {
			record(models.ViolationPrecedence)
		}
	}

	byDriver := map[uuid.UUID][]models.DraftAssignment{}
	for _, a := range group.Assignments {
		byDriver[a.DriverID] = append(byDriver[a.DriverID], a)
	}
	for _, assignments := range byDriver {
		sort.Slice(assignments, func(i, j int) bool { return assignments[i].Sequence < assignments[j].Sequence })
		for i, a := range assignments {
			if !a.EstimatedPickupAt.Before(a.EstimatedDeliveryAt) {
				record(models.ViolationTiming)
			}
			if i > 0 && a.EstimatedPickupAt.Before(assignments[i-1].EstimatedPickupAt) {
				record(models.ViolationTiming)
			}
		}
	}

	codes := make([]string, 0, len(seen))
	for code := range seen {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// selectWinner picks the feasible candidate with minimum travel time, ties
// broken by distance and then by draft id so reruns of the same session
// stay stable.
func selectWinner(groups []*models.DraftGroup) *models.DraftGroup {
	var winner *models.DraftGroup
	for _, g := range groups {
		if !g.Feasible() {
			continue
		}
		if winner == nil {
			winner = g
			continue
		}
		if g.TotalTravelSeconds != winner.TotalTravelSeconds {
			if g.TotalTravelSeconds < winner.TotalTravelSeconds {
				winner = g
			}
			continue
		}
		if g.TotalDistanceMeters != winner.TotalDistanceMeters {
			if g.TotalDistanceMeters < winner.TotalDistanceMeters {
				winner = g
			}
			continue
		}
		if g.ID.String() < winner.ID.String() {
			winner = g
		}
	}
	return winner
}
