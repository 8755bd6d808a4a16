package matching

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/internal/regions"
	"github.com/courierflow/dispatch/internal/solver"
	"github.com/courierflow/dispatch/pkg/async"
	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/config"
	"github.com/courierflow/dispatch/pkg/eventbus"
	"github.com/courierflow/dispatch/pkg/logger"
	"github.com/courierflow/dispatch/pkg/models"
	"github.com/courierflow/dispatch/pkg/tracing"
	"github.com/courierflow/dispatch/pkg/websocket"
)

const ordersConsumerName = "matching-orders"

// Deps wires the matching service to its collaborators.
type Deps struct {
	Orders     OrderSource
	Fleet      FleetSource
	Offers     OfferStore
	Responder  Responder
	Drafts     DraftStore
	Generator  CandidateGenerator
	Splitter   RegionSplitter
	Windows    WindowEstimator
	Hub        OfferNotifier
	Bus        Publisher
	Subscriber Subscriber
	Trigger    *Trigger
}

// Service runs the matching loop: it turns pending orders and dispatchable
// drivers into offered assignments, round by round, until every order is
// placed or the round cap is hit. At most one cycle is in flight at a time.
type Service struct {
	orders    OrderSource
	fleet     FleetSource
	offers    OfferStore
	responder Responder
	drafts    DraftStore
	generator CandidateGenerator
	splitter  RegionSplitter
	windows   WindowEstimator
	hub       OfferNotifier
	bus       Publisher
	sub       Subscriber
	trigger   *Trigger
	cfg       config.MatchingConfig

	mu        sync.Mutex
	now       func() time.Time
	randFloat func() float64
}

// NewService creates the matching service. A nil Trigger gets a fresh queue
// sized from the config.
func NewService(deps Deps, cfg config.MatchingConfig) *Service {
	if deps.Trigger == nil {
		deps.Trigger = NewTrigger(cfg.TriggerQueueSize)
	}
	return &Service{
		orders:    deps.Orders,
		fleet:     deps.Fleet,
		offers:    deps.Offers,
		responder: deps.Responder,
		drafts:    deps.Drafts,
		generator: deps.Generator,
		splitter:  deps.Splitter,
		windows:   deps.Windows,
		hub:       deps.Hub,
		bus:       deps.Bus,
		sub:       deps.Subscriber,
		trigger:   deps.Trigger,
		cfg:       cfg,
		now:       time.Now,
		randFloat: rand.Float64,
	}
}

// Trigger returns the queue other services use to request a cycle.
func (s *Service) Trigger() *Trigger {
	return s.trigger
}

// Start launches the matching worker and the stale-offer sweeper, and
// subscribes to order-created events. Everything stops with ctx.
func (s *Service) Start(ctx context.Context) error {
	if s.sub != nil {
		if err := s.sub.Subscribe(ctx, eventbus.SubjectOrderCreated, ordersConsumerName, s.handleOrderCreated); err != nil {
			return fmt.Errorf("failed to subscribe to order-created events: %w", err)
		}
	}

	async.Go(ctx, "matching-worker", s.runWorker)
	async.Go(ctx, "offer-expiry-sweeper", s.runSweeper)
	return nil
}

// handleOrderCreated nudges the loop. The payload does not matter: any new
// order means the next cycle should run, and a full queue is fine because a
// queued cycle re-reads the whole pending pool.
func (s *Service) handleOrderCreated(_ context.Context, _ *eventbus.Event) error {
	s.trigger.Enqueue("order_created_event")
	return nil
}

func (s *Service) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-s.trigger.C():
			if _, err := s.RunCycle(ctx, reason); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.ErrorContext(ctx, "matching cycle failed",
					zap.String("trigger", reason),
					zap.Error(err))
			}
		}
	}
}

func (s *Service) runSweeper(ctx context.Context) {
	interval := s.cfg.ExpirySweepInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.SweepExpired(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "stale-offer sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				s.trigger.Enqueue("offers_expired")
			}
		}
	}
}

// RunCycle executes one matching cycle, waiting for any cycle already in
// flight to finish first.
func (s *Service) RunCycle(ctx context.Context, reason string) (*CycleSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle(ctx, reason)
}

// TryRunCycle executes one matching cycle unless another is already in
// flight, in which case it fails fast with a conflict.
func (s *Service) TryRunCycle(ctx context.Context, reason string) (*CycleSummary, error) {
	if !s.mu.TryLock() {
		return nil, common.NewConflictError("a matching cycle is already in flight")
	}
	defer s.mu.Unlock()
	return s.cycle(ctx, reason)
}

func (s *Service) cycle(ctx context.Context, reason string) (*CycleSummary, error) {
	st := newCycleState(reason, s.now().UTC())

	ctx, span := tracing.Start(ctx, "matching.cycle",
		tracing.CycleIDKey.String(st.id.String()),
		tracing.TriggerKey.String(reason))
	defer span.End()

	logger.InfoContext(ctx, "matching cycle started",
		zap.String("cycle_id", st.id.String()),
		zap.String("trigger", reason))

	// Candidate plans from earlier runs are history; the audit trail restarts
	// with this cycle.
	if err := s.drafts.ResetAll(ctx); err != nil {
		err = common.NewInternalError("failed to reset draft plans", err)
		tracing.Fail(span, err)
		return nil, err
	}

	maxRounds := s.cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 5
	}

	for round := 1; round <= maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			tracing.Fail(span, err)
			return nil, err
		}
		again, err := s.runRound(ctx, st, round)
		if err != nil {
			tracing.Fail(span, err)
			return nil, err
		}
		if !again {
			break
		}
	}

	summary, err := s.buildSummary(ctx, st)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(
		tracing.RoundsKey.Int(summary.RoundsRun),
		tracing.OrdersMatchedKey.Int(summary.OrdersMatched))
	s.publishCycleCompleted(ctx, st, summary)

	logger.InfoContext(ctx, "matching cycle completed",
		zap.String("cycle_id", st.id.String()),
		zap.Int("rounds_run", summary.RoundsRun),
		zap.Int("orders_matched", summary.OrdersMatched),
		zap.Int("orders_accepted", summary.OrdersAccepted),
		zap.Int("orders_unmatched", summary.OrdersUnmatched),
		zap.Int64("elapsed_ms", summary.ElapsedMS))
	return summary, nil
}

// runRound executes one matching round and reports whether another round is
// needed: true when any offer came back rejected or expired.
func (s *Service) runRound(ctx context.Context, st *cycleState, round int) (bool, error) {
	roundStart := s.now().UTC()

	pending, err := s.orders.ListPending(ctx)
	if err != nil {
		return false, common.NewInternalError("failed to list pending orders", err)
	}
	fleet, err := s.fleet.ListDispatchable(ctx)
	if err != nil {
		return false, common.NewInternalError("failed to list dispatchable drivers", err)
	}
	if len(pending) == 0 || len(fleet) == 0 {
		logger.InfoContext(ctx, "nothing to match",
			zap.String("cycle_id", st.id.String()),
			zap.Int("round", round),
			zap.Int("pending_orders", len(pending)),
			zap.Int("dispatchable_drivers", len(fleet)))
		return false, nil
	}

	st.rounds = round

	// Outstanding offers go back to the pool so this round's draft can
	// recompute sequences over the full picture. Rejected and expired rows
	// are rebuilt in place instead.
	reverted, err := s.offers.RevertAllOffered(ctx, s.now().UTC())
	if err != nil {
		return false, common.NewInternalError("failed to revert outstanding offers", err)
	}
	if reverted > 0 {
		logger.InfoContext(ctx, "reverted outstanding offers",
			zap.String("cycle_id", st.id.String()),
			zap.Int64("reverted", reverted))
		pending, err = s.orders.ListPending(ctx)
		if err != nil {
			return false, common.NewInternalError("failed to list pending orders", err)
		}
	}

	offers := s.dispatchRound(ctx, st, round, pending, fleet, roundStart)

	if len(offers) > 0 {
		if s.cfg.SimulationMode {
			s.simulateResponses(ctx, offers)
		} else if window := s.cfg.ResponseWindow(); window > 0 {
			timer := time.NewTimer(window)
			select {
			case <-ctx.Done():
				timer.Stop()
				return false, ctx.Err()
			case <-timer.C:
			}
		}
	}

	if _, err := s.SweepExpired(ctx); err != nil {
		logger.WarnContext(ctx, "mid-round expiry sweep failed", zap.Error(err))
	}

	counts, err := s.offers.CountOutcomesSince(ctx, roundStart)
	if err != nil {
		return false, common.NewInternalError("failed to count round outcomes", err)
	}
	rejected := counts[models.AssignmentStatusRejected]
	expired := counts[models.AssignmentStatusExpired]

	logger.InfoContext(ctx, "matching round finished",
		zap.String("cycle_id", st.id.String()),
		zap.Int("round", round),
		zap.Int("offers_made", len(offers)),
		zap.Int("accepted", counts[models.AssignmentStatusAccepted]),
		zap.Int("rejected", rejected),
		zap.Int("expired", expired))

	return rejected > 0 || expired > 0, nil
}

// dispatchRound partitions the pool, drafts each region in parallel and
// materialises the winners. It returns the offers actually created.
func (s *Service) dispatchRound(ctx context.Context, st *cycleState, round int, pending []*models.Order, fleet []*models.DriverState, startAt time.Time) []*models.Assignment {
	split := s.splitter.Partition(pending, fleet)

	type regionResult struct {
		winner *models.DraftGroup
		groups []*models.DraftGroup
	}
	results := make([]regionResult, len(split))

	// Regions are independent, so their drafts run in parallel. Each
	// goroutine writes only its own slot.
	var wg sync.WaitGroup
	for i, region := range split {
		if len(region.Drivers) == 0 {
			logger.DebugContext(ctx, "region has no drivers, skipping",
				zap.Int("region", region.Index),
				zap.Int("orders", len(region.Orders)))
			continue
		}
		wg.Add(1)
		go func(i int, region *regions.Region) {
			defer wg.Done()
			winner, groups, err := s.generator.GenerateCandidates(ctx, &solver.Input{
				Orders:  region.Orders,
				Drivers: region.Drivers,
				StartAt: startAt,
			})
			if err != nil {
				if errors.Is(err, common.ErrNoFeasibleDraft) {
					logger.WarnContext(ctx, "no feasible draft for region",
						zap.Int("region", region.Index),
						zap.Int("orders", len(region.Orders)))
				} else {
					logger.ErrorContext(ctx, "draft generation failed for region",
						zap.Int("region", region.Index),
						zap.Error(err))
				}
			}
			results[i] = regionResult{winner: winner, groups: groups}
		}(i, region)
	}
	wg.Wait()

	var all []*models.DraftGroup
	for _, res := range results {
		all = append(all, res.groups...)
	}
	if len(all) > 0 {
		// Draft persistence is an audit trail; losing it does not stop
		// dispatch.
		if err := s.drafts.SaveCandidates(ctx, all); err != nil {
			logger.WarnContext(ctx, "failed to persist draft candidates", zap.Error(err))
		}
	}

	byID := make(map[uuid.UUID]*models.Order, len(pending))
	for _, o := range pending {
		byID[o.ID] = o
	}

	var offers []*models.Assignment
	for _, res := range results {
		if res.winner == nil {
			continue
		}
		if err := s.drafts.MarkSelected(ctx, res.winner.SessionID, res.winner.ID); err != nil {
			logger.WarnContext(ctx, "failed to mark winning draft",
				zap.String("session_id", res.winner.SessionID.String()),
				zap.Error(err))
		}
		st.algorithms[res.winner.Algorithm] = struct{}{}
		s.publishDraftSelected(ctx, res.winner, len(res.groups))
		offers = append(offers, s.materialise(ctx, st, round, res.winner, byID)...)
	}
	return offers
}

// materialise turns the winning draft's placements into live offers
// stamped with the round that produced them.
func (s *Service) materialise(ctx context.Context, st *cycleState, round int, winner *models.DraftGroup, orders map[uuid.UUID]*models.Order) []*models.Assignment {
	now := s.now().UTC()
	expiresAt := now.Add(s.cfg.OfferTTL())

	var offered []*models.Assignment
	for _, draft := range winner.Assignments {
		order, ok := orders[draft.OrderID]
		if !ok {
			continue
		}

		a := &models.Assignment{
			ID:                  uuid.New(),
			OrderID:             draft.OrderID,
			DriverID:            draft.DriverID,
			Sequence:            draft.Sequence,
			EstimatedPickupAt:   draft.EstimatedPickupAt,
			EstimatedDeliveryAt: draft.EstimatedDeliveryAt,
			OfferExpiresAt:      &expiresAt,
			OfferRound:          round,
		}
		if s.windows != nil {
			travelSeconds := draft.EstimatedDeliveryAt.Sub(draft.EstimatedPickupAt).Seconds()
			a.TimeWindow = s.windows.Window(ctx, order.Pickup(), order.Dropoff(), draft.EstimatedDeliveryAt, travelSeconds)
		}

		ok, err := s.offerAssignment(ctx, a, expiresAt)
		if err != nil {
			logger.ErrorContext(ctx, "failed to offer assignment",
				zap.String("order_id", draft.OrderID.String()),
				zap.String("driver_id", draft.DriverID.String()),
				zap.Error(err))
			continue
		}
		if !ok {
			// Lost a race: the order moved, the driver is blacklisted, or a
			// live assignment already exists. The next round picks it up.
			logger.DebugContext(ctx, "offer precondition failed, skipping order",
				zap.String("order_id", draft.OrderID.String()),
				zap.String("driver_id", draft.DriverID.String()))
			continue
		}

		st.track(a, draft)
		s.pushOffer(order, a)
		s.publishOffered(ctx, order, a)
		offered = append(offered, a)
	}
	return offered
}

// offerAssignment reuses the order's rejected or expired assignment row when
// one exists, otherwise it inserts a fresh one.
func (s *Service) offerAssignment(ctx context.Context, a *models.Assignment, expiresAt time.Time) (bool, error) {
	existing, err := s.offers.LatestByOrder(ctx, a.OrderID)
	if err != nil {
		return false, fmt.Errorf("failed to load latest assignment: %w", err)
	}
	if existing != nil && existing.Status.Rebuildable() {
		a.ID = existing.ID
		return s.offers.RebuildRejected(ctx, a, expiresAt)
	}
	return s.offers.CreateOffered(ctx, a)
}

// simulateResponses answers each offer synchronously, accepting with the
// configured probability. At least one offer per round is accepted so a
// closed simulation always makes progress.
func (s *Service) simulateResponses(ctx context.Context, offers []*models.Assignment) {
	accepts := make([]bool, len(offers))
	anyAccept := false
	for i := range offers {
		accepts[i] = s.randFloat() < s.cfg.SimulationAcceptProb
		anyAccept = anyAccept || accepts[i]
	}
	if !anyAccept && len(offers) > 0 {
		accepts[0] = true
	}

	reason := "simulated rejection"
	for i, a := range offers {
		if accepts[i] {
			if _, err := s.responder.Accept(ctx, a.ID, a.DriverID); err != nil {
				logger.WarnContext(ctx, "simulated accept failed",
					zap.String("assignment_id", a.ID.String()),
					zap.Error(err))
			}
			continue
		}
		if _, err := s.responder.RejectWithoutTrigger(ctx, a.ID, a.DriverID, &reason); err != nil {
			logger.WarnContext(ctx, "simulated reject failed",
				zap.String("assignment_id", a.ID.String()),
				zap.Error(err))
		}
	}
}

// SweepExpired expires offers past their deadline, boosting their orders for
// the next round. Idempotent and safe to run alongside a cycle.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	outcomes, err := s.offers.ExpireStale(ctx, s.now().UTC())
	if err != nil {
		return 0, common.NewInternalError("failed to expire stale offers", err)
	}
	for _, outcome := range outcomes {
		s.publishExpired(ctx, outcome.Assignment)
	}
	return len(outcomes), nil
}

// AcceptAll accepts every outstanding offer. Testing utility.
func (s *Service) AcceptAll(ctx context.Context) (*BulkResult, error) {
	offers, err := s.offers.ListOffered(ctx)
	if err != nil {
		return nil, common.NewInternalError("failed to list offered assignments", err)
	}

	result := &BulkResult{Total: len(offers)}
	for _, a := range offers {
		if _, err := s.responder.Accept(ctx, a.ID, a.DriverID); err != nil {
			logger.WarnContext(ctx, "bulk accept failed",
				zap.String("assignment_id", a.ID.String()),
				zap.Error(err))
			result.Failed++
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

// RejectAll declines every outstanding offer, then queues a single matching
// cycle for the returned orders instead of one per rejection.
func (s *Service) RejectAll(ctx context.Context, reason *string) (*BulkResult, error) {
	offers, err := s.offers.ListOffered(ctx)
	if err != nil {
		return nil, common.NewInternalError("failed to list offered assignments", err)
	}

	result := &BulkResult{Total: len(offers)}
	for _, a := range offers {
		if _, err := s.responder.RejectWithoutTrigger(ctx, a.ID, a.DriverID, reason); err != nil {
			logger.WarnContext(ctx, "bulk reject failed",
				zap.String("assignment_id", a.ID.String()),
				zap.Error(err))
			result.Failed++
			continue
		}
		result.Succeeded++
	}
	if result.Succeeded > 0 {
		s.trigger.Enqueue("bulk_reject")
	}
	return result, nil
}

// buildSummary reports the cycle's final plan. Tracked offers are verified
// against the store first: a driver may have rejected one after its round's
// window closed, and only offers still live belong in the summary.
func (s *Service) buildSummary(ctx context.Context, st *cycleState) (*CycleSummary, error) {
	completedAt := s.now().UTC()

	stopsByDriver := make(map[uuid.UUID][]StopDetail)
	accepted := 0
	for orderID, rec := range st.stops {
		latest, err := s.offers.LatestByOrder(ctx, orderID)
		if err != nil {
			return nil, common.NewInternalError("failed to verify assignment outcome", err)
		}
		if latest == nil || latest.ID != rec.assignmentID {
			continue
		}
		if latest.Status != models.AssignmentStatusOffered && latest.Status != models.AssignmentStatusAccepted {
			continue
		}
		if latest.Status == models.AssignmentStatusAccepted {
			accepted++
		}
		stopsByDriver[rec.driverID] = append(stopsByDriver[rec.driverID], StopDetail{
			AssignmentID:        rec.assignmentID,
			OrderID:             rec.orderID,
			Sequence:            rec.sequence,
			Status:              latest.Status,
			EstimatedPickupAt:   rec.estimatedPickupAt,
			EstimatedDeliveryAt: rec.estimatedDeliveryAt,
			DistanceToPickupM:   rec.distanceToPickupM,
			DistanceToDeliveryM: rec.distanceToDeliveryM,
		})
	}

	routes := make([]RouteSummary, 0, len(stopsByDriver))
	matched := 0
	totalDistance := 0.0
	for driverID, stops := range stopsByDriver {
		sort.Slice(stops, func(i, j int) bool {
			if stops[i].Sequence != stops[j].Sequence {
				return stops[i].Sequence < stops[j].Sequence
			}
			return stops[i].EstimatedPickupAt.Before(stops[j].EstimatedPickupAt)
		})
		distance := 0.0
		for _, stop := range stops {
			distance += stop.DistanceToPickupM + stop.DistanceToDeliveryM
		}
		matched += len(stops)
		totalDistance += distance
		routes = append(routes, RouteSummary{
			DriverID:   driverID,
			OrderCount: len(stops),
			DistanceM:  distance,
			Stops:      stops,
		})
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].DriverID.String() < routes[j].DriverID.String()
	})

	pendingAfter, err := s.orders.ListPending(ctx)
	if err != nil {
		return nil, common.NewInternalError("failed to list pending orders", err)
	}

	return &CycleSummary{
		CycleID:         st.id,
		Trigger:         st.trigger,
		RoundsRun:       st.rounds,
		OrdersMatched:   matched,
		OrdersAccepted:  accepted,
		OrdersUnmatched: len(pendingAfter),
		DriversEngaged:  len(routes),
		TotalDistanceM:  totalDistance,
		Routes:          routes,
		ElapsedMS:       completedAt.Sub(st.startedAt).Milliseconds(),
		CompletedAt:     completedAt,
	}, nil
}

// ─── websocket + event fan-out ─────────────────────────────────────────────────

func (s *Service) pushOffer(order *models.Order, a *models.Assignment) {
	if s.hub == nil {
		return
	}

	var expiresAt time.Time
	if a.OfferExpiresAt != nil {
		expiresAt = *a.OfferExpiresAt
	}
	msg := &websocket.Message{
		Type:      "assignment.offer",
		OrderID:   a.OrderID.String(),
		DriverID:  a.DriverID.String(),
		Timestamp: s.now().UTC(),
		Data: map[string]interface{}{
			"assignment_id":         a.ID.String(),
			"sequence":              a.Sequence,
			"offer_round":           a.OfferRound,
			"pickup":                order.Pickup(),
			"dropoff":               order.Dropoff(),
			"estimated_pickup_at":   a.EstimatedPickupAt,
			"estimated_delivery_at": a.EstimatedDeliveryAt,
			"expires_at":            expiresAt,
			"time_window":           a.TimeWindow,
		},
	}
	s.hub.SendToDriver(a.DriverID.String(), msg)
}

func (s *Service) publishOffered(ctx context.Context, order *models.Order, a *models.Assignment) {
	var expiresAt time.Time
	if a.OfferExpiresAt != nil {
		expiresAt = *a.OfferExpiresAt
	}
	s.publish(ctx, eventbus.SubjectAssignmentOffered, "assignment offered", eventbus.AssignmentOfferedData{
		AssignmentID:     a.ID,
		OrderID:          a.OrderID,
		DriverID:         a.DriverID,
		Sequence:         a.Sequence,
		OfferRound:       a.OfferRound,
		PickupLatitude:   order.PickupLat,
		PickupLongitude:  order.PickupLon,
		DropoffLatitude:  order.DropoffLat,
		DropoffLongitude: order.DropoffLon,
		EstimatedPickup:  a.EstimatedPickupAt,
		ExpiresAt:        expiresAt,
		OfferedAt:        s.now().UTC(),
	})
}

func (s *Service) publishExpired(ctx context.Context, a *models.Assignment) {
	s.publish(ctx, eventbus.SubjectAssignmentExpired, "assignment expired", eventbus.AssignmentExpiredData{
		AssignmentID: a.ID,
		OrderID:      a.OrderID,
		DriverID:     a.DriverID,
		OfferRound:   a.OfferRound,
		ExpiredAt:    s.now().UTC(),
	})
}

func (s *Service) publishDraftSelected(ctx context.Context, winner *models.DraftGroup, candidates int) {
	s.publish(ctx, eventbus.SubjectDraftSelected, "draft selected", eventbus.DraftSelectedData{
		SessionID:         winner.SessionID,
		DraftID:           winner.ID,
		Algorithm:         winner.Algorithm,
		TotalDistanceM:    winner.TotalDistanceMeters,
		TotalTravelSec:    winner.TotalTravelSeconds,
		AssignedOrders:    len(winner.Assignments),
		UnassignedOrders:  len(winner.UnassignedOrderIDs),
		CandidatesScored:  candidates,
		ComputationTimeMS: winner.ComputationMS,
		SelectedAt:        s.now().UTC(),
	})
}

func (s *Service) publishCycleCompleted(ctx context.Context, st *cycleState, summary *CycleSummary) {
	s.publish(ctx, eventbus.SubjectMatchingCycleCompleted, "matching cycle completed", eventbus.MatchingCycleCompletedData{
		SessionID:       st.id,
		RoundsRun:       summary.RoundsRun,
		OrdersMatched:   summary.OrdersMatched,
		OrdersAccepted:  summary.OrdersAccepted,
		OrdersUnmatched: summary.OrdersUnmatched,
		DriversEngaged:  summary.DriversEngaged,
		Algorithm:       st.algorithm(),
		DurationMS:      summary.ElapsedMS,
		CompletedAt:     summary.CompletedAt,
	})
}

// publish is best-effort: the loop never fails because the bus is down.
func (s *Service) publish(ctx context.Context, subject, what string, data interface{}) {
	if s.bus == nil {
		return
	}
	event, err := eventbus.NewEvent(subject, "dispatch", data)
	if err != nil {
		logger.WarnContext(ctx, "failed to build "+what+" event", zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		logger.WarnContext(ctx, "failed to publish "+what+" event", zap.Error(err))
	}
}
