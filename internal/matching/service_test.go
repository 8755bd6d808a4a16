package matching

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierflow/dispatch/internal/assignments"
	"github.com/courierflow/dispatch/internal/regions"
	"github.com/courierflow/dispatch/internal/solver"
	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/config"
	"github.com/courierflow/dispatch/pkg/eventbus"
	"github.com/courierflow/dispatch/pkg/models"
	"github.com/courierflow/dispatch/pkg/websocket"
)

// ─── stubs ───────────────────────────────────────────────────────────────────

// fakeWorld is an in-memory stand-in for the order, fleet and assignment
// stores. It enforces the same preconditions as the SQL layer so the loop's
// lifecycle behaviour is exercised for real.
type fakeWorld struct {
	mu      sync.Mutex
	orders  map[uuid.UUID]*models.Order
	fleet   []*models.DriverState
	rows    map[uuid.UUID]*models.Assignment
	byOrder map[uuid.UUID][]uuid.UUID

	blockOffers     map[uuid.UUID]bool
	unblockOnReject bool
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{
		orders:      make(map[uuid.UUID]*models.Order),
		rows:        make(map[uuid.UUID]*models.Assignment),
		byOrder:     make(map[uuid.UUID][]uuid.UUID),
		blockOffers: make(map[uuid.UUID]bool),
	}
}

func (w *fakeWorld) ListPending(_ context.Context) ([]*models.Order, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var pending []*models.Order
	for _, o := range w.orders {
		if o.Status == models.OrderStatusPending {
			pending = append(pending, o)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		pi, pj := pending[i].EffectivePriority(), pending[j].EffectivePriority()
		if pi != pj {
			return pi > pj
		}
		return pending[i].ID.String() < pending[j].ID.String()
	})
	return pending, nil
}

func (w *fakeWorld) ListDispatchable(_ context.Context) ([]*models.DriverState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*models.DriverState(nil), w.fleet...), nil
}

func (w *fakeWorld) CreateOffered(_ context.Context, a *models.Assignment) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	order, ok := w.orders[a.OrderID]
	if !ok || order.Status != models.OrderStatusPending || order.HasRejected(a.DriverID) || w.blockOffers[a.OrderID] {
		return false, nil
	}
	for _, id := range w.byOrder[a.OrderID] {
		row := w.rows[id]
		if row.Status == models.AssignmentStatusOffered || row.Status == models.AssignmentStatusAccepted {
			return false, nil
		}
	}

	now := time.Now().UTC()
	order.Status = models.OrderStatusOffered
	cp := *a
	cp.Status = models.AssignmentStatusOffered
	cp.CreatedAt = now
	cp.UpdatedAt = now
	w.rows[cp.ID] = &cp
	w.byOrder[a.OrderID] = append(w.byOrder[a.OrderID], cp.ID)
	a.Status = models.AssignmentStatusOffered
	return true, nil
}

func (w *fakeWorld) RebuildRejected(_ context.Context, a *models.Assignment, expiresAt time.Time) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	row, ok := w.rows[a.ID]
	if !ok || !row.Status.Rebuildable() {
		return false, nil
	}
	order, ok := w.orders[a.OrderID]
	if !ok || order.Status != models.OrderStatusPending || order.HasRejected(a.DriverID) {
		return false, nil
	}

	now := time.Now().UTC()
	order.Status = models.OrderStatusOffered
	row.DriverID = a.DriverID
	row.Sequence = a.Sequence
	row.EstimatedPickupAt = a.EstimatedPickupAt
	row.EstimatedDeliveryAt = a.EstimatedDeliveryAt
	row.Status = models.AssignmentStatusOffered
	row.OfferExpiresAt = &expiresAt
	row.OfferRound++
	row.RespondedAt = nil
	row.RejectionReason = nil
	row.TimeWindow = a.TimeWindow
	row.UpdatedAt = now

	a.Status = models.AssignmentStatusOffered
	a.OfferExpiresAt = &expiresAt
	a.OfferRound = row.OfferRound
	return true, nil
}

func (w *fakeWorld) LatestByOrder(_ context.Context, orderID uuid.UUID) (*models.Assignment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := w.byOrder[orderID]
	if len(ids) == 0 {
		return nil, nil
	}
	return w.rows[ids[len(ids)-1]], nil
}

func (w *fakeWorld) ListOffered(_ context.Context) ([]*models.Assignment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var offered []*models.Assignment
	for _, row := range w.rows {
		if row.Status == models.AssignmentStatusOffered {
			offered = append(offered, row)
		}
	}
	sort.Slice(offered, func(i, j int) bool {
		return offered[i].ID.String() < offered[j].ID.String()
	})
	return offered, nil
}

func (w *fakeWorld) RevertAllOffered(_ context.Context, now time.Time) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var reverted int64
	for _, row := range w.rows {
		if row.Status != models.AssignmentStatusOffered {
			continue
		}
		row.Status = models.AssignmentStatusCancelled
		row.UpdatedAt = now
		if order, ok := w.orders[row.OrderID]; ok && order.Status == models.OrderStatusOffered {
			order.Status = models.OrderStatusPending
		}
		reverted++
	}
	return reverted, nil
}

func (w *fakeWorld) ExpireStale(_ context.Context, now time.Time) ([]*assignments.RejectOutcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	reason := "expired"
	var outcomes []*assignments.RejectOutcome
	for _, row := range w.rows {
		if row.Status != models.AssignmentStatusOffered || row.OfferExpiresAt == nil || !row.OfferExpiresAt.Before(now) {
			continue
		}
		row.Status = models.AssignmentStatusExpired
		row.RespondedAt = &now
		row.RejectionReason = &reason
		row.UpdatedAt = now

		order := w.orders[row.OrderID]
		order.Status = models.OrderStatusPending
		order.RejectedDriverIDs = append(order.RejectedDriverIDs, row.DriverID)
		order.RejectionCount++
		order.PriorityMultiplier += 0.2
		outcomes = append(outcomes, &assignments.RejectOutcome{
			Assignment:         row,
			RejectionCount:     order.RejectionCount,
			PriorityMultiplier: order.PriorityMultiplier,
		})
	}
	return outcomes, nil
}

func (w *fakeWorld) CountOutcomesSince(_ context.Context, since time.Time) (map[models.AssignmentStatus]int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	counts := make(map[models.AssignmentStatus]int)
	for _, row := range w.rows {
		if row.UpdatedAt.Before(since) {
			continue
		}
		switch row.Status {
		case models.AssignmentStatusAccepted, models.AssignmentStatusRejected, models.AssignmentStatusExpired:
			counts[row.Status]++
		}
	}
	return counts, nil
}

func (w *fakeWorld) Accept(_ context.Context, id, driverID uuid.UUID) (*models.Assignment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now().UTC()
	row, ok := w.rows[id]
	if !ok || row.DriverID != driverID || row.Status != models.AssignmentStatusOffered ||
		row.OfferExpiresAt == nil || row.OfferExpiresAt.Before(now) {
		return nil, errors.New("assignment not acceptable")
	}
	row.Status = models.AssignmentStatusAccepted
	row.RespondedAt = &now
	row.UpdatedAt = now
	w.orders[row.OrderID].Status = models.OrderStatusAssigned
	return row, nil
}

func (w *fakeWorld) RejectWithoutTrigger(_ context.Context, id, driverID uuid.UUID, reason *string) (*models.Assignment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now().UTC()
	row, ok := w.rows[id]
	if !ok || row.DriverID != driverID || row.Status != models.AssignmentStatusOffered {
		return nil, errors.New("assignment not rejectable")
	}
	row.Status = models.AssignmentStatusRejected
	row.RespondedAt = &now
	row.RejectionReason = reason
	row.UpdatedAt = now

	order := w.orders[row.OrderID]
	order.Status = models.OrderStatusPending
	order.RejectedDriverIDs = append(order.RejectedDriverIDs, driverID)
	order.RejectionCount++
	order.PriorityMultiplier += 0.2
	if w.unblockOnReject {
		w.blockOffers = make(map[uuid.UUID]bool)
	}
	return row, nil
}

func (w *fakeWorld) addOrder(o *models.Order) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.orders[o.ID] = o
}

func (w *fakeWorld) addDriver(d *models.DriverState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fleet = append(w.fleet, d)
}

// seedOffered plants a live offer as if a previous cycle created it.
func (w *fakeWorld) seedOffered(order *models.Order, driverID uuid.UUID, expiresAt time.Time) *models.Assignment {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now().UTC()
	order.Status = models.OrderStatusOffered
	w.orders[order.ID] = order
	row := &models.Assignment{
		ID:                  uuid.New(),
		OrderID:             order.ID,
		DriverID:            driverID,
		Sequence:            1,
		EstimatedPickupAt:   now.Add(10 * time.Minute),
		EstimatedDeliveryAt: now.Add(30 * time.Minute),
		Status:              models.AssignmentStatusOffered,
		OfferExpiresAt:      &expiresAt,
		OfferRound:          1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	w.rows[row.ID] = row
	w.byOrder[order.ID] = append(w.byOrder[order.ID], row.ID)
	return row
}

func (w *fakeWorld) orderStatus(id uuid.UUID) models.OrderStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.orders[id].Status
}

func (w *fakeWorld) row(id uuid.UUID) models.Assignment {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.rows[id]
}

func (w *fakeWorld) latest(orderID uuid.UUID) models.Assignment {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := w.byOrder[orderID]
	return *w.rows[ids[len(ids)-1]]
}

// stubSolver places orders round-robin across drivers, skipping drivers the
// order has already rejected, and returns the winner plus one runner-up.
type stubSolver struct {
	mu    sync.Mutex
	calls []int
}

func (s *stubSolver) GenerateCandidates(_ context.Context, input *solver.Input) (*models.DraftGroup, []*models.DraftGroup, error) {
	s.mu.Lock()
	s.calls = append(s.calls, len(input.Orders))
	s.mu.Unlock()

	sessionID := uuid.New()
	winner := &models.DraftGroup{
		ID:         uuid.New(),
		SessionID:  sessionID,
		Algorithm:  models.AlgorithmSavings,
		IsSelected: true,
		CreatedAt:  input.StartAt,
	}

	sequences := make(map[uuid.UUID]int)
	for i, order := range input.Orders {
		var driver *models.DriverState
		for offset := range input.Drivers {
			candidate := input.Drivers[(i+offset)%len(input.Drivers)]
			if !order.HasRejected(candidate.Driver.ID) {
				driver = candidate
				break
			}
		}
		if driver == nil {
			winner.UnassignedOrderIDs = append(winner.UnassignedOrderIDs, order.ID)
			continue
		}

		sequences[driver.Driver.ID]++
		winner.Assignments = append(winner.Assignments, models.DraftAssignment{
			ID:                  uuid.New(),
			GroupID:             winner.ID,
			OrderID:             order.ID,
			DriverID:            driver.Driver.ID,
			Sequence:            sequences[driver.Driver.ID],
			EstimatedPickupAt:   input.StartAt.Add(10 * time.Minute),
			EstimatedDeliveryAt: input.StartAt.Add(30 * time.Minute),
			InsertionCost:       600,
			DistanceToPickupM:   2000,
			DistanceToDeliveryM: 3000,
		})
		winner.TotalDistanceMeters += 5000
		winner.TotalTravelSeconds += 1200
	}

	runnerUp := &models.DraftGroup{
		ID:                  uuid.New(),
		SessionID:           sessionID,
		Algorithm:           models.AlgorithmALNS,
		TotalTravelSeconds:  winner.TotalTravelSeconds + 300,
		TotalDistanceMeters: winner.TotalDistanceMeters + 1000,
		CreatedAt:           input.StartAt,
	}
	return winner, []*models.DraftGroup{winner, runnerUp}, nil
}

type stubDrafts struct {
	mu       sync.Mutex
	resets   int
	saved    [][]*models.DraftGroup
	selected []uuid.UUID
}

func (d *stubDrafts) ResetAll(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	return nil
}

func (d *stubDrafts) SaveCandidates(_ context.Context, groups []*models.DraftGroup) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.saved = append(d.saved, groups)
	return nil
}

func (d *stubDrafts) MarkSelected(_ context.Context, _, groupID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selected = append(d.selected, groupID)
	return nil
}

type stubWindows struct{}

func (stubWindows) Window(_ context.Context, _, _ models.Point, expectedArrival time.Time, travelSeconds float64) *models.TimeWindow {
	half := time.Duration(travelSeconds * 0.2 * float64(time.Second))
	return &models.TimeWindow{
		EarliestArrival: expectedArrival.Add(-half),
		LatestArrival:   expectedArrival.Add(half),
		ExpectedArrival: expectedArrival,
		WidthSeconds:    2 * travelSeconds * 0.2,
		Confidence:      0.8,
		Method:          models.MethodSimpleHeuristic,
	}
}

type stubHub struct {
	mu   sync.Mutex
	sent []*websocket.Message
}

func (h *stubHub) SendToDriver(_ string, msg *websocket.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, msg)
}

func (h *stubHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

type stubBus struct {
	mu     sync.Mutex
	events map[string][]*eventbus.Event
}

func newStubBus() *stubBus {
	return &stubBus{events: make(map[string][]*eventbus.Event)}
}

func (b *stubBus) Publish(_ context.Context, subject string, event *eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[subject] = append(b.events[subject], event)
	return nil
}

func (b *stubBus) count(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events[subject])
}

type stubSubscriber struct {
	subjects  []string
	consumers []string
	handler   eventbus.HandlerFunc
}

func (s *stubSubscriber) Subscribe(_ context.Context, subject, consumerName string, handler eventbus.HandlerFunc) error {
	s.subjects = append(s.subjects, subject)
	s.consumers = append(s.consumers, consumerName)
	s.handler = handler
	return nil
}

// ─── fixture ─────────────────────────────────────────────────────────────────

type loopFixture struct {
	world  *fakeWorld
	drafts *stubDrafts
	solver *stubSolver
	hub    *stubHub
	bus    *stubBus
	sub    *stubSubscriber
	svc    *Service
}

func newLoopFixture(cfg config.MatchingConfig) *loopFixture {
	fx := &loopFixture{
		world:  newFakeWorld(),
		drafts: &stubDrafts{},
		solver: &stubSolver{},
		hub:    &stubHub{},
		bus:    newStubBus(),
		sub:    &stubSubscriber{},
	}
	fx.svc = NewService(Deps{
		Orders:     fx.world,
		Fleet:      fx.world,
		Offers:     fx.world,
		Responder:  fx.world,
		Drafts:     fx.drafts,
		Generator:  fx.solver,
		Splitter:   regions.NewPartitioner(config.RegionsConfig{}),
		Windows:    stubWindows{},
		Hub:        fx.hub,
		Bus:        fx.bus,
		Subscriber: fx.sub,
		Trigger:    NewTrigger(8),
	}, cfg)
	return fx
}

func simulationConfig(acceptProb float64) config.MatchingConfig {
	return config.MatchingConfig{
		MaxRounds:            5,
		OfferTTLMinutes:      10,
		TriggerQueueSize:     8,
		ExpirySweepSeconds:   1,
		SimulationMode:       true,
		SimulationAcceptProb: acceptProb,
	}
}

func pendingOrder(lat, lon float64, priority int) *models.Order {
	return &models.Order{
		ID:                 uuid.New(),
		PickupLat:          lat,
		PickupLon:          lon,
		DropoffLat:         lat + 0.01,
		DropoffLon:         lon + 0.01,
		RequestedDate:      time.Now().UTC(),
		BasePriority:       priority,
		PriorityMultiplier: 1.0,
		Status:             models.OrderStatusPending,
	}
}

func idleDriver(lat, lon float64) *models.DriverState {
	return &models.DriverState{
		Driver: &models.Driver{
			ID:            uuid.New(),
			Name:          "Test Driver",
			Status:        models.DriverStatusAvailable,
			MaxConcurrent: models.DefaultMaxConcurrent,
		},
		Location: models.NewPoint(lat, lon),
	}
}

func scriptedFloats(values ...float64) func() float64 {
	i := 0
	return func() float64 {
		v := values[i]
		if i < len(values)-1 {
			i++
		}
		return v
	}
}

// ─── tests: cycle ────────────────────────────────────────────────────────────

func TestRunCycle_AllAcceptedInOneRound(t *testing.T) {
	fx := newLoopFixture(simulationConfig(1.0))
	for i := 0; i < 3; i++ {
		fx.world.addOrder(pendingOrder(37.77+float64(i)*0.001, -122.41, 3))
	}
	fx.world.addDriver(idleDriver(37.77, -122.41))
	fx.world.addDriver(idleDriver(37.78, -122.42))

	summary, err := fx.svc.RunCycle(context.Background(), "test")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.RoundsRun)
	assert.Equal(t, 3, summary.OrdersMatched)
	assert.Equal(t, 3, summary.OrdersAccepted)
	assert.Equal(t, 0, summary.OrdersUnmatched)
	assert.Equal(t, 2, summary.DriversEngaged)
	assert.InDelta(t, 15000.0, summary.TotalDistanceM, 0.001)
	assert.Equal(t, "test", summary.Trigger)

	orderCount := 0
	for _, route := range summary.Routes {
		orderCount += route.OrderCount
		require.Len(t, route.Stops, route.OrderCount)
		for _, stop := range route.Stops {
			assert.Equal(t, models.AssignmentStatusAccepted, stop.Status)
			assert.InDelta(t, 2000.0, stop.DistanceToPickupM, 0.001)
		}
	}
	assert.Equal(t, 3, orderCount)

	for id := range fx.world.orders {
		assert.Equal(t, models.OrderStatusAssigned, fx.world.orderStatus(id))
		row := fx.world.latest(id)
		require.NotNil(t, row.TimeWindow)
		assert.Equal(t, models.MethodSimpleHeuristic, row.TimeWindow.Method)
	}

	assert.Equal(t, 1, fx.drafts.resets)
	require.Len(t, fx.drafts.saved, 1)
	assert.Len(t, fx.drafts.saved[0], 2)
	assert.Len(t, fx.drafts.selected, 1)

	assert.Equal(t, 3, fx.hub.count())
	assert.Equal(t, "assignment.offer", fx.hub.sent[0].Type)
	assert.Equal(t, 3, fx.bus.count(eventbus.SubjectAssignmentOffered))
	assert.Equal(t, 1, fx.bus.count(eventbus.SubjectDraftSelected))
	assert.Equal(t, 1, fx.bus.count(eventbus.SubjectMatchingCycleCompleted))
}

func TestRunCycle_RejectionRebuildsAssignmentNextRound(t *testing.T) {
	fx := newLoopFixture(simulationConfig(0.5))

	first := pendingOrder(37.77, -122.41, 5)
	second := pendingOrder(37.771, -122.411, 3)
	fx.world.addOrder(first)
	fx.world.addOrder(second)

	d1 := idleDriver(37.77, -122.41)
	d2 := idleDriver(37.78, -122.42)
	fx.world.addDriver(d1)
	fx.world.addDriver(d2)

	// Round one: first accepted, second rejected. Round two: second accepted.
	fx.svc.randFloat = scriptedFloats(0.0, 0.99, 0.0)

	summary, err := fx.svc.RunCycle(context.Background(), "test")
	require.NoError(t, err)

	assert.Equal(t, 2, summary.RoundsRun)
	assert.Equal(t, 2, summary.OrdersMatched)
	assert.Equal(t, 2, summary.OrdersAccepted)
	assert.Equal(t, 0, summary.OrdersUnmatched)

	// The rejected order's row was rebuilt in place, not duplicated.
	require.Len(t, fx.world.byOrder[second.ID], 1)
	row := fx.world.latest(second.ID)
	assert.Equal(t, 2, row.OfferRound)
	assert.Equal(t, d1.Driver.ID, row.DriverID)
	assert.Equal(t, models.AssignmentStatusAccepted, row.Status)

	assert.Equal(t, 1, second.RejectionCount)
	assert.InDelta(t, 1.2, second.PriorityMultiplier, 0.001)
	assert.True(t, second.HasRejected(d2.Driver.ID))

	assert.Equal(t, 3, fx.bus.count(eventbus.SubjectAssignmentOffered))
}

func TestRunCycle_FreshOfferInLaterRoundStampsThatRound(t *testing.T) {
	fx := newLoopFixture(simulationConfig(0.5))

	first := pendingOrder(37.77, -122.41, 5)
	rejected := pendingOrder(37.771, -122.411, 4)
	held := pendingOrder(37.772, -122.412, 3)
	fx.world.addOrder(first)
	fx.world.addOrder(rejected)
	fx.world.addOrder(held)

	fx.world.addDriver(idleDriver(37.77, -122.41))
	fx.world.addDriver(idleDriver(37.78, -122.42))

	// The held order loses its round-one offer to a precondition failure
	// and only becomes offerable once the rejection lands, so its first
	// row is created by round two.
	fx.world.blockOffers[held.ID] = true
	fx.world.unblockOnReject = true

	// Round one: first accepted, rejected rejected. Round two: both accepted.
	fx.svc.randFloat = scriptedFloats(0.0, 0.99, 0.0)

	summary, err := fx.svc.RunCycle(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.RoundsRun)

	require.Len(t, fx.world.byOrder[held.ID], 1)
	row := fx.world.latest(held.ID)
	assert.Equal(t, 2, row.OfferRound, "a fresh offer records the round that created it")
	assert.Equal(t, models.AssignmentStatusAccepted, row.Status)

	// The rebuilt row agrees: both paths stamp round two.
	assert.Equal(t, 2, fx.world.latest(rejected.ID).OfferRound)
}

func TestRunCycle_NoPendingOrders(t *testing.T) {
	fx := newLoopFixture(simulationConfig(1.0))
	fx.world.addDriver(idleDriver(37.77, -122.41))

	summary, err := fx.svc.RunCycle(context.Background(), "test")
	require.NoError(t, err)

	assert.Equal(t, 0, summary.RoundsRun)
	assert.Equal(t, 0, summary.OrdersMatched)
	assert.Empty(t, summary.Routes)
	assert.Equal(t, 1, fx.drafts.resets)
	assert.Equal(t, 1, fx.bus.count(eventbus.SubjectMatchingCycleCompleted))
}

func TestRunCycle_NoDispatchableDrivers(t *testing.T) {
	fx := newLoopFixture(simulationConfig(1.0))
	fx.world.addOrder(pendingOrder(37.77, -122.41, 3))
	fx.world.addOrder(pendingOrder(37.78, -122.40, 3))

	summary, err := fx.svc.RunCycle(context.Background(), "test")
	require.NoError(t, err)

	assert.Equal(t, 0, summary.RoundsRun)
	assert.Equal(t, 0, summary.OrdersMatched)
	assert.Equal(t, 2, summary.OrdersUnmatched)
	assert.Equal(t, 0, fx.hub.count())
}

func TestRunCycle_RevertsOutstandingOffersBeforeDrafting(t *testing.T) {
	fx := newLoopFixture(simulationConfig(1.0))

	d1 := idleDriver(37.77, -122.41)
	fx.world.addDriver(d1)

	// A live offer from a previous cycle: its order is re-planned from
	// scratch, the stale row is cancelled.
	stale := pendingOrder(37.77, -122.41, 3)
	staleRow := fx.world.seedOffered(stale, d1.Driver.ID, time.Now().UTC().Add(10*time.Minute))
	fresh := pendingOrder(37.772, -122.412, 3)
	fx.world.addOrder(fresh)

	// Pin the service clock: every lifecycle stamp, the revert included,
	// must come from it rather than from wall or database time.
	base := time.Now().UTC().Truncate(time.Second)
	fx.svc.now = func() time.Time { return base }

	summary, err := fx.svc.RunCycle(context.Background(), "test")
	require.NoError(t, err)

	cancelled := fx.world.row(staleRow.ID)
	assert.Equal(t, models.AssignmentStatusCancelled, cancelled.Status)
	assert.True(t, cancelled.UpdatedAt.Equal(base), "revert stamped with the service clock")
	assert.Equal(t, 2, summary.OrdersMatched)
	assert.Equal(t, 2, summary.OrdersAccepted)

	replacement := fx.world.latest(stale.ID)
	assert.NotEqual(t, staleRow.ID, replacement.ID)
	assert.Equal(t, models.AssignmentStatusAccepted, replacement.Status)
}

func TestRunCycle_ExpiredOffersRetryUntilRoundCap(t *testing.T) {
	cfg := config.MatchingConfig{
		MaxRounds:        2,
		OfferTTLMinutes:  0, // offers expire the moment the sweep runs
		TriggerQueueSize: 8,
	}
	fx := newLoopFixture(cfg)

	order := pendingOrder(37.77, -122.41, 3)
	fx.world.addOrder(order)
	d1 := idleDriver(37.77, -122.41)
	d2 := idleDriver(37.78, -122.42)
	fx.world.addDriver(d1)
	fx.world.addDriver(d2)

	summary, err := fx.svc.RunCycle(context.Background(), "test")
	require.NoError(t, err)

	assert.Equal(t, 2, summary.RoundsRun)
	assert.Equal(t, 0, summary.OrdersMatched)
	assert.Equal(t, 1, summary.OrdersUnmatched)

	assert.Equal(t, models.OrderStatusPending, fx.world.orderStatus(order.ID))
	assert.Equal(t, 2, order.RejectionCount)
	assert.InDelta(t, 1.4, order.PriorityMultiplier, 0.001)
	assert.True(t, order.HasRejected(d1.Driver.ID))
	assert.True(t, order.HasRejected(d2.Driver.ID))

	// Same row both rounds: expired, rebuilt, expired again.
	require.Len(t, fx.world.byOrder[order.ID], 1)
	row := fx.world.latest(order.ID)
	assert.Equal(t, models.AssignmentStatusExpired, row.Status)
	assert.Equal(t, 2, row.OfferRound)
	assert.Equal(t, 2, fx.bus.count(eventbus.SubjectAssignmentExpired))
}

func TestRunCycle_IndependentRegionsRunInParallel(t *testing.T) {
	fx := newLoopFixture(simulationConfig(1.0))

	// Two cities far beyond the clustering radius form separate regions.
	fx.world.addOrder(pendingOrder(37.77, -122.41, 3))
	fx.world.addOrder(pendingOrder(40.71, -74.00, 3))
	fx.world.addDriver(idleDriver(37.78, -122.42))
	fx.world.addDriver(idleDriver(40.72, -74.01))

	summary, err := fx.svc.RunCycle(context.Background(), "test")
	require.NoError(t, err)

	fx.solver.mu.Lock()
	calls := len(fx.solver.calls)
	fx.solver.mu.Unlock()
	assert.Equal(t, 2, calls)

	assert.Equal(t, 2, summary.OrdersMatched)
	assert.Equal(t, 2, summary.DriversEngaged)
	assert.Equal(t, 2, fx.bus.count(eventbus.SubjectDraftSelected))
	assert.Len(t, fx.drafts.selected, 2)
}

func TestRunCycle_RegionWithoutDriversIsSkipped(t *testing.T) {
	fx := newLoopFixture(simulationConfig(1.0))

	matched := pendingOrder(37.77, -122.41, 3)
	stranded := pendingOrder(40.71, -74.00, 3)
	fx.world.addOrder(matched)
	fx.world.addOrder(stranded)
	fx.world.addDriver(idleDriver(37.78, -122.42))

	summary, err := fx.svc.RunCycle(context.Background(), "test")
	require.NoError(t, err)

	fx.solver.mu.Lock()
	calls := len(fx.solver.calls)
	fx.solver.mu.Unlock()
	assert.Equal(t, 1, calls)

	assert.Equal(t, 1, summary.OrdersMatched)
	assert.Equal(t, 1, summary.OrdersUnmatched)
	assert.Equal(t, models.OrderStatusPending, fx.world.orderStatus(stranded.ID))
	assert.Equal(t, models.OrderStatusAssigned, fx.world.orderStatus(matched.ID))
}

func TestRunCycle_OfferPreconditionFailureSkipsOrder(t *testing.T) {
	fx := newLoopFixture(simulationConfig(1.0))

	order := pendingOrder(37.77, -122.41, 3)
	fx.world.addOrder(order)
	fx.world.addDriver(idleDriver(37.77, -122.41))
	fx.world.blockOffers[order.ID] = true

	summary, err := fx.svc.RunCycle(context.Background(), "test")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.RoundsRun)
	assert.Equal(t, 0, summary.OrdersMatched)
	assert.Equal(t, 1, summary.OrdersUnmatched)
	assert.Equal(t, 0, fx.hub.count())
	assert.Equal(t, 0, fx.bus.count(eventbus.SubjectAssignmentOffered))
}

func TestTryRunCycle_ConflictWhenCycleInFlight(t *testing.T) {
	fx := newLoopFixture(simulationConfig(1.0))

	fx.svc.mu.Lock()
	_, err := fx.svc.TryRunCycle(context.Background(), "test")
	fx.svc.mu.Unlock()

	require.Error(t, err)
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 409, appErr.Code)
	assert.Equal(t, "CONFLICT", appErr.ErrorCode)
}

func TestRunCycle_CancelledContextStopsBetweenRounds(t *testing.T) {
	fx := newLoopFixture(simulationConfig(1.0))
	fx.world.addOrder(pendingOrder(37.77, -122.41, 3))
	fx.world.addDriver(idleDriver(37.77, -122.41))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.svc.RunCycle(ctx, "test")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

// ─── tests: sweep + bulk operations ────────────────────────────────────────────

func TestSweepExpired_BoostsOrdersAndPublishes(t *testing.T) {
	fx := newLoopFixture(simulationConfig(1.0))

	d1 := idleDriver(37.77, -122.41)
	order := pendingOrder(37.77, -122.41, 3)
	fx.world.seedOffered(order, d1.Driver.ID, time.Now().UTC().Add(-time.Minute))

	expired, err := fx.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	assert.Equal(t, models.OrderStatusPending, fx.world.orderStatus(order.ID))
	assert.Equal(t, 1, order.RejectionCount)
	assert.Equal(t, 1, fx.bus.count(eventbus.SubjectAssignmentExpired))

	// Idempotent: a second sweep finds nothing.
	expired, err = fx.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
	assert.Equal(t, 1, fx.bus.count(eventbus.SubjectAssignmentExpired))
}

func TestAcceptAll_AcceptsEveryOffer(t *testing.T) {
	fx := newLoopFixture(simulationConfig(1.0))

	d1 := idleDriver(37.77, -122.41)
	first := pendingOrder(37.77, -122.41, 3)
	second := pendingOrder(37.78, -122.40, 3)
	fx.world.seedOffered(first, d1.Driver.ID, time.Now().UTC().Add(10*time.Minute))
	fx.world.seedOffered(second, d1.Driver.ID, time.Now().UTC().Add(10*time.Minute))

	result, err := fx.svc.AcceptAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &BulkResult{Total: 2, Succeeded: 2, Failed: 0}, result)
	assert.Equal(t, models.OrderStatusAssigned, fx.world.orderStatus(first.ID))
	assert.Equal(t, models.OrderStatusAssigned, fx.world.orderStatus(second.ID))
}

func TestAcceptAll_CountsFailures(t *testing.T) {
	fx := newLoopFixture(simulationConfig(1.0))

	d1 := idleDriver(37.77, -122.41)
	live := pendingOrder(37.77, -122.41, 3)
	stale := pendingOrder(37.78, -122.40, 3)
	fx.world.seedOffered(live, d1.Driver.ID, time.Now().UTC().Add(10*time.Minute))
	fx.world.seedOffered(stale, d1.Driver.ID, time.Now().UTC().Add(-time.Minute))

	result, err := fx.svc.AcceptAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
}

func TestRejectAll_RejectsAndQueuesOneCycle(t *testing.T) {
	fx := newLoopFixture(simulationConfig(1.0))

	d1 := idleDriver(37.77, -122.41)
	first := pendingOrder(37.77, -122.41, 3)
	second := pendingOrder(37.78, -122.40, 3)
	fx.world.seedOffered(first, d1.Driver.ID, time.Now().UTC().Add(10*time.Minute))
	fx.world.seedOffered(second, d1.Driver.ID, time.Now().UTC().Add(10*time.Minute))

	reason := "shift ended"
	result, err := fx.svc.RejectAll(context.Background(), &reason)
	require.NoError(t, err)

	assert.Equal(t, &BulkResult{Total: 2, Succeeded: 2, Failed: 0}, result)
	assert.Equal(t, models.OrderStatusPending, fx.world.orderStatus(first.ID))
	row := fx.world.latest(first.ID)
	require.NotNil(t, row.RejectionReason)
	assert.Equal(t, reason, *row.RejectionReason)

	// One nudge for the whole batch, not one per rejection.
	require.Equal(t, 1, fx.svc.Trigger().Len())
	assert.Equal(t, "bulk_reject", <-fx.svc.Trigger().C())
}

// ─── tests: worker ───────────────────────────────────────────────────────────

func TestStart_SubscribesAndRunsTriggeredCycles(t *testing.T) {
	fx := newLoopFixture(simulationConfig(1.0))

	order := pendingOrder(37.77, -122.41, 3)
	fx.world.addOrder(order)
	fx.world.addDriver(idleDriver(37.77, -122.41))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, fx.svc.Start(ctx))
	assert.Equal(t, []string{eventbus.SubjectOrderCreated}, fx.sub.subjects)
	assert.Equal(t, []string{"matching-orders"}, fx.sub.consumers)

	// Nudge the worker the way the NATS consumer would.
	require.NotNil(t, fx.sub.handler)
	require.NoError(t, fx.sub.handler(ctx, &eventbus.Event{}))

	require.Eventually(t, func() bool {
		return fx.world.orderStatus(order.ID) == models.OrderStatusAssigned
	}, 2*time.Second, 10*time.Millisecond)
}
