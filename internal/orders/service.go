package orders

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/courierflow/dispatch/pkg/async"
	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/eventbus"
	"github.com/courierflow/dispatch/pkg/logger"
	"github.com/courierflow/dispatch/pkg/models"
	"github.com/courierflow/dispatch/pkg/validation"
	"go.uber.org/zap"
)

// Store provides order persistence
type Store interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListPending(ctx context.Context) ([]*models.Order, error)
	List(ctx context.Context, status *models.OrderStatus, limit, offset int) ([]*models.Order, int64, error)
	Cancel(ctx context.Context, id uuid.UUID, reason *string) (uuid.UUID, bool, error)
}

// Publisher emits order lifecycle events
type Publisher interface {
	Publish(ctx context.Context, subject string, event *eventbus.Event) error
}

// MatchingTrigger enqueues a matching cycle. Enqueue never blocks; it returns
// false when the trigger queue is full.
type MatchingTrigger interface {
	Enqueue(reason string) bool
}

// Service handles order intake and lifecycle
type Service struct {
	store   Store
	bus     Publisher
	trigger MatchingTrigger
}

// NewService creates a new orders service
func NewService(store Store, bus Publisher, trigger MatchingTrigger) *Service {
	return &Service{store: store, bus: bus, trigger: trigger}
}

// Create validates and persists a new order, publishes orders.created, and
// nudges the matching loop. Event publication and the trigger are best-effort:
// the order is created even when the bus is down or the queue is full.
func (s *Service) Create(ctx context.Context, req *models.CreateOrderRequest) (*models.Order, error) {
	if err := validatePoints(req.Pickup, req.Dropoff); err != nil {
		return nil, err
	}
	if err := validation.ValidateOrderRequest(req); err != nil {
		return nil, common.NewBadRequestError(err.Error(), err)
	}

	requestedDate := time.Now().UTC()
	if req.RequestedDate != nil {
		requestedDate = req.RequestedDate.UTC()
	}

	order := &models.Order{
		ID:                 uuid.New(),
		PickupLon:          req.Pickup.Lon,
		PickupLat:          req.Pickup.Lat,
		DropoffLon:         req.Dropoff.Lon,
		DropoffLat:         req.Dropoff.Lat,
		RequestedDate:      requestedDate,
		TimePreference:     req.TimePreference,
		BasePriority:       req.Priority,
		PriorityMultiplier: 1.0,
		Status:             models.OrderStatusPending,
	}

	if err := s.store.Create(ctx, order); err != nil {
		return nil, common.NewInternalError("failed to create order", err)
	}

	s.publishCreated(ctx, order)

	if s.trigger != nil && !s.trigger.Enqueue("order_created") {
		logger.WarnContext(ctx, "matching trigger queue full, order waits for next cycle",
			zap.String("order_id", order.ID.String()))
	}

	return order, nil
}

// Get retrieves an order by ID
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	order, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, common.NewNotFoundError("order not found", err)
	}
	return order, nil
}

// List returns orders filtered by optional status with pagination
func (s *Service) List(ctx context.Context, status *models.OrderStatus, page, perPage int) ([]*models.Order, int64, error) {
	offset := (page - 1) * perPage
	list, total, err := s.store.List(ctx, status, perPage, offset)
	if err != nil {
		return nil, 0, common.NewInternalError("failed to list orders", err)
	}
	return list, total, nil
}

// ListPending returns the matchable order pool, highest effective priority
// first.
func (s *Service) ListPending(ctx context.Context) ([]*models.Order, error) {
	list, err := s.store.ListPending(ctx)
	if err != nil {
		return nil, common.NewInternalError("failed to list pending orders", err)
	}
	return list, nil
}

// Cancel transitions a non-terminal order to cancelled, revoking any live
// assignment it holds.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason *string) (*models.Order, error) {
	driverID, ok, err := s.store.Cancel(ctx, id, reason)
	if err != nil {
		return nil, common.NewInternalError("failed to cancel order", err)
	}
	if !ok {
		// Either the order does not exist or it is already terminal.
		order, getErr := s.store.GetByID(ctx, id)
		if getErr != nil {
			return nil, common.NewNotFoundError("order not found", getErr)
		}
		return nil, common.NewInvalidStateError("order is " + string(order.Status) + " and cannot be cancelled")
	}

	order, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, common.NewInternalError("failed to load cancelled order", err)
	}

	s.publishCancelled(ctx, order, driverID)

	return order, nil
}

func (s *Service) publishCreated(ctx context.Context, order *models.Order) {
	if s.bus == nil {
		return
	}

	data := eventbus.OrderCreatedData{
		OrderID:          order.ID,
		PickupLatitude:   order.PickupLat,
		PickupLongitude:  order.PickupLon,
		DropoffLatitude:  order.DropoffLat,
		DropoffLongitude: order.DropoffLon,
		BasePriority:     order.BasePriority,
		CreatedAt:        order.CreatedAt,
	}
	if order.TimePreference != nil {
		data.TimePreference = *order.TimePreference
	}

	async.Go(ctx, "publish-order-created", func(ctx context.Context) {
		event, err := eventbus.NewEvent(eventbus.SubjectOrderCreated, "dispatch", data)
		if err != nil {
			logger.WarnContext(ctx, "failed to build order created event", zap.Error(err))
			return
		}
		if err := s.bus.Publish(ctx, eventbus.SubjectOrderCreated, event); err != nil {
			logger.WarnContext(ctx, "failed to publish order created event",
				zap.String("order_id", data.OrderID.String()),
				zap.Error(err))
		}
	})
}

func (s *Service) publishCancelled(ctx context.Context, order *models.Order, driverID uuid.UUID) {
	if s.bus == nil {
		return
	}

	data := eventbus.OrderCancelledData{
		OrderID:     order.ID,
		DriverID:    driverID,
		CancelledBy: "api",
		CancelledAt: time.Now().UTC(),
	}
	if order.CancellationReason != nil {
		data.Reason = *order.CancellationReason
	}

	async.Go(ctx, "publish-order-cancelled", func(ctx context.Context) {
		event, err := eventbus.NewEvent(eventbus.SubjectOrderCancelled, "dispatch", data)
		if err != nil {
			logger.WarnContext(ctx, "failed to build order cancelled event", zap.Error(err))
			return
		}
		if err := s.bus.Publish(ctx, eventbus.SubjectOrderCancelled, event); err != nil {
			logger.WarnContext(ctx, "failed to publish order cancelled event",
				zap.String("order_id", data.OrderID.String()),
				zap.Error(err))
		}
	})
}

// validatePoints rejects malformed or out-of-range coordinates before
// anything touches the database.
func validatePoints(points ...models.Point) error {
	for _, p := range points {
		if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
			return common.NewBadRequestError("coordinates must be finite numbers", common.ErrInvalidCoordinates)
		}
		if err := p.Validate(); err != nil {
			return common.NewBadRequestError(err.Error(), common.ErrCoordinateOutOfRange)
		}
	}
	return nil
}
