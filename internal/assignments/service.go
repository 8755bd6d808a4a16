package assignments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/async"
	"github.com/courierflow/dispatch/pkg/cache"
	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/eventbus"
	"github.com/courierflow/dispatch/pkg/logger"
	"github.com/courierflow/dispatch/pkg/models"
)

// Store drives the assignment state machine
type Store interface {
	Accept(ctx context.Context, id, driverID uuid.UUID, now time.Time) (*models.Assignment, bool, error)
	Reject(ctx context.Context, id, driverID uuid.UUID, reason *string, now time.Time) (*RejectOutcome, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Assignment, error)
}

// Publisher emits assignment lifecycle events
type Publisher interface {
	Publish(ctx context.Context, subject string, event *eventbus.Event) error
}

// MatchingTrigger enqueues a matching cycle. Enqueue never blocks; it returns
// false when the trigger queue is full.
type MatchingTrigger interface {
	Enqueue(reason string) bool
}

// Service handles driver responses to offers
type Service struct {
	store   Store
	bus     Publisher
	trigger MatchingTrigger
	cache   *cache.Manager
	now     func() time.Time
}

// SetCache lets Accept invalidate the cached driver profile; the accept
// transaction flips the driver to en_route_pickup behind the drivers service.
func (s *Service) SetCache(cm *cache.Manager) {
	s.cache = cm
}

// NewService creates a new assignments service
func NewService(store Store, bus Publisher, trigger MatchingTrigger) *Service {
	return &Service{store: store, bus: bus, trigger: trigger, now: time.Now}
}

// Accept drives the Offered → Accepted transition for the responding driver.
// Past the offer expiry it fails with Expired; in any other non-offered state
// with InvalidState.
func (s *Service) Accept(ctx context.Context, id, driverID uuid.UUID) (*models.Assignment, error) {
	now := s.now().UTC()

	a, ok, err := s.store.Accept(ctx, id, driverID, now)
	if err != nil {
		return nil, common.NewInternalError("failed to accept assignment", err)
	}
	if !ok {
		return nil, s.transitionFailure(ctx, id, driverID, now)
	}

	if s.cache != nil {
		if err := s.cache.Delete(ctx, cache.Keys.Driver(driverID.String())); err != nil {
			logger.WarnContext(ctx, "failed to invalidate driver cache",
				zap.String("driver_id", driverID.String()),
				zap.Error(err))
		}
	}

	s.publishAccepted(ctx, a)

	return a, nil
}

// Reject drives the Offered → Rejected transition for the responding driver,
// boosts the order, and synchronously enqueues a matching cycle so the order
// is re-offered without waiting for the next trigger.
func (s *Service) Reject(ctx context.Context, id, driverID uuid.UUID, reason *string) (*models.Assignment, error) {
	outcome, err := s.reject(ctx, id, driverID, reason)
	if err != nil {
		return nil, err
	}

	if s.trigger != nil && !s.trigger.Enqueue("assignment_rejected") {
		logger.WarnContext(ctx, "matching trigger queue full after rejection",
			zap.String("assignment_id", id.String()))
	}

	return outcome.Assignment, nil
}

// RejectWithoutTrigger applies reject semantics without enqueueing a cycle.
// The matching loop uses it while a cycle is already in flight.
func (s *Service) RejectWithoutTrigger(ctx context.Context, id, driverID uuid.UUID, reason *string) (*models.Assignment, error) {
	outcome, err := s.reject(ctx, id, driverID, reason)
	if err != nil {
		return nil, err
	}
	return outcome.Assignment, nil
}

func (s *Service) reject(ctx context.Context, id, driverID uuid.UUID, reason *string) (*RejectOutcome, error) {
	now := s.now().UTC()

	outcome, ok, err := s.store.Reject(ctx, id, driverID, reason, now)
	if err != nil {
		return nil, common.NewInternalError("failed to reject assignment", err)
	}
	if !ok {
		return nil, s.transitionFailure(ctx, id, driverID, now)
	}

	s.publishRejected(ctx, outcome, reason)

	return outcome, nil
}

// Get returns one assignment by ID
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Assignment, error) {
	a, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, common.NewNotFoundError("assignment not found", err)
	}
	return a, nil
}

// transitionFailure reconstructs why a conditional transition matched no row.
// The probe is advisory: the transition itself already failed atomically.
func (s *Service) transitionFailure(ctx context.Context, id, driverID uuid.UUID, now time.Time) error {
	a, err := s.store.GetByID(ctx, id)
	if err != nil {
		return common.NewNotFoundError("assignment not found", err)
	}
	if a.DriverID != driverID {
		return common.NewBadRequestError("assignment belongs to another driver", nil)
	}
	if a.Status == models.AssignmentStatusOffered && a.OfferExpiresAt != nil && a.OfferExpiresAt.Before(now) {
		return common.NewExpiredError("offer expired at " + a.OfferExpiresAt.UTC().Format(time.RFC3339))
	}
	return common.NewInvalidStateError("assignment is " + string(a.Status))
}

func (s *Service) publishAccepted(ctx context.Context, a *models.Assignment) {
	if s.bus == nil {
		return
	}

	data := eventbus.AssignmentAcceptedData{
		AssignmentID: a.ID,
		OrderID:      a.OrderID,
		DriverID:     a.DriverID,
		OfferRound:   a.OfferRound,
		AcceptedAt:   derefTime(a.RespondedAt, a.UpdatedAt),
	}

	async.Go(ctx, "publish-assignment-accepted", func(ctx context.Context) {
		event, err := eventbus.NewEvent(eventbus.SubjectAssignmentAccepted, "dispatch", data)
		if err != nil {
			logger.WarnContext(ctx, "failed to build assignment accepted event", zap.Error(err))
			return
		}
		if err := s.bus.Publish(ctx, eventbus.SubjectAssignmentAccepted, event); err != nil {
			logger.WarnContext(ctx, "failed to publish assignment accepted event",
				zap.String("assignment_id", data.AssignmentID.String()),
				zap.Error(err))
		}
	})
}

func (s *Service) publishRejected(ctx context.Context, outcome *RejectOutcome, reason *string) {
	if s.bus == nil {
		return
	}

	a := outcome.Assignment
	data := eventbus.AssignmentRejectedData{
		AssignmentID:       a.ID,
		OrderID:            a.OrderID,
		DriverID:           a.DriverID,
		RejectionCount:     outcome.RejectionCount,
		PriorityMultiplier: outcome.PriorityMultiplier,
		RejectedAt:         derefTime(a.RespondedAt, a.UpdatedAt),
	}
	if reason != nil {
		data.Reason = *reason
	}

	async.Go(ctx, "publish-assignment-rejected", func(ctx context.Context) {
		event, err := eventbus.NewEvent(eventbus.SubjectAssignmentRejected, "dispatch", data)
		if err != nil {
			logger.WarnContext(ctx, "failed to build assignment rejected event", zap.Error(err))
			return
		}
		if err := s.bus.Publish(ctx, eventbus.SubjectAssignmentRejected, event); err != nil {
			logger.WarnContext(ctx, "failed to publish assignment rejected event",
				zap.String("assignment_id", data.AssignmentID.String()),
				zap.Error(err))
		}
	})
}

func derefTime(t *time.Time, fallback time.Time) time.Time {
	if t != nil {
		return *t
	}
	return fallback
}
