package matching

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/courierflow/dispatch/internal/assignments"
	"github.com/courierflow/dispatch/internal/regions"
	"github.com/courierflow/dispatch/internal/solver"
	"github.com/courierflow/dispatch/pkg/eventbus"
	"github.com/courierflow/dispatch/pkg/models"
	"github.com/courierflow/dispatch/pkg/websocket"
)

// OrderSource lists the matchable order pool.
type OrderSource interface {
	ListPending(ctx context.Context) ([]*models.Order, error)
}

// FleetSource lists drivers able to take offers, with their latest position
// and active load.
type FleetSource interface {
	ListDispatchable(ctx context.Context) ([]*models.DriverState, error)
}

// OfferStore persists offer lifecycle transitions.
type OfferStore interface {
	CreateOffered(ctx context.Context, a *models.Assignment) (bool, error)
	RebuildRejected(ctx context.Context, a *models.Assignment, expiresAt time.Time) (bool, error)
	LatestByOrder(ctx context.Context, orderID uuid.UUID) (*models.Assignment, error)
	ListOffered(ctx context.Context) ([]*models.Assignment, error)
	RevertAllOffered(ctx context.Context, now time.Time) (int64, error)
	ExpireStale(ctx context.Context, now time.Time) ([]*assignments.RejectOutcome, error)
	CountOutcomesSince(ctx context.Context, since time.Time) (map[models.AssignmentStatus]int, error)
}

// Responder applies driver responses to offers. The loop uses it in
// simulation mode and for the bulk testing endpoints.
type Responder interface {
	Accept(ctx context.Context, id, driverID uuid.UUID) (*models.Assignment, error)
	RejectWithoutTrigger(ctx context.Context, id, driverID uuid.UUID, reason *string) (*models.Assignment, error)
}

// DraftStore persists candidate plans for audit.
type DraftStore interface {
	ResetAll(ctx context.Context) error
	SaveCandidates(ctx context.Context, groups []*models.DraftGroup) error
	MarkSelected(ctx context.Context, sessionID, groupID uuid.UUID) error
}

// CandidateGenerator builds and ranks draft candidates for one region.
type CandidateGenerator interface {
	GenerateCandidates(ctx context.Context, input *solver.Input) (*models.DraftGroup, []*models.DraftGroup, error)
}

// RegionSplitter groups orders and drivers into independent matching regions.
type RegionSplitter interface {
	Partition(orders []*models.Order, drivers []*models.DriverState) []*regions.Region
}

// WindowEstimator computes the delivery arrival window attached to an offer.
type WindowEstimator interface {
	Window(ctx context.Context, from, to models.Point, expectedArrival time.Time, travelSeconds float64) *models.TimeWindow
}

// OfferNotifier pushes offers to connected drivers.
type OfferNotifier interface {
	SendToDriver(driverID string, msg *websocket.Message)
}

// Publisher emits matching lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *eventbus.Event) error
}

// Subscriber consumes order events that should nudge the loop.
type Subscriber interface {
	Subscribe(ctx context.Context, subject, consumerName string, handler eventbus.HandlerFunc) error
}
