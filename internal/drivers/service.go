package drivers

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierflow/dispatch/internal/assignments"
	"github.com/courierflow/dispatch/internal/geo"
	"github.com/courierflow/dispatch/internal/routing"
	"github.com/courierflow/dispatch/pkg/async"
	"github.com/courierflow/dispatch/pkg/cache"
	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/eventbus"
	geodist "github.com/courierflow/dispatch/pkg/geo"
	"github.com/courierflow/dispatch/pkg/jwtkeys"
	"github.com/courierflow/dispatch/pkg/logger"
	"github.com/courierflow/dispatch/pkg/middleware"
	"github.com/courierflow/dispatch/pkg/models"
	"github.com/courierflow/dispatch/pkg/validation"
)

// Store abstracts driver persistence.
type Store interface {
	Create(ctx context.Context, d *models.Driver) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Driver, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.DriverStatus) (bool, error)
	RecordLocation(ctx context.Context, loc *models.DriverLocation) error
	LatestLocation(ctx context.Context, driverID uuid.UUID) (*models.DriverLocation, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Driver, error)
}

// AssignmentStore exposes the slice of assignment state the driver surface
// reads and advances.
type AssignmentStore interface {
	ListOfferedByDriver(ctx context.Context, driverID uuid.UUID) ([]*models.Assignment, error)
	ListActiveByDriver(ctx context.Context, driverID uuid.UUID) ([]assignments.ActiveLeg, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

// OrderProgress advances order status as the driver arrives at stops.
type OrderProgress interface {
	MarkPickedUp(ctx context.Context, id uuid.UUID) (bool, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
}

// LocationIndex is the live last-known-position index.
type LocationIndex interface {
	UpdateDriverLocationFull(ctx context.Context, driverID uuid.UUID, latitude, longitude, heading, speedKmh float64) error
	GetDriverLocation(ctx context.Context, driverID uuid.UUID) (*geo.DriverLocation, error)
	FindNearbyDrivers(ctx context.Context, latitude, longitude, radiusM float64, limit int) ([]*geo.DriverLocation, error)
	RemoveDriver(ctx context.Context, driverID uuid.UUID) error
}

// Publisher sends domain events
type Publisher interface {
	Publish(ctx context.Context, subject string, event *eventbus.Event) error
}

// KeySource supplies the active JWT signing key.
type KeySource interface {
	EnsureRotation(ctx context.Context) error
	CurrentSigningKey() (*jwtkeys.SigningKey, error)
}

// Service handles driver registry, status, location and route operations.
type Service struct {
	store     Store
	assigns   AssignmentStore
	orders    OrderProgress
	geo       LocationIndex
	routes    *routing.Builder
	bus       Publisher
	keys      KeySource
	jwtExpiry int
	cache     *cache.Manager

	now func() time.Time
}

// NewService creates a new drivers service. jwtExpiry is in hours.
func NewService(store Store, assigns AssignmentStore, orders OrderProgress, index LocationIndex, routes *routing.Builder, bus Publisher, keys KeySource, jwtExpiry int) *Service {
	return &Service{
		store:     store,
		assigns:   assigns,
		orders:    orders,
		geo:       index,
		routes:    routes,
		bus:       bus,
		keys:      keys,
		jwtExpiry: jwtExpiry,
		now:       time.Now,
	}
}

// Register creates a driver in the offline state and issues the bearer token
// the driver app authenticates with from then on.
func (s *Service) Register(ctx context.Context, req *models.RegisterDriverRequest) (*models.RegisterDriverResponse, error) {
	if err := validation.ValidateDriverRegistration(req); err != nil {
		return nil, common.NewBadRequestError(err.Error(), err)
	}

	maxConcurrent := req.MaxConcurrent
	if maxConcurrent == 0 {
		maxConcurrent = models.DefaultMaxConcurrent
	}

	d := &models.Driver{
		ID:            uuid.New(),
		Name:          req.Name,
		Phone:         req.Phone,
		VehicleType:   req.VehicleType,
		MaxConcurrent: maxConcurrent,
		Status:        models.DriverStatusOffline,
	}

	if err := s.store.Create(ctx, d); err != nil {
		return nil, common.NewInternalError("failed to register driver", err)
	}

	token, err := s.issueToken(ctx, d.ID)
	if err != nil {
		return nil, common.NewInternalError("failed to issue driver token", err)
	}

	return &models.RegisterDriverResponse{Driver: d, Token: token}, nil
}

// issueToken signs a driver JWT with the current rotating key.
func (s *Service) issueToken(ctx context.Context, driverID uuid.UUID) (string, error) {
	if s.keys == nil {
		return "", fmt.Errorf("jwt key manager is not configured")
	}

	if err := s.keys.EnsureRotation(ctx); err != nil {
		return "", fmt.Errorf("failed to rotate signing key: %w", err)
	}

	key, err := s.keys.CurrentSigningKey()
	if err != nil {
		return "", fmt.Errorf("failed to retrieve signing key: %w", err)
	}

	secretBytes, err := key.SecretBytes()
	if err != nil {
		return "", fmt.Errorf("invalid signing key: %w", err)
	}

	now := s.now()
	claims := &middleware.Claims{
		DriverID: driverID,
		Role:     models.RoleDriver,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour * time.Duration(s.jwtExpiry))),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = key.ID

	return token.SignedString(secretBytes)
}

// SetCache enables read-through caching of driver profiles.
func (s *Service) SetCache(cm *cache.Manager) {
	s.cache = cm
}

// Get retrieves a driver by ID
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
	if s.cache != nil {
		var cached models.Driver
		err := s.cache.GetOrSet(ctx, cache.Keys.Driver(id.String()), cache.TTL.Medium(), &cached, func() (interface{}, error) {
			return s.store.GetByID(ctx, id)
		})
		if err == nil {
			return &cached, nil
		}
		// Fall through to the store on any cache failure.
	}

	d, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, common.NewNotFoundError("driver not found", err)
	}
	return d, nil
}

// UpdateStatus moves a driver along the status graph. Arrival statuses
// advance the order the driver is in front of; going offline clears the
// driver from the live location index.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, next models.DriverStatus) (*models.Driver, error) {
	d, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, common.NewNotFoundError("driver not found", err)
	}

	if !d.Status.CanTransitionTo(next) {
		return nil, common.NewInvalidTransitionError(
			fmt.Sprintf("cannot transition driver from %s to %s", d.Status, next))
	}

	ok, err := s.store.UpdateStatus(ctx, id, d.Status, next)
	if err != nil {
		return nil, common.NewInternalError("failed to update driver status", err)
	}
	if !ok {
		// Lost a race with a concurrent transition.
		return nil, common.NewInvalidTransitionError("driver is no longer " + string(d.Status))
	}

	old := d.Status
	d.Status = next
	d.UpdatedAt = s.now()

	switch next {
	case models.DriverStatusAtPickup:
		s.advancePickup(ctx, id)
	case models.DriverStatusAtDelivery:
		s.advanceDelivery(ctx, id)
	case models.DriverStatusOffline:
		if err := s.geo.RemoveDriver(ctx, id); err != nil {
			logger.WarnContext(ctx, "failed to remove driver from location index",
				zap.String("driver_id", id.String()),
				zap.Error(err))
		}
	}

	if s.cache != nil {
		if err := s.cache.Delete(ctx, cache.Keys.Driver(id.String())); err != nil {
			logger.WarnContext(ctx, "failed to invalidate driver cache",
				zap.String("driver_id", id.String()),
				zap.Error(err))
		}
	}

	s.publishStatusChanged(ctx, id, old, next)

	return d, nil
}

// advancePickup marks the first assigned order on the driver's route as
// picked up. The status flip already happened, so a missing order is logged
// rather than failed.
func (s *Service) advancePickup(ctx context.Context, driverID uuid.UUID) {
	legs, err := s.assigns.ListActiveByDriver(ctx, driverID)
	if err != nil {
		logger.WarnContext(ctx, "failed to load active legs at pickup",
			zap.String("driver_id", driverID.String()),
			zap.Error(err))
		return
	}

	for _, leg := range legs {
		if leg.Order.Status != models.OrderStatusAssigned {
			continue
		}
		ok, err := s.orders.MarkPickedUp(ctx, leg.Order.ID)
		if err != nil {
			logger.WarnContext(ctx, "failed to mark order picked up",
				zap.String("order_id", leg.Order.ID.String()),
				zap.Error(err))
		} else if !ok {
			logger.WarnContext(ctx, "order no longer assigned at pickup",
				zap.String("order_id", leg.Order.ID.String()))
		}
		return
	}

	logger.WarnContext(ctx, "driver arrived at pickup with no assigned order",
		zap.String("driver_id", driverID.String()))
}

// advanceDelivery delivers the first picked-up order on the driver's route,
// completes its assignment and emits the travel-time observation.
func (s *Service) advanceDelivery(ctx context.Context, driverID uuid.UUID) {
	legs, err := s.assigns.ListActiveByDriver(ctx, driverID)
	if err != nil {
		logger.WarnContext(ctx, "failed to load active legs at delivery",
			zap.String("driver_id", driverID.String()),
			zap.Error(err))
		return
	}

	for _, leg := range legs {
		if leg.Order.Status != models.OrderStatusPickedUp {
			continue
		}

		ok, err := s.orders.MarkDelivered(ctx, leg.Order.ID)
		if err != nil {
			logger.WarnContext(ctx, "failed to mark order delivered",
				zap.String("order_id", leg.Order.ID.String()),
				zap.Error(err))
			return
		}
		if !ok {
			logger.WarnContext(ctx, "order no longer picked up at delivery",
				zap.String("order_id", leg.Order.ID.String()))
			return
		}

		if ok, err := s.assigns.MarkCompleted(ctx, leg.Assignment.ID, s.now()); err != nil {
			logger.WarnContext(ctx, "failed to complete assignment",
				zap.String("assignment_id", leg.Assignment.ID.String()),
				zap.Error(err))
		} else if !ok {
			logger.WarnContext(ctx, "assignment not accepted at completion",
				zap.String("assignment_id", leg.Assignment.ID.String()))
		}

		s.publishLegCompleted(ctx, leg)
		return
	}

	logger.WarnContext(ctx, "driver arrived at delivery with nothing on board",
		zap.String("driver_id", driverID.String()))
}

// UpdateLocation appends a position to the driver's history, refreshes the
// live index and returns the stored row.
func (s *Service) UpdateLocation(ctx context.Context, driverID uuid.UUID, req *models.UpdateLocationRequest) (*models.DriverLocation, error) {
	p := models.Point{Lon: req.Lng, Lat: req.Lat}
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return nil, common.NewBadRequestError("coordinates must be finite numbers", common.ErrInvalidCoordinates)
	}
	if err := p.Validate(); err != nil {
		return nil, common.NewBadRequestError(err.Error(), common.ErrCoordinateOutOfRange)
	}

	if _, err := s.store.GetByID(ctx, driverID); err != nil {
		return nil, common.NewNotFoundError("driver not found", err)
	}

	loc := &models.DriverLocation{
		DriverID: driverID,
		Lon:      req.Lng,
		Lat:      req.Lat,
		Heading:  req.Heading,
		SpeedKmh: req.SpeedKmh,
	}
	if err := s.store.RecordLocation(ctx, loc); err != nil {
		return nil, common.NewInternalError("failed to record driver location", err)
	}

	// The history row is the durable record; the live index is best-effort
	// so a cache outage does not reject driver pings.
	var heading, speed float64
	if req.Heading != nil {
		heading = *req.Heading
	}
	if req.SpeedKmh != nil {
		speed = *req.SpeedKmh
	}
	if err := s.geo.UpdateDriverLocationFull(ctx, driverID, req.Lat, req.Lng, heading, speed); err != nil {
		logger.WarnContext(ctx, "failed to update live location index",
			zap.String("driver_id", driverID.String()),
			zap.Error(err))
	}

	s.publishLocationUpdated(ctx, driverID, req.Lat, req.Lng, heading, speed, loc.RecordedAt)

	return loc, nil
}

// OfferedAssignments returns the driver's open offers, soonest expiry first.
func (s *Service) OfferedAssignments(ctx context.Context, driverID uuid.UUID) ([]*models.Assignment, error) {
	if _, err := s.store.GetByID(ctx, driverID); err != nil {
		return nil, common.NewNotFoundError("driver not found", err)
	}

	offers, err := s.assigns.ListOfferedByDriver(ctx, driverID)
	if err != nil {
		return nil, common.NewInternalError("failed to list driver offers", err)
	}
	if offers == nil {
		offers = []*models.Assignment{}
	}
	return offers, nil
}

// Route walks the driver's accepted legs from the current position: onboard
// orders get their deliveries first, then each still-undelivered order
// contributes pickup then delivery, all in accepted sequence order.
func (s *Service) Route(ctx context.Context, driverID uuid.UUID) (*models.DriverRoute, error) {
	if _, err := s.store.GetByID(ctx, driverID); err != nil {
		return nil, common.NewNotFoundError("driver not found", err)
	}

	legs, err := s.assigns.ListActiveByDriver(ctx, driverID)
	if err != nil {
		return nil, common.NewInternalError("failed to load driver route", err)
	}

	route := &models.DriverRoute{
		DriverID:    driverID,
		Stops:       []models.RouteStop{},
		GeneratedAt: s.now(),
	}
	if len(legs) == 0 {
		return route, nil
	}

	start, err := s.currentPoint(ctx, driverID)
	if err != nil {
		return nil, err
	}

	var stops []routing.Stop
	for _, leg := range legs {
		if leg.Order.Status == models.OrderStatusPickedUp {
			stops = append(stops, routing.Delivery(leg.Order))
		}
	}
	for _, leg := range legs {
		if leg.Order.Status == models.OrderStatusAssigned {
			stops = append(stops, routing.Pickup(leg.Order), routing.Delivery(leg.Order))
		}
	}

	scheduled, err := s.routes.Schedule(ctx, &routing.Route{Start: start, Stops: stops}, route.GeneratedAt)
	if err != nil {
		return nil, common.NewInternalError("failed to schedule driver route", err)
	}

	for i, st := range scheduled {
		route.Stops = append(route.Stops, models.RouteStop{
			Type:                st.Type,
			OrderID:             st.Order.ID,
			Point:               st.Point(),
			Sequence:            i,
			CumulativeDistanceM: st.CumulativeDistanceM,
			CumulativeSeconds:   st.CumulativeSeconds,
			ETA:                 st.ETA,
		})
	}
	if n := len(scheduled); n > 0 {
		route.TotalDistanceM = scheduled[n-1].CumulativeDistanceM
		route.TotalSeconds = scheduled[n-1].CumulativeSeconds
	}

	return route, nil
}

// currentPoint resolves the driver's position from the live index, falling
// back to the latest history row.
func (s *Service) currentPoint(ctx context.Context, driverID uuid.UUID) (models.Point, error) {
	if loc, err := s.geo.GetDriverLocation(ctx, driverID); err == nil {
		return models.Point{Lon: loc.Longitude, Lat: loc.Latitude}, nil
	}

	loc, err := s.store.LatestLocation(ctx, driverID)
	if err != nil {
		return models.Point{}, common.NewInternalError("failed to resolve driver position", err)
	}
	if loc == nil {
		return models.Point{}, common.NewInvalidStateError("driver has no known location")
	}
	return loc.Point(), nil
}

// Nearby returns registered drivers within radiusM of a point, nearest
// first. Index entries without a registry row are skipped.
func (s *Service) Nearby(ctx context.Context, latitude, longitude, radiusM float64, limit int) ([]*models.NearbyDriver, error) {
	p := models.Point{Lon: longitude, Lat: latitude}
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return nil, common.NewBadRequestError("coordinates must be finite numbers", common.ErrInvalidCoordinates)
	}
	if err := p.Validate(); err != nil {
		return nil, common.NewBadRequestError(err.Error(), common.ErrCoordinateOutOfRange)
	}
	if radiusM <= 0 {
		return nil, common.NewBadRequestError("radius must be positive", nil)
	}
	if limit <= 0 {
		limit = 10
	}

	locs, err := s.geo.FindNearbyDrivers(ctx, latitude, longitude, radiusM, limit)
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return []*models.NearbyDriver{}, nil
	}

	ids := make([]uuid.UUID, 0, len(locs))
	for _, loc := range locs {
		ids = append(ids, loc.DriverID)
	}
	registered, err := s.store.ListByIDs(ctx, ids)
	if err != nil {
		return nil, common.NewInternalError("failed to load nearby drivers", err)
	}
	byID := make(map[uuid.UUID]*models.Driver, len(registered))
	for _, d := range registered {
		byID[d.ID] = d
	}

	out := make([]*models.NearbyDriver, 0, len(locs))
	for _, loc := range locs {
		d, ok := byID[loc.DriverID]
		if !ok {
			continue
		}
		out = append(out, &models.NearbyDriver{Driver: d, DistanceM: loc.DistanceM})
	}
	return out, nil
}

// ─── events ──────────────────────────────────────────────────────────────────

func (s *Service) publishStatusChanged(ctx context.Context, driverID uuid.UUID, old, next models.DriverStatus) {
	if s.bus == nil {
		return
	}

	data := eventbus.DriverStatusChangedData{
		DriverID:  driverID,
		OldStatus: string(old),
		NewStatus: string(next),
		ChangedAt: s.now(),
	}

	async.Go(ctx, "publish-driver-status-changed", func(ctx context.Context) {
		event, err := eventbus.NewEvent(eventbus.SubjectDriverStatusChanged, "dispatch", data)
		if err != nil {
			logger.WarnContext(ctx, "failed to build driver status event", zap.Error(err))
			return
		}
		if err := s.bus.Publish(ctx, eventbus.SubjectDriverStatusChanged, event); err != nil {
			logger.WarnContext(ctx, "failed to publish driver status event",
				zap.String("driver_id", data.DriverID.String()),
				zap.Error(err))
		}
	})
}

func (s *Service) publishLocationUpdated(ctx context.Context, driverID uuid.UUID, latitude, longitude, heading, speed float64, at time.Time) {
	if s.bus == nil {
		return
	}

	data := eventbus.DriverLocationUpdatedData{
		DriverID:  driverID,
		Latitude:  latitude,
		Longitude: longitude,
		Heading:   heading,
		Speed:     speed,
		H3Cell:    geo.GetMatchingCell(latitude, longitude),
		Timestamp: at,
	}

	async.Go(ctx, "publish-driver-location-updated", func(ctx context.Context) {
		event, err := eventbus.NewEvent(eventbus.SubjectDriverLocationUpdated, "dispatch", data)
		if err != nil {
			logger.WarnContext(ctx, "failed to build driver location event", zap.Error(err))
			return
		}
		if err := s.bus.Publish(ctx, eventbus.SubjectDriverLocationUpdated, event); err != nil {
			logger.WarnContext(ctx, "failed to publish driver location event",
				zap.String("driver_id", data.DriverID.String()),
				zap.Error(err))
		}
	})
}

func (s *Service) publishLegCompleted(ctx context.Context, leg assignments.ActiveLeg) {
	if s.bus == nil {
		return
	}

	now := s.now()
	o := leg.Order
	data := eventbus.DeliveryLegCompletedData{
		DriverID:      leg.Assignment.DriverID,
		OrderID:       o.ID,
		FromLatitude:  o.PickupLat,
		FromLongitude: o.PickupLon,
		ToLatitude:    o.DropoffLat,
		ToLongitude:   o.DropoffLon,
		// Predicted spans pickup arrival to delivery arrival on the accepted
		// route. Actual starts at the picked-up flip on the order row.
		PredictedSeconds: leg.Assignment.EstimatedDeliveryAt.Sub(leg.Assignment.EstimatedPickupAt).Seconds(),
		ActualSeconds:    now.Sub(o.UpdatedAt).Seconds(),
		DistanceM:        geodist.HaversineM(o.PickupLat, o.PickupLon, o.DropoffLat, o.DropoffLon),
		HourOfDay:        now.Hour(),
		DayOfWeek:        int(now.Weekday()),
		CompletedAt:      now,
	}

	async.Go(ctx, "publish-delivery-leg-completed", func(ctx context.Context) {
		event, err := eventbus.NewEvent(eventbus.SubjectDeliveryLegCompleted, "dispatch", data)
		if err != nil {
			logger.WarnContext(ctx, "failed to build leg completed event", zap.Error(err))
			return
		}
		if err := s.bus.Publish(ctx, eventbus.SubjectDeliveryLegCompleted, event); err != nil {
			logger.WarnContext(ctx, "failed to publish leg completed event",
				zap.String("order_id", data.OrderID.String()),
				zap.Error(err))
		}
	})
}
