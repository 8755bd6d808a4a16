package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/courierflow/dispatch/pkg/common"
	geodist "github.com/courierflow/dispatch/pkg/geo"
	redisClient "github.com/courierflow/dispatch/pkg/redis"
)

const (
	driverLocationPrefix = "driver:location:"
	driverLocationTTL    = 5 * time.Minute
	driverGeoIndexKey    = "drivers:geo:index" // Redis GEO key for all active drivers
	driverCellPrefix     = "driver:h3cell:"    // last-known H3 cell per driver

	// H3-based Redis keys
	h3CellDriversPrefix = "h3:drivers:" // one key per (cell, driver) at matching resolution
	h3CellDriversTTL    = 5 * time.Minute
)

// DriverLocation is a driver's last reported position. The TTL on the
// backing key means drivers that stop reporting age out of the index on
// their own.
type DriverLocation struct {
	DriverID  uuid.UUID `json:"driver_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	H3Cell    string    `json:"h3_cell"`
	Heading   float64   `json:"heading,omitempty"`
	SpeedKmh  float64   `json:"speed_kmh,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// DistanceM is populated on radius query results only.
	DistanceM float64 `json:"distance_m,omitempty"`
}

// Service maintains the live driver-location index: a JSON blob per driver,
// a GEO sorted set for radius queries, and an H3 cell tag per driver.
type Service struct {
	redis          redisClient.ClientInterface
	locationBuffer *LocationBuffer
}

// NewService creates a new location index service
func NewService(redis redisClient.ClientInterface) *Service {
	return &Service{redis: redis}
}

// SetLocationBuffer enables batched location writes.
func (s *Service) SetLocationBuffer(lb *LocationBuffer) {
	s.locationBuffer = lb
}

// UpdateDriverLocation records a position fix without heading or speed.
func (s *Service) UpdateDriverLocation(ctx context.Context, driverID uuid.UUID, latitude, longitude float64) error {
	return s.UpdateDriverLocationFull(ctx, driverID, latitude, longitude, 0, 0)
}

// UpdateDriverLocationFull records a position fix with heading and speed.
// When a LocationBuffer is configured, writes are batched for efficiency.
func (s *Service) UpdateDriverLocationFull(ctx context.Context, driverID uuid.UUID, latitude, longitude, heading, speedKmh float64) error {
	h3Cell := GetMatchingCell(latitude, longitude)

	if s.locationBuffer != nil {
		s.locationBuffer.Enqueue(LocationUpdate{
			DriverID:  driverID,
			Latitude:  latitude,
			Longitude: longitude,
			Heading:   heading,
			SpeedKmh:  speedKmh,
			H3Cell:    h3Cell,
			Timestamp: time.Now(),
		})
		return nil
	}

	location := &DriverLocation{
		DriverID:  driverID,
		Latitude:  latitude,
		Longitude: longitude,
		H3Cell:    h3Cell,
		Heading:   heading,
		SpeedKmh:  speedKmh,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(location)
	if err != nil {
		return common.NewInternalError("failed to marshal location data", err)
	}

	key := fmt.Sprintf("%s%s", driverLocationPrefix, driverID.String())
	if err := s.redis.SetWithExpiration(ctx, key, data, driverLocationTTL); err != nil {
		return common.NewInternalError("failed to store driver location", err)
	}

	if err := s.redis.GeoAdd(ctx, driverGeoIndexKey, longitude, latitude, driverID.String()); err != nil {
		return common.NewInternalError("failed to add driver to geo index", err)
	}

	s.updateDriverCell(ctx, driverID, h3Cell)

	return nil
}

// updateDriverCell maintains the per-cell driver tags, moving the driver's
// tag when it crosses a cell boundary.
func (s *Service) updateDriverCell(ctx context.Context, driverID uuid.UUID, newCell string) {
	driverIDStr := driverID.String()
	prevCellKey := fmt.Sprintf("%s%s", driverCellPrefix, driverIDStr)

	prevCell, err := s.redis.GetString(ctx, prevCellKey)
	if err == nil && prevCell != "" && prevCell != newCell {
		oldTagKey := fmt.Sprintf("%s%s:%s", h3CellDriversPrefix, prevCell, driverIDStr)
		s.redis.Delete(ctx, oldTagKey)
	}

	s.redis.SetWithExpiration(ctx, prevCellKey, []byte(newCell), driverLocationTTL)

	newTagKey := fmt.Sprintf("%s%s:%s", h3CellDriversPrefix, newCell, driverIDStr)
	s.redis.SetWithExpiration(ctx, newTagKey, []byte(driverIDStr), h3CellDriversTTL)
}

// GetDriverLocation retrieves a driver's last reported position
func (s *Service) GetDriverLocation(ctx context.Context, driverID uuid.UUID) (*DriverLocation, error) {
	key := fmt.Sprintf("%s%s", driverLocationPrefix, driverID.String())
	data, err := s.redis.GetString(ctx, key)
	if err != nil {
		return nil, common.NewNotFoundError("driver location not found", nil)
	}

	var location DriverLocation
	if err := json.Unmarshal([]byte(data), &location); err != nil {
		return nil, common.NewInternalError("failed to unmarshal location data", err)
	}

	return &location, nil
}

// FindNearbyDrivers returns drivers within radiusM metres of the point,
// closest first, at most limit entries. The GEO index is queried with an
// overfetch because index entries can outlive their location blobs.
func (s *Service) FindNearbyDrivers(ctx context.Context, latitude, longitude, radiusM float64, limit int) ([]*DriverLocation, error) {
	driverIDs, err := s.redis.GeoRadius(ctx, driverGeoIndexKey, longitude, latitude, radiusM/1000.0, limit*2)
	if err != nil {
		return nil, common.NewInternalError("failed to search nearby drivers", err)
	}

	if len(driverIDs) == 0 {
		return []*DriverLocation{}, nil
	}

	keys := make([]string, len(driverIDs))
	for i, id := range driverIDs {
		keys[i] = fmt.Sprintf("%s%s", driverLocationPrefix, id)
	}
	blobs, err := s.redis.MGetStrings(ctx, keys...)
	if err != nil {
		return nil, common.NewInternalError("failed to load driver locations", err)
	}

	found := make([]*DriverLocation, 0, len(driverIDs))
	for i := range driverIDs {
		if i >= len(blobs) || blobs[i] == "" {
			continue
		}

		var location DriverLocation
		if err := json.Unmarshal([]byte(blobs[i]), &location); err != nil {
			continue
		}

		distance := geodist.HaversineM(latitude, longitude, location.Latitude, location.Longitude)
		if distance > radiusM {
			continue
		}
		location.DistanceM = distance
		found = append(found, &location)
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].DistanceM < found[j].DistanceM
	})

	if len(found) > limit {
		found = found[:limit]
	}

	return found, nil
}

// RemoveDriver drops a driver from every location index. Called when a
// driver goes offline.
func (s *Service) RemoveDriver(ctx context.Context, driverID uuid.UUID) error {
	driverIDStr := driverID.String()

	if err := s.redis.GeoRemove(ctx, driverGeoIndexKey, driverIDStr); err != nil {
		return common.NewInternalError("failed to remove driver from geo index", err)
	}

	cellKey := fmt.Sprintf("%s%s", driverCellPrefix, driverIDStr)
	if cell, err := s.redis.GetString(ctx, cellKey); err == nil && cell != "" {
		s.redis.Delete(ctx, fmt.Sprintf("%s%s:%s", h3CellDriversPrefix, cell, driverIDStr))
	}

	locationKey := fmt.Sprintf("%s%s", driverLocationPrefix, driverIDStr)
	if err := s.redis.Delete(ctx, cellKey, locationKey); err != nil {
		return common.NewInternalError("failed to remove driver location", err)
	}

	return nil
}
