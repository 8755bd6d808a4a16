package models

import (
	"time"

	"github.com/google/uuid"
)

// DriverStatus represents the working state of a driver
type DriverStatus string

const (
	DriverStatusOffline         DriverStatus = "offline"
	DriverStatusAvailable       DriverStatus = "available"
	DriverStatusEnRoutePickup   DriverStatus = "en_route_pickup"
	DriverStatusAtPickup        DriverStatus = "at_pickup"
	DriverStatusEnRouteDelivery DriverStatus = "en_route_delivery"
	DriverStatusAtDelivery      DriverStatus = "at_delivery"
)

// driverTransitions is the validated status graph. Anything not listed here
// is rejected with an invalid-transition error.
var driverTransitions = map[DriverStatus][]DriverStatus{
	DriverStatusOffline:         {DriverStatusAvailable},
	DriverStatusAvailable:       {DriverStatusEnRoutePickup, DriverStatusOffline},
	DriverStatusEnRoutePickup:   {DriverStatusAtPickup, DriverStatusAvailable},
	DriverStatusAtPickup:        {DriverStatusEnRouteDelivery},
	DriverStatusEnRouteDelivery: {DriverStatusAtDelivery},
	DriverStatusAtDelivery:      {DriverStatusAvailable, DriverStatusOffline},
}

// CanTransitionTo reports whether the driver status graph permits the move.
func (s DriverStatus) CanTransitionTo(next DriverStatus) bool {
	for _, allowed := range driverTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Dispatchable reports whether the driver may receive new offers.
func (s DriverStatus) Dispatchable() bool {
	return s == DriverStatusAvailable || s == DriverStatusEnRoutePickup
}

// DefaultMaxConcurrent is the concurrent-load capacity used when a driver
// registers without one.
const DefaultMaxConcurrent = 3

// Driver represents a delivery driver
type Driver struct {
	ID            uuid.UUID    `json:"id" db:"id"`
	Name          string       `json:"name" db:"name"`
	Phone         string       `json:"phone" db:"phone"`
	VehicleType   string       `json:"vehicle_type" db:"vehicle_type"`
	MaxConcurrent int          `json:"max_concurrent" db:"max_concurrent"`
	Status        DriverStatus `json:"status" db:"status"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// DriverLocation is one recorded position of a driver
type DriverLocation struct {
	ID         int64     `json:"id" db:"id"`
	DriverID   uuid.UUID `json:"driver_id" db:"driver_id"`
	Lon        float64   `json:"lng" db:"lon"`
	Lat        float64   `json:"lat" db:"lat"`
	Heading    *float64  `json:"heading,omitempty" db:"heading"`
	SpeedKmh   *float64  `json:"speed_kmh,omitempty" db:"speed_kmh"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// Point returns the location as a coordinate pair.
func (l *DriverLocation) Point() Point {
	return Point{Lon: l.Lon, Lat: l.Lat}
}

// RegisterDriverRequest represents a driver registration request
type RegisterDriverRequest struct {
	Name          string `json:"name" binding:"required,min=1,max=100"`
	Phone         string `json:"phone" binding:"required,max=20"`
	VehicleType   string `json:"vehicle_type" binding:"required,min=2,max=50"`
	MaxConcurrent int    `json:"max_concurrent" binding:"omitempty,min=1,max=20"`
}

// RegisterDriverResponse is the created driver plus the bearer token the
// driver app uses on every subsequent call.
type RegisterDriverResponse struct {
	Driver *Driver `json:"driver"`
	Token  string  `json:"token"`
}

// UpdateDriverStatusRequest represents a driver status change request
type UpdateDriverStatusRequest struct {
	Status DriverStatus `json:"status" binding:"required,oneof=offline available en_route_pickup at_pickup en_route_delivery at_delivery"`
}

// UpdateLocationRequest represents a driver location update
type UpdateLocationRequest struct {
	Lat      float64  `json:"lat" binding:"min=-90,max=90"`
	Lng      float64  `json:"lng" binding:"min=-180,max=180"`
	Heading  *float64 `json:"heading,omitempty" binding:"omitempty,min=0,max=360"`
	SpeedKmh *float64 `json:"speed_kmh,omitempty" binding:"omitempty,min=0"`
}

// NearbyDriver is a driver plus its distance from a query point
type NearbyDriver struct {
	Driver    *Driver `json:"driver"`
	DistanceM float64 `json:"distance_m"`
}

// DriverState is a dispatch snapshot of a driver: the registry row plus the
// latest recorded position and the count of accepted, undelivered orders.
type DriverState struct {
	Driver     *Driver `json:"driver"`
	Location   Point   `json:"location"`
	ActiveLoad int     `json:"active_load"`
}

// RemainingCapacity returns how many more concurrent orders the driver can
// take on before hitting the max-concurrent limit.
func (s *DriverState) RemainingCapacity() int {
	remaining := s.Driver.MaxConcurrent - s.ActiveLoad
	if remaining < 0 {
		return 0
	}
	return remaining
}
