package regions

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierflow/dispatch/pkg/config"
	"github.com/courierflow/dispatch/pkg/geo"
	"github.com/courierflow/dispatch/pkg/models"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func orderAt(lat, lon float64) *models.Order {
	return &models.Order{
		ID:                 uuid.New(),
		PickupLat:          lat,
		PickupLon:          lon,
		DropoffLat:         lat + 0.01,
		DropoffLon:         lon + 0.01,
		BasePriority:       5,
		PriorityMultiplier: 1.0,
		Status:             models.OrderStatusPending,
	}
}

func driverAt(lat, lon float64) *models.DriverState {
	return &models.DriverState{
		Driver: &models.Driver{
			ID:            uuid.New(),
			MaxConcurrent: models.DefaultMaxConcurrent,
			Status:        models.DriverStatusAvailable,
		},
		Location: models.NewPoint(lat, lon),
	}
}

func newTestPartitioner(radiusKm float64, minPoints int) *Partitioner {
	return NewPartitioner(config.RegionsConfig{MaxRadiusKm: radiusKm, MinPoints: minPoints})
}

// Bay Area and Los Angeles fixtures, ~550 km apart.
var (
	sanFrancisco = [2]float64{37.7749, -122.4194}
	oakland      = [2]float64{37.8044, -122.2712}
	dalyCity     = [2]float64{37.6879, -122.4702}
	paloAlto     = [2]float64{37.4419, -122.1430}
	sanJose      = [2]float64{37.3382, -121.8863}
	losAngeles   = [2]float64{34.0522, -118.2437}
	pasadena     = [2]float64{34.1478, -118.1445}
)

// ─── tests: Partition ────────────────────────────────────────────────────────

func TestPartition_SplitsDistantCities(t *testing.T) {
	p := newTestPartitioner(50, 1)

	orders := []*models.Order{
		orderAt(sanFrancisco[0], sanFrancisco[1]),
		orderAt(oakland[0], oakland[1]),
		orderAt(losAngeles[0], losAngeles[1]),
		orderAt(pasadena[0], pasadena[1]),
		orderAt(dalyCity[0], dalyCity[1]),
	}
	drivers := []*models.DriverState{
		driverAt(sanFrancisco[0], sanFrancisco[1]),
		driverAt(losAngeles[0], losAngeles[1]),
		driverAt(oakland[0], oakland[1]),
	}

	result := p.Partition(orders, drivers)

	require.Len(t, result, 2)

	bay, la := result[0], result[1]
	assert.Equal(t, 0, bay.Index)
	assert.Equal(t, 1, la.Index)
	assert.Len(t, bay.Orders, 3)
	assert.Len(t, la.Orders, 2)
	assert.Len(t, bay.Drivers, 2)
	assert.Len(t, la.Drivers, 1)
	assert.False(t, bay.Singleton)
	assert.False(t, la.Singleton)

	// Centroid is the mean of the member pickups.
	wantLat := (sanFrancisco[0] + oakland[0] + dalyCity[0]) / 3
	wantLon := (sanFrancisco[1] + oakland[1] + dalyCity[1]) / 3
	assert.InDelta(t, wantLat, bay.Centroid.Lat, 1e-9)
	assert.InDelta(t, wantLon, bay.Centroid.Lon, 1e-9)
}

func TestPartition_ChainReachabilityJoinsCluster(t *testing.T) {
	p := newTestPartitioner(50, 1)

	// San Francisco and San Jose are ~68 km apart, beyond the radius, but
	// Palo Alto bridges them.
	orders := []*models.Order{
		orderAt(sanFrancisco[0], sanFrancisco[1]),
		orderAt(sanJose[0], sanJose[1]),
		orderAt(paloAlto[0], paloAlto[1]),
	}

	result := p.Partition(orders, nil)

	require.Len(t, result, 1)
	assert.Len(t, result[0].Orders, 3)
}

func TestPartition_SparseOrdersBecomeTrailingSingletons(t *testing.T) {
	p := newTestPartitioner(50, 2)

	remote := orderAt(losAngeles[0], losAngeles[1])
	orders := []*models.Order{
		orderAt(sanFrancisco[0], sanFrancisco[1]),
		orderAt(oakland[0], oakland[1]),
		remote,
	}

	result := p.Partition(orders, nil)

	require.Len(t, result, 2)
	assert.Len(t, result[0].Orders, 2)
	assert.False(t, result[0].Singleton)

	trailing := result[1]
	assert.True(t, trailing.Singleton)
	require.Len(t, trailing.Orders, 1)
	assert.Equal(t, remote.ID, trailing.Orders[0].ID)
	assert.Equal(t, remote.Pickup(), trailing.Centroid)
}

func TestPartition_SingletonRegionsStillGetDrivers(t *testing.T) {
	p := newTestPartitioner(50, 2)

	orders := []*models.Order{
		orderAt(sanFrancisco[0], sanFrancisco[1]),
		orderAt(oakland[0], oakland[1]),
		orderAt(losAngeles[0], losAngeles[1]),
	}
	laDriver := driverAt(pasadena[0], pasadena[1])
	drivers := []*models.DriverState{
		driverAt(dalyCity[0], dalyCity[1]),
		laDriver,
	}

	result := p.Partition(orders, drivers)

	require.Len(t, result, 2)
	require.Len(t, result[1].Drivers, 1)
	assert.Equal(t, laDriver.Driver.ID, result[1].Drivers[0].Driver.ID)
}

func TestPartition_NoOrders(t *testing.T) {
	p := newTestPartitioner(50, 1)

	result := p.Partition(nil, []*models.DriverState{driverAt(sanFrancisco[0], sanFrancisco[1])})

	assert.Empty(t, result)
}

func TestPartition_NoDrivers(t *testing.T) {
	p := newTestPartitioner(50, 1)

	result := p.Partition([]*models.Order{orderAt(sanFrancisco[0], sanFrancisco[1])}, nil)

	require.Len(t, result, 1)
	assert.Empty(t, result[0].Drivers)
}

func TestPartition_AllDriversJoinTheOnlyRegion(t *testing.T) {
	p := newTestPartitioner(50, 1)

	orders := []*models.Order{orderAt(sanFrancisco[0], sanFrancisco[1])}
	drivers := []*models.DriverState{
		driverAt(oakland[0], oakland[1]),
		driverAt(losAngeles[0], losAngeles[1]), // far, but there is nowhere else
	}

	result := p.Partition(orders, drivers)

	require.Len(t, result, 1)
	assert.Len(t, result[0].Drivers, 2)
}

func TestPartition_RangeLimitLeavesFarDriversUnallocated(t *testing.T) {
	p := newTestPartitioner(50, 1).WithRangeLimit(func(from, to models.Point) bool {
		return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) <= 100
	})

	orders := []*models.Order{orderAt(sanFrancisco[0], sanFrancisco[1])}
	near := driverAt(oakland[0], oakland[1])
	far := driverAt(losAngeles[0], losAngeles[1]) // ~550 km out
	drivers := []*models.DriverState{far, near}

	result := p.Partition(orders, drivers)

	require.Len(t, result, 1)
	require.Len(t, result[0].Drivers, 1)
	assert.Equal(t, near.Driver.ID, result[0].Drivers[0].Driver.ID)
}

func TestPartition_RangeLimitStillPicksNearestEligibleRegion(t *testing.T) {
	p := newTestPartitioner(50, 1).WithRangeLimit(func(from, to models.Point) bool {
		return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) <= 100
	})

	orders := []*models.Order{
		orderAt(sanFrancisco[0], sanFrancisco[1]),
		orderAt(losAngeles[0], losAngeles[1]),
	}
	laDriver := driverAt(pasadena[0], pasadena[1])

	result := p.Partition(orders, []*models.DriverState{laDriver})

	require.Len(t, result, 2)
	assert.Empty(t, result[0].Drivers)
	require.Len(t, result[1].Drivers, 1)
	assert.Equal(t, laDriver.Driver.ID, result[1].Drivers[0].Driver.ID)
}

func TestPartition_EveryOrderInExactlyOneRegion(t *testing.T) {
	p := newTestPartitioner(50, 2)

	orders := []*models.Order{
		orderAt(sanFrancisco[0], sanFrancisco[1]),
		orderAt(oakland[0], oakland[1]),
		orderAt(dalyCity[0], dalyCity[1]),
		orderAt(losAngeles[0], losAngeles[1]),
		orderAt(pasadena[0], pasadena[1]),
		orderAt(sanJose[0], sanJose[1]),
	}

	result := p.Partition(orders, nil)

	seen := make(map[uuid.UUID]int)
	for _, region := range result {
		for _, o := range region.Orders {
			seen[o.ID]++
		}
	}

	require.Len(t, seen, len(orders))
	for id, count := range seen {
		assert.Equalf(t, 1, count, "order %s appears in %d regions", id, count)
	}
}

func TestPartition_Deterministic(t *testing.T) {
	p := newTestPartitioner(50, 1)

	orders := []*models.Order{
		orderAt(sanFrancisco[0], sanFrancisco[1]),
		orderAt(losAngeles[0], losAngeles[1]),
		orderAt(oakland[0], oakland[1]),
		orderAt(pasadena[0], pasadena[1]),
	}
	drivers := []*models.DriverState{
		driverAt(dalyCity[0], dalyCity[1]),
		driverAt(losAngeles[0], losAngeles[1]),
	}

	first := p.Partition(orders, drivers)
	second := p.Partition(orders, drivers)

	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, len(first[i].Orders), len(second[i].Orders))
		for j := range first[i].Orders {
			assert.Equal(t, first[i].Orders[j].ID, second[i].Orders[j].ID)
		}
		require.Equal(t, len(first[i].Drivers), len(second[i].Drivers))
		for j := range first[i].Drivers {
			assert.Equal(t, first[i].Drivers[j].Driver.ID, second[i].Drivers[j].Driver.ID)
		}
	}
}
