package regions

import (
	"github.com/courierflow/dispatch/pkg/config"
	"github.com/courierflow/dispatch/pkg/geo"
	"github.com/courierflow/dispatch/pkg/models"
)

// Region is an independently matchable slice of the problem: a cluster of
// orders plus the drivers allocated to serve them.
type Region struct {
	Index     int
	Centroid  models.Point
	Orders    []*models.Order
	Drivers   []*models.DriverState
	Singleton bool
}

// Partitioner groups co-located orders into regions by density clustering on
// their pickup points and allocates each driver to the nearest region
// centroid. Regions are independent: matching runs per region and the results
// are unioned.
type Partitioner struct {
	maxRadiusKm float64
	minPoints   int
	inRange     func(from, to models.Point) bool
}

// NewPartitioner builds a partitioner from config, falling back to a 50 km
// radius and a minimum density of one.
func NewPartitioner(cfg config.RegionsConfig) *Partitioner {
	radius := cfg.MaxRadiusKm
	if radius <= 0 {
		radius = 50
	}
	minPoints := cfg.MinPoints
	if minPoints < 1 {
		minPoints = 1
	}
	return &Partitioner{maxRadiusKm: radius, minPoints: minPoints}
}

// WithRangeLimit restricts driver allocation to regions whose centroid
// passes the check, normally the distance oracle's great-circle
// pre-filter. A driver in range of no region serves none this round, so
// no road-network pair is ever requested for it.
func (p *Partitioner) WithRangeLimit(inRange func(from, to models.Point) bool) *Partitioner {
	p.inRange = inRange
	return p
}

// Partition clusters the orders and splits the drivers among the resulting
// regions. Orders too sparse to join any cluster become trailing singleton
// regions. Every order lands in exactly one region; a driver is allocated to
// exactly one region, the one whose centroid is nearest by great-circle
// distance (first region wins ties). The result is deterministic for a given
// input order.
func (p *Partitioner) Partition(orders []*models.Order, drivers []*models.DriverState) []*Region {
	if len(orders) == 0 {
		return nil
	}

	labels := p.cluster(orders)

	clusterCount := 0
	for _, label := range labels {
		if label > clusterCount {
			clusterCount = label
		}
	}

	result := make([]*Region, 0, clusterCount)
	for c := 1; c <= clusterCount; c++ {
		region := &Region{}
		for i, label := range labels {
			if label == c {
				region.Orders = append(region.Orders, orders[i])
			}
		}
		region.Centroid = pickupCentroid(region.Orders)
		result = append(result, region)
	}

	// Noise points each get their own trailing region.
	for i, label := range labels {
		if label != noise {
			continue
		}
		result = append(result, &Region{
			Centroid:  orders[i].Pickup(),
			Orders:    []*models.Order{orders[i]},
			Singleton: true,
		})
	}

	for i, region := range result {
		region.Index = i
	}

	p.allocateDrivers(result, drivers)

	return result
}

// Cluster labels. 0 marks an order not yet visited; positive labels are
// cluster ids in discovery order.
const noise = -1

// cluster runs density-based clustering over the order pickup points:
// an order with at least minPoints orders (itself included) within
// maxRadiusKm is a core point, and clusters grow by core-point reachability.
// Orders reachable from no core point are labelled noise.
func (p *Partitioner) cluster(orders []*models.Order) []int {
	labels := make([]int, len(orders))
	clusterID := 0

	for i := range orders {
		if labels[i] != 0 {
			continue
		}

		neighbors := p.neighbors(orders, i)
		if len(neighbors)+1 < p.minPoints {
			labels[i] = noise
			continue
		}

		clusterID++
		labels[i] = clusterID

		// Expand the cluster breadth-first. Border points (non-core) join
		// but do not expand further.
		queue := append([]int(nil), neighbors...)
		for head := 0; head < len(queue); head++ {
			j := queue[head]
			if labels[j] == noise {
				labels[j] = clusterID
				continue
			}
			if labels[j] != 0 {
				continue
			}
			labels[j] = clusterID

			jNeighbors := p.neighbors(orders, j)
			if len(jNeighbors)+1 >= p.minPoints {
				queue = append(queue, jNeighbors...)
			}
		}
	}

	return labels
}

// neighbors returns the indexes of orders whose pickup lies within the
// cluster radius of order i, excluding i itself.
func (p *Partitioner) neighbors(orders []*models.Order, i int) []int {
	var out []int
	pickup := orders[i].Pickup()
	for j, other := range orders {
		if j == i {
			continue
		}
		q := other.Pickup()
		if geo.Haversine(pickup.Lat, pickup.Lon, q.Lat, q.Lon) <= p.maxRadiusKm {
			out = append(out, j)
		}
	}
	return out
}

// allocateDrivers puts each driver in the in-range region with the nearest
// centroid. Out-of-range drivers stay unallocated.
func (p *Partitioner) allocateDrivers(result []*Region, drivers []*models.DriverState) {
	if len(result) == 0 {
		return
	}
	for _, driver := range drivers {
		best := -1
		var bestDistance float64
		for r, region := range result {
			if p.inRange != nil && !p.inRange(driver.Location, region.Centroid) {
				continue
			}
			d := geo.Haversine(
				driver.Location.Lat, driver.Location.Lon,
				region.Centroid.Lat, region.Centroid.Lon,
			)
			if best < 0 || d < bestDistance {
				best = r
				bestDistance = d
			}
		}
		if best >= 0 {
			result[best].Drivers = append(result[best].Drivers, driver)
		}
	}
}

func pickupCentroid(orders []*models.Order) models.Point {
	if len(orders) == 0 {
		return models.Point{}
	}
	var sumLat, sumLon float64
	for _, o := range orders {
		sumLat += o.PickupLat
		sumLon += o.PickupLon
	}
	n := float64(len(orders))
	return models.Point{Lat: sumLat / n, Lon: sumLon / n}
}
