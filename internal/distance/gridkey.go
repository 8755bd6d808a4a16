package distance

import (
	"fmt"
	"math"

	"github.com/courierflow/dispatch/pkg/models"
)

// gridResolution quantises coordinates to ≈100 m cells so that near-identical
// endpoints share cache entries.
const gridResolution = 0.001

// snapToGrid rounds a coordinate to the nearest grid line.
func snapToGrid(v float64) float64 {
	return math.Round(v/gridResolution) * gridResolution
}

// gridCell renders a point's quantised cell as a stable string.
func gridCell(p models.Point) string {
	return fmt.Sprintf("%.3f:%.3f", snapToGrid(p.Lon), snapToGrid(p.Lat))
}

// CacheKey returns the canonical cache key for a pair of points on a routing
// profile. The pair is sorted lexicographically by grid cell so that (A,B)
// and (B,A) share one entry.
func CacheKey(a, b models.Point, profile string) string {
	ca, cb := gridCell(a), gridCell(b)
	if cb < ca {
		ca, cb = cb, ca
	}
	return ca + "|" + cb + "|" + profile
}

// SameCell reports whether both points quantise to the same grid cell, in
// which case the pair needs no provider round trip at all.
func SameCell(a, b models.Point) bool {
	return gridCell(a) == gridCell(b)
}
