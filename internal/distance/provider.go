package distance

import (
	"context"

	"github.com/courierflow/dispatch/pkg/models"
)

// MaxMatrixPoints is the hard cap on points per matrix call imposed by the
// road-network provider.
const MaxMatrixPoints = 25

// Leg is the road-network answer for one ordered origin→destination pair.
type Leg struct {
	DistanceM float64 `json:"distance_m"`
	DurationS float64 `json:"duration_s"`
	Geometry  string  `json:"geometry,omitempty"`
}

// PairIndex identifies one (from, to) cell of a matrix by point index.
type PairIndex struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Matrix holds pairwise distances and durations for a point set. The
// diagonal is always zero. Missing lists pairs that could not be resolved;
// callers either tolerate the holes or fall back to straight-line estimates.
type Matrix struct {
	DistancesM [][]float64 `json:"distances_m"`
	DurationsS [][]float64 `json:"durations_s"`
	Missing    []PairIndex `json:"missing,omitempty"`
}

// Complete reports whether every off-diagonal pair was resolved.
func (m *Matrix) Complete() bool {
	return len(m.Missing) == 0
}

// MatrixRequest asks the provider for pairwise routes between points.
// Sources and Destinations index into Points; empty slices mean "all".
type MatrixRequest struct {
	Points       []models.Point
	Sources      []int
	Destinations []int
}

// MatrixResponse carries the provider's raw answer: one row per source,
// one column per destination, in request order. A nil cell means the
// provider found no route for that pair.
type MatrixResponse struct {
	DistancesM [][]*float64
	DurationsS [][]*float64
}

// Provider is the external road-network routing service. Points are passed
// (longitude, latitude) on the wire. Implementations must honour the
// context deadline and classify failures as transient or invalid-input via
// the pkg/common sentinels.
type Provider interface {
	Name() string
	Route(ctx context.Context, from, to models.Point, profile string) (*Leg, error)
	Matrix(ctx context.Context, req *MatrixRequest, profile string) (*MatrixResponse, error)
}

func newMatrix(n int) *Matrix {
	distances := make([][]float64, n)
	durations := make([][]float64, n)
	for i := 0; i < n; i++ {
		distances[i] = make([]float64, n)
		durations[i] = make([]float64, n)
	}
	return &Matrix{DistancesM: distances, DurationsS: durations}
}
