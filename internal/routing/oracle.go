package routing

import (
	"context"

	"github.com/courierflow/dispatch/internal/distance"
	"github.com/courierflow/dispatch/pkg/common"
	"github.com/courierflow/dispatch/pkg/models"
)

// Oracle is the slice of the distance oracle the route builder consumes.
// *distance.Oracle satisfies it; tests plug in haversine stubs.
type Oracle interface {
	Leg(ctx context.Context, from, to models.Point) (*distance.Leg, error)
}

// fallbackOracle degrades transient road-network failures to straight-line
// estimates so a flaky provider slows route quality instead of halting
// construction. Invalid-input errors still propagate.
type fallbackOracle struct {
	inner Oracle
}

// NewFallbackOracle wraps an oracle with straight-line degradation.
func NewFallbackOracle(inner Oracle) Oracle {
	return &fallbackOracle{inner: inner}
}

func (f *fallbackOracle) Leg(ctx context.Context, from, to models.Point) (*distance.Leg, error) {
	leg, err := f.inner.Leg(ctx, from, to)
	if err == nil {
		return leg, nil
	}
	if common.IsTransient(err) {
		return distance.FallbackLeg(from, to), nil
	}
	return nil, err
}
