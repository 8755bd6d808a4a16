package timewindows

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/courierflow/dispatch/internal/geo"
	"github.com/courierflow/dispatch/pkg/config"
	"github.com/courierflow/dispatch/pkg/logger"
	"github.com/courierflow/dispatch/pkg/models"
	"github.com/courierflow/dispatch/pkg/redis"
)

// Dimensionless penalty weights carried on every window. Lateness is
// weighted heavier than earliness.
const (
	earlinessPenalty = 1.0
	latenessPenalty  = 3.0
)

const (
	// heuristicFraction sizes the fallback half-width as a share of planned
	// travel time.
	heuristicFraction = 0.2

	// heuristicConfidence is the nominal coverage claimed by the fallback.
	heuristicConfidence = 0.8

	// statsCacheTTL bounds staleness of cached segment aggregates.
	statsCacheTTL = 15 * time.Minute
)

// SegmentSource aggregates historical observations for a cell pair.
type SegmentSource interface {
	SegmentStats(ctx context.Context, fromCell, toCell string) (*SegmentStats, error)
}

// Service derives arrival windows around planner estimates. It is consulted
// once per offer and its output is written into the assignment row untouched.
type Service struct {
	repo       SegmentSource
	redis      redis.ClientInterface
	confidence float64
	minSamples int
}

// NewService creates a new arrival-window oracle
func NewService(repo SegmentSource, redisClient redis.ClientInterface, cfg config.TimeWindowConfig) *Service {
	return &Service{
		repo:       repo,
		redis:      redisClient,
		confidence: cfg.Confidence,
		minSamples: cfg.MinSamples,
	}
}

// Window derives the arrival window for one leg. expectedArrival is the
// planner's estimate and travelSeconds the leg's planned travel time. The
// oracle never fails: when history is scarce or unreadable it falls back to
// the fixed-fraction heuristic.
func (s *Service) Window(ctx context.Context, from, to models.Point, expectedArrival time.Time, travelSeconds float64) *models.TimeWindow {
	fromCell := geo.GetSegmentCell(from.Lat, from.Lon)
	toCell := geo.GetSegmentCell(to.Lat, to.Lon)

	stats, err := s.segmentStats(ctx, fromCell, toCell)
	if err != nil {
		logger.WarnContext(ctx, "failed to load segment statistics, using heuristic window",
			zap.String("from_cell", fromCell),
			zap.String("to_cell", toCell),
			zap.Error(err))
		return s.heuristicWindow(expectedArrival, travelSeconds)
	}

	if stats.SampleCount < s.minSamples || stats.MeanSeconds <= 0 || stats.StdDevSeconds <= 0 {
		return s.heuristicWindow(expectedArrival, travelSeconds)
	}

	return s.sampledWindow(expectedArrival, stats)
}

// sampledWindow bounds the arrival with a two-sided normal quantile of the
// observed travel-time distribution on this cell pair.
func (s *Service) sampledWindow(expectedArrival time.Time, stats *SegmentStats) *models.TimeWindow {
	z := math.Sqrt2 * math.Erfinv(s.confidence)
	halfWidth := z * stats.StdDevSeconds

	return &models.TimeWindow{
		EarliestArrival:      expectedArrival.Add(-secondsToDuration(halfWidth)),
		LatestArrival:        expectedArrival.Add(secondsToDuration(halfWidth)),
		ExpectedArrival:      expectedArrival,
		WidthSeconds:         2 * halfWidth,
		Confidence:           s.confidence,
		ViolationProbability: 1 - s.confidence,
		EarlinessPenalty:     earlinessPenalty,
		LatenessPenalty:      latenessPenalty,
		Method:               models.MethodStochasticSAA,
		SampleCount:          stats.SampleCount,
		StdDevSeconds:        stats.StdDevSeconds,
		CV:                   stats.StdDevSeconds / stats.MeanSeconds,
	}
}

// heuristicWindow sizes the window as a fixed fraction of planned travel
// time. Used until a cell pair accumulates enough observations.
func (s *Service) heuristicWindow(expectedArrival time.Time, travelSeconds float64) *models.TimeWindow {
	halfWidth := heuristicFraction * travelSeconds

	return &models.TimeWindow{
		EarliestArrival:      expectedArrival.Add(-secondsToDuration(halfWidth)),
		LatestArrival:        expectedArrival.Add(secondsToDuration(halfWidth)),
		ExpectedArrival:      expectedArrival,
		WidthSeconds:         2 * halfWidth,
		Confidence:           heuristicConfidence,
		ViolationProbability: 1 - heuristicConfidence,
		EarlinessPenalty:     earlinessPenalty,
		LatenessPenalty:      latenessPenalty,
		Method:               models.MethodSimpleHeuristic,
	}
}

// segmentStats reads the cell-pair aggregate through a short-lived Redis
// cache so a burst of offers on the same corridor hits Postgres once.
func (s *Service) segmentStats(ctx context.Context, fromCell, toCell string) (*SegmentStats, error) {
	key := fmt.Sprintf("timewindows:segment:%s:%s", fromCell, toCell)

	if s.redis != nil {
		cached, err := s.redis.GetString(ctx, key)
		if err == nil && cached != "" {
			var stats SegmentStats
			if err := json.Unmarshal([]byte(cached), &stats); err == nil {
				return &stats, nil
			}
		}
	}

	stats, err := s.repo.SegmentStats(ctx, fromCell, toCell)
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if raw, err := json.Marshal(stats); err == nil {
			_ = s.redis.SetWithExpiration(ctx, key, string(raw), statsCacheTTL)
		}
	}

	return stats, nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
