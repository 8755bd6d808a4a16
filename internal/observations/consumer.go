package observations

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/courierflow/dispatch/internal/geo"
	"github.com/courierflow/dispatch/pkg/eventbus"
	"github.com/courierflow/dispatch/pkg/logger"
)

// legsConsumerName is the durable consumer name; restarts resume from the
// last acknowledged message.
const legsConsumerName = "observer-legs"

// Store persists observations.
type Store interface {
	Insert(ctx context.Context, obs *Observation) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Bus is the subset of the event bus the observer consumes.
type Bus interface {
	Subscribe(ctx context.Context, subject, consumerName string, handler eventbus.HandlerFunc) error
}

// Consumer turns delivery leg-completed events into observation rows.
type Consumer struct {
	store Store
}

// NewConsumer creates a new observation consumer
func NewConsumer(store Store) *Consumer {
	return &Consumer{store: store}
}

// Start subscribes to leg-completed events on the bus.
func (c *Consumer) Start(ctx context.Context, bus Bus) error {
	if err := bus.Subscribe(ctx, eventbus.SubjectDeliveryLegCompleted, legsConsumerName, c.HandleLegCompleted); err != nil {
		return fmt.Errorf("failed to subscribe to leg-completed events: %w", err)
	}
	return nil
}

// HandleLegCompleted persists one observation. Returning an error nacks the
// message for redelivery; malformed or unusable payloads are acked and
// dropped since redelivery cannot repair them.
func (c *Consumer) HandleLegCompleted(ctx context.Context, event *eventbus.Event) error {
	var data eventbus.DeliveryLegCompletedData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		logger.WarnContext(ctx, "dropping malformed leg-completed payload",
			zap.String("event_id", event.ID),
			zap.Error(err))
		return nil
	}

	// Non-positive actuals are clock artefacts; they never reach the table.
	if data.ActualSeconds <= 0 {
		logger.WarnContext(ctx, "dropping leg-completed with non-positive actual travel time",
			zap.String("event_id", event.ID),
			zap.String("order_id", data.OrderID.String()),
			zap.Float64("actual_seconds", data.ActualSeconds))
		return nil
	}

	obs := NewObservation(&data)
	if err := c.store.Insert(ctx, obs); err != nil {
		return fmt.Errorf("failed to store observation: %w", err)
	}

	logger.DebugContext(ctx, "observation recorded",
		zap.String("order_id", data.OrderID.String()),
		zap.String("from_cell", obs.FromCell),
		zap.String("to_cell", obs.ToCell),
		zap.Float64("actual_seconds", data.ActualSeconds))
	return nil
}

// Prune removes observations older than the retention window and reports
// how many rows went away.
func (c *Consumer) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	removed, err := c.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		logger.InfoContext(ctx, "pruned stale observations",
			zap.Int64("removed", removed),
			zap.Time("cutoff", cutoff))
	}
	return removed, nil
}

// NewObservation maps a leg-completed event onto an observation row,
// bucketing both endpoints at segment resolution.
func NewObservation(data *eventbus.DeliveryLegCompletedData) *Observation {
	return &Observation{
		DriverID:         data.DriverID,
		OrderID:          data.OrderID,
		FromLat:          data.FromLatitude,
		FromLon:          data.FromLongitude,
		ToLat:            data.ToLatitude,
		ToLon:            data.ToLongitude,
		FromCell:         geo.GetSegmentCell(data.FromLatitude, data.FromLongitude),
		ToCell:           geo.GetSegmentCell(data.ToLatitude, data.ToLongitude),
		PredictedSeconds: data.PredictedSeconds,
		ActualSeconds:    data.ActualSeconds,
		DistanceM:        data.DistanceM,
		HourOfDay:        data.HourOfDay,
		DayOfWeek:        data.DayOfWeek,
		CompletedAt:      data.CompletedAt,
	}
}
