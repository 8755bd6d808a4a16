package observations

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Observation is one completed delivery leg recorded for the arrival-window
// oracle. Rows are append-only; nothing updates them after insert.
type Observation struct {
	DriverID         uuid.UUID
	OrderID          uuid.UUID
	FromLat          float64
	FromLon          float64
	ToLat            float64
	ToLon            float64
	FromCell         string
	ToCell           string
	PredictedSeconds float64
	ActualSeconds    float64
	DistanceM        float64
	HourOfDay        int
	DayOfWeek        int
	CompletedAt      time.Time
}

// Repository persists travel-time observations
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new observation repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert appends one observation.
func (r *Repository) Insert(ctx context.Context, obs *Observation) error {
	query := `
		INSERT INTO route_segment_observations (
			driver_id, order_id,
			from_lat, from_lon, to_lat, to_lon,
			from_cell, to_cell,
			predicted_seconds, actual_seconds, distance_m,
			hour_of_day, day_of_week, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.db.ExecContext(ctx, query,
		obs.DriverID,
		obs.OrderID,
		obs.FromLat,
		obs.FromLon,
		obs.ToLat,
		obs.ToLon,
		obs.FromCell,
		obs.ToCell,
		obs.PredictedSeconds,
		obs.ActualSeconds,
		obs.DistanceM,
		obs.HourOfDay,
		obs.DayOfWeek,
		obs.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert segment observation: %w", err)
	}

	return nil
}

// DeleteOlderThan removes observations completed before the cutoff and
// returns the number of rows removed. The stats reader only consults the
// trailing 90 days, so older rows are dead weight.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM route_segment_observations WHERE completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune segment observations: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned observations: %w", err)
	}

	return rows, nil
}

// CountBySegment returns the number of observations recorded for one cell
// pair. Used by operational tooling to inspect corridor coverage.
func (r *Repository) CountBySegment(ctx context.Context, fromCell, toCell string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM route_segment_observations WHERE from_cell = $1 AND to_cell = $2`,
		fromCell, toCell).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count segment observations: %w", err)
	}

	return count, nil
}
