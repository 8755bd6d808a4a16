package timewindows

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SegmentStats aggregates historical travel-time observations for one
// origin/destination cell pair.
type SegmentStats struct {
	SampleCount   int     `json:"sample_count"`
	MeanSeconds   float64 `json:"mean_seconds"`
	StdDevSeconds float64 `json:"std_dev_seconds"`
}

// Repository reads travel-time observations from PostgreSQL
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new segment statistics repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// SegmentStats returns aggregate travel statistics for a cell pair over the
// trailing 90 days. A pair with no history yields zero counts, not an error.
func (r *Repository) SegmentStats(ctx context.Context, fromCell, toCell string) (*SegmentStats, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(AVG(actual_seconds), 0),
		       COALESCE(STDDEV_SAMP(actual_seconds), 0)
		FROM route_segment_observations
		WHERE from_cell = $1
		  AND to_cell = $2
		  AND completed_at > NOW() - INTERVAL '90 days'
	`

	var stats SegmentStats
	err := r.db.QueryRow(ctx, query, fromCell, toCell).Scan(
		&stats.SampleCount,
		&stats.MeanSeconds,
		&stats.StdDevSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate segment observations: %w", err)
	}

	return &stats, nil
}
