package drivers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courierflow/dispatch/pkg/models"
)

const driverColumns = `id, name, phone, vehicle_type, max_concurrent, status, created_at, updated_at`

// Repository persists the driver registry and its location history.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new drivers repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func scanDriver(row pgx.Row) (*models.Driver, error) {
	var d models.Driver
	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Phone,
		&d.VehicleType,
		&d.MaxConcurrent,
		&d.Status,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Create inserts a new driver
func (r *Repository) Create(ctx context.Context, d *models.Driver) error {
	query := `
		INSERT INTO drivers (id, name, phone, vehicle_type, max_concurrent, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		d.ID,
		d.Name,
		d.Phone,
		d.VehicleType,
		d.MaxConcurrent,
		d.Status,
	).Scan(&d.CreatedAt, &d.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create driver: %w", err)
	}

	return nil
}

// GetByID retrieves a driver by ID
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
	query := `SELECT ` + driverColumns + ` FROM drivers WHERE id = $1`

	d, err := scanDriver(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get driver: %w", err)
	}

	return d, nil
}

// UpdateStatus flips a driver from one status to another. The WHERE clause
// carries the expected current status, so a concurrent change makes this a
// no-op and the caller sees false.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.DriverStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE drivers
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to update driver status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordLocation appends one position to the driver's location history.
func (r *Repository) RecordLocation(ctx context.Context, loc *models.DriverLocation) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO driver_locations (driver_id, lon, lat, heading, speed_kmh)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, recorded_at`,
		loc.DriverID, loc.Lon, loc.Lat, loc.Heading, loc.SpeedKmh,
	).Scan(&loc.ID, &loc.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to record driver location: %w", err)
	}
	return nil
}

// DeleteLocationsBefore removes location history older than the cutoff and
// returns the number of rows removed. The latest fix per driver lives in the
// Redis index; the history table only needs a bounded trail.
func (r *Repository) DeleteLocationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM driver_locations WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune driver locations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LatestLocation returns the driver's most recent recorded position, or nil
// when the driver has never reported one.
func (r *Repository) LatestLocation(ctx context.Context, driverID uuid.UUID) (*models.DriverLocation, error) {
	var loc models.DriverLocation
	err := r.db.QueryRow(ctx, `
		SELECT id, driver_id, lon, lat, heading, speed_kmh, recorded_at
		FROM driver_locations
		WHERE driver_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`,
		driverID,
	).Scan(&loc.ID, &loc.DriverID, &loc.Lon, &loc.Lat, &loc.Heading, &loc.SpeedKmh, &loc.RecordedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest driver location: %w", err)
	}
	return &loc, nil
}

// ListByIDs returns the drivers for the given IDs, in no particular order.
func (r *Repository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Driver, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+driverColumns+` FROM drivers WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list drivers: %w", err)
	}
	defer rows.Close()

	var drivers []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan driver: %w", err)
		}
		drivers = append(drivers, d)
	}
	return drivers, rows.Err()
}

// ListDispatchable returns every driver who may receive offers, joined with
// the latest recorded position and the count of accepted, undelivered orders.
// Drivers who never reported a position are excluded: the planner cannot
// route from an unknown start.
func (r *Repository) ListDispatchable(ctx context.Context) ([]*models.DriverState, error) {
	rows, err := r.db.Query(ctx, `
		SELECT d.id, d.name, d.phone, d.vehicle_type, d.max_concurrent, d.status,
			d.created_at, d.updated_at,
			l.lon, l.lat,
			(
				SELECT COUNT(*)
				FROM order_assignments a
				JOIN orders o ON o.id = a.order_id
				WHERE a.driver_id = d.id
				  AND a.status = 'accepted'
				  AND o.status IN ('assigned', 'picked_up')
			) AS active_load
		FROM drivers d
		JOIN LATERAL (
			SELECT lon, lat
			FROM driver_locations
			WHERE driver_id = d.id
			ORDER BY recorded_at DESC, id DESC
			LIMIT 1
		) l ON true
		WHERE d.status IN ('available', 'en_route_pickup')
		ORDER BY d.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatchable drivers: %w", err)
	}
	defer rows.Close()

	var states []*models.DriverState
	for rows.Next() {
		var d models.Driver
		var state models.DriverState
		err := rows.Scan(
			&d.ID,
			&d.Name,
			&d.Phone,
			&d.VehicleType,
			&d.MaxConcurrent,
			&d.Status,
			&d.CreatedAt,
			&d.UpdatedAt,
			&state.Location.Lon,
			&state.Location.Lat,
			&state.ActiveLoad,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispatchable driver: %w", err)
		}
		state.Driver = &d
		states = append(states, &state)
	}
	return states, rows.Err()
}
