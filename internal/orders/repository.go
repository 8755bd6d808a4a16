package orders

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courierflow/dispatch/pkg/models"
)

// Repository handles database operations for delivery orders
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new orders repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const orderColumns = `
	id, pickup_lon, pickup_lat, dropoff_lon, dropoff_lat, requested_date,
	time_preference, base_priority, priority_multiplier, rejection_count,
	rejected_driver_ids, status, cancellation_reason, created_at, updated_at,
	cancelled_at
`

// scanOrder reads one order row. rejected_driver_ids comes back as a uuid[]
// column scanned through strings.
func scanOrder(row pgx.Row) (*models.Order, error) {
	order := &models.Order{}
	var rejected []string

	err := row.Scan(
		&order.ID,
		&order.PickupLon,
		&order.PickupLat,
		&order.DropoffLon,
		&order.DropoffLat,
		&order.RequestedDate,
		&order.TimePreference,
		&order.BasePriority,
		&order.PriorityMultiplier,
		&order.RejectionCount,
		&rejected,
		&order.Status,
		&order.CancellationReason,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.CancelledAt,
	)
	if err != nil {
		return nil, err
	}

	order.RejectedDriverIDs = make([]uuid.UUID, 0, len(rejected))
	for _, raw := range rejected {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse rejected driver id: %w", err)
		}
		order.RejectedDriverIDs = append(order.RejectedDriverIDs, id)
	}

	return order, nil
}

// Create inserts a new order
func (r *Repository) Create(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (
			id, pickup_lon, pickup_lat, dropoff_lon, dropoff_lat, requested_date,
			time_preference, base_priority, priority_multiplier, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		order.ID,
		order.PickupLon,
		order.PickupLat,
		order.DropoffLon,
		order.DropoffLat,
		order.RequestedDate,
		order.TimePreference,
		order.BasePriority,
		order.PriorityMultiplier,
		order.Status,
	).Scan(&order.CreatedAt, &order.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	return nil
}

// GetByID retrieves an order by ID
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order, err := scanOrder(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	return order, nil
}

// ListPending returns every pending order sorted by effective priority
// descending, oldest first within a priority.
func (r *Repository) ListPending(ctx context.Context) ([]*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = 'pending'
		ORDER BY base_priority * priority_multiplier DESC, created_at ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}
	defer rows.Close()

	orders := make([]*models.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}

	return orders, nil
}

// List returns orders filtered by optional status, newest first, with the
// total row count for pagination.
func (r *Repository) List(ctx context.Context, status *models.OrderStatus, limit, offset int) ([]*models.Order, int64, error) {
	baseQuery := `SELECT ` + orderColumns + ` FROM orders`
	countQuery := `SELECT COUNT(*) FROM orders`

	args := []interface{}{}
	if status != nil {
		baseQuery += ` WHERE status = $1`
		countQuery += ` WHERE status = $1`
		args = append(args, *status)
	}

	var total int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	baseQuery += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]*models.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}

	return orders, total, nil
}

// Cancel transitions a non-terminal order to cancelled and cancels any live
// assignment it holds, in one transaction. Returns the driver who held the
// live assignment, or uuid.Nil. The bool is false when the order was already
// terminal.
func (r *Repository) Cancel(ctx context.Context, id uuid.UUID, reason *string) (uuid.UUID, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to begin cancel transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = 'cancelled', cancellation_reason = $2, cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('delivered', 'cancelled')
	`, id, reason)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to cancel order: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return uuid.Nil, false, nil
	}

	// A cancelled order revokes its live offer or accepted assignment.
	var driverID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE order_assignments
		SET status = 'cancelled', updated_at = NOW()
		WHERE order_id = $1 AND status IN ('offered', 'accepted')
		RETURNING driver_id
	`, id).Scan(&driverID)
	if err != nil && err != pgx.ErrNoRows {
		return uuid.Nil, false, fmt.Errorf("failed to cancel live assignment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to commit cancel: %w", err)
	}

	return driverID, true, nil
}

// MarkPickedUp flips an assigned order to picked_up. Returns false when the
// order is not currently assigned.
func (r *Repository) MarkPickedUp(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET status = 'picked_up', updated_at = NOW()
		WHERE id = $1 AND status = 'assigned'
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark order picked up: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDelivered flips a picked_up order to delivered. Returns false when the
// order is not currently picked up.
func (r *Repository) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET status = 'delivered', updated_at = NOW()
		WHERE id = $1 AND status = 'picked_up'
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark order delivered: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountByStatus returns order counts grouped by status.
func (r *Repository) CountByStatus(ctx context.Context) (map[models.OrderStatus]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count orders by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.OrderStatus]int64)
	for rows.Next() {
		var status models.OrderStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}

	return counts, nil
}
